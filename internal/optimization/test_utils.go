package optimization

import (
	"fmt"
	"math"
	"testing"
)

// StubEvaluator computes a raw operand value from a StubModel.
type StubEvaluator func(m *StubModel, in Inputs) (float64, error)

// StubModel is an in-memory Model used by tests across the optimization
// packages. Surfaces are conic sections; operands are looked up in
// Evaluators.
type StubModel struct {
	Thickness  []float64
	Radius     []float64
	Conic      []float64
	Evaluators map[string]StubEvaluator
}

// NewStubModel creates n flat surfaces separated by thickness, with the
// "thickness", "radius" and "track" operands registered.
func NewStubModel(n int, thickness float64) *StubModel {
	m := &StubModel{
		Thickness: make([]float64, n),
		Radius:    make([]float64, n),
		Conic:     make([]float64, n),
		Evaluators: map[string]StubEvaluator{
			"thickness": func(m *StubModel, in Inputs) (float64, error) { return m.Thickness[in.Surface], nil },
			"radius":    func(m *StubModel, in Inputs) (float64, error) { return m.Radius[in.Surface], nil },
			"track": func(m *StubModel, _ Inputs) (float64, error) {
				var sum float64
				for _, t := range m.Thickness {
					sum += t
				}
				return sum, nil
			},
		},
	}
	for i := range m.Thickness {
		m.Thickness[i] = thickness
		m.Radius[i] = math.Inf(1)
	}
	return m
}

func (m *StubModel) NumSurfaces() int { return len(m.Thickness) }

func (m *StubModel) slot(kind ParameterKind, surface int) (*float64, error) {
	if surface < 0 || surface >= len(m.Thickness) {
		return nil, fmt.Errorf("%w: surface %d", ErrInvalidReference, surface)
	}
	switch kind {
	case ParamThickness:
		return &m.Thickness[surface], nil
	case ParamRadius:
		return &m.Radius[surface], nil
	case ParamConic:
		return &m.Conic[surface], nil
	}
	return nil, fmt.Errorf("unknown parameter %q", kind)
}

func (m *StubModel) Parameter(kind ParameterKind, surface int) (float64, error) {
	s, err := m.slot(kind, surface)
	if err != nil {
		return 0, err
	}
	return *s, nil
}

func (m *StubModel) SetParameter(kind ParameterKind, surface int, value float64) error {
	s, err := m.slot(kind, surface)
	if err != nil {
		return err
	}
	*s = value
	return nil
}

func (m *StubModel) Sag(surface int, x, y float64) (float64, error) {
	if surface < 0 || surface >= len(m.Radius) {
		return 0, fmt.Errorf("%w: surface %d", ErrInvalidReference, surface)
	}
	r := m.Radius[surface]
	if math.IsInf(r, 0) || r == 0 {
		return 0, nil
	}
	c := 1 / r
	r2 := x*x + y*y
	arg := 1 - (1+m.Conic[surface])*c*c*r2
	if arg < 0 {
		return 0, fmt.Errorf("point (%g, %g) outside surface %d aperture", x, y, surface)
	}
	return c * r2 / (1 + math.Sqrt(arg)), nil
}

func (m *StubModel) ValidateOperand(kind string, in Inputs) error {
	if _, ok := m.Evaluators[kind]; !ok {
		return fmt.Errorf("unknown operand kind %q", kind)
	}
	if in.Surface < 0 || in.Surface >= len(m.Thickness) {
		return fmt.Errorf("%w: surface %d", ErrInvalidReference, in.Surface)
	}
	return nil
}

func (m *StubModel) EvaluateOperand(kind string, in Inputs) (float64, error) {
	fn, ok := m.Evaluators[kind]
	if !ok {
		return 0, fmt.Errorf("unknown operand kind %q", kind)
	}
	return fn(m, in)
}

// Clone copies the surface data; evaluators are shared and must only read
// the model they are given.
func (m *StubModel) Clone() Model {
	return &StubModel{
		Thickness:  append([]float64(nil), m.Thickness...),
		Radius:     append([]float64(nil), m.Radius...),
		Conic:      append([]float64(nil), m.Conic...),
		Evaluators: m.Evaluators,
	}
}

// AssertFloat64SlicesEqual checks if two float64 slices are approximately equal
func AssertFloat64SlicesEqual(t testing.TB, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}
