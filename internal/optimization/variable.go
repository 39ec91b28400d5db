package optimization

import (
	"fmt"
	"math"
)

// VariableKind identifies which design parameter a Variable controls.
type VariableKind string

const (
	KindThickness     VariableKind = "thickness"
	KindRadius        VariableKind = "radius"
	KindConic         VariableKind = "conic"
	KindEdgeThickness VariableKind = "edge_thickness"
)

// VariableSpec describes a variable to register with a Problem.
type VariableSpec struct {
	Kind    VariableKind `yaml:"kind" json:"kind"`
	Surface int          `yaml:"surface" json:"surface"`
	// EdgeRadius is the radial distance at which an edge thickness is measured.
	EdgeRadius float64 `yaml:"edge_radius,omitempty" json:"edge_radius,omitempty"`
	Min        float64 `yaml:"min" json:"min"`
	Max        float64 `yaml:"max" json:"max"`
	// Unscaled exposes the value in physical units instead of the
	// optimizer-friendly rescaled units.
	Unscaled bool `yaml:"unscaled,omitempty" json:"unscaled,omitempty"`
}

// Variable is a design parameter exposed to optimizers as one scalar.
//
// Value and Update share one unit convention: rescaled when scaling is on,
// physical otherwise. The set of implementations is closed.
type Variable interface {
	Kind() VariableKind
	Surface() int

	// Value returns the current value. It never mutates the model.
	Value() (float64, error)
	// Update writes v, given in the Value unit convention, into the model.
	Update(v float64) error
	// Physical returns the current value in physical units.
	Physical() (float64, error)

	Scale(physical float64) float64
	InverseScale(scaled float64) float64

	// Bounds returns the physical bounds.
	Bounds() (min, max float64)
	// ScaledBounds returns the bounds in the Value unit convention.
	ScaledBounds() (min, max float64)

	Spec() VariableSpec
	String() string

	// writes names the stored parameter Update changes.
	writes() (ParameterKind, int)
	rebind(m Model) Variable
}

// base carries the state common to every variant.
type base struct {
	model   Model
	surface int
	min     float64
	max     float64
	scaled  bool
}

func (b *base) Surface() int { return b.surface }

func (b *base) Bounds() (float64, float64) { return b.min, b.max }

// scalar is a variable stored directly as one model parameter.
type scalar struct {
	base
	kind  VariableKind
	param ParameterKind
	// affine map: scaled = physical/div + off
	div float64
	off float64
}

func (v *scalar) Kind() VariableKind { return v.kind }

func (v *scalar) Scale(physical float64) float64 { return physical/v.div + v.off }

func (v *scalar) InverseScale(scaled float64) float64 { return (scaled - v.off) * v.div }

func (v *scalar) Physical() (float64, error) {
	return v.model.Parameter(v.param, v.surface)
}

func (v *scalar) Value() (float64, error) {
	p, err := v.Physical()
	if err != nil {
		return 0, err
	}
	if v.scaled {
		return v.Scale(p), nil
	}
	return p, nil
}

func (v *scalar) Update(x float64) error {
	if v.scaled {
		x = v.InverseScale(x)
	}
	return v.model.SetParameter(v.param, v.surface, x)
}

func (v *scalar) ScaledBounds() (float64, float64) {
	if !v.scaled {
		return v.min, v.max
	}
	return v.Scale(v.min), v.Scale(v.max)
}

func (v *scalar) Spec() VariableSpec {
	return VariableSpec{Kind: v.kind, Surface: v.surface, Min: v.min, Max: v.max, Unscaled: !v.scaled}
}

func (v *scalar) String() string {
	switch v.kind {
	case KindThickness:
		return fmt.Sprintf("Thickness, Surface %d", v.surface)
	case KindRadius:
		return fmt.Sprintf("Radius, Surface %d", v.surface)
	default:
		return fmt.Sprintf("Conic, Surface %d", v.surface)
	}
}

func (v *scalar) writes() (ParameterKind, int) { return v.param, v.surface }

func (v *scalar) rebind(m Model) Variable {
	c := *v
	c.model = m
	return &c
}

// edgeThickness is the axial separation of surfaces i and i+1 measured at
// edgeRadius. It is derived from the center thickness and both sags; only the
// center thickness is ever written.
type edgeThickness struct {
	base
	edgeRadius float64
}

func (v *edgeThickness) Kind() VariableKind { return KindEdgeThickness }

// Scale uses a fixed affine map, independent of the bounds.
func (v *edgeThickness) Scale(physical float64) float64 { return physical/10.0 - 1.0 }

func (v *edgeThickness) InverseScale(scaled float64) float64 { return (scaled + 1.0) * 10.0 }

func (v *edgeThickness) sags() (before, after float64, err error) {
	before, err = v.model.Sag(v.surface, 0, v.edgeRadius)
	if err != nil {
		return 0, 0, err
	}
	after, err = v.model.Sag(v.surface+1, 0, v.edgeRadius)
	if err != nil {
		return 0, 0, err
	}
	return before, after, nil
}

func (v *edgeThickness) Physical() (float64, error) {
	center, err := v.model.Parameter(ParamThickness, v.surface)
	if err != nil {
		return 0, err
	}
	before, after, err := v.sags()
	if err != nil {
		return 0, err
	}
	return center + after - before, nil
}

func (v *edgeThickness) Value() (float64, error) {
	p, err := v.Physical()
	if err != nil {
		return 0, err
	}
	if v.scaled {
		return v.Scale(p), nil
	}
	return p, nil
}

func (v *edgeThickness) Update(x float64) error {
	if v.scaled {
		x = v.InverseScale(x)
	}
	// Sags do not depend on the spacing, so the inversion is closed form.
	before, after, err := v.sags()
	if err != nil {
		return err
	}
	return v.model.SetParameter(ParamThickness, v.surface, x-after+before)
}

func (v *edgeThickness) ScaledBounds() (float64, float64) {
	if !v.scaled {
		return v.min, v.max
	}
	return v.Scale(v.min), v.Scale(v.max)
}

func (v *edgeThickness) Spec() VariableSpec {
	return VariableSpec{
		Kind:       KindEdgeThickness,
		Surface:    v.surface,
		EdgeRadius: v.edgeRadius,
		Min:        v.min,
		Max:        v.max,
		Unscaled:   !v.scaled,
	}
}

func (v *edgeThickness) String() string {
	return fmt.Sprintf("Edge Thickness, Surface %d", v.surface)
}

func (v *edgeThickness) writes() (ParameterKind, int) { return ParamThickness, v.surface }

func (v *edgeThickness) rebind(m Model) Variable {
	c := *v
	c.model = m
	return &c
}

// newVariable validates spec against model and builds the matching variant.
func newVariable(model Model, spec VariableSpec) (Variable, error) {
	const op = "AddVariable"

	if math.IsNaN(spec.Min) || math.IsNaN(spec.Max) {
		return nil, configErrorf(op, "bounds of %s variable must not be NaN", spec.Kind)
	}
	if !(spec.Min < spec.Max) {
		return nil, configErrorf(op, "min %g must be less than max %g", spec.Min, spec.Max)
	}

	n := model.NumSurfaces()
	b := base{model: model, surface: spec.Surface, min: spec.Min, max: spec.Max, scaled: !spec.Unscaled}

	var v Variable
	switch spec.Kind {
	case KindThickness:
		if spec.Surface < 0 || spec.Surface >= n {
			return nil, referenceErrorf(op, "surface %d out of range [0, %d)", spec.Surface, n)
		}
		v = &scalar{base: b, kind: KindThickness, param: ParamThickness, div: 10, off: -1}
	case KindRadius:
		if spec.Surface < 0 || spec.Surface >= n {
			return nil, referenceErrorf(op, "surface %d out of range [0, %d)", spec.Surface, n)
		}
		v = &scalar{base: b, kind: KindRadius, param: ParamRadius, div: 100, off: -1}
	case KindConic:
		if spec.Surface < 0 || spec.Surface >= n {
			return nil, referenceErrorf(op, "surface %d out of range [0, %d)", spec.Surface, n)
		}
		v = &scalar{base: b, kind: KindConic, param: ParamConic, div: 1, off: 0}
	case KindEdgeThickness:
		if spec.Surface < 0 || spec.Surface+1 >= n {
			return nil, referenceErrorf(op, "edge thickness needs surfaces %d and %d, model has %d",
				spec.Surface, spec.Surface+1, n)
		}
		if math.IsNaN(spec.EdgeRadius) || math.IsInf(spec.EdgeRadius, 0) || spec.EdgeRadius < 0 {
			return nil, configErrorf(op, "edge radius must be finite and non-negative, got %g", spec.EdgeRadius)
		}
		v = &edgeThickness{base: b, edgeRadius: spec.EdgeRadius}
	default:
		return nil, configErrorf(op, "unknown variable kind %q", spec.Kind)
	}

	if err := checkScaling(v); err != nil {
		return nil, err
	}
	if _, err := v.Value(); err != nil {
		return nil, WrapErrorf(err, "reading %s", v).WithOperation(op).WithComponent("problem")
	}
	return v, nil
}

// scaleTolerance is the relative tolerance of the scaling round-trip check.
const scaleTolerance = 1e-9

// checkScaling verifies InverseScale(Scale(x)) == x at the finite bounds,
// their midpoint and the current physical value.
func checkScaling(v Variable) error {
	lo, hi := v.Bounds()
	points := make([]float64, 0, 4)
	for _, x := range []float64{lo, hi} {
		if !math.IsInf(x, 0) {
			points = append(points, x)
		}
	}
	if !math.IsInf(lo, 0) && !math.IsInf(hi, 0) {
		points = append(points, lo+(hi-lo)/2)
	}
	if p, err := v.Physical(); err == nil && !math.IsInf(p, 0) && !math.IsNaN(p) {
		points = append(points, p)
	}

	for _, x := range points {
		got := v.InverseScale(v.Scale(x))
		if math.Abs(got-x) > scaleTolerance*math.Max(1, math.Abs(x)) {
			return WrapErrorf(ErrScaling, "%s: inverse_scale(scale(%g)) = %g", v, x, got).
				WithOperation("AddVariable").WithComponent("problem")
		}
	}
	return nil
}
