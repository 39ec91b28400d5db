package optimization

import (
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"
)

// Problem aggregates weighted operands into a root-sum-square merit and
// exposes its variables as an ordered decision vector.
//
// A Problem is not safe for concurrent use. Optimizers that evaluate in
// parallel work on clones.
type Problem struct {
	model     Model
	operands  []*Operand
	variables []Variable
	logger    *zap.Logger

	frozen atomic.Bool
}

// Option configures a Problem.
type Option func(*Problem)

// WithLogger sets the logger used by the problem.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Problem) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProblem creates an empty problem over model.
func NewProblem(model Model, opts ...Option) *Problem {
	p := &Problem{
		model:  model,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("problem")
	return p
}

// Model returns the live model the problem writes into.
func (p *Problem) Model() Model { return p.model }

// Logger returns the problem's logger.
func (p *Problem) Logger() *zap.Logger { return p.logger }

// Operands returns the registered operands in registration order.
func (p *Problem) Operands() []*Operand {
	return append([]*Operand(nil), p.operands...)
}

// Variables returns the registered variables in decision-vector order.
func (p *Problem) Variables() []Variable {
	return append([]Variable(nil), p.variables...)
}

// NumVariables returns the length of the decision vector.
func (p *Problem) NumVariables() int { return len(p.variables) }

// AddOperand validates spec and appends an operand. Nothing is evaluated.
func (p *Problem) AddOperand(spec OperandSpec) (*Operand, error) {
	if p.frozen.Load() {
		return nil, configErrorf("AddOperand", "problem is being optimized")
	}
	if err := validateOperand(p.model, spec); err != nil {
		return nil, err
	}
	o := &Operand{Kind: spec.Kind, Target: spec.Target, Weight: spec.Weight, Inputs: spec.Inputs}
	p.operands = append(p.operands, o)
	p.logger.Debug("operand added",
		zap.String("kind", spec.Kind),
		zap.Float64("target", spec.Target),
		zap.Float64("weight", spec.Weight),
	)
	return o, nil
}

// AddVariable validates spec against the model and appends the matching
// variable.
//
// Two variables may write the same stored parameter, for example a thickness
// and an edge thickness on one surface. SetValues applies them in order, so
// the later write wins and the earlier variable's decision value is not what
// the model ends up holding. Such pairs are accepted with a warning.
func (p *Problem) AddVariable(spec VariableSpec) (Variable, error) {
	if p.frozen.Load() {
		return nil, configErrorf("AddVariable", "problem is being optimized")
	}
	v, err := newVariable(p.model, spec)
	if err != nil {
		return nil, err
	}
	kind, surface := v.writes()
	for _, other := range p.variables {
		if k, s := other.writes(); k == kind && s == surface {
			p.logger.Warn("variables share a stored parameter",
				zap.Stringer("variable", v),
				zap.Stringer("other", other),
				zap.String("parameter", string(kind)),
				zap.Int("surface", surface),
			)
		}
	}
	p.variables = append(p.variables, v)
	p.logger.Debug("variable added",
		zap.Stringer("variable", v),
		zap.Float64("min", spec.Min),
		zap.Float64("max", spec.Max),
	)
	return v, nil
}

// ClearOperands removes every operand.
func (p *Problem) ClearOperands() error {
	if p.frozen.Load() {
		return configErrorf("ClearOperands", "problem is being optimized")
	}
	p.operands = nil
	return nil
}

// ClearVariables removes every variable.
func (p *Problem) ClearVariables() error {
	if p.frozen.Load() {
		return configErrorf("ClearVariables", "problem is being optimized")
	}
	p.variables = nil
	return nil
}

// Freeze locks the operand and variable lists for the duration of a run.
// The returned function unlocks them. Freeze fails if a run already holds
// the problem.
func (p *Problem) Freeze() (func(), error) {
	if !p.frozen.CompareAndSwap(false, true) {
		return nil, configErrorf("Freeze", "problem is already being optimized")
	}
	return func() { p.frozen.Store(false) }, nil
}

// Residuals evaluates every operand and returns the weighted deviations in
// operand order.
func (p *Problem) Residuals() ([]float64, error) {
	out := make([]float64, len(p.operands))
	for i, o := range p.operands {
		d, err := o.evaluate(p.model)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

// SumSquared evaluates every operand and returns the sum of squared weighted
// deviations.
func (p *Problem) SumSquared() (float64, error) {
	res, err := p.Residuals()
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, d := range res {
		sum += d * d
	}
	if math.IsInf(sum, 0) {
		return 0, WrapError(ErrEvaluation, "merit overflow").WithOperation("Evaluate").WithComponent("problem")
	}
	return sum, nil
}

// Evaluate returns the merit: the root-sum-square of weighted operand
// deviations. Every operand's cached value is refreshed.
func (p *Problem) Evaluate() (float64, error) {
	ss, err := p.SumSquared()
	if err != nil {
		return 0, err
	}
	return math.Sqrt(ss), nil
}

// Values returns the current decision vector.
func (p *Problem) Values() ([]float64, error) {
	x := make([]float64, len(p.variables))
	for i, v := range p.variables {
		val, err := v.Value()
		if err != nil {
			return nil, WrapErrorf(err, "reading %s", v).WithOperation("Values").WithComponent("problem")
		}
		x[i] = val
	}
	return x, nil
}

// SetValues writes a decision vector into the model through each variable.
// Edge thicknesses are written last so they see the final surface shapes;
// the resulting model state depends only on x. A value the model rejects
// yields an ErrInfeasible error and may leave the model partially written.
func (p *Problem) SetValues(x []float64) error {
	if len(x) != len(p.variables) {
		return configErrorf("SetValues", "vector has %d elements, problem has %d variables", len(x), len(p.variables))
	}
	for _, edges := range []bool{false, true} {
		for i, v := range p.variables {
			if (v.Kind() == KindEdgeThickness) != edges {
				continue
			}
			if err := v.Update(x[i]); err != nil {
				return WrapErrorf(fmt.Errorf("%w: %w", ErrInfeasible, err), "writing %s", v).
					WithOperation("SetValues").WithComponent("problem")
			}
		}
	}
	return nil
}

// Bounds returns the per-variable bounds in decision-vector units.
func (p *Problem) Bounds() [][2]float64 {
	b := make([][2]float64, len(p.variables))
	for i, v := range p.variables {
		lo, hi := v.ScaledBounds()
		b[i] = [2]float64{lo, hi}
	}
	return b
}

// Clone returns an independent problem over a clone of the model, with the
// same operands, variables and cached operand values.
func (p *Problem) Clone() *Problem {
	m := p.model.Clone()
	c := &Problem{
		model:     m,
		operands:  make([]*Operand, len(p.operands)),
		variables: make([]Variable, len(p.variables)),
		logger:    p.logger,
	}
	for i, o := range p.operands {
		cp := *o
		c.operands[i] = &cp
	}
	for i, v := range p.variables {
		c.variables[i] = v.rebind(m)
	}
	return c
}
