package optimization

import (
	"fmt"
	"math"
)

// OperandSpec describes an operand to register with a Problem.
type OperandSpec struct {
	Kind   string  `yaml:"kind" json:"kind"`
	Target float64 `yaml:"target" json:"target"`
	Weight float64 `yaml:"weight" json:"weight"`
	Inputs Inputs  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// Operand is a weighted performance target. Its raw value comes from the
// model; the operand only remembers the last one it saw.
type Operand struct {
	Kind   string
	Target float64
	Weight float64
	Inputs Inputs

	// Value is the raw value from the most recent evaluation.
	Value float64
	// Evaluated is false until the first successful evaluation.
	Evaluated bool
}

// Delta returns the weighted deviation of the cached value from the target,
// or zero before the first evaluation.
func (o *Operand) Delta() float64 {
	if o.Weight == 0 || !o.Evaluated {
		return 0
	}
	return o.Weight * (o.Value - o.Target)
}

// evaluate refreshes the cached value from model and returns the weighted
// deviation.
func (o *Operand) evaluate(model Model) (float64, error) {
	v, err := model.EvaluateOperand(o.Kind, o.Inputs)
	if err != nil {
		return 0, WrapErrorf(fmt.Errorf("%w: %w", ErrEvaluation, err), "operand %s", o.Kind).
			WithOperation("Evaluate").WithComponent("problem")
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, WrapErrorf(ErrEvaluation, "operand %s returned non-finite value %g", o.Kind, v).
			WithOperation("Evaluate").WithComponent("problem")
	}
	o.Value = v
	o.Evaluated = true
	return o.Delta(), nil
}

func (o *Operand) spec() OperandSpec {
	return OperandSpec{Kind: o.Kind, Target: o.Target, Weight: o.Weight, Inputs: o.Inputs}
}

func validateOperand(model Model, spec OperandSpec) error {
	const op = "AddOperand"
	if spec.Kind == "" {
		return configErrorf(op, "operand kind is required")
	}
	if math.IsNaN(spec.Weight) || math.IsInf(spec.Weight, 0) || spec.Weight < 0 {
		return configErrorf(op, "weight of %s must be finite and non-negative, got %g", spec.Kind, spec.Weight)
	}
	if math.IsNaN(spec.Target) || math.IsInf(spec.Target, 0) {
		return configErrorf(op, "target of %s must be finite, got %g", spec.Kind, spec.Target)
	}
	if err := model.ValidateOperand(spec.Kind, spec.Inputs); err != nil {
		return WrapErrorf(fmt.Errorf("%w: %w", ErrConfiguration, err), "operand %s", spec.Kind).
			WithOperation(op).WithComponent("problem")
	}
	return nil
}
