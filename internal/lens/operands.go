package lens

import (
	"fmt"
	"math"
	"sort"

	"github.com/copyleftdev/lensopt/internal/optimization"
)

type operandFunc func(l *Lens, in optimization.Inputs) (float64, error)

type operandDef struct {
	eval operandFunc
	// surfaces is the number of consecutive surfaces the operand reads
	// starting at Inputs.Surface; zero for system-level operands.
	surfaces int
}

var operands = map[string]operandDef{
	"f1":          {eval: func(l *Lens, _ optimization.Inputs) (float64, error) { return l.FrontFocalLength() }},
	"f2":          {eval: func(l *Lens, _ optimization.Inputs) (float64, error) { return l.BackFocalLength() }},
	"bfd":         {eval: func(l *Lens, _ optimization.Inputs) (float64, error) { return l.BackFocalDistance() }},
	"ffd":         {eval: func(l *Lens, _ optimization.Inputs) (float64, error) { return l.FrontFocalDistance() }},
	"power":       {eval: func(l *Lens, _ optimization.Inputs) (float64, error) { return l.Power(), nil }},
	"total_track": {eval: func(l *Lens, _ optimization.Inputs) (float64, error) { return l.TotalTrack(), nil }},
	"thickness": {
		surfaces: 1,
		eval: func(l *Lens, in optimization.Inputs) (float64, error) {
			return l.surfaces[in.Surface].thickness, nil
		},
	},
	"radius": {
		surfaces: 1,
		eval: func(l *Lens, in optimization.Inputs) (float64, error) {
			return l.surfaces[in.Surface].radius, nil
		},
	},
	"edge_thickness": {
		surfaces: 2,
		eval: func(l *Lens, in optimization.Inputs) (float64, error) {
			return l.EdgeThickness(in.Surface, in.Radius)
		},
	},
}

// OperandKinds returns the supported operand kinds in sorted order.
func OperandKinds() []string {
	kinds := make([]string, 0, len(operands))
	for k := range operands {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ValidateOperand checks that kind is supported and its inputs reference
// existing surfaces.
func (l *Lens) ValidateOperand(kind string, in optimization.Inputs) error {
	def, ok := operands[kind]
	if !ok {
		return fmt.Errorf("operand kind %q is not supported by the paraxial model", kind)
	}
	if def.surfaces > 0 {
		if in.Surface < 0 || in.Surface+def.surfaces > len(l.surfaces) {
			return fmt.Errorf("%w: %s needs surfaces %d..%d, lens has %d",
				optimization.ErrInvalidReference, kind, in.Surface, in.Surface+def.surfaces-1, len(l.surfaces))
		}
	}
	if kind == "edge_thickness" && (math.IsNaN(in.Radius) || math.IsInf(in.Radius, 0) || in.Radius < 0) {
		return fmt.Errorf("edge_thickness radius must be finite and non-negative, got %g", in.Radius)
	}
	return nil
}

// EvaluateOperand returns the raw value of an operand on the current lens.
func (l *Lens) EvaluateOperand(kind string, in optimization.Inputs) (float64, error) {
	if err := l.ValidateOperand(kind, in); err != nil {
		return 0, err
	}
	return operands[kind].eval(l, in)
}
