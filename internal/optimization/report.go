package optimization

import (
	"fmt"
	"io"
	"math"
	"text/tabwriter"
)

// OperandReport is one row of the operand table.
type OperandReport struct {
	Index     int     `json:"index"`
	Kind      string  `json:"kind"`
	Target    float64 `json:"target"`
	Weight    float64 `json:"weight"`
	Value     float64 `json:"value"`
	Evaluated bool    `json:"evaluated"`
	Delta     float64 `json:"delta"`
	// Contribution is the operand's share of the summed squares, in percent.
	Contribution float64 `json:"contribution"`
}

// VariableReport is one row of the variable table.
type VariableReport struct {
	Index   int     `json:"index"`
	Kind    string  `json:"kind"`
	Surface int     `json:"surface"`
	Value   float64 `json:"value"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// Report is a read-only snapshot of a problem.
type Report struct {
	Merit     float64          `json:"merit"`
	Operands  []OperandReport  `json:"operands"`
	Variables []VariableReport `json:"variables"`
}

// Report builds a snapshot from the cached operand values and the current
// physical variable values. It does not evaluate operands.
func (p *Problem) Report() (*Report, error) {
	r := &Report{
		Operands:  make([]OperandReport, len(p.operands)),
		Variables: make([]VariableReport, len(p.variables)),
	}

	var total float64
	for i, o := range p.operands {
		d := o.Delta()
		r.Operands[i] = OperandReport{
			Index:     i,
			Kind:      o.Kind,
			Target:    o.Target,
			Weight:    o.Weight,
			Value:     o.Value,
			Evaluated: o.Evaluated,
			Delta:     d,
		}
		total += d * d
	}
	r.Merit = math.Sqrt(total)
	if total > 0 {
		for i := range r.Operands {
			d := r.Operands[i].Delta
			r.Operands[i].Contribution = 100 * d * d / total
		}
	}

	for i, v := range p.variables {
		val, err := v.Physical()
		if err != nil {
			return nil, WrapErrorf(err, "reading %s", v).WithOperation("Report").WithComponent("problem")
		}
		lo, hi := v.Bounds()
		r.Variables[i] = VariableReport{
			Index:   i,
			Kind:    string(v.Kind()),
			Surface: v.Surface(),
			Value:   val,
			Min:     lo,
			Max:     hi,
		}
	}
	return r, nil
}

// WriteTo renders the report as two aligned tables.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 0, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintf(tw, "Merit:\t%.6g\t\n\n", r.Merit)
	fmt.Fprintln(tw, "#\tOperand\tTarget\tWeight\tValue\tDelta\tContrib [%]\t")
	for _, o := range r.Operands {
		value := "-"
		if o.Evaluated {
			value = fmt.Sprintf("%.6g", o.Value)
		}
		fmt.Fprintf(tw, "%d\t%s\t%.6g\t%.6g\t%s\t%.6g\t%.2f\t\n",
			o.Index, o.Kind, o.Target, o.Weight, value, o.Delta, o.Contribution)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "#\tVariable\tSurface\tValue\tMin\tMax\t")
	for _, v := range r.Variables {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%.6g\t%.6g\t%.6g\t\n", v.Index, v.Kind, v.Surface, v.Value, v.Min, v.Max)
	}
	if err := tw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, cw.err
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(b []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(b)
	c.n += int64(n)
	c.err = err
	return n, err
}
