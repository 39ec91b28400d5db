package server

import (
	"encoding/json"
	"math"

	"github.com/copyleftdev/lensopt/internal/optimization"
)

// number is a float64 that encodes non-finite values as the strings "inf",
// "-inf" and "nan", which encoding/json rejects otherwise. Unbounded
// variables have infinite limits.
type number float64

func (n number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	switch {
	case math.IsNaN(f):
		return []byte(`"nan"`), nil
	case math.IsInf(f, 1):
		return []byte(`"inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-inf"`), nil
	}
	return json.Marshal(f)
}

func numbers(v []float64) []number {
	out := make([]number, len(v))
	for i, f := range v {
		out[i] = number(f)
	}
	return out
}

type resultView struct {
	Success     bool     `json:"success"`
	Message     string   `json:"message"`
	FinalMerit  number   `json:"final_merit"`
	Iterations  int      `json:"iterations"`
	Evaluations int      `json:"evaluations"`
	X           []number `json:"x"`
}

func newResultView(r *optimization.Result) *resultView {
	return &resultView{
		Success:     r.Success,
		Message:     r.Message,
		FinalMerit:  number(r.FinalMerit),
		Iterations:  r.Iterations,
		Evaluations: r.Evaluations,
		X:           numbers(r.X),
	}
}

type operandView struct {
	Index        int     `json:"index"`
	Kind         string  `json:"kind"`
	Target       number  `json:"target"`
	Weight       number  `json:"weight"`
	Value        *number `json:"value,omitempty"`
	Delta        number  `json:"delta"`
	Contribution number  `json:"contribution"`
}

type variableView struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	Surface int    `json:"surface"`
	Value   number `json:"value"`
	Min     number `json:"min"`
	Max     number `json:"max"`
}

type reportView struct {
	Merit     number         `json:"merit"`
	Operands  []operandView  `json:"operands"`
	Variables []variableView `json:"variables"`
}

func newReportView(r *optimization.Report) *reportView {
	v := &reportView{
		Merit:     number(r.Merit),
		Operands:  make([]operandView, len(r.Operands)),
		Variables: make([]variableView, len(r.Variables)),
	}
	for i, o := range r.Operands {
		v.Operands[i] = operandView{
			Index:        o.Index,
			Kind:         o.Kind,
			Target:       number(o.Target),
			Weight:       number(o.Weight),
			Delta:        number(o.Delta),
			Contribution: number(o.Contribution),
		}
		if o.Evaluated {
			value := number(o.Value)
			v.Operands[i].Value = &value
		}
	}
	for i, x := range r.Variables {
		v.Variables[i] = variableView{
			Index:   x.Index,
			Kind:    x.Kind,
			Surface: x.Surface,
			Value:   number(x.Value),
			Min:     number(x.Min),
			Max:     number(x.Max),
		}
	}
	return v
}
