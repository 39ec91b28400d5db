package optimization

import (
	"context"
	"math"
)

// Optimizer defines the interface for optimization strategies. An optimizer
// is built around one Problem and runs one session per Optimize call.
type Optimizer interface {
	// Name returns the strategy name.
	Name() string

	// Optimize drives the problem's variables toward minimal merit and leaves
	// them at the best vector found.
	Optimize(ctx context.Context, cfg RunConfig) (*Result, error)
}

// RunConfig contains the per-run settings shared by all strategies.
type RunConfig struct {
	// Maximum number of iterations (generations for population methods)
	MaxIterations int

	// Convergence tolerance
	Tolerance float64

	// Number of parallel evaluation workers; <= 0 means one per CPU.
	// Sequential strategies ignore it.
	Workers int

	// Verbose logs every iteration at info level
	Verbose bool

	// Progress, if set, is called after every iteration
	Progress func(Progress)
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c RunConfig) WithDefaults() RunConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 1000
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 1e-6
	}
	return c
}

// Progress is a snapshot reported between iterations.
type Progress struct {
	Iteration   int
	BestMerit   float64
	Evaluations int
}

// Result contains the outcome of an optimization run.
type Result struct {
	// Success is false when the run stopped on its iteration budget.
	Success bool
	Message string
	// FinalMerit is the merit of X as written back into the problem.
	FinalMerit  float64
	Iterations  int
	Evaluations int
	// X is the final decision vector as read back from the problem.
	X []float64
}

// Solution is a candidate decision vector and its merit.
type Solution struct {
	Parameters []float64
	Value      float64
}

// Better reports whether value improves on s. Non-finite values never do.
func (s *Solution) Better(value float64) bool {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return false
	}
	return s == nil || value < s.Value
}

// Finish writes the best solution back into the problem, re-evaluates it so
// cached operand values match, and fills the merit and vector of res. X is
// read back from the model, so it differs from best.Parameters when two
// variables write the same stored parameter.
func Finish(p *Problem, best *Solution, res *Result) error {
	if best == nil {
		return nil
	}
	if err := p.SetValues(best.Parameters); err != nil {
		return err
	}
	merit, err := p.Evaluate()
	if err != nil {
		return err
	}
	x, err := p.Values()
	if err != nil {
		return err
	}
	res.FinalMerit = merit
	res.X = x
	return nil
}
