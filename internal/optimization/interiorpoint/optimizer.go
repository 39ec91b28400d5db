// Package interiorpoint implements a bound-constrained, gradient-based
// strategy: a log-barrier interior-point method whose inner unconstrained
// problems are solved with gonum's BFGS.
package interiorpoint

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/lensopt/internal/optimization"
)

// Name is the strategy name.
const Name = "interior_point"

// Options tunes the barrier schedule and the finite differences.
type Options struct {
	// Logger receives run and iteration logs. Defaults to the problem's logger.
	Logger *zap.Logger

	// InitialBarrier is the first barrier weight relative to the starting
	// sum of squares.
	InitialBarrier float64

	// BarrierDecrease multiplies the barrier weight after each inner solve.
	BarrierDecrease float64

	// MaxOuterIterations caps the number of barrier weights tried.
	MaxOuterIterations int

	// Step is the central-difference step in decision-vector units.
	Step float64

	// BoundPush is the fraction of each bounded interval the start point
	// is moved away from the bounds.
	BoundPush float64
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		InitialBarrier:     0.1,
		BarrierDecrease:    0.1,
		MaxOuterIterations: 30,
		Step:               1e-6,
		BoundPush:          1e-2,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.InitialBarrier <= 0 {
		o.InitialBarrier = d.InitialBarrier
	}
	if o.BarrierDecrease <= 0 || o.BarrierDecrease >= 1 {
		o.BarrierDecrease = d.BarrierDecrease
	}
	if o.MaxOuterIterations <= 0 {
		o.MaxOuterIterations = d.MaxOuterIterations
	}
	if o.Step <= 0 {
		o.Step = d.Step
	}
	if o.BoundPush <= 0 || o.BoundPush >= 0.5 {
		o.BoundPush = d.BoundPush
	}
	return o
}

// Optimizer minimizes a Problem's merit inside its variable bounds.
type Optimizer struct {
	problem *optimization.Problem
	opts    Options
	logger  *zap.Logger
}

// New creates an interior-point optimizer around problem.
func New(problem *optimization.Problem, opts Options) *Optimizer {
	opts = opts.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = problem.Logger()
	}
	return &Optimizer{
		problem: problem,
		opts:    opts,
		logger:  logger.Named(Name),
	}
}

// Name returns the strategy name.
func (o *Optimizer) Name() string { return Name }

// Optimize runs one session. The best feasible vector seen is written back
// into the problem even when the run fails or is cancelled; in those cases
// the partial result is returned along with the error.
func (o *Optimizer) Optimize(ctx context.Context, cfg optimization.RunConfig) (*optimization.Result, error) {
	cfg = cfg.WithDefaults()

	unfreeze, err := o.problem.Freeze()
	if err != nil {
		return nil, err
	}
	defer unfreeze()

	if o.problem.NumVariables() == 0 {
		return nil, optimization.WrapError(optimization.ErrConfiguration, "problem has no variables").
			WithOperation("Optimize").WithComponent(Name)
	}

	x0, err := o.problem.Values()
	if err != nil {
		return nil, err
	}

	r := &run{
		problem: o.problem,
		bounds:  o.problem.Bounds(),
		step:    o.opts.Step,
		cfg:     cfg,
		logger:  o.logger,
	}
	x := pushInside(x0, r.bounds, o.opts.BoundPush)

	f0, err := r.sumSquared(x, true)
	if err != nil {
		return nil, err
	}
	if math.IsInf(f0, 1) {
		return nil, optimization.WrapError(optimization.ErrEvaluation, "start point is infeasible").
			WithOperation("Optimize").WithComponent(Name)
	}

	o.logger.Info("starting optimization",
		zap.Int("variables", len(x)),
		zap.Int("max_iterations", cfg.MaxIterations),
		zap.Float64("tolerance", cfg.Tolerance),
		zap.Float64("initial_merit", math.Sqrt(f0)),
	)

	result := &optimization.Result{Message: "maximum iterations reached"}
	scale := math.Max(f0, 1)
	mu := o.opts.InitialBarrier * scale
	prev := f0

	for outer := 0; outer < o.opts.MaxOuterIterations; outer++ {
		if r.best.Value <= cfg.Tolerance {
			result.Success = true
			result.Message = "merit below tolerance"
			break
		}
		remaining := cfg.MaxIterations - r.iterations
		if remaining <= 0 {
			break
		}

		res, err := o.solve(ctx, r, x, mu, remaining)
		if abort := r.abortErr(ctx); abort != nil {
			return o.finish(r, result, abort)
		}
		if err != nil && !isInnerTermination(err) {
			o.logger.Debug("inner solve stopped", zap.Error(err))
		}
		if res != nil && r.inside(res.X) && !math.IsInf(res.F, 1) {
			x = append(x[:0], res.X...)
		}

		cur := r.best.Value * r.best.Value
		improvement := prev - cur
		prev = cur
		o.logger.Debug("barrier step",
			zap.Int("outer", outer),
			zap.Float64("mu", mu),
			zap.Float64("best_merit", r.best.Value),
			zap.Int("iterations", r.iterations),
		)

		if mu <= cfg.Tolerance*scale && improvement <= cfg.Tolerance*(1+cur) {
			result.Success = true
			result.Message = "converged"
			break
		}
		mu *= o.opts.BarrierDecrease
		if outer == o.opts.MaxOuterIterations-1 {
			result.Message = "barrier schedule exhausted"
		}
	}

	return o.finish(r, result, nil)
}

// solve runs one inner BFGS minimization of the barrier function.
func (o *Optimizer) solve(ctx context.Context, r *run, x []float64, mu float64, remaining int) (*optimize.Result, error) {
	problem := optimize.Problem{
		Func: func(x []float64) float64 { return r.barrierValue(x, mu) },
		Grad: func(grad, x []float64) { r.barrierGrad(grad, x, mu) },
	}
	settings := &optimize.Settings{
		MajorIterations:   remaining,
		GradientThreshold: r.cfg.Tolerance,
		Converger: &optimize.FunctionConverge{
			Absolute:   r.cfg.Tolerance * r.cfg.Tolerance,
			Relative:   r.cfg.Tolerance,
			Iterations: 10,
		},
		Recorder: &recorder{ctx: ctx, run: r},
	}
	method := &optimize.BFGS{Linesearcher: &optimize.Backtracking{}}
	return optimize.Minimize(problem, append([]float64(nil), x...), settings, method)
}

func (o *Optimizer) finish(r *run, result *optimization.Result, cause error) (*optimization.Result, error) {
	result.Iterations = r.iterations
	result.Evaluations = r.evaluations
	if cause != nil {
		result.Success = false
		result.Message = cause.Error()
	}
	if err := optimization.Finish(o.problem, r.best, result); err != nil && cause == nil {
		cause = err
	}

	fields := []zap.Field{
		zap.Bool("success", result.Success),
		zap.String("message", result.Message),
		zap.Float64("final_merit", result.FinalMerit),
		zap.Int("iterations", result.Iterations),
		zap.Int("evaluations", result.Evaluations),
		zap.Int("infeasible", r.infeasible),
	}
	if cause != nil {
		o.logger.Error("optimization aborted", append(fields, zap.Error(cause))...)
		return result, cause
	}
	o.logger.Info("optimization finished", fields...)
	return result, nil
}

// isInnerTermination reports errors that only end one inner solve.
func isInnerTermination(err error) bool {
	return errors.Is(err, optimize.ErrLinesearcherFailure) || errors.Is(err, optimize.ErrNoProgress)
}

// run is the state of one Optimize call.
type run struct {
	problem *optimization.Problem
	bounds  [][2]float64
	step    float64
	cfg     optimization.RunConfig
	logger  *zap.Logger

	best        *optimization.Solution
	iterations  int
	evaluations int
	infeasible  int
	err         error
}

// abortErr returns the error that must stop the run, if any.
func (r *run) abortErr(ctx context.Context) error {
	if r.err != nil {
		return r.err
	}
	return ctx.Err()
}

func (r *run) inside(x []float64) bool {
	for i, b := range r.bounds {
		if !(x[i] > b[0] && x[i] < b[1]) {
			return false
		}
	}
	return true
}

// sumSquared writes x into the problem and returns the summed squares, or
// +Inf for a vector the model rejects. Tracked points are candidates for the
// best solution.
func (r *run) sumSquared(x []float64, track bool) (float64, error) {
	r.evaluations++
	if err := r.problem.SetValues(x); err != nil {
		if errors.Is(err, optimization.ErrInfeasible) {
			r.infeasible++
			return math.Inf(1), nil
		}
		return 0, err
	}
	ss, err := r.problem.SumSquared()
	if err != nil {
		return 0, err
	}
	if merit := math.Sqrt(ss); track && r.best.Better(merit) {
		r.best = &optimization.Solution{Parameters: append([]float64(nil), x...), Value: merit}
	}
	return ss, nil
}

// barrierValue is the sum of squares plus the log barrier; +Inf outside the
// open box, without touching the model.
func (r *run) barrierValue(x []float64, mu float64) float64 {
	if r.err != nil || !r.inside(x) {
		return math.Inf(1)
	}
	ss, err := r.sumSquared(x, true)
	if err != nil {
		r.err = err
		return math.Inf(1)
	}
	return ss + mu*barrier(x, r.bounds)
}

// barrierGrad differentiates the barrier function numerically. Where a
// central difference straddles an infeasible vector, the one-sided
// difference on the feasible side is used instead; a coordinate with no
// feasible neighbour contributes only the barrier term.
func (r *run) barrierGrad(grad, x []float64, mu float64) {
	xc := append([]float64(nil), x...)
	for i := range x {
		if r.err != nil {
			grad[i] = math.NaN()
			continue
		}
		f := func(xi float64) float64 {
			xc[i] = xi
			defer func() { xc[i] = x[i] }()
			ss, err := r.sumSquared(xc, false)
			if err != nil {
				r.err = err
				return math.NaN()
			}
			return ss
		}
		var d float64
		for _, formula := range []fd.Formula{fd.Central, fd.Forward, fd.Backward} {
			v := fd.Derivative(f, x[i], &fd.Settings{Formula: formula, Step: r.step})
			if r.err != nil || finite(v) {
				d = v
				break
			}
		}
		grad[i] = d + mu*barrierDerivative(x[i], r.bounds[i])
	}
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// barrier is -Σ log of the normalized distances to each finite bound.
func barrier(x []float64, bounds [][2]float64) float64 {
	var sum float64
	for i, b := range bounds {
		w := width(b)
		if !math.IsInf(b[0], 0) {
			sum -= math.Log((x[i] - b[0]) / w)
		}
		if !math.IsInf(b[1], 0) {
			sum -= math.Log((b[1] - x[i]) / w)
		}
	}
	return sum
}

func barrierDerivative(x float64, b [2]float64) float64 {
	var d float64
	if !math.IsInf(b[0], 0) {
		d -= 1 / (x - b[0])
	}
	if !math.IsInf(b[1], 0) {
		d += 1 / (b[1] - x)
	}
	return d
}

func width(b [2]float64) float64 {
	if math.IsInf(b[0], 0) || math.IsInf(b[1], 0) {
		return 1
	}
	return b[1] - b[0]
}

// pushInside moves x strictly inside its bounds by push times the interval
// width (or push in absolute terms for half-bounded variables).
func pushInside(x []float64, bounds [][2]float64, push float64) []float64 {
	out := make([]float64, len(x))
	for i, b := range bounds {
		d := push * width(b)
		v := x[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = midpoint(b)
		}
		if !math.IsInf(b[0], 0) && v < b[0]+d {
			v = b[0] + d
		}
		if !math.IsInf(b[1], 0) && v > b[1]-d {
			v = b[1] - d
		}
		out[i] = v
	}
	return out
}

func midpoint(b [2]float64) float64 {
	switch {
	case !math.IsInf(b[0], 0) && !math.IsInf(b[1], 0):
		return b[0] + (b[1]-b[0])/2
	case !math.IsInf(b[0], 0):
		return b[0] + 1
	case !math.IsInf(b[1], 0):
		return b[1] - 1
	}
	return 0
}

// recorder counts major iterations, reports progress and stops the inner
// solve on cancellation or evaluation failure.
type recorder struct {
	ctx context.Context
	run *run
}

func (rec *recorder) Init() error { return nil }

func (rec *recorder) Record(_ *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	r := rec.run
	if r.err != nil {
		return r.err
	}
	if op&optimize.MajorIteration == 0 {
		return nil
	}
	r.iterations++

	p := optimization.Progress{Iteration: r.iterations, BestMerit: r.best.Value, Evaluations: r.evaluations}
	if r.cfg.Progress != nil {
		r.cfg.Progress(p)
	}
	level := zap.DebugLevel
	if r.cfg.Verbose {
		level = zap.InfoLevel
	}
	if ce := r.logger.Check(level, "iteration"); ce != nil {
		ce.Write(
			zap.Int("iteration", p.Iteration),
			zap.Float64("best_merit", p.BestMerit),
			zap.Int("evaluations", p.Evaluations),
		)
	}
	return rec.ctx.Err()
}
