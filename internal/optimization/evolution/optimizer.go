// Package evolution implements a population-based strategy: differential
// evolution over the scaled variable box, with each generation's trial
// vectors evaluated in parallel on private problem clones.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/lensopt/internal/optimization"
)

// Name is the strategy name.
const Name = "differential_evolution"

// Strategy selects the mutation base vector.
type Strategy string

const (
	// RandOneBin mutates a random member with binomial crossover.
	RandOneBin Strategy = "rand1bin"
	// BestOneBin mutates the current best member with binomial crossover.
	BestOneBin Strategy = "best1bin"
)

// Options tunes the evolution.
type Options struct {
	// Logger receives run and generation logs. Defaults to the problem's logger.
	Logger *zap.Logger

	Strategy Strategy

	// PopulationFactor multiplies the number of variables to give the
	// population size. The population never has fewer than 5 members.
	PopulationFactor int

	// MutationMin and MutationMax bound the mutation factor, which is
	// redrawn every generation.
	MutationMin float64
	MutationMax float64

	// Crossover is the probability of taking a coordinate from the mutant.
	Crossover float64

	// AbsTolerance is added to the relative tolerance of the population
	// spread test.
	AbsTolerance float64

	// Stagnation stops the run after this many generations without the best
	// merit improving by more than the tolerance.
	Stagnation int

	// Seed seeds the random source. Zero uses the current time.
	Seed int64
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		Strategy:         RandOneBin,
		PopulationFactor: 15,
		MutationMin:      0.5,
		MutationMax:      1.0,
		Crossover:        0.7,
		Stagnation:       50,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Strategy == "" {
		o.Strategy = d.Strategy
	}
	if o.PopulationFactor <= 0 {
		o.PopulationFactor = d.PopulationFactor
	}
	if o.MutationMin <= 0 || o.MutationMax <= o.MutationMin || o.MutationMax > 2 {
		o.MutationMin, o.MutationMax = d.MutationMin, d.MutationMax
	}
	if o.Crossover <= 0 || o.Crossover > 1 {
		o.Crossover = d.Crossover
	}
	if o.AbsTolerance < 0 {
		o.AbsTolerance = 0
	}
	if o.Stagnation <= 0 {
		o.Stagnation = d.Stagnation
	}
	return o
}

// Optimizer minimizes a Problem's merit with differential evolution.
type Optimizer struct {
	problem *optimization.Problem
	opts    Options
	logger  *zap.Logger
}

// New creates a differential-evolution optimizer around problem.
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

// Optimize runs one session. RunConfig.MaxIterations caps the number of
// generations. The best member is written back into the problem exactly
// once, including when the run is cancelled or aborted.
func (o *Optimizer) Optimize(ctx context.Context, cfg optimization.RunConfig) (*optimization.Result, error) {
	cfg = cfg.WithDefaults()

	unfreeze, err := o.problem.Freeze()
	if err != nil {
		return nil, err
	}
	defer unfreeze()

	n := o.problem.NumVariables()
	if n == 0 {
		return nil, optimization.WrapError(optimization.ErrConfiguration, "problem has no variables").
			WithOperation("Optimize").WithComponent(Name)
	}
	bounds := o.problem.Bounds()
	for i, b := range bounds {
		if math.IsInf(b[0], 0) || math.IsInf(b[1], 0) {
			return nil, optimization.WrapErrorf(optimization.ErrConfiguration,
				"variable %d has unbounded range [%g, %g]", i, b[0], b[1]).
				WithOperation("Optimize").WithComponent(Name)
		}
	}
	if o.opts.Strategy != RandOneBin && o.opts.Strategy != BestOneBin {
		return nil, optimization.WrapErrorf(optimization.ErrConfiguration, "unknown strategy %q", o.opts.Strategy).
			WithOperation("Optimize").WithComponent(Name)
	}

	x0, err := o.problem.Values()
	if err != nil {
		return nil, err
	}

	seed := o.opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	r := &run{
		opts:    o.opts,
		bounds:  bounds,
		rng:     rand.New(rand.NewSource(seed)),
		workers: workers,
		clones:  make(chan *optimization.Problem, workers),
	}
	for i := 0; i < workers; i++ {
		r.clones <- o.problem.Clone()
	}

	size := max(5, o.opts.PopulationFactor*n)
	o.logger.Info("starting optimization",
		zap.String("strategy", string(o.opts.Strategy)),
		zap.Int("variables", n),
		zap.Int("population", size),
		zap.Int("workers", workers),
		zap.Int("max_generations", cfg.MaxIterations),
		zap.Int64("seed", seed),
	)

	result := &optimization.Result{Message: "maximum generations reached"}

	pop := r.latinHypercube(size)
	pop[0] = clip(x0, bounds)
	merits, err := r.evaluate(pop)
	if err != nil {
		return o.finish(r, result, err)
	}
	r.population, r.merits = pop, merits
	r.updateBest()
	if r.best == nil {
		return o.finish(r, result, optimization.WrapError(optimization.ErrEvaluation, "no feasible member in the initial population").
			WithOperation("Optimize").WithComponent(Name))
	}

	stale := 0
	for gen := 1; gen <= cfg.MaxIterations; gen++ {
		if err := ctx.Err(); err != nil {
			return o.finish(r, result, err)
		}

		trials := r.trials()
		tm, err := r.evaluate(trials)
		if err != nil {
			return o.finish(r, result, err)
		}
		for i, m := range tm {
			if m <= r.merits[i] {
				r.population[i], r.merits[i] = trials[i], m
			}
		}

		prev := r.best.Value
		r.updateBest()
		if prev-r.best.Value > cfg.Tolerance {
			stale = 0
		} else {
			stale++
		}
		r.generations = gen

		p := optimization.Progress{Iteration: gen, BestMerit: r.best.Value, Evaluations: r.evaluations}
		if cfg.Progress != nil {
			cfg.Progress(p)
		}
		level := zap.DebugLevel
		if cfg.Verbose {
			level = zap.InfoLevel
		}
		// Infeasible members make the spread NaN, so the population only
		// converges once every member is feasible.
		mean, std := stat.MeanStdDev(r.merits, nil)
		if ce := o.logger.Check(level, "generation"); ce != nil {
			ce.Write(
				zap.Int("generation", gen),
				zap.Float64("best_merit", p.BestMerit),
				zap.Float64("mean_merit", mean),
				zap.Float64("std_merit", std),
				zap.Int("evaluations", p.Evaluations),
			)
		}

		if std <= o.opts.AbsTolerance+cfg.Tolerance*math.Abs(mean) {
			result.Success = true
			result.Message = "converged"
			break
		}
		if stale >= o.opts.Stagnation {
			result.Success = true
			result.Message = "best merit stagnated"
			break
		}
	}

	return o.finish(r, result, nil)
}

func (o *Optimizer) finish(r *run, result *optimization.Result, cause error) (*optimization.Result, error) {
	result.Iterations = r.generations
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
		zap.Int("generations", result.Iterations),
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

// run is the state of one Optimize call.
type run struct {
	opts    Options
	bounds  [][2]float64
	rng     *rand.Rand
	workers int
	clones  chan *optimization.Problem

	population  [][]float64
	merits      []float64
	bestIndex   int
	best        *optimization.Solution
	generations int
	evaluations int
	infeasible  int
}

// evaluate computes the merit of every vector in parallel. Each task borrows
// a private clone; merits are stored by index so the outcome does not depend
// on scheduling. A vector the model rejects scores +Inf; a failed or
// non-finite evaluation aborts.
func (r *run) evaluate(vectors [][]float64) ([]float64, error) {
	merits := make([]float64, len(vectors))
	var infeasible atomic.Int64
	p := pool.New().WithErrors().WithMaxGoroutines(r.workers)
	for i, x := range vectors {
		i, x := i, x
		p.Go(func() error {
			c := <-r.clones
			defer func() { r.clones <- c }()

			if err := c.SetValues(x); err != nil {
				if errors.Is(err, optimization.ErrInfeasible) {
					infeasible.Add(1)
					merits[i] = math.Inf(1)
					return nil
				}
				return optimization.WrapError(fmt.Errorf("%w: %w", optimization.ErrEvaluation, err), "applying trial vector").
					WithOperation("Optimize").WithComponent(Name)
			}
			m, err := c.Evaluate()
			if err != nil {
				return err
			}
			if math.IsNaN(m) || math.IsInf(m, 0) {
				return optimization.WrapErrorf(optimization.ErrEvaluation, "non-finite merit %g", m).
					WithOperation("Optimize").WithComponent(Name)
			}
			merits[i] = m
			return nil
		})
	}
	err := p.Wait()
	r.evaluations += len(vectors)
	r.infeasible += int(infeasible.Load())
	return merits, err
}

// updateBest picks the lowest merit, preferring the lowest index on ties.
func (r *run) updateBest() {
	r.bestIndex = floats.MinIdx(r.merits)
	if m := r.merits[r.bestIndex]; r.best.Better(m) {
		r.best = &optimization.Solution{
			Parameters: append([]float64(nil), r.population[r.bestIndex]...),
			Value:      m,
		}
	}
}

// trials builds one generation of trial vectors. All randomness is drawn
// here, sequentially, so a seed fixes the run regardless of worker count.
func (r *run) trials() [][]float64 {
	size := len(r.population)
	n := len(r.bounds)
	f := r.opts.MutationMin + r.rng.Float64()*(r.opts.MutationMax-r.opts.MutationMin)

	out := make([][]float64, size)
	for i := range r.population {
		r1, r2, r3 := r.pick(i)
		base := r.population[r1]
		if r.opts.Strategy == BestOneBin {
			base = r.population[r.bestIndex]
		}

		trial := append([]float64(nil), r.population[i]...)
		forced := r.rng.Intn(n)
		for j := 0; j < n; j++ {
			if j != forced && r.rng.Float64() >= r.opts.Crossover {
				continue
			}
			v := base[j] + f*(r.population[r2][j]-r.population[r3][j])
			if lo, hi := r.bounds[j][0], r.bounds[j][1]; v < lo || v > hi {
				v = lo + r.rng.Float64()*(hi-lo)
			}
			trial[j] = v
		}
		out[i] = trial
	}
	return out
}

// pick draws three distinct member indices different from i.
func (r *run) pick(i int) (int, int, int) {
	size := len(r.population)
	draw := func(exclude ...int) int {
		for {
			k := r.rng.Intn(size)
			ok := true
			for _, e := range exclude {
				if k == e {
					ok = false
					break
				}
			}
			if ok {
				return k
			}
		}
	}
	r1 := draw(i)
	r2 := draw(i, r1)
	r3 := draw(i, r1, r2)
	return r1, r2, r3
}

// latinHypercube generates n points stratified along every dimension.
func (r *run) latinHypercube(n int) [][]float64 {
	dims := len(r.bounds)
	samples := make([][]float64, n)
	for j := range samples {
		samples[j] = make([]float64, dims)
	}

	strata := make([]float64, n)
	for i := 0; i < dims; i++ {
		for j := range strata {
			strata[j] = (float64(j) + r.rng.Float64()) / float64(n)
		}
		r.rng.Shuffle(n, func(k, l int) {
			strata[k], strata[l] = strata[l], strata[k]
		})
		lo, hi := r.bounds[i][0], r.bounds[i][1]
		for j := range samples {
			samples[j][i] = lo + strata[j]*(hi-lo)
		}
	}
	return samples
}

// clip returns a copy of x limited to bounds; NaN becomes the lower bound.
func clip(x []float64, bounds [][2]float64) []float64 {
	out := make([]float64, len(x))
	for i, b := range bounds {
		v := x[i]
		switch {
		case math.IsNaN(v), v < b[0]:
			v = b[0]
		case v > b[1]:
			v = b[1]
		}
		out[i] = v
	}
	return out
}
