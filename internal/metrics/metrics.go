// Package metrics exports Prometheus metrics for optimization runs.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/copyleftdev/lensopt/internal/optimization"
)

const namespace = "lensopt"

// Outcomes of a run, used as the "outcome" label.
const (
	OutcomeConverged    = "converged"
	OutcomeNotConverged = "not_converged"
	OutcomeCancelled    = "cancelled"
	OutcomeFailed       = "failed"
)

// Outcome classifies the return values of Optimizer.Optimize.
func Outcome(res *optimization.Result, err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	case err != nil:
		return OutcomeFailed
	case res != nil && res.Success:
		return OutcomeConverged
	default:
		return OutcomeNotConverged
	}
}

// Collector holds the run metrics.
type Collector struct {
	runs        *prometheus.CounterVec
	evaluations *prometheus.CounterVec
	iterations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	finalMerit  *prometheus.HistogramVec
	bestMerit   *prometheus.GaugeVec
	active      prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Optimization runs by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merit_evaluations_total",
			Help:      "Merit function evaluations by strategy.",
		}, []string{"strategy"}),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Optimizer iterations or generations by strategy.",
		}, []string{"strategy"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of optimization runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"strategy"}),
		finalMerit: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "final_merit",
			Help:      "Merit at the end of completed runs.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 10, 10),
		}, []string{"strategy"}),
		bestMerit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_merit",
			Help:      "Best merit reported by the most recent progress update.",
		}, []string{"strategy"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Optimization runs in progress.",
		}),
	}

	if reg != nil {
		for _, col := range []prometheus.Collector{
			c.runs, c.evaluations, c.iterations, c.duration, c.finalMerit, c.bestMerit, c.active,
		} {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// Run tracks one optimization run.
type Run struct {
	c        *Collector
	strategy string
	start    time.Time
}

// Start records the start of a run.
func (c *Collector) Start(strategy string) *Run {
	c.active.Inc()
	return &Run{c: c, strategy: strategy, start: time.Now()}
}

// Progress records a progress update. It can be used as
// RunConfig.Progress.
func (r *Run) Progress(p optimization.Progress) {
	r.c.bestMerit.WithLabelValues(r.strategy).Set(p.BestMerit)
}

// Finish records the outcome of the run and returns it.
func (r *Run) Finish(res *optimization.Result, err error) string {
	outcome := Outcome(res, err)
	c := r.c

	c.active.Dec()
	c.runs.WithLabelValues(r.strategy, outcome).Inc()
	c.duration.WithLabelValues(r.strategy).Observe(time.Since(r.start).Seconds())
	if res != nil {
		c.evaluations.WithLabelValues(r.strategy).Add(float64(res.Evaluations))
		c.iterations.WithLabelValues(r.strategy).Add(float64(res.Iterations))
		if err == nil {
			c.finalMerit.WithLabelValues(r.strategy).Observe(res.FinalMerit)
		}
	}
	return outcome
}
