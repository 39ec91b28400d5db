package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/lensopt/internal/optimization"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		res  *optimization.Result
		err  error
		want string
	}{
		{"converged", &optimization.Result{Success: true}, nil, OutcomeConverged},
		{"budget", &optimization.Result{}, nil, OutcomeNotConverged},
		{"cancelled", &optimization.Result{}, fmt.Errorf("run: %w", context.Canceled), OutcomeCancelled},
		{"deadline", nil, context.DeadlineExceeded, OutcomeCancelled},
		{"failed", &optimization.Result{}, optimization.ErrEvaluation, OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Outcome(tt.res, tt.err))
		})
	}
}

func TestRunLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	run := c.Start("interior_point")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.active))

	run.Progress(optimization.Progress{Iteration: 1, BestMerit: 12.5})
	assert.Equal(t, 12.5, testutil.ToFloat64(c.bestMerit.WithLabelValues("interior_point")))

	outcome := run.Finish(&optimization.Result{Success: true, FinalMerit: 0.1, Iterations: 7, Evaluations: 40}, nil)
	assert.Equal(t, OutcomeConverged, outcome)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.active))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("interior_point", OutcomeConverged)))
	assert.Equal(t, 40.0, testutil.ToFloat64(c.evaluations.WithLabelValues("interior_point")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.iterations.WithLabelValues("interior_point")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration))
	assert.Equal(t, 1, testutil.CollectAndCount(c.finalMerit))

	failed := c.Start("differential_evolution")
	assert.Equal(t, OutcomeFailed, failed.Finish(nil, errors.New("boom")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("differential_evolution", OutcomeFailed)))
	assert.Equal(t, 1, testutil.CollectAndCount(c.finalMerit))

	n, err := testutil.GatherAndCount(reg, "lensopt_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNewDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)

	c, err := New(nil)
	require.NoError(t, err)
	assert.NotNil(t, c)
}
