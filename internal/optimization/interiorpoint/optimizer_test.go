package interiorpoint

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/lensopt/internal/optimization"
)

// newProblem builds a two-variable problem whose optimum is t0=7, t1=8.
func newProblem(t *testing.T) (*optimization.Problem, *optimization.StubModel) {
	t.Helper()
	m := optimization.NewStubModel(3, 5)
	p := optimization.NewProblem(m)

	_, err := p.AddOperand(optimization.OperandSpec{Kind: "thickness", Target: 7, Weight: 1})
	require.NoError(t, err)
	_, err = p.AddOperand(optimization.OperandSpec{Kind: "track", Target: 20, Weight: 2})
	require.NoError(t, err)
	_, err = p.AddVariable(optimization.VariableSpec{Kind: optimization.KindThickness, Surface: 0, Min: 0, Max: 20})
	require.NoError(t, err)
	_, err = p.AddVariable(optimization.VariableSpec{Kind: optimization.KindThickness, Surface: 1, Min: 0, Max: 20})
	require.NoError(t, err)
	return p, m
}

func TestOptimizeInteriorOptimum(t *testing.T) {
	p, m := newProblem(t)

	opt := New(p, Options{})
	assert.Equal(t, Name, opt.Name())

	res, err := opt.Optimize(context.Background(), optimization.RunConfig{MaxIterations: 500, Tolerance: 1e-8})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.True(t, res.Success, res.Message)
	assert.Less(t, res.FinalMerit, 1e-3)
	assert.InDelta(t, 7, m.Thickness[0], 1e-3)
	assert.InDelta(t, 8, m.Thickness[1], 1e-3)
	assert.Greater(t, res.Iterations, 0)
	assert.Greater(t, res.Evaluations, res.Iterations)

	// The live problem holds the reported vector and merit.
	x, err := p.Values()
	require.NoError(t, err)
	optimization.AssertFloat64SlicesEqual(t, x, res.X, 1e-12)
	merit, err := p.Evaluate()
	require.NoError(t, err)
	assert.InDelta(t, res.FinalMerit, merit, 1e-12)
}

func TestOptimizeRespectsBounds(t *testing.T) {
	m := optimization.NewStubModel(3, 5)
	p := optimization.NewProblem(m)
	_, err := p.AddOperand(optimization.OperandSpec{Kind: "thickness", Target: 30, Weight: 1})
	require.NoError(t, err)
	_, err = p.AddVariable(optimization.VariableSpec{Kind: optimization.KindThickness, Surface: 0, Min: 0, Max: 20})
	require.NoError(t, err)

	res, err := New(p, Options{}).Optimize(context.Background(), optimization.RunConfig{MaxIterations: 500})
	require.NoError(t, err)

	assert.LessOrEqual(t, m.Thickness[0], 20.0)
	assert.InDelta(t, 20, m.Thickness[0], 1e-2)
	assert.InDelta(t, 10, res.FinalMerit, 1e-2)
}

func TestOptimizeIterationBudget(t *testing.T) {
	p, _ := newProblem(t)
	start, err := p.Evaluate()
	require.NoError(t, err)

	var calls int
	res, err := New(p, Options{}).Optimize(context.Background(), optimization.RunConfig{
		MaxIterations: 1,
		Progress:      func(optimization.Progress) { calls++ },
	})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, calls)
	assert.LessOrEqual(t, res.FinalMerit, start)
}

func TestOptimizeEvaluationFailure(t *testing.T) {
	m := optimization.NewStubModel(3, 5)
	m.Evaluators["fragile"] = func(m *optimization.StubModel, _ optimization.Inputs) (float64, error) {
		if m.Thickness[0] > 9 {
			return math.NaN(), nil
		}
		return m.Thickness[0], nil
	}
	p := optimization.NewProblem(m)
	_, err := p.AddOperand(optimization.OperandSpec{Kind: "fragile", Target: 12, Weight: 1})
	require.NoError(t, err)
	_, err = p.AddVariable(optimization.VariableSpec{Kind: optimization.KindThickness, Surface: 0, Min: 0, Max: 20})
	require.NoError(t, err)

	res, err := New(p, Options{}).Optimize(context.Background(), optimization.RunConfig{MaxIterations: 100})
	require.Error(t, err)
	assert.ErrorIs(t, err, optimization.ErrEvaluation)
	require.NotNil(t, res)
	assert.False(t, res.Success)

	// The best finite point is written back; the failing region never is.
	assert.LessOrEqual(t, m.Thickness[0], 9.0)
	assert.False(t, math.IsNaN(res.FinalMerit))
	assert.Len(t, p.Operands(), 1)
}

func TestOptimizeSkipsInfeasiblePoints(t *testing.T) {
	// Every radius below 10 puts the edge thickness height outside surface 1,
	// so the unconstrained optimum at 8 is unreachable and the best feasible
	// merit is 2.
	m := optimization.NewStubModel(3, 5)
	m.Radius[1] = 50
	p := optimization.NewProblem(m)
	_, err := p.AddOperand(optimization.OperandSpec{Kind: "radius", Target: 8, Weight: 1, Inputs: optimization.Inputs{Surface: 1}})
	require.NoError(t, err)
	_, err = p.AddVariable(optimization.VariableSpec{Kind: optimization.KindRadius, Surface: 1, Min: 5, Max: 200})
	require.NoError(t, err)
	_, err = p.AddVariable(optimization.VariableSpec{Kind: optimization.KindEdgeThickness, Surface: 0, EdgeRadius: 10, Min: 0, Max: 20})
	require.NoError(t, err)

	res, err := New(p, Options{}).Optimize(context.Background(), optimization.RunConfig{MaxIterations: 500})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, m.Radius[1], 10.0)
	assert.GreaterOrEqual(t, res.FinalMerit, 2-1e-9)
	assert.Less(t, res.FinalMerit, 2.5)
}

func TestOptimizeCancelled(t *testing.T) {
	p, m := newProblem(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New(p, Options{}).Optimize(ctx, optimization.RunConfig{})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.False(t, math.IsNaN(m.Thickness[0]))
}

func TestOptimizeNoVariables(t *testing.T) {
	p := optimization.NewProblem(optimization.NewStubModel(2, 5))
	_, err := New(p, Options{}).Optimize(context.Background(), optimization.RunConfig{})
	assert.ErrorIs(t, err, optimization.ErrConfiguration)
}

func TestPushInside(t *testing.T) {
	inf := math.Inf(1)
	bounds := [][2]float64{{0, 10}, {0, 10}, {0, 10}, {-inf, inf}, {2, inf}}
	got := pushInside([]float64{-5, 10, 4, 3, math.NaN()}, bounds, 0.01)
	optimization.AssertFloat64SlicesEqual(t, got, []float64{0.1, 9.9, 4, 3, 3}, 1e-12)
}

func TestBarrier(t *testing.T) {
	bounds := [][2]float64{{0, 2}}
	// Symmetric in the middle of the interval.
	assert.InDelta(t, 0, barrierDerivative(1, bounds[0]), 1e-12)
	assert.InDelta(t, 2*math.Log(2), barrier([]float64{1}, bounds), 1e-12)
	// Grows toward either bound.
	assert.Greater(t, barrier([]float64{0.01}, bounds), barrier([]float64{0.5}, bounds))
	assert.Less(t, barrierDerivative(0.01, bounds[0]), 0.0)
	assert.Greater(t, barrierDerivative(1.99, bounds[0]), 0.0)
}
