package project

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/copyleftdev/lensopt/internal/errors"
	"github.com/copyleftdev/lensopt/internal/optimization"
	"github.com/copyleftdev/lensopt/internal/optimization/evolution"
	"github.com/copyleftdev/lensopt/internal/optimization/interiorpoint"
)

var runDefaults = optimization.RunConfig{MaxIterations: 1000, Tolerance: 1e-6}

func loadFixture(t *testing.T) *Document {
	t.Helper()
	doc, err := Load(filepath.Join("testdata", "two_element.yaml"))
	require.NoError(t, err)
	doc.ApplyDefaults(runDefaults)
	return doc
}

func TestLoadFixture(t *testing.T) {
	doc := loadFixture(t)

	assert.Equal(t, "two-element objective", doc.Name)
	require.Len(t, doc.Lens.Surfaces, 6)
	assert.True(t, math.IsInf(doc.Lens.Surfaces[0].Thickness, 1))
	assert.Equal(t, "N-SF11", doc.Lens.Surfaces[1].Material)
	require.Len(t, doc.Operands, 2)
	assert.Equal(t, 12.5, doc.Operands[1].Inputs.Radius)
	require.Len(t, doc.Variables, 4)
	assert.Equal(t, optimization.KindRadius, doc.Variables[1].Kind)
	assert.Equal(t, interiorpoint.Name, doc.Optimizer.Strategy)
	assert.Equal(t, 500, doc.Optimizer.MaxIterations)
	assert.Equal(t, 1e-8, doc.Optimizer.Tolerance)
}

func TestParseJSON(t *testing.T) {
	doc, err := Parse([]byte(`{
		"lens": {"surfaces": [{}, {"radius": 50, "thickness": 4, "material": "N-BK7"}, {"thickness": 45}, {}]},
		"operands": [{"kind": "f2", "target": 95, "weight": 1}],
		"variables": [{"kind": "radius", "surface": 1, "min": 20, "max": 500}],
		"optimizer": {"strategy": "differential_evolution", "seed": 3, "workers": 2}
	}`))
	require.NoError(t, err)
	doc.ApplyDefaults(runDefaults)

	assert.Equal(t, evolution.Name, doc.Optimizer.Strategy)
	assert.Equal(t, int64(3), doc.Optimizer.Seed)
	assert.Equal(t, 1000, doc.Optimizer.MaxIterations)
	assert.Equal(t, 1e-6, doc.Optimizer.Tolerance)
	assert.NoError(t, doc.Validate())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"unknown field", "lens: {surfaces: []}\nmerit: rss\n"},
		{"wrong type", "operands: 3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrBadRequest)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Document)
	}{
		{"too few surfaces", func(d *Document) { d.Lens.Surfaces = d.Lens.Surfaces[:2] }},
		{"no operands", func(d *Document) { d.Operands = nil }},
		{"no variables", func(d *Document) { d.Variables = nil }},
		{"unknown strategy", func(d *Document) { d.Optimizer.Strategy = "simplex" }},
		{"negative iterations", func(d *Document) { d.Optimizer.MaxIterations = -1 }},
		{"NaN tolerance", func(d *Document) { d.Optimizer.Tolerance = math.NaN() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := loadFixture(t)
			tt.mutate(doc)
			err := doc.Validate()
			assert.ErrorIs(t, err, optimization.ErrConfiguration)

			_, err = Build(doc, nil)
			assert.ErrorIs(t, err, optimization.ErrConfiguration)
		})
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *Document)
		wantErr error
	}{
		{"unknown material", func(d *Document) { d.Lens.Surfaces[1].Material = "unobtainium" }, optimization.ErrConfiguration},
		{"unsupported operand", func(d *Document) { d.Operands[0].Kind = "OPD_difference" }, optimization.ErrConfiguration},
		{"operand surface", func(d *Document) { d.Operands[1].Inputs.Surface = 5 }, optimization.ErrInvalidReference},
		{"variable surface", func(d *Document) { d.Variables[0].Surface = 6 }, optimization.ErrInvalidReference},
		{"inverted bounds", func(d *Document) { d.Variables[0].Min = 2000 }, optimization.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := loadFixture(t)
			tt.mutate(doc)
			_, err := Build(doc, nil)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBuildAndRunInteriorPoint(t *testing.T) {
	doc := loadFixture(t)
	s, err := Build(doc, nil)
	require.NoError(t, err)
	assert.Equal(t, interiorpoint.Name, s.Optimizer.Name())
	assert.Equal(t, 4, s.Problem.NumVariables())

	start, err := s.Problem.Evaluate()
	require.NoError(t, err)
	assert.Greater(t, start, 100.0)

	var calls int
	res, err := s.Optimizer.Optimize(context.Background(), s.RunConfig(func(optimization.Progress) { calls++ }))
	require.NoError(t, err)

	assert.Less(t, res.FinalMerit, start/100)
	assert.Equal(t, res.Iterations, calls)

	f2, err := s.Lens.BackFocalLength()
	require.NoError(t, err)
	assert.InDelta(t, 100, f2, 1)

	// The optimized state round-trips through a document.
	data, err := s.Updated().Marshal()
	require.NoError(t, err)
	again, err := Parse(data)
	require.NoError(t, err)
	again.ApplyDefaults(runDefaults)
	s2, err := Build(again, nil)
	require.NoError(t, err)
	merit, err := s2.Problem.Evaluate()
	require.NoError(t, err)
	assert.InDelta(t, res.FinalMerit, merit, 1e-6)
}

func TestBuildAndRunEvolution(t *testing.T) {
	doc := loadFixture(t)
	doc.Optimizer.Strategy = evolution.Name
	doc.Optimizer.MaxIterations = 5
	doc.Optimizer.Seed = 1
	doc.Optimizer.Workers = 2
	doc.Optimizer.Evolution.PopulationFactor = 5

	s, err := Build(doc, nil)
	require.NoError(t, err)
	assert.Equal(t, evolution.Name, s.Optimizer.Name())

	start, err := s.Problem.Evaluate()
	require.NoError(t, err)

	res, err := s.Optimizer.Optimize(context.Background(), s.RunConfig(nil))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Iterations)
	assert.LessOrEqual(t, res.FinalMerit, start)
}

// The edge thickness at 12.5 mm is undefined for any radius shorter than
// 12.5 mm, which the radius bounds allow. Such vectors must count as
// infeasible rather than end the run.
func TestRunWithEdgeThicknessVariable(t *testing.T) {
	load := func(t *testing.T) *Document {
		t.Helper()
		doc, err := Load(filepath.Join("testdata", "two_element_original.yaml"))
		require.NoError(t, err)
		doc.ApplyDefaults(runDefaults)
		return doc
	}

	t.Run("differential evolution", func(t *testing.T) {
		for _, seed := range []int64{1, 2, 3, 4, 5} {
			doc := load(t)
			doc.Optimizer.Seed = seed
			doc.Optimizer.MaxIterations = 30
			doc.Optimizer.Workers = 2
			doc.Optimizer.Evolution.PopulationFactor = 5

			s, err := Build(doc, nil)
			require.NoError(t, err)
			start, err := s.Problem.Evaluate()
			require.NoError(t, err)

			res, err := s.Optimizer.Optimize(context.Background(), s.RunConfig(nil))
			require.NoError(t, err, "seed %d", seed)
			assert.LessOrEqual(t, res.FinalMerit, start, "seed %d", seed)

			x, err := s.Problem.Values()
			require.NoError(t, err)
			assert.Equal(t, x, res.X, "seed %d", seed)
		}
	})

	t.Run("interior point", func(t *testing.T) {
		doc := load(t)
		doc.Optimizer.Strategy = interiorpoint.Name
		doc.Optimizer.MaxIterations = 500
		doc.Optimizer.Tolerance = 1e-8

		s, err := Build(doc, nil)
		require.NoError(t, err)

		res, err := s.Optimizer.Optimize(context.Background(), s.RunConfig(nil))
		require.NoError(t, err)
		assert.True(t, res.Success, res.Message)
		assert.Less(t, res.FinalMerit, 1e-3)

		f2, err := s.Lens.BackFocalLength()
		require.NoError(t, err)
		assert.InDelta(t, 100, f2, 1e-3)
	})
}

func TestStrategies(t *testing.T) {
	assert.ElementsMatch(t, []string{interiorpoint.Name, evolution.Name}, Strategies())
	assert.Equal(t, interiorpoint.Name, DefaultStrategy)

	doc := loadFixture(t)
	s, err := Build(doc, nil)
	require.NoError(t, err)
	_, err = NewOptimizer(s.Problem, OptimizerConfig{Strategy: "nelder_mead"}, nil)
	assert.ErrorIs(t, err, optimization.ErrConfiguration)
}
