package project

import (
	"go.uber.org/zap"

	apperrors "github.com/copyleftdev/lensopt/internal/errors"
	"github.com/copyleftdev/lensopt/internal/optimization"
	"github.com/copyleftdev/lensopt/internal/optimization/evolution"
	"github.com/copyleftdev/lensopt/internal/optimization/interiorpoint"
)

// DefaultStrategy is used when a document names none.
const DefaultStrategy = interiorpoint.Name

// Strategies lists the strategy names NewOptimizer accepts.
func Strategies() []string {
	return []string{interiorpoint.Name, evolution.Name}
}

func knownStrategy(name string) bool {
	for _, s := range Strategies() {
		if s == name {
			return true
		}
	}
	return false
}

// NewOptimizer creates the optimizer cfg names around problem.
func NewOptimizer(problem *optimization.Problem, cfg OptimizerConfig, logger *zap.Logger) (optimization.Optimizer, error) {
	switch cfg.Strategy {
	case interiorpoint.Name, "":
		return interiorpoint.New(problem, interiorpoint.Options{
			Logger:             logger,
			InitialBarrier:     cfg.InteriorPoint.InitialBarrier,
			BarrierDecrease:    cfg.InteriorPoint.BarrierDecrease,
			MaxOuterIterations: cfg.InteriorPoint.MaxOuterIterations,
		}), nil
	case evolution.Name:
		e := cfg.Evolution
		return evolution.New(problem, evolution.Options{
			Logger:           logger,
			Strategy:         evolution.Strategy(e.Variant),
			PopulationFactor: e.PopulationFactor,
			MutationMin:      e.MutationMin,
			MutationMax:      e.MutationMax,
			Crossover:        e.Crossover,
			AbsTolerance:     e.AbsTolerance,
			Stagnation:       e.Stagnation,
			Seed:             cfg.Seed,
		}), nil
	}
	return nil, apperrors.Wrapf(optimization.ErrConfiguration, "unknown strategy %q", cfg.Strategy).
		WithOperation("NewOptimizer").WithComponent("project")
}
