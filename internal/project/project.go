// Package project reads optimization project documents and turns them into
// a lens, a Problem and a configured optimizer.
//
// A document is YAML (JSON is accepted as a subset):
//
//	lens:
//	  surfaces:
//	    - {}
//	    - {radius: 100, thickness: 7, material: N-SF11, stop: true}
//	    - {radius: -100, thickness: 20}
//	    - {}
//	operands:
//	  - {kind: f2, target: 100, weight: 10}
//	variables:
//	  - {kind: radius, surface: 1, min: -1000, max: 1000}
//	optimizer:
//	  strategy: interior_point
package project

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/copyleftdev/lensopt/internal/errors"
	"github.com/copyleftdev/lensopt/internal/lens"
	"github.com/copyleftdev/lensopt/internal/optimization"
)

// Document is a complete optimization project.
type Document struct {
	Name      string                      `yaml:"name,omitempty" json:"name,omitempty"`
	Lens      lens.Spec                   `yaml:"lens" json:"lens"`
	Operands  []optimization.OperandSpec  `yaml:"operands" json:"operands"`
	Variables []optimization.VariableSpec `yaml:"variables" json:"variables"`
	Optimizer OptimizerConfig             `yaml:"optimizer,omitempty" json:"optimizer,omitempty"`
}

// OptimizerConfig selects and tunes the strategy.
type OptimizerConfig struct {
	Strategy      string  `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	MaxIterations int     `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	Tolerance     float64 `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
	// Workers is the evaluation parallelism; zero or less uses every CPU.
	Workers int   `yaml:"workers,omitempty" json:"workers,omitempty"`
	Seed    int64 `yaml:"seed,omitempty" json:"seed,omitempty"`
	Verbose bool  `yaml:"verbose,omitempty" json:"verbose,omitempty"`

	Evolution     EvolutionConfig     `yaml:"evolution,omitempty" json:"evolution,omitempty"`
	InteriorPoint InteriorPointConfig `yaml:"interior_point,omitempty" json:"interior_point,omitempty"`
}

// EvolutionConfig holds differential-evolution settings. Zero values take
// the strategy defaults.
type EvolutionConfig struct {
	Variant          string  `yaml:"variant,omitempty" json:"variant,omitempty"`
	PopulationFactor int     `yaml:"population_factor,omitempty" json:"population_factor,omitempty"`
	MutationMin      float64 `yaml:"mutation_min,omitempty" json:"mutation_min,omitempty"`
	MutationMax      float64 `yaml:"mutation_max,omitempty" json:"mutation_max,omitempty"`
	Crossover        float64 `yaml:"crossover,omitempty" json:"crossover,omitempty"`
	AbsTolerance     float64 `yaml:"abs_tolerance,omitempty" json:"abs_tolerance,omitempty"`
	Stagnation       int     `yaml:"stagnation,omitempty" json:"stagnation,omitempty"`
}

// InteriorPointConfig holds barrier settings. Zero values take the strategy
// defaults.
type InteriorPointConfig struct {
	InitialBarrier     float64 `yaml:"initial_barrier,omitempty" json:"initial_barrier,omitempty"`
	BarrierDecrease    float64 `yaml:"barrier_decrease,omitempty" json:"barrier_decrease,omitempty"`
	MaxOuterIterations int     `yaml:"max_outer_iterations,omitempty" json:"max_outer_iterations,omitempty"`
}

// Parse decodes a document. Unknown fields are rejected.
func Parse(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, apperrors.Wrap(apperrors.ErrBadRequest, "empty project document").
				WithOperation("Parse").WithComponent("project")
		}
		return nil, apperrors.Wrap(fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err), "decoding project document").
			WithOperation("Parse").WithComponent("project")
	}
	return &doc, nil
}

// Load reads and parses the document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, "reading %s", path).WithOperation("Load").WithComponent("project")
	}
	return Parse(data)
}

// Marshal encodes the document as YAML.
func (d *Document) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ApplyDefaults fills unset run settings from defaults and the strategy
// from DefaultStrategy.
func (d *Document) ApplyDefaults(defaults optimization.RunConfig) {
	o := &d.Optimizer
	if o.Strategy == "" {
		o.Strategy = DefaultStrategy
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = defaults.MaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = defaults.Tolerance
	}
	if o.Workers == 0 {
		o.Workers = defaults.Workers
	}
}

// Validate checks the document before anything is built.
func (d *Document) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return apperrors.Wrapf(optimization.ErrConfiguration, format, args...).
			WithOperation("Validate").WithComponent("project")
	}
	if len(d.Lens.Surfaces) < 3 {
		return fail("lens needs at least 3 surfaces, got %d", len(d.Lens.Surfaces))
	}
	if len(d.Operands) == 0 {
		return fail("at least one operand is required")
	}
	if len(d.Variables) == 0 {
		return fail("at least one variable is required")
	}
	if !knownStrategy(d.Optimizer.Strategy) {
		return fail("unknown strategy %q", d.Optimizer.Strategy)
	}
	if d.Optimizer.MaxIterations < 0 {
		return fail("max_iterations must not be negative")
	}
	if math.IsNaN(d.Optimizer.Tolerance) || d.Optimizer.Tolerance < 0 {
		return fail("tolerance must not be negative")
	}
	return nil
}

// Session is a built project ready to run.
type Session struct {
	Document  *Document
	Lens      *lens.Lens
	Problem   *optimization.Problem
	Optimizer optimization.Optimizer
}

// Build validates doc and assembles the lens, the problem and the optimizer.
func Build(doc *Document, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	l, err := lens.New(doc.Lens)
	if err != nil {
		return nil, apperrors.Wrap(fmt.Errorf("%w: %w", optimization.ErrConfiguration, err), "building lens").
			WithOperation("Build").WithComponent("project")
	}

	problem := optimization.NewProblem(l, optimization.WithLogger(logger))
	for i, spec := range doc.Operands {
		if _, err := problem.AddOperand(spec); err != nil {
			return nil, apperrors.Wrapf(err, "operand %d (%s)", i, spec.Kind).
				WithOperation("Build").WithComponent("project")
		}
	}
	for i, spec := range doc.Variables {
		if _, err := problem.AddVariable(spec); err != nil {
			return nil, apperrors.Wrapf(err, "variable %d (%s)", i, spec.Kind).
				WithOperation("Build").WithComponent("project")
		}
	}

	opt, err := NewOptimizer(problem, doc.Optimizer, logger)
	if err != nil {
		return nil, err
	}

	return &Session{Document: doc, Lens: l, Problem: problem, Optimizer: opt}, nil
}

// RunConfig returns the run settings of the session.
func (s *Session) RunConfig(progress func(optimization.Progress)) optimization.RunConfig {
	o := s.Document.Optimizer
	return optimization.RunConfig{
		MaxIterations: o.MaxIterations,
		Tolerance:     o.Tolerance,
		Workers:       o.Workers,
		Verbose:       o.Verbose,
		Progress:      progress,
	}
}

// Updated returns a copy of the document with the lens replaced by its
// current, possibly optimized, state.
func (s *Session) Updated() *Document {
	doc := *s.Document
	doc.Lens = s.Lens.Spec()
	return &doc
}
