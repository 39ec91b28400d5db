package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/lensopt/internal/config"
	"github.com/copyleftdev/lensopt/internal/optimization"
	"github.com/copyleftdev/lensopt/internal/project"
)

type runFlags struct {
	strategy string
	maxIter  int
	tol      float64
	workers  int
	seed     int64
	verbose  bool
	output   string
}

func (c *cli) newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <project.yaml>",
		Short: "Optimize a project",
		Long: `Runs the project's optimizer and prints the merit report before and after.
Flags override the optimizer section of the project document.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, args[0], f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.strategy, "strategy", project.DefaultStrategy, fmt.Sprintf("Optimization strategy %v", project.Strategies()))
	flags.IntVar(&f.maxIter, "maxiter", 1000, "Maximum iterations (generations for differential_evolution)")
	flags.Float64Var(&f.tol, "tol", 1e-6, "Convergence tolerance")
	flags.IntVar(&f.workers, "workers", 0, "Parallel merit evaluations, 0 or less for one per CPU")
	flags.Int64Var(&f.seed, "seed", 0, "Random seed, 0 for time based")
	flags.BoolVar(&f.verbose, "verbose", config.GetEnvAsBool("LENSOPT_VERBOSE", false), "Print every iteration")
	flags.StringVarP(&f.output, "output", "o", "", "Write the optimized project to this path")
	return cmd
}

// apply copies explicitly set flags into the optimizer section.
func (f *runFlags) apply(cmd *cobra.Command, o *project.OptimizerConfig) {
	flags := cmd.Flags()
	if flags.Changed("strategy") {
		o.Strategy = f.strategy
	}
	if flags.Changed("maxiter") {
		o.MaxIterations = f.maxIter
	}
	if flags.Changed("tol") {
		o.Tolerance = f.tol
	}
	if flags.Changed("workers") {
		o.Workers = f.workers
	}
	if flags.Changed("seed") {
		o.Seed = f.seed
	}
	if f.verbose {
		o.Verbose = true
	}
}

func (c *cli) run(cmd *cobra.Command, path string, f *runFlags) error {
	doc, err := project.Load(path)
	if err != nil {
		return err
	}
	f.apply(cmd, &doc.Optimizer)
	doc.ApplyDefaults(runDefaults())

	session, err := project.Build(doc, c.logger.Zap())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if _, err := session.Problem.Evaluate(); err != nil {
		return fmt.Errorf("evaluating start point: %w", err)
	}
	printHeader(out, path, doc, session)
	fmt.Fprintln(out, "Initial state")
	if err := printReport(out, session.Problem); err != nil {
		return err
	}

	var progress func(optimization.Progress)
	if doc.Optimizer.Verbose {
		progress = func(p optimization.Progress) {
			fmt.Fprintf(out, "iteration %5d  merit %-12.6g evaluations %d\n", p.Iteration, p.BestMerit, p.Evaluations)
		}
	}

	res, runErr := session.Optimizer.Optimize(cmd.Context(), session.RunConfig(progress))
	if res != nil {
		printResult(out, res)
		fmt.Fprintln(out, "Final state")
		if err := printReport(out, session.Problem); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}

	if f.output != "" {
		data, err := session.Updated().Marshal()
		if err != nil {
			return err
		}
		if err := os.WriteFile(f.output, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", f.output, err)
		}
		fmt.Fprintf(out, "Optimized project written to %s\n", f.output)
	}
	return nil
}

func printHeader(w io.Writer, path string, doc *project.Document, s *project.Session) {
	name := doc.Name
	if name == "" {
		name = path
	}
	fmt.Fprintf(w, "Project:   %s\n", name)
	fmt.Fprintf(w, "Strategy:  %s\n", s.Optimizer.Name())
	fmt.Fprintf(w, "Variables: %d  Operands: %d\n\n", s.Problem.NumVariables(), len(s.Problem.Operands()))
}

func printReport(w io.Writer, p *optimization.Problem) error {
	report, err := p.Report()
	if err != nil {
		return err
	}
	if _, err := report.WriteTo(w); err != nil {
		return err
	}
	fmt.Fprintln(w)
	return nil
}

func printResult(w io.Writer, res *optimization.Result) {
	fmt.Fprintln(w, "Result")
	fmt.Fprintf(w, "  success:     %t\n", res.Success)
	fmt.Fprintf(w, "  message:     %s\n", res.Message)
	fmt.Fprintf(w, "  merit:       %.6g\n", res.FinalMerit)
	fmt.Fprintf(w, "  iterations:  %d\n", res.Iterations)
	fmt.Fprintf(w, "  evaluations: %d\n", res.Evaluations)
	fmt.Fprintf(w, "  x:           %.6g\n\n", res.X)
}
