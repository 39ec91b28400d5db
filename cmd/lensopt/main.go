// Command lensopt optimizes lens prescriptions described by project
// documents.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/lensopt/internal/config"
	"github.com/copyleftdev/lensopt/internal/logging"
	"github.com/copyleftdev/lensopt/internal/optimization"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// cli holds state shared by the subcommands.
type cli struct {
	logLevel  string
	logFormat string
	logger    *logging.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "lensopt",
		Short: "Optical design optimization",
		Long: `lensopt adjusts the radii, thicknesses and conics of a lens so that its
weighted operands (focal lengths, track, edge thickness, ...) approach
their targets within the variable bounds.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(&logging.Config{
				Level:  c.logLevel,
				Format: c.logFormat,
				Output: "stderr",
			})
			if err != nil {
				return err
			}
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = c.logger.Sync()
		},
	}
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", config.GetEnv("LOG_LEVEL", "warn"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&c.logFormat, "log-format", config.GetEnv("LOG_FORMAT", "text"), "Log format (text, json)")

	root.AddCommand(c.newRunCmd(), c.newInfoCmd(), newVersionCmd())
	return root
}

// runDefaults fills run settings a project leaves unset. The service's
// OPT_* variables apply to the CLI as well.
func runDefaults() optimization.RunConfig {
	return optimization.RunConfig{
		MaxIterations: config.GetEnvAsInt("OPT_MAX_ITERATIONS", 0),
		Workers:       config.GetEnvAsInt("OPT_WORKER_COUNT", 0),
	}.WithDefaults()
}
