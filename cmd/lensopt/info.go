package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/lensopt/internal/lens"
	"github.com/copyleftdev/lensopt/internal/project"
)

func (c *cli) newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <project.yaml>",
		Short: "Evaluate a project once",
		Long:  `Prints the first-order properties of the lens and the merit report at the current prescription.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := project.Load(args[0])
			if err != nil {
				return err
			}
			doc.ApplyDefaults(runDefaults())

			session, err := project.Build(doc, c.logger.Zap())
			if err != nil {
				return err
			}
			if _, err := session.Problem.Evaluate(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printHeader(out, args[0], doc, session)
			printFirstOrder(out, session.Lens)
			return printReport(out, session.Problem)
		},
	}
}

func printFirstOrder(w io.Writer, l *lens.Lens) {
	fmt.Fprintf(w, "Surfaces:    %d\n", l.NumSurfaces())
	fmt.Fprintf(w, "Power:       %.6g\n", l.Power())
	if f, err := l.BackFocalLength(); err == nil {
		fmt.Fprintf(w, "EFL:         %.6g\n", f)
	} else {
		fmt.Fprintln(w, "EFL:         afocal")
	}
	if bfd, err := l.BackFocalDistance(); err == nil {
		fmt.Fprintf(w, "BFD:         %.6g\n", bfd)
	}
	fmt.Fprintf(w, "Total track: %.6g\n\n", l.TotalTrack())
}
