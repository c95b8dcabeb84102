package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stockscout/internal/universe"
)

func newScanCmd(app *App) *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "run one scan pass and persist the tier sets",
		Long: `scan scores today's weekday batch plus every hot and warming ticker,
merges the results into the tier sets, and writes them atomically. With
--full the entire universe is scored regardless of weekday.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			src, err := app.buildSource()
			if err != nil {
				return err
			}
			defer src.Close()

			paths := app.Config.Paths()
			store, err := universe.NewStore(paths.Tiers, paths.Progress)
			if err != nil {
				return err
			}
			sched := app.buildScheduler(src, store)

			var report *universe.Report
			if full {
				report, err = sched.RunFull(ctx)
			} else {
				report, err = sched.Run(ctx)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if report.Idle {
				fmt.Fprintf(out, "%s: no scan scheduled\n", report.DayName)
				return nil
			}
			fmt.Fprintf(out, "%s scan: %d scored, %d filtered, %d errors in %s\n",
				report.DayName, report.Scored, report.Filtered, report.Errors, report.Elapsed.Round(timePrecision))
			fmt.Fprintf(out, "tiers: hot %d, warming %d, watching %d (promoted %d, demoted %d, expired %d)\n",
				report.Hot, report.Warming, report.Watching, report.Promoted, report.Demoted, report.Stale)
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "scan the entire universe instead of today's batch")
	return cmd
}
