package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"stockscout/internal/engine"
	"stockscout/internal/universe"
)

func newStatusCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print the tier sets, portfolio, and performance summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := app.Config.Paths()
			out := cmd.OutOrStdout()

			store, err := universe.NewStore(paths.Tiers, paths.Progress)
			if err != nil {
				return err
			}
			tiers, err := store.LoadTiers()
			if err != nil {
				return err
			}
			progress, err := store.LoadProgress()
			if err != nil {
				return err
			}

			hot, warming, watching := tiers.Counts()
			fmt.Fprintf(out, "universe tiers: hot %d, warming %d, watching %d\n", hot, warming, watching)
			if !progress.LastScan.IsZero() {
				fmt.Fprintf(out, "last scan: %s (%d scored this week)\n",
					progress.LastScan.Format(time.RFC3339), progress.ScannedThisWeek)
			}
			printTier(out, "HOT", tiers.Hot)
			printTier(out, "WARMING", tiers.Warming)

			portfolio, err := engine.NewPortfolio(paths.Portfolio, app.Config.Trading.StartCash)
			if err != nil {
				return err
			}
			if err := portfolio.Load(); err != nil {
				return err
			}
			stats := portfolio.Snapshot()
			fmt.Fprintf(out, "\nportfolio: value %.2f, cash %.2f, heat %.2f%%, today %.2f%%\n",
				stats.Value, stats.Cash, stats.HeatPct, stats.DailyPnLPct)
			for _, pos := range portfolio.OpenPositions() {
				fmt.Fprintf(out, "  %-6s %d @ %.2f  stop %.2f  target %.2f  (confidence %d)\n",
					pos.Ticker, pos.Shares, pos.EntryPrice, pos.StopLoss, pos.Target, pos.Confidence)
			}

			trades, err := engine.NewTradeLog(paths.Trades)
			if err != nil {
				return err
			}
			perf, err := trades.Performance()
			if err != nil {
				return err
			}
			if perf.Trades > 0 {
				fmt.Fprintf(out, "\nclosed trades: %d, win rate %.1f%%, profit factor %.2f, avg win %+.1f%%, avg loss %+.1f%%, total %+.1f%%\n",
					perf.Trades, perf.WinRate, perf.ProfitFactor, perf.AvgWinPct, perf.AvgLossPct, perf.TotalPnLPct)
			} else {
				fmt.Fprintln(out, "\nno closed trades yet")
			}

			lossLimit := -app.Config.Trading.DailyLossLimitPct * 100
			if stats.DailyPnLPct <= lossLimit {
				fmt.Fprintf(out, "breaker: TRIPPED (daily P/L %.2f%% at or below %.2f%% limit)\n", stats.DailyPnLPct, lossLimit)
			} else {
				fmt.Fprintf(out, "breaker: clear (daily P/L %.2f%%, limit %.2f%%)\n", stats.DailyPnLPct, lossLimit)
			}

			fmt.Fprintf(out, "\nbudgets: secondary provider %d/min %d/day, oracle %d calls/day\n",
				app.Config.Secondary.Limit.PerMinute, app.Config.Secondary.Limit.PerDay,
				app.Config.Oracle.DailyBudget)
			return nil
		},
	}
	return cmd
}

func printTier(out io.Writer, name string, entries []universe.Entry) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(out, "%s:\n", name)
	for _, e := range entries {
		fmt.Fprintf(out, "  %-6s %5.1f (%s)  entry %.2f  stop %.2f  target %.2f  scanned %s\n",
			e.Ticker, e.Score.Composite, e.Score.Grade,
			e.Plan.Entry, e.Plan.Stop, e.Plan.Target,
			e.ScannedAt.Format("2006-01-02"))
	}
}
