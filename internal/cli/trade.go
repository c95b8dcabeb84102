package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stockscout/internal/engine"
	"stockscout/internal/observ"
	"stockscout/internal/universe"
)

// liveConfirmPhrase must be typed verbatim to arm live execution.
const liveConfirmPhrase = "I UNDERSTAND LIVE TRADING RISKS REAL MONEY"

func newTradeCmd(app *App) *cobra.Command {
	var (
		once          bool
		live          bool
		intervalSecs  int
		maxHot        int
		minConfidence int
		metricsAddr   string
	)

	cmd := &cobra.Command{
		Use:   "trade",
		Short: "run the trading loop over the hot tier",
		Long: `trade evaluates the persisted hot tier against the decision oracle and
the risk gates, monitors open positions for stop and target exits, and
enforces the daily-loss circuit breaker. Paper execution is the default;
--live requires an interactive confirmation and a configured broker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if live {
				if err := confirmLive(cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
					return err
				}
				// The Executor port is where a broker integration would
				// plug in; none ships in this build, so live stops here
				// instead of silently trading paper under a live flag.
				return errors.New("live trading confirmed but no broker executor is configured; run without --live for paper execution")
			}

			src, err := app.buildSource()
			if err != nil {
				return err
			}
			defer src.Close()

			dec, err := app.buildOracle()
			if err != nil {
				return err
			}

			paths := app.Config.Paths()
			store, err := universe.NewStore(paths.Tiers, paths.Progress)
			if err != nil {
				return err
			}

			if maxHot > 0 {
				app.Config.Trading.MaxHotPerCycle = maxHot
			}
			if minConfidence > 0 {
				app.Config.Trading.ConfidenceThreshold = minConfidence
			}
			eng, _, _, _, err := app.buildEngine(src, store, dec)
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				go serveMetrics(metricsAddr)
			}

			interval := time.Duration(app.Config.Trading.IntervalSeconds) * time.Second
			if intervalSecs > 0 {
				interval = time.Duration(intervalSecs) * time.Second
			}

			runCycle := func() {
				report, err := eng.RunCycle(ctx)
				if err != nil {
					observ.LogError("cycle_failed", err, nil)
					return
				}
				printCycle(cmd.OutOrStdout(), report)
			}

			observ.Log("trade_loop_start", map[string]any{
				"mode":     "paper",
				"once":     once,
				"interval": interval.String(),
			})

			runCycle()
			if once {
				return nil
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					observ.Log("trade_loop_stopped", map[string]any{"reason": "signal"})
					return nil
				case <-ticker.C:
					runCycle()
				}
			}
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	cmd.Flags().BoolVar(&live, "live", false, "execute real orders instead of paper (requires confirmation)")
	cmd.Flags().IntVar(&intervalSecs, "interval", 0, "seconds between cycles (default from config, 300)")
	cmd.Flags().IntVar(&maxHot, "max-hot", 0, "cap on hot opportunities evaluated per cycle")
	cmd.Flags().IntVar(&minConfidence, "min-confidence", 0, "minimum oracle confidence to enter (1-10)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	return cmd
}

// confirmLive requires the operator to type the confirmation phrase.
// A closed or non-interactive stdin fails closed.
func confirmLive(in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "Live trading places real orders with real money.\nType %q to continue: ", liveConfirmPhrase)
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return errors.New("live trading requires interactive confirmation; stdin is not available")
	}
	if strings.TrimSpace(scanner.Text()) != liveConfirmPhrase {
		return errors.New("confirmation phrase did not match; staying out of live mode")
	}
	return nil
}

func printCycle(out io.Writer, report *engine.CycleReport) {
	switch {
	case report.BreakerTripped:
		fmt.Fprintf(out, "cycle %s: paused (%s)\n", report.CycleID[:8], report.BreakerReason)
	case !report.SessionOpen:
		fmt.Fprintf(out, "cycle %s: market closed, monitored positions only\n", report.CycleID[:8])
	default:
		fmt.Fprintf(out, "cycle %s: %d evaluated, %d opened, %d closed, daily P/L %.2f%% in %s\n",
			report.CycleID[:8], len(report.Evaluated), report.Opened, len(report.Closed),
			report.DailyPnLPct, report.Elapsed.Round(timePrecision))
	}
	for _, c := range report.Closed {
		fmt.Fprintf(out, "  closed %s at %.2f (%+.1f%%): %s\n", c.Ticker, c.ExitPrice, c.PnLPct, c.Lesson)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.Health())
	observ.Log("metrics_listening", map[string]any{"addr": addr})
	if err := http.ListenAndServe(addr, mux); err != nil {
		observ.LogError("metrics_server_failed", err, map[string]any{"addr": addr})
	}
}
