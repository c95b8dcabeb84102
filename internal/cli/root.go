// Package cli wires the stockscout commands: scan, trade, and status.
// Configuration loading and validation happen once in the root command;
// a config the process must not start with fails here, before any
// scanning or trading logic runs.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"stockscout/internal/adapters"
	"stockscout/internal/config"
	"stockscout/internal/engine"
	"stockscout/internal/observ"
	"stockscout/internal/oracle"
	"stockscout/internal/ratelimit"
	"stockscout/internal/universe"
)

// timePrecision rounds durations in human-facing output.
const timePrecision = 10 * time.Millisecond

// App carries the loaded configuration and flag state shared by the
// subcommands.
type App struct {
	ConfigPath string
	Debug      bool
	Config     config.Root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	app := &App{}
	if err := newRootCmd(app).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stockscout",
		Short: "equity scanner and autonomous trading loop",
		Long: `stockscout scores a stock universe into hot/warming/watching tiers on a
weekly batch rotation and runs a risk-gated trading loop over the hot tier,
consulting an external reasoning oracle before every entry.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := app.ConfigPath
			if path == "" {
				path = os.Getenv("SCOUT_CONFIG")
			}
			if path == "" {
				path = "stockscout.yaml"
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config %s: %w", path, err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config %s: %w", path, err)
			}
			if app.Debug {
				cfg.Log.Level = "debug"
			}
			observ.InitLogging(observ.LogConfig{
				Level:      cfg.Log.Level,
				FilePath:   cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAgeDays: cfg.Log.MaxAgeDays,
			})
			app.Config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&app.ConfigPath, "config", "", "config file (default stockscout.yaml, or $SCOUT_CONFIG)")
	cmd.PersistentFlags().BoolVar(&app.Debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newScanCmd(app))
	cmd.AddCommand(newTradeCmd(app))
	cmd.AddCommand(newStatusCmd(app))
	return cmd
}

// buildSource assembles the market-data facade: primary provider,
// rate-limited secondary provider, and the dual-window limiter guarding
// it.
func (app *App) buildSource() (*adapters.Source, error) {
	cfg := app.Config

	key, err := config.RequireKey(cfg.Primary.APIKeyEnv)
	if err != nil {
		return nil, err
	}
	primary, err := adapters.NewPolygonAdapter(adapters.PolygonConfig{
		APIKey:          key,
		BaseURL:         cfg.Primary.BaseURL,
		RatePerMinute:   cfg.Primary.RatePerMinute,
		CacheTTLSeconds: cfg.Primary.CacheTTLSeconds,
		TimeoutSeconds:  cfg.Primary.TimeoutSeconds,
		MaxRetries:      cfg.Primary.MaxRetries,
		BackoffBaseMs:   cfg.Primary.BackoffBaseMs,
	})
	if err != nil {
		return nil, err
	}

	secondary := adapters.NewYahooAdapter(adapters.YahooConfig{
		BaseURL:        cfg.Secondary.BaseURL,
		TimeoutSeconds: cfg.Secondary.TimeoutSeconds,
	})
	limiter := ratelimit.New(ratelimit.Config{
		PerMinute: cfg.Secondary.Limit.PerMinute,
		PerDay:    cfg.Secondary.Limit.PerDay,
		MinDelay:  time.Duration(cfg.Secondary.Limit.MinDelayMs) * time.Millisecond,
	})

	return adapters.NewSource(primary, secondary, limiter, cfg.Universe.HistoryDays), nil
}

func (app *App) buildScheduler(src *adapters.Source, store *universe.Store) *universe.Scheduler {
	cfg := app.Config
	uni := universe.NewUniverse(cfg.Universe.Sectors)
	scanner := universe.NewScanner(src, universe.ScannerConfig{
		Filters:   cfg.Universe.Filters,
		Workers:   cfg.Universe.Workers,
		StopPct:   cfg.Trading.StopPct,
		TargetPct: cfg.Trading.TargetPct,
	})
	return universe.NewScheduler(scanner, store, uni, universe.SchedulerConfig{
		ActiveDays:   cfg.Universe.ActiveDays,
		WatchingDays: cfg.Universe.WatchingDays,
	})
}

func (app *App) buildOracle() (*oracle.Oracle, error) {
	cfg := app.Config.Oracle
	key, err := config.RequireKey(cfg.APIKeyEnv)
	if err != nil {
		return nil, err
	}
	return oracle.New(oracle.Config{
		APIKey:         key,
		BaseURL:        cfg.BaseURL,
		Model:          cfg.Model,
		TimeoutSeconds: cfg.TimeoutSeconds,
		DailyBudget:    cfg.DailyBudget,
		CacheDelta:     cfg.CacheDelta,
	})
}

func (app *App) buildEngine(src *adapters.Source, store *universe.Store, dec *oracle.Oracle) (*engine.Engine, *engine.Portfolio, *engine.TradeLog, *engine.Breaker, error) {
	cfg := app.Config
	paths := cfg.Paths()

	session, err := engine.NewSession(cfg.Trading.Session.Open, cfg.Trading.Session.Close, cfg.Trading.Session.Timezone)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	portfolio, err := engine.NewPortfolio(paths.Portfolio, cfg.Trading.StartCash)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := portfolio.Load(); err != nil {
		return nil, nil, nil, nil, err
	}
	trades, err := engine.NewTradeLog(paths.Trades)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	exec, err := engine.NewPaperExecutor(paths.Orders)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	breaker := engine.NewBreaker()

	eng := engine.New(engine.Deps{
		Prices:    src,
		Oracle:    dec,
		Tiers:     store,
		Portfolio: portfolio,
		Trades:    trades,
		Exec:      exec,
		Breaker:   breaker,
	}, engine.Config{
		ConfidenceThreshold: cfg.Trading.ConfidenceThreshold,
		MaxHotPerCycle:      cfg.Trading.MaxHotPerCycle,
		MaxHeatPct:          cfg.Trading.MaxHeatPct,
		MaxLossPerTradePct:  cfg.Trading.MaxLossPerTradePct,
		MaxPositionPct:      cfg.Trading.MaxPositionPct,
		DailyLossLimitPct:   cfg.Trading.DailyLossLimitPct,
		Session:             session,
		PriceTimeout:        time.Duration(cfg.Primary.TimeoutSeconds) * time.Second,
	})
	return eng, portfolio, trades, breaker, nil
}
