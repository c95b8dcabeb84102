package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"stockscout/internal/observ"
	"stockscout/internal/oracle"
	"stockscout/internal/universe"
)

// PriceSource supplies current prices for execution and monitoring.
// *adapters.Source satisfies it.
type PriceSource interface {
	Price(ctx context.Context, ticker string) (float64, error)
}

// Decider is the oracle port. *oracle.Oracle satisfies it.
type Decider interface {
	Decide(ctx context.Context, entry universe.Entry, pc oracle.PortfolioContext) oracle.Decision
}

// TierSource supplies the latest persisted tier sets. *universe.Store
// satisfies it.
type TierSource interface {
	LoadTiers() (*universe.Tiers, error)
}

// Config holds the engine's risk tunables. Percent fields are fractions
// (0.06 means 6%).
type Config struct {
	ConfidenceThreshold int
	MaxHotPerCycle      int
	MaxHeatPct          float64
	MaxLossPerTradePct  float64
	MaxPositionPct      float64
	DailyLossLimitPct   float64
	Session             Session
	PriceTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 7
	}
	if c.MaxHotPerCycle <= 0 {
		c.MaxHotPerCycle = 50
	}
	if c.MaxHeatPct <= 0 {
		c.MaxHeatPct = 0.06
	}
	if c.MaxLossPerTradePct <= 0 {
		c.MaxLossPerTradePct = 0.02
	}
	if c.MaxPositionPct <= 0 {
		c.MaxPositionPct = 0.10
	}
	if c.DailyLossLimitPct <= 0 {
		c.DailyLossLimitPct = 0.02
	}
	if c.PriceTimeout <= 0 {
		c.PriceTimeout = 10 * time.Second
	}
	return c
}

// Deps are the engine's collaborators.
type Deps struct {
	Prices    PriceSource
	Oracle    Decider
	Tiers     TierSource
	Portfolio *Portfolio
	Trades    *TradeLog
	Exec      Executor
	Breaker   *Breaker
}

// Engine runs the per-cycle trading state machine. RunCycle is
// single-threaded: opportunities are evaluated sequentially, which is
// what keeps the uniqueness and heat invariants enforceable without
// locks across evaluations.
type Engine struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

func New(deps Deps, cfg Config) *Engine {
	return &Engine{deps: deps, cfg: cfg.withDefaults(), now: time.Now}
}

// Evaluation records the gate outcomes for one opportunity. Blocked
// names the first gate that rejected it; an opened evaluation has all
// its gates in GatesPassed.
type Evaluation struct {
	Ticker         string   `json:"ticker"`
	Score          float64  `json:"score"`
	Confidence     int      `json:"confidence"`
	Recommendation string   `json:"recommendation"`
	OracleDegraded bool     `json:"oracle_degraded,omitempty"`
	GatesPassed    []string `json:"gates_passed,omitempty"`
	Blocked        string   `json:"blocked,omitempty"`
	Shares         int64    `json:"shares,omitempty"`
	Opened         bool     `json:"opened"`
}

// ClosedTrade records one exit made during position monitoring.
type ClosedTrade struct {
	Ticker    string  `json:"ticker"`
	ExitPrice float64 `json:"exit_price"`
	PnLPct    float64 `json:"pnl_pct"`
	Lesson    string  `json:"lesson"`
}

// CycleReport summarizes one run of the state machine.
type CycleReport struct {
	CycleID        string        `json:"cycle_id"`
	StartedAt      time.Time     `json:"started_at"`
	SessionOpen    bool          `json:"session_open"`
	BreakerTripped bool          `json:"breaker_tripped"`
	BreakerReason  string        `json:"breaker_reason,omitempty"`
	Evaluated      []Evaluation  `json:"evaluated,omitempty"`
	Opened         int           `json:"opened"`
	Closed         []ClosedTrade `json:"closed,omitempty"`
	DailyPnLPct    float64       `json:"daily_pnl_pct"`
	Elapsed        time.Duration `json:"-"`
}

// RunCycle executes one pass: gate, evaluate hot opportunities, monitor
// open positions, recheck the daily-loss breaker. Nothing inside the
// cycle is fatal; per-opportunity and per-position failures are recorded
// and skipped.
func (e *Engine) RunCycle(ctx context.Context) (*CycleReport, error) {
	started := e.now()
	report := &CycleReport{
		CycleID:   uuid.NewString(),
		StartedAt: started,
	}

	report.SessionOpen = e.cfg.Session.IsOpen(started)
	report.BreakerTripped = e.deps.Breaker.Tripped()
	report.BreakerReason = e.deps.Breaker.Reason()

	observ.Log("cycle_start", map[string]any{
		"cycle_id":     report.CycleID,
		"session_open": report.SessionOpen,
		"breaker":      report.BreakerTripped,
	})

	// Closed market or tripped breaker: no new entries, but open
	// positions are still monitored so stops always fire.
	if report.SessionOpen && !report.BreakerTripped {
		e.evaluateOpportunities(ctx, report)
	}

	e.monitorPositions(ctx, report)
	e.checkDailyLoss(report)

	report.Elapsed = e.now().Sub(started)
	observ.ObserveDuration("trading_cycle", report.Elapsed, nil)
	observ.Log("cycle_complete", map[string]any{
		"cycle_id":      report.CycleID,
		"evaluated":     len(report.Evaluated),
		"opened":        report.Opened,
		"closed":        len(report.Closed),
		"daily_pnl_pct": report.DailyPnLPct,
	})
	return report, nil
}

func (e *Engine) evaluateOpportunities(ctx context.Context, report *CycleReport) {
	tiers, err := e.deps.Tiers.LoadTiers()
	if err != nil {
		observ.LogError("cycle_tiers_unavailable", err, map[string]any{"cycle_id": report.CycleID})
		return
	}

	hot := tiers.Hot // already sorted by descending score
	if len(hot) > e.cfg.MaxHotPerCycle {
		hot = hot[:e.cfg.MaxHotPerCycle]
	}

	for _, entry := range hot {
		if err := ctx.Err(); err != nil {
			return
		}
		ev := e.evaluateOne(ctx, entry)
		report.Evaluated = append(report.Evaluated, ev)
		if ev.Opened {
			report.Opened++
		}
		if ev.Blocked != "" {
			observ.IncCounter("gate_rejections", map[string]string{"gate": ev.Blocked})
		}
	}
}

// Gate names, in evaluation order.
const (
	gatePosition       = "open_position"
	gateConfidence     = "confidence"
	gateRecommendation = "recommendation"
	gateQuote          = "quote"
	gateSize           = "size"
	gateHeat           = "heat"
	gateExecution      = "execution"
)

func (e *Engine) evaluateOne(ctx context.Context, entry universe.Entry) Evaluation {
	ev := Evaluation{Ticker: entry.Ticker, Score: entry.Score.Composite}

	// Uniqueness gate runs before the oracle so held tickers never spend
	// oracle budget.
	if e.deps.Portfolio.HasOpen(entry.Ticker) {
		ev.Blocked = gatePosition
		return ev
	}
	ev.GatesPassed = append(ev.GatesPassed, gatePosition)

	decision := e.deps.Oracle.Decide(ctx, entry, e.portfolioContext())
	ev.Confidence = decision.Confidence
	ev.Recommendation = string(decision.Recommendation)
	ev.OracleDegraded = decision.Degraded

	if decision.Confidence < e.cfg.ConfidenceThreshold {
		ev.Blocked = gateConfidence
		return ev
	}
	ev.GatesPassed = append(ev.GatesPassed, gateConfidence)

	if decision.Recommendation != oracle.Buy {
		ev.Blocked = gateRecommendation
		return ev
	}
	ev.GatesPassed = append(ev.GatesPassed, gateRecommendation)

	price, err := e.currentPrice(ctx, entry.Ticker)
	if err != nil {
		observ.LogError("entry_quote_failed", err, map[string]any{"ticker": entry.Ticker})
		ev.Blocked = gateQuote
		return ev
	}
	ev.GatesPassed = append(ev.GatesPassed, gateQuote)

	// Rescale the scan-time plan to the live price so the stop distance
	// stays the configured fraction of entry.
	stop := price * (entry.Plan.Stop / entry.Plan.Entry)
	target := price * (entry.Plan.Target / entry.Plan.Entry)

	shares := e.sizePosition(price, stop)
	if shares <= 0 {
		ev.Blocked = gateSize
		return ev
	}
	ev.GatesPassed = append(ev.GatesPassed, gateSize)
	ev.Shares = shares

	projected := e.deps.Portfolio.ProjectedHeatPct(float64(shares) * (price - stop))
	if projected > e.cfg.MaxHeatPct*100 {
		observ.Log("heat_ceiling_rejected", map[string]any{
			"ticker":    entry.Ticker,
			"projected": projected,
			"ceiling":   e.cfg.MaxHeatPct * 100,
		})
		ev.Blocked = gateHeat
		return ev
	}
	ev.GatesPassed = append(ev.GatesPassed, gateHeat)

	if err := e.openPosition(ctx, entry, decision, price, stop, target, shares); err != nil {
		// A failed attempt, not a trade. The rest of the batch proceeds.
		observ.LogError("entry_execution_failed", err, map[string]any{"ticker": entry.Ticker})
		ev.Blocked = gateExecution
		return ev
	}
	ev.GatesPassed = append(ev.GatesPassed, gateExecution)
	ev.Opened = true
	return ev
}

func (e *Engine) openPosition(ctx context.Context, entry universe.Entry, decision oracle.Decision, price, stop, target float64, shares int64) error {
	now := e.now()
	order := Order{
		ID:       uuid.NewString(),
		Ticker:   entry.Ticker,
		Side:     SideBuy,
		Shares:   shares,
		Price:    price,
		PlacedAt: now,
	}
	fill, err := e.deps.Exec.Execute(ctx, order)
	if err != nil {
		return err
	}

	pos := Position{
		ID:         uuid.NewString(),
		Ticker:     entry.Ticker,
		Shares:     fill.Shares,
		EntryPrice: fill.Price,
		StopLoss:   round2(stop),
		Target:     round2(target),
		OpenedAt:   fill.FilledAt,
		Status:     PositionOpen,
		Confidence: decision.Confidence,
		Reasoning:  decision.Reasoning,
	}
	if err := e.deps.Portfolio.Open(pos); err != nil {
		return err
	}

	if err := e.deps.Trades.Append(TradeRecord{
		ID:         pos.ID,
		Ticker:     pos.Ticker,
		Shares:     pos.Shares,
		EntryPrice: pos.EntryPrice,
		StopLoss:   pos.StopLoss,
		Target:     pos.Target,
		Status:     PositionOpen,
		EntryTime:  pos.OpenedAt,
		Confidence: decision.Confidence,
		Reasoning:  decision.Reasoning,
	}); err != nil {
		observ.LogError("trade_record_failed", err, map[string]any{"ticker": pos.Ticker})
	}

	observ.Log("position_opened", map[string]any{
		"ticker":     pos.Ticker,
		"shares":     pos.Shares,
		"entry":      pos.EntryPrice,
		"stop":       pos.StopLoss,
		"target":     pos.Target,
		"confidence": pos.Confidence,
		"score":      entry.Score.Composite,
	})
	return nil
}

// sizePosition derives the share count from the two position-sizing
// rules and takes the smaller: risk budget over stop distance, and the
// position-value ceiling. Available cash caps both.
func (e *Engine) sizePosition(price, stop float64) int64 {
	stats := e.deps.Portfolio.Snapshot()
	stopDist := price - stop
	if stopDist <= 0 || price <= 0 || stats.Value <= 0 {
		return 0
	}
	byRisk := stats.Value * e.cfg.MaxLossPerTradePct / stopDist
	byCeiling := stats.Value * e.cfg.MaxPositionPct / price
	byCash := stats.Cash / price
	return int64(math.Floor(math.Min(byRisk, math.Min(byCeiling, byCash))))
}

func (e *Engine) monitorPositions(ctx context.Context, report *CycleReport) {
	for _, pos := range e.deps.Portfolio.OpenPositions() {
		if err := ctx.Err(); err != nil {
			return
		}
		price, err := e.currentPrice(ctx, pos.Ticker)
		if err != nil {
			observ.LogError("monitor_quote_failed", err, map[string]any{"ticker": pos.Ticker})
			continue
		}

		switch {
		case price <= pos.StopLoss:
			e.closePosition(ctx, report, pos, pos.StopLoss, false)
		case price >= pos.Target:
			e.closePosition(ctx, report, pos, pos.Target, true)
		}
	}
}

// closePosition exits through the executor, books the P/L, and appends
// the closed trade record with its lesson. An execution failure leaves
// the position open for the next cycle.
func (e *Engine) closePosition(ctx context.Context, report *CycleReport, pos Position, exitPrice float64, win bool) {
	order := Order{
		ID:       uuid.NewString(),
		Ticker:   pos.Ticker,
		Side:     SideSell,
		Shares:   pos.Shares,
		Price:    exitPrice,
		PlacedAt: e.now(),
	}
	fill, err := e.deps.Exec.Execute(ctx, order)
	if err != nil {
		observ.LogError("exit_execution_failed", err, map[string]any{"ticker": pos.Ticker})
		return
	}

	closed, pnl, err := e.deps.Portfolio.Close(pos.Ticker, fill.Price)
	if err != nil {
		observ.LogError("position_close_failed", err, map[string]any{"ticker": pos.Ticker})
		return
	}

	pnlPct := (fill.Price - closed.EntryPrice) / closed.EntryPrice * 100
	lesson := deriveLesson(closed, fill.Price, pnlPct, win)
	exitTime := fill.FilledAt

	if err := e.deps.Trades.Append(TradeRecord{
		ID:         closed.ID,
		Ticker:     closed.Ticker,
		Shares:     closed.Shares,
		EntryPrice: closed.EntryPrice,
		ExitPrice:  fill.Price,
		StopLoss:   closed.StopLoss,
		Target:     closed.Target,
		Status:     PositionClosed,
		EntryTime:  closed.OpenedAt,
		ExitTime:   &exitTime,
		PnLPct:     round2(pnlPct),
		Confidence: closed.Confidence,
		Reasoning:  closed.Reasoning,
		Lesson:     lesson,
	}); err != nil {
		observ.LogError("trade_record_failed", err, map[string]any{"ticker": closed.Ticker})
	}

	report.Closed = append(report.Closed, ClosedTrade{
		Ticker:    closed.Ticker,
		ExitPrice: fill.Price,
		PnLPct:    round2(pnlPct),
		Lesson:    lesson,
	})
	observ.Log("position_closed", map[string]any{
		"ticker":  closed.Ticker,
		"exit":    fill.Price,
		"pnl":     pnl,
		"pnl_pct": round2(pnlPct),
		"win":     win,
	})
}

// checkDailyLoss recomputes today's realized P/L and trips the breaker
// when the cumulative loss breaches the limit.
func (e *Engine) checkDailyLoss(report *CycleReport) {
	stats := e.deps.Portfolio.Snapshot()
	report.DailyPnLPct = round2(stats.DailyPnLPct)
	observ.SetGauge("daily_pnl_pct", stats.DailyPnLPct, nil)

	limit := -e.cfg.DailyLossLimitPct * 100
	if stats.DailyPnLPct <= limit && !e.deps.Breaker.Tripped() {
		reason := fmt.Sprintf("daily loss %.2f%% breached limit %.2f%%", stats.DailyPnLPct, limit)
		e.deps.Breaker.Trip(reason)
		report.BreakerTripped = true
		report.BreakerReason = reason
	}
}

func (e *Engine) portfolioContext() oracle.PortfolioContext {
	stats := e.deps.Portfolio.Snapshot()
	return oracle.PortfolioContext{
		Value:         stats.Value,
		Cash:          stats.Cash,
		OpenPositions: stats.Open,
		HeatPct:       stats.HeatPct,
		MaxHeatPct:    e.cfg.MaxHeatPct * 100,
		DailyPnLPct:   stats.DailyPnLPct,
	}
}

func (e *Engine) currentPrice(ctx context.Context, ticker string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PriceTimeout)
	defer cancel()
	return e.deps.Prices.Price(ctx, ticker)
}

func deriveLesson(pos Position, exit, pnlPct float64, win bool) string {
	if win {
		return fmt.Sprintf("WIN: target %.2f reached, +%.1f%% banked", pos.Target, pnlPct)
	}
	return fmt.Sprintf("LOSS: stop %.2f hit, %.1f%% taken; entry was %.2f", pos.StopLoss, pnlPct, pos.EntryPrice)
}

func round2(x float64) float64 { return math.Round(x*100) / 100 }
