package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockscout/internal/oracle"
	"stockscout/internal/scoring"
	"stockscout/internal/universe"
)

// tradingTuesday is a fixed weekday instant inside the NY session
// (10:00 EDT) so cycle tests never depend on when they run.
var tradingTuesday = time.Date(2026, time.August, 25, 14, 0, 0, 0, time.UTC)

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
	errs   map[string]error
}

func (f *fakePrices) Price(ctx context.Context, ticker string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[ticker]; ok {
		return 0, err
	}
	p, ok := f.prices[ticker]
	if !ok {
		return 0, fmt.Errorf("no price for %s", ticker)
	}
	return p, nil
}

func (f *fakePrices) set(ticker string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[ticker] = price
}

type fakeDecider struct {
	mu        sync.Mutex
	decisions map[string]oracle.Decision
	calls     int
}

func (f *fakeDecider) Decide(ctx context.Context, entry universe.Entry, pc oracle.PortfolioContext) oracle.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if d, ok := f.decisions[entry.Ticker]; ok {
		d.Ticker = entry.Ticker
		return d
	}
	return oracle.Decision{Ticker: entry.Ticker, Confidence: 5, Recommendation: oracle.Skip}
}

func (f *fakeDecider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeExec fills instantly at the order price, with per-ticker failure
// injection.
type fakeExec struct {
	mu    sync.Mutex
	fail  map[string]error
	fills []Order
	now   func() time.Time
}

func (f *fakeExec) Execute(ctx context.Context, o Order) (Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[o.Ticker]; ok {
		return Fill{}, err
	}
	f.fills = append(f.fills, o)
	return Fill{
		OrderID:  o.ID,
		Ticker:   o.Ticker,
		Side:     o.Side,
		Shares:   o.Shares,
		Price:    o.Price,
		FilledAt: f.now(),
	}, nil
}

func (f *fakeExec) Mode() string { return "paper" }

type harness struct {
	engine    *Engine
	prices    *fakePrices
	decider   *fakeDecider
	exec      *fakeExec
	portfolio *Portfolio
	trades    *TradeLog
	breaker   *Breaker
	store     *universe.Store
	clock     *time.Time
}

func hotEntry(ticker string, composite, price float64) universe.Entry {
	return universe.Entry{
		Ticker:    ticker,
		Sector:    "tech",
		Tier:      universe.TierFor(composite),
		Score:     scoring.Score{Ticker: ticker, Composite: composite, Grade: scoring.Grade(composite)},
		Plan:      universe.NewTradePlan(price, 0.10, 0.15),
		ScannedAt: tradingTuesday,
	}
}

func newHarness(t *testing.T, hot []universe.Entry, cfg Config) *harness {
	t.Helper()
	dir := t.TempDir()

	clock := tradingTuesday
	nowFn := func() time.Time { return clock }

	store, err := universe.NewStore(filepath.Join(dir, "tiers.json"), filepath.Join(dir, "progress.json"))
	require.NoError(t, err)
	require.NoError(t, store.SaveTiers(&universe.Tiers{Hot: hot}))

	portfolio, err := NewPortfolio(filepath.Join(dir, "portfolio.json"), 100_000)
	require.NoError(t, err)
	portfolio.now = nowFn
	require.NoError(t, portfolio.Load())

	trades, err := NewTradeLog(filepath.Join(dir, "trades.jsonl"))
	require.NoError(t, err)

	breaker := NewBreaker()
	breaker.now = nowFn

	session, err := NewSession("09:30", "16:00", "America/New_York")
	require.NoError(t, err)
	cfg.Session = session

	prices := &fakePrices{prices: map[string]float64{}, errs: map[string]error{}}
	decider := &fakeDecider{decisions: map[string]oracle.Decision{}}
	exec := &fakeExec{fail: map[string]error{}, now: nowFn}

	eng := New(Deps{
		Prices:    prices,
		Oracle:    decider,
		Tiers:     store,
		Portfolio: portfolio,
		Trades:    trades,
		Exec:      exec,
		Breaker:   breaker,
	}, cfg)
	eng.now = nowFn

	return &harness{
		engine:    eng,
		prices:    prices,
		decider:   decider,
		exec:      exec,
		portfolio: portfolio,
		trades:    trades,
		breaker:   breaker,
		store:     store,
		clock:     &clock,
	}
}

func buyDecision(confidence int) oracle.Decision {
	return oracle.Decision{Confidence: confidence, Recommendation: oracle.Buy, Reasoning: "setup looks good"}
}

func TestRunCycle_OpensPositionOnBuy(t *testing.T) {
	h := newHarness(t, []universe.Entry{hotEntry("AAPL", 85, 100)}, Config{})
	h.decider.decisions["AAPL"] = buyDecision(8)
	h.prices.set("AAPL", 100)

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, report.Opened)
	require.Len(t, report.Evaluated, 1)
	ev := report.Evaluated[0]
	assert.True(t, ev.Opened)
	assert.Empty(t, ev.Blocked)
	// 2% risk budget over a $10 stop distance allows 200 shares; the 10%
	// position ceiling allows only 100. The smaller size wins.
	assert.Equal(t, int64(100), ev.Shares)

	require.True(t, h.portfolio.HasOpen("AAPL"))
	pos := h.portfolio.OpenPositions()[0]
	assert.Equal(t, 90.0, pos.StopLoss)
	assert.Equal(t, 115.0, pos.Target)
	assert.Equal(t, 8, pos.Confidence)

	records, err := h.trades.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, PositionOpen, records[0].Status)
	assert.Equal(t, "setup looks good", records[0].Reasoning)
}

func TestRunCycle_NeverHoldsTwoPositionsForOneTicker(t *testing.T) {
	h := newHarness(t, []universe.Entry{hotEntry("AAPL", 85, 100)}, Config{})
	h.decider.decisions["AAPL"] = buyDecision(9)
	h.prices.set("AAPL", 100)

	require.NoError(t, h.portfolio.Open(Position{
		ID: "existing", Ticker: "AAPL", Shares: 10,
		EntryPrice: 95, StopLoss: 85.5, Target: 109.25,
		OpenedAt: tradingTuesday, Status: PositionOpen,
	}))

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Opened)
	require.Len(t, report.Evaluated, 1)
	assert.Equal(t, gatePosition, report.Evaluated[0].Blocked)
	assert.Equal(t, 0, h.decider.callCount(), "held tickers never spend oracle budget")
	assert.Len(t, h.portfolio.OpenPositions(), 1)
}

func TestRunCycle_ConfidenceGateRejectsBuy(t *testing.T) {
	// Confidence 6 with a BUY recommendation must be rejected at the
	// default threshold of 7 regardless of score.
	h := newHarness(t, []universe.Entry{hotEntry("NVDA", 95, 500)}, Config{})
	h.decider.decisions["NVDA"] = buyDecision(6)
	h.prices.set("NVDA", 500)

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Opened)
	require.Len(t, report.Evaluated, 1)
	assert.Equal(t, gateConfidence, report.Evaluated[0].Blocked)
}

func TestRunCycle_RecommendationGate(t *testing.T) {
	h := newHarness(t, []universe.Entry{hotEntry("AAPL", 85, 100)}, Config{})
	h.decider.decisions["AAPL"] = oracle.Decision{Confidence: 9, Recommendation: oracle.Wait}
	h.prices.set("AAPL", 100)

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Opened)
	assert.Equal(t, gateRecommendation, report.Evaluated[0].Blocked)
}

func TestRunCycle_HeatCeilingRejection(t *testing.T) {
	// Portfolio already at 5.5% heat; the new position would carry 1%
	// more, projecting 6.5% against the 6% ceiling. Must be rejected.
	h := newHarness(t, []universe.Entry{hotEntry("MSFT", 85, 100)}, Config{
		MaxLossPerTradePct: 0.01, // sizes the new position's risk to exactly 1% of value
	})
	require.NoError(t, h.portfolio.Open(Position{
		ID: "held", Ticker: "AAPL", Shares: 550,
		EntryPrice: 100, StopLoss: 90, Target: 115,
		OpenedAt: tradingTuesday, Status: PositionOpen,
	}))
	require.InDelta(t, 5.5, h.portfolio.Snapshot().HeatPct, 0.001)

	h.decider.decisions["MSFT"] = buyDecision(9)
	h.prices.set("MSFT", 100)
	h.prices.set("AAPL", 100)

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Opened)
	require.Len(t, report.Evaluated, 1)
	assert.Equal(t, gateHeat, report.Evaluated[0].Blocked)
	assert.False(t, h.portfolio.HasOpen("MSFT"))
	assert.LessOrEqual(t, h.portfolio.Snapshot().HeatPct, 6.0)
}

func TestRunCycle_StopAndTargetExits(t *testing.T) {
	h := newHarness(t, nil, Config{})
	require.NoError(t, h.portfolio.Open(Position{
		ID: "p1", Ticker: "AAPL", Shares: 10,
		EntryPrice: 100, StopLoss: 90, Target: 115,
		OpenedAt: tradingTuesday, Status: PositionOpen,
	}))
	require.NoError(t, h.portfolio.Open(Position{
		ID: "p2", Ticker: "MSFT", Shares: 10,
		EntryPrice: 100, StopLoss: 90, Target: 115,
		OpenedAt: tradingTuesday, Status: PositionOpen,
	}))

	h.prices.set("AAPL", 89)  // through the stop: close at the stop price
	h.prices.set("MSFT", 116) // through the target: close at the target price

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Closed, 2)
	byTicker := map[string]ClosedTrade{}
	for _, c := range report.Closed {
		byTicker[c.Ticker] = c
	}
	loss := byTicker["AAPL"]
	assert.Equal(t, 90.0, loss.ExitPrice)
	assert.InDelta(t, -10.0, loss.PnLPct, 0.01)
	assert.Contains(t, loss.Lesson, "LOSS")

	win := byTicker["MSFT"]
	assert.Equal(t, 115.0, win.ExitPrice)
	assert.InDelta(t, 15.0, win.PnLPct, 0.01)
	assert.Contains(t, win.Lesson, "WIN")

	assert.Empty(t, h.portfolio.OpenPositions())

	records, err := h.trades.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, PositionClosed, r.Status)
		assert.NotNil(t, r.ExitTime)
		assert.NotEmpty(t, r.Lesson)
	}
}

func TestRunCycle_ReentryAfterStopStillExitsSameDay(t *testing.T) {
	// Monday's position stops out Tuesday morning, the engine re-enters
	// midday, and the price falls through the stop again in the
	// afternoon. The second exit of the day must fill through the real
	// paper executor; only duplicate entries are refused.
	h := newHarness(t, []universe.Entry{hotEntry("AAPL", 85, 100)}, Config{})
	paper, err := NewPaperExecutor(filepath.Join(t.TempDir(), "orders.jsonl"))
	require.NoError(t, err)
	paper.now = func() time.Time { return *h.clock }
	h.engine.deps.Exec = paper

	require.NoError(t, h.portfolio.Open(Position{
		ID: "carried", Ticker: "AAPL", Shares: 10,
		EntryPrice: 100, StopLoss: 90, Target: 115,
		OpenedAt: tradingTuesday.Add(-24 * time.Hour), Status: PositionOpen,
	}))
	h.prices.set("AAPL", 89)

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Closed, 1)
	require.False(t, h.portfolio.HasOpen("AAPL"))

	*h.clock = tradingTuesday.Add(2 * time.Hour)
	h.decider.decisions["AAPL"] = buyDecision(8)
	h.prices.set("AAPL", 100)

	report, err = h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Opened)
	require.True(t, h.portfolio.HasOpen("AAPL"))

	*h.clock = tradingTuesday.Add(4 * time.Hour)
	h.prices.set("AAPL", 85)

	report, err = h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Closed, 1, "second stop of the day must fire")
	assert.Equal(t, "AAPL", report.Closed[0].Ticker)
	assert.False(t, h.portfolio.HasOpen("AAPL"), "a blocked exit would carry the position overnight unprotected")
}

func TestRunCycle_PositionBetweenStopAndTargetStaysOpen(t *testing.T) {
	h := newHarness(t, nil, Config{})
	require.NoError(t, h.portfolio.Open(Position{
		ID: "p1", Ticker: "AAPL", Shares: 10,
		EntryPrice: 100, StopLoss: 90, Target: 115,
		OpenedAt: tradingTuesday, Status: PositionOpen,
	}))
	h.prices.set("AAPL", 104)

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Closed)
	assert.True(t, h.portfolio.HasOpen("AAPL"))
}

func TestRunCycle_DailyLossTripsBreaker(t *testing.T) {
	h := newHarness(t, nil, Config{})
	// 210 shares with a $10 stop distance realize -$2,100 on a $100k
	// base when the stop fires: -2.1%, through the -2% limit.
	require.NoError(t, h.portfolio.Open(Position{
		ID: "p1", Ticker: "AAPL", Shares: 210,
		EntryPrice: 100, StopLoss: 90, Target: 115,
		OpenedAt: tradingTuesday, Status: PositionOpen,
	}))
	h.prices.set("AAPL", 88)

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Closed, 1)
	assert.InDelta(t, -2.1, report.DailyPnLPct, 0.01)
	assert.True(t, report.BreakerTripped)
	assert.NotEmpty(t, report.BreakerReason)
	assert.True(t, h.breaker.Tripped())

	// Next cycle: a fresh hot opportunity must not even be evaluated.
	require.NoError(t, h.store.SaveTiers(&universe.Tiers{Hot: []universe.Entry{hotEntry("NVDA", 95, 500)}}))
	h.decider.decisions["NVDA"] = buyDecision(10)
	h.prices.set("NVDA", 500)

	report, err = h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.BreakerTripped)
	assert.Empty(t, report.Evaluated)
	assert.Equal(t, 0, h.decider.callCount())
}

func TestRunCycle_BreakerClearsOnDayRollover(t *testing.T) {
	h := newHarness(t, []universe.Entry{hotEntry("AAPL", 85, 100)}, Config{})
	h.breaker.Trip("daily loss -2.10% breached limit -2.00%")
	require.True(t, h.breaker.Tripped())

	// Advance to the next trading day, same session time.
	*h.clock = tradingTuesday.Add(24 * time.Hour)

	h.decider.decisions["AAPL"] = buyDecision(8)
	h.prices.set("AAPL", 100)

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, report.BreakerTripped)
	assert.Equal(t, 1, report.Opened)
}

func TestRunCycle_ClosedSessionSkipsEntriesButMonitors(t *testing.T) {
	h := newHarness(t, []universe.Entry{hotEntry("NVDA", 95, 500)}, Config{})
	h.decider.decisions["NVDA"] = buyDecision(10)
	h.prices.set("NVDA", 500)

	require.NoError(t, h.portfolio.Open(Position{
		ID: "p1", Ticker: "AAPL", Shares: 10,
		EntryPrice: 100, StopLoss: 90, Target: 115,
		OpenedAt: tradingTuesday, Status: PositionOpen,
	}))
	h.prices.set("AAPL", 89)

	// 20:00 UTC is 16:00 EDT: the close bound is exclusive.
	*h.clock = time.Date(2026, time.August, 25, 20, 0, 0, 0, time.UTC)

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.False(t, report.SessionOpen)
	assert.Empty(t, report.Evaluated)
	assert.Equal(t, 0, h.decider.callCount())
	require.Len(t, report.Closed, 1, "stops still fire outside the session")
	assert.Equal(t, "AAPL", report.Closed[0].Ticker)
}

func TestRunCycle_UnconfiguredSessionTreatedAsClosed(t *testing.T) {
	h := newHarness(t, []universe.Entry{hotEntry("AAPL", 85, 100)}, Config{})
	h.engine.cfg.Session = Session{}
	h.decider.decisions["AAPL"] = buyDecision(9)
	h.prices.set("AAPL", 100)

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, report.SessionOpen)
	assert.Empty(t, report.Evaluated)
}

func TestRunCycle_ExecutionFailureDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t, []universe.Entry{
		hotEntry("AAPL", 95, 100),
		hotEntry("MSFT", 85, 100),
	}, Config{})
	h.decider.decisions["AAPL"] = buyDecision(9)
	h.decider.decisions["MSFT"] = buyDecision(8)
	h.prices.set("AAPL", 100)
	h.prices.set("MSFT", 100)
	h.exec.fail["AAPL"] = fmt.Errorf("broker rejected order")

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Evaluated, 2)
	assert.Equal(t, gateExecution, report.Evaluated[0].Blocked)
	assert.False(t, report.Evaluated[0].Opened)
	assert.True(t, report.Evaluated[1].Opened)
	assert.Equal(t, 1, report.Opened)
	assert.False(t, h.portfolio.HasOpen("AAPL"))
	assert.True(t, h.portfolio.HasOpen("MSFT"))
}

func TestRunCycle_MaxHotPerCycleCap(t *testing.T) {
	hot := []universe.Entry{
		hotEntry("AAA", 95, 50),
		hotEntry("BBB", 90, 50),
		hotEntry("CCC", 85, 50),
	}
	h := newHarness(t, hot, Config{MaxHotPerCycle: 2})

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Evaluated, 2)
	assert.Equal(t, 2, h.decider.callCount())
}

func TestRunCycle_QuoteFailureBlocksEntry(t *testing.T) {
	h := newHarness(t, []universe.Entry{hotEntry("AAPL", 85, 100)}, Config{})
	h.decider.decisions["AAPL"] = buyDecision(9)
	h.prices.errs["AAPL"] = fmt.Errorf("provider timeout")

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gateQuote, report.Evaluated[0].Blocked)
	assert.Equal(t, 0, report.Opened)
}

func TestSizePosition(t *testing.T) {
	h := newHarness(t, nil, Config{})

	t.Run("position ceiling binds on a wide stop", func(t *testing.T) {
		// byRisk = 100000*0.02/10 = 200, byCeiling = 100000*0.10/100 = 100
		assert.Equal(t, int64(100), h.engine.sizePosition(100, 90))
	})

	t.Run("risk budget binds on a tight stop", func(t *testing.T) {
		// byRisk = 2000/25 = 80, byCeiling = 100
		assert.Equal(t, int64(80), h.engine.sizePosition(100, 75))
	})

	t.Run("degenerate stop sizes to zero", func(t *testing.T) {
		assert.Equal(t, int64(0), h.engine.sizePosition(100, 100))
		assert.Equal(t, int64(0), h.engine.sizePosition(100, 105))
	})
}
