// Package engine runs the trading cycle: session and circuit-breaker
// gates, hot-tier evaluation against the decision oracle, ordered risk
// gates, position monitoring with stop/target exits, and the append-only
// trade log. The cycle is single-threaded on purpose: with no concurrent
// entry, the one-position-per-ticker and portfolio-heat invariants hold
// without extra locking.
package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"stockscout/internal/observ"
)

// PositionStatus marks a position as held or exited.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is one open holding. Exactly one open position may exist per
// ticker; Portfolio.Open enforces it.
type Position struct {
	ID         string         `json:"id"`
	Ticker     string         `json:"ticker"`
	Shares     int64          `json:"shares"`
	EntryPrice float64        `json:"entry_price"`
	StopLoss   float64        `json:"stop_loss"`
	Target     float64        `json:"target"`
	OpenedAt   time.Time      `json:"opened_at"`
	Status     PositionStatus `json:"status"`
	Confidence int            `json:"confidence"`
	Reasoning  string         `json:"reasoning,omitempty"`
}

// Notional is the position's value at its entry price.
func (p Position) Notional() float64 { return float64(p.Shares) * p.EntryPrice }

// RiskUSD is the capital lost if the stop is hit: entry-to-stop distance
// times size. This is the position's contribution to portfolio heat.
func (p Position) RiskUSD() float64 { return float64(p.Shares) * (p.EntryPrice - p.StopLoss) }

// DayStats is the realized-trade bookkeeping for one UTC day. It resets
// on rollover; the trade log keeps the full history.
type DayStats struct {
	Date        string  `json:"date"` // YYYY-MM-DD, UTC
	RealizedPnL float64 `json:"realized_pnl"`
	Closed      int     `json:"closed"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
}

// portfolioFile is the persisted shape. The version counter is monotonic
// so a dashboard polling the file can detect updates cheaply.
type portfolioFile struct {
	Version   int64               `json:"version"`
	UpdatedAt time.Time           `json:"updated_at"`
	StartCash float64             `json:"start_cash"`
	Cash      float64             `json:"cash"`
	Positions map[string]Position `json:"positions"`
	Day       DayStats            `json:"day"`
}

// Portfolio owns cash and open positions and persists them atomically.
// Heat, value, and daily P/L are derived on demand, never stored.
type Portfolio struct {
	mu    sync.Mutex
	path  string
	state portfolioFile

	now func() time.Time
}

// NewPortfolio creates a portfolio persisting to path. startCash is the
// capital base used when no state file exists yet and the denominator
// for the daily-loss percentage.
func NewPortfolio(path string, startCash float64) (*Portfolio, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	p := &Portfolio{
		path: path,
		state: portfolioFile{
			StartCash: startCash,
			Cash:      startCash,
			Positions: make(map[string]Position),
		},
		now: time.Now,
	}
	p.state.Day.Date = dayKey(p.now())
	return p, nil
}

// Load reads persisted state. A missing file keeps the fresh defaults.
func (p *Portfolio) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return p.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("read portfolio state: %w", err)
	}
	if err := json.Unmarshal(data, &p.state); err != nil {
		return fmt.Errorf("parse portfolio state: %w", err)
	}
	if p.state.Positions == nil {
		p.state.Positions = make(map[string]Position)
	}
	p.rolloverLocked(p.now())
	observ.Log("portfolio_loaded", map[string]any{
		"cash":      p.state.Cash,
		"positions": len(p.state.Positions),
		"version":   p.state.Version,
	})
	return nil
}

// Open adds a position. Fails on a duplicate open ticker or when the
// position costs more cash than is available; both are invariant
// violations the engine's gates should have prevented.
func (p *Portfolio) Open(pos Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolloverLocked(p.now())

	if _, held := p.state.Positions[pos.Ticker]; held {
		return fmt.Errorf("position for %s is already open", pos.Ticker)
	}
	cost := pos.Notional()
	if cost > p.state.Cash {
		return fmt.Errorf("position for %s costs %.2f with only %.2f cash", pos.Ticker, cost, p.state.Cash)
	}
	pos.Status = PositionOpen
	p.state.Cash -= cost
	p.state.Positions[pos.Ticker] = pos
	return p.saveLocked()
}

// Close exits the open position for ticker at exitPrice and returns it
// with the realized P/L in dollars.
func (p *Portfolio) Close(ticker string, exitPrice float64) (Position, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolloverLocked(p.now())

	pos, held := p.state.Positions[ticker]
	if !held {
		return Position{}, 0, fmt.Errorf("no open position for %s", ticker)
	}
	pnl := float64(pos.Shares) * (exitPrice - pos.EntryPrice)
	p.state.Cash += float64(pos.Shares) * exitPrice
	delete(p.state.Positions, ticker)

	p.state.Day.RealizedPnL += pnl
	p.state.Day.Closed++
	if pnl >= 0 {
		p.state.Day.Wins++
	} else {
		p.state.Day.Losses++
	}
	pos.Status = PositionClosed
	if err := p.saveLocked(); err != nil {
		return Position{}, 0, err
	}
	return pos, pnl, nil
}

// HasOpen reports whether a position is open for the ticker.
func (p *Portfolio) HasOpen(ticker string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, held := p.state.Positions[ticker]
	return held
}

// OpenPositions returns the open positions sorted by ticker.
func (p *Portfolio) OpenPositions() []Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.state.Positions))
	for _, pos := range p.state.Positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// Stats is the derived portfolio view: recomputed from cash and open
// positions every call, so it can never drift from them.
type Stats struct {
	Value       float64 `json:"value"`
	Cash        float64 `json:"cash"`
	Open        int     `json:"open_positions"`
	HeatPct     float64 `json:"heat_pct"`
	DailyPnL    float64 `json:"daily_pnl"`
	DailyPnLPct float64 `json:"daily_pnl_pct"`
}

// Snapshot derives the current portfolio view.
func (p *Portfolio) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolloverLocked(p.now())
	return p.statsLocked()
}

func (p *Portfolio) statsLocked() Stats {
	value := p.state.Cash
	var risk float64
	for _, pos := range p.state.Positions {
		value += pos.Notional()
		risk += pos.RiskUSD()
	}
	s := Stats{
		Value:    value,
		Cash:     p.state.Cash,
		Open:     len(p.state.Positions),
		DailyPnL: p.state.Day.RealizedPnL,
	}
	if value > 0 {
		s.HeatPct = risk / value * 100
	}
	if p.state.StartCash > 0 {
		s.DailyPnLPct = p.state.Day.RealizedPnL / p.state.StartCash * 100
	}
	return s
}

// ProjectedHeatPct returns the heat if a position carrying addRiskUSD
// were opened now. Opening converts cash to stock at entry, so total
// value is unchanged by the trade itself.
func (p *Portfolio) ProjectedHeatPct(addRiskUSD float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	value := p.state.Cash
	risk := addRiskUSD
	for _, pos := range p.state.Positions {
		value += pos.Notional()
		risk += pos.RiskUSD()
	}
	if value <= 0 {
		return 100
	}
	return risk / value * 100
}

// Day returns today's realized-trade stats.
func (p *Portfolio) Day() DayStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolloverLocked(p.now())
	return p.state.Day
}

func (p *Portfolio) rolloverLocked(now time.Time) {
	today := dayKey(now)
	if p.state.Day.Date == today {
		return
	}
	p.state.Day = DayStats{Date: today}
}

func (p *Portfolio) saveLocked() error {
	p.state.Version++
	p.state.UpdatedAt = p.now().UTC()
	data, err := json.MarshalIndent(p.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal portfolio state: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write portfolio state: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename portfolio state: %w", err)
	}
	return nil
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }
