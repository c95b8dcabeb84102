package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"stockscout/internal/observ"
)

// ErrDuplicateOrder rejects a second entry for the same ticker within
// one trading day. The idempotency key makes a cycle storm (for example
// a scheduler double-fire) harmless. Exits are never keyed: a stop must
// always be able to fire, including a second time after a same-day
// stop-out and re-entry.
var ErrDuplicateOrder = errors.New("duplicate entry order for ticker today")

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Order is an execution request.
type Order struct {
	ID       string    `json:"id"`
	Ticker   string    `json:"ticker"`
	Side     Side      `json:"side"`
	Shares   int64     `json:"shares"`
	Price    float64   `json:"price"`
	PlacedAt time.Time `json:"placed_at"`
}

// Fill is a completed execution.
type Fill struct {
	OrderID  string    `json:"order_id"`
	Ticker   string    `json:"ticker"`
	Side     Side      `json:"side"`
	Shares   int64     `json:"shares"`
	Price    float64   `json:"price"`
	FilledAt time.Time `json:"filled_at"`
}

// Executor is the broker port. The engine only ever talks to this
// interface; live execution plugs in behind it.
type Executor interface {
	Execute(ctx context.Context, o Order) (Fill, error)
	Mode() string
}

// PaperExecutor fills orders instantly at the requested price and keeps
// an append-only order journal. Entry idempotency keys (ticker+day) are
// rebuilt from the journal on startup, so a restarted process still
// refuses same-day duplicate buys.
type PaperExecutor struct {
	mu   sync.Mutex
	path string
	seen map[string]bool

	now func() time.Time
}

// paper journal line: the order plus its fill timestamp.
type orderRecord struct {
	Order
	FilledAt time.Time `json:"filled_at"`
}

func NewPaperExecutor(path string) (*PaperExecutor, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	e := &PaperExecutor{path: path, seen: make(map[string]bool), now: time.Now}
	if err := e.loadKeys(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *PaperExecutor) Mode() string { return "paper" }

// Execute fills the order at its requested price.
func (e *PaperExecutor) Execute(ctx context.Context, o Order) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	if o.Shares <= 0 {
		return Fill{}, fmt.Errorf("order for %s has non-positive size %d", o.Ticker, o.Shares)
	}
	if o.Price <= 0 {
		return Fill{}, fmt.Errorf("order for %s has non-positive price %v", o.Ticker, o.Price)
	}

	now := e.now()
	var key string
	if o.Side == SideBuy {
		key = entryKey(o.Ticker, now)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if key != "" && e.seen[key] {
		observ.IncCounter("orders_duplicate", map[string]string{"side": string(o.Side)})
		return Fill{}, fmt.Errorf("%s %s: %w", o.Side, o.Ticker, ErrDuplicateOrder)
	}
	if err := e.journal(orderRecord{Order: o, FilledAt: now}); err != nil {
		return Fill{}, err
	}
	if key != "" {
		e.seen[key] = true
	}

	observ.IncCounter("orders_filled", map[string]string{"side": string(o.Side), "mode": "paper"})
	observ.Log("order_filled", map[string]any{
		"order_id": o.ID,
		"ticker":   o.Ticker,
		"side":     string(o.Side),
		"shares":   o.Shares,
		"price":    o.Price,
		"mode":     "paper",
	})
	return Fill{
		OrderID:  o.ID,
		Ticker:   o.Ticker,
		Side:     o.Side,
		Shares:   o.Shares,
		Price:    o.Price,
		FilledAt: now,
	}, nil
}

func (e *PaperExecutor) journal(r orderRecord) error {
	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open order journal: %w", err)
	}
	defer f.Close()
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	if _, err := fmt.Fprintln(f, string(data)); err != nil {
		return fmt.Errorf("append order: %w", err)
	}
	return nil
}

// loadKeys rebuilds today's entry idempotency set from the journal.
// Orders from previous days no longer block anything.
func (e *PaperExecutor) loadKeys() error {
	f, err := os.Open(e.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open order journal: %w", err)
	}
	defer f.Close()

	today := dayKey(e.now())
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r orderRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return fmt.Errorf("parse order journal: %w", err)
		}
		if r.Side == SideBuy && dayKey(r.FilledAt) == today {
			e.seen[entryKey(r.Ticker, r.FilledAt)] = true
		}
	}
	return scanner.Err()
}

func entryKey(ticker string, t time.Time) string {
	return ticker + "|" + dayKey(t)
}
