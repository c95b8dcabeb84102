package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPaper(t *testing.T, path string) *PaperExecutor {
	t.Helper()
	e, err := NewPaperExecutor(path)
	require.NoError(t, err)
	e.now = func() time.Time { return tradingTuesday }
	return e
}

func buyOrder(ticker string, shares int64, price float64) Order {
	return Order{
		ID: "o-" + ticker, Ticker: ticker, Side: SideBuy,
		Shares: shares, Price: price, PlacedAt: tradingTuesday,
	}
}

func TestPaperExecutor_FillsAtOrderPrice(t *testing.T) {
	e := newPaper(t, filepath.Join(t.TempDir(), "orders.jsonl"))

	fill, err := e.Execute(context.Background(), buyOrder("AAPL", 100, 101.5))
	require.NoError(t, err)
	assert.Equal(t, 101.5, fill.Price)
	assert.Equal(t, int64(100), fill.Shares)
	assert.Equal(t, SideBuy, fill.Side)
	assert.Equal(t, "paper", e.Mode())
}

func sellOrder(id, ticker string, shares int64, price float64) Order {
	return Order{
		ID: id, Ticker: ticker, Side: SideSell,
		Shares: shares, Price: price, PlacedAt: tradingTuesday,
	}
}

func TestPaperExecutor_RejectsSameDayDuplicateEntry(t *testing.T) {
	e := newPaper(t, filepath.Join(t.TempDir(), "orders.jsonl"))
	ctx := context.Background()

	_, err := e.Execute(ctx, buyOrder("AAPL", 100, 100))
	require.NoError(t, err)

	_, err = e.Execute(ctx, buyOrder("AAPL", 50, 100))
	require.ErrorIs(t, err, ErrDuplicateOrder)

	// Exits are never keyed.
	_, err = e.Execute(ctx, sellOrder("o-sell", "AAPL", 100, 110))
	require.NoError(t, err)
}

func TestPaperExecutor_SecondExitSameDayFills(t *testing.T) {
	// A stop-out followed by a re-entry can need a second sell before the
	// day is over; it must fill.
	e := newPaper(t, filepath.Join(t.TempDir(), "orders.jsonl"))
	ctx := context.Background()

	_, err := e.Execute(ctx, sellOrder("o-sell-1", "AAPL", 100, 90))
	require.NoError(t, err)

	fill, err := e.Execute(ctx, sellOrder("o-sell-2", "AAPL", 100, 88))
	require.NoError(t, err)
	assert.Equal(t, 88.0, fill.Price)
}

func TestPaperExecutor_IdempotencySurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.jsonl")
	ctx := context.Background()

	e := newPaper(t, path)
	_, err := e.Execute(ctx, buyOrder("AAPL", 100, 100))
	require.NoError(t, err)

	restarted, err := NewPaperExecutor(path)
	require.NoError(t, err)
	restarted.now = e.now
	// loadKeys ran against the real clock; rebuild against the fake day.
	restarted.seen = map[string]bool{}
	require.NoError(t, restarted.loadKeys())

	_, err = restarted.Execute(ctx, buyOrder("AAPL", 100, 100))
	require.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestPaperExecutor_RejectsDegenerateOrders(t *testing.T) {
	e := newPaper(t, filepath.Join(t.TempDir(), "orders.jsonl"))
	ctx := context.Background()

	_, err := e.Execute(ctx, buyOrder("AAPL", 0, 100))
	require.Error(t, err)
	_, err = e.Execute(ctx, buyOrder("AAPL", 10, 0))
	require.Error(t, err)
}
