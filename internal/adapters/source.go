package adapters

import (
	"context"
	"errors"
	"time"

	"stockscout/internal/observ"
	"stockscout/internal/ratelimit"
)

// fundamentalsRetryDelays is the per-attempt wait before each fundamentals
// fetch. Three attempts total.
var fundamentalsRetryDelays = []time.Duration{0, 2 * time.Second, 4 * time.Second}

// Source is the single entry point the scanner and trading engine use for
// market data. It assembles scoring snapshots from the primary provider and
// wraps every secondary-provider call in a rate-limiter admission, degrading
// to neutral fundamentals when the secondary stays unreachable.
type Source struct {
	market      MarketData
	funds       FundamentalsProvider
	limiter     *ratelimit.Limiter
	historyDays int

	// sleep is swapped out in tests to skip real retry waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSource wires the providers behind one facade. historyDays bounds the
// daily-bar window fetched for each snapshot.
func NewSource(market MarketData, funds FundamentalsProvider, limiter *ratelimit.Limiter, historyDays int) *Source {
	if historyDays <= 0 {
		historyDays = 250
	}
	return &Source{
		market:      market,
		funds:       funds,
		limiter:     limiter,
		historyDays: historyDays,
		sleep:       sleepCtx,
	}
}

// Snapshot assembles everything the scorer needs for one ticker. A quote
// failure fails the snapshot; missing bars or reference data degrade to
// neutral handling downstream instead.
func (s *Source) Snapshot(ctx context.Context, ticker, sector string) (*Snapshot, error) {
	start := time.Now()

	quote, err := s.market.Quote(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if err := ValidateQuote(quote); err != nil {
		return nil, NewBadResponseError(quote.Source, ticker, err.Error(), nil)
	}

	bars, err := s.market.DailyBars(ctx, ticker, s.historyDays)
	if err != nil {
		observ.Log("snapshot_bars_missing", map[string]any{
			"ticker": ticker,
			"error":  err.Error(),
		})
		bars = nil
	}

	var marketCap float64
	var exchange string
	company, err := s.market.Company(ctx, ticker)
	if err != nil {
		observ.Log("snapshot_reference_missing", map[string]any{
			"ticker": ticker,
			"error":  err.Error(),
		})
	} else {
		marketCap = company.MarketCap
		exchange = company.Exchange
	}

	fundamentals := s.FundamentalsFor(ctx, ticker)

	observ.ObserveDuration("snapshot_assembly", time.Since(start), nil)
	observ.IncCounter("snapshots_total", nil)

	return &Snapshot{
		Ticker:       ticker,
		Sector:       sector,
		Price:        quote.Price,
		Volume:       quote.Volume,
		MarketCap:    marketCap,
		Exchange:     exchange,
		Bars:         bars,
		Fundamentals: fundamentals,
		FetchedAt:    time.Now().UTC(),
	}, nil
}

// Price returns the current price for one ticker. Used by the position
// monitor, which needs quotes but not full snapshots.
func (s *Source) Price(ctx context.Context, ticker string) (float64, error) {
	quote, err := s.market.Quote(ctx, ticker)
	if err != nil {
		return 0, err
	}
	if quote.Price <= 0 {
		return 0, NewBadResponseError(quote.Source, ticker, "non-positive price", nil)
	}
	return quote.Price, nil
}

// FundamentalsFor fetches ratios from the secondary provider with retries.
// Every attempt first takes a limiter admission, so retries can never push
// the call rate over the provider ceilings. After the last attempt the
// result degrades to documented neutral values instead of failing.
func (s *Source) FundamentalsFor(ctx context.Context, ticker string) FundamentalsResult {
	var lastErr error
	for attempt, delay := range fundamentalsRetryDelays {
		if delay > 0 {
			if err := s.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		if err := s.limiter.Acquire(ctx); err != nil {
			lastErr = err
			break
		}

		f, err := s.funds.Fundamentals(ctx, ticker)
		if err == nil {
			observ.IncCounter("fundamentals_fetched_total", nil)
			return FundamentalsResult{Fundamentals: *f}
		}

		lastErr = err
		if !IsTransient(err) {
			break
		}
		observ.Log("fundamentals_retry", map[string]any{
			"ticker":  ticker,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}

	reason := "unknown"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	observ.IncCounter("fundamentals_degraded_total", nil)
	observ.Log("fundamentals_degraded", map[string]any{
		"ticker": ticker,
		"reason": reason,
	})
	return FundamentalsResult{
		Fundamentals: NeutralFundamentals(),
		Degraded:     true,
		Reason:       reason,
	}
}

// LimiterStatus exposes secondary-provider budget usage for the status
// surface.
func (s *Source) LimiterStatus() ratelimit.Status {
	return s.limiter.Status()
}

// HealthCheck probes the primary provider.
func (s *Source) HealthCheck(ctx context.Context) error {
	return s.market.HealthCheck(ctx)
}

// Close releases both providers.
func (s *Source) Close() error {
	return errors.Join(s.market.Close(), s.funds.Close())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
