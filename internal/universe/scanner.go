package universe

import (
	"context"
	"sync"
	"time"

	"stockscout/internal/adapters"
	"stockscout/internal/config"
	"stockscout/internal/observ"
	"stockscout/internal/scoring"
)

// strongExchanges are the listing venues admitted by the universe
// filter. OTC and grey-market listings never qualify regardless of
// score.
var strongExchanges = map[string]bool{
	"XNYS": true, // NYSE
	"XNAS": true, // Nasdaq
	"XASE": true, // NYSE American
	"ARCX": true, // NYSE Arca
	"BATS": true, // Cboe BZX
}

// ScannerConfig carries the admission filters and pool width.
type ScannerConfig struct {
	Filters   config.Filters
	Workers   int
	StopPct   float64
	TargetPct float64
}

// Scanner scores tickers through a bounded worker pool. Workers share
// nothing but the snapshot source; results are collected under a single
// mutex and merged by the caller.
type Scanner struct {
	src       *adapters.Source
	filters   config.Filters
	workers   int
	stopPct   float64
	targetPct float64
	now       func() time.Time
}

func NewScanner(src *adapters.Source, cfg ScannerConfig) *Scanner {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.StopPct <= 0 {
		cfg.StopPct = 0.10
	}
	if cfg.TargetPct <= 0 {
		cfg.TargetPct = 0.15
	}
	return &Scanner{
		src:       src,
		filters:   cfg.Filters,
		workers:   cfg.Workers,
		stopPct:   cfg.StopPct,
		targetPct: cfg.TargetPct,
		now:       time.Now,
	}
}

// Job is one ticker to score. Exempt jobs bypass the admission filters:
// tickers already in the hot or warming tiers are retained or dropped
// on score alone, so a reference-data outage cannot wipe the active
// sets.
type Job struct {
	Ticker string
	Sector string
	Exempt bool
}

// Stats summarizes one scan pass.
type Stats struct {
	Scored   int
	Filtered int
	Errors   int
}

// Scan fans the jobs out across the worker pool and returns the scored
// entries. Per-ticker failures are logged and skipped; they never abort
// the pass.
func (s *Scanner) Scan(ctx context.Context, jobs []Job) ([]Entry, Stats) {
	if len(jobs) == 0 {
		return nil, Stats{}
	}

	workers := s.workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	var (
		mu      sync.Mutex
		entries []Entry
		stats   Stats
		wg      sync.WaitGroup
	)
	feed := make(chan Job)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range feed {
				entry, err := s.scanOne(ctx, job)
				mu.Lock()
				switch {
				case err != nil:
					stats.Errors++
				case entry == nil:
					stats.Filtered++
				default:
					entries = append(entries, *entry)
					stats.Scored++
				}
				mu.Unlock()
			}
		}()
	}

feeding:
	for _, job := range jobs {
		select {
		case feed <- job:
		case <-ctx.Done():
			break feeding
		}
	}
	close(feed)
	wg.Wait()

	observ.IncCounterBy("universe_tickers_scored", nil, int64(stats.Scored))
	if stats.Errors > 0 {
		observ.IncCounterBy("universe_scan_errors", nil, int64(stats.Errors))
	}
	return entries, stats
}

// scanOne assembles the snapshot, applies admission filters unless the
// job is exempt, and scores. A nil entry with nil error means the
// ticker was filtered out.
func (s *Scanner) scanOne(ctx context.Context, job Job) (*Entry, error) {
	snap, err := s.src.Snapshot(ctx, job.Ticker, job.Sector)
	if err != nil {
		observ.LogError("scan_ticker_failed", err, map[string]any{"ticker": job.Ticker})
		return nil, err
	}
	if !job.Exempt {
		if reason := s.admissionFailure(snap); reason != "" {
			observ.LogDebug("scan_ticker_filtered", map[string]any{
				"ticker": snap.Ticker,
				"reason": reason,
			})
			return nil, nil
		}
	}

	score := scoring.Evaluate(snap)
	entry := &Entry{
		Ticker:    snap.Ticker,
		Sector:    snap.Sector,
		Tier:      TierFor(score.Composite),
		Score:     score,
		Plan:      NewTradePlan(snap.Price, s.stopPct, s.targetPct),
		ScannedAt: s.now(),
	}
	return entry, nil
}

// admissionFailure reports why a snapshot fails the universe filters,
// or "" when it qualifies. Missing reference data fails closed: a
// ticker whose market cap or exchange cannot be established is not
// admitted.
func (s *Scanner) admissionFailure(snap *adapters.Snapshot) string {
	if snap.Price < s.filters.MinPrice {
		return "price"
	}
	if snap.MarketCap < s.filters.MinMarketCap {
		return "market_cap"
	}
	if !strongExchanges[snap.Exchange] {
		return "exchange"
	}
	if s.filters.MinAvgVolume > 0 && averageVolume(snap) < s.filters.MinAvgVolume {
		return "volume"
	}
	return ""
}

// averageVolume is the mean daily volume over the most recent 20 bars,
// falling back to the live quote's volume when history is missing.
func averageVolume(snap *adapters.Snapshot) int64 {
	bars := snap.Bars
	if len(bars) == 0 {
		return snap.Volume
	}
	if len(bars) > 20 {
		bars = bars[len(bars)-20:]
	}
	var total int64
	for _, b := range bars {
		total += b.Volume
	}
	return total / int64(len(bars))
}
