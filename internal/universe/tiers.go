// Package universe maintains the score-tiered opportunity sets and the
// weekly batch rotation that drives daily scanning. Tier membership is a
// pure function of the latest composite score; the package owns merging
// fresh scan results into the persisted sets and expiring entries that
// have not been re-scored recently enough to trust.
package universe

import (
	"math"
	"sort"
	"time"

	"stockscout/internal/scoring"
)

// Tier is an actionability bucket derived from the composite score.
type Tier string

const (
	TierHot      Tier = "hot"      // >= 80
	TierWarming  Tier = "warming"  // 70..79
	TierWatching Tier = "watching" // 60..69
	TierNone     Tier = "none"     // below 60, not tracked
)

// TierFor maps a composite score to its tier. There is no hysteresis
// band: a ticker oscillating around a boundary re-tiers on every pass.
func TierFor(composite float64) Tier {
	switch {
	case composite >= 80:
		return TierHot
	case composite >= 70:
		return TierWarming
	case composite >= 60:
		return TierWatching
	default:
		return TierNone
	}
}

// TradePlan is the price framework attached to an entry at scan time.
// Values are rounded to cents so the persisted sets match what a broker
// order would carry.
type TradePlan struct {
	Entry      float64 `json:"entry"`
	Stop       float64 `json:"stop"`
	Target     float64 `json:"target"`
	RiskReward float64 `json:"risk_reward"`
}

// NewTradePlan derives stop and target from the scan price. stopPct and
// targetPct are fractions of entry (0.10 means a stop 10% below entry).
func NewTradePlan(price, stopPct, targetPct float64) TradePlan {
	p := TradePlan{
		Entry:  round2(price),
		Stop:   round2(price * (1 - stopPct)),
		Target: round2(price * (1 + targetPct)),
	}
	if p.Entry > p.Stop {
		p.RiskReward = round2((p.Target - p.Entry) / (p.Entry - p.Stop))
	}
	return p
}

func round2(x float64) float64 { return math.Round(x*100) / 100 }

// Entry is one tiered ticker: its latest score, the trade plan computed
// at scan time, and when it was last scored. Tier is recomputed from the
// score on every rebucket, so a loaded entry never keeps a tier its
// score no longer supports.
type Entry struct {
	Ticker    string        `json:"ticker"`
	Sector    string        `json:"sector"`
	Tier      Tier          `json:"tier"`
	Score     scoring.Score `json:"score"`
	Plan      TradePlan     `json:"plan"`
	ScannedAt time.Time     `json:"scanned_at"`
}

// Tiers holds the three tracked sets, each sorted by descending
// composite score.
type Tiers struct {
	Hot      []Entry `json:"hot"`
	Warming  []Entry `json:"warming"`
	Watching []Entry `json:"watching"`
}

// All returns every tracked entry across the three tiers.
func (t *Tiers) All() []Entry {
	out := make([]Entry, 0, len(t.Hot)+len(t.Warming)+len(t.Watching))
	out = append(out, t.Hot...)
	out = append(out, t.Warming...)
	out = append(out, t.Watching...)
	return out
}

// Active returns the hot and warming entries, the set that is re-scored
// every day regardless of batch.
func (t *Tiers) Active() []Entry {
	out := make([]Entry, 0, len(t.Hot)+len(t.Warming))
	out = append(out, t.Hot...)
	out = append(out, t.Warming...)
	return out
}

// Counts reports the size of each tier.
func (t *Tiers) Counts() (hot, warming, watching int) {
	return len(t.Hot), len(t.Warming), len(t.Watching)
}

// Lookup finds a tracked entry by ticker.
func (t *Tiers) Lookup(ticker string) (Entry, bool) {
	for _, e := range t.All() {
		if e.Ticker == ticker {
			return e, true
		}
	}
	return Entry{}, false
}

// merge folds fresh scan results into the existing entries. A fresh
// result replaces the existing entry for its ticker outright, stale
// score included, because a re-scored ticker's old score is no longer
// meaningful. When one pass somehow produces two results for the same
// ticker the higher composite wins.
func merge(existing, fresh []Entry) []Entry {
	merged := make(map[string]Entry, len(existing)+len(fresh))
	scanned := make(map[string]bool, len(fresh))
	for _, e := range existing {
		merged[e.Ticker] = e
	}
	for _, e := range fresh {
		if prev, ok := merged[e.Ticker]; ok && scanned[e.Ticker] && prev.Score.Composite > e.Score.Composite {
			continue
		}
		merged[e.Ticker] = e
		scanned[e.Ticker] = true
	}
	out := make([]Entry, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	return out
}

// rebucket assigns each entry to the tier its composite score demands
// and drops everything below the watching floor. Each tier comes back
// sorted by descending score, ties broken by ticker for stable output.
func rebucket(entries []Entry) *Tiers {
	t := &Tiers{}
	for _, e := range entries {
		e.Tier = TierFor(e.Score.Composite)
		switch e.Tier {
		case TierHot:
			t.Hot = append(t.Hot, e)
		case TierWarming:
			t.Warming = append(t.Warming, e)
		case TierWatching:
			t.Watching = append(t.Watching, e)
		}
	}
	sortByScore(t.Hot)
	sortByScore(t.Warming)
	sortByScore(t.Watching)
	return t
}

func sortByScore(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score.Composite != entries[j].Score.Composite {
			return entries[i].Score.Composite > entries[j].Score.Composite
		}
		return entries[i].Ticker < entries[j].Ticker
	})
}

// dropStale removes entries that have not been re-scored within their
// tier's horizon. Hot and warming entries expire fast because the
// trading engine acts on them; watching entries tolerate a full batch
// rotation. Returns the dropped tickers for logging.
func dropStale(t *Tiers, now time.Time, activeTTL, watchingTTL time.Duration) []string {
	var dropped []string
	t.Hot, dropped = keepFresh(t.Hot, now, activeTTL, dropped)
	t.Warming, dropped = keepFresh(t.Warming, now, activeTTL, dropped)
	t.Watching, dropped = keepFresh(t.Watching, now, watchingTTL, dropped)
	return dropped
}

func keepFresh(entries []Entry, now time.Time, ttl time.Duration, dropped []string) ([]Entry, []string) {
	kept := entries[:0]
	for _, e := range entries {
		if now.Sub(e.ScannedAt) > ttl {
			dropped = append(dropped, e.Ticker)
			continue
		}
		kept = append(kept, e)
	}
	return kept, dropped
}
