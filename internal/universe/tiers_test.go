package universe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockscout/internal/scoring"
)

func TestTierFor(t *testing.T) {
	tests := []struct {
		name      string
		composite float64
		want      Tier
	}{
		{"well_into_hot", 95, TierHot},
		{"hot_boundary", 80, TierHot},
		{"just_under_hot", 79.9, TierWarming},
		{"warming", 75, TierWarming},
		{"warming_boundary", 70, TierWarming},
		{"just_under_warming", 69.9, TierWatching},
		{"watching", 65, TierWatching},
		{"watching_boundary", 60, TierWatching},
		{"just_under_watching", 59.9, TierNone},
		{"cold", 40, TierNone},
		{"zero", 0, TierNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TierFor(tt.composite))
		})
	}
}

func entryWithScore(ticker string, composite float64, scannedAt time.Time) Entry {
	return Entry{
		Ticker:    ticker,
		Sector:    "Technology",
		Score:     scoring.Score{Ticker: ticker, Composite: composite},
		Plan:      NewTradePlan(100, 0.10, 0.15),
		ScannedAt: scannedAt,
	}
}

func TestRebucket_PartitionsByScore(t *testing.T) {
	now := time.Date(2026, 8, 19, 15, 0, 0, 0, time.UTC)
	entries := []Entry{
		entryWithScore("AAA", 95, now),
		entryWithScore("BBB", 72, now),
		entryWithScore("CCC", 65, now),
		entryWithScore("DDD", 58, now),
		entryWithScore("EEE", 82, now),
	}

	tiers := rebucket(entries)

	require.Len(t, tiers.Hot, 2)
	assert.Equal(t, "AAA", tiers.Hot[0].Ticker)
	assert.Equal(t, "EEE", tiers.Hot[1].Ticker)
	require.Len(t, tiers.Warming, 1)
	assert.Equal(t, "BBB", tiers.Warming[0].Ticker)
	require.Len(t, tiers.Watching, 1)
	assert.Equal(t, "CCC", tiers.Watching[0].Ticker)

	_, tracked := tiers.Lookup("DDD")
	assert.False(t, tracked, "sub-60 scores are not tracked")

	for _, e := range tiers.Hot {
		assert.Equal(t, TierHot, e.Tier)
	}
	assert.Equal(t, TierWarming, tiers.Warming[0].Tier)
	assert.Equal(t, TierWatching, tiers.Watching[0].Tier)
}

// A ticker straddling the 80 boundary re-tiers on every pass. There is
// no hysteresis band; this documents the oscillation rather than hiding
// it.
func TestRebucket_NoHysteresisAtBoundary(t *testing.T) {
	now := time.Date(2026, 8, 19, 15, 0, 0, 0, time.UTC)

	first := rebucket([]Entry{entryWithScore("OSC", 79.6, now)})
	require.Len(t, first.Warming, 1)
	assert.Empty(t, first.Hot)

	second := rebucket([]Entry{entryWithScore("OSC", 80.4, now)})
	require.Len(t, second.Hot, 1)
	assert.Empty(t, second.Warming)

	third := rebucket([]Entry{entryWithScore("OSC", 79.6, now)})
	require.Len(t, third.Warming, 1)
	assert.Empty(t, third.Hot)
}

func TestRebucket_TiesSortByTicker(t *testing.T) {
	now := time.Date(2026, 8, 19, 15, 0, 0, 0, time.UTC)
	tiers := rebucket([]Entry{
		entryWithScore("ZZZ", 85, now),
		entryWithScore("MMM", 85, now),
		entryWithScore("AAA", 85, now),
	})
	require.Len(t, tiers.Hot, 3)
	assert.Equal(t, "AAA", tiers.Hot[0].Ticker)
	assert.Equal(t, "MMM", tiers.Hot[1].Ticker)
	assert.Equal(t, "ZZZ", tiers.Hot[2].Ticker)
}

func TestMerge(t *testing.T) {
	now := time.Date(2026, 8, 19, 15, 0, 0, 0, time.UTC)
	earlier := now.Add(-24 * time.Hour)

	t.Run("fresh_result_replaces_existing", func(t *testing.T) {
		existing := []Entry{entryWithScore("AAPL", 91, earlier)}
		fresh := []Entry{entryWithScore("AAPL", 76, now)}

		out := merge(existing, fresh)

		require.Len(t, out, 1)
		assert.Equal(t, 76.0, out[0].Score.Composite, "a re-scored ticker keeps the fresh score even when lower")
		assert.Equal(t, now, out[0].ScannedAt)
	})

	t.Run("duplicate_within_pass_keeps_higher", func(t *testing.T) {
		fresh := []Entry{
			entryWithScore("MSFT", 70, now),
			entryWithScore("MSFT", 75, now),
		}
		out := merge(nil, fresh)
		require.Len(t, out, 1)
		assert.Equal(t, 75.0, out[0].Score.Composite)
	})

	t.Run("unscanned_existing_entries_survive", func(t *testing.T) {
		existing := []Entry{
			entryWithScore("AAPL", 91, earlier),
			entryWithScore("NVDA", 83, earlier),
		}
		fresh := []Entry{entryWithScore("AAPL", 88, now)}

		out := merge(existing, fresh)

		require.Len(t, out, 2)
		byTicker := map[string]Entry{}
		for _, e := range out {
			byTicker[e.Ticker] = e
		}
		assert.Equal(t, 88.0, byTicker["AAPL"].Score.Composite)
		assert.Equal(t, 83.0, byTicker["NVDA"].Score.Composite)
		assert.Equal(t, earlier, byTicker["NVDA"].ScannedAt)
	})
}

func TestDropStale(t *testing.T) {
	now := time.Date(2026, 8, 19, 15, 0, 0, 0, time.UTC)
	activeTTL := 24 * time.Hour
	watchingTTL := 7 * 24 * time.Hour

	tiers := rebucket([]Entry{
		entryWithScore("HFRS", 91, now.Add(-2*time.Hour)),
		entryWithScore("HOLD", 90, now.Add(-25*time.Hour)),
		entryWithScore("WFRS", 76, now.Add(-23*time.Hour)),
		entryWithScore("WTCH", 65, now.Add(-6*24*time.Hour)),
		entryWithScore("WOLD", 64, now.Add(-8*24*time.Hour)),
	})

	dropped := dropStale(tiers, now, activeTTL, watchingTTL)

	assert.ElementsMatch(t, []string{"HOLD", "WOLD"}, dropped)
	require.Len(t, tiers.Hot, 1)
	assert.Equal(t, "HFRS", tiers.Hot[0].Ticker)
	require.Len(t, tiers.Warming, 1)
	assert.Equal(t, "WFRS", tiers.Warming[0].Ticker)
	require.Len(t, tiers.Watching, 1)
	assert.Equal(t, "WTCH", tiers.Watching[0].Ticker)
}

func TestNewTradePlan(t *testing.T) {
	t.Run("default_stop_and_target", func(t *testing.T) {
		plan := NewTradePlan(103, 0.10, 0.15)
		assert.Equal(t, 103.0, plan.Entry)
		assert.Equal(t, 92.7, plan.Stop)
		assert.Equal(t, 118.45, plan.Target)
		assert.Equal(t, 1.5, plan.RiskReward)
	})

	t.Run("custom_percents", func(t *testing.T) {
		plan := NewTradePlan(50, 0.05, 0.20)
		assert.Equal(t, 50.0, plan.Entry)
		assert.Equal(t, 47.5, plan.Stop)
		assert.Equal(t, 60.0, plan.Target)
		assert.Equal(t, 4.0, plan.RiskReward)
	})

	t.Run("sub_cent_price_degenerates_safely", func(t *testing.T) {
		// Rounding collapses entry and stop to the same cent; the plan
		// must not divide by zero.
		plan := NewTradePlan(0.01, 0.10, 0.15)
		assert.Equal(t, plan.Entry, plan.Stop)
		assert.Equal(t, 0.0, plan.RiskReward)
	})
}

func TestTiersActive(t *testing.T) {
	now := time.Date(2026, 8, 19, 15, 0, 0, 0, time.UTC)
	tiers := rebucket([]Entry{
		entryWithScore("AAA", 95, now),
		entryWithScore("BBB", 72, now),
		entryWithScore("CCC", 65, now),
	})
	active := tiers.Active()
	require.Len(t, active, 2)
	tickers := []string{active[0].Ticker, active[1].Ticker}
	assert.ElementsMatch(t, []string{"AAA", "BBB"}, tickers)
}
