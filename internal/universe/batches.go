package universe

import (
	"time"

	"stockscout/internal/adapters"
	"stockscout/internal/config"
)

const weekdayBatches = 5

// Universe is the configured instrument list flattened in sector-group
// order. The order is what makes the weekly batch partition stable: as
// long as the config does not change, a ticker lands in the same batch
// every week.
type Universe struct {
	tickers []string
	sectors map[string]string
}

// NewUniverse flattens the configured sector groups, normalizing
// tickers and dropping duplicates while preserving first-seen order.
func NewUniverse(groups []config.SectorGroup) *Universe {
	u := &Universe{sectors: make(map[string]string)}
	for _, g := range groups {
		for _, raw := range g.Tickers {
			t := adapters.NormalizeTicker(raw)
			if t == "" {
				continue
			}
			if _, ok := u.sectors[t]; ok {
				continue
			}
			u.tickers = append(u.tickers, t)
			u.sectors[t] = g.Name
		}
	}
	return u
}

// Size returns the number of distinct tickers.
func (u *Universe) Size() int { return len(u.tickers) }

// Tickers returns the flattened ticker list in partition order.
func (u *Universe) Tickers() []string {
	out := make([]string, len(u.tickers))
	copy(out, u.tickers)
	return out
}

// Sector returns the configured sector group for a ticker, or "" when
// the ticker is not in the universe (it may still be tiered from an
// older configuration).
func (u *Universe) Sector(ticker string) string {
	return u.sectors[ticker]
}

// Batch returns the slice of the universe scanned on the given weekday.
// The universe is cut into five approximately-equal contiguous batches,
// Monday through Friday; weekends get no batch (Saturday re-scores the
// active tiers only, Sunday is idle).
func (u *Universe) Batch(day time.Weekday) []string {
	idx, ok := batchIndex(day)
	if !ok {
		return nil
	}
	n := len(u.tickers)
	lo := idx * n / weekdayBatches
	hi := (idx + 1) * n / weekdayBatches
	out := make([]string, hi-lo)
	copy(out, u.tickers[lo:hi])
	return out
}

func batchIndex(day time.Weekday) (int, bool) {
	if day < time.Monday || day > time.Friday {
		return 0, false
	}
	return int(day - time.Monday), true
}
