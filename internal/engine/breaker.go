package engine

import (
	"sync"
	"time"

	"stockscout/internal/observ"
)

// Breaker is the daily-loss circuit breaker. Once tripped it stays
// tripped for the rest of the UTC day; a new day clears it, as does an
// explicit Reset. State lives on the instance so engines in parallel
// tests never interfere.
type Breaker struct {
	mu      sync.Mutex
	tripped bool
	reason  string
	day     string

	now func() time.Time
}

func NewBreaker() *Breaker {
	return &Breaker{now: time.Now}
}

// Trip pauses new entries with the given reason. Re-tripping an already
// tripped breaker keeps the original reason.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	if b.tripped {
		return
	}
	b.tripped = true
	b.reason = reason
	observ.IncCounter("breaker_trips", nil)
	observ.Log("breaker_tripped", map[string]any{"reason": reason})
}

// Tripped reports whether the breaker currently blocks new entries.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	return b.tripped
}

// Reason returns the recorded trip reason, or "" when not tripped.
func (b *Breaker) Reason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	return b.reason
}

// Reset clears the breaker manually.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		observ.Log("breaker_reset", map[string]any{"was_reason": b.reason})
	}
	b.tripped = false
	b.reason = ""
}

// rolloverLocked clears the breaker when the UTC day it tripped on has
// passed.
func (b *Breaker) rolloverLocked() {
	today := dayKey(b.now())
	if b.day == today {
		return
	}
	if b.tripped {
		observ.Log("breaker_cleared", map[string]any{"was_reason": b.reason, "day": today})
	}
	b.day = today
	b.tripped = false
	b.reason = ""
}
