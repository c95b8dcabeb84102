// Package ratelimit provides dual-window admission control for the
// strictly-limited fundamentals provider. A sliding 60-second window and a
// per-day counter are enforced together, plus a minimum inter-call delay so
// bursts are smoothed even when both windows have headroom.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stockscout/internal/observ"
)

const minuteWindow = time.Minute

// slack added to window waits so a freed slot is really free when we wake
const wakeBuffer = 100 * time.Millisecond

// Config holds limiter ceilings. Zero values get conservative defaults.
type Config struct {
	PerMinute int           // default 48
	PerDay    int           // default 900
	MinDelay  time.Duration // default 1s
}

// Status reports current headroom in both windows.
type Status struct {
	MinuteUsed      int       `json:"minute_used"`
	MinuteRemaining int       `json:"minute_remaining"`
	DayUsed         int       `json:"day_used"`
	DayRemaining    int       `json:"day_remaining"`
	DayResetAt      time.Time `json:"day_reset_at"`
	SafeToCall      bool      `json:"safe_to_call"`
}

// Limiter admits calls under both ceilings. All mutation happens under one
// mutex; Acquire never sleeps while holding it.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	minute   []time.Time
	dayCount int
	dayReset time.Time
	pacer    *rate.Limiter

	now func() time.Time
}

// New creates a limiter with defaults applied for zero config values.
func New(cfg Config) *Limiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 48
	}
	if cfg.PerDay <= 0 {
		cfg.PerDay = 900
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = time.Second
	}
	l := &Limiter{
		cfg:   cfg,
		pacer: rate.NewLimiter(rate.Every(cfg.MinDelay), 1),
		now:   time.Now,
	}
	l.dayReset = nextMidnightUTC(l.now())
	return l
}

// Acquire blocks until a call is admissible under both windows, records it,
// then waits out the inter-call pacer. Returns early only when ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		if l.admit(now) {
			l.mu.Unlock()
			observ.IncCounter("ratelimit_acquired_total", nil)
			// Pacer last, so consecutive returns are spaced by MinDelay.
			return l.pacer.Wait(ctx)
		}

		wait, window := l.waitHint(now)
		l.mu.Unlock()

		observ.IncCounter("ratelimit_blocked_total", map[string]string{"window": window})
		observ.ObserveDuration("ratelimit_wait", wait, map[string]string{"window": window})

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// admit records a call when both windows have headroom. Caller holds mu.
func (l *Limiter) admit(now time.Time) bool {
	l.rollDay(now)
	l.pruneMinute(now)
	if len(l.minute) >= l.cfg.PerMinute || l.dayCount >= l.cfg.PerDay {
		return false
	}
	l.minute = append(l.minute, now)
	l.dayCount++
	observ.SetGauge("ratelimit_minute_remaining", float64(l.cfg.PerMinute-len(l.minute)), nil)
	observ.SetGauge("ratelimit_day_remaining", float64(l.cfg.PerDay-l.dayCount), nil)
	return true
}

// waitHint computes how long until the binding window could free a slot.
// Caller holds the lock.
func (l *Limiter) waitHint(now time.Time) (time.Duration, string) {
	if l.dayCount >= l.cfg.PerDay {
		d := l.dayReset.Sub(now) + wakeBuffer
		if d < wakeBuffer {
			d = wakeBuffer
		}
		return d, "day"
	}
	oldest := l.minute[0]
	d := oldest.Add(minuteWindow).Sub(now) + wakeBuffer
	if d < wakeBuffer {
		d = wakeBuffer
	}
	return d, "minute"
}

// Status returns current headroom. SafeToCall mirrors the scan planner's
// threshold: enough left in the minute window for a burst and enough daily
// budget that a full batch will not strand mid-scan.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.rollDay(now)
	l.pruneMinute(now)

	s := Status{
		MinuteUsed:      len(l.minute),
		MinuteRemaining: l.cfg.PerMinute - len(l.minute),
		DayUsed:         l.dayCount,
		DayRemaining:    l.cfg.PerDay - l.dayCount,
		DayResetAt:      l.dayReset,
	}
	s.SafeToCall = s.MinuteRemaining > 5 && s.DayRemaining > 50
	return s
}

// Reset clears both windows immediately. Administrative and test use.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minute = nil
	l.dayCount = 0
	l.dayReset = nextMidnightUTC(l.now())
	l.pacer = rate.NewLimiter(rate.Every(l.cfg.MinDelay), 1)
}

func (l *Limiter) pruneMinute(now time.Time) {
	cut := 0
	for cut < len(l.minute) && now.Sub(l.minute[cut]) >= minuteWindow {
		cut++
	}
	if cut > 0 {
		l.minute = append(l.minute[:0], l.minute[cut:]...)
	}
}

func (l *Limiter) rollDay(now time.Time) {
	if now.Before(l.dayReset) {
		return
	}
	l.dayCount = 0
	l.dayReset = nextMidnightUTC(now)
	observ.Log("ratelimit_day_reset", map[string]any{
		"next_reset": l.dayReset.Format(time.RFC3339),
	})
}

func nextMidnightUTC(now time.Time) time.Time {
	t := now.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
