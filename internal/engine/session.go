package engine

import (
	"fmt"
	"time"
)

// Session is the trading window: weekdays between open and close in the
// exchange's own timezone.
type Session struct {
	openMin  int // minutes past local midnight
	closeMin int
	loc      *time.Location
}

// NewSession parses "HH:MM" bounds in the named IANA timezone.
func NewSession(open, close, timezone string) (Session, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Session{}, fmt.Errorf("session timezone: %w", err)
	}
	openMin, err := parseClock(open)
	if err != nil {
		return Session{}, fmt.Errorf("session open: %w", err)
	}
	closeMin, err := parseClock(close)
	if err != nil {
		return Session{}, fmt.Errorf("session close: %w", err)
	}
	if closeMin <= openMin {
		return Session{}, fmt.Errorf("session close %s is not after open %s", close, open)
	}
	return Session{openMin: openMin, closeMin: closeMin, loc: loc}, nil
}

// IsOpen reports whether t falls inside the session. The close bound is
// exclusive: at 16:00 sharp the market counts as closed. A zero-value
// Session was never configured and fails closed.
func (s Session) IsOpen(t time.Time) bool {
	if s.loc == nil {
		return false
	}
	local := t.In(s.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	min := local.Hour()*60 + local.Minute()
	return min >= s.openMin && min < s.closeMin
}

func parseClock(v string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", v)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", v)
	}
	return h*60 + m, nil
}
