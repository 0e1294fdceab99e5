package generic

import (
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injectable wall clock
// =============================================================================

// Clock supplies the current time. Posting times, audit timestamps and
// recovery grace periods all read through it so tests can pin time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a settable instant. Safe for concurrent use.
type FixedClock struct {
	mu sync.Mutex
	at time.Time
}

func NewFixedClock(at time.Time) *FixedClock {
	return &FixedClock{at: at.UTC()}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *FixedClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = at.UTC()
}

// Advance moves the clock forward and returns the new instant.
func (c *FixedClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
	return c.at
}

// =============================================================================
// HELPERS
// =============================================================================

// WholeMinutes rounds a duration to minutes, never below zero.
func WholeMinutes(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d.Round(time.Minute) / time.Minute)
}

// FormatTimestamp renders t as RFC3339 in UTC; the zero time renders empty.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp is the inverse of FormatTimestamp.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
