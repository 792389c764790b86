// Package scheduling spreads periodic work across a fleet of devices and
// evaluates cron windows for presets.
package scheduling

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zeebo/blake3"
)

// Variance returns a stable offset in [0, v) derived from deviceID, so
// that devices sharing a refresh interval do not all fire at once.
func Variance(deviceID string, v int64) int64 {
	if v <= 0 {
		return 0
	}
	sum := blake3.Sum256([]byte(deviceID))
	return int64(binary.BigEndian.Uint64(sum[:8]) % uint64(v))
}

// Interval returns the start of the interval of length i containing t,
// with interval boundaries shifted by offset. All values share a unit.
func Interval(t, i, offset int64) int64 {
	if i <= 0 {
		return t
	}
	n := t + offset
	q := n / i
	if n%i < 0 {
		q--
	}
	return q*i - offset
}

// Schedule is a parsed cron expression.
type Schedule struct {
	expr  string
	sched cron.Schedule
}

// ParseCron parses a standard five-field cron expression (or a
// descriptor such as "@daily").
func ParseCron(expr string) (*Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing cron %q: %w", expr, err)
	}
	return &Schedule{expr: expr, sched: sched}, nil
}

// String returns the source expression.
func (s *Schedule) String() string { return s.expr }

// Next returns the first activation strictly after t.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.sched.Next(t)
}

// InWindow reports whether t falls inside an activation window, that is
// within duration after the most recent activation at or before t.
func (s *Schedule) InWindow(t time.Time, duration time.Duration) bool {
	if duration <= 0 {
		return false
	}
	next := s.sched.Next(t.Add(-duration))
	return !next.After(t)
}
