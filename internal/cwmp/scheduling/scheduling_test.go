package scheduling

import (
	"encoding/binary"
	"strconv"
	"testing"
	"time"

	"github.com/zeebo/blake3"
)

func TestVariance(t *testing.T) {
	a := Variance("001122-Router-SN1", 3600)
	b := Variance("001122-Router-SN1", 3600)
	if a != b {
		t.Error("Variance must be stable for a device")
	}
	if a < 0 || a >= 3600 {
		t.Errorf("Variance() = %d, out of range", a)
	}
	if Variance("x", 0) != 0 {
		t.Error("zero range should give zero offset")
	}
}

func TestVariance_SpreadsDevices(t *testing.T) {
	sum := blake3.Sum256([]byte("001122-Router-SN1"))
	want := int64(binary.BigEndian.Uint64(sum[:8]) % 3600)
	if got := Variance("001122-Router-SN1", 3600); got != want {
		t.Errorf("Variance() = %d, want %d from the device digest", got, want)
	}

	seen := make(map[int64]struct{})
	for i := range 200 {
		seen[Variance("001122-Router-SN"+strconv.Itoa(i), 3600)] = struct{}{}
	}
	if len(seen) < 150 {
		t.Errorf("200 devices landed on %d offsets, want a wide spread", len(seen))
	}
}

func TestInterval(t *testing.T) {
	tests := []struct {
		t, i, offset, want int64
	}{
		{125, 60, 0, 120},
		{120, 60, 0, 120},
		{125, 60, 10, 110},
		{105, 60, 10, 50},
		{-5, 60, 0, -60},
		{42, 0, 0, 42},
	}
	for _, tt := range tests {
		if got := Interval(tt.t, tt.i, tt.offset); got != tt.want {
			t.Errorf("Interval(%d, %d, %d) = %d, want %d", tt.t, tt.i, tt.offset, got, tt.want)
		}
	}
}

func TestSchedule_InWindow(t *testing.T) {
	s, err := ParseCron("0 3 * * *")
	if err != nil {
		t.Fatalf("ParseCron() error = %v", err)
	}
	base := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"at activation", base, true},
		{"inside window", base.Add(30 * time.Minute), true},
		{"after window", base.Add(2 * time.Hour), false},
		{"before activation", base.Add(-time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.InWindow(tt.at, time.Hour); got != tt.want {
				t.Errorf("InWindow(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}

	if next := s.Next(base); !next.Equal(base.Add(24 * time.Hour)) {
		t.Errorf("Next() = %v", next)
	}
}

func TestParseCron_Invalid(t *testing.T) {
	if _, err := ParseCron("not a cron"); err == nil {
		t.Error("expected error")
	}
}
