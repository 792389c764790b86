package path

import (
	"strconv"
	"strings"
)

// Compare orders paths segment by segment. Segments that both parse as
// integers compare numerically, so "Device.10" sorts after "Device.9".
// A path sorts before any longer path it is a prefix of.
func Compare(a, b *Path) int {
	n := min(a.Len(), b.Len())
	for i := 0; i < n; i++ {
		if c := compareSegment(a.segments[i].str, b.segments[i].str); c != 0 {
			return c
		}
	}
	switch {
	case a.Len() < b.Len():
		return -1
	case a.Len() > b.Len():
		return 1
	}
	return 0
}

func compareSegment(a, b string) int {
	if a == b {
		return 0
	}
	x, errA := strconv.ParseInt(a, 10, 64)
	y, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return strings.Compare(a, b)
}
