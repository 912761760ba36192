package ledger

import (
	"math"
	"time"
)

// =============================================================================
// TIME - Millisecond instants and month boundaries
// =============================================================================

// Keys carry instants as unsigned milliseconds since the Unix epoch, so the
// ledger only accepts dates from 1970 on.

func normalize(t time.Time) time.Time { return t.UTC().Truncate(time.Millisecond) }

func toMillis(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

func fromMillis(ms uint64) time.Time {
	if ms > math.MaxInt64 {
		ms = math.MaxInt64
	}
	return time.UnixMilli(int64(ms)).UTC()
}

// FirstDayOfMonth returns 00:00 UTC on the first day of t's month.
func FirstDayOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// FirstDayNextMonth returns the month boundary following t's month.
func FirstDayNextMonth(t time.Time) time.Time {
	return FirstDayOfMonth(t).AddDate(0, 1, 0)
}

// monthBoundaries lists every first-of-month D with from < D <= till.
func monthBoundaries(from, till time.Time) []time.Time {
	var out []time.Time
	for d := FirstDayNextMonth(from); !d.After(till); d = d.AddDate(0, 1, 0) {
		out = append(out, d)
	}
	return out
}
