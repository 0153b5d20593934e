package ratelimit

import "time"

type entry struct {
	at     time.Time
	input  int
	output int
}

// window holds usage entries in arrival order. Callers hold the limiter lock.
type window struct {
	size    time.Duration
	entries []entry
}

// prune drops entries older than now-size. Entries exactly at the boundary
// are retained.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.size)
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

func (w *window) add(e entry) {
	w.entries = append(w.entries, e)
}

func (w *window) sums() (input, output int) {
	for _, e := range w.entries {
		input += e.input
		output += e.output
	}
	return input, output
}

// oldest returns the timestamp of the first entry for which count is positive.
func (w *window) oldest(count func(entry) int) (time.Time, bool) {
	for _, e := range w.entries {
		if count(e) > 0 {
			return e.at, true
		}
	}
	return time.Time{}, false
}
