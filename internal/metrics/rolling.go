package metrics

import "time"

// Entry is one observation in a RollingWindow.
type Entry struct {
	Duration time.Duration
	Failed   bool
}

// RollingWindow implements a circular buffer over the last N entries.
type RollingWindow struct {
	data   []Entry
	index  int
	filled int
}

// NewRollingWindow creates a rolling window with the specified size
func NewRollingWindow(size int) *RollingWindow {
	if size < 1 {
		size = 1
	}
	return &RollingWindow{
		data:  make([]Entry, size),
		index: 0,
	}
}

// Add an entry, overwriting the oldest once the window is full, and return
// the new average duration.
func (rw *RollingWindow) Add(e Entry) time.Duration {
	dataLength := len(rw.data)

	// simple index wrap-around technique
	if rw.index >= dataLength {
		rw.index = 0
	}
	rw.data[rw.index] = e
	rw.index++

	if rw.filled < dataLength {
		rw.filled++
	}

	return rw.AverageDuration()
}

// Size is the capacity of the window.
func (rw *RollingWindow) Size() int {
	return len(rw.data)
}

// Len is the number of entries held.
func (rw *RollingWindow) Len() int {
	return rw.filled
}

// Full reports whether every position holds an entry.
func (rw *RollingWindow) Full() bool {
	return rw.filled == len(rw.data)
}

// AverageDuration over the entries held.
func (rw *RollingWindow) AverageDuration() time.Duration {
	if rw.filled == 0 {
		return 0
	}
	var total time.Duration
	for _, e := range rw.entries() {
		total += e.Duration
	}
	return total / time.Duration(rw.filled)
}

// FailureRate is the fraction of held entries marked failed.
func (rw *RollingWindow) FailureRate() float64 {
	if rw.filled == 0 {
		return 0
	}
	failed := 0
	for _, e := range rw.entries() {
		if e.Failed {
			failed++
		}
	}
	return float64(failed) / float64(rw.filled)
}

// Reset drops every entry.
func (rw *RollingWindow) Reset() {
	rw.index = 0
	rw.filled = 0
	for i := range rw.data {
		rw.data[i] = Entry{}
	}
}

// Resize changes the capacity, keeping the most recent entries that fit.
func (rw *RollingWindow) Resize(size int) {
	if size < 1 {
		size = 1
	}
	if size == len(rw.data) {
		return
	}

	recent := rw.entries()
	if len(recent) > size {
		recent = recent[len(recent)-size:]
	}

	rw.data = make([]Entry, size)
	rw.index = 0
	rw.filled = 0
	for _, e := range recent {
		rw.Add(e)
	}
}

// entries returns held entries oldest first.
func (rw *RollingWindow) entries() []Entry {
	out := make([]Entry, 0, rw.filled)
	if rw.filled < len(rw.data) {
		return append(out, rw.data[:rw.filled]...)
	}
	start := rw.index % len(rw.data)
	out = append(out, rw.data[start:]...)
	return append(out, rw.data[:start]...)
}
