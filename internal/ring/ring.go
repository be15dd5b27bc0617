// Package ring is the hot tier: a fixed array of N slots, each holding the
// latest reading for the time bucket that maps onto it. Storage never grows;
// a slot is overwritten every N*interval.
package ring

import (
	"sort"
	"sync"
	"time"
)

// Dimension names one independently collected facet of host state.
type Dimension string

const (
	WaitEvents Dimension = "wait_events"
	Sessions   Dimension = "sessions"
	Locks      Dimension = "locks"
)

// AllDimensions in collection order.
var AllDimensions = []Dimension{WaitEvents, Sessions, Locks}

// Sample is one dimension-keyed row owned by a slot.
type Sample struct {
	Dimension Dimension         `cbor:"d" json:"dimension"`
	Key       string            `cbor:"k" json:"key"`
	Value     float64           `cbor:"v" json:"value"`
	Attrs     map[string]string `cbor:"a,omitempty" json:"attrs,omitempty"`
}

// Slot is one cell of the ring. Samples and Absent are replaced wholesale on
// every write.
type Slot struct {
	ID         int                    `cbor:"id" json:"id"`
	CapturedAt time.Time              `cbor:"at" json:"captured_at"`
	Epoch      int64                  `cbor:"epoch" json:"epoch"`
	Samples    map[Dimension][]Sample `cbor:"samples" json:"samples"`
	Absent     map[Dimension]string   `cbor:"absent" json:"absent,omitempty"`
}

// Written reports whether the slot has ever been written.
func (s Slot) Written() bool {
	return !s.CapturedAt.IsZero()
}

// Reading is what a tick gathered, one result per attempted dimension.
type Reading struct {
	Results []Result
}

// Result is the outcome of collecting a single dimension. A non-nil Err
// marks the dimension absent for the tick; it never affects the others.
type Result struct {
	Dimension Dimension
	Samples   []Sample
	Err       error
}

// Ring holds N pre-allocated slots.
type Ring struct {
	mu       sync.RWMutex
	interval time.Duration
	slots    []Slot
	drained  time.Time // highest upto handed to Range
}

// New allocates a ring of n slots, each covering interval.
func New(n int, interval time.Duration) *Ring {
	if n < 1 {
		n = 1
	}
	if interval <= 0 {
		interval = time.Minute
	}

	slots := make([]Slot, n)
	for i := range slots {
		slots[i].ID = i
	}
	return &Ring{interval: interval, slots: slots}
}

// SlotID maps t onto a slot: floor(epoch(t)/interval) mod n.
func SlotID(t time.Time, interval time.Duration, n int) int {
	bucket := floorDiv(t.UnixNano(), int64(interval))
	id := bucket % int64(n)
	if id < 0 {
		id += int64(n)
	}
	return int(id)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Len returns the number of slots.
func (r *Ring) Len() int {
	return len(r.slots)
}

// Interval returns the slot width.
func (r *Ring) Interval() time.Duration {
	return r.interval
}

// SlotID maps t onto this ring.
func (r *Ring) SlotID(t time.Time) int {
	return SlotID(t, r.interval, len(r.slots))
}

// Write replaces the slot for at with reading. Dimensions whose result
// carries an error are recorded as absent. The previous contents of the slot
// are discarded, including any earlier tick that collided on the same id.
// A write stamped at or before a range already drained is moved to just
// after it, so a late write is never hidden behind a watermark.
func (r *Ring) Write(at time.Time, reading Reading) int {
	samples := make(map[Dimension][]Sample, len(reading.Results))
	absent := make(map[Dimension]string)

	for _, res := range reading.Results {
		if res.Err != nil {
			absent[res.Dimension] = res.Err.Error()
			continue
		}
		samples[res.Dimension] = cloneSamples(res.Samples)
	}

	r.mu.Lock()
	if !at.After(r.drained) {
		at = r.drained.Add(time.Nanosecond)
	}
	id := r.SlotID(at)
	r.slots[id] = Slot{
		ID:         id,
		CapturedAt: at,
		Epoch:      at.Unix(),
		Samples:    samples,
		Absent:     absent,
	}
	r.mu.Unlock()

	return id
}

// Read returns a copy of slot id, and false if it was never written or id is
// out of range.
func (r *Ring) Read(id int) (Slot, bool) {
	if id < 0 || id >= len(r.slots) {
		return Slot{}, false
	}

	r.mu.RLock()
	slot := cloneSlot(r.slots[id])
	r.mu.RUnlock()

	return slot, slot.Written()
}

// Range returns copies of the slots captured in (after, upto], oldest first.
// Later writes are stamped after upto.
func (r *Ring) Range(after, upto time.Time) []Slot {
	r.mu.Lock()
	if upto.After(r.drained) {
		r.drained = upto
	}
	r.mu.Unlock()

	return r.collect(func(s Slot) bool {
		return s.CapturedAt.After(after) && !s.CapturedAt.After(upto)
	})
}

// Slots returns copies of every written slot, oldest first.
func (r *Ring) Slots() []Slot {
	return r.collect(func(Slot) bool { return true })
}

func (r *Ring) collect(keep func(Slot) bool) []Slot {
	var out []Slot

	r.mu.RLock()
	for _, s := range r.slots {
		if s.Written() && keep(s) {
			out = append(out, cloneSlot(s))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CapturedAt.Before(out[j].CapturedAt)
	})
	return out
}

func cloneSlot(s Slot) Slot {
	out := Slot{ID: s.ID, CapturedAt: s.CapturedAt, Epoch: s.Epoch}
	if s.Samples != nil {
		out.Samples = make(map[Dimension][]Sample, len(s.Samples))
		for d, samples := range s.Samples {
			out.Samples[d] = cloneSamples(samples)
		}
	}
	if s.Absent != nil {
		out.Absent = make(map[Dimension]string, len(s.Absent))
		for d, reason := range s.Absent {
			out.Absent[d] = reason
		}
	}
	return out
}

func cloneSamples(in []Sample) []Sample {
	if in == nil {
		return nil
	}
	out := make([]Sample, len(in))
	for i, s := range in {
		out[i] = s
		if s.Attrs != nil {
			out[i].Attrs = make(map[string]string, len(s.Attrs))
			for k, v := range s.Attrs {
				out[i].Attrs[k] = v
			}
		}
	}
	return out
}
