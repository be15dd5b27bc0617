// Package snapshot is the cold tier: cumulative counters captured on a slow
// cadence, each stored with its delta from the one before.
package snapshot

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/thisdougb/dbhealth/internal/provider"
	"github.com/thisdougb/dbhealth/internal/storage"
)

var (
	// ErrNoSnapshot means no snapshot bounds the requested range.
	ErrNoSnapshot = errors.New("no snapshot in range")
	// ErrInvalidRange means the range ends before it starts.
	ErrInvalidRange = errors.New("invalid snapshot range")
)

// CounterSource reads cumulative counters.
type CounterSource interface {
	Counters(ctx context.Context) (provider.Counters, error)
}

// Store is the snapshot part of the durable tier.
type Store interface {
	InsertSnapshot(ctx context.Context, record storage.SnapshotRecord) (int64, error)
	SnapshotAtOrBefore(ctx context.Context, t time.Time) (storage.SnapshotRecord, bool, error)
	SnapshotAtOrAfter(ctx context.Context, t time.Time) (storage.SnapshotRecord, bool, error)
	ReadSnapshots(ctx context.Context, from, to time.Time) ([]storage.SnapshotRecord, error)
}

// Capture reads the counters once, derives deltas from the preceding
// snapshot and stores the result.
func Capture(ctx context.Context, src CounterSource, store Store, now time.Time) (storage.SnapshotRecord, error) {
	counters, err := src.Counters(ctx)
	if err != nil {
		return storage.SnapshotRecord{}, provider.Classify("counters", err)
	}

	prev, hasPrev, err := store.SnapshotAtOrBefore(ctx, now)
	if err != nil {
		return storage.SnapshotRecord{}, errors.Wrap(err, "failed to read previous snapshot")
	}

	record := storage.SnapshotRecord{
		CapturedAt: now,
		Counters:   counters,
		Deltas:     make(map[string]*int64, len(counters)),
	}
	if hasPrev {
		record.ElapsedSeconds = now.Sub(prev.CapturedAt).Seconds()
	}

	for name, value := range counters {
		record.Deltas[name] = nil
		if !hasPrev {
			continue
		}
		before, ok := prev.Counters[name]
		if !ok || value < before {
			continue
		}
		d := value - before
		record.Deltas[name] = &d
	}

	id, err := store.InsertSnapshot(ctx, record)
	if err != nil {
		return storage.SnapshotRecord{}, errors.Wrap(err, "failed to insert snapshot")
	}
	record.ID = id

	return record, nil
}

// Comparison is the field-by-field change between two snapshots. A nil
// delta means the change is unknown somewhere in the range.
type Comparison struct {
	From           time.Time         `json:"from"`
	To             time.Time         `json:"to"`
	ElapsedSeconds float64           `json:"elapsed_seconds"`
	Deltas         map[string]*int64 `json:"deltas"`
}

// Rate returns the per-second change of name, false when unknown or when
// the range has no duration.
func (c Comparison) Rate(name string) (float64, bool) {
	d := c.Deltas[name]
	if d == nil || c.ElapsedSeconds <= 0 {
		return 0, false
	}
	return float64(*d) / c.ElapsedSeconds, true
}

// Names returns the compared counter names in order.
func (c Comparison) Names() []string {
	names := make([]string, 0, len(c.Deltas))
	for n := range c.Deltas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Compare returns the change between the nearest snapshot at or after t1
// and the nearest at or before t2. Stored per-snapshot deltas are summed,
// so a counter reset anywhere in the range leaves that field unknown.
func Compare(ctx context.Context, store Store, t1, t2 time.Time) (Comparison, error) {
	if t2.Before(t1) {
		return Comparison{}, ErrInvalidRange
	}

	from, ok, err := store.SnapshotAtOrAfter(ctx, t1)
	if err != nil {
		return Comparison{}, errors.Wrap(err, "failed to read start snapshot")
	}
	if !ok {
		return Comparison{}, ErrNoSnapshot
	}

	to, ok, err := store.SnapshotAtOrBefore(ctx, t2)
	if err != nil {
		return Comparison{}, errors.Wrap(err, "failed to read end snapshot")
	}
	if !ok || to.CapturedAt.Before(from.CapturedAt) {
		return Comparison{}, ErrNoSnapshot
	}

	between, err := store.ReadSnapshots(ctx, from.CapturedAt, to.CapturedAt)
	if err != nil {
		return Comparison{}, errors.Wrap(err, "failed to read snapshots")
	}

	deltas := make(map[string]*int64, len(to.Counters))
	for name := range to.Counters {
		var total int64
		known := true
		for _, s := range between {
			d, ok := s.Deltas[name]
			if !ok || d == nil {
				known = false
				break
			}
			total += *d
		}
		if !known {
			deltas[name] = nil
			continue
		}
		sum := total
		deltas[name] = &sum
	}

	return Comparison{
		From:           from.CapturedAt,
		To:             to.CapturedAt,
		ElapsedSeconds: to.CapturedAt.Sub(from.CapturedAt).Seconds(),
		Deltas:         deltas,
	}, nil
}
