package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Approximate per-row sizes used by MemoryBackend.Footprint. Archive rows
// are charged their encoded payload on top.
const (
	memAggregateRowBytes = 128
	memArchiveRowBytes   = 64
	memSnapshotRowBytes  = 512
	memTickLogRowBytes   = 160
)

// MemoryBackend implements Backend interface using in-memory storage.
// It is used when persistence is disabled and in tests.
type MemoryBackend struct {
	mu sync.RWMutex

	aggregates   []AggregateRecord
	archive      []ArchiveRecord
	archiveBytes map[int]int // archive index -> payload size
	snapshots    []SnapshotRecord
	tickLog      []TickLogEntry
	nextID       int64
}

// NewMemoryBackend creates a new in-memory storage backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{archiveBytes: make(map[int]int)}
}

func (m *MemoryBackend) InsertAggregates(ctx context.Context, records []AggregateRecord) error {
	if len(records) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(records))
	for _, r := range records {
		key := aggregateKey(r)
		if seen[key] {
			return errors.Errorf("duplicate aggregate %s", key)
		}
		seen[key] = true
	}
	for _, existing := range m.aggregates {
		if seen[aggregateKey(existing)] {
			return errors.Errorf("aggregate for window %s already stored", existing.WindowEnd)
		}
	}

	m.aggregates = append(m.aggregates, records...)
	return nil
}

func aggregateKey(r AggregateRecord) string {
	return fmt.Sprintf("%d|%s", r.WindowEnd.UnixNano(), r.CategoryKey)
}

func (m *MemoryBackend) AggregateWatermark(ctx context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var wm time.Time
	for _, r := range m.aggregates {
		if r.WindowEnd.After(wm) {
			wm = r.WindowEnd
		}
	}
	return wm, nil
}

func (m *MemoryBackend) ReadAggregates(ctx context.Context, from, to time.Time) ([]AggregateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []AggregateRecord
	for _, r := range m.aggregates {
		if r.WindowEnd.After(from) && !r.WindowEnd.After(to) {
			out = append(out, r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].WindowEnd.Equal(out[j].WindowEnd) {
			return out[i].WindowEnd.Before(out[j].WindowEnd)
		}
		return out[i].CategoryKey < out[j].CategoryKey
	})
	return out, nil
}

// InsertArchive round-trips each slot through the archive codec so the
// memory tier stores exactly what SQLite would.
func (m *MemoryBackend) InsertArchive(ctx context.Context, records []ArchiveRecord) error {
	if len(records) == 0 {
		return nil
	}

	decoded := make([]ArchiveRecord, len(records))
	sizes := make([]int, len(records))
	for i, r := range records {
		payload, err := EncodeSlot(r.Slot)
		if err != nil {
			return err
		}
		slot, err := DecodeSlot(payload)
		if err != nil {
			return err
		}
		r.Slot = slot
		decoded[i] = r
		sizes[i] = len(payload)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range decoded {
		m.archiveBytes[len(m.archive)] = sizes[i]
		m.archive = append(m.archive, r)
	}
	return nil
}

func (m *MemoryBackend) ArchiveWatermark(ctx context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var wm time.Time
	for _, r := range m.archive {
		if r.WindowEnd.After(wm) {
			wm = r.WindowEnd
		}
	}
	return wm, nil
}

func (m *MemoryBackend) ReadArchive(ctx context.Context, from, to time.Time) ([]ArchiveRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ArchiveRecord
	for _, r := range m.archive {
		if r.CapturedAt.After(from) && !r.CapturedAt.After(to) {
			out = append(out, r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CapturedAt.Before(out[j].CapturedAt)
	})
	return out, nil
}

func (m *MemoryBackend) InsertSnapshot(ctx context.Context, record SnapshotRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	record.ID = m.nextID
	record.Counters = copyCounters(record.Counters)
	record.Deltas = copyDeltas(record.Deltas)
	m.snapshots = append(m.snapshots, record)
	return record.ID, nil
}

func (m *MemoryBackend) SnapshotAtOrBefore(ctx context.Context, t time.Time) (SnapshotRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *SnapshotRecord
	for i := range m.snapshots {
		s := &m.snapshots[i]
		if s.CapturedAt.After(t) {
			continue
		}
		if best == nil || !s.CapturedAt.Before(best.CapturedAt) {
			best = s
		}
	}
	if best == nil {
		return SnapshotRecord{}, false, nil
	}
	return cloneSnapshot(*best), true, nil
}

func (m *MemoryBackend) SnapshotAtOrAfter(ctx context.Context, t time.Time) (SnapshotRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *SnapshotRecord
	for i := range m.snapshots {
		s := &m.snapshots[i]
		if s.CapturedAt.Before(t) {
			continue
		}
		if best == nil || s.CapturedAt.Before(best.CapturedAt) {
			best = s
		}
	}
	if best == nil {
		return SnapshotRecord{}, false, nil
	}
	return cloneSnapshot(*best), true, nil
}

func (m *MemoryBackend) ReadSnapshots(ctx context.Context, from, to time.Time) ([]SnapshotRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []SnapshotRecord
	for _, s := range m.snapshots {
		if s.CapturedAt.After(from) && !s.CapturedAt.After(to) {
			out = append(out, cloneSnapshot(s))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CapturedAt.Before(out[j].CapturedAt)
	})
	return out, nil
}

func (m *MemoryBackend) InsertTickLog(ctx context.Context, entries []TickLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tickLog = append(m.tickLog, entries...)
	return nil
}

func (m *MemoryBackend) ReadTickLog(ctx context.Context, since time.Time, limit int) ([]TickLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TickLogEntry
	for _, e := range m.tickLog {
		if !e.Started.Before(since) {
			out = append(out, e)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Started.After(out[j].Started)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryBackend) Purge(ctx context.Context, tier Tier, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64

	switch tier {
	case TierAggregates:
		var newest time.Time
		for _, r := range m.aggregates {
			if r.WindowEnd.After(newest) {
				newest = r.WindowEnd
			}
		}
		kept := m.aggregates[:0]
		for _, r := range m.aggregates {
			if r.WindowEnd.Before(cutoff) && r.WindowEnd.Before(newest) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		m.aggregates = kept

	case TierArchive:
		var newest time.Time
		for _, r := range m.archive {
			if r.WindowEnd.After(newest) {
				newest = r.WindowEnd
			}
		}
		var kept []ArchiveRecord
		sizes := make(map[int]int)
		for i, r := range m.archive {
			if r.CapturedAt.Before(cutoff) && r.WindowEnd.Before(newest) {
				removed++
				continue
			}
			sizes[len(kept)] = m.archiveBytes[i]
			kept = append(kept, r)
		}
		m.archive, m.archiveBytes = kept, sizes

	case TierSnapshots:
		newest := -1
		for i, s := range m.snapshots {
			if newest < 0 || !s.CapturedAt.Before(m.snapshots[newest].CapturedAt) {
				newest = i
			}
		}
		var kept []SnapshotRecord
		for i, s := range m.snapshots {
			if s.CapturedAt.Before(cutoff) && i != newest {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		m.snapshots = kept

	case TierTickLog:
		kept := m.tickLog[:0]
		for _, e := range m.tickLog {
			if e.Started.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		m.tickLog = kept

	default:
		return 0, errors.Errorf("unknown tier %q", tier)
	}

	return removed, nil
}

func (m *MemoryBackend) Footprint(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := int64(len(m.aggregates)*memAggregateRowBytes +
		len(m.archive)*memArchiveRowBytes +
		len(m.snapshots)*memSnapshotRowBytes +
		len(m.tickLog)*memTickLogRowBytes)
	for _, n := range m.archiveBytes {
		total += int64(n)
	}
	return total, nil
}

// Close performs cleanup for memory backend
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.aggregates, m.archive, m.snapshots, m.tickLog = nil, nil, nil, nil
	m.archiveBytes = make(map[int]int)
	return nil
}

// Len returns the number of rows held for tier (for testing)
func (m *MemoryBackend) Len(tier Tier) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch tier {
	case TierAggregates:
		return len(m.aggregates)
	case TierArchive:
		return len(m.archive)
	case TierSnapshots:
		return len(m.snapshots)
	case TierTickLog:
		return len(m.tickLog)
	}
	return 0
}

func cloneSnapshot(s SnapshotRecord) SnapshotRecord {
	s.Counters = copyCounters(s.Counters)
	s.Deltas = copyDeltas(s.Deltas)
	return s
}

func copyCounters(in map[string]int64) map[string]int64 {
	if in == nil {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyDeltas(in map[string]*int64) map[string]*int64 {
	if in == nil {
		return nil
	}
	out := make(map[string]*int64, len(in))
	for k, v := range in {
		if v == nil {
			out[k] = nil
			continue
		}
		d := *v
		out[k] = &d
	}
	return out
}
