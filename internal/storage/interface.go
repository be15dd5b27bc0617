package storage

import (
	"context"
	"time"

	"github.com/thisdougb/dbhealth/internal/ring"
)

// Tier names one durable store.
type Tier string

const (
	TierAggregates Tier = "aggregates"
	TierArchive    Tier = "archive"
	TierSnapshots  Tier = "snapshots"
	TierTickLog    Tier = "tick_log"
)

// Tiers in purge order.
var Tiers = []Tier{TierAggregates, TierArchive, TierSnapshots, TierTickLog}

// Backend defines the interface for all storage implementations. Producers
// only ever insert; rows are removed by Purge alone.
type Backend interface {
	// InsertAggregates writes all rows of one window atomically.
	InsertAggregates(ctx context.Context, records []AggregateRecord) error
	// AggregateWatermark is max(window_end) over stored aggregates, zero if none.
	AggregateWatermark(ctx context.Context) (time.Time, error)
	// ReadAggregates returns rows with window_end in (from, to].
	ReadAggregates(ctx context.Context, from, to time.Time) ([]AggregateRecord, error)

	InsertArchive(ctx context.Context, records []ArchiveRecord) error
	ArchiveWatermark(ctx context.Context) (time.Time, error)
	// ReadArchive returns rows with captured_at in (from, to].
	ReadArchive(ctx context.Context, from, to time.Time) ([]ArchiveRecord, error)

	InsertSnapshot(ctx context.Context, record SnapshotRecord) (int64, error)
	// SnapshotAtOrBefore returns the newest snapshot captured at or before t.
	SnapshotAtOrBefore(ctx context.Context, t time.Time) (SnapshotRecord, bool, error)
	// SnapshotAtOrAfter returns the oldest snapshot captured at or after t.
	SnapshotAtOrAfter(ctx context.Context, t time.Time) (SnapshotRecord, bool, error)
	// ReadSnapshots returns snapshots with captured_at in (from, to], oldest first.
	ReadSnapshots(ctx context.Context, from, to time.Time) ([]SnapshotRecord, error)

	InsertTickLog(ctx context.Context, entries []TickLogEntry) error
	// ReadTickLog returns up to limit entries started at or after since, newest first.
	ReadTickLog(ctx context.Context, since time.Time, limit int) ([]TickLogEntry, error)

	// Purge deletes rows of tier strictly older than cutoff and reports how
	// many went. The newest aggregate, archive and snapshot rows always stay.
	Purge(ctx context.Context, tier Tier, cutoff time.Time) (int64, error)
	// Footprint is the durable size in bytes.
	Footprint(ctx context.Context) (int64, error)

	Close() error
}

// AggregateRecord is one per-category summary for a window (start, end].
type AggregateRecord struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Dimension   string    `json:"dimension"`
	CategoryKey string    `json:"category_key"`
	Count       int       `json:"count"` // slots the category appeared in
	Sum         float64   `json:"sum"`
	Avg         float64   `json:"avg"`
	Max         float64   `json:"max"`
	Pct         float64   `json:"pct"`   // count as a percentage of Slots
	Slots       int       `json:"slots"` // slots in the window
}

// ArchiveRecord is a verbatim copy of one slot, tagged with the archive run
// window it was drained in.
type ArchiveRecord struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	SlotID      int       `json:"slot_id"`
	CapturedAt  time.Time `json:"captured_at"`
	Epoch       int64     `json:"epoch"`
	Slot        ring.Slot `json:"slot"`
}

// SnapshotRecord holds cumulative counters and the deltas from the previous
// snapshot. A nil delta is unknown: no prior snapshot, a new counter, or a
// counter that went backwards.
type SnapshotRecord struct {
	ID             int64             `json:"id"`
	CapturedAt     time.Time         `json:"captured_at"`
	Counters       map[string]int64  `json:"counters"`
	Deltas         map[string]*int64 `json:"deltas"`
	ElapsedSeconds float64           `json:"elapsed_seconds"`
}

// TickLogEntry is the durable audit row for one tick.
type TickLogEntry struct {
	ID       string        `json:"id"`
	Job      string        `json:"job"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Mode     string        `json:"mode"`
}
