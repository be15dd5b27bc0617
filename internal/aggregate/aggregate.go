// Package aggregate is the warm tier producer. Each Flush summarises the
// ring slots captured since the last stored window into one row per
// category, then advances the watermark by virtue of having written them.
package aggregate

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/thisdougb/dbhealth/internal/ring"
	"github.com/thisdougb/dbhealth/internal/storage"
)

// SlotsKey is the per-window row counting the slots summarised. It is
// written for every non-empty window so the watermark moves even when the
// slots held no samples.
const SlotsKey = "ring:slots"

// Source is the part of the hot tier the aggregator reads.
type Source interface {
	Range(after, upto time.Time) []ring.Slot
}

// Store is the part of the durable tier the aggregator writes.
type Store interface {
	AggregateWatermark(ctx context.Context) (time.Time, error)
	InsertAggregates(ctx context.Context, records []storage.AggregateRecord) error
}

// Result describes one flush.
type Result struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Slots       int
	Rows        int
}

// Flush aggregates slots captured in (watermark, now]. With no slots in the
// window it writes nothing and returns a zero Result.
func Flush(ctx context.Context, src Source, store Store, now time.Time) (Result, error) {
	watermark, err := store.AggregateWatermark(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to read aggregate watermark")
	}
	if !now.After(watermark) {
		return Result{}, nil
	}

	slots := src.Range(watermark, now)
	if len(slots) == 0 {
		return Result{}, nil
	}

	records := Summarize(slots, watermark, now)
	if err := store.InsertAggregates(ctx, records); err != nil {
		return Result{}, errors.Wrap(err, "failed to insert aggregates")
	}

	return Result{WindowStart: watermark, WindowEnd: now, Slots: len(slots), Rows: len(records)}, nil
}

type category struct {
	dimension string
	count     int
	sum       float64
	max       float64
}

// Summarize builds the rows for one window. A category's value in a slot is
// the sum of its samples there; count is the number of slots it appeared
// in, max the largest per-slot value and pct the share of slots.
func Summarize(slots []ring.Slot, start, end time.Time) []storage.AggregateRecord {
	categories := make(map[string]*category)

	for _, slot := range slots {
		perSlot := make(map[string]float64)
		dims := make(map[string]string)
		for _, samples := range slot.Samples {
			for _, s := range samples {
				perSlot[s.Key] += s.Value
				dims[s.Key] = string(s.Dimension)
			}
		}

		for key, value := range perSlot {
			c, ok := categories[key]
			if !ok {
				c = &category{dimension: dims[key], max: value}
				categories[key] = c
			}
			c.count++
			c.sum += value
			if value > c.max {
				c.max = value
			}
		}
	}

	n := len(slots)
	records := make([]storage.AggregateRecord, 0, len(categories)+1)
	for key, c := range categories {
		records = append(records, storage.AggregateRecord{
			WindowStart: start,
			WindowEnd:   end,
			Dimension:   c.dimension,
			CategoryKey: key,
			Count:       c.count,
			Sum:         c.sum,
			Avg:         c.sum / float64(c.count),
			Max:         c.max,
			Pct:         float64(c.count) / float64(n) * 100,
			Slots:       n,
		})
	}

	records = append(records, storage.AggregateRecord{
		WindowStart: start,
		WindowEnd:   end,
		Dimension:   "ring",
		CategoryKey: SlotsKey,
		Count:       n,
		Sum:         float64(n),
		Avg:         1,
		Max:         1,
		Pct:         100,
		Slots:       n,
	})

	sort.Slice(records, func(i, j int) bool {
		return records[i].CategoryKey < records[j].CategoryKey
	})
	return records
}
