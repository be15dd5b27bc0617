// Package archive is the forensic tier producer: it copies ring slots
// verbatim into durable storage, draining since its own watermark.
package archive

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/thisdougb/dbhealth/internal/ring"
	"github.com/thisdougb/dbhealth/internal/storage"
)

// Source is the part of the hot tier the archiver reads.
type Source interface {
	Range(after, upto time.Time) []ring.Slot
}

// Store is the part of the durable tier the archiver writes.
type Store interface {
	ArchiveWatermark(ctx context.Context) (time.Time, error)
	InsertArchive(ctx context.Context, records []storage.ArchiveRecord) error
}

// Result describes one archive run.
type Result struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Slots       int
}

// Archive copies every slot captured in (watermark, now]. It is a no-op
// when no slot is new.
func Archive(ctx context.Context, src Source, store Store, now time.Time) (Result, error) {
	watermark, err := store.ArchiveWatermark(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to read archive watermark")
	}
	if !now.After(watermark) {
		return Result{}, nil
	}

	slots := src.Range(watermark, now)
	if len(slots) == 0 {
		return Result{}, nil
	}

	records := make([]storage.ArchiveRecord, 0, len(slots))
	for _, slot := range slots {
		records = append(records, storage.ArchiveRecord{
			WindowStart: watermark,
			WindowEnd:   now,
			SlotID:      slot.ID,
			CapturedAt:  slot.CapturedAt,
			Epoch:       slot.Epoch,
			Slot:        slot,
		})
	}

	if err := store.InsertArchive(ctx, records); err != nil {
		return Result{}, errors.Wrap(err, "failed to insert archive records")
	}

	return Result{WindowStart: watermark, WindowEnd: now, Slots: len(records)}, nil
}
