// Package core wires the tiers and the safety gate together. Each trigger
// method runs one job through the gate; Run drives them all from tickers.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/thisdougb/dbhealth/internal/aggregate"
	"github.com/thisdougb/dbhealth/internal/archive"
	"github.com/thisdougb/dbhealth/internal/collect"
	"github.com/thisdougb/dbhealth/internal/config"
	"github.com/thisdougb/dbhealth/internal/metrics"
	"github.com/thisdougb/dbhealth/internal/provider"
	"github.com/thisdougb/dbhealth/internal/retention"
	"github.com/thisdougb/dbhealth/internal/ring"
	"github.com/thisdougb/dbhealth/internal/safety"
	"github.com/thisdougb/dbhealth/internal/snapshot"
	"github.com/thisdougb/dbhealth/internal/storage"
)

// Options for New. Provider and Store are required.
type Options struct {
	Identity string
	Provider provider.Provider
	Store    *storage.Manager
	Observer metrics.Observer
	// Settings is read at the start of every tick; defaults to config.Current.
	Settings func() config.Settings
	Clock    func() time.Time
}

// Monitor owns the hot ring, the gate and the durable store.
type Monitor struct {
	Identity string
	Started  time.Time

	provider  provider.Provider
	ring      *ring.Ring
	collector *collect.Collector
	gate      *safety.Gate
	retention *retention.Manager
	store     *storage.Manager
	obs       metrics.Observer
	settings  func() config.Settings
	now       func() time.Time

	geometryWarning rate.Sometimes
}

// New builds a monitor. The ring is sized from the settings current at
// construction; later changes to its geometry apply on restart.
func New(opts Options) *Monitor {
	if opts.Settings == nil {
		opts.Settings = config.Current
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Observer == nil {
		opts.Observer = metrics.Nop{}
	}
	if opts.Identity == "" {
		opts.Identity = "identity unset"
	}

	s := opts.Settings()

	m := &Monitor{
		Identity:        opts.Identity,
		Started:         opts.Clock(),
		provider:        opts.Provider,
		ring:            ring.New(s.RingSlots, s.SampleInterval),
		collector:       collect.New(opts.Provider, s.SampleInterval, opts.Observer),
		store:           opts.Store,
		obs:             opts.Observer,
		settings:        opts.Settings,
		now:             opts.Clock,
		geometryWarning: rate.Sometimes{First: 1, Interval: time.Hour},
	}
	m.retention = retention.New(opts.Store, opts.Observer)
	m.gate = safety.New(safety.Options{
		Prober:   opts.Provider,
		Valve:    m.retention.CollectionEnabled,
		Sink:     m.logTick,
		Observer: opts.Observer,
		Clock:    opts.Clock,
	})

	return m
}

func (m *Monitor) logTick(rec safety.TickRecord) {
	err := m.store.LogTick(storage.TickLogEntry{
		ID:       rec.ID,
		Job:      string(rec.Job),
		Started:  rec.Started,
		Duration: rec.Duration,
		Outcome:  string(rec.Outcome),
		Reason:   string(rec.Reason),
		Detail:   rec.Detail,
		Mode:     rec.Mode.String(),
	})
	if err != nil {
		config.LogError(context.Background(), "failed to record tick: "+err.Error())
	}
}

// SampleTick collects one reading into the ring. In Emergency mode only
// wait events and locks are collected, with the smaller row cap.
func (m *Monitor) SampleTick(ctx context.Context) safety.TickRecord {
	s := m.settings()
	m.checkGeometry(ctx, s)

	return m.gate.Run(ctx, safety.JobSample, s, func(ctx context.Context, t *safety.Tick) (safety.Outcome, string, error) {
		opts := collect.Options{
			Dimensions: ring.AllDimensions,
			Timeout:    s.ProviderTimeout,
			RowCap:     s.NormalRowCap,
		}
		if t.Mode == safety.Emergency {
			opts.Dimensions = []ring.Dimension{ring.WaitEvents, ring.Locks}
			opts.RowCap = s.EmergencyRowCap
		}

		reading := m.collector.Collect(ctx, opts)
		if err := ctx.Err(); err != nil {
			return safety.OutcomeError, "", err
		}

		// captured_at is the write time, not the tick start
		id := m.ring.Write(m.now(), reading)

		attempted, failed := 0, 0
		var detail string
		for _, res := range reading.Results {
			if errors.Is(res.Err, collect.ErrDroppedByMode) {
				continue
			}
			attempted++
			if res.Err != nil {
				failed++
				detail += fmt.Sprintf(" %s absent: %v;", res.Dimension, res.Err)
			}
		}

		switch {
		case failed == 0:
			return safety.OutcomeSuccess, fmt.Sprintf("slot %d", id), nil
		case failed < attempted:
			return safety.OutcomePartial, fmt.Sprintf("slot %d%s", id, detail), nil
		}
		return safety.OutcomeError, "", errors.Errorf("slot %d all dimensions failed:%s", id, detail)
	})
}

func (m *Monitor) checkGeometry(ctx context.Context, s config.Settings) {
	if s.RingSlots == m.ring.Len() && s.SampleInterval == m.ring.Interval() {
		return
	}
	m.geometryWarning.Do(func() {
		config.LogWarn(ctx, fmt.Sprintf("ring configured as %d x %s but running as %d x %s until restart",
			s.RingSlots, s.SampleInterval, m.ring.Len(), m.ring.Interval()))
	})
}

// Flush promotes new ring slots into the aggregate tier.
func (m *Monitor) Flush(ctx context.Context) safety.TickRecord {
	return m.gate.Run(ctx, safety.JobFlush, m.settings(), func(ctx context.Context, t *safety.Tick) (safety.Outcome, string, error) {
		res, err := aggregate.Flush(ctx, m.ring, m.store, t.Started)
		if err != nil {
			return safety.OutcomeError, "", err
		}
		m.obs.AddRowsWritten(string(storage.TierAggregates), res.Rows)
		return safety.OutcomeSuccess, fmt.Sprintf("%d slots, %d rows", res.Slots, res.Rows), nil
	})
}

// Archive copies new ring slots into the archive tier.
func (m *Monitor) Archive(ctx context.Context) safety.TickRecord {
	return m.gate.Run(ctx, safety.JobArchive, m.settings(), func(ctx context.Context, t *safety.Tick) (safety.Outcome, string, error) {
		res, err := archive.Archive(ctx, m.ring, m.store, t.Started)
		if err != nil {
			return safety.OutcomeError, "", err
		}
		m.obs.AddRowsWritten(string(storage.TierArchive), res.Slots)
		return safety.OutcomeSuccess, fmt.Sprintf("%d slots", res.Slots), nil
	})
}

// CaptureSnapshot records cumulative counters into the snapshot tier.
func (m *Monitor) CaptureSnapshot(ctx context.Context) safety.TickRecord {
	s := m.settings()
	return m.gate.Run(ctx, safety.JobSnapshot, s, func(ctx context.Context, t *safety.Tick) (safety.Outcome, string, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.ProviderTimeout)
		defer cancel()

		rec, err := snapshot.Capture(callCtx, m.provider, m.store, t.Started)
		if err != nil {
			return safety.OutcomeError, "", err
		}
		m.obs.AddRowsWritten(string(storage.TierSnapshots), 1)
		return safety.OutcomeSuccess, fmt.Sprintf("snapshot %d", rec.ID), nil
	})
}

// Cleanup purges aged rows and updates the capacity valve. A closed valve
// is a partial outcome, not an error.
func (m *Monitor) Cleanup(ctx context.Context) safety.TickRecord {
	s := m.settings()
	return m.gate.Run(ctx, safety.JobCleanup, s, func(ctx context.Context, t *safety.Tick) (safety.Outcome, string, error) {
		report, err := m.retention.Cleanup(ctx, s, t.Started)
		var removed int64
		for _, n := range report.Removed {
			removed += n
		}
		detail := fmt.Sprintf("%d rows removed, footprint %d bytes", removed, report.FootprintAfter)

		if errors.Is(err, retention.ErrCapacityExceeded) {
			return safety.OutcomePartial, detail + ", collection disabled", nil
		}
		if err != nil {
			return safety.OutcomeError, "", err
		}
		return safety.OutcomeSuccess, detail, nil
	})
}

// EvaluateMode runs the mode evaluator.
func (m *Monitor) EvaluateMode(ctx context.Context) safety.TickRecord {
	s := m.settings()
	return m.gate.Run(ctx, safety.JobMode, s, func(ctx context.Context, t *safety.Tick) (safety.Outcome, string, error) {
		ev := m.gate.EvaluateMode(ctx, s)
		detail := ev.Mode.String()
		if ev.Changed {
			detail = "switched to " + detail
		}
		if ev.Detail != "" {
			detail += ", " + ev.Detail
		}
		return safety.OutcomeSuccess, detail, nil
	})
}

// Backup writes a dated copy of the SQLite store.
func (m *Monitor) Backup(ctx context.Context) safety.TickRecord {
	return m.gate.Run(ctx, safety.JobBackup, m.settings(), func(ctx context.Context, t *safety.Tick) (safety.Outcome, string, error) {
		path, err := m.store.Backup()
		if err != nil {
			return safety.OutcomeError, "", err
		}
		if path == "" {
			return safety.OutcomeSuccess, "backups disabled", nil
		}
		return safety.OutcomeSuccess, path, nil
	})
}

type trigger struct {
	job      safety.Job
	interval func(config.Settings) time.Duration
	run      func(context.Context) safety.TickRecord
}

func (m *Monitor) triggers() []trigger {
	return []trigger{
		{safety.JobSample, func(s config.Settings) time.Duration { return s.SampleInterval }, m.SampleTick},
		{safety.JobFlush, func(s config.Settings) time.Duration { return s.FlushInterval }, m.Flush},
		{safety.JobArchive, func(s config.Settings) time.Duration { return s.ArchiveInterval }, m.Archive},
		{safety.JobSnapshot, func(s config.Settings) time.Duration { return s.SnapshotInterval }, m.CaptureSnapshot},
		{safety.JobCleanup, func(s config.Settings) time.Duration { return s.CleanupInterval }, m.Cleanup},
		{safety.JobMode, func(s config.Settings) time.Duration { return s.ModeInterval }, m.EvaluateMode},
		{safety.JobBackup, func(s config.Settings) time.Duration { return s.BackupInterval }, m.Backup},
	}
}

// Run starts one ticker per job and blocks until ctx is cancelled. Each
// job fires in its own goroutine so a slow job never delays another; the
// gate's dedup stops a job overlapping itself. A changed interval takes
// effect after the next fire.
func (m *Monitor) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, tr := range m.triggers() {
		tr := tr
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.runTrigger(ctx, tr)
		}()
	}

	config.LogInfo(ctx, fmt.Sprintf("%s monitoring started, ring %d x %s", m.Identity, m.ring.Len(), m.ring.Interval()))
	wg.Wait()
}

func (m *Monitor) runTrigger(ctx context.Context, tr trigger) {
	interval := tr.interval(m.settings())
	if interval <= 0 {
		config.LogWarn(ctx, fmt.Sprintf("%s trigger disabled, interval %s", tr.job, interval))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var running sync.WaitGroup
	defer running.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			running.Add(1)
			go func() {
				defer running.Done()
				tr.run(ctx)
			}()

			if next := tr.interval(m.settings()); next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Status is a point-in-time summary for operators.
type Status struct {
	Identity          string                 `json:"identity"`
	Started           time.Time              `json:"started"`
	Mode              string                 `json:"mode"`
	CollectionEnabled bool                   `json:"collection_enabled"`
	BreakerOpen       bool                   `json:"breaker_open"`
	BreakerTrips      int                    `json:"breaker_trips"`
	RingSlots         int                    `json:"ring_slots"`
	RingInterval      string                 `json:"ring_interval"`
	Persistent        bool                   `json:"persistent"`
	Backup            map[string]interface{} `json:"backup"`
	RecentTicks       []safety.TickRecord    `json:"recent_ticks"`
}

// Status reports the monitor's state and up to limit recent ticks.
func (m *Monitor) Status(limit int) Status {
	ticks := m.gate.History()
	if limit > 0 && len(ticks) > limit {
		ticks = ticks[:limit]
	}
	backup := m.store.BackupConfig()

	return Status{
		Identity:          m.Identity,
		Started:           m.Started,
		Mode:              m.gate.Mode().String(),
		CollectionEnabled: m.retention.CollectionEnabled(),
		BreakerOpen:       m.gate.BreakerOpen(),
		BreakerTrips:      m.gate.Trips(),
		RingSlots:         m.ring.Len(),
		RingInterval:      m.ring.Interval().String(),
		Persistent:        m.store.IsPersistent(),
		Backup:            storage.BackupInfo(&backup),
		RecentTicks:       ticks,
	}
}

// Mode returns the current collection mode.
func (m *Monitor) Mode() safety.Mode {
	return m.gate.Mode()
}

// RingSlots returns copies of every written hot-tier slot, oldest first.
func (m *Monitor) RingSlots() []ring.Slot {
	return m.ring.Slots()
}

// Aggregates returns warm-tier rows whose window ended in (from, to].
func (m *Monitor) Aggregates(ctx context.Context, from, to time.Time) ([]storage.AggregateRecord, error) {
	return m.store.ReadAggregates(ctx, from, to)
}

// Now is the monitor's clock.
func (m *Monitor) Now() time.Time {
	return m.now()
}

// Compare returns the counter change between two instants.
func (m *Monitor) Compare(ctx context.Context, t1, t2 time.Time) (snapshot.Comparison, error) {
	return snapshot.Compare(ctx, m.store, t1, t2)
}

// TickLog returns durable tick records started since t, newest first.
func (m *Monitor) TickLog(ctx context.Context, since time.Time, limit int) ([]storage.TickLogEntry, error) {
	return m.store.RecentTicks(ctx, since, limit)
}

// Close flushes the tick log and closes the store.
func (m *Monitor) Close() error {
	return m.store.Close()
}
