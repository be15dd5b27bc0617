package dbhealth

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thisdougb/dbhealth/internal/config"
	"github.com/thisdougb/dbhealth/internal/core"
	"github.com/thisdougb/dbhealth/internal/handlers"
	"github.com/thisdougb/dbhealth/internal/metrics"
	"github.com/thisdougb/dbhealth/internal/provider"
	"github.com/thisdougb/dbhealth/internal/safety"
	"github.com/thisdougb/dbhealth/internal/storage"
)

type (
	// Provider reads the state of the observed database.
	Provider = provider.Provider
	// TickRecord is the audit entry every job run produces.
	TickRecord = safety.TickRecord
	// Status is a point-in-time summary of the monitor.
	Status = core.Status
)

// Options configures a Monitor. Provider is required.
type Options struct {
	Identity string
	Provider Provider
	// Registerer receives the monitor's Prometheus collectors. Nil disables
	// metrics export.
	Registerer prometheus.Registerer
	// Store overrides the storage chosen from DBHEALTH_PERSISTENCE_ENABLED.
	Store *storage.Manager
}

// Monitor is the public interface for the database health monitor
type Monitor struct {
	impl *core.Monitor
}

// New creates a monitor. Storage is SQLite when persistence is enabled,
// in-memory otherwise.
func New(opts Options) (*Monitor, error) {
	if opts.Provider == nil {
		return nil, errors.New("provider is required")
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = storage.NewManagerFromConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to open storage")
		}
	}

	var obs metrics.Observer = metrics.Nop{}
	if opts.Registerer != nil {
		obs = metrics.NewPromObserver(opts.Registerer)
	}

	return &Monitor{
		impl: core.New(core.Options{
			Identity: opts.Identity,
			Provider: opts.Provider,
			Store:    store,
			Observer: obs,
		}),
	}, nil
}

// Run drives every job from its own ticker until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.impl.Run(ctx)
}

// SampleTick collects one reading into the hot ring.
func (m *Monitor) SampleTick(ctx context.Context) TickRecord {
	return m.impl.SampleTick(ctx)
}

// Flush promotes new ring slots into aggregate rows.
func (m *Monitor) Flush(ctx context.Context) TickRecord {
	return m.impl.Flush(ctx)
}

// Archive copies new ring slots verbatim into the archive tier.
func (m *Monitor) Archive(ctx context.Context) TickRecord {
	return m.impl.Archive(ctx)
}

// CaptureSnapshot records the cumulative counters.
func (m *Monitor) CaptureSnapshot(ctx context.Context) TickRecord {
	return m.impl.CaptureSnapshot(ctx)
}

// Cleanup applies retention and the capacity valve.
func (m *Monitor) Cleanup(ctx context.Context) TickRecord {
	return m.impl.Cleanup(ctx)
}

// EvaluateMode decides between normal and emergency collection.
func (m *Monitor) EvaluateMode(ctx context.Context) TickRecord {
	return m.impl.EvaluateMode(ctx)
}

// Backup writes a dated copy of the SQLite store.
func (m *Monitor) Backup(ctx context.Context) TickRecord {
	return m.impl.Backup(ctx)
}

// Status reports the monitor state with up to ticks recent tick records.
func (m *Monitor) Status(ticks int) Status {
	return m.impl.Status(ticks)
}

// Dump returns the status as a JSON string.
func (m *Monitor) Dump() string {
	data, err := json.MarshalIndent(m.impl.Status(0), "", "    ")
	if err != nil {
		config.LogError(context.Background(), "JSON marshalling failed: "+err.Error())
		return "{}"
	}
	return string(data)
}

// ExportAggregates returns aggregate rows in (start, end] as indented JSON.
func (m *Monitor) ExportAggregates(ctx context.Context, start, end time.Time) (string, error) {
	return handlers.ExportAggregates(ctx, m.impl, start, end, "json")
}

// HealthHandler serves the status as JSON
func (m *Monitor) HealthHandler() http.HandlerFunc {
	return handlers.HealthHandler(m.impl)
}

// StatusHandler returns a simple UP/DEGRADED endpoint
func (m *Monitor) StatusHandler() http.HandlerFunc {
	return handlers.StatusHandler(m.impl)
}

// Handler mounts every read endpoint on one mux.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HealthHandler(m.impl))
	mux.HandleFunc("/status", handlers.StatusHandler(m.impl))
	mux.HandleFunc("/ring", handlers.RingHandler(m.impl))
	mux.HandleFunc("/aggregates", handlers.AggregatesHandler(m.impl))
	mux.HandleFunc("/snapshots/compare", handlers.CompareHandler(m.impl))
	mux.HandleFunc("/ticks", handlers.TickLogHandler(m.impl))
	mux.HandleFunc("/ticks/summary", handlers.SummaryHandler(m.impl))
	return mux
}

// Close flushes pending tick records and closes storage.
func (m *Monitor) Close() error {
	return m.impl.Close()
}
