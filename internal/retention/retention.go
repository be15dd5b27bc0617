// Package retention purges aged rows from the durable tiers and acts as the
// storage safety valve: above the warning footprint horizons shrink, above
// the critical footprint collection stops until usage falls back under the
// re-enable threshold.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/thisdougb/dbhealth/internal/config"
	"github.com/thisdougb/dbhealth/internal/metrics"
	"github.com/thisdougb/dbhealth/internal/storage"
)

// ErrCapacityExceeded is returned by Cleanup while collection is disabled.
var ErrCapacityExceeded = errors.New("storage capacity exceeded")

// Store is what retention needs from the durable tier.
type Store interface {
	Purge(ctx context.Context, tier storage.Tier, cutoff time.Time) (int64, error)
	Footprint(ctx context.Context) (int64, error)
}

// Report describes one cleanup.
type Report struct {
	FootprintBefore   int64                  `json:"footprint_before"`
	FootprintAfter    int64                  `json:"footprint_after"`
	Shrunk            bool                   `json:"shrunk"`
	Removed           map[storage.Tier]int64 `json:"removed"`
	CollectionEnabled bool                   `json:"collection_enabled"`
}

// Manager runs cleanups and holds the collection valve.
type Manager struct {
	mu      sync.RWMutex
	store   Store
	obs     metrics.Observer
	enabled bool
}

// New returns a manager with collection enabled.
func New(store Store, obs metrics.Observer) *Manager {
	if obs == nil {
		obs = metrics.Nop{}
	}
	obs.SetCollectionEnabled(true)
	return &Manager{store: store, obs: obs, enabled: true}
}

// CollectionEnabled is false while the footprint valve is closed.
func (m *Manager) CollectionEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Horizons returns the retention horizon per tier, shrunk when asked.
func Horizons(s config.Settings, shrink bool) map[storage.Tier]time.Duration {
	h := map[storage.Tier]time.Duration{
		storage.TierAggregates: s.RetainAggregates,
		storage.TierArchive:    s.RetainArchive,
		storage.TierSnapshots:  s.RetainSnapshots,
		storage.TierTickLog:    s.RetainTickLog,
	}
	if !shrink {
		return h
	}

	factor := s.RetentionShrinkFactor
	if factor <= 0 || factor >= 1 {
		factor = 0.5
	}
	for tier, d := range h {
		h[tier] = time.Duration(float64(d) * factor)
	}
	return h
}

// Cleanup deletes rows strictly older than now minus each tier's horizon,
// then updates the collection valve from the resulting footprint.
func (m *Manager) Cleanup(ctx context.Context, s config.Settings, now time.Time) (Report, error) {
	report := Report{Removed: make(map[storage.Tier]int64)}

	before, err := m.store.Footprint(ctx)
	if err != nil {
		return report, errors.Wrap(err, "failed to read storage footprint")
	}
	report.FootprintBefore = before
	report.Shrunk = before > s.StorageWarnBytes

	if report.Shrunk {
		config.LogWarn(ctx, fmt.Sprintf("storage footprint %s above warning %s, shrinking retention",
			humanize.Bytes(uint64(before)), humanize.Bytes(uint64(s.StorageWarnBytes))))
	}

	for _, tier := range storage.Tiers {
		horizon := Horizons(s, report.Shrunk)[tier]
		if horizon <= 0 {
			continue
		}
		n, err := m.store.Purge(ctx, tier, now.Add(-horizon))
		if err != nil {
			return report, errors.Wrapf(err, "failed to purge %s", tier)
		}
		report.Removed[tier] = n
	}

	after, err := m.store.Footprint(ctx)
	if err != nil {
		return report, errors.Wrap(err, "failed to read storage footprint")
	}
	report.FootprintAfter = after
	m.obs.SetFootprint(after)

	m.mu.Lock()
	switch {
	case m.enabled && after > s.StorageCriticalBytes:
		m.enabled = false
		config.LogWarn(ctx, fmt.Sprintf("storage footprint %s above critical %s, collection disabled",
			humanize.Bytes(uint64(after)), humanize.Bytes(uint64(s.StorageCriticalBytes))))
	case !m.enabled && after < s.StorageReenableBytes:
		m.enabled = true
		config.LogInfo(ctx, fmt.Sprintf("storage footprint %s below %s, collection re-enabled",
			humanize.Bytes(uint64(after)), humanize.Bytes(uint64(s.StorageReenableBytes))))
	}
	report.CollectionEnabled = m.enabled
	m.mu.Unlock()

	m.obs.SetCollectionEnabled(report.CollectionEnabled)

	if !report.CollectionEnabled {
		return report, ErrCapacityExceeded
	}
	return report, nil
}
