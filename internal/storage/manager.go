package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Manager owns the durable backend, the tick log queue and backups. It
// embeds Backend so producers and readers use it directly.
type Manager struct {
	Backend
	ticks      *TickLogQueue
	backup     BackupConfig
	persistent bool
}

// NewManager wraps backend and starts its tick log queue.
func NewManager(backend Backend, cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	m := &Manager{
		Backend: backend,
		ticks:   NewTickLogQueue(backend, cfg.FlushInterval, cfg.BatchSize),
		backup:  cfg.Backup,
	}
	_, m.persistent = backend.(*SQLiteBackend)
	m.ticks.Start()

	return m
}

// NewManagerFromConfig picks SQLite when persistence is enabled and an
// in-memory backend otherwise.
func NewManagerFromConfig() (*Manager, error) {
	cfg := LoadConfig()

	if !cfg.Enabled || cfg.DBPath == "" {
		return NewManager(NewMemoryBackend(), cfg), nil
	}

	backend, err := NewSQLiteBackend(SQLiteConfig{DBPath: cfg.DBPath})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create SQLite backend")
	}

	return NewManager(backend, cfg), nil
}

// LogTick queues an audit entry for the durable tick log.
func (m *Manager) LogTick(entry TickLogEntry) error {
	return m.ticks.Enqueue(entry)
}

// FlushTickLog writes queued tick log entries now.
func (m *Manager) FlushTickLog() error {
	return m.ticks.ForceFlush()
}

// RecentTicks flushes the queue and returns the newest entries since t.
func (m *Manager) RecentTicks(ctx context.Context, since time.Time, limit int) ([]TickLogEntry, error) {
	if err := m.ticks.ForceFlush(); err != nil {
		return nil, err
	}
	return m.Backend.ReadTickLog(ctx, since, limit)
}

// Backup snapshots the SQLite store to the backup directory. It is a no-op
// for the in-memory backend or when backups are disabled.
func (m *Manager) Backup() (string, error) {
	sqlite, ok := m.Backend.(*SQLiteBackend)
	if !ok {
		return "", nil
	}
	return sqlite.CreateBackup(&m.backup)
}

// BackupConfig returns the backup settings in use.
func (m *Manager) BackupConfig() BackupConfig {
	return m.backup
}

// IsPersistent reports whether the durable tiers survive a restart.
func (m *Manager) IsPersistent() bool {
	return m.persistent
}

// Close flushes the tick log and closes the backend.
func (m *Manager) Close() error {
	m.ticks.Stop()
	return m.Backend.Close()
}
