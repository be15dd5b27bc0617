//go:build dev

package dbhealth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thisdougb/dbhealth/internal/provider"
	"github.com/thisdougb/dbhealth/internal/provider/providertest"
)

func TestIntegrationSQLitePersistence(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "dbhealth.db")

	t.Setenv("DBHEALTH_PERSISTENCE_ENABLED", "true")
	t.Setenv("DBHEALTH_DB_PATH", dbPath)
	t.Setenv("DBHEALTH_BACKUP_ENABLED", "true")
	t.Setenv("DBHEALTH_BACKUP_DIR", filepath.Join(dir, "backups"))
	t.Setenv("DBHEALTH_SAMPLE_INTERVAL", "1s")

	fake := &providertest.Fake{
		LoadValue:     provider.Load{ActiveSessions: 1, MaxConnections: 50},
		Events:        []provider.WaitEvent{{Type: "Lock", Event: "transactionid", Count: 3}},
		SessionList:   []provider.Session{{PID: 1, State: "active"}},
		CounterValues: provider.Counters{"xact_commit": 5},
	}

	m, err := New(Options{Identity: "integration", Provider: fake})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.Equal(t, "success", string(m.SampleTick(ctx).Outcome))
		time.Sleep(time.Second)
	}
	assert.Equal(t, "success", string(m.Flush(ctx).Outcome))
	assert.Equal(t, "success", string(m.Archive(ctx).Outcome))
	assert.Equal(t, "success", string(m.CaptureSnapshot(ctx).Outcome))
	assert.Equal(t, "success", string(m.Cleanup(ctx).Outcome))

	rec := m.Backup(ctx)
	require.Equal(t, "success", string(rec.Outcome), rec.Detail)
	_, err = os.Stat(rec.Detail)
	assert.NoError(t, err)

	st := m.Status(0)
	assert.True(t, st.Persistent)
	assert.Equal(t, true, st.Backup["enabled"])

	require.NoError(t, m.Close())

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestGracefulShutdown(t *testing.T) {
	t.Setenv("DBHEALTH_SAMPLE_INTERVAL", "50ms")
	t.Setenv("DBHEALTH_MODE_INTERVAL", "50ms")

	fake := &providertest.Fake{LoadValue: provider.Load{MaxConnections: 10}}
	m, err := New(Options{Provider: fake})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NoError(t, m.Close())
	assert.Greater(t, fake.Calls("WaitEvents"), 0)
}
