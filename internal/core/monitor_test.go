package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thisdougb/dbhealth/internal/aggregate"
	"github.com/thisdougb/dbhealth/internal/config"
	"github.com/thisdougb/dbhealth/internal/provider"
	"github.com/thisdougb/dbhealth/internal/provider/providertest"
	"github.com/thisdougb/dbhealth/internal/ring"
	"github.com/thisdougb/dbhealth/internal/safety"
	"github.com/thisdougb/dbhealth/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func settings() config.Settings {
	s := config.Current()
	s.RingSlots = 10
	s.SampleInterval = time.Minute
	s.TickBudget = time.Second
	s.ProviderTimeout = time.Second
	s.JobMaxRuntime = time.Minute
	s.BreakerWindow = 3
	s.BreakerMaxDuration = time.Second
	s.BreakerFailureRate = 0.5
	s.ShedActivePct = 70
	s.ModeLoadPct = 60
	s.ModeEnterEvals = 1
	s.ModeQuietEvals = 3
	s.StorageWarnBytes = 1 << 40
	s.StorageCriticalBytes = 1 << 41
	s.StorageReenableBytes = 1 << 40
	return s
}

func busyFake() *providertest.Fake {
	return &providertest.Fake{
		LoadValue: provider.Load{ActiveSessions: 5, MaxConnections: 100},
		Events: []provider.WaitEvent{
			{Type: "Lock", Event: "relation", Count: 2},
			{Type: "IO", Event: "DataFileRead", Count: 1},
		},
		SessionList: []provider.Session{
			{PID: 10, User: "app", Database: "shop", State: "active"},
			{PID: 11, User: "app", Database: "shop", State: "idle"},
		},
		Pairs: []provider.BlockingPair{
			{BlockedPID: 10, BlockingPID: 11, LockType: "relation", Mode: "AccessExclusiveLock", WaitSeconds: 3},
		},
		CounterValues: provider.Counters{"xact_commit": 100, "blks_read": 10},
	}
}

type fixture struct {
	monitor *Monitor
	fake    *providertest.Fake
	clock   *fakeClock
	backend *storage.MemoryBackend
	store   *storage.Manager
	s       config.Settings
}

func newFixture(t *testing.T, fake *providertest.Fake) *fixture {
	t.Helper()

	f := &fixture{
		fake:    fake,
		clock:   &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		backend: storage.NewMemoryBackend(),
		s:       settings(),
	}
	f.store = storage.NewManager(f.backend, storage.TestConfig())
	f.monitor = New(Options{
		Identity: "test",
		Provider: fake,
		Store:    f.store,
		Settings: func() config.Settings { return f.s },
		Clock:    f.clock.Now,
	})
	t.Cleanup(func() { f.monitor.Close() })

	return f
}

func TestSampleFlushArchive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, busyFake())

	for i := 0; i < 3; i++ {
		rec := f.monitor.SampleTick(ctx)
		require.Equal(t, safety.OutcomeSuccess, rec.Outcome, rec.Detail)
		f.clock.Advance(time.Minute)
	}
	assert.Len(t, f.monitor.RingSlots(), 3)

	rec := f.monitor.Flush(ctx)
	require.Equal(t, safety.OutcomeSuccess, rec.Outcome, rec.Detail)
	assert.Equal(t, "3 slots, 6 rows", rec.Detail)

	rows, err := f.monitor.Aggregates(ctx, f.clock.Now().Add(-time.Hour), f.clock.Now())
	require.NoError(t, err)
	byKey := map[string]storage.AggregateRecord{}
	for _, r := range rows {
		byKey[r.CategoryKey] = r
	}
	assert.Equal(t, 3, byKey[aggregate.SlotsKey].Count)
	assert.Equal(t, 6.0, byKey["wait:Lock:relation"].Sum)
	assert.Equal(t, 100.0, byKey["session:idle"].Pct)

	rec = f.monitor.Archive(ctx)
	require.Equal(t, safety.OutcomeSuccess, rec.Outcome, rec.Detail)
	assert.Equal(t, 3, f.backend.Len(storage.TierArchive))

	// nothing new since the last run
	rec = f.monitor.Flush(ctx)
	assert.Equal(t, "0 slots, 0 rows", rec.Detail)
}

func TestSamplePartialWhenOneDimensionFails(t *testing.T) {
	ctx := context.Background()
	fake := busyFake()
	fake.SessionErr = errors.New("permission denied")
	f := newFixture(t, fake)

	rec := f.monitor.SampleTick(ctx)
	assert.Equal(t, safety.OutcomePartial, rec.Outcome)
	assert.Contains(t, rec.Detail, "sessions absent")

	slots := f.monitor.RingSlots()
	require.Len(t, slots, 1)
	assert.NotEmpty(t, slots[0].Absent[ring.Sessions])
	assert.NotEmpty(t, slots[0].Samples[ring.WaitEvents])
	assert.NotEmpty(t, slots[0].Samples[ring.Locks])
}

func TestSampleErrorWhenAllDimensionsFail(t *testing.T) {
	fake := busyFake()
	fake.SessionErr = errors.New("down")
	fake.EventErr = errors.New("down")
	fake.PairErr = errors.New("down")
	f := newFixture(t, fake)

	rec := f.monitor.SampleTick(context.Background())
	assert.Equal(t, safety.OutcomeError, rec.Outcome)
	assert.Len(t, f.monitor.RingSlots(), 1)
}

func TestEmergencyModeCollectsWaitsAndLocksOnly(t *testing.T) {
	ctx := context.Background()
	fake := busyFake()
	fake.SetLoad(provider.Load{ActiveSessions: 65, MaxConnections: 100})
	f := newFixture(t, fake)

	rec := f.monitor.EvaluateMode(ctx)
	require.Equal(t, safety.OutcomeSuccess, rec.Outcome)
	assert.Contains(t, rec.Detail, "switched to emergency")
	assert.Equal(t, safety.Emergency, f.monitor.Mode())

	rec = f.monitor.SampleTick(ctx)
	assert.Equal(t, safety.OutcomeSuccess, rec.Outcome, rec.Detail)
	assert.Equal(t, 0, fake.Calls("Sessions"))

	slots := f.monitor.RingSlots()
	require.Len(t, slots, 1)
	assert.Equal(t, "mode", slots[0].Absent[ring.Sessions])
}

func TestCleanupClosesCapacityValve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, busyFake())
	f.s.StorageWarnBytes = 1
	f.s.StorageCriticalBytes = 1
	f.s.StorageReenableBytes = 1

	require.Equal(t, safety.OutcomeSuccess, f.monitor.SampleTick(ctx).Outcome)
	require.Equal(t, safety.OutcomeSuccess, f.monitor.Flush(ctx).Outcome)
	f.clock.Advance(time.Minute)

	rec := f.monitor.Cleanup(ctx)
	assert.Equal(t, safety.OutcomePartial, rec.Outcome)
	assert.Contains(t, rec.Detail, "collection disabled")

	f.clock.Advance(time.Minute)
	calls := f.fake.TotalCalls()
	rec = f.monitor.SampleTick(ctx)
	assert.Equal(t, safety.OutcomeSkip, rec.Outcome)
	assert.Equal(t, safety.ReasonCapacity, rec.Reason)
	assert.Equal(t, calls, f.fake.TotalCalls())

	// flush and archive are not gated by the valve
	assert.Equal(t, safety.OutcomeSuccess, f.monitor.Flush(ctx).Outcome)
	assert.False(t, f.monitor.Status(0).CollectionEnabled)
}

func TestSnapshotCompare(t *testing.T) {
	ctx := context.Background()
	fake := busyFake()
	f := newFixture(t, fake)
	t1 := f.clock.Now()

	require.Equal(t, safety.OutcomeSuccess, f.monitor.CaptureSnapshot(ctx).Outcome)
	f.clock.Advance(15 * time.Minute)
	fake.SetCounters(provider.Counters{"xact_commit": 1000, "blks_read": 5})
	require.Equal(t, safety.OutcomeSuccess, f.monitor.CaptureSnapshot(ctx).Outcome)

	cmp, err := f.monitor.Compare(ctx, t1, f.clock.Now())
	require.NoError(t, err)
	require.NotNil(t, cmp.Deltas["xact_commit"])
	assert.Equal(t, int64(900), *cmp.Deltas["xact_commit"])
	assert.Nil(t, cmp.Deltas["blks_read"])
	assert.Equal(t, 900.0, cmp.ElapsedSeconds)
}

func TestTickLogIsPersisted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, busyFake())
	start := f.clock.Now()

	f.monitor.SampleTick(ctx)
	f.monitor.Backup(ctx)
	require.NoError(t, f.store.FlushTickLog())

	entries, err := f.monitor.TickLog(ctx, start.Add(-time.Second), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	jobs := []string{entries[0].Job, entries[1].Job}
	assert.ElementsMatch(t, []string{"sample", "backup"}, jobs)
	for _, e := range entries {
		assert.Equal(t, "normal", e.Mode)
		assert.NotEmpty(t, e.ID)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, busyFake())
	f.monitor.SampleTick(ctx)
	f.clock.Advance(time.Minute)
	f.monitor.SampleTick(ctx)

	st := f.monitor.Status(1)
	assert.Equal(t, "test", st.Identity)
	assert.Equal(t, "normal", st.Mode)
	assert.True(t, st.CollectionEnabled)
	assert.False(t, st.BreakerOpen)
	assert.Equal(t, 10, st.RingSlots)
	assert.Equal(t, "1m0s", st.RingInterval)
	assert.False(t, st.Persistent)
	require.Len(t, st.RecentTicks, 1)
	assert.Equal(t, safety.JobSample, st.RecentTicks[0].Job)
}

func TestRunDrivesTriggers(t *testing.T) {
	fake := busyFake()
	store := storage.NewManager(storage.NewMemoryBackend(), storage.TestConfig())
	s := settings()
	s.SampleInterval = 10 * time.Millisecond
	s.FlushInterval = 30 * time.Millisecond
	s.ModeInterval = 20 * time.Millisecond
	s.ArchiveInterval = 0
	s.SnapshotInterval = 0
	s.CleanupInterval = 0
	s.BackupInterval = 0

	m := New(Options{Provider: fake, Store: store, Settings: func() config.Settings { return s }})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	assert.Greater(t, fake.Calls("WaitEvents"), 0)
	assert.Equal(t, 0, fake.Calls("Counters"))

	rows, err := m.Aggregates(context.Background(), time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, rows)
}

// overlappingSample starts a slow sample tick and returns once its provider
// calls are in flight. The returned channel yields the finished record.
func overlappingSample(t *testing.T, f *fixture) <-chan safety.TickRecord {
	t.Helper()

	before := f.fake.Calls("WaitEvents")
	f.fake.Delay = 300 * time.Millisecond

	done := make(chan safety.TickRecord, 1)
	go func() { done <- f.monitor.SampleTick(context.Background()) }()

	require.Eventually(t, func() bool {
		return f.fake.Calls("WaitEvents") > before
	}, time.Second, 5*time.Millisecond)
	return done
}

func TestFlushDuringSampleKeepsLateSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, busyFake())

	require.Equal(t, safety.OutcomeSuccess, f.monitor.SampleTick(ctx).Outcome)
	f.clock.Advance(time.Minute)

	done := overlappingSample(t, f)
	f.clock.Advance(time.Second)
	rec := f.monitor.Flush(ctx)
	assert.Equal(t, "1 slots, 6 rows", rec.Detail)

	sample := <-done
	require.Equal(t, safety.OutcomeSuccess, sample.Outcome, sample.Detail)
	require.Len(t, f.monitor.RingSlots(), 2)

	f.clock.Advance(time.Minute)
	rec = f.monitor.Flush(ctx)
	assert.Equal(t, "1 slots, 6 rows", rec.Detail)

	rows, err := f.monitor.Aggregates(ctx, f.clock.Now().Add(-time.Hour), f.clock.Now())
	require.NoError(t, err)
	slots := 0
	for _, r := range rows {
		if r.CategoryKey == aggregate.SlotsKey {
			slots += r.Count
		}
	}
	assert.Equal(t, 2, slots)
}

func TestArchiveDuringSampleKeepsLateSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, busyFake())

	require.Equal(t, safety.OutcomeSuccess, f.monitor.SampleTick(ctx).Outcome)
	f.clock.Advance(time.Minute)

	done := overlappingSample(t, f)
	f.clock.Advance(time.Second)
	rec := f.monitor.Archive(ctx)
	assert.Equal(t, "1 slots", rec.Detail)

	sample := <-done
	require.Equal(t, safety.OutcomeSuccess, sample.Outcome, sample.Detail)

	f.clock.Advance(time.Minute)
	rec = f.monitor.Archive(ctx)
	assert.Equal(t, "1 slots", rec.Detail)
	assert.Equal(t, 2, f.backend.Len(storage.TierArchive))
}
