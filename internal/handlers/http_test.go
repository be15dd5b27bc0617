package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thisdougb/dbhealth/internal/config"
	"github.com/thisdougb/dbhealth/internal/core"
	"github.com/thisdougb/dbhealth/internal/provider"
	"github.com/thisdougb/dbhealth/internal/provider/providertest"
	"github.com/thisdougb/dbhealth/internal/storage"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testMonitor struct {
	*core.Monitor
	fake  *providertest.Fake
	clock *testClock
	store *storage.Manager
	s     config.Settings
}

func setupTestMonitor(t *testing.T) *testMonitor {
	t.Helper()

	tm := &testMonitor{
		fake: &providertest.Fake{
			LoadValue: provider.Load{ActiveSessions: 1, MaxConnections: 100},
			Events:    []provider.WaitEvent{{Type: "Lock", Event: "tuple", Count: 4}},
			SessionList: []provider.Session{
				{PID: 1, State: "active"},
				{PID: 2, State: "idle in transaction"},
			},
			CounterValues: provider.Counters{"xact_commit": 10},
		},
		clock: &testClock{t: base},
	}
	tm.s = config.Current()
	tm.s.RingSlots = 60
	tm.s.SampleInterval = time.Minute
	tm.s.StorageWarnBytes = 1 << 40
	tm.s.StorageCriticalBytes = 1 << 41
	tm.s.StorageReenableBytes = 1 << 40

	tm.store = storage.NewManager(storage.NewMemoryBackend(), storage.TestConfig())
	tm.Monitor = core.New(core.Options{
		Identity: "handler-test",
		Provider: tm.fake,
		Store:    tm.store,
		Settings: func() config.Settings { return tm.s },
		Clock:    tm.clock.Now,
	})
	t.Cleanup(func() { tm.Close() })

	return tm
}

// sampleAndFlush writes n one-minute samples then flushes every flushEvery.
func (tm *testMonitor) sampleAndFlush(n, flushEvery int) {
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		tm.clock.Advance(time.Minute)
		tm.SampleTick(ctx)
		if i%flushEvery == 0 {
			tm.Flush(ctx)
		}
	}
}

func get(t *testing.T, h http.HandlerFunc, url string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	tm := setupTestMonitor(t)
	tm.sampleAndFlush(3, 10)

	w := get(t, HealthHandler(tm), "/health?ticks=2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var st core.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "handler-test", st.Identity)
	assert.Equal(t, "normal", st.Mode)
	assert.Len(t, st.RecentTicks, 2)
	assert.Equal(t, false, st.Backup["enabled"])

	w = get(t, HealthHandler(tm), "/health?ticks=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusHandler(t *testing.T) {
	tm := setupTestMonitor(t)

	w := get(t, StatusHandler(tm), "/status")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "UP normal\n", w.Body.String())

	tm.sampleAndFlush(1, 1)
	tm.s.StorageWarnBytes = 1
	tm.s.StorageCriticalBytes = 1
	tm.s.StorageReenableBytes = 1
	tm.Cleanup(context.Background())

	w = get(t, StatusHandler(tm), "/status")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "collection disabled")
}

func TestRingHandler(t *testing.T) {
	tm := setupTestMonitor(t)
	tm.sampleAndFlush(2, 10)

	w := get(t, RingHandler(tm), "/ring")
	require.Equal(t, http.StatusOK, w.Code)

	var slots []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &slots))
	assert.Len(t, slots, 2)
}

func TestAggregatesHandler(t *testing.T) {
	tm := setupTestMonitor(t)
	tm.sampleAndFlush(10, 5)

	t.Run("lookback", func(t *testing.T) {
		w := get(t, AggregatesHandler(tm), "/aggregates?lookback=1h")
		require.Equal(t, http.StatusOK, w.Code)

		var resp AggregatesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		// two flushes, four categories each
		assert.Len(t, resp.Rows, 8)
		assert.Equal(t, "1h", resp.RequestParams.Lookback)
	})

	t.Run("category filter", func(t *testing.T) {
		w := get(t, AggregatesHandler(tm), "/aggregates?lookback=1h&category=session:")
		require.Equal(t, http.StatusOK, w.Code)

		var resp AggregatesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Rows, 4)
		for _, r := range resp.Rows {
			assert.True(t, strings.HasPrefix(r.CategoryKey, "session:"))
		}
	})

	t.Run("window rollup", func(t *testing.T) {
		w := get(t, AggregatesHandler(tm), "/aggregates?lookback=1h&window=1h&category=wait:")
		require.Equal(t, http.StatusOK, w.Code)

		var resp AggregatesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Rows, 1)
		r := resp.Rows[0]
		assert.Equal(t, 10, r.Count)
		assert.Equal(t, 40.0, r.Sum)
		assert.Equal(t, 4.0, r.Avg)
		assert.Equal(t, 10, r.Slots)
		assert.Equal(t, 100.0, r.Pct)
	})

	t.Run("date and time reference", func(t *testing.T) {
		w := get(t, AggregatesHandler(tm), "/aggregates?lookback=3m&date=2024-05-01&time=10:05")
		require.Equal(t, http.StatusOK, w.Code)

		var resp AggregatesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, base.Add(5*time.Minute), resp.ReferenceTime)
		assert.Len(t, resp.Rows, 4)
	})

	errorCases := map[string]string{
		"missing range": "/aggregates",
		"both ranges":   "/aggregates?lookback=1h&lookahead=1h",
		"bad window":    "/aggregates?lookback=1h&window=-5m",
		"bad date":      "/aggregates?lookback=1h&date=01-05-2024",
		"bad time":      "/aggregates?lookback=1h&time=25:00",
	}
	for name, url := range errorCases {
		t.Run(name, func(t *testing.T) {
			w := get(t, AggregatesHandler(tm), url)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestCompareHandler(t *testing.T) {
	tm := setupTestMonitor(t)
	ctx := context.Background()

	tm.CaptureSnapshot(ctx)
	tm.clock.Advance(10 * time.Second)
	tm.fake.SetCounters(provider.Counters{"xact_commit": 110, "deadlocks": 1})
	tm.CaptureSnapshot(ctx)

	from := base.Format(time.RFC3339)
	to := base.Add(10 * time.Second).Format(time.RFC3339)

	w := get(t, CompareHandler(tm), "/snapshots/compare?from="+from+"&to="+to)
	require.Equal(t, http.StatusOK, w.Code)

	var resp CompareResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 10.0, resp.ElapsedSeconds)
	require.NotNil(t, resp.Deltas["xact_commit"])
	assert.Equal(t, int64(100), *resp.Deltas["xact_commit"])
	require.NotNil(t, resp.Rates["xact_commit"])
	assert.Equal(t, 10.0, *resp.Rates["xact_commit"])
	assert.Nil(t, resp.Deltas["deadlocks"])
	assert.Nil(t, resp.Rates["deadlocks"])

	w = get(t, CompareHandler(tm), "/snapshots/compare?from="+to+"&to="+from)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	later := base.Add(time.Hour).Format(time.RFC3339)
	w = get(t, CompareHandler(tm), "/snapshots/compare?from="+later+"&to="+later)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = get(t, CompareHandler(tm), "/snapshots/compare?from=yesterday&to="+to)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTickLogHandler(t *testing.T) {
	tm := setupTestMonitor(t)
	tm.sampleAndFlush(3, 3)
	require.NoError(t, tm.store.FlushTickLog())

	w := get(t, TickLogHandler(tm), "/ticks?lookback=1h&limit=2")
	require.Equal(t, http.StatusOK, w.Code)

	var entries []storage.TickLogEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.False(t, entries[0].Started.Before(entries[1].Started))

	w = get(t, TickLogHandler(tm), "/ticks?limit=0")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCalculateReferenceTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 14, 30, 15, 999, time.UTC)

	assert.Equal(t, now, calculateReferenceTime(&TimeSeriesParams{}, now))

	date := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 4, 2, 14, 30, 15, 0, time.UTC),
		calculateReferenceTime(&TimeSeriesParams{Date: &date}, now))

	clock := time.Date(2000, 1, 1, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		calculateReferenceTime(&TimeSeriesParams{Time: &clock}, now))
}
