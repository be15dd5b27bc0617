package collect

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thisdougb/dbhealth/internal/metrics"
	"github.com/thisdougb/dbhealth/internal/provider"
	"github.com/thisdougb/dbhealth/internal/provider/providertest"
	"github.com/thisdougb/dbhealth/internal/ring"
)

func fullOptions() Options {
	return Options{Dimensions: ring.AllDimensions, Timeout: time.Second, RowCap: 10}
}

func resultFor(t *testing.T, r ring.Reading, d ring.Dimension) ring.Result {
	t.Helper()
	for _, res := range r.Results {
		if res.Dimension == d {
			return res
		}
	}
	t.Fatalf("no result for %s", d)
	return ring.Result{}
}

func TestCollectAllDimensions(t *testing.T) {
	fake := &providertest.Fake{
		Events: []provider.WaitEvent{{Type: "Lock", Event: "transactionid", Count: 4}},
		SessionList: []provider.Session{
			{PID: 11, User: "app", Database: "shop", State: "active", Query: "select 1"},
			{PID: 12, User: "app", Database: "shop", State: "idle in transaction"},
		},
		Pairs: []provider.BlockingPair{{BlockedPID: 11, BlockingPID: 12, LockType: "transactionid", Mode: "ShareLock"}},
	}

	c := New(fake, time.Minute, nil)
	reading := c.Collect(context.Background(), fullOptions())

	require.Len(t, reading.Results, len(ring.AllDimensions))

	waits := resultFor(t, reading, ring.WaitEvents)
	require.NoError(t, waits.Err)
	require.Len(t, waits.Samples, 1)
	assert.Equal(t, "wait:Lock:transactionid", waits.Samples[0].Key)
	assert.Equal(t, 4.0, waits.Samples[0].Value)

	sessions := resultFor(t, reading, ring.Sessions)
	require.NoError(t, sessions.Err)
	require.Len(t, sessions.Samples, 2)
	assert.Equal(t, "session:active", sessions.Samples[0].Key)
	assert.Equal(t, "11", sessions.Samples[0].Attrs["pid"])

	locks := resultFor(t, reading, ring.Locks)
	require.NoError(t, locks.Err)
	require.Len(t, locks.Samples, 1)
	assert.Equal(t, "lock:transactionid:ShareLock", locks.Samples[0].Key)
}

func TestCollectIsolatesFailingDimension(t *testing.T) {
	fake := &providertest.Fake{
		Events:  []provider.WaitEvent{{Type: "IO", Event: "DataFileRead", Count: 2}},
		PairErr: errors.New("permission denied"),
	}

	c := New(fake, time.Minute, nil)
	reading := c.Collect(context.Background(), fullOptions())

	assert.NoError(t, resultFor(t, reading, ring.WaitEvents).Err)
	assert.NoError(t, resultFor(t, reading, ring.Sessions).Err)

	locks := resultFor(t, reading, ring.Locks)
	require.Error(t, locks.Err)
	assert.True(t, errors.Is(locks.Err, provider.ErrProvider))
}

func TestCollectTimeoutIsClassified(t *testing.T) {
	fake := &providertest.Fake{Delay: 200 * time.Millisecond}

	c := New(fake, time.Minute, metrics.Nop{})
	opts := fullOptions()
	opts.Timeout = 10 * time.Millisecond

	start := time.Now()
	reading := c.Collect(context.Background(), opts)
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	for _, res := range reading.Results {
		require.Error(t, res.Err, res.Dimension)
		assert.True(t, errors.Is(res.Err, provider.ErrTimeout), res.Dimension)
	}
}

func TestCollectDropsDimensionsByMode(t *testing.T) {
	fake := &providertest.Fake{}

	c := New(fake, time.Minute, nil)
	opts := fullOptions()
	opts.Dimensions = []ring.Dimension{ring.WaitEvents, ring.Locks}

	reading := c.Collect(context.Background(), opts)

	assert.True(t, errors.Is(resultFor(t, reading, ring.Sessions).Err, ErrDroppedByMode))
	assert.Equal(t, 0, fake.Calls("Sessions"))
	assert.Equal(t, 1, fake.Calls("WaitEvents"))
}

func TestCollectRowCap(t *testing.T) {
	var sessions []provider.Session
	for i := 0; i < 50; i++ {
		sessions = append(sessions, provider.Session{PID: i, State: "active"})
	}
	fake := &providertest.Fake{SessionList: sessions}

	c := New(fake, time.Minute, nil)
	opts := fullOptions()
	opts.RowCap = 5

	reading := c.Collect(context.Background(), opts)
	assert.Len(t, resultFor(t, reading, ring.Sessions).Samples, 5)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	fake := &providertest.Fake{EventErr: errors.New("boom")}

	c := New(fake, time.Minute, nil)
	opts := fullOptions()
	opts.Dimensions = []ring.Dimension{ring.WaitEvents}

	for i := 0; i < breakerFailures; i++ {
		c.Collect(context.Background(), opts)
	}
	assert.Equal(t, breakerFailures, fake.Calls("WaitEvents"))

	reading := c.Collect(context.Background(), opts)
	assert.Error(t, resultFor(t, reading, ring.WaitEvents).Err)
	assert.Equal(t, breakerFailures, fake.Calls("WaitEvents"), "open breaker must not reach the provider")
}
