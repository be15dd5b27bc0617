package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thisdougb/dbhealth/internal/storage"
)

func TestExportAggregates(t *testing.T) {
	tm := setupTestMonitor(t)
	tm.sampleAndFlush(4, 2)
	ctx := context.Background()

	output, err := ExportAggregates(ctx, tm, base, base.Add(time.Hour), "json")
	require.NoError(t, err)

	var export AggregatesExport
	require.NoError(t, json.Unmarshal([]byte(output), &export))
	assert.Equal(t, 8, export.Summary.TotalRows)
	assert.Equal(t, 1, export.Summary.TimeSpanHours)

	var dims []string
	for _, d := range export.Dimensions {
		dims = append(dims, d.Dimension)
	}
	assert.Equal(t, []string{"ring", "sessions", "wait_events"}, dims)

	_, err = ExportAggregates(ctx, tm, base, base.Add(time.Hour), "csv")
	assert.Error(t, err)
}

func TestListCategories(t *testing.T) {
	tm := setupTestMonitor(t)
	tm.sampleAndFlush(2, 2)

	categories, err := ListCategories(context.Background(), tm, base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ring:slots",
		"session:active",
		"session:idle in transaction",
		"wait:Lock:tuple",
	}, categories)
}

type stubTickLog struct {
	entries []storage.TickLogEntry
	err     error
}

func (s stubTickLog) Aggregates(ctx context.Context, from, to time.Time) ([]storage.AggregateRecord, error) {
	return nil, nil
}

func (s stubTickLog) TickLog(ctx context.Context, since time.Time, limit int) ([]storage.TickLogEntry, error) {
	return s.entries, s.err
}

func TestGetTickSummary(t *testing.T) {
	stub := stubTickLog{entries: []storage.TickLogEntry{
		{Job: "sample", Outcome: "success", Duration: 100 * time.Millisecond},
		{Job: "sample", Outcome: "skip", Reason: "load_shedding"},
		{Job: "sample", Outcome: "error", Duration: 300 * time.Millisecond},
		{Job: "flush", Outcome: "success", Duration: 20 * time.Millisecond},
	}}

	summary, err := GetTickSummary(context.Background(), stub, base, 100)
	require.NoError(t, err)

	require.Len(t, summary.Jobs, 2)
	assert.Equal(t, "flush", summary.Jobs[0].Job)

	sample := summary.Jobs[1]
	assert.Equal(t, 3, sample.Ticks)
	assert.Equal(t, map[string]int{"success": 1, "skip": 1, "error": 1}, sample.Outcomes)
	assert.Equal(t, map[string]int{"load_shedding": 1}, sample.Reasons)
	assert.Equal(t, 0.0, sample.DurationMs.Min)
	assert.Equal(t, 300.0, sample.DurationMs.Max)
	assert.InDelta(t, 133.33, sample.DurationMs.Avg, 0.01)

	assert.Equal(t, 4, summary.OverallSummary.TotalTicks)
	assert.Equal(t, 25.0, summary.OverallSummary.SkipPercent)
	assert.Equal(t, 25.0, summary.OverallSummary.ErrorPercent)
	assert.True(t, summary.OverallSummary.CollectorSound)

	closed := errors.New("closed")
	_, err = GetTickSummary(context.Background(), stubTickLog{err: closed}, base, 100)
	require.Error(t, err)
	assert.Equal(t, closed, errors.Cause(err))
	assert.Contains(t, err.Error(), "failed to read tick log")
}

func TestSummaryHandler(t *testing.T) {
	tm := setupTestMonitor(t)
	tm.sampleAndFlush(2, 2)
	require.NoError(t, tm.store.FlushTickLog())

	w := get(t, SummaryHandler(tm), "/ticks/summary?lookback=1h")
	require.Equal(t, http.StatusOK, w.Code)

	var summary TickSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 3, summary.OverallSummary.TotalTicks)

	w = get(t, SummaryHandler(tm), "/ticks/summary?lookback=soon")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
