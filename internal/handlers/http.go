package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/thisdougb/dbhealth/internal/aggregate"
	"github.com/thisdougb/dbhealth/internal/core"
	"github.com/thisdougb/dbhealth/internal/ring"
	"github.com/thisdougb/dbhealth/internal/snapshot"
	"github.com/thisdougb/dbhealth/internal/storage"
)

// MonitorInterface defines what the handlers need from the monitor
type MonitorInterface interface {
	Now() time.Time
	Status(limit int) core.Status
	RingSlots() []ring.Slot
	Aggregates(ctx context.Context, from, to time.Time) ([]storage.AggregateRecord, error)
	Compare(ctx context.Context, t1, t2 time.Time) (snapshot.Comparison, error)
	TickLog(ctx context.Context, since time.Time, limit int) ([]storage.TickLogEntry, error)
}

const defaultStatusTicks = 20

// TimeSeriesParams holds parsed query parameters
type TimeSeriesParams struct {
	Window    time.Duration
	Lookback  *time.Duration
	Lookahead *time.Duration
	Date      *time.Time
	Time      *time.Time
}

// RequestParams represents the original query parameters from the request
type RequestParams struct {
	Window    string `json:"window,omitempty"`
	Lookback  string `json:"lookback,omitempty"`
	Lookahead string `json:"lookahead,omitempty"`
	Date      string `json:"date,omitempty"`
	Time      string `json:"time,omitempty"`
	Category  string `json:"category,omitempty"`
}

// AggregatesResponse is the warm tier for a time range, optionally rolled
// up into wider windows
type AggregatesResponse struct {
	StartTime     time.Time                 `json:"start_time"`
	EndTime       time.Time                 `json:"end_time"`
	ReferenceTime time.Time                 `json:"reference_time"`
	RequestParams RequestParams             `json:"request_params"`
	Rows          []storage.AggregateRecord `json:"rows"`
}

// CompareResponse is the counter change between two snapshots. Unknown
// deltas are null.
type CompareResponse struct {
	From           time.Time           `json:"from"`
	To             time.Time           `json:"to"`
	ElapsedSeconds float64             `json:"elapsed_seconds"`
	Deltas         map[string]*int64   `json:"deltas"`
	Rates          map[string]*float64 `json:"rates"`
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

// HealthHandler serves the monitor status as JSON. ?ticks=N limits the
// recent tick history.
func HealthHandler(m MonitorInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultStatusTicks
		if s := r.URL.Query().Get("ticks"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				http.Error(w, "ticks must be a non-negative integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		writeJSON(w, m.Status(limit))
	}
}

// StatusHandler returns a simple UP/DOWN status endpoint. Collection being
// disabled by the capacity valve or an open breaker reports DEGRADED.
func StatusHandler(m MonitorInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := m.Status(0)

		var problems []string
		if !st.CollectionEnabled {
			problems = append(problems, "collection disabled")
		}
		if st.BreakerOpen {
			problems = append(problems, "breaker open")
		}

		w.Header().Set("Content-Type", "text/plain")
		if len(problems) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "DEGRADED %s\n", strings.Join(problems, ", "))
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "UP %s\n", st.Mode)
	}
}

// RingHandler serves every written hot-tier slot, oldest first.
func RingHandler(m MonitorInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.RingSlots())
	}
}

// AggregatesHandler serves warm-tier rows for sar-style time range queries.
// Supports: /aggregates?lookback={duration}&window={duration}&category={prefix}&date={date}&time={time}
//
//	or: /aggregates?lookahead={duration}&date={date}&time={time}
func AggregatesHandler(m MonitorInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := parseTimeSeriesParams(r)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid parameters: %v", err), http.StatusBadRequest)
			return
		}

		if params.Lookback != nil && params.Lookahead != nil {
			http.Error(w, "lookback and lookahead are mutually exclusive", http.StatusBadRequest)
			return
		}
		if params.Lookback == nil && params.Lookahead == nil {
			http.Error(w, "either lookback or lookahead must be specified", http.StatusBadRequest)
			return
		}

		referenceTime := calculateReferenceTime(params, m.Now())

		var startTime, endTime time.Time
		if params.Lookback != nil {
			startTime = referenceTime.Add(-*params.Lookback)
			endTime = referenceTime
		} else {
			startTime = referenceTime
			endTime = referenceTime.Add(*params.Lookahead)
		}

		rows, err := m.Aggregates(r.Context(), startTime, endTime)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to read aggregates: %v", err), http.StatusInternalServerError)
			return
		}

		query := r.URL.Query()
		if params.Window > 0 {
			rows = rollupByWindow(rows, params.Window)
		}
		category := query.Get("category")
		if category != "" {
			rows = filterCategory(rows, category)
		}

		writeJSON(w, AggregatesResponse{
			StartTime:     startTime,
			EndTime:       endTime,
			ReferenceTime: referenceTime,
			RequestParams: RequestParams{
				Window:    query.Get("window"),
				Lookback:  query.Get("lookback"),
				Lookahead: query.Get("lookahead"),
				Date:      query.Get("date"),
				Time:      query.Get("time"),
				Category:  category,
			},
			Rows: rows,
		})
	}
}

// CompareHandler serves /snapshots/compare?from={RFC3339}&to={RFC3339}.
func CompareHandler(m MonitorInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
		if err != nil {
			http.Error(w, "from must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
		if err != nil {
			http.Error(w, "to must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}

		cmp, err := m.Compare(r.Context(), from, to)
		switch {
		case errors.Is(err, snapshot.ErrInvalidRange):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, snapshot.ErrNoSnapshot):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case err != nil:
			http.Error(w, fmt.Sprintf("Failed to compare snapshots: %v", err), http.StatusInternalServerError)
			return
		}

		rates := make(map[string]*float64, len(cmp.Deltas))
		for _, name := range cmp.Names() {
			if rate, ok := cmp.Rate(name); ok {
				rates[name] = &rate
			} else {
				rates[name] = nil
			}
		}

		writeJSON(w, CompareResponse{
			From:           cmp.From,
			To:             cmp.To,
			ElapsedSeconds: cmp.ElapsedSeconds,
			Deltas:         cmp.Deltas,
			Rates:          rates,
		})
	}
}

// TickLogHandler serves durable tick records, newest first.
// Supports: /ticks?lookback={duration}&limit={n}
func TickLogHandler(m MonitorInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lookback := time.Hour
		if s := r.URL.Query().Get("lookback"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid lookback duration: %v", err), http.StatusBadRequest)
				return
			}
			lookback = d
		}

		limit := 100
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}

		entries, err := m.TickLog(r.Context(), m.Now().Add(-lookback), limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to read tick log: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, entries)
	}
}

// parseTimeSeriesParams parses query parameters for time series requests
func parseTimeSeriesParams(r *http.Request) (*TimeSeriesParams, error) {
	params := &TimeSeriesParams{}
	query := r.URL.Query()

	if windowStr := query.Get("window"); windowStr != "" {
		window, err := time.ParseDuration(windowStr)
		if err != nil || window <= 0 {
			return nil, errors.Errorf("invalid window duration: %q", windowStr)
		}
		params.Window = window
	}

	if lookbackStr := query.Get("lookback"); lookbackStr != "" {
		lookback, err := time.ParseDuration(lookbackStr)
		if err != nil {
			return nil, errors.Errorf("invalid lookback duration: %v", err)
		}
		params.Lookback = &lookback
	}

	if lookaheadStr := query.Get("lookahead"); lookaheadStr != "" {
		lookahead, err := time.ParseDuration(lookaheadStr)
		if err != nil {
			return nil, errors.Errorf("invalid lookahead duration: %v", err)
		}
		params.Lookahead = &lookahead
	}

	if dateStr := query.Get("date"); dateStr != "" {
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			return nil, errors.Errorf("invalid date format, use YYYY-MM-DD: %v", err)
		}
		params.Date = &date
	}

	if timeStr := query.Get("time"); timeStr != "" {
		// HH:MM or HH:MM:SS
		timeParts := strings.Split(timeStr, ":")
		if len(timeParts) < 2 || len(timeParts) > 3 {
			return nil, errors.New("invalid time format, use HH:MM:SS or HH:MM")
		}

		hour, err := strconv.Atoi(timeParts[0])
		if err != nil || hour < 0 || hour > 23 {
			return nil, errors.Errorf("invalid hour: %s", timeParts[0])
		}

		minute, err := strconv.Atoi(timeParts[1])
		if err != nil || minute < 0 || minute > 59 {
			return nil, errors.Errorf("invalid minute: %s", timeParts[1])
		}

		second := 0
		if len(timeParts) == 3 {
			second, err = strconv.Atoi(timeParts[2])
			if err != nil || second < 0 || second > 59 {
				return nil, errors.Errorf("invalid second: %s", timeParts[2])
			}
		}

		parsedTime := time.Date(2000, 1, 1, hour, minute, second, 0, time.UTC)
		params.Time = &parsedTime
	}

	return params, nil
}

// calculateReferenceTime combines date and time parameters, each defaulting
// to now.
func calculateReferenceTime(params *TimeSeriesParams, now time.Time) time.Time {
	now = now.UTC()
	if params.Date == nil && params.Time == nil {
		return now
	}

	referenceDate := now
	if params.Date != nil {
		referenceDate = *params.Date
	}

	referenceTime := now
	if params.Time != nil {
		referenceTime = *params.Time
	}

	return time.Date(
		referenceDate.Year(), referenceDate.Month(), referenceDate.Day(),
		referenceTime.Hour(), referenceTime.Minute(), referenceTime.Second(),
		0, time.UTC,
	)
}

func filterCategory(rows []storage.AggregateRecord, prefix string) []storage.AggregateRecord {
	out := rows[:0:0]
	for _, r := range rows {
		if strings.HasPrefix(r.CategoryKey, prefix) {
			out = append(out, r)
		}
	}
	return out
}

// rollupByWindow merges rows whose window_end falls in the same window
// bucket. Counts and sums add up and avg is recomputed. A bucket's slot
// total comes from its ring:slots rows, since a category missing from a
// flush has no row to contribute.
func rollupByWindow(rows []storage.AggregateRecord, window time.Duration) []storage.AggregateRecord {
	type bucketKey struct {
		end int64
		key string
	}

	buckets := make(map[bucketKey]*storage.AggregateRecord)
	slots := make(map[int64]int)
	for _, r := range rows {
		start := r.WindowEnd.Truncate(window)
		if start.Equal(r.WindowEnd) {
			start = start.Add(-window)
		}
		k := bucketKey{end: start.Add(window).UnixNano(), key: r.CategoryKey}

		b, ok := buckets[k]
		if !ok {
			b = &storage.AggregateRecord{
				WindowStart: start,
				WindowEnd:   start.Add(window),
				Dimension:   r.Dimension,
				CategoryKey: r.CategoryKey,
				Max:         r.Max,
			}
			buckets[k] = b
		}
		b.Count += r.Count
		b.Sum += r.Sum
		if r.Max > b.Max {
			b.Max = r.Max
		}
		if r.CategoryKey == aggregate.SlotsKey {
			slots[k.end] += r.Slots
		}
	}

	out := make([]storage.AggregateRecord, 0, len(buckets))
	for k, b := range buckets {
		b.Slots = slots[k.end]
		if b.Count > 0 {
			b.Avg = b.Sum / float64(b.Count)
		}
		if b.Slots > 0 {
			b.Pct = float64(b.Count) / float64(b.Slots) * 100
		}
		out = append(out, *b)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].WindowEnd.Equal(out[j].WindowEnd) {
			return out[i].WindowEnd.Before(out[j].WindowEnd)
		}
		return out[i].CategoryKey < out[j].CategoryKey
	})
	return out
}
