package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/thisdougb/dbhealth/internal/storage"
)

// AdminInterface defines the interface needed for administrative data extraction
type AdminInterface interface {
	Aggregates(ctx context.Context, from, to time.Time) ([]storage.AggregateRecord, error)
	TickLog(ctx context.Context, since time.Time, limit int) ([]storage.TickLogEntry, error)
}

// DimensionAggregates holds the warm-tier rows for one dimension
type DimensionAggregates struct {
	Dimension string                    `json:"dimension"`
	Rows      []storage.AggregateRecord `json:"rows"`
}

// AggregatesExport represents the complete export structure
type AggregatesExport struct {
	StartTime  time.Time             `json:"start_time"`
	EndTime    time.Time             `json:"end_time"`
	Dimensions []DimensionAggregates `json:"dimensions"`
	Summary    ExportSummary         `json:"summary"`
}

// ExportSummary provides aggregate information about the export
type ExportSummary struct {
	TotalDimensions int `json:"total_dimensions"`
	TotalRows       int `json:"total_rows"`
	TimeSpanHours   int `json:"time_span_hours"`
}

// TickSummary summarises the tick log for a time period
type TickSummary struct {
	Since          time.Time          `json:"since"`
	Jobs           []JobSummary       `json:"jobs"`
	OverallSummary OverallTickSummary `json:"overall_summary"`
}

// JobSummary breaks down one job's ticks
type JobSummary struct {
	Job        string         `json:"job"`
	Ticks      int            `json:"ticks"`
	Outcomes   map[string]int `json:"outcomes"`
	Reasons    map[string]int `json:"reasons,omitempty"`
	DurationMs ValueSummary   `json:"duration_ms"`
}

// ValueSummary provides statistical summary for value metrics
type ValueSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// OverallTickSummary gives headline ratios across all jobs
type OverallTickSummary struct {
	TotalTicks     int     `json:"total_ticks"`
	SkipPercent    float64 `json:"skip_percent"`
	ErrorPercent   float64 `json:"error_percent"`
	CollectorSound bool    `json:"collector_sound"`
}

// ExportAggregates exports warm-tier rows in (start, end] grouped by
// dimension.
func ExportAggregates(ctx context.Context, admin AdminInterface, start, end time.Time, format string) (string, error) {
	if format != "json" {
		return "", errors.Errorf("unsupported format: %s (only 'json' supported)", format)
	}

	rows, err := admin.Aggregates(ctx, start, end)
	if err != nil {
		return "", errors.Wrap(err, "failed to read aggregates")
	}

	byDimension := make(map[string][]storage.AggregateRecord)
	for _, r := range rows {
		byDimension[r.Dimension] = append(byDimension[r.Dimension], r)
	}

	dimensions := make([]DimensionAggregates, 0, len(byDimension))
	for dim, dimRows := range byDimension {
		sort.Slice(dimRows, func(i, j int) bool {
			if !dimRows[i].WindowEnd.Equal(dimRows[j].WindowEnd) {
				return dimRows[i].WindowEnd.Before(dimRows[j].WindowEnd)
			}
			return dimRows[i].CategoryKey < dimRows[j].CategoryKey
		})
		dimensions = append(dimensions, DimensionAggregates{Dimension: dim, Rows: dimRows})
	}
	sort.Slice(dimensions, func(i, j int) bool {
		return dimensions[i].Dimension < dimensions[j].Dimension
	})

	export := AggregatesExport{
		StartTime:  start,
		EndTime:    end,
		Dimensions: dimensions,
		Summary: ExportSummary{
			TotalDimensions: len(dimensions),
			TotalRows:       len(rows),
			TimeSpanHours:   int(end.Sub(start).Hours()),
		},
	}

	output, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal JSON")
	}

	return string(output), nil
}

// ListCategories returns the sorted category keys seen in (start, end].
func ListCategories(ctx context.Context, admin AdminInterface, start, end time.Time) ([]string, error) {
	rows, err := admin.Aggregates(ctx, start, end)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read aggregates")
	}

	seen := make(map[string]bool)
	var categories []string
	for _, r := range rows {
		if !seen[r.CategoryKey] {
			seen[r.CategoryKey] = true
			categories = append(categories, r.CategoryKey)
		}
	}
	sort.Strings(categories)

	return categories, nil
}

// GetTickSummary summarises up to limit tick log entries started since.
func GetTickSummary(ctx context.Context, admin AdminInterface, since time.Time, limit int) (TickSummary, error) {
	entries, err := admin.TickLog(ctx, since, limit)
	if err != nil {
		return TickSummary{}, errors.Wrap(err, "failed to read tick log")
	}

	jobs := make(map[string]*JobSummary)
	skips, failures := 0, 0
	sampleErrors, samples := 0, 0

	for _, e := range entries {
		js, ok := jobs[e.Job]
		if !ok {
			js = &JobSummary{Job: e.Job, Outcomes: make(map[string]int)}
			jobs[e.Job] = js
		}
		js.Ticks++
		js.Outcomes[e.Outcome]++
		if e.Reason != "" {
			if js.Reasons == nil {
				js.Reasons = make(map[string]int)
			}
			js.Reasons[e.Reason]++
		}
		js.DurationMs = addValue(js.DurationMs, float64(e.Duration)/float64(time.Millisecond))

		switch e.Outcome {
		case "skip":
			skips++
		case "error":
			failures++
		}
		if e.Job == "sample" {
			samples++
			if e.Outcome == "error" {
				sampleErrors++
			}
		}
	}

	summary := TickSummary{Since: since}
	for _, js := range jobs {
		summary.Jobs = append(summary.Jobs, *js)
	}
	sort.Slice(summary.Jobs, func(i, j int) bool {
		return summary.Jobs[i].Job < summary.Jobs[j].Job
	})

	total := len(entries)
	summary.OverallSummary = OverallTickSummary{
		TotalTicks:     total,
		CollectorSound: samples == 0 || sampleErrors*2 < samples,
	}
	if total > 0 {
		summary.OverallSummary.SkipPercent = float64(skips) / float64(total) * 100
		summary.OverallSummary.ErrorPercent = float64(failures) / float64(total) * 100
	}

	return summary, nil
}

func addValue(s ValueSummary, v float64) ValueSummary {
	if s.Count == 0 {
		return ValueSummary{Count: 1, Min: v, Max: v, Avg: v}
	}
	s.Count++
	s.Min = math.Min(s.Min, v)
	s.Max = math.Max(s.Max, v)
	s.Avg = ((s.Avg * float64(s.Count-1)) + v) / float64(s.Count)
	return s
}

const summaryTickLimit = 10000

// SummaryHandler serves GetTickSummary. Supports: /ticks/summary?lookback={duration}
func SummaryHandler(m MonitorInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lookback := 24 * time.Hour
		if s := r.URL.Query().Get("lookback"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid lookback duration: %v", err), http.StatusBadRequest)
				return
			}
			lookback = d
		}

		summary, err := GetTickSummary(r.Context(), m, m.Now().Add(-lookback), summaryTickLimit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, summary)
	}
}
