// Package collect gathers one reading from the provider, fetching each
// dimension behind its own deadline and breaker so a failing dimension is
// marked absent without disturbing the others.
package collect

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/thisdougb/dbhealth/internal/metrics"
	"github.com/thisdougb/dbhealth/internal/provider"
	"github.com/thisdougb/dbhealth/internal/ring"
)

// ErrDroppedByMode marks a dimension not collected in the current mode. Its
// message is the absent reason recorded in the slot.
var ErrDroppedByMode = errors.New("mode")

const breakerFailures = 3

// Options for a single collection.
type Options struct {
	Dimensions []ring.Dimension
	Timeout    time.Duration // per provider call
	RowCap     int
}

// Collector fetches readings from a provider.
type Collector struct {
	provider provider.Provider
	breakers map[ring.Dimension]*gobreaker.CircuitBreaker
	obs      metrics.Observer
	now      func() time.Time
}

// New creates a collector. breakerTimeout is how long a dimension's breaker
// stays open after consecutive failures before a trial call is let through.
func New(p provider.Provider, breakerTimeout time.Duration, obs metrics.Observer) *Collector {
	if obs == nil {
		obs = metrics.Nop{}
	}

	breakers := make(map[ring.Dimension]*gobreaker.CircuitBreaker, len(ring.AllDimensions))
	for _, d := range ring.AllDimensions {
		breakers[d] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(d),
			MaxRequests: 1,
			Timeout:     breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
		})
	}

	return &Collector{provider: p, breakers: breakers, obs: obs, now: time.Now}
}

// Collect fetches the requested dimensions concurrently. Dimensions not in
// opts.Dimensions are reported with ErrDroppedByMode. The returned reading
// always has one result per known dimension.
func (c *Collector) Collect(ctx context.Context, opts Options) ring.Reading {
	wanted := make(map[ring.Dimension]bool, len(opts.Dimensions))
	for _, d := range opts.Dimensions {
		wanted[d] = true
	}

	results := make([]ring.Result, len(ring.AllDimensions))

	var g errgroup.Group
	for i, d := range ring.AllDimensions {
		i, d := i, d
		if !wanted[d] {
			results[i] = ring.Result{Dimension: d, Err: ErrDroppedByMode}
			continue
		}
		g.Go(func() error {
			results[i] = c.collectDimension(ctx, d, opts)
			return nil
		})
	}
	_ = g.Wait()

	return ring.Reading{Results: results}
}

func (c *Collector) collectDimension(ctx context.Context, d ring.Dimension, opts Options) ring.Result {
	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	out, err := c.breakers[d].Execute(func() (interface{}, error) {
		return c.fetch(callCtx, d, opts.RowCap)
	})
	if err != nil {
		classified := provider.Classify(string(d), err)
		var dimErr *provider.DimensionError
		if errors.As(classified, &dimErr) {
			c.obs.IncDimensionFailure(string(d), dimErr.Kind())
		}
		return ring.Result{Dimension: d, Err: classified}
	}

	return ring.Result{Dimension: d, Samples: out.([]ring.Sample)}
}

func (c *Collector) fetch(ctx context.Context, d ring.Dimension, rowCap int) ([]ring.Sample, error) {
	switch d {
	case ring.WaitEvents:
		events, err := c.provider.WaitEvents(ctx)
		if err != nil {
			return nil, err
		}
		return waitEventSamples(events), nil
	case ring.Sessions:
		sessions, err := c.provider.Sessions(ctx, rowCap)
		if err != nil {
			return nil, err
		}
		return sessionSamples(sessions, c.now()), nil
	case ring.Locks:
		pairs, err := c.provider.BlockingPairs(ctx, rowCap)
		if err != nil {
			return nil, err
		}
		return lockSamples(pairs), nil
	}
	return nil, errors.Errorf("unknown dimension %q", d)
}

func waitEventSamples(events []provider.WaitEvent) []ring.Sample {
	samples := make([]ring.Sample, 0, len(events))
	for _, e := range events {
		samples = append(samples, ring.Sample{
			Dimension: ring.WaitEvents,
			Key:       fmt.Sprintf("wait:%s:%s", e.Type, e.Event),
			Value:     float64(e.Count),
		})
	}
	return samples
}

func sessionSamples(sessions []provider.Session, now time.Time) []ring.Sample {
	samples := make([]ring.Sample, 0, len(sessions))
	for _, s := range sessions {
		state := s.State
		if state == "" {
			state = "unknown"
		}
		attrs := map[string]string{
			"pid":      strconv.Itoa(s.PID),
			"user":     s.User,
			"database": s.Database,
			"query":    s.Query,
		}
		if s.WaitEvent != "" {
			attrs["wait"] = s.WaitEventType + ":" + s.WaitEvent
		}
		if !s.QueryStart.IsZero() {
			attrs["query_age_s"] = strconv.FormatFloat(now.Sub(s.QueryStart).Seconds(), 'f', 3, 64)
		}
		samples = append(samples, ring.Sample{
			Dimension: ring.Sessions,
			Key:       "session:" + state,
			Value:     1,
			Attrs:     attrs,
		})
	}
	return samples
}

func lockSamples(pairs []provider.BlockingPair) []ring.Sample {
	samples := make([]ring.Sample, 0, len(pairs))
	for _, p := range pairs {
		samples = append(samples, ring.Sample{
			Dimension: ring.Locks,
			Key:       fmt.Sprintf("lock:%s:%s", p.LockType, p.Mode),
			Value:     1,
			Attrs: map[string]string{
				"blocked_pid":  strconv.Itoa(p.BlockedPID),
				"blocking_pid": strconv.Itoa(p.BlockingPID),
				"wait_s":       strconv.FormatFloat(p.WaitSeconds, 'f', 3, 64),
			},
		})
	}
	return samples
}
