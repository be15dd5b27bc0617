package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var errNoProber = errors.New("no load prober configured")

// dedup skips a job whose previous run is still in flight and has not yet
// exceeded its runtime bound. A run older than the bound is considered
// abandoned and replaced.
type dedup struct{ g *Gate }

func (dedup) Name() string { return "dedup" }

func (d dedup) Check(ctx context.Context, t *Tick) Decision {
	d.g.mu.Lock()
	defer d.g.mu.Unlock()

	if run, ok := d.g.inflight[t.Job]; ok {
		age := t.Started.Sub(run.started)
		if age <= t.Settings.JobMaxRuntime {
			return SkipWith(ReasonDeduplicated,
				fmt.Sprintf("previous %s run %s in flight for %s", t.Job, run.id, age.Round(time.Millisecond)))
		}
	}

	d.g.inflight[t.Job] = inflightRun{id: t.ID, started: t.Started}
	t.acquired = true
	return Proceed()
}

// capacityValve skips while the retention manager has collection disabled.
type capacityValve struct{ g *Gate }

func (capacityValve) Name() string { return "capacity_valve" }

func (c capacityValve) Check(ctx context.Context, t *Tick) Decision {
	if c.g.valve != nil && !c.g.valve() {
		return SkipWith(ReasonCapacity, "storage footprint above critical threshold")
	}
	return Proceed()
}

// breaker skips while open, and opens when the full rolling window shows an
// average duration or failure rate above threshold. Each opening is a trip.
type breaker struct{ g *Gate }

func (breaker) Name() string { return "circuit_breaker" }

func (b breaker) Check(ctx context.Context, t *Tick) Decision {
	g := b.g
	s := t.Settings

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.openUntil.IsZero() {
		if t.Started.Before(g.openUntil) {
			return SkipWith(ReasonCircuitBreaker,
				fmt.Sprintf("breaker open until %s", g.openUntil.UTC().Format(time.RFC3339)))
		}
		g.openUntil = time.Time{}
		g.window.Reset()
	}

	g.resizeWindow(s.BreakerWindow)
	if !g.window.Full() {
		return Proceed()
	}

	avg := g.window.AverageDuration()
	rate := g.window.FailureRate()

	var detail string
	switch {
	case avg > s.BreakerMaxDuration:
		detail = fmt.Sprintf("average tick duration %s above %s", avg.Round(time.Millisecond), s.BreakerMaxDuration)
	case rate > s.BreakerFailureRate:
		detail = fmt.Sprintf("failure rate %.2f above %.2f", rate, s.BreakerFailureRate)
	default:
		return Proceed()
	}

	g.openUntil = t.Started.Add(s.BreakerCooldown)
	g.trips++
	g.totalTrips++
	return SkipWith(ReasonCircuitBreaker, detail)
}

// shedding skips when active sessions exceed the share of capacity.
type shedding struct{}

func (shedding) Name() string { return "load_shedding" }

func (shedding) Check(ctx context.Context, t *Tick) Decision {
	load, err := t.Load(ctx)
	if err != nil {
		return SkipWith(ReasonLoadShedding, "load probe failed: "+err.Error())
	}

	pct := load.ActivePercent()
	if pct > t.Settings.ShedActivePct {
		return SkipWith(ReasonLoadShedding,
			fmt.Sprintf("active sessions %.1f%% above %.1f%%", pct, t.Settings.ShedActivePct))
	}
	return Proceed()
}

// throttling skips when the transaction or block read rate between this
// probe and the previous one is above threshold. With no previous probe,
// or a counter that went backwards, there is no rate and it proceeds.
type throttling struct{ g *Gate }

func (throttling) Name() string { return "load_throttling" }

func (th throttling) Check(ctx context.Context, t *Tick) Decision {
	load, err := t.Load(ctx)
	if err != nil {
		return SkipWith(ReasonLoadThrottling, "load probe failed: "+err.Error())
	}

	th.g.mu.Lock()
	prev := th.g.lastLoad
	th.g.mu.Unlock()

	if prev == nil {
		return Proceed()
	}

	elapsed := load.ReadAt.Sub(prev.ReadAt).Seconds()
	if elapsed <= 0 {
		return Proceed()
	}

	if d := load.XactTotal - prev.XactTotal; d >= 0 {
		if tps := float64(d) / elapsed; tps > t.Settings.ThrottleTPS {
			return SkipWith(ReasonLoadThrottling,
				fmt.Sprintf("transaction rate %.0f/s above %.0f/s", tps, t.Settings.ThrottleTPS))
		}
	}
	if d := load.BlocksRead - prev.BlocksRead; d >= 0 {
		if iops := float64(d) / elapsed; iops > t.Settings.ThrottleIOPS {
			return SkipWith(ReasonLoadThrottling,
				fmt.Sprintf("block read rate %.0f/s above %.0f/s", iops, t.Settings.ThrottleIOPS))
		}
	}
	return Proceed()
}
