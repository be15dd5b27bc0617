// Package safety decides, tick by tick, whether collection may run. Every
// job passes an ordered chain of guards where the first skip wins, and the
// gate keeps the rolling breaker window, collection mode and tick history.
package safety

import (
	"context"
	"time"

	"github.com/thisdougb/dbhealth/internal/config"
	"github.com/thisdougb/dbhealth/internal/provider"
)

// Mode controls how much a sample tick collects.
type Mode int

const (
	Normal Mode = iota
	Emergency
)

func (m Mode) String() string {
	if m == Emergency {
		return "emergency"
	}
	return "normal"
}

// Job names a periodic task run through the gate.
type Job string

const (
	JobSample   Job = "sample"
	JobFlush    Job = "flush"
	JobArchive  Job = "archive"
	JobSnapshot Job = "snapshot"
	JobCleanup  Job = "cleanup"
	JobMode     Job = "mode"
	JobBackup   Job = "backup"
)

// Reason is the code recorded with a skipped tick.
type Reason string

const (
	ReasonDeduplicated   Reason = "deduplicated"
	ReasonCapacity       Reason = "capacity_exceeded"
	ReasonCircuitBreaker Reason = "circuit_breaker"
	ReasonLoadShedding   Reason = "load_shedding"
	ReasonLoadThrottling Reason = "load_throttling"
)

// Outcome of a tick.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeSkip    Outcome = "skip"
	OutcomeError   Outcome = "error"
)

// Decision is a guard's verdict.
type Decision struct {
	Skip   bool
	Reason Reason
	Detail string
}

// Proceed admits the tick to the next guard.
func Proceed() Decision { return Decision{} }

// SkipWith stops the chain.
func SkipWith(reason Reason, detail string) Decision {
	return Decision{Skip: true, Reason: reason, Detail: detail}
}

// Guard is one admission check.
type Guard interface {
	Name() string
	Check(ctx context.Context, t *Tick) Decision
}

// LoadProber is the cheap probe guards consult.
type LoadProber interface {
	Load(ctx context.Context) (provider.Load, error)
}

// Tick is the per-run state passed through the guards and into the work.
type Tick struct {
	ID       string
	Job      Job
	Started  time.Time
	Mode     Mode
	Settings config.Settings

	prober  LoadProber
	probed  bool
	load    provider.Load
	loadErr error

	acquired bool
}

// Load probes the host at most once per tick, under the provider timeout.
func (t *Tick) Load(ctx context.Context) (provider.Load, error) {
	if t.probed {
		return t.load, t.loadErr
	}
	t.probed = true

	if t.prober == nil {
		t.loadErr = provider.Classify("load", errNoProber)
		return t.load, t.loadErr
	}

	timeout := t.Settings.ProviderTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	load, err := t.prober.Load(probeCtx)
	if err != nil {
		t.loadErr = provider.Classify("load", err)
		return t.load, t.loadErr
	}
	if load.ReadAt.IsZero() {
		load.ReadAt = t.Started
	}
	t.load = load
	return t.load, nil
}

// TickRecord is the audit entry every tick produces.
type TickRecord struct {
	ID       string        `json:"id"`
	Job      Job           `json:"job"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  Outcome       `json:"outcome"`
	Reason   Reason        `json:"reason,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Mode     Mode          `json:"-"`
}

// Work is what an admitted tick runs. It reports success or partial, with
// an optional detail; a non-nil error makes the outcome error.
type Work func(ctx context.Context, t *Tick) (Outcome, string, error)
