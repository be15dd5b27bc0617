package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/thisdougb/dbhealth/internal/config"
	"github.com/thisdougb/dbhealth/internal/metrics"
	"github.com/thisdougb/dbhealth/internal/provider"
)

const defaultHistorySize = 256

// Options configure a Gate. Only Prober is required for sample ticks.
type Options struct {
	Prober LoadProber
	// Valve reports whether collection is enabled; nil means always.
	Valve func() bool
	// Sink receives every TickRecord, e.g. for the durable tick log.
	Sink        func(TickRecord)
	Observer    metrics.Observer
	Clock       func() time.Time
	HistorySize int
}

type inflightRun struct {
	id      string
	started time.Time
}

// Gate owns all safety state. Nothing outside this package reads or
// mutates it except through Gate methods.
type Gate struct {
	mu sync.Mutex

	prober LoadProber
	valve  func() bool
	sink   func(TickRecord)
	obs    metrics.Observer
	now    func() time.Time

	chains   map[Job][]Guard
	inflight map[Job]inflightRun

	window     *metrics.RollingWindow
	openUntil  time.Time
	trips      int // since the last mode evaluation
	totalTrips int
	lastLoad   *provider.Load

	mode          Mode
	stressedEvals int
	quietEvals    int

	history     []TickRecord
	historyNext int
	historyFull bool

	skipLogs map[Reason]*rate.Sometimes
}

// New creates a gate in Normal mode with an empty breaker window.
func New(opts Options) *Gate {
	if opts.Observer == nil {
		opts.Observer = metrics.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}

	g := &Gate{
		prober:   opts.Prober,
		valve:    opts.Valve,
		sink:     opts.Sink,
		obs:      opts.Observer,
		now:      opts.Clock,
		inflight: make(map[Job]inflightRun),
		window:   metrics.NewRollingWindow(config.IntValue("DBHEALTH_BREAKER_WINDOW")),
		history:  make([]TickRecord, opts.HistorySize),
		skipLogs: make(map[Reason]*rate.Sometimes),
	}

	sampleChain := []Guard{dedup{g}, capacityValve{g}, breaker{g}, shedding{}, throttling{g}}
	g.chains = map[Job][]Guard{
		JobSample:   sampleChain,
		JobSnapshot: {dedup{g}, capacityValve{g}, breaker{g}},
	}
	g.obs.SetMode(float64(Normal))

	return g
}

// Chain returns the guard names a job passes through, in order.
func (g *Gate) Chain(job Job) []string {
	var names []string
	for _, guard := range g.chain(job) {
		names = append(names, guard.Name())
	}
	return names
}

func (g *Gate) chain(job Job) []Guard {
	if c, ok := g.chains[job]; ok {
		return c
	}
	return []Guard{dedup{g}}
}

// Run passes job through its guard chain and, if admitted, runs work under
// the tick budget. It always returns a record; nothing escapes as an error.
// Work runs synchronously, so the budget holds only as long as work honours
// ctx cancellation; a tick that overruns is still recorded as an error.
func (g *Gate) Run(ctx context.Context, job Job, s config.Settings, work Work) TickRecord {
	t := &Tick{
		ID:       uuid.NewString(),
		Job:      job,
		Started:  g.now(),
		Mode:     g.Mode(),
		Settings: s,
		prober:   g.prober,
	}
	ctx = config.SetContextCorrelationId(ctx, string(job))

	defer g.release(t)

	for _, guard := range g.chain(job) {
		if d := guard.Check(ctx, t); d.Skip {
			g.rememberLoad(t)
			return g.finish(ctx, t, OutcomeSkip, d.Reason, d.Detail)
		}
	}
	g.rememberLoad(t)

	budget := s.TickBudget
	if budget <= 0 {
		budget = 10 * time.Second
	}
	workCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	outcome, detail, err := work(workCtx, t)
	switch {
	case errors.Is(workCtx.Err(), context.DeadlineExceeded):
		outcome, detail = OutcomeError, fmt.Sprintf("tick budget %s exceeded, tick abandoned", budget)
	case err != nil:
		outcome, detail = OutcomeError, err.Error()
	case outcome == "":
		outcome = OutcomeSuccess
	}

	rec := g.finish(ctx, t, outcome, "", detail)
	if job == JobSample {
		g.recordBreaker(rec)
	}
	return rec
}

func (g *Gate) release(t *Tick) {
	if !t.acquired {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if run, ok := g.inflight[t.Job]; ok && run.id == t.ID {
		delete(g.inflight, t.Job)
	}
}

func (g *Gate) rememberLoad(t *Tick) {
	if !t.probed || t.loadErr != nil {
		return
	}
	load := t.load

	g.mu.Lock()
	g.lastLoad = &load
	g.mu.Unlock()
}

func (g *Gate) recordBreaker(rec TickRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.window.Add(metrics.Entry{Duration: rec.Duration, Failed: rec.Outcome == OutcomeError})
}

// resizeWindow follows a changed breaker window size. Caller holds mu.
func (g *Gate) resizeWindow(size int) {
	if size > 0 && size != g.window.Size() {
		g.window.Resize(size)
	}
}

func (g *Gate) finish(ctx context.Context, t *Tick, outcome Outcome, reason Reason, detail string) TickRecord {
	rec := TickRecord{
		ID:       t.ID,
		Job:      t.Job,
		Started:  t.Started,
		Duration: g.now().Sub(t.Started),
		Outcome:  outcome,
		Reason:   reason,
		Detail:   detail,
		Mode:     t.Mode,
	}

	g.mu.Lock()
	g.history[g.historyNext] = rec
	g.historyNext = (g.historyNext + 1) % len(g.history)
	if g.historyNext == 0 {
		g.historyFull = true
	}
	sometimes := g.skipLogs[reason]
	if outcome == OutcomeSkip && sometimes == nil {
		sometimes = &rate.Sometimes{First: 1, Interval: time.Minute}
		g.skipLogs[reason] = sometimes
	}
	g.mu.Unlock()

	g.obs.ObserveTick(string(rec.Job), string(rec.Outcome), string(rec.Reason), rec.Duration.Seconds())

	msg := fmt.Sprintf("%s tick %s: %s", rec.Job, rec.Outcome, rec.Duration.Round(time.Millisecond))
	if detail != "" {
		msg += " " + detail
	}
	switch outcome {
	case OutcomeSkip:
		sometimes.Do(func() {
			config.LogInfo(ctx, fmt.Sprintf("%s tick skipped (%s) %s", rec.Job, reason, detail))
		})
	case OutcomeError:
		config.LogError(ctx, msg)
	case OutcomePartial:
		config.LogWarn(ctx, msg)
	default:
		config.LogDebug(ctx, msg)
	}

	if g.sink != nil {
		g.sink(rec)
	}
	return rec
}

// History returns recorded ticks, newest first.
func (g *Gate) History() []TickRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.historyNext
	if g.historyFull {
		n = len(g.history)
	}

	out := make([]TickRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (g.historyNext - i + len(g.history)) % len(g.history)
		out = append(out, g.history[idx])
	}
	return out
}

// Mode returns the current collection mode.
func (g *Gate) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// BreakerOpen reports whether the circuit breaker is currently open.
func (g *Gate) BreakerOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.openUntil.IsZero() && g.now().Before(g.openUntil)
}

// Trips returns the number of breaker trips since the gate was created.
func (g *Gate) Trips() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalTrips
}
