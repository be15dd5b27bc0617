package safety

import (
	"context"
	"fmt"

	"github.com/thisdougb/dbhealth/internal/config"
)

// ModeEvaluation is the result of one mode evaluation.
type ModeEvaluation struct {
	Mode      Mode
	Changed   bool
	Stressed  bool
	Trips     int
	ActivePct float64
	Detail    string
}

// EvaluateMode inspects the breaker trips since the previous evaluation and
// the current load. Normal becomes Emergency after ModeEnterEvals stressed
// evaluations in a row; Emergency returns to Normal only after
// ModeQuietEvals quiet ones. A failed load probe counts as stressed.
func (g *Gate) EvaluateMode(ctx context.Context, s config.Settings) ModeEvaluation {
	t := &Tick{Started: g.now(), Settings: s, prober: g.prober}
	load, loadErr := t.Load(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()

	ev := ModeEvaluation{Trips: g.trips}
	g.trips = 0

	switch {
	case loadErr != nil:
		ev.Stressed = true
		ev.Detail = "load probe failed: " + loadErr.Error()
	case ev.Trips > s.ModeTripThreshold:
		ev.Stressed = true
		ev.Detail = fmt.Sprintf("%d breaker trips above %d", ev.Trips, s.ModeTripThreshold)
	case load.ActivePercent() > s.ModeLoadPct:
		ev.Stressed = true
		ev.Detail = fmt.Sprintf("active sessions %.1f%% above %.1f%%", load.ActivePercent(), s.ModeLoadPct)
	}
	if loadErr == nil {
		ev.ActivePct = load.ActivePercent()
	}

	if ev.Stressed {
		g.stressedEvals++
		g.quietEvals = 0
	} else {
		g.quietEvals++
		g.stressedEvals = 0
	}

	enter := s.ModeEnterEvals
	if enter < 1 {
		enter = 1
	}
	quiet := s.ModeQuietEvals
	if quiet < 1 {
		quiet = 1
	}

	switch {
	case g.mode == Normal && g.stressedEvals >= enter:
		g.mode = Emergency
		ev.Changed = true
	case g.mode == Emergency && g.quietEvals >= quiet:
		g.mode = Normal
		ev.Changed = true
	}
	ev.Mode = g.mode

	if ev.Changed {
		g.stressedEvals, g.quietEvals = 0, 0
		g.obs.SetMode(float64(g.mode))
		config.LogWarn(ctx, fmt.Sprintf("collection mode now %s %s", g.mode, ev.Detail))
	}

	return ev
}
