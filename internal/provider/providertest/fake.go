// Package providertest offers a scriptable in-memory provider for tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/thisdougb/dbhealth/internal/provider"
)

// Fake is a provider whose responses are set by the test. A non-zero Delay
// blocks each dimension call until it elapses or ctx is done.
type Fake struct {
	mu sync.Mutex

	LoadValue     provider.Load
	LoadErr       error
	SessionList   []provider.Session
	SessionErr    error
	Events        []provider.WaitEvent
	EventErr      error
	Pairs         []provider.BlockingPair
	PairErr       error
	CounterValues provider.Counters
	CounterErr    error
	Delay         time.Duration

	calls map[string]int
}

func (f *Fake) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
}

// Calls returns how many times the named method was invoked.
func (f *Fake) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// TotalCalls counts every call except Load.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for name, n := range f.calls {
		if name != "Load" {
			total += n
		}
	}
	return total
}

// SetCounters replaces the counter values between captures.
func (f *Fake) SetCounters(c provider.Counters) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CounterValues = c
}

// SetLoad replaces the load probe value.
func (f *Fake) SetLoad(l provider.Load) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LoadValue = l
}

func (f *Fake) wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(f.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fake) Load(ctx context.Context) (provider.Load, error) {
	f.record("Load")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LoadValue, f.LoadErr
}

func (f *Fake) Sessions(ctx context.Context, limit int) ([]provider.Session, error) {
	f.record("Sessions")
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.SessionErr != nil {
		return nil, f.SessionErr
	}
	out := f.SessionList
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) WaitEvents(ctx context.Context) ([]provider.WaitEvent, error) {
	f.record("WaitEvents")
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.Events, f.EventErr
}

func (f *Fake) BlockingPairs(ctx context.Context, limit int) ([]provider.BlockingPair, error) {
	f.record("BlockingPairs")
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.PairErr != nil {
		return nil, f.PairErr
	}
	out := f.Pairs
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) Counters(ctx context.Context) (provider.Counters, error) {
	f.record("Counters")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CounterErr != nil {
		return nil, f.CounterErr
	}
	out := make(provider.Counters, len(f.CounterValues))
	for k, v := range f.CounterValues {
		out[k] = v
	}
	return out, nil
}
