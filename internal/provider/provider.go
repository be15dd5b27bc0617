// Package provider defines the boundary to the host being observed: a
// read-only, deadline-bound source of sessions, wait events, blocking pairs,
// cumulative counters and a cheap load probe.
package provider

import (
	"context"
	"time"
)

// Provider is implemented by anything that can read the state of the host.
// Every call must honour ctx cancellation.
type Provider interface {
	Load(ctx context.Context) (Load, error)
	Sessions(ctx context.Context, limit int) ([]Session, error)
	WaitEvents(ctx context.Context) ([]WaitEvent, error)
	BlockingPairs(ctx context.Context, limit int) ([]BlockingPair, error)
	Counters(ctx context.Context) (Counters, error)
}

// Load is the cheap probe consulted before any expensive work.
type Load struct {
	ActiveSessions int
	MaxConnections int
	XactTotal      int64 // cumulative commits + rollbacks
	BlocksRead     int64 // cumulative physical block reads
	ReadAt         time.Time
}

// ActivePercent returns active sessions as a percentage of capacity.
func (l Load) ActivePercent() float64 {
	if l.MaxConnections <= 0 {
		return 0
	}
	return float64(l.ActiveSessions) / float64(l.MaxConnections) * 100
}

type Session struct {
	PID           int
	User          string
	Database      string
	State         string
	WaitEventType string
	WaitEvent     string
	Query         string
	BackendStart  time.Time
	QueryStart    time.Time
}

type WaitEvent struct {
	Type  string
	Event string
	Count int
}

type BlockingPair struct {
	BlockedPID  int
	BlockingPID int
	LockType    string
	Mode        string
	WaitSeconds float64
}

// Counters is a flat set of cumulative host counters keyed by name.
type Counters map[string]int64

// CounterNames lists the counters the postgres provider reads.
var CounterNames = []string{
	"xact_commit",
	"xact_rollback",
	"blks_read",
	"blks_hit",
	"tup_returned",
	"tup_fetched",
	"tup_inserted",
	"tup_updated",
	"tup_deleted",
	"deadlocks",
	"temp_bytes",
}
