// Package postgres reads host state from a PostgreSQL server through the
// statistics views. Every query runs with QueryContext so an expired deadline
// cancels the statement on the server too.
package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/thisdougb/dbhealth/internal/provider"
)

const maxQueryText = 1024

const loadQuery = `SELECT
	(SELECT count(*) FROM pg_stat_activity WHERE state = 'active' AND backend_type = 'client backend'),
	(SELECT setting::int FROM pg_settings WHERE name = 'max_connections'),
	(SELECT coalesce(sum(xact_commit + xact_rollback), 0) FROM pg_stat_database),
	(SELECT coalesce(sum(blks_read), 0) FROM pg_stat_database)`

const sessionsQuery = `SELECT pid, coalesce(usename, ''), coalesce(datname, ''), coalesce(state, ''),
	coalesce(wait_event_type, ''), coalesce(wait_event, ''), left(coalesce(query, ''), $1),
	backend_start, query_start
	FROM pg_stat_activity
	WHERE backend_type = 'client backend' AND pid <> pg_backend_pid()
	ORDER BY query_start NULLS LAST
	LIMIT $2`

const waitEventsQuery = `SELECT wait_event_type, wait_event, count(*)
	FROM pg_stat_activity
	WHERE wait_event IS NOT NULL AND pid <> pg_backend_pid()
	GROUP BY wait_event_type, wait_event
	ORDER BY count(*) DESC`

const blockingQuery = `SELECT blocked.pid, blocking.pid, coalesce(l.locktype, ''), coalesce(l.mode, ''),
	coalesce(extract(epoch FROM now() - blocked.query_start), 0)
	FROM pg_stat_activity blocked
	CROSS JOIN LATERAL unnest(pg_blocking_pids(blocked.pid)) AS blocking(pid)
	LEFT JOIN pg_locks l ON l.pid = blocked.pid AND NOT l.granted
	LIMIT $1`

const countersQuery = `SELECT
	coalesce(sum(xact_commit), 0), coalesce(sum(xact_rollback), 0),
	coalesce(sum(blks_read), 0), coalesce(sum(blks_hit), 0),
	coalesce(sum(tup_returned), 0), coalesce(sum(tup_fetched), 0),
	coalesce(sum(tup_inserted), 0), coalesce(sum(tup_updated), 0),
	coalesce(sum(tup_deleted), 0), coalesce(sum(deadlocks), 0),
	coalesce(sum(temp_bytes), 0)
	FROM pg_stat_database`

// Provider implements provider.Provider against a *sql.DB.
type Provider struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects to dsn with the lib/pq driver. The pool is kept small so the
// observer never holds more than a couple of backend slots.
func Open(dsn string) (*Provider, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres connection")
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Provider {
	return &Provider{db: db, now: time.Now}
}

func (p *Provider) Load(ctx context.Context) (provider.Load, error) {
	var l provider.Load
	err := p.db.QueryRowContext(ctx, loadQuery).Scan(&l.ActiveSessions, &l.MaxConnections, &l.XactTotal, &l.BlocksRead)
	if err != nil {
		return provider.Load{}, errors.Wrap(err, "failed to read load")
	}
	l.ReadAt = p.now()
	return l, nil
}

func (p *Provider) Sessions(ctx context.Context, limit int) ([]provider.Session, error) {
	rows, err := p.db.QueryContext(ctx, sessionsQuery, maxQueryText, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sessions")
	}
	defer rows.Close()

	var sessions []provider.Session
	for rows.Next() {
		var s provider.Session
		var backendStart, queryStart sql.NullTime
		if err := rows.Scan(&s.PID, &s.User, &s.Database, &s.State, &s.WaitEventType,
			&s.WaitEvent, &s.Query, &backendStart, &queryStart); err != nil {
			return nil, errors.Wrap(err, "failed to scan session")
		}
		s.BackendStart = backendStart.Time
		s.QueryStart = queryStart.Time
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating sessions")
	}
	return sessions, nil
}

func (p *Provider) WaitEvents(ctx context.Context) ([]provider.WaitEvent, error) {
	rows, err := p.db.QueryContext(ctx, waitEventsQuery)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query wait events")
	}
	defer rows.Close()

	var events []provider.WaitEvent
	for rows.Next() {
		var w provider.WaitEvent
		var eventType sql.NullString
		if err := rows.Scan(&eventType, &w.Event, &w.Count); err != nil {
			return nil, errors.Wrap(err, "failed to scan wait event")
		}
		w.Type = eventType.String
		events = append(events, w)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating wait events")
	}
	return events, nil
}

func (p *Provider) BlockingPairs(ctx context.Context, limit int) ([]provider.BlockingPair, error) {
	rows, err := p.db.QueryContext(ctx, blockingQuery, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query blocking pairs")
	}
	defer rows.Close()

	var pairs []provider.BlockingPair
	for rows.Next() {
		var b provider.BlockingPair
		if err := rows.Scan(&b.BlockedPID, &b.BlockingPID, &b.LockType, &b.Mode, &b.WaitSeconds); err != nil {
			return nil, errors.Wrap(err, "failed to scan blocking pair")
		}
		pairs = append(pairs, b)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating blocking pairs")
	}
	return pairs, nil
}

func (p *Provider) Counters(ctx context.Context) (provider.Counters, error) {
	values := make([]int64, len(provider.CounterNames))
	dest := make([]interface{}, len(values))
	for i := range values {
		dest[i] = &values[i]
	}

	if err := p.db.QueryRowContext(ctx, countersQuery).Scan(dest...); err != nil {
		return nil, errors.Wrap(err, "failed to read counters")
	}

	counters := make(provider.Counters, len(values))
	for i, name := range provider.CounterNames {
		counters[name] = values[i]
	}
	return counters, nil
}

// Close releases the connection pool.
func (p *Provider) Close() error {
	return p.db.Close()
}

var _ provider.Provider = (*Provider)(nil)
