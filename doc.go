/*
Package dbhealth continuously records the health of a transactional database
while guaranteeing the recording never makes the database worse.

Telemetry flows through tiers of decreasing resolution:

- Hot: a fixed ring of slots, one per sample interval, overwritten in place
- Warm: per-window aggregate rows (count, sum, avg, max, pct per category)
- Archive: verbatim copies of ring slots, CBOR encoded and zstd compressed
- Snapshots: cumulative counters with per-field deltas for range comparison

Every job runs through a safety gate. Sample ticks are skipped when a copy is
already running, storage is over capacity, the circuit breaker is open, or
the database is already busy. Under sustained stress collection drops to an
emergency mode that reads only wait events and locks.

Example:

	p, err := postgres.Open(dsn)
	...
	m, err := dbhealth.New(dbhealth.Options{
		Identity:   "db-primary",
		Provider:   p,
		Registerer: prometheus.DefaultRegisterer,
	})
	...
	defer m.Close()

	go m.Run(ctx)
	http.ListenAndServe(":9187", m.Handler())

Endpoints:

	/health              status JSON with recent ticks
	/status              UP or DEGRADED, 503 when degraded
	/ring                hot-tier slots
	/aggregates          ?lookback=1h&window=15m&category=wait:
	/snapshots/compare   ?from=RFC3339&to=RFC3339
	/ticks               durable tick log, newest first
	/ticks/summary       per-job outcome counts

Persistence Configuration:

	DBHEALTH_PERSISTENCE_ENABLED=true
	DBHEALTH_DB_PATH="/data/dbhealth.db"
	DBHEALTH_BACKUP_ENABLED=true
	DBHEALTH_BACKUP_DIR="/data/backups"

Every tunable is read through the environment first, then an optional flat
YAML config file, then built-in defaults. Settings are re-read at each tick.
*/
package dbhealth
