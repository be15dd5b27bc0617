package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteBackend implements Backend interface using SQLite database
type SQLiteBackend struct {
	db *sql.DB
}

// SQLiteConfig holds configuration for SQLite backend
type SQLiteConfig struct {
	DBPath string
}

// NewSQLiteBackend opens the database and applies pending migrations.
func NewSQLiteBackend(config SQLiteConfig) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", config.DBPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// SQLite works best with single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	if err := runSQLiteMigrations(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return newSQLiteBackend(db), nil
}

func newSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// InsertAggregates writes every row of a window in a single transaction.
func (s *SQLiteBackend) InsertAggregates(ctx context.Context, records []AggregateRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `INSERT INTO aggregates
		(window_start, window_end, dimension, category_key, count, sum, avg, max, pct, slots)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return s.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for _, r := range records {
			_, err := stmt.ExecContext(ctx,
				toNanos(r.WindowStart), toNanos(r.WindowEnd), r.Dimension, r.CategoryKey,
				r.Count, r.Sum, r.Avg, r.Max, r.Pct, r.Slots)
			if err != nil {
				return errors.Wrap(err, "failed to insert aggregate")
			}
		}
		return nil
	})
}

func (s *SQLiteBackend) AggregateWatermark(ctx context.Context) (time.Time, error) {
	return s.maxTime(ctx, `SELECT COALESCE(MAX(window_end), 0) FROM aggregates`)
}

func (s *SQLiteBackend) ReadAggregates(ctx context.Context, from, to time.Time) ([]AggregateRecord, error) {
	query := `SELECT window_start, window_end, dimension, category_key, count, sum, avg, max, pct, slots
		FROM aggregates
		WHERE window_end > ? AND window_end <= ?
		ORDER BY window_end ASC, category_key ASC`

	rows, err := s.db.QueryContext(ctx, query, toNanos(from), toNanos(to))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query aggregates")
	}
	defer rows.Close()

	var records []AggregateRecord
	for rows.Next() {
		var r AggregateRecord
		var start, end int64
		if err := rows.Scan(&start, &end, &r.Dimension, &r.CategoryKey,
			&r.Count, &r.Sum, &r.Avg, &r.Max, &r.Pct, &r.Slots); err != nil {
			return nil, errors.Wrap(err, "failed to scan aggregate")
		}
		r.WindowStart, r.WindowEnd = fromNanos(start), fromNanos(end)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating rows")
	}
	return records, nil
}

// InsertArchive writes every slot of an archive run in a single transaction.
func (s *SQLiteBackend) InsertArchive(ctx context.Context, records []ArchiveRecord) error {
	if len(records) == 0 {
		return nil
	}

	payloads := make([][]byte, len(records))
	for i, r := range records {
		payload, err := EncodeSlot(r.Slot)
		if err != nil {
			return err
		}
		payloads[i] = payload
	}

	query := `INSERT INTO archive (window_start, window_end, slot_id, captured_at, epoch, payload)
		VALUES (?, ?, ?, ?, ?, ?)`

	return s.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for i, r := range records {
			_, err := stmt.ExecContext(ctx,
				toNanos(r.WindowStart), toNanos(r.WindowEnd), r.SlotID,
				toNanos(r.CapturedAt), r.Epoch, payloads[i])
			if err != nil {
				return errors.Wrap(err, "failed to insert archive record")
			}
		}
		return nil
	})
}

func (s *SQLiteBackend) ArchiveWatermark(ctx context.Context) (time.Time, error) {
	return s.maxTime(ctx, `SELECT COALESCE(MAX(window_end), 0) FROM archive`)
}

func (s *SQLiteBackend) ReadArchive(ctx context.Context, from, to time.Time) ([]ArchiveRecord, error) {
	query := `SELECT window_start, window_end, slot_id, captured_at, epoch, payload
		FROM archive
		WHERE captured_at > ? AND captured_at <= ?
		ORDER BY captured_at ASC`

	rows, err := s.db.QueryContext(ctx, query, toNanos(from), toNanos(to))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query archive")
	}
	defer rows.Close()

	var records []ArchiveRecord
	for rows.Next() {
		var r ArchiveRecord
		var start, end, captured int64
		var payload []byte
		if err := rows.Scan(&start, &end, &r.SlotID, &captured, &r.Epoch, &payload); err != nil {
			return nil, errors.Wrap(err, "failed to scan archive record")
		}
		slot, err := DecodeSlot(payload)
		if err != nil {
			return nil, err
		}
		r.WindowStart, r.WindowEnd, r.CapturedAt = fromNanos(start), fromNanos(end), fromNanos(captured)
		r.Slot = slot
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating rows")
	}
	return records, nil
}

func (s *SQLiteBackend) InsertSnapshot(ctx context.Context, record SnapshotRecord) (int64, error) {
	counters, err := json.Marshal(record.Counters)
	if err != nil {
		return 0, errors.Wrap(err, "failed to encode counters")
	}
	deltas, err := json.Marshal(record.Deltas)
	if err != nil {
		return 0, errors.Wrap(err, "failed to encode deltas")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (captured_at, counters, deltas, elapsed_seconds) VALUES (?, ?, ?, ?)`,
		toNanos(record.CapturedAt), string(counters), string(deltas), record.ElapsedSeconds)
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert snapshot")
	}
	return res.LastInsertId()
}

const snapshotColumns = `id, captured_at, counters, deltas, elapsed_seconds`

func (s *SQLiteBackend) SnapshotAtOrBefore(ctx context.Context, t time.Time) (SnapshotRecord, bool, error) {
	return s.oneSnapshot(ctx, `SELECT `+snapshotColumns+` FROM snapshots
		WHERE captured_at <= ? ORDER BY captured_at DESC, id DESC LIMIT 1`, toNanos(t))
}

func (s *SQLiteBackend) SnapshotAtOrAfter(ctx context.Context, t time.Time) (SnapshotRecord, bool, error) {
	return s.oneSnapshot(ctx, `SELECT `+snapshotColumns+` FROM snapshots
		WHERE captured_at >= ? ORDER BY captured_at ASC, id ASC LIMIT 1`, toNanos(t))
}

func (s *SQLiteBackend) ReadSnapshots(ctx context.Context, from, to time.Time) ([]SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots
		WHERE captured_at > ? AND captured_at <= ? ORDER BY captured_at ASC, id ASC`,
		toNanos(from), toNanos(to))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query snapshots")
	}
	defer rows.Close()

	var records []SnapshotRecord
	for rows.Next() {
		r, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating rows")
	}
	return records, nil
}

func (s *SQLiteBackend) oneSnapshot(ctx context.Context, query string, arg int64) (SnapshotRecord, bool, error) {
	r, err := scanSnapshot(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotRecord{}, false, nil
	}
	if err != nil {
		return SnapshotRecord{}, false, err
	}
	return r, true, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row scanner) (SnapshotRecord, error) {
	var r SnapshotRecord
	var captured int64
	var counters, deltas string

	if err := row.Scan(&r.ID, &captured, &counters, &deltas, &r.ElapsedSeconds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, errors.Wrap(err, "failed to scan snapshot")
	}
	if err := json.Unmarshal([]byte(counters), &r.Counters); err != nil {
		return r, errors.Wrap(err, "failed to decode counters")
	}
	if err := json.Unmarshal([]byte(deltas), &r.Deltas); err != nil {
		return r, errors.Wrap(err, "failed to decode deltas")
	}
	r.CapturedAt = fromNanos(captured)
	return r, nil
}

func (s *SQLiteBackend) InsertTickLog(ctx context.Context, entries []TickLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	query := `INSERT OR REPLACE INTO tick_log
		(id, job, started, duration_ns, outcome, reason, detail, mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	return s.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for _, e := range entries {
			_, err := stmt.ExecContext(ctx, e.ID, e.Job, toNanos(e.Started), int64(e.Duration),
				e.Outcome, e.Reason, e.Detail, e.Mode)
			if err != nil {
				return errors.Wrap(err, "failed to insert tick log entry")
			}
		}
		return nil
	})
}

func (s *SQLiteBackend) ReadTickLog(ctx context.Context, since time.Time, limit int) ([]TickLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, job, started, duration_ns, outcome, reason, detail, mode
		FROM tick_log WHERE started >= ? ORDER BY started DESC LIMIT ?`, toNanos(since), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query tick log")
	}
	defer rows.Close()

	var entries []TickLogEntry
	for rows.Next() {
		var e TickLogEntry
		var started, duration int64
		if err := rows.Scan(&e.ID, &e.Job, &started, &duration, &e.Outcome, &e.Reason, &e.Detail, &e.Mode); err != nil {
			return nil, errors.Wrap(err, "failed to scan tick log entry")
		}
		e.Started, e.Duration = fromNanos(started), time.Duration(duration)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating rows")
	}
	return entries, nil
}

// purgeQueries delete rows strictly older than the cutoff. Tiers that feed a
// watermark or a delta keep their newest row.
var purgeQueries = map[Tier]string{
	TierAggregates: `DELETE FROM aggregates WHERE window_end < ?
		AND window_end < (SELECT MAX(window_end) FROM aggregates)`,
	TierArchive: `DELETE FROM archive WHERE captured_at < ?
		AND window_end < (SELECT MAX(window_end) FROM archive)`,
	TierSnapshots: `DELETE FROM snapshots WHERE captured_at < ?
		AND id <> (SELECT id FROM snapshots ORDER BY captured_at DESC, id DESC LIMIT 1)`,
	TierTickLog: `DELETE FROM tick_log WHERE started < ?`,
}

func (s *SQLiteBackend) Purge(ctx context.Context, tier Tier, cutoff time.Time) (int64, error) {
	query, ok := purgeQueries[tier]
	if !ok {
		return 0, errors.Errorf("unknown tier %q", tier)
	}

	res, err := s.db.ExecContext(ctx, query, toNanos(cutoff))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to purge %s", tier)
	}
	return res.RowsAffected()
}

// Footprint counts in-use pages only, so space freed by Purge is reflected
// before the file itself shrinks.
func (s *SQLiteBackend) Footprint(ctx context.Context) (int64, error) {
	var pageCount, freePages, pageSize int64

	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, errors.Wrap(err, "failed to read page_count")
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&freePages); err != nil {
		return 0, errors.Wrap(err, "failed to read freelist_count")
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, errors.Wrap(err, "failed to read page_size")
	}

	return (pageCount - freePages) * pageSize, nil
}

// Close gracefully shuts down the SQLite backend
func (s *SQLiteBackend) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateBackup creates a backup of the SQLite database using the existing connection
// This avoids file locking issues by using the same database connection
func (s *SQLiteBackend) CreateBackup(config *BackupConfig) (string, error) {
	if s.db == nil {
		return "", errors.New("no database connection available")
	}

	return BackupDatabase(s.db, config)
}

func (s *SQLiteBackend) maxTime(ctx context.Context, query string) (time.Time, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return time.Time{}, errors.Wrap(err, "failed to read watermark")
	}
	return fromNanos(n), nil
}

func (s *SQLiteBackend) inTx(ctx context.Context, query string, fn func(*sql.Stmt) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return errors.Wrap(err, "failed to prepare statement")
	}
	defer stmt.Close()

	if err := fn(stmt); err != nil {
		return err
	}
	return tx.Commit()
}
