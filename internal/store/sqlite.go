package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the
// single-node backend; all access goes through one connection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	sku        TEXT NOT NULL UNIQUE,
	kind       TEXT NOT NULL,
	upc        TEXT NOT NULL DEFAULT '',
	isbn       TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	deleted_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_entities_kind_live ON entities(kind, id) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS entity_external_ids (
	entity_id   INTEGER NOT NULL REFERENCES entities(id),
	source      TEXT NOT NULL,
	external_id TEXT NOT NULL,
	linked_at   DATETIME NOT NULL,
	PRIMARY KEY (entity_id, source)
);

CREATE TABLE IF NOT EXISTS entity_fields (
	entity_id  INTEGER NOT NULL REFERENCES entities(id),
	field      TEXT NOT NULL,
	value      TEXT NOT NULL,
	source     TEXT NOT NULL,
	fetched_at DATETIME NOT NULL,
	confidence REAL NOT NULL DEFAULT 1,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (entity_id, field)
);

CREATE TABLE IF NOT EXISTS entity_source_sync (
	entity_id      INTEGER NOT NULL REFERENCES entities(id),
	source         TEXT NOT NULL,
	last_synced_at DATETIME NOT NULL,
	PRIMARY KEY (entity_id, source)
);

CREATE TABLE IF NOT EXISTS field_changelog (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id  INTEGER NOT NULL,
	field      TEXT NOT NULL,
	old_value  TEXT NOT NULL DEFAULT '',
	new_value  TEXT NOT NULL,
	source     TEXT NOT NULL,
	reason     TEXT NOT NULL,
	job_name   TEXT NOT NULL DEFAULT '',
	sync_cycle INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_field_changelog_entity ON field_changelog(entity_id, created_at);

CREATE TABLE IF NOT EXISTS checkpoints (
	job_name          TEXT PRIMARY KEY,
	current_offset    INTEGER NOT NULL DEFAULT 0,
	sync_cycle        INTEGER NOT NULL DEFAULT 1,
	is_running        INTEGER NOT NULL DEFAULT 0,
	control_signal    TEXT NOT NULL DEFAULT 'run' CHECK (control_signal IN ('run', 'pause', 'stop')),
	last_heartbeat_at DATETIME,
	total_processed   INTEGER NOT NULL DEFAULT 0,
	total_errors      INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	started_at        DATETIME,
	finished_at       DATETIME,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS job_stall_events (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	job_name          TEXT NOT NULL,
	detected_at       DATETIME NOT NULL,
	last_heartbeat_at DATETIME,
	restarted         INTEGER NOT NULL DEFAULT 0,
	reason            TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_job_stall_events_job ON job_stall_events(job_name, detected_at);

CREATE TABLE IF NOT EXISTS source_quotas (
	source_name          TEXT PRIMARY KEY,
	requests_today       INTEGER NOT NULL DEFAULT 0,
	daily_limit          INTEGER NOT NULL DEFAULT 0,
	reset_day            TEXT NOT NULL DEFAULT '',
	last_reset_at        DATETIME,
	circuit_state        TEXT NOT NULL DEFAULT 'closed',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	opened_at            DATETIME,
	updated_at           DATETIME
);

CREATE TABLE IF NOT EXISTS enrichment_attempts (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id    INTEGER NOT NULL,
	source       TEXT NOT NULL,
	job_name     TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	attempted_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_enrichment_attempts_entity ON enrichment_attempts(entity_id, source, attempted_at);

CREATE TABLE IF NOT EXISTS enrichment_marks (
	job_name   TEXT NOT NULL,
	sync_cycle INTEGER NOT NULL,
	entity_id  INTEGER NOT NULL,
	marked_at  DATETIME NOT NULL,
	PRIMARY KEY (job_name, sync_cycle, entity_id)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	entity_id      INTEGER NOT NULL,
	source         TEXT NOT NULL,
	job_name       TEXT NOT NULL DEFAULT '',
	error_category TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	payload        TEXT,
	status         TEXT NOT NULL DEFAULT 'pending',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	resolved_at    DATETIME,
	UNIQUE (entity_id, source)
);

CREATE INDEX IF NOT EXISTS idx_dlq_due ON dead_letter_queue(status, next_retry_at);

CREATE TABLE IF NOT EXISTS data_quarantine (
	id           TEXT PRIMARY KEY,
	entity_id    INTEGER NOT NULL,
	field        TEXT NOT NULL,
	candidates   TEXT NOT NULL,
	reason       TEXT NOT NULL,
	score        REAL NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending',
	chosen_value TEXT NOT NULL DEFAULT '',
	resolved_by  TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	resolved_at  DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_quarantine_pending_uq
	ON data_quarantine(entity_id, field, reason) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_quarantine_status_created ON data_quarantine(status, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// querier is the statement surface shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// --- Checkpoints ---

func scanCheckpointSQLite(row scannable) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	var signal string
	err := row.Scan(&cp.JobName, &cp.CurrentOffset, &cp.SyncCycle, &cp.IsRunning, &signal,
		&cp.LastHeartbeatAt, &cp.TotalProcessed, &cp.TotalErrors, &cp.LastError,
		&cp.StartedAt, &cp.FinishedAt, &cp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cp.ControlSignal = model.ControlSignal(signal)
	return &cp, nil
}

func (s *SQLiteStore) EnsureCheckpoint(ctx context.Context, job string) (*model.Checkpoint, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (job_name, updated_at) VALUES (?, ?) ON CONFLICT (job_name) DO NOTHING`,
		job, time.Now().UTC())
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: ensure checkpoint %s", job)
	}
	return s.GetCheckpoint(ctx, job)
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, job string) (*model.Checkpoint, error) {
	cp, err := scanCheckpointSQLite(s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE job_name = ?`, job))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get checkpoint %s", job)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get checkpoint %s", job)
	}
	return cp, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context) ([]model.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints ORDER BY job_name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list checkpoints")
	}
	defer rows.Close()

	var out []model.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpointSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan checkpoint")
		}
		out = append(out, *cp)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list checkpoints iterate")
}

func (s *SQLiteStore) TryStartJob(ctx context.Context, job string, now time.Time) (bool, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints
		 SET is_running = 1, started_at = ?, last_heartbeat_at = ?, finished_at = NULL,
		     last_error = '', updated_at = ?
		 WHERE job_name = ? AND is_running = 0`,
		now, now, now, job)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: start job %s", job)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) UpdateCheckpoint(ctx context.Context, job string, p Progress) error {
	return updateCheckpointSQLite(ctx, s.db, job, p)
}

func updateCheckpointSQLite(ctx context.Context, q querier, job string, p Progress) error {
	hb := p.Heartbeat.UTC()
	res, err := q.ExecContext(ctx,
		`UPDATE checkpoints
		 SET current_offset = ?,
		     total_processed = total_processed + ?,
		     total_errors = total_errors + ?,
		     last_heartbeat_at = MAX(COALESCE(last_heartbeat_at, ?), ?),
		     updated_at = ?
		 WHERE job_name = ?`,
		p.Offset, p.ProcessedDelta, p.ErrorDelta, hb, hb, time.Now().UTC(), job)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update checkpoint %s", job)
	}
	return checkRowsAffected(res, "checkpoint", job)
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, job string, at time.Time) error {
	at = at.UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET last_heartbeat_at = MAX(COALESCE(last_heartbeat_at, ?), ?), updated_at = ? WHERE job_name = ?`,
		at, at, time.Now().UTC(), job)
	return eris.Wrapf(err, "sqlite: heartbeat %s", job)
}

func (s *SQLiteStore) SetControlSignal(ctx context.Context, job string, sig model.ControlSignal) error {
	if !sig.Valid() {
		return eris.Errorf("sqlite: invalid control signal %q", sig)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET control_signal = ?, updated_at = ? WHERE job_name = ?`,
		string(sig), time.Now().UTC(), job)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set control signal %s", job)
	}
	return checkRowsAffected(res, "checkpoint", job)
}

func (s *SQLiteStore) FinishJob(ctx context.Context, job string, opts FinishOptions, now time.Time) error {
	now = now.UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints
		 SET is_running = 0, finished_at = ?, last_error = ?,
		     sync_cycle = CASE WHEN ? THEN sync_cycle + 1 ELSE sync_cycle END,
		     current_offset = CASE WHEN ? THEN 0 ELSE current_offset END,
		     updated_at = ?
		 WHERE job_name = ?`,
		now, opts.LastError, opts.CycleComplete, opts.CycleComplete, now, job)
	return eris.Wrapf(err, "sqlite: finish job %s", job)
}

func (s *SQLiteStore) ForceClearStalled(ctx context.Context, job string, cutoff time.Time, reason string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints
		 SET is_running = 0, last_error = ?, finished_at = ?, updated_at = ?
		 WHERE job_name = ? AND is_running = 1
		   AND COALESCE(last_heartbeat_at, started_at, updated_at) < ?`,
		reason, now, now, job, cutoff.UTC())
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: clear stalled %s", job)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ReconcileOffset(ctx context.Context, job string, kind model.EntityKind) (int64, error) {
	var offset int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var cycle int64
		err := tx.QueryRowContext(ctx, `SELECT sync_cycle FROM checkpoints WHERE job_name = ?`, job).Scan(&cycle)
		if err == sql.ErrNoRows {
			return eris.Wrapf(ErrNotFound, "sqlite: reconcile %s", job)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: reconcile %s: load cycle", job)
		}

		var firstUnmarked sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MIN(e.id) FROM entities e
			 WHERE e.kind = ? AND e.deleted_at IS NULL
			   AND NOT EXISTS (SELECT 1 FROM enrichment_marks m
			                   WHERE m.job_name = ? AND m.sync_cycle = ? AND m.entity_id = e.id)`,
			string(kind), job, cycle).Scan(&firstUnmarked); err != nil {
			return eris.Wrapf(err, "sqlite: reconcile %s: first unmarked", job)
		}

		var candidate sql.NullInt64
		if !firstUnmarked.Valid {
			err = tx.QueryRowContext(ctx,
				`SELECT MAX(entity_id) FROM enrichment_marks WHERE job_name = ? AND sync_cycle = ?`,
				job, cycle).Scan(&candidate)
		} else {
			err = tx.QueryRowContext(ctx,
				`SELECT MAX(id) FROM entities WHERE kind = ? AND deleted_at IS NULL AND id < ?`,
				string(kind), firstUnmarked.Int64).Scan(&candidate)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: reconcile %s: offset", job)
		}
		offset = candidate.Int64

		_, err = tx.ExecContext(ctx,
			`UPDATE checkpoints SET current_offset = ?, updated_at = ? WHERE job_name = ?`,
			offset, time.Now().UTC(), job)
		return eris.Wrapf(err, "sqlite: reconcile %s: update", job)
	})
	return offset, err
}

func (s *SQLiteStore) RecordStall(ctx context.Context, ev model.StallEvent) error {
	var hb any
	if ev.LastHeartbeatAt != nil {
		hb = ev.LastHeartbeatAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_stall_events (job_name, detected_at, last_heartbeat_at, restarted, reason)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.JobName, ev.DetectedAt.UTC(), hb, ev.Restarted, ev.Reason)
	return eris.Wrapf(err, "sqlite: record stall %s", ev.JobName)
}

func (s *SQLiteStore) CountStallsSince(ctx context.Context, job string, since time.Time, restartedOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM job_stall_events WHERE detected_at >= ?`
	args := []any{since.UTC()}
	if job != "" {
		query += ` AND job_name = ?`
		args = append(args, job)
	}
	if restartedOnly {
		query += ` AND restarted = 1`
	}
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count stalls")
}

func (s *SQLiteStore) ListStalls(ctx context.Context, job string, limit int) ([]model.StallEvent, error) {
	query := `SELECT id, job_name, detected_at, last_heartbeat_at, restarted, reason FROM job_stall_events`
	var args []any
	if job != "" {
		query += ` WHERE job_name = ?`
		args = append(args, job)
	}
	query += ` ORDER BY detected_at DESC, id DESC LIMIT ?`
	args = append(args, listLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stalls")
	}
	defer rows.Close()

	var out []model.StallEvent
	for rows.Next() {
		var ev model.StallEvent
		if err := rows.Scan(&ev.ID, &ev.JobName, &ev.DetectedAt, &ev.LastHeartbeatAt, &ev.Restarted, &ev.Reason); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stall")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list stalls iterate")
}

// --- Quotas & circuits ---

func scanQuotaSQLite(row scannable) (*model.SourceQuota, error) {
	var q model.SourceQuota
	var source string
	if err := row.Scan(&source, &q.RequestsToday, &q.DailyLimit, &q.ResetDay, &q.LastResetAt,
		&q.CircuitState, &q.ConsecutiveFailures, &q.OpenedAt); err != nil {
		return nil, err
	}
	q.Source = model.SourceID(source)
	return &q, nil
}

func (s *SQLiteStore) EnsureQuota(ctx context.Context, source model.SourceID, dailyLimit int) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_quotas (source_name, daily_limit, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (source_name) DO UPDATE SET daily_limit = excluded.daily_limit, updated_at = excluded.updated_at`,
		string(source), dailyLimit, now)
	return eris.Wrapf(err, "sqlite: ensure quota %s", source)
}

func (s *SQLiteStore) ReserveQuota(ctx context.Context, source model.SourceID, now time.Time) (bool, error) {
	now = now.UTC()
	day := model.UTCDay(now)
	res, err := s.db.ExecContext(ctx,
		`UPDATE source_quotas
		 SET requests_today = CASE WHEN reset_day = ? THEN requests_today + 1 ELSE 1 END,
		     last_reset_at = CASE WHEN reset_day = ? THEN last_reset_at ELSE ? END,
		     reset_day = ?,
		     updated_at = ?
		 WHERE source_name = ? AND daily_limit > 0
		   AND (reset_day <> ? OR requests_today < daily_limit)`,
		day, day, now, day, now, string(source), day)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: reserve quota %s", source)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ResetQuotaIfNewDay(ctx context.Context, source model.SourceID, now time.Time) (bool, error) {
	now = now.UTC()
	day := model.UTCDay(now)
	res, err := s.db.ExecContext(ctx,
		`UPDATE source_quotas SET requests_today = 0, reset_day = ?, last_reset_at = ?, updated_at = ?
		 WHERE source_name = ? AND reset_day <> ?`,
		day, now, now, string(source), day)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: reset quota %s", source)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) GetQuota(ctx context.Context, source model.SourceID) (*model.SourceQuota, error) {
	q, err := scanQuotaSQLite(s.db.QueryRowContext(ctx,
		`SELECT `+quotaColumns+` FROM source_quotas WHERE source_name = ?`, string(source)))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get quota %s", source)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get quota %s", source)
	}
	return q, nil
}

func (s *SQLiteStore) ListQuotas(ctx context.Context) ([]model.SourceQuota, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+quotaColumns+` FROM source_quotas ORDER BY source_name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list quotas")
	}
	defer rows.Close()

	var out []model.SourceQuota
	for rows.Next() {
		q, err := scanQuotaSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan quota")
		}
		out = append(out, *q)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list quotas iterate")
}

func (s *SQLiteStore) LoadCircuit(ctx context.Context, source model.SourceID) (*model.CircuitSnapshot, error) {
	var snap model.CircuitSnapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT circuit_state, consecutive_failures, opened_at FROM source_quotas WHERE source_name = ?`,
		string(source)).Scan(&snap.State, &snap.ConsecutiveFailures, &snap.OpenedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load circuit %s", source)
	}
	return &snap, nil
}

func (s *SQLiteStore) SaveCircuit(ctx context.Context, source model.SourceID, snap model.CircuitSnapshot) error {
	var openedAt any
	if snap.OpenedAt != nil {
		openedAt = snap.OpenedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_quotas (source_name, circuit_state, consecutive_failures, opened_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (source_name) DO UPDATE
		 SET circuit_state = excluded.circuit_state,
		     consecutive_failures = excluded.consecutive_failures,
		     opened_at = excluded.opened_at,
		     updated_at = excluded.updated_at`,
		string(source), snap.State, snap.ConsecutiveFailures, openedAt, time.Now().UTC())
	return eris.Wrapf(err, "sqlite: save circuit %s", source)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func inPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
