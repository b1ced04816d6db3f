package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/db"
	"github.com/sells-group/catalog-enricher/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	pingFn  func(ctx context.Context) error
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the hot-path queries prepared on each new connection.
var preparedStatements = map[string]string{
	"get_checkpoint":   `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE job_name = $1`,
	"heartbeat":        `UPDATE checkpoints SET last_heartbeat_at = GREATEST(COALESCE(last_heartbeat_at, $2), $2), updated_at = now() WHERE job_name = $1`,
	"reserve_quota":    reserveQuotaSQL,
	"get_quota":        `SELECT ` + quotaColumns + ` FROM source_quotas WHERE source_name = $1`,
	"upsert_field_lww": upsertFieldSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, pingFn: pool.Ping, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pingFn == nil {
		return nil
	}
	return eris.Wrap(s.pingFn(ctx), "postgres: ping")
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, s.pool)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// inTx runs fn in a transaction, committing on success.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

// --- Checkpoints ---

const checkpointColumns = `job_name, current_offset, sync_cycle, is_running, control_signal,
	last_heartbeat_at, total_processed, total_errors, last_error, started_at, finished_at, updated_at`

func scanCheckpoint(row pgx.Row) (*model.Checkpoint, error) {
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

func (s *PostgresStore) EnsureCheckpoint(ctx context.Context, job string) (*model.Checkpoint, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (job_name) VALUES ($1) ON CONFLICT (job_name) DO NOTHING`, job)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: ensure checkpoint %s", job)
	}
	return s.GetCheckpoint(ctx, job)
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, job string) (*model.Checkpoint, error) {
	cp, err := scanCheckpoint(s.pool.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE job_name = $1`, job))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get checkpoint %s", job)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get checkpoint %s", job)
	}
	return cp, nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context) ([]model.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+checkpointColumns+` FROM checkpoints ORDER BY job_name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list checkpoints")
	}
	defer rows.Close()

	var out []model.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan checkpoint")
		}
		out = append(out, *cp)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list checkpoints iterate")
}

func (s *PostgresStore) TryStartJob(ctx context.Context, job string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE checkpoints
		 SET is_running = true, started_at = $2, last_heartbeat_at = $2, finished_at = NULL,
		     last_error = '', updated_at = now()
		 WHERE job_name = $1 AND is_running = false`,
		job, now.UTC())
	if err != nil {
		return false, eris.Wrapf(err, "postgres: start job %s", job)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateCheckpoint(ctx context.Context, job string, p Progress) error {
	return updateCheckpointPG(ctx, s.pool, job, p)
}

func updateCheckpointPG(ctx context.Context, q db.Querier, job string, p Progress) error {
	tag, err := q.Exec(ctx,
		`UPDATE checkpoints
		 SET current_offset = $2,
		     total_processed = total_processed + $3,
		     total_errors = total_errors + $4,
		     last_heartbeat_at = GREATEST(COALESCE(last_heartbeat_at, $5), $5),
		     updated_at = now()
		 WHERE job_name = $1`,
		job, p.Offset, p.ProcessedDelta, p.ErrorDelta, p.Heartbeat.UTC())
	if err != nil {
		return eris.Wrapf(err, "postgres: update checkpoint %s", job)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: update checkpoint %s", job)
	}
	return nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, job string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE checkpoints SET last_heartbeat_at = GREATEST(COALESCE(last_heartbeat_at, $2), $2), updated_at = now() WHERE job_name = $1`,
		job, at.UTC())
	return eris.Wrapf(err, "postgres: heartbeat %s", job)
}

func (s *PostgresStore) SetControlSignal(ctx context.Context, job string, sig model.ControlSignal) error {
	if !sig.Valid() {
		return eris.Errorf("postgres: invalid control signal %q", sig)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE checkpoints SET control_signal = $2, updated_at = now() WHERE job_name = $1`,
		job, string(sig))
	if err != nil {
		return eris.Wrapf(err, "postgres: set control signal %s", job)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: set control signal %s", job)
	}
	return nil
}

func (s *PostgresStore) FinishJob(ctx context.Context, job string, opts FinishOptions, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE checkpoints
		 SET is_running = false, finished_at = $2, last_error = $3,
		     sync_cycle = CASE WHEN $4 THEN sync_cycle + 1 ELSE sync_cycle END,
		     current_offset = CASE WHEN $4 THEN 0 ELSE current_offset END,
		     updated_at = now()
		 WHERE job_name = $1`,
		job, now.UTC(), opts.LastError, opts.CycleComplete)
	return eris.Wrapf(err, "postgres: finish job %s", job)
}

func (s *PostgresStore) ForceClearStalled(ctx context.Context, job string, cutoff time.Time, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE checkpoints
		 SET is_running = false, last_error = $3, finished_at = now(), updated_at = now()
		 WHERE job_name = $1 AND is_running = true
		   AND COALESCE(last_heartbeat_at, started_at, updated_at) < $2`,
		job, cutoff.UTC(), reason)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: clear stalled %s", job)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReconcileOffset(ctx context.Context, job string, kind model.EntityKind) (int64, error) {
	var offset int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var cycle int64
		if err := tx.QueryRow(ctx,
			`SELECT sync_cycle FROM checkpoints WHERE job_name = $1 FOR UPDATE`, job).Scan(&cycle); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrapf(ErrNotFound, "postgres: reconcile %s", job)
			}
			return eris.Wrapf(err, "postgres: reconcile %s: load cycle", job)
		}

		var firstUnmarked *int64
		if err := tx.QueryRow(ctx,
			`SELECT min(e.id) FROM entities e
			 WHERE e.kind = $2 AND e.deleted_at IS NULL
			   AND NOT EXISTS (SELECT 1 FROM enrichment_marks m
			                   WHERE m.job_name = $1 AND m.sync_cycle = $3 AND m.entity_id = e.id)`,
			job, string(kind), cycle).Scan(&firstUnmarked); err != nil {
			return eris.Wrapf(err, "postgres: reconcile %s: first unmarked", job)
		}

		var candidate *int64
		var err error
		if firstUnmarked == nil {
			err = tx.QueryRow(ctx,
				`SELECT max(entity_id) FROM enrichment_marks WHERE job_name = $1 AND sync_cycle = $2`,
				job, cycle).Scan(&candidate)
		} else {
			err = tx.QueryRow(ctx,
				`SELECT max(id) FROM entities WHERE kind = $1 AND deleted_at IS NULL AND id < $2`,
				string(kind), *firstUnmarked).Scan(&candidate)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: reconcile %s: offset", job)
		}
		if candidate != nil {
			offset = *candidate
		}

		_, err = tx.Exec(ctx,
			`UPDATE checkpoints SET current_offset = $2, updated_at = now() WHERE job_name = $1`,
			job, offset)
		return eris.Wrapf(err, "postgres: reconcile %s: update", job)
	})
	return offset, err
}

func (s *PostgresStore) RecordStall(ctx context.Context, ev model.StallEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_stall_events (job_name, detected_at, last_heartbeat_at, restarted, reason)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.JobName, ev.DetectedAt.UTC(), ev.LastHeartbeatAt, ev.Restarted, ev.Reason)
	return eris.Wrapf(err, "postgres: record stall %s", ev.JobName)
}

func (s *PostgresStore) CountStallsSince(ctx context.Context, job string, since time.Time, restartedOnly bool) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM job_stall_events
		 WHERE ($1 = '' OR job_name = $1) AND detected_at >= $2 AND ($3 = false OR restarted = true)`,
		job, since.UTC(), restartedOnly).Scan(&n)
	return n, eris.Wrap(err, "postgres: count stalls")
}

func (s *PostgresStore) ListStalls(ctx context.Context, job string, limit int) ([]model.StallEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_name, detected_at, last_heartbeat_at, restarted, reason
		 FROM job_stall_events WHERE ($1 = '' OR job_name = $1)
		 ORDER BY detected_at DESC LIMIT $2`,
		job, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stalls")
	}
	defer rows.Close()

	var out []model.StallEvent
	for rows.Next() {
		var ev model.StallEvent
		if err := rows.Scan(&ev.ID, &ev.JobName, &ev.DetectedAt, &ev.LastHeartbeatAt, &ev.Restarted, &ev.Reason); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stall")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list stalls iterate")
}

// --- Quotas & circuits ---

const quotaColumns = `source_name, requests_today, daily_limit, reset_day, last_reset_at,
	circuit_state, consecutive_failures, opened_at`

// reserveQuotaSQL consumes one request, rolling the counter to the new UTC day
// when reset_day differs. It touches no row when today's limit is spent.
const reserveQuotaSQL = `UPDATE source_quotas
	SET requests_today = CASE WHEN reset_day = $2 THEN requests_today + 1 ELSE 1 END,
	    last_reset_at = CASE WHEN reset_day = $2 THEN last_reset_at ELSE $3 END,
	    reset_day = $2,
	    updated_at = $3
	WHERE source_name = $1 AND daily_limit > 0
	  AND (reset_day <> $2 OR requests_today < daily_limit)`

func scanQuota(row pgx.Row) (*model.SourceQuota, error) {
	var q model.SourceQuota
	var source string
	if err := row.Scan(&source, &q.RequestsToday, &q.DailyLimit, &q.ResetDay, &q.LastResetAt,
		&q.CircuitState, &q.ConsecutiveFailures, &q.OpenedAt); err != nil {
		return nil, err
	}
	q.Source = model.SourceID(source)
	return &q, nil
}

func (s *PostgresStore) EnsureQuota(ctx context.Context, source model.SourceID, dailyLimit int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_quotas (source_name, daily_limit) VALUES ($1, $2)
		 ON CONFLICT (source_name) DO UPDATE SET daily_limit = EXCLUDED.daily_limit, updated_at = now()`,
		string(source), dailyLimit)
	return eris.Wrapf(err, "postgres: ensure quota %s", source)
}

func (s *PostgresStore) ReserveQuota(ctx context.Context, source model.SourceID, now time.Time) (bool, error) {
	now = now.UTC()
	tag, err := s.pool.Exec(ctx, reserveQuotaSQL, string(source), model.UTCDay(now), now)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: reserve quota %s", source)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ResetQuotaIfNewDay(ctx context.Context, source model.SourceID, now time.Time) (bool, error) {
	now = now.UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE source_quotas SET requests_today = 0, reset_day = $2, last_reset_at = $3, updated_at = $3
		 WHERE source_name = $1 AND reset_day <> $2`,
		string(source), model.UTCDay(now), now)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: reset quota %s", source)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetQuota(ctx context.Context, source model.SourceID) (*model.SourceQuota, error) {
	q, err := scanQuota(s.pool.QueryRow(ctx,
		`SELECT `+quotaColumns+` FROM source_quotas WHERE source_name = $1`, string(source)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get quota %s", source)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get quota %s", source)
	}
	return q, nil
}

func (s *PostgresStore) ListQuotas(ctx context.Context) ([]model.SourceQuota, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+quotaColumns+` FROM source_quotas ORDER BY source_name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list quotas")
	}
	defer rows.Close()

	var out []model.SourceQuota
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan quota")
		}
		out = append(out, *q)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list quotas iterate")
}

func (s *PostgresStore) LoadCircuit(ctx context.Context, source model.SourceID) (*model.CircuitSnapshot, error) {
	var snap model.CircuitSnapshot
	err := s.pool.QueryRow(ctx,
		`SELECT circuit_state, consecutive_failures, opened_at FROM source_quotas WHERE source_name = $1`,
		string(source)).Scan(&snap.State, &snap.ConsecutiveFailures, &snap.OpenedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load circuit %s", source)
	}
	return &snap, nil
}

func (s *PostgresStore) SaveCircuit(ctx context.Context, source model.SourceID, snap model.CircuitSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_quotas (source_name, circuit_state, consecutive_failures, opened_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (source_name) DO UPDATE
		 SET circuit_state = EXCLUDED.circuit_state,
		     consecutive_failures = EXCLUDED.consecutive_failures,
		     opened_at = EXCLUDED.opened_at,
		     updated_at = now()`,
		string(source), snap.State, snap.ConsecutiveFailures, snap.OpenedAt)
	return eris.Wrapf(err, "postgres: save circuit %s", source)
}
