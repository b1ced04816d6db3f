package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/db"
	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/resilience"
)

// --- Dead letter queue ---

const dlqColumns = `id, entity_id, source, job_name, error_category, error, payload, status,
	retry_count, max_retries, next_retry_at, created_at, updated_at, resolved_at`

func scanDLQ(row pgx.Row) (*model.DLQEntry, error) {
	var e model.DLQEntry
	var source, category, status string
	var payload []byte
	if err := row.Scan(&e.ID, &e.EntityID, &source, &e.JobName, &category, &e.Error, &payload, &status,
		&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.UpdatedAt, &e.ResolvedAt); err != nil {
		return nil, err
	}
	e.Source = model.SourceID(source)
	e.ErrorCategory = model.ErrorCategory(category)
	e.Status = model.DLQStatus(status)
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return &e, nil
}

// enqueueDLQPG inserts an entry or refreshes the live one for (entity, source).
// Resolved entries reopen as pending with a fresh retry budget; abandoned
// entries only get their error refreshed.
func enqueueDLQPG(ctx context.Context, q db.Querier, e model.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.NextRetryAt.IsZero() {
		e.NextRetryAt = now
	}
	var payload []byte
	if len(e.Payload) > 0 {
		payload = e.Payload
	}
	_, err := q.Exec(ctx,
		`INSERT INTO dead_letter_queue (id, entity_id, source, job_name, error_category, error, payload,
		     status, retry_count, max_retries, next_retry_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8, $9, $10, $10)
		 ON CONFLICT (entity_id, source) DO UPDATE
		 SET error_category = EXCLUDED.error_category,
		     error = EXCLUDED.error,
		     payload = EXCLUDED.payload,
		     job_name = EXCLUDED.job_name,
		     status = CASE WHEN dead_letter_queue.status = 'resolved' THEN 'pending' ELSE dead_letter_queue.status END,
		     retry_count = CASE WHEN dead_letter_queue.status = 'resolved' THEN 0 ELSE dead_letter_queue.retry_count END,
		     next_retry_at = CASE WHEN dead_letter_queue.status = 'resolved' THEN EXCLUDED.next_retry_at ELSE dead_letter_queue.next_retry_at END,
		     resolved_at = CASE WHEN dead_letter_queue.status = 'resolved' THEN NULL ELSE dead_letter_queue.resolved_at END,
		     updated_at = EXCLUDED.updated_at`,
		e.ID, e.EntityID, string(e.Source), e.JobName, string(e.ErrorCategory), e.Error, payload,
		e.MaxRetries, e.NextRetryAt.UTC(), now)
	return eris.Wrapf(err, "postgres: enqueue dlq entity %d source %s", e.EntityID, e.Source)
}

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, e model.DLQEntry) error {
	return enqueueDLQPG(ctx, s.pool, e)
}

func (s *PostgresStore) ClaimDLQ(ctx context.Context, now time.Time, limit int) ([]model.DLQEntry, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE dead_letter_queue SET status = 'retrying', updated_at = $1
		 WHERE id IN (
		     SELECT id FROM dead_letter_queue
		     WHERE status = 'pending' AND next_retry_at <= $1 AND retry_count < max_retries
		     ORDER BY next_retry_at
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED)
		 RETURNING `+dlqColumns,
		now.UTC(), listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim dlq")
	}
	defer rows.Close()

	var out []model.DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: claim dlq iterate")
}

func (s *PostgresStore) ResolveDLQ(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue SET status = 'resolved', resolved_at = $2, updated_at = $2
		 WHERE id = $1 AND status IN ('pending', 'retrying')`,
		id, now.UTC())
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve dlq %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotPending, "postgres: resolve dlq %s", id)
	}
	return nil
}

func (s *PostgresStore) FailDLQ(ctx context.Context, id, errMsg string, baseBackoff time.Duration, now time.Time) (model.DLQStatus, error) {
	var status model.DLQStatus
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var retryCount, maxRetries int
		err := tx.QueryRow(ctx,
			`SELECT retry_count, max_retries FROM dead_letter_queue WHERE id = $1 FOR UPDATE`, id).
			Scan(&retryCount, &maxRetries)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "postgres: fail dlq %s", id)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: fail dlq %s", id)
		}

		status = nextDLQStatus(retryCount, maxRetries)
		_, err = tx.Exec(ctx,
			`UPDATE dead_letter_queue
			 SET retry_count = retry_count + 1, status = $2, error = $3, next_retry_at = $4, updated_at = $5
			 WHERE id = $1`,
			id, string(status), errMsg, resilience.NextRetryAt(now.UTC(), retryCount+1, baseBackoff), now.UTC())
		return eris.Wrapf(err, "postgres: fail dlq %s", id)
	})
	return status, err
}

// nextDLQStatus decides where a failed retry lands.
func nextDLQStatus(retryCount, maxRetries int) model.DLQStatus {
	if retryCount+1 >= maxRetries {
		return model.DLQAbandoned
	}
	return model.DLQPending
}

func (s *PostgresStore) RequeueDLQ(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET status = 'pending', retry_count = 0, next_retry_at = $2, resolved_at = NULL, updated_at = $2
		 WHERE id = $1 AND status <> 'retrying'`,
		id, now.UTC())
	if err != nil {
		return eris.Wrapf(err, "postgres: requeue dlq %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: requeue dlq %s", id)
	}
	return nil
}

func (s *PostgresStore) ResetRetryingDLQ(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue SET status = 'pending', updated_at = now() WHERE status = 'retrying'`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset retrying dlq")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetDLQ(ctx context.Context, id string) (*model.DLQEntry, error) {
	e, err := scanDLQ(s.pool.QueryRow(ctx, `SELECT `+dlqColumns+` FROM dead_letter_queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get dlq %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get dlq %s", id)
	}
	return e, nil
}

func (s *PostgresStore) ListDLQ(ctx context.Context, f model.DLQFilter) ([]model.DLQEntry, error) {
	where, args := dlqWhere(f, pgPlaceholder)
	args = append(args, listLimit(f.Limit))
	rows, err := s.pool.Query(ctx,
		`SELECT `+dlqColumns+` FROM dead_letter_queue`+where+
			fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)),
		args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var out []model.DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) CountDLQ(ctx context.Context, status model.DLQStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM dead_letter_queue WHERE ($1 = '' OR status = $1)`, string(status)).Scan(&n)
	return n, eris.Wrap(err, "postgres: count dlq")
}

// --- Quarantine ---

const quarantineColumns = `id, entity_id, field, candidates, reason, score, status,
	chosen_value, resolved_by, created_at, resolved_at`

func scanQuarantine(row pgx.Row) (*model.QuarantineEntry, error) {
	var e model.QuarantineEntry
	var field, reason, status string
	var candidates []byte
	if err := row.Scan(&e.ID, &e.EntityID, &field, &candidates, &reason, &e.Score, &status,
		&e.ChosenValue, &e.ResolvedBy, &e.CreatedAt, &e.ResolvedAt); err != nil {
		return nil, err
	}
	e.Field = model.Field(field)
	e.Reason = model.QuarantineReason(reason)
	e.Status = model.QuarantineStatus(status)
	if err := json.Unmarshal(candidates, &e.Candidates); err != nil {
		return nil, eris.Wrap(err, "unmarshal candidates")
	}
	return &e, nil
}

// addQuarantinePG inserts a pending entry; a pending entry for the same
// entity, field and reason is refreshed instead of duplicated.
func addQuarantinePG(ctx context.Context, q db.Querier, e model.QuarantineEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	candidates, err := json.Marshal(e.Candidates)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal candidates")
	}
	_, err = q.Exec(ctx,
		`INSERT INTO data_quarantine (id, entity_id, field, candidates, reason, score, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'pending', now())
		 ON CONFLICT (entity_id, field, reason) WHERE status = 'pending'
		 DO UPDATE SET candidates = EXCLUDED.candidates, score = EXCLUDED.score`,
		e.ID, e.EntityID, string(e.Field), candidates, string(e.Reason), e.Score)
	return eris.Wrapf(err, "postgres: quarantine entity %d field %s", e.EntityID, e.Field)
}

func (s *PostgresStore) AddQuarantine(ctx context.Context, e model.QuarantineEntry) error {
	return addQuarantinePG(ctx, s.pool, e)
}

func (s *PostgresStore) GetQuarantine(ctx context.Context, id string) (*model.QuarantineEntry, error) {
	e, err := scanQuarantine(s.pool.QueryRow(ctx, `SELECT `+quarantineColumns+` FROM data_quarantine WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get quarantine %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get quarantine %s", id)
	}
	return e, nil
}

func (s *PostgresStore) ListQuarantine(ctx context.Context, f model.QuarantineFilter) ([]model.QuarantineEntry, error) {
	where, args := quarantineWhere(f, pgPlaceholder)
	args = append(args, listLimit(f.Limit))
	rows, err := s.pool.Query(ctx,
		`SELECT `+quarantineColumns+` FROM data_quarantine`+where+
			fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args)),
		args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list quarantine")
	}
	defer rows.Close()

	var out []model.QuarantineEntry
	for rows.Next() {
		e, err := scanQuarantine(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan quarantine")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list quarantine iterate")
}

func (s *PostgresStore) ResolveQuarantine(ctx context.Context, r QuarantineResolution) error {
	now := r.Now.UTC()
	if r.Now.IsZero() {
		now = time.Now().UTC()
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var entityID int64
		var field string
		err := tx.QueryRow(ctx,
			`UPDATE data_quarantine
			 SET status = $2, chosen_value = $3, resolved_by = $4, resolved_at = $5
			 WHERE id = $1 AND status = 'pending'
			 RETURNING entity_id, field`,
			r.ID, string(r.Status), r.ChosenValue, r.ResolvedBy, now).Scan(&entityID, &field)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotPending, "postgres: resolve quarantine %s", r.ID)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: resolve quarantine %s", r.ID)
		}
		if !r.Apply {
			return nil
		}
		if r.Source == model.SourceManual {
			if _, err := tx.Exec(ctx,
				`UPDATE data_quarantine SET status = $2, chosen_value = $3, resolved_by = $4, resolved_at = $5
				 WHERE entity_id = $6 AND field = $7 AND status = 'pending' AND id <> $1`,
				r.ID, string(r.Status), r.ChosenValue, r.ResolvedBy, now, entityID, field); err != nil {
				return eris.Wrapf(err, "postgres: resolve quarantine %s: close siblings", r.ID)
			}
		}

		var old string
		err = tx.QueryRow(ctx,
			`SELECT value FROM entity_fields WHERE entity_id = $1 AND field = $2`, entityID, field).Scan(&old)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(err, "postgres: resolve quarantine %s: read field", r.ID)
		}
		if old == r.ChosenValue {
			return nil
		}

		fetchedAt := r.FetchedAt.UTC()
		if r.FetchedAt.IsZero() {
			fetchedAt = now
		}
		tag, err := tx.Exec(ctx, upsertFieldSQL, entityID, field, r.ChosenValue, string(r.Source), fetchedAt, r.Confidence)
		if err != nil {
			return eris.Wrapf(err, "postgres: resolve quarantine %s: write field", r.ID)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO field_changelog (entity_id, field, old_value, new_value, source, reason, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			entityID, field, old, r.ChosenValue, string(r.Source), string(r.Reason), now)
		return eris.Wrapf(err, "postgres: resolve quarantine %s: changelog", r.ID)
	})
}

func (s *PostgresStore) CountQuarantine(ctx context.Context, status model.QuarantineStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM data_quarantine WHERE ($1 = '' OR status = $1)`, string(status)).Scan(&n)
	return n, eris.Wrap(err, "postgres: count quarantine")
}

// --- filter builders shared by both backends ---

type placeholderFunc func(n int) string

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func sqlitePlaceholder(int) string { return "?" }

func dlqWhere(f model.DLQFilter, ph placeholderFunc) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, ph(len(args))))
	}
	if f.Status != "" {
		add("status = %s", string(f.Status))
	}
	if f.Source != "" {
		add("source = %s", string(f.Source))
	}
	if f.EntityID != 0 {
		add("entity_id = %s", f.EntityID)
	}
	return joinWhere(conds), args
}

func quarantineWhere(f model.QuarantineFilter, ph placeholderFunc) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, ph(len(args))))
	}
	if f.Status != "" {
		add("status = %s", string(f.Status))
	}
	if f.Reason != "" {
		add("reason = %s", string(f.Reason))
	}
	if f.EntityID != 0 {
		add("entity_id = %s", f.EntityID)
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < %s", f.CreatedBefore.UTC())
	}
	if f.MinScore > 0 {
		add("score >= %s", f.MinScore)
	}
	return joinWhere(conds), args
}

func joinWhere(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
