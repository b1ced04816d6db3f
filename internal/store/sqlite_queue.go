package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/resilience"
)

// --- Dead letter queue ---

func scanDLQSQLite(row scannable) (*model.DLQEntry, error) {
	var e model.DLQEntry
	var source, category, status string
	var payload sql.NullString
	if err := row.Scan(&e.ID, &e.EntityID, &source, &e.JobName, &category, &e.Error, &payload, &status,
		&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.UpdatedAt, &e.ResolvedAt); err != nil {
		return nil, err
	}
	e.Source = model.SourceID(source)
	e.ErrorCategory = model.ErrorCategory(category)
	e.Status = model.DLQStatus(status)
	if payload.Valid && payload.String != "" {
		e.Payload = json.RawMessage(payload.String)
	}
	return &e, nil
}

func enqueueDLQSQLite(ctx context.Context, q querier, e model.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.NextRetryAt.IsZero() {
		e.NextRetryAt = now
	}
	var payload any
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO dead_letter_queue (id, entity_id, source, job_name, error_category, error, payload,
		     status, retry_count, max_retries, next_retry_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)
		 ON CONFLICT (entity_id, source) DO UPDATE
		 SET error_category = excluded.error_category,
		     error = excluded.error,
		     payload = excluded.payload,
		     job_name = excluded.job_name,
		     status = CASE WHEN dead_letter_queue.status = 'resolved' THEN 'pending' ELSE dead_letter_queue.status END,
		     retry_count = CASE WHEN dead_letter_queue.status = 'resolved' THEN 0 ELSE dead_letter_queue.retry_count END,
		     next_retry_at = CASE WHEN dead_letter_queue.status = 'resolved' THEN excluded.next_retry_at ELSE dead_letter_queue.next_retry_at END,
		     resolved_at = CASE WHEN dead_letter_queue.status = 'resolved' THEN NULL ELSE dead_letter_queue.resolved_at END,
		     updated_at = excluded.updated_at`,
		e.ID, e.EntityID, string(e.Source), e.JobName, string(e.ErrorCategory), e.Error, payload,
		e.MaxRetries, e.NextRetryAt.UTC(), now, now)
	return eris.Wrapf(err, "sqlite: enqueue dlq entity %d source %s", e.EntityID, e.Source)
}

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, e model.DLQEntry) error {
	return enqueueDLQSQLite(ctx, s.db, e)
}

func (s *SQLiteStore) ClaimDLQ(ctx context.Context, now time.Time, limit int) ([]model.DLQEntry, error) {
	now = now.UTC()
	var out []model.DLQEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+dlqColumns+` FROM dead_letter_queue
			 WHERE status = 'pending' AND next_retry_at <= ? AND retry_count < max_retries
			 ORDER BY next_retry_at
			 LIMIT ?`,
			now, listLimit(limit))
		if err != nil {
			return eris.Wrap(err, "sqlite: claim dlq")
		}
		for rows.Next() {
			e, err := scanDLQSQLite(rows)
			if err != nil {
				rows.Close()
				return eris.Wrap(err, "sqlite: scan dlq")
			}
			out = append(out, *e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "sqlite: claim dlq iterate")
		}

		for i := range out {
			if _, err := tx.ExecContext(ctx,
				`UPDATE dead_letter_queue SET status = 'retrying', updated_at = ? WHERE id = ?`,
				now, out[i].ID); err != nil {
				return eris.Wrapf(err, "sqlite: claim dlq %s", out[i].ID)
			}
			out[i].Status = model.DLQRetrying
			out[i].UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) ResolveDLQ(ctx context.Context, id string, now time.Time) error {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue SET status = 'resolved', resolved_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'retrying')`,
		now, now, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve dlq %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotPending, "sqlite: resolve dlq %s", id)
	}
	return nil
}

func (s *SQLiteStore) FailDLQ(ctx context.Context, id, errMsg string, baseBackoff time.Duration, now time.Time) (model.DLQStatus, error) {
	now = now.UTC()
	var status model.DLQStatus
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var retryCount, maxRetries int
		err := tx.QueryRowContext(ctx,
			`SELECT retry_count, max_retries FROM dead_letter_queue WHERE id = ?`, id).
			Scan(&retryCount, &maxRetries)
		if err == sql.ErrNoRows {
			return eris.Wrapf(ErrNotFound, "sqlite: fail dlq %s", id)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: fail dlq %s", id)
		}

		status = nextDLQStatus(retryCount, maxRetries)
		_, err = tx.ExecContext(ctx,
			`UPDATE dead_letter_queue
			 SET retry_count = retry_count + 1, status = ?, error = ?, next_retry_at = ?, updated_at = ?
			 WHERE id = ?`,
			string(status), errMsg, resilience.NextRetryAt(now, retryCount+1, baseBackoff), now, id)
		return eris.Wrapf(err, "sqlite: fail dlq %s", id)
	})
	return status, err
}

func (s *SQLiteStore) RequeueDLQ(ctx context.Context, id string, now time.Time) error {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET status = 'pending', retry_count = 0, next_retry_at = ?, resolved_at = NULL, updated_at = ?
		 WHERE id = ? AND status <> 'retrying'`,
		now, now, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: requeue dlq %s", id)
	}
	return checkRowsAffected(res, "dlq entry", id)
}

func (s *SQLiteStore) ResetRetryingDLQ(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue SET status = 'pending', updated_at = ? WHERE status = 'retrying'`,
		time.Now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset retrying dlq")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) GetDLQ(ctx context.Context, id string) (*model.DLQEntry, error) {
	e, err := scanDLQSQLite(s.db.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dead_letter_queue WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get dlq %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get dlq %s", id)
	}
	return e, nil
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, f model.DLQFilter) ([]model.DLQEntry, error) {
	where, args := dlqWhere(f, sqlitePlaceholder)
	args = append(args, listLimit(f.Limit))
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+dlqColumns+` FROM dead_letter_queue`+where+` ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var out []model.DLQEntry
	for rows.Next() {
		e, err := scanDLQSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context, status model.DLQStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letter_queue WHERE (? = '' OR status = ?)`, string(status), string(status)).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

// --- Quarantine ---

func scanQuarantineSQLite(row scannable) (*model.QuarantineEntry, error) {
	var e model.QuarantineEntry
	var field, reason, status, candidates string
	if err := row.Scan(&e.ID, &e.EntityID, &field, &candidates, &reason, &e.Score, &status,
		&e.ChosenValue, &e.ResolvedBy, &e.CreatedAt, &e.ResolvedAt); err != nil {
		return nil, err
	}
	e.Field = model.Field(field)
	e.Reason = model.QuarantineReason(reason)
	e.Status = model.QuarantineStatus(status)
	if err := json.Unmarshal([]byte(candidates), &e.Candidates); err != nil {
		return nil, eris.Wrap(err, "unmarshal candidates")
	}
	return &e, nil
}

func addQuarantineSQLite(ctx context.Context, q querier, e model.QuarantineEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	candidates, err := json.Marshal(e.Candidates)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal candidates")
	}
	created := e.CreatedAt.UTC()
	if e.CreatedAt.IsZero() {
		created = time.Now().UTC()
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO data_quarantine (id, entity_id, field, candidates, reason, score, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)
		 ON CONFLICT (entity_id, field, reason) WHERE status = 'pending'
		 DO UPDATE SET candidates = excluded.candidates, score = excluded.score`,
		e.ID, e.EntityID, string(e.Field), string(candidates), string(e.Reason), e.Score, created)
	return eris.Wrapf(err, "sqlite: quarantine entity %d field %s", e.EntityID, e.Field)
}

func (s *SQLiteStore) AddQuarantine(ctx context.Context, e model.QuarantineEntry) error {
	return addQuarantineSQLite(ctx, s.db, e)
}

func (s *SQLiteStore) GetQuarantine(ctx context.Context, id string) (*model.QuarantineEntry, error) {
	e, err := scanQuarantineSQLite(s.db.QueryRowContext(ctx, `SELECT `+quarantineColumns+` FROM data_quarantine WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get quarantine %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get quarantine %s", id)
	}
	return e, nil
}

func (s *SQLiteStore) ListQuarantine(ctx context.Context, f model.QuarantineFilter) ([]model.QuarantineEntry, error) {
	where, args := quarantineWhere(f, sqlitePlaceholder)
	args = append(args, listLimit(f.Limit))
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+quarantineColumns+` FROM data_quarantine`+where+` ORDER BY created_at, id LIMIT ?`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list quarantine")
	}
	defer rows.Close()

	var out []model.QuarantineEntry
	for rows.Next() {
		e, err := scanQuarantineSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan quarantine")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list quarantine iterate")
}

func (s *SQLiteStore) ResolveQuarantine(ctx context.Context, r QuarantineResolution) error {
	now := r.Now.UTC()
	if r.Now.IsZero() {
		now = time.Now().UTC()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var entityID int64
		var field string
		err := tx.QueryRowContext(ctx,
			`SELECT entity_id, field FROM data_quarantine WHERE id = ? AND status = 'pending'`, r.ID).
			Scan(&entityID, &field)
		if err == sql.ErrNoRows {
			return eris.Wrapf(ErrNotPending, "sqlite: resolve quarantine %s", r.ID)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: resolve quarantine %s", r.ID)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE data_quarantine SET status = ?, chosen_value = ?, resolved_by = ?, resolved_at = ? WHERE id = ?`,
			string(r.Status), r.ChosenValue, r.ResolvedBy, now, r.ID); err != nil {
			return eris.Wrapf(err, "sqlite: resolve quarantine %s", r.ID)
		}
		if !r.Apply {
			return nil
		}
		if r.Source == model.SourceManual {
			if _, err := tx.ExecContext(ctx,
				`UPDATE data_quarantine SET status = ?, chosen_value = ?, resolved_by = ?, resolved_at = ?
				 WHERE entity_id = ? AND field = ? AND status = 'pending' AND id <> ?`,
				string(r.Status), r.ChosenValue, r.ResolvedBy, now, entityID, field, r.ID); err != nil {
				return eris.Wrapf(err, "sqlite: resolve quarantine %s: close siblings", r.ID)
			}
		}

		var old string
		err = tx.QueryRowContext(ctx,
			`SELECT value FROM entity_fields WHERE entity_id = ? AND field = ?`, entityID, field).Scan(&old)
		if err != nil && err != sql.ErrNoRows {
			return eris.Wrapf(err, "sqlite: resolve quarantine %s: read field", r.ID)
		}
		if old == r.ChosenValue {
			return nil
		}

		fetchedAt := r.FetchedAt.UTC()
		if r.FetchedAt.IsZero() {
			fetchedAt = now
		}
		res, err := tx.ExecContext(ctx, upsertFieldSQLite,
			entityID, field, r.ChosenValue, string(r.Source), fetchedAt, r.Confidence, now)
		if err != nil {
			return eris.Wrapf(err, "sqlite: resolve quarantine %s: write field", r.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrapf(err, "sqlite: resolve quarantine %s: write field", r.ID)
		}
		if n == 0 {
			return nil
		}
		return insertChangeSQLite(ctx, tx, entityID, model.Field(field), model.FieldChange{
			OldValue: old,
			NewValue: r.ChosenValue,
			Source:   r.Source,
			Reason:   r.Reason,
		}, "", 0, now)
	})
}

func (s *SQLiteStore) CountQuarantine(ctx context.Context, status model.QuarantineStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM data_quarantine WHERE (? = '' OR status = ?)`, string(status), string(status)).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count quarantine")
}
