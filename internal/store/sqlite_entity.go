package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/model"
)

const upsertFieldSQLite = `INSERT INTO entity_fields (entity_id, field, value, source, fetched_at, confidence, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (entity_id, field) DO UPDATE
	SET value = excluded.value, source = excluded.source, fetched_at = excluded.fetched_at,
	    confidence = excluded.confidence, updated_at = excluded.updated_at
	WHERE entity_fields.fetched_at <= excluded.fetched_at
	  AND (entity_fields.source <> 'manual' OR excluded.source = 'manual')`

func (s *SQLiteStore) ImportEntities(ctx context.Context, rows []ImportRow) (ImportStats, error) {
	var stats ImportStats
	if len(rows) == 0 {
		return stats, nil
	}
	now := time.Now().UTC()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entities (sku, kind, upc, isbn, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT (sku) DO UPDATE
				 SET kind = excluded.kind, updated_at = excluded.updated_at,
				     upc = COALESCE(NULLIF(excluded.upc, ''), entities.upc),
				     isbn = COALESCE(NULLIF(excluded.isbn, ''), entities.isbn)`,
				r.SKU, string(r.Kind), r.UPC, r.ISBN, now, now); err != nil {
				return eris.Wrapf(err, "sqlite: import entity %s", r.SKU)
			}
			stats.Entities++

			var id int64
			if err := tx.QueryRowContext(ctx, `SELECT id FROM entities WHERE sku = ?`, r.SKU).Scan(&id); err != nil {
				return eris.Wrapf(err, "sqlite: import: resolve id %s", r.SKU)
			}
			for f, v := range r.Fields {
				if v == "" {
					continue
				}
				res, err := tx.ExecContext(ctx,
					`INSERT INTO entity_fields (entity_id, field, value, source, fetched_at, confidence, updated_at)
					 VALUES (?, ?, ?, ?, ?, 1, ?)
					 ON CONFLICT (entity_id, field) DO NOTHING`,
					id, string(f), v, string(model.SourceCatalog), now, now)
				if err != nil {
					return eris.Wrapf(err, "sqlite: import field %s for %s", f, r.SKU)
				}
				n, _ := res.RowsAffected()
				stats.Fields += int(n)
			}
			for src, ext := range r.ExternalIDs {
				if err := upsertExternalIDSQLite(ctx, tx, id, src, ext, now); err != nil {
					return err
				}
			}
			if r.Deleted {
				res, err := tx.ExecContext(ctx,
					`UPDATE entities SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, now, now, id)
				if err != nil {
					return eris.Wrapf(err, "sqlite: import: delete %s", r.SKU)
				}
				n, _ := res.RowsAffected()
				stats.Deleted += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return ImportStats{}, err
	}
	return stats, nil
}

func upsertExternalIDSQLite(ctx context.Context, q querier, entityID int64, src model.SourceID, ext string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO entity_external_ids (entity_id, source, external_id, linked_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (entity_id, source) DO UPDATE SET external_id = excluded.external_id, linked_at = excluded.linked_at`,
		entityID, string(src), ext, now)
	return eris.Wrapf(err, "sqlite: link %s id for entity %d", src, entityID)
}

func scanEntitySQLite(row scannable) (*model.Entity, error) {
	var e model.Entity
	var kind string
	if err := row.Scan(&e.ID, &e.SKU, &kind, &e.UPC, &e.ISBN, &e.CreatedAt, &e.UpdatedAt, &e.DeletedAt); err != nil {
		return nil, err
	}
	e.Kind = model.EntityKind(kind)
	e.ExternalIDs = make(map[model.SourceID]string)
	e.Fields = make(map[model.Field]model.FieldValue)
	e.LastSynced = make(map[model.SourceID]time.Time)
	return &e, nil
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id int64) (*model.Entity, error) {
	e, err := scanEntitySQLite(s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get entity %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %d", id)
	}
	if err := s.loadDetails(ctx, []*model.Entity{e}); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLiteStore) NextBatch(ctx context.Context, q BatchQuery) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities e
		 WHERE e.kind = ? AND e.deleted_at IS NULL AND e.id > ?
		   AND NOT EXISTS (SELECT 1 FROM enrichment_marks m
		                   WHERE m.job_name = ? AND m.sync_cycle = ? AND m.entity_id = e.id)
		 ORDER BY e.id LIMIT ?`,
		string(q.Kind), q.AfterID, q.JobName, q.Cycle, listLimit(q.Limit))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: next batch %s", q.JobName)
	}
	var batch []*model.Entity
	for rows.Next() {
		e, err := scanEntitySQLite(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		batch = append(batch, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: next batch iterate")
	}
	if err := s.loadDetails(ctx, batch); err != nil {
		return nil, err
	}

	out := make([]model.Entity, len(batch))
	for i, e := range batch {
		out[i] = *e
	}
	return out, nil
}

func (s *SQLiteStore) loadDetails(ctx context.Context, entities []*model.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	byID := make(map[int64]*model.Entity, len(entities))
	args := make([]any, 0, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
		args = append(args, e.ID)
	}
	in := `(` + inPlaceholders(len(args)) + `)`

	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, field, value, source, fetched_at, confidence FROM entity_fields WHERE entity_id IN `+in, args...)
	if err != nil {
		return eris.Wrap(err, "sqlite: load fields")
	}
	for rows.Next() {
		var id int64
		var field, source string
		var fv model.FieldValue
		if err := rows.Scan(&id, &field, &fv.Value, &source, &fv.Provenance.FetchedAt, &fv.Provenance.Confidence); err != nil {
			rows.Close()
			return eris.Wrap(err, "sqlite: scan field")
		}
		fv.Provenance.Source = model.SourceID(source)
		byID[id].Fields[model.Field(field)] = fv
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: load fields iterate")
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT entity_id, source, external_id FROM entity_external_ids WHERE entity_id IN `+in, args...)
	if err != nil {
		return eris.Wrap(err, "sqlite: load external ids")
	}
	for rows.Next() {
		var id int64
		var source, ext string
		if err := rows.Scan(&id, &source, &ext); err != nil {
			rows.Close()
			return eris.Wrap(err, "sqlite: scan external id")
		}
		byID[id].ExternalIDs[model.SourceID(source)] = ext
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: load external ids iterate")
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT entity_id, source, last_synced_at FROM entity_source_sync WHERE entity_id IN `+in, args...)
	if err != nil {
		return eris.Wrap(err, "sqlite: load sync times")
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var source string
		var at time.Time
		if err := rows.Scan(&id, &source, &at); err != nil {
			return eris.Wrap(err, "sqlite: scan sync time")
		}
		byID[id].LastSynced[model.SourceID(source)] = at
	}
	return eris.Wrap(rows.Err(), "sqlite: load sync times iterate")
}

func (s *SQLiteStore) RecentAttempts(ctx context.Context, entityIDs []int64, since time.Time) (map[int64]map[model.SourceID]model.AttemptStatus, error) {
	out := make(map[int64]map[model.SourceID]model.AttemptStatus)
	if len(entityIDs) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(entityIDs)+1)
	for _, id := range entityIDs {
		args = append(args, id)
	}
	args = append(args, since.UTC())

	// Newest first; the first row seen per pair wins.
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, source, status FROM enrichment_attempts
		 WHERE entity_id IN (`+inPlaceholders(len(entityIDs))+`) AND attempted_at >= ?
		 ORDER BY attempted_at DESC, id DESC`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent attempts")
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var source, status string
		if err := rows.Scan(&id, &source, &status); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		if out[id] == nil {
			out[id] = make(map[model.SourceID]model.AttemptStatus)
		}
		if _, seen := out[id][model.SourceID(source)]; !seen {
			out[id][model.SourceID(source)] = model.AttemptStatus(status)
		}
	}
	return out, eris.Wrap(rows.Err(), "sqlite: recent attempts iterate")
}

func (s *SQLiteStore) CommitResults(ctx context.Context, batch CommitBatch) (CommitStats, error) {
	var stats CommitStats
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, r := range batch.Results {
			for _, fw := range r.Fields {
				res, err := tx.ExecContext(ctx, upsertFieldSQLite,
					r.EntityID, string(fw.Field), fw.Value.Value, string(fw.Value.Provenance.Source),
					fw.Value.Provenance.FetchedAt.UTC(), fw.Value.Provenance.Confidence, now)
				if err != nil {
					return eris.Wrapf(err, "sqlite: write field %s for entity %d", fw.Field, r.EntityID)
				}
				if n, _ := res.RowsAffected(); n == 0 {
					continue
				}
				stats.FieldsWritten++
				if c := fw.Change; c != nil {
					if err := insertChangeSQLite(ctx, tx, r.EntityID, fw.Field, *c, batch.JobName, batch.Cycle, now); err != nil {
						return err
					}
					stats.Changes++
				}
			}

			for src, ext := range r.ExternalIDs {
				if err := upsertExternalIDSQLite(ctx, tx, r.EntityID, src, ext, now); err != nil {
					return err
				}
			}
			for src, at := range r.Synced {
				at = at.UTC()
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO entity_source_sync (entity_id, source, last_synced_at) VALUES (?, ?, ?)
					 ON CONFLICT (entity_id, source) DO UPDATE
					 SET last_synced_at = excluded.last_synced_at
					 WHERE entity_source_sync.last_synced_at < excluded.last_synced_at`,
					r.EntityID, string(src), at); err != nil {
					return eris.Wrapf(err, "sqlite: sync time for entity %d", r.EntityID)
				}
			}
			for _, a := range r.Attempts {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO enrichment_attempts (entity_id, source, job_name, status, error, duration_ms, attempted_at)
					 VALUES (?, ?, ?, ?, ?, ?, ?)`,
					a.EntityID, string(a.Source), a.JobName, string(a.Status), a.Error, a.DurationMS, a.AttemptedAt.UTC()); err != nil {
					return eris.Wrapf(err, "sqlite: record attempt for entity %d", a.EntityID)
				}
			}
			for _, q := range r.Quarantine {
				if err := addQuarantineSQLite(ctx, tx, q); err != nil {
					return err
				}
				stats.Quarantined++
			}
			for _, d := range r.DLQ {
				if err := enqueueDLQSQLite(ctx, tx, d); err != nil {
					return err
				}
				stats.DeadLettered++
			}
			if len(r.Fields) > 0 {
				if _, err := tx.ExecContext(ctx, `UPDATE entities SET updated_at = ? WHERE id = ?`, now, r.EntityID); err != nil {
					return eris.Wrapf(err, "sqlite: touch entity %d", r.EntityID)
				}
			}
			if r.Mark {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO enrichment_marks (job_name, sync_cycle, entity_id, marked_at) VALUES (?, ?, ?, ?)
					 ON CONFLICT DO NOTHING`,
					batch.JobName, batch.Cycle, r.EntityID, now); err != nil {
					return eris.Wrapf(err, "sqlite: mark entity %d", r.EntityID)
				}
				stats.Marked++
			}
		}

		if batch.Progress != nil {
			return updateCheckpointSQLite(ctx, tx, batch.JobName, *batch.Progress)
		}
		return nil
	})
	if err != nil {
		return CommitStats{}, err
	}
	return stats, nil
}

func insertChangeSQLite(ctx context.Context, q querier, entityID int64, field model.Field, c model.FieldChange, job string, cycle int64, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO field_changelog (entity_id, field, old_value, new_value, source, reason, job_name, sync_cycle, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entityID, string(field), c.OldValue, c.NewValue, string(c.Source), string(c.Reason), job, cycle, now)
	return eris.Wrapf(err, "sqlite: changelog for entity %d", entityID)
}

func (s *SQLiteStore) ListChangelog(ctx context.Context, entityID int64, limit int) ([]model.FieldChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, field, old_value, new_value, source, reason, job_name, sync_cycle, created_at
		 FROM field_changelog WHERE (? = 0 OR entity_id = ?)
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		entityID, entityID, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list changelog")
	}
	defer rows.Close()

	var out []model.FieldChange
	for rows.Next() {
		var c model.FieldChange
		var field, source, reason string
		if err := rows.Scan(&c.ID, &c.EntityID, &field, &c.OldValue, &c.NewValue, &source, &reason,
			&c.JobName, &c.SyncCycle, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan changelog")
		}
		c.Field = model.Field(field)
		c.Source = model.SourceID(source)
		c.Reason = model.ChangeReason(reason)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list changelog iterate")
}

func (s *SQLiteStore) SoftDeleteEntity(ctx context.Context, id int64, now time.Time) error {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: soft delete entity %d", id)
	}
	return checkRowsAffected(res, "entity", strconv.FormatInt(id, 10))
}
