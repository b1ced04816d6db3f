package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/db"
	"github.com/sells-group/catalog-enricher/internal/model"
)

// upsertFieldSQL writes a field value last-write-wins by fetched_at. Values
// set by an operator are only replaced by another operator write.
const upsertFieldSQL = `INSERT INTO entity_fields (entity_id, field, value, source, fetched_at, confidence, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, now())
	ON CONFLICT (entity_id, field) DO UPDATE
	SET value = EXCLUDED.value, source = EXCLUDED.source, fetched_at = EXCLUDED.fetched_at,
	    confidence = EXCLUDED.confidence, updated_at = now()
	WHERE entity_fields.fetched_at <= EXCLUDED.fetched_at
	  AND (entity_fields.source <> 'manual' OR EXCLUDED.source = 'manual')`

var changelogColumns = []string{"entity_id", "field", "old_value", "new_value", "source", "reason", "job_name", "sync_cycle", "created_at"}

var attemptColumns = []string{"entity_id", "source", "job_name", "status", "error", "duration_ms", "attempted_at"}

func (s *PostgresStore) ImportEntities(ctx context.Context, rows []ImportRow) (ImportStats, error) {
	var stats ImportStats
	if len(rows) == 0 {
		return stats, nil
	}

	now := time.Now().UTC()
	entityRows := make([][]any, 0, len(rows))
	for _, r := range rows {
		entityRows = append(entityRows, []any{r.SKU, string(r.Kind), r.UPC, r.ISBN, now})
	}

	ids := make(map[string]int64, len(rows))
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "entities",
		Columns:      []string{"sku", "kind", "upc", "isbn", "updated_at"},
		ConflictKeys: []string{"sku"},
		KeepOnBlank:  []string{"upc", "isbn"},
		Returning:    []string{"id", "sku"},
	}, entityRows, func(r pgx.Rows) error {
		var id int64
		var sku string
		if err := r.Scan(&id, &sku); err != nil {
			return err
		}
		ids[sku] = id
		return nil
	})
	if err != nil {
		return stats, eris.Wrap(err, "postgres: import entities")
	}
	stats.Entities = int(n)

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		for _, r := range rows {
			id, ok := ids[r.SKU]
			if !ok {
				continue
			}
			for f, v := range r.Fields {
				if v == "" {
					continue
				}
				tag, err := tx.Exec(ctx,
					`INSERT INTO entity_fields (entity_id, field, value, source, fetched_at, confidence)
					 VALUES ($1, $2, $3, $4, $5, 1)
					 ON CONFLICT (entity_id, field) DO NOTHING`,
					id, string(f), v, string(model.SourceCatalog), now)
				if err != nil {
					return eris.Wrapf(err, "postgres: import field %s for %s", f, r.SKU)
				}
				stats.Fields += int(tag.RowsAffected())
			}
			for src, ext := range r.ExternalIDs {
				if err := upsertExternalIDPG(ctx, tx, id, src, ext); err != nil {
					return err
				}
			}
			if r.Deleted {
				tag, err := tx.Exec(ctx,
					`UPDATE entities SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, now)
				if err != nil {
					return eris.Wrapf(err, "postgres: import: delete %s", r.SKU)
				}
				stats.Deleted += int(tag.RowsAffected())
			}
		}
		return nil
	})
	return stats, err
}

func upsertExternalIDPG(ctx context.Context, q db.Querier, entityID int64, src model.SourceID, ext string) error {
	_, err := q.Exec(ctx,
		`INSERT INTO entity_external_ids (entity_id, source, external_id) VALUES ($1, $2, $3)
		 ON CONFLICT (entity_id, source) DO UPDATE SET external_id = EXCLUDED.external_id, linked_at = now()`,
		entityID, string(src), ext)
	return eris.Wrapf(err, "postgres: link %s id for entity %d", src, entityID)
}

const entityColumns = `id, sku, kind, upc, isbn, created_at, updated_at, deleted_at`

func scanEntity(row pgx.Row) (*model.Entity, error) {
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

func (s *PostgresStore) GetEntity(ctx context.Context, id int64) (*model.Entity, error) {
	e, err := scanEntity(s.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get entity %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entity %d", id)
	}
	if err := s.loadDetails(ctx, []*model.Entity{e}); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *PostgresStore) NextBatch(ctx context.Context, q BatchQuery) ([]model.Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entities e
		 WHERE e.kind = $1 AND e.deleted_at IS NULL AND e.id > $2
		   AND NOT EXISTS (SELECT 1 FROM enrichment_marks m
		                   WHERE m.job_name = $3 AND m.sync_cycle = $4 AND m.entity_id = e.id)
		 ORDER BY e.id LIMIT $5`,
		string(q.Kind), q.AfterID, q.JobName, q.Cycle, listLimit(q.Limit))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: next batch %s", q.JobName)
	}
	var batch []*model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		batch = append(batch, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: next batch iterate")
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

// loadDetails fills fields, external ids and sync times for the entities.
func (s *PostgresStore) loadDetails(ctx context.Context, entities []*model.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	byID := make(map[int64]*model.Entity, len(entities))
	ids := make([]int64, 0, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
		ids = append(ids, e.ID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, field, value, source, fetched_at, confidence FROM entity_fields WHERE entity_id = ANY($1)`, ids)
	if err != nil {
		return eris.Wrap(err, "postgres: load fields")
	}
	for rows.Next() {
		var id int64
		var field, source string
		var fv model.FieldValue
		if err := rows.Scan(&id, &field, &fv.Value, &source, &fv.Provenance.FetchedAt, &fv.Provenance.Confidence); err != nil {
			rows.Close()
			return eris.Wrap(err, "postgres: scan field")
		}
		fv.Provenance.Source = model.SourceID(source)
		byID[id].Fields[model.Field(field)] = fv
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: load fields iterate")
	}

	rows, err = s.pool.Query(ctx,
		`SELECT entity_id, source, external_id FROM entity_external_ids WHERE entity_id = ANY($1)`, ids)
	if err != nil {
		return eris.Wrap(err, "postgres: load external ids")
	}
	for rows.Next() {
		var id int64
		var source, ext string
		if err := rows.Scan(&id, &source, &ext); err != nil {
			rows.Close()
			return eris.Wrap(err, "postgres: scan external id")
		}
		byID[id].ExternalIDs[model.SourceID(source)] = ext
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: load external ids iterate")
	}

	rows, err = s.pool.Query(ctx,
		`SELECT entity_id, source, last_synced_at FROM entity_source_sync WHERE entity_id = ANY($1)`, ids)
	if err != nil {
		return eris.Wrap(err, "postgres: load sync times")
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var source string
		var at time.Time
		if err := rows.Scan(&id, &source, &at); err != nil {
			return eris.Wrap(err, "postgres: scan sync time")
		}
		byID[id].LastSynced[model.SourceID(source)] = at
	}
	return eris.Wrap(rows.Err(), "postgres: load sync times iterate")
}

func (s *PostgresStore) RecentAttempts(ctx context.Context, entityIDs []int64, since time.Time) (map[int64]map[model.SourceID]model.AttemptStatus, error) {
	out := make(map[int64]map[model.SourceID]model.AttemptStatus)
	if len(entityIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (entity_id, source) entity_id, source, status
		 FROM enrichment_attempts
		 WHERE entity_id = ANY($1) AND attempted_at >= $2
		 ORDER BY entity_id, source, attempted_at DESC`,
		entityIDs, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent attempts")
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var source, status string
		if err := rows.Scan(&id, &source, &status); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		if out[id] == nil {
			out[id] = make(map[model.SourceID]model.AttemptStatus)
		}
		out[id][model.SourceID(source)] = model.AttemptStatus(status)
	}
	return out, eris.Wrap(rows.Err(), "postgres: recent attempts iterate")
}

func (s *PostgresStore) CommitResults(ctx context.Context, batch CommitBatch) (CommitStats, error) {
	var stats CommitStats
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var changes, attempts [][]any
		now := time.Now().UTC()

		for _, r := range batch.Results {
			for _, fw := range r.Fields {
				tag, err := tx.Exec(ctx, upsertFieldSQL,
					r.EntityID, string(fw.Field), fw.Value.Value, string(fw.Value.Provenance.Source),
					fw.Value.Provenance.FetchedAt.UTC(), fw.Value.Provenance.Confidence)
				if err != nil {
					return eris.Wrapf(err, "postgres: write field %s for entity %d", fw.Field, r.EntityID)
				}
				if tag.RowsAffected() == 0 {
					continue
				}
				stats.FieldsWritten++
				if c := fw.Change; c != nil {
					changes = append(changes, []any{
						r.EntityID, string(fw.Field), c.OldValue, c.NewValue, string(c.Source),
						string(c.Reason), batch.JobName, batch.Cycle, now,
					})
				}
			}

			for src, ext := range r.ExternalIDs {
				if err := upsertExternalIDPG(ctx, tx, r.EntityID, src, ext); err != nil {
					return err
				}
			}
			for src, at := range r.Synced {
				if _, err := tx.Exec(ctx,
					`INSERT INTO entity_source_sync (entity_id, source, last_synced_at) VALUES ($1, $2, $3)
					 ON CONFLICT (entity_id, source) DO UPDATE
					 SET last_synced_at = GREATEST(entity_source_sync.last_synced_at, EXCLUDED.last_synced_at)`,
					r.EntityID, string(src), at.UTC()); err != nil {
					return eris.Wrapf(err, "postgres: sync time for entity %d", r.EntityID)
				}
			}
			for _, a := range r.Attempts {
				attempts = append(attempts, []any{
					a.EntityID, string(a.Source), a.JobName, string(a.Status), a.Error, a.DurationMS, a.AttemptedAt.UTC(),
				})
			}
			for _, q := range r.Quarantine {
				if err := addQuarantinePG(ctx, tx, q); err != nil {
					return err
				}
				stats.Quarantined++
			}
			for _, d := range r.DLQ {
				if err := enqueueDLQPG(ctx, tx, d); err != nil {
					return err
				}
				stats.DeadLettered++
			}
			if len(r.Fields) > 0 {
				if _, err := tx.Exec(ctx, `UPDATE entities SET updated_at = now() WHERE id = $1`, r.EntityID); err != nil {
					return eris.Wrapf(err, "postgres: touch entity %d", r.EntityID)
				}
			}
			if r.Mark {
				if _, err := tx.Exec(ctx,
					`INSERT INTO enrichment_marks (job_name, sync_cycle, entity_id) VALUES ($1, $2, $3)
					 ON CONFLICT DO NOTHING`,
					batch.JobName, batch.Cycle, r.EntityID); err != nil {
					return eris.Wrapf(err, "postgres: mark entity %d", r.EntityID)
				}
				stats.Marked++
			}
		}

		n, err := db.CopyFrom(ctx, tx, "field_changelog", changelogColumns, changes)
		if err != nil {
			return err
		}
		stats.Changes = int(n)
		if _, err := db.CopyFrom(ctx, tx, "enrichment_attempts", attemptColumns, attempts); err != nil {
			return err
		}

		if batch.Progress != nil {
			return updateCheckpointPG(ctx, tx, batch.JobName, *batch.Progress)
		}
		return nil
	})
	if err != nil {
		return CommitStats{}, err
	}
	return stats, nil
}

func (s *PostgresStore) ListChangelog(ctx context.Context, entityID int64, limit int) ([]model.FieldChange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_id, field, old_value, new_value, source, reason, job_name, sync_cycle, created_at
		 FROM field_changelog WHERE ($1 = 0 OR entity_id = $1)
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		entityID, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list changelog")
	}
	defer rows.Close()

	var out []model.FieldChange
	for rows.Next() {
		var c model.FieldChange
		var field, source, reason string
		if err := rows.Scan(&c.ID, &c.EntityID, &field, &c.OldValue, &c.NewValue, &source, &reason,
			&c.JobName, &c.SyncCycle, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan changelog")
		}
		c.Field = model.Field(field)
		c.Source = model.SourceID(source)
		c.Reason = model.ChangeReason(reason)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list changelog iterate")
}

func (s *PostgresStore) SoftDeleteEntity(ctx context.Context, id int64, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entities SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		id, now.UTC())
	if err != nil {
		return eris.Wrapf(err, "postgres: soft delete entity %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: soft delete entity %d", id)
	}
	return nil
}
