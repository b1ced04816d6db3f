package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a COPY-staged upsert into Table.
type UpsertConfig struct {
	Table        string
	Columns      []string
	ConflictKeys []string
	// UpdateCols defaults to every non-key column.
	UpdateCols []string
	// KeepOnBlank lists update columns whose stored value survives an
	// incoming empty string.
	KeepOnBlank []string
	// Returning columns are scanned back once per inserted or updated row.
	Returning []string
}

func (c UpsertConfig) validate() error {
	switch {
	case c.Table == "":
		return eris.New("db: upsert: no table specified")
	case len(c.Columns) == 0:
		return eris.New("db: upsert: no columns specified")
	case len(c.ConflictKeys) == 0:
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

func (c UpsertConfig) setClause() string {
	cols := c.UpdateCols
	if cols == nil {
		for _, col := range c.Columns {
			if !slices.Contains(c.ConflictKeys, col) {
				cols = append(cols, col)
			}
		}
	}
	target := pgx.Identifier{c.Table}.Sanitize()
	parts := make([]string, 0, len(cols))
	for _, col := range cols {
		id := pgx.Identifier{col}.Sanitize()
		if slices.Contains(c.KeepOnBlank, col) {
			parts = append(parts, fmt.Sprintf("%s = COALESCE(NULLIF(EXCLUDED.%s, ''), %s.%s)", id, id, target, id))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s = EXCLUDED.%s", id, id))
	}
	return strings.Join(parts, ", ")
}

// BulkUpsert stages rows in a temp table with COPY and merges them into the
// target with INSERT ... ON CONFLICT DO UPDATE in one transaction. When
// cfg.Returning is set, scan is called for every returned row.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any, scan func(pgx.Rows) error) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	staging := pgx.Identifier{"_stage_" + cfg.Table}
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		staging.Sanitize(), pgx.Identifier{cfg.Table}.Sanitize())); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", cfg.Table)
	}
	if _, err := tx.CopyFrom(ctx, staging, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into stage for %s", cfg.Table)
	}

	cols := quoteAndJoin(cfg.Columns)
	query := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		pgx.Identifier{cfg.Table}.Sanitize(), cols, cols, staging.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys), cfg.setClause())

	var n int64
	if len(cfg.Returning) == 0 {
		tag, err := tx.Exec(ctx, query)
		if err != nil {
			return 0, eris.Wrapf(err, "db: upsert: merge %s", cfg.Table)
		}
		n = tag.RowsAffected()
	} else {
		res, err := tx.Query(ctx, query+" RETURNING "+quoteAndJoin(cfg.Returning))
		if err != nil {
			return 0, eris.Wrapf(err, "db: upsert: merge %s", cfg.Table)
		}
		for res.Next() {
			n++
			if scan == nil {
				continue
			}
			if err := scan(res); err != nil {
				res.Close()
				return 0, eris.Wrapf(err, "db: upsert: scan %s", cfg.Table)
			}
		}
		res.Close()
		if err := res.Err(); err != nil {
			return 0, eris.Wrapf(err, "db: upsert: merge %s", cfg.Table)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return n, nil
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
