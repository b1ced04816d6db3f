// Package catalog loads seed catalog rows from spreadsheet exports into the
// entity store.
package catalog

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/fetcher"
	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/store"
)

const defaultBatchSize = 500

// Options configures an import.
type Options struct {
	// DefaultKind applies to rows without a kind column value.
	DefaultKind model.EntityKind
	BatchSize   int
	Table       fetcher.TableOptions
}

// Result summarizes an import.
type Result struct {
	Rows    int
	Skipped int
	store.ImportStats
}

// Importer streams a table file into store.ImportEntities.
type Importer struct {
	store store.EntityStore
	log   *zap.Logger
}

// NewImporter creates an Importer.
func NewImporter(st store.EntityStore) *Importer {
	return &Importer{
		store: st,
		log:   zap.L().With(zap.String("component", "catalog.import")),
	}
}

// Import reads path (.csv, .tsv or .xlsx) and upserts every valid row.
// Rows without a sku or with an unknown kind are skipped and logged.
func (im *Importer) Import(ctx context.Context, path string, opts Options) (Result, error) {
	var res Result
	size := opts.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rowCh, errCh := fetcher.StreamTable(ctx, path, opts.Table)
	batch := make([]store.ImportRow, 0, size)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		stats, err := im.store.ImportEntities(ctx, batch)
		if err != nil {
			return eris.Wrap(err, "catalog: import batch")
		}
		res.Entities += stats.Entities
		res.Fields += stats.Fields
		res.Deleted += stats.Deleted
		batch = batch[:0]
		return nil
	}

	for row := range rowCh {
		res.Rows++
		ir, err := ParseRow(row, opts.DefaultKind)
		if err != nil {
			res.Skipped++
			im.log.Warn("skipping row", zap.Int("line", row.Line), zap.Error(err))
			continue
		}
		batch = append(batch, ir)
		if len(batch) >= size {
			if err := flush(); err != nil {
				cancel()
				for range rowCh {
				}
				return res, err
			}
		}
	}
	if err := <-errCh; err != nil {
		return res, eris.Wrap(err, "catalog: read table")
	}
	if err := flush(); err != nil {
		return res, err
	}

	im.log.Info("import complete",
		zap.String("path", path),
		zap.Int("rows", res.Rows),
		zap.Int("skipped", res.Skipped),
		zap.Int("entities", res.Entities),
		zap.Int("fields", res.Fields),
		zap.Int("deleted", res.Deleted),
	)
	return res, nil
}

// ParseRow maps a table row onto an ImportRow. Recognized headers are sku,
// kind, upc, isbn, deleted, every canonical field name, and <source>_id for
// each known source.
func ParseRow(row fetcher.Row, defaultKind model.EntityKind) (store.ImportRow, error) {
	ir := store.ImportRow{
		SKU:  row.Get("sku"),
		Kind: model.EntityKind(strings.ToLower(row.Get("kind"))),
		UPC:  row.Get("upc"),
		ISBN: row.Get("isbn"),
	}
	if ir.SKU == "" {
		return ir, eris.New("catalog: missing sku")
	}
	if ir.Kind == "" {
		ir.Kind = defaultKind
	}
	switch ir.Kind {
	case model.KindComic, model.KindFunko:
	default:
		return ir, eris.Errorf("catalog: sku %s: unknown kind %q", ir.SKU, ir.Kind)
	}

	for _, f := range model.CanonicalFields() {
		if v := row.Get(string(f)); v != "" {
			if ir.Fields == nil {
				ir.Fields = make(map[model.Field]string)
			}
			ir.Fields[f] = v
		}
	}
	for _, src := range model.AllSources() {
		if v := row.Get(string(src) + "_id"); v != "" {
			if ir.ExternalIDs == nil {
				ir.ExternalIDs = make(map[model.SourceID]string)
			}
			ir.ExternalIDs[src] = v
		}
	}

	switch strings.ToLower(row.Get("deleted")) {
	case "1", "true", "yes", "y", "x":
		ir.Deleted = true
	}
	return ir, nil
}
