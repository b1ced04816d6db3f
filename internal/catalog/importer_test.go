package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/fetcher"
	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseRow(t *testing.T) {
	row := fetcher.Row{Line: 2, Values: map[string]string{
		"sku":          "ASM-300",
		"kind":         "Comic",
		"title":        "Amazing Spider-Man",
		"issue_number": "300",
		"metron_id":    "5521",
		"unrelated":    "ignored",
		"deleted":      "Yes",
	}}

	ir, err := ParseRow(row, "")
	require.NoError(t, err)
	assert.Equal(t, "ASM-300", ir.SKU)
	assert.Equal(t, model.KindComic, ir.Kind)
	assert.Equal(t, map[model.Field]string{
		model.FieldTitle:       "Amazing Spider-Man",
		model.FieldIssueNumber: "300",
	}, ir.Fields)
	assert.Equal(t, map[model.SourceID]string{model.SourceMetron: "5521"}, ir.ExternalIDs)
	assert.True(t, ir.Deleted)
}

func TestParseRow_Invalid(t *testing.T) {
	_, err := ParseRow(fetcher.Row{Values: map[string]string{"title": "x"}}, model.KindComic)
	assert.ErrorContains(t, err, "missing sku")

	_, err = ParseRow(fetcher.Row{Values: map[string]string{"sku": "A"}}, "")
	assert.ErrorContains(t, err, "unknown kind")

	ir, err := ParseRow(fetcher.Row{Values: map[string]string{"sku": "A"}}, model.KindFunko)
	require.NoError(t, err)
	assert.Equal(t, model.KindFunko, ir.Kind)
	assert.False(t, ir.Deleted)
}

func TestImport_CSV(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	path := writeFile(t, "seed.csv", "SKU,Kind,Title,Release Year,ComicVine_ID,Deleted\n"+
		"ASM-300,comic,Amazing Spider-Man,1988,4000-12345,\n"+
		",comic,No SKU,,,\n"+
		"POP-1,funko,Batman,,,\n"+
		"POP-2,toy,Unknown kind,,,\n"+
		"POP-3,funko,Gone,,,yes\n")

	res, err := NewImporter(st).Import(ctx, path, Options{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Rows)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 3, res.Entities)
	assert.Equal(t, 4, res.Fields)
	assert.Equal(t, 1, res.Deleted)

	comics, err := st.NextBatch(ctx, store.BatchQuery{JobName: "comics", Kind: model.KindComic, Cycle: 1})
	require.NoError(t, err)
	require.Len(t, comics, 1)
	assert.Equal(t, "1988", comics[0].Value(model.FieldReleaseYear))
	assert.Equal(t, "4000-12345", comics[0].ExternalIDs[model.SourceComicVine])

	funko, err := st.NextBatch(ctx, store.BatchQuery{JobName: "funko", Kind: model.KindFunko, Cycle: 1})
	require.NoError(t, err)
	require.Len(t, funko, 1)
	assert.Equal(t, "POP-1", funko[0].SKU)
}

func TestImport_UnsupportedFile(t *testing.T) {
	path := writeFile(t, "seed.json", "{}")
	_, err := NewImporter(newTestStore(t)).Import(context.Background(), path, Options{})
	assert.ErrorContains(t, err, "unsupported file type")
}

type failingStore struct {
	store.EntityStore
	calls int
}

func (f *failingStore) ImportEntities(context.Context, []store.ImportRow) (store.ImportStats, error) {
	f.calls++
	return store.ImportStats{}, errors.New("disk full")
}

func TestImport_StoreErrorStopsReading(t *testing.T) {
	path := writeFile(t, "seed.csv", "sku,kind\nA,comic\nB,comic\nC,comic\nD,comic\n")
	fs := &failingStore{}

	_, err := NewImporter(fs).Import(context.Background(), path, Options{BatchSize: 1})
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, fs.calls)
}
