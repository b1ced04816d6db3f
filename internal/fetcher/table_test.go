package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func collectRows(t *testing.T, path string, opts TableOptions) ([]Row, error) {
	t.Helper()
	rowCh, errCh := StreamTable(context.Background(), path, opts)
	var rows []Row
	for r := range rowCh {
		rows = append(rows, r)
	}
	return rows, <-errCh
}

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				row.AddCell().SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "catalog.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestStreamTable_CSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.csv")
	content := "SKU, Kind ,Title,Issue Number\n" +
		"ASM-1,comic,Amazing Spider-Man,1\n" +
		",,,\n" +
		"FNK-42,funko,\"Batman, 1989\",\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	rows, err := collectRows(t, path, TableOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "ASM-1", rows[0].Get("sku"))
	assert.Equal(t, "comic", rows[0].Get("kind"))
	assert.Equal(t, "1", rows[0].Get("issue_number"))
	assert.Equal(t, 2, rows[0].Line)

	assert.Equal(t, "Batman, 1989", rows[1].Get("title"))
	assert.Equal(t, "", rows[1].Get("issue_number"))
	assert.Equal(t, 4, rows[1].Line)
}

func TestStreamTable_TSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.tsv")
	require.NoError(t, os.WriteFile(path, []byte("sku\ttitle\nA-1\tSaga\n"), 0o644))

	rows, err := collectRows(t, path, TableOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Saga", rows[0].Get("title"))
}

func TestStreamTable_XLSX(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Catalog": {
			{"SKU", "Kind", "Title"},
			{"ASM-1", "comic", "Amazing Spider-Man"},
			{"SAGA-1", "comic", "Saga"},
		},
	})

	rows, err := collectRows(t, path, TableOptions{SheetName: "Catalog"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "SAGA-1", rows[1].Get("sku"))
	assert.Equal(t, 3, rows[1].Line)
}

func TestStreamTable_XLSXMissingSheet(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{"Sheet1": {{"sku"}}})
	_, err := collectRows(t, path, TableOptions{SheetName: "Nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestStreamTable_UnsupportedType(t *testing.T) {
	_, err := collectRows(t, "catalog.json", TableOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}

func TestStreamTable_ContextCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.csv")
	var b strings.Builder
	b.WriteString("sku\n")
	for i := 0; i < 1000; i++ {
		b.WriteString("X\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	rowCh, errCh := StreamTable(ctx, path, TableOptions{})
	<-rowCh
	cancel()
	for range rowCh {
	}
	assert.Error(t, <-errCh)
}

func TestNormalizeHeader(t *testing.T) {
	assert.Equal(t, []string{"sku", "issue_number", "cover_image_url"},
		normalizeHeader([]string{" SKU ", "Issue  Number", "cover image url"}))
}
