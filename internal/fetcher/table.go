package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// TableOptions configures StreamTable.
type TableOptions struct {
	SheetName string // xlsx only; defaults to the first sheet
	Delimiter rune   // csv only; default ','
}

// Row is one data row keyed by normalized header name.
type Row struct {
	Line   int
	Values map[string]string
}

// Get returns the trimmed value for a header, or "".
func (r Row) Get(key string) string {
	return r.Values[key]
}

// StreamTable reads a .csv or .xlsx file and sends each data row to a
// channel. The first row is the header. Both channels are closed when
// processing completes.
func StreamTable(ctx context.Context, path string, opts TableOptions) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		var err error
		switch strings.ToLower(filepath.Ext(path)) {
		case ".csv", ".tsv":
			err = streamCSVFile(ctx, path, opts, rowCh)
		case ".xlsx":
			err = streamXLSX(ctx, path, opts, rowCh)
		default:
			err = eris.Errorf("table: unsupported file type %q", filepath.Ext(path))
		}
		if err != nil {
			errCh <- err
		}
	}()

	return rowCh, errCh
}

func streamCSVFile(ctx context.Context, path string, opts TableOptions, out chan<- Row) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrap(err, "csv: open file")
	}
	defer f.Close() //nolint:errcheck

	if opts.Delimiter == 0 && strings.EqualFold(filepath.Ext(path), ".tsv") {
		opts.Delimiter = '\t'
	}
	return streamCSV(ctx, f, opts, out)
}

func streamCSV(ctx context.Context, r io.Reader, opts TableOptions, out chan<- Row) error {
	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var header []string
	line := 0
	for {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "csv: context cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "csv: read row")
		}
		line++

		if header == nil {
			header = normalizeHeader(record)
			continue
		}
		if err := sendRow(ctx, out, line, header, record); err != nil {
			return eris.Wrap(err, "csv: context cancelled")
		}
	}
}

func streamXLSX(ctx context.Context, path string, opts TableOptions, out chan<- Row) error {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return eris.Wrap(err, "xlsx: open file")
	}

	sheet, err := getSheet(f, opts.SheetName)
	if err != nil {
		return err
	}

	var header []string
	for i, row := range sheet.Rows {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "xlsx: context cancelled")
		}
		if row == nil {
			continue
		}
		cells := rowToStrings(row)
		if header == nil {
			header = normalizeHeader(cells)
			continue
		}
		if err := sendRow(ctx, out, i+1, header, cells); err != nil {
			return eris.Wrap(err, "xlsx: context cancelled")
		}
	}
	return nil
}

func getSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", name)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: workbook has no sheets")
	}
	return f.Sheets[0], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func normalizeHeader(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		c = strings.ToLower(strings.TrimSpace(c))
		out[i] = strings.Join(strings.Fields(c), "_")
	}
	return out
}

// sendRow skips blank rows and rows with no header match.
func sendRow(ctx context.Context, out chan<- Row, line int, header, cells []string) error {
	values := make(map[string]string, len(header))
	blank := true
	for i, h := range header {
		if h == "" || i >= len(cells) {
			continue
		}
		v := strings.TrimSpace(cells[i])
		if v != "" {
			blank = false
		}
		values[h] = v
	}
	if blank {
		return nil
	}
	select {
	case out <- Row{Line: line, Values: values}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
