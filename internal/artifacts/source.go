// Package artifacts reads the tabular bulk inputs a Producer splits into work items.
package artifacts

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Row maps a column header to the cell value. Empty cells are omitted.
type Row map[string]string

// Source resolves an artifact reference to its rows.
type Source interface {
	Rows(ctx context.Context, ref string) ([]Row, error)
}

// ErrUnsupportedFormat is returned for artifacts that are neither spreadsheets nor CSV.
var ErrUnsupportedFormat = errors.New("unsupported artifact format")

// ReadTable parses r as a table whose first row holds the headers. format is
// the artifact's file extension.
func ReadTable(r io.Reader, format string) ([]Row, error) {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "xlsx", "xlsm":
		return readWorkbook(r)
	case "csv":
		return readCSV(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func readWorkbook(r io.Reader) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return tableRows(records), nil
}

func readCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return tableRows(records), nil
}

func tableRows(records [][]string) []Row {
	if len(records) == 0 {
		return nil
	}
	headers := make([]string, len(records[0]))
	for i, h := range records[0] {
		headers[i] = strings.TrimSpace(h)
	}
	var rows []Row
	for _, rec := range records[1:] {
		row := Row{}
		for i, cell := range rec {
			if i >= len(headers) || headers[i] == "" {
				continue
			}
			if v := strings.TrimSpace(cell); v != "" {
				row[headers[i]] = v
			}
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	return rows
}

func formatOf(ref string) string {
	return filepath.Ext(ref)
}
