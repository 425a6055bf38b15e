package parser

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

var ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")

// Table is a parsed sheet: one header row and the data rows below it.
type Table struct {
	Columns []string
	Rows    [][]string
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

type Parser interface {
	// Read parses the file with headerRow (0-based) as column names. limit > 0 caps data rows.
	Read(ctx context.Context, path string, headerRow int, limit int) (*Table, error)
	Normalize(table *Table, domain string, fileSizeMB float64) (*Table, NormalizationReport, error)
}

type SpreadsheetParser struct {
	// LargeFileMB switches Normalize to a trim-only pass.
	LargeFileMB float64
}

func NewSpreadsheetParser() *SpreadsheetParser {
	return &SpreadsheetParser{LargeFileMB: 10}
}

func (p *SpreadsheetParser) Read(ctx context.Context, path string, headerRow int, limit int) (*Table, error) {
	if headerRow < 0 {
		return nil, fmt.Errorf("invalid header row %d", headerRow)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt", ".tsv":
		return readCSV(ctx, path, headerRow, limit)
	case ".xlsx", ".xlsm":
		return readWorkbook(ctx, path, headerRow, limit)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func readCSV(ctx context.Context, path string, headerRow int, limit int) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()

	br := bufio.NewReader(file)
	sample, _ := br.Peek(8192)

	reader := csv.NewReader(br)
	reader.Comma = detectDelimiter(sample)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rows := make([][]string, 0, 128)
	var header []string
	line := 0
	for {
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d from %s: %w", line, path, err)
		}

		switch {
		case line < headerRow:
		case line == headerRow:
			header = record
		default:
			rows = append(rows, record)
		}
		line++

		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	if header == nil {
		return nil, fmt.Errorf("header row %d not found in %s (%d rows)", headerRow, path, line)
	}

	return buildTable(header, rows), nil
}

func readWorkbook(ctx context.Context, path string, headerRow int, limit int) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}

	all, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s of %s: %w", sheets[0], path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if headerRow >= len(all) {
		return nil, fmt.Errorf("header row %d not found in %s (%d rows)", headerRow, path, len(all))
	}

	rows := all[headerRow+1:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return buildTable(all[headerRow], rows), nil
}

// buildTable names blank and duplicate headers the way analysts see them in
// pandas exports and pads short rows to the header width.
func buildTable(header []string, rows [][]string) *Table {
	columns := make([]string, len(header))
	seen := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if name == "" {
			name = fmt.Sprintf("Unnamed: %d", i)
		}
		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			name = fmt.Sprintf("%s.%d", name, n+1)
		} else {
			seen[name] = 0
		}
		columns[i] = name
	}

	for i, row := range rows {
		if len(row) < len(columns) {
			padded := make([]string, len(columns))
			copy(padded, row)
			rows[i] = padded
		}
	}

	return &Table{Columns: columns, Rows: rows}
}

func detectDelimiter(sample []byte) rune {
	lines := bytes.SplitN(sample, []byte("\n"), 11)
	if len(lines) > 10 {
		lines = lines[:10]
	}

	best, bestCount := ',', 0
	for _, d := range []rune{',', ';', '\t', '|'} {
		count := 0
		for _, line := range lines {
			count += bytes.Count(line, []byte(string(d)))
		}
		if count > bestCount {
			best, bestCount = d, count
		}
	}
	return best
}
