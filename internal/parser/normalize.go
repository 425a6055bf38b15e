package parser

import (
	"fmt"
	"strings"
)

const ReasonColumnOverflow = "column_overflow"

type NormalizationReport struct {
	Strategy        string `json:"strategy"`
	TrimmedCells    int    `json:"trimmed_cells"`
	NullifiedCells  int    `json:"nullified_cells"`
	QuarantinedRows int    `json:"quarantined_rows"`
	// Rejected holds the quarantined rows as read, in file order.
	Rejected []RejectedRow `json:"-"`
}

// RejectedRow is a data row Normalize kept out of the output table.
type RejectedRow struct {
	// Index is the 0-based position among the data rows.
	Index  int
	Cells  []string
	Reason string
	Detail string
}

// placeholders exporters write into otherwise empty cells
var emptyMarkers = map[string]bool{
	"-":    true,
	"--":   true,
	"N/A":  true,
	"n/a":  true,
	"NaN":  true,
	"nan":  true,
	"None": true,
	"null": true,
	"NULL": true,
}

// Normalize trims cells, blanks placeholder values and quarantines rows with
// values beyond the header width. Blank rows are left for the caller to drop.
func (p *SpreadsheetParser) Normalize(table *Table, domain string, fileSizeMB float64) (*Table, NormalizationReport, error) {
	report := NormalizationReport{Strategy: "full"}
	if table == nil {
		return &Table{}, report, nil
	}

	trimOnly := p.LargeFileMB > 0 && fileSizeMB > p.LargeFileMB
	if trimOnly {
		report.Strategy = "trim_only"
	}

	out := &Table{Columns: append([]string(nil), table.Columns...), Rows: make([][]string, 0, len(table.Rows))}
	width := len(table.Columns)

	for idx, row := range table.Rows {
		if overflows(row, width) {
			report.QuarantinedRows++
			report.Rejected = append(report.Rejected, RejectedRow{
				Index:  idx,
				Cells:  append([]string(nil), row...),
				Reason: ReasonColumnOverflow,
				Detail: fmt.Sprintf("row has %d cells, header has %d columns", len(row), width),
			})
			continue
		}

		cells := make([]string, width)
		for i := 0; i < width && i < len(row); i++ {
			v := strings.ReplaceAll(row[i], "\u00a0", " ")
			trimmed := strings.TrimSpace(v)
			if trimmed != row[i] {
				report.TrimmedCells++
			}
			if !trimOnly && emptyMarkers[trimmed] {
				trimmed = ""
				report.NullifiedCells++
			}
			cells[i] = trimmed
		}
		out.Rows = append(out.Rows, cells)
	}

	return out, report, nil
}

func overflows(row []string, width int) bool {
	for i := width; i < len(row); i++ {
		if strings.TrimSpace(row[i]) != "" {
			return true
		}
	}
	return false
}

// IsBlank reports whether every cell of the row is empty.
func IsBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
