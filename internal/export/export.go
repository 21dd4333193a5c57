// Package export writes exam results as JSON or as an XLSX workbook.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/sheetgrader/internal/model"
)

// Format names an output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts "json" or "xlsx".
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatXLSX:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown export format %q (want json or xlsx)", s)
}

// Write encodes exp to w in the given format.
func Write(w io.Writer, exp model.ExamExport, format Format) error {
	switch format {
	case FormatXLSX:
		return WriteXLSX(w, exp)
	default:
		return WriteJSON(w, exp)
	}
}

// WriteJSON writes exp as indented JSON followed by a newline.
func WriteJSON(w io.Writer, exp model.ExamExport) error {
	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

const resultsSheet = "Results"

var headers = []string{
	"Sheet ID",
	"Student ID",
	"Current",
	"Status",
	"Error",
	"Uploaded",
	"Question",
	"Score",
	"Max Score",
	"Correct",
	"Source",
	"Rationale",
	"Total",
	"Max Total",
}

// WriteXLSX writes one row per sheet and question. Sheets without scores
// get a single row with the question columns left empty.
func WriteXLSX(w io.Writer, exp model.ExamExport) error {
	start := time.Now()
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", resultsSheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(resultsSheet, cell, h)
	}

	row := 2
	for _, r := range exp.Results {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(resultsSheet, cell, v)
		}
		sheetCols := func() {
			write(1, r.SheetID)
			write(2, r.StudentID)
			write(3, r.Current)
			write(4, string(r.Status))
			write(5, r.ErrorKind)
			write(6, r.CreatedAt.UTC().Format(time.RFC3339))
			write(13, r.Total)
			write(14, r.MaxTotal)
		}
		if len(r.Questions) == 0 {
			sheetCols()
			row++
			continue
		}
		for _, q := range r.Questions {
			sheetCols()
			write(7, q.Question)
			write(8, q.Score)
			write(9, q.MaxScore)
			write(10, q.Correct)
			write(11, string(q.Source))
			write(12, truncate(q.Rationale, 200))
			row++
		}
	}

	_ = f.SetColWidth(resultsSheet, "A", "A", 10)
	_ = f.SetColWidth(resultsSheet, "B", "B", 18)
	_ = f.SetColWidth(resultsSheet, "D", "E", 16)
	_ = f.SetColWidth(resultsSheet, "F", "F", 22)
	_ = f.SetColWidth(resultsSheet, "L", "L", 60)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	slog.Info("export.xlsx.ok", "exam_id", exp.ExamID, "rows", row-2, "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
