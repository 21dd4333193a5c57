package export

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/sheetgrader/internal/model"
)

func sampleExport() model.ExamExport {
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return model.ExamExport{
		ExamID:     "exam-123",
		ExportedAt: created,
		NumSheets:  2,
		Results: []model.SheetResult{
			{
				SheetID: 1, StudentID: "s1", Current: true, Status: model.StatusFinalized,
				CreatedAt: created, Total: 8, MaxTotal: 10,
				Questions: []model.QuestionScore{
					{Question: "1", Score: 5, MaxScore: 5, Correct: true, Source: model.StageTextCheck},
					{Question: "2", Score: 3, MaxScore: 5, Source: model.StageTextCheck, Rationale: "partial"},
				},
			},
			{
				SheetID: 2, StudentID: "s2", Current: true, Status: model.StatusFailed,
				ErrorKind: "checking_service", CreatedAt: created, Questions: []model.QuestionScore{},
			},
		},
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"xlsx", FormatXLSX, false},
		{"csv", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleExport(), FormatJSON); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte("}\n")) {
		t.Error("expected trailing newline")
	}
	var got model.ExamExport
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(sampleExport(), got); diff != "" {
		t.Errorf("export mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleExport(), FormatXLSX); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(resultsSheet)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header + 3 rows, got %d: %v", len(rows), rows)
	}
	if diff := cmp.Diff(headers, rows[0]); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}

	cell := func(ref string) string {
		t.Helper()
		v, err := f.GetCellValue(resultsSheet, ref)
		if err != nil {
			t.Fatalf("GetCellValue(%s): %v", ref, err)
		}
		return v
	}
	checks := map[string]string{
		"A2": "1", "B2": "s1", "D2": "FINALIZED", "G2": "1", "H2": "5", "M2": "8", "N2": "10",
		"G3": "2", "H3": "3", "L3": "partial",
		"A4": "2", "D4": "FAILED", "E4": "checking_service", "G4": "",
	}
	for ref, want := range checks {
		if got := cell(ref); got != want {
			t.Errorf("%s = %q, want %q", ref, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("короткий", 3); got != "ко…" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("ok", 10); got != "ok" {
		t.Errorf("truncate = %q", got)
	}
}
