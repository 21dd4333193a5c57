package model

import "time"

// ExamExport is the top-level JSON structure for exam result export.
type ExamExport struct {
	ExamID     string        `json:"exam_id"`
	ExportedAt time.Time     `json:"exported_at"`
	NumSheets  int           `json:"num_sheets"`
	Results    []SheetResult `json:"results"`
}

// SheetResult holds one answer sheet's outcome for export.
type SheetResult struct {
	SheetID    int64           `json:"sheet_id"`
	StudentID  string          `json:"student_id"`
	Current    bool            `json:"current"`
	Status     SheetStatus     `json:"status"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Total      float64         `json:"total"`
	MaxTotal   float64         `json:"max_total"`
	Questions  []QuestionScore `json:"questions"`
	StageCount int             `json:"stage_count"`
}
