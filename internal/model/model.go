package model

import (
	"encoding/json"
	"time"
)

// SheetStatus is the pipeline state of an answer sheet.
type SheetStatus string

const (
	StatusUploaded   SheetStatus = "UPLOADED"
	StatusParsed     SheetStatus = "PARSED"
	StatusTextScored SheetStatus = "TEXT_SCORED"
	StatusFinalized  SheetStatus = "FINALIZED"
	StatusFailed     SheetStatus = "FAILED"
)

// Stage names a single external-service step. Stage results are tagged with it.
type Stage string

const (
	StageSegregation  Stage = "segregation"
	StageAnswerKey    Stage = "answer_key"
	StageTextCheck    Stage = "text_check"
	StageDiagramCheck Stage = "diagram_check"
	StageFinalize     Stage = "finalize"
)

// TaskStatus is the lifecycle of a background grading run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskDone      TaskStatus = "DONE"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Configs holds the three per-exam rubric documents. Each is replaced whole.
type Configs struct {
	Layout  json.RawMessage `json:"config1,omitempty"`
	Scoring json.RawMessage `json:"config2,omitempty"`
	Diagram json.RawMessage `json:"config3,omitempty"`
}

// AnswerSheet is one scanned submission under evaluation.
type AnswerSheet struct {
	ID        int64        `json:"id"`
	ExamID    string       `json:"examId"`
	StudentID string       `json:"studentId,omitempty"`
	SourceKey string       `json:"sourceKey,omitempty"`
	FileName  string       `json:"fileName,omitempty"`
	Status    SheetStatus  `json:"status"`
	Configs   Configs      `json:"configs"`
	AnswerKey QuestionMap  `json:"answerKey,omitempty"`
	ScoreSet  *ScoreRecord `json:"scoreSet,omitempty"`

	// AnswerKeyRaw is the answer key exactly as saved.
	AnswerKeyRaw json.RawMessage `json:"-"`

	ActiveRun   string      `json:"activeRun,omitempty"`
	ErrorKind   string      `json:"errorKind,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
	ErrorDetail string      `json:"errorDetail,omitempty"`
	FailedStage Stage       `json:"failedStage,omitempty"`
	FailedFrom  SheetStatus `json:"failedFrom,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StageResult is one raw payload appended to an answer sheet's history.
type StageResult struct {
	ID        int64           `json:"id"`
	SheetID   int64           `json:"sheetId"`
	RunID     string          `json:"runId,omitempty"`
	Stage     Stage           `json:"stage"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// SheetView combines a sheet with its full stage history for display.
type SheetView struct {
	AnswerSheet
	ParsedResponses []StageResult `json:"parsedResponses"`
}

// GradingTask is a persisted background run over one answer sheet.
type GradingTask struct {
	ID              string     `json:"id"`
	SheetID         int64      `json:"sheetId"`
	Status          TaskStatus `json:"status"`
	Stage           Stage      `json:"stage,omitempty"`
	Error           string     `json:"error,omitempty"`
	CancelRequested bool       `json:"cancelRequested"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Terminal reports whether the task has stopped.
func (t GradingTask) Terminal() bool {
	switch t.Status {
	case TaskDone, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Failure describes why a run moved a sheet to FAILED.
// Detail holds the raw upstream body for parse failures.
type Failure struct {
	Kind    string
	Message string
	Stage   Stage
	Detail  string
}

// SheetKey identifies the submission slot an upload belongs to.
type SheetKey struct {
	ExamID    string
	StudentID string
}

// Key returns the submission slot of the sheet.
func (s AnswerSheet) Key() SheetKey {
	return SheetKey{ExamID: s.ExamID, StudentID: s.StudentID}
}
