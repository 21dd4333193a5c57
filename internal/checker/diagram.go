package checker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pavelanni/sheetgrader/internal/apperr"
	"github.com/pavelanni/sheetgrader/internal/model"
)

// DiagramService names the diagram checking service.
const DiagramService = "diagram-checker"

// DiagramInput is what a diagram check refines.
type DiagramInput struct {
	StudentUID string
	PDFURL     string
	AnswerKey  json.RawMessage
	Diagram    json.RawMessage
	// Baseline is the snapshot produced by the textual check.
	Baseline *model.Snapshot
	Scoring  json.RawMessage
}

// DiagramChecker re-scores diagram-bearing questions on top of a textual result.
type DiagramChecker interface {
	CheckDiagram(ctx context.Context, in DiagramInput) (Result, error)
}

type diagramRequest struct {
	StudentUID    string `json:"student_uid"`
	PDFURL        string `json:"student_ans_pdf_url"`
	AnswerKey     string `json:"ans_key_json"`
	Diagram       string `json:"diagram_data_json"`
	UpdatedScores string `json:"updated_scores_json"`
	Config        string `json:"config_json"`
}

// Diagram is a DiagramChecker backed by the remote service.
type Diagram struct {
	URL    string
	HTTP   Poster
	Logger *slog.Logger
}

// NewDiagram returns a remote diagram checker posting to url.
func NewDiagram(url string, http Poster, logger *slog.Logger) *Diagram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagram{URL: url, HTTP: http, Logger: logger}
}

func (d *Diagram) CheckDiagram(ctx context.Context, in DiagramInput) (Result, error) {
	if in.Baseline.Empty() || len(in.Baseline.Raw) == 0 {
		return Result{}, &apperr.SequenceError{
			Stage:  string(model.StageDiagramCheck),
			Reason: "no textual score snapshot to refine",
		}
	}
	raw, err := d.HTTP.PostJSON(ctx, DiagramService, d.URL, diagramRequest{
		StudentUID:    in.StudentUID,
		PDFURL:        in.PDFURL,
		AnswerKey:     encodeDoc(in.AnswerKey),
		Diagram:       encodeDoc(in.Diagram),
		UpdatedScores: encodeDoc(in.Baseline.Raw),
		Config:        encodeDoc(in.Scoring),
	})
	if err != nil {
		return Result{}, err
	}
	snap, err := LastResult(DiagramService, raw)
	if err != nil {
		return Result{}, err
	}
	d.Logger.Info("checker.diagram.done", "student_uid", in.StudentUID, "questions", len(snap.Questions))
	return Result{Raw: raw, Snapshot: snap}, nil
}
