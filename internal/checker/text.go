package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pavelanni/sheetgrader/internal/model"
)

// TextService names the textual checking service.
const TextService = "text-checker"

// TextInput is what a textual check grades.
type TextInput struct {
	AnswerKey json.RawMessage
	Student   model.QuestionMap
	Scoring   json.RawMessage
}

// TextChecker scores a student's segregated answers against the model key.
type TextChecker interface {
	CheckText(ctx context.Context, in TextInput) (Result, error)
}

type textRequest struct {
	ModelAnswerKey string `json:"model_json_anskey"`
	StudentAnswers string `json:"student_json_ans"`
	Config         string `json:"config_json"`
}

// Text is a TextChecker backed by the remote service.
type Text struct {
	URL    string
	HTTP   Poster
	Logger *slog.Logger
}

// NewText returns a remote textual checker posting to url.
func NewText(url string, http Poster, logger *slog.Logger) *Text {
	if logger == nil {
		logger = slog.Default()
	}
	return &Text{URL: url, HTTP: http, Logger: logger}
}

func (t *Text) CheckText(ctx context.Context, in TextInput) (Result, error) {
	student, err := json.Marshal(in.Student)
	if err != nil {
		return Result{}, fmt.Errorf("encode student answers: %w", err)
	}
	raw, err := t.HTTP.PostJSON(ctx, TextService, t.URL, textRequest{
		ModelAnswerKey: encodeDoc(in.AnswerKey),
		StudentAnswers: string(student),
		Config:         encodeDoc(in.Scoring),
	})
	if err != nil {
		return Result{}, err
	}
	snap, err := LastResult(TextService, raw)
	if err != nil {
		return Result{}, err
	}
	t.Logger.Info("checker.text.done", "questions", len(snap.Questions), "has_total", snap.Total != nil)
	return Result{Raw: raw, Snapshot: snap}, nil
}
