// Package pipeline drives answer sheets through segregation, textual
// checking, diagram checking and score merging.
//
// Each step checks the sheet's state before doing any work and writes its
// result only if the run that started it is still the sheet's active run.
// A failed step moves the sheet to FAILED with a typed reason; payloads
// already written by earlier steps are kept.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/sheetgrader/internal/apperr"
	"github.com/pavelanni/sheetgrader/internal/checker"
	"github.com/pavelanni/sheetgrader/internal/merge"
	"github.com/pavelanni/sheetgrader/internal/model"
	"github.com/pavelanni/sheetgrader/internal/objstore"
	"github.com/pavelanni/sheetgrader/internal/segregate"
	"github.com/pavelanni/sheetgrader/internal/store"
)

// ErrCancelled is returned by Run when the task was asked to stop.
var ErrCancelled = errors.New("grading task cancelled")

// Segregator splits an uploaded sheet into per-question answers.
type Segregator interface {
	Segregate(ctx context.Context, req segregate.Request) ([]byte, model.QuestionMap, error)
}

// Settings are the orchestrator's server-side defaults.
type Settings struct {
	// DefaultQuestions and DefaultQuestionType apply when the layout
	// config does not name them.
	DefaultQuestions    int
	DefaultQuestionType string
	// URLTTL is how long signed file URLs handed to services stay valid.
	URLTTL time.Duration
}

// Orchestrator runs the grading stages for one sheet at a time.
type Orchestrator struct {
	store    *store.Store
	objects  *objstore.Store
	seg      Segregator
	text     checker.TextChecker
	diagram  checker.DiagramChecker
	settings Settings
	logger   *slog.Logger
}

// New wires an orchestrator. diagram may be nil when no diagram service is configured.
func New(st *store.Store, objects *objstore.Store, seg Segregator, text checker.TextChecker,
	diagram checker.DiagramChecker, settings Settings, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.URLTTL <= 0 {
		settings.URLTTL = time.Hour
	}
	return &Orchestrator{
		store:    st,
		objects:  objects,
		seg:      seg,
		text:     text,
		diagram:  diagram,
		settings: settings,
		logger:   logger,
	}
}

func (o *Orchestrator) sheetIn(ctx context.Context, sheetID int64, stage model.Stage, want model.SheetStatus) (model.AnswerSheet, error) {
	sh, err := o.store.GetSheet(ctx, sheetID)
	if err != nil {
		return sh, err
	}
	if sh.Status != want {
		return sh, &apperr.SequenceError{
			Stage:  string(stage),
			State:  string(sh.Status),
			Reason: "requires " + string(want),
		}
	}
	return sh, nil
}

// Segregate splits the uploaded file into questions. The sheet must be UPLOADED.
func (o *Orchestrator) Segregate(ctx context.Context, runID string, sheetID int64) error {
	sh, err := o.sheetIn(ctx, sheetID, model.StageSegregation, model.StatusUploaded)
	if err != nil {
		return err
	}
	if sh.SourceKey == "" {
		return &apperr.SequenceError{Stage: string(model.StageSegregation), State: string(sh.Status), Reason: "no file uploaded"}
	}
	fileURL, err := o.objects.URLFor(sh.SourceKey, o.settings.URLTTL)
	if err != nil {
		return err
	}

	n, qtype := model.LayoutParams(sh.Configs.Layout)
	if n == 0 {
		n = o.settings.DefaultQuestions
	}
	if qtype == "" {
		qtype = o.settings.DefaultQuestionType
	}
	raw, questions, err := o.seg.Segregate(ctx, segregate.Request{
		FileURLs:     []string{fileURL},
		NumQuestions: n,
		QuestionType: qtype,
	})
	if err != nil {
		return err
	}
	o.logger.Info("pipeline.segregated", "sheet_id", sheetID, "run_id", runID, "questions", len(questions))
	return o.store.Advance(ctx, store.Transition{
		SheetID: sheetID,
		RunID:   runID,
		Stage:   model.StageSegregation,
		From:    model.StatusUploaded,
		To:      model.StatusParsed,
		Payload: raw,
	})
}

// CheckText scores the segregated answers against the model answer key.
// The sheet must be PARSED and have an answer key.
func (o *Orchestrator) CheckText(ctx context.Context, runID string, sheetID int64) error {
	sh, err := o.sheetIn(ctx, sheetID, model.StageTextCheck, model.StatusParsed)
	if err != nil {
		return err
	}
	if len(sh.AnswerKeyRaw) == 0 {
		return &apperr.SequenceError{Stage: string(model.StageTextCheck), State: string(sh.Status), Reason: "no model answer key saved"}
	}
	seg, err := o.store.LatestStageResult(ctx, sheetID, model.StageSegregation)
	if err != nil {
		return err
	}
	if seg == nil {
		return &apperr.SequenceError{Stage: string(model.StageTextCheck), State: string(sh.Status), Reason: "no segregation result"}
	}
	student, err := segregate.Parse(seg.Payload)
	if err != nil {
		return err
	}

	res, err := o.text.CheckText(ctx, checker.TextInput{
		AnswerKey: sh.AnswerKeyRaw,
		Student:   student,
		Scoring:   sh.Configs.Scoring,
	})
	if err != nil {
		return err
	}
	rec := merge.Merge(&res.Snapshot, nil, model.ParseMaxMarks(sh.Configs.Scoring))
	o.logger.Info("pipeline.text_scored", "sheet_id", sheetID, "run_id", runID, "total", rec.Total, "max_total", rec.MaxTotal)
	return o.store.Advance(ctx, store.Transition{
		SheetID: sheetID,
		RunID:   runID,
		Stage:   model.StageTextCheck,
		From:    model.StatusParsed,
		To:      model.StatusTextScored,
		Payload: res.Raw,
		Score:   &rec,
	})
}

// CheckDiagram refines the textual scores with the diagram service and
// finalizes the sheet. The sheet must be TEXT_SCORED.
func (o *Orchestrator) CheckDiagram(ctx context.Context, runID string, sheetID int64) error {
	sh, err := o.sheetIn(ctx, sheetID, model.StageDiagramCheck, model.StatusTextScored)
	if err != nil {
		return err
	}
	prev, err := o.store.LatestStageResult(ctx, sheetID, model.StageTextCheck)
	if err != nil {
		return err
	}
	if prev == nil {
		return &apperr.SequenceError{Stage: string(model.StageDiagramCheck), State: string(sh.Status), Reason: "no textual score snapshot"}
	}
	baseline, err := checker.LastResult(checker.TextService, prev.Payload)
	if err != nil {
		return err
	}
	if o.diagram == nil {
		return &apperr.CheckingServiceError{Service: checker.DiagramService, Cause: errors.New("diagram checking service not configured")}
	}
	fileURL, err := o.objects.URLFor(sh.SourceKey, o.settings.URLTTL)
	if err != nil {
		return err
	}

	res, err := o.diagram.CheckDiagram(ctx, checker.DiagramInput{
		StudentUID: studentUID(sh),
		PDFURL:     fileURL,
		AnswerKey:  sh.AnswerKeyRaw,
		Diagram:    sh.Configs.Diagram,
		Baseline:   &baseline,
		Scoring:    sh.Configs.Scoring,
	})
	if err != nil {
		return err
	}
	rec := merge.Merge(&baseline, &res.Snapshot, model.ParseMaxMarks(sh.Configs.Scoring))
	o.logger.Info("pipeline.diagram_scored", "sheet_id", sheetID, "run_id", runID, "total", rec.Total, "adjusted", rec.DiagramAdjusted)
	return o.store.Advance(ctx, store.Transition{
		SheetID: sheetID,
		RunID:   runID,
		Stage:   model.StageDiagramCheck,
		From:    model.StatusTextScored,
		To:      model.StatusFinalized,
		Payload: res.Raw,
		Score:   &rec,
	})
}

// Finalize closes a TEXT_SCORED sheet that has no diagram questions.
func (o *Orchestrator) Finalize(ctx context.Context, runID string, sheetID int64) error {
	if _, err := o.sheetIn(ctx, sheetID, model.StageFinalize, model.StatusTextScored); err != nil {
		return err
	}
	return o.store.Advance(ctx, store.Transition{
		SheetID: sheetID,
		RunID:   runID,
		Stage:   model.StageFinalize,
		From:    model.StatusTextScored,
		To:      model.StatusFinalized,
	})
}

func studentUID(sh model.AnswerSheet) string {
	if sh.StudentID != "" {
		return sh.StudentID
	}
	return fmt.Sprintf("sheet-%d", sh.ID)
}

// next picks the step that moves sh forward.
func (o *Orchestrator) next(sh model.AnswerSheet) (model.Stage, func(context.Context, string, int64) error) {
	switch sh.Status {
	case model.StatusUploaded:
		return model.StageSegregation, o.Segregate
	case model.StatusParsed:
		return model.StageTextCheck, o.CheckText
	case model.StatusTextScored:
		if len(model.DiagramQuestions(sh.Configs.Diagram)) > 0 {
			return model.StageDiagramCheck, o.CheckDiagram
		}
		return model.StageFinalize, o.Finalize
	}
	return "", nil
}

// Run executes task runID on sheetID until the sheet is FINALIZED, a step
// fails, or the task is cancelled. The task row records the outcome.
func (o *Orchestrator) Run(ctx context.Context, runID string, sheetID int64) error {
	logger := o.logger.With("sheet_id", sheetID, "run_id", runID)
	if err := o.store.UpdateTask(ctx, runID, model.TaskRunning, "", ""); err != nil {
		return o.finish(ctx, logger, runID, sheetID, "", err)
	}
	logger.Info("pipeline.run.start")

	for {
		if err := o.checkCancel(ctx, runID); err != nil {
			return o.finish(ctx, logger, runID, sheetID, "", err)
		}
		sh, err := o.store.GetSheet(ctx, sheetID)
		if err != nil {
			return o.finish(ctx, logger, runID, sheetID, "", err)
		}
		if sh.ActiveRun != runID {
			return o.finish(ctx, logger, runID, sheetID, "", store.ErrSuperseded)
		}
		if sh.Status == model.StatusFinalized {
			logger.Info("pipeline.run.done", "total", scoreTotal(sh))
			return o.store.UpdateTask(context.WithoutCancel(ctx), runID, model.TaskDone, model.StageFinalize, "")
		}
		stage, step := o.next(sh)
		if step == nil {
			err := &apperr.SequenceError{Stage: "grade", State: string(sh.Status), Reason: "sheet cannot advance"}
			return o.finish(ctx, logger, runID, sheetID, "", err)
		}
		if err := o.store.UpdateTask(ctx, runID, model.TaskRunning, stage, ""); err != nil {
			return o.finish(ctx, logger, runID, sheetID, stage, err)
		}

		start := time.Now()
		if err := step(ctx, runID, sheetID); err != nil {
			return o.finish(ctx, logger, runID, sheetID, stage, err)
		}
		logger.Debug("pipeline.stage.done", "stage", stage, "elapsed_ms", time.Since(start).Milliseconds())
	}
}

// Resume restarts a FAILED sheet from the state it failed in. The work is
// done synchronously under a new task.
func (o *Orchestrator) Resume(ctx context.Context, sheetID int64) (model.GradingTask, error) {
	sh, err := o.store.GetSheet(ctx, sheetID)
	if err != nil {
		return model.GradingTask{}, err
	}
	if sh.Status != model.StatusFailed {
		return model.GradingTask{}, &apperr.SequenceError{Stage: "resume", State: string(sh.Status), Reason: "only FAILED sheets can be resumed"}
	}
	return o.Grade(ctx, sheetID)
}

// Grade starts a task for sheetID and runs it to completion. The returned
// task reflects the final outcome; err is the step error, if any.
func (o *Orchestrator) Grade(ctx context.Context, sheetID int64) (model.GradingTask, error) {
	ts, err := o.store.StartTask(ctx, sheetID)
	if err != nil {
		return model.GradingTask{}, err
	}
	runErr := o.Run(ctx, ts.Task.ID, sheetID)
	task, err := o.store.GetTask(context.WithoutCancel(ctx), ts.Task.ID)
	if err != nil {
		return ts.Task, err
	}
	return task, runErr
}

func (o *Orchestrator) checkCancel(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	flagged, err := o.store.CancelRequested(ctx, runID)
	if err != nil {
		return err
	}
	if flagged {
		return ErrCancelled
	}
	return nil
}

// finish records the outcome of a stopped run. Cancellation and
// supersession leave the sheet alone; precondition failures are reported
// on the task only; anything else fails the sheet.
func (o *Orchestrator) finish(ctx context.Context, logger *slog.Logger, runID string, sheetID int64, stage model.Stage, err error) error {
	bg := context.WithoutCancel(ctx)
	var seqErr *apperr.SequenceError

	switch {
	case errors.Is(err, store.ErrSuperseded):
		logger.Warn("pipeline.run.superseded", "stage", stage)
		o.updateTask(bg, logger, runID, model.TaskCancelled, stage, "superseded by a newer run")
		return err

	case errors.Is(err, ErrCancelled) || errors.Is(ctx.Err(), context.Canceled):
		logger.Info("pipeline.run.cancelled", "stage", stage)
		o.updateTask(bg, logger, runID, model.TaskCancelled, stage, "cancelled")
		if !errors.Is(err, ErrCancelled) {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return err

	case errors.As(err, &seqErr):
		logger.Warn("pipeline.run.blocked", "stage", stage, "error", err)
		o.updateTask(bg, logger, runID, model.TaskFailed, stage, err.Error())
		return err
	}

	f := model.Failure{Kind: apperr.Kind(err), Message: err.Error(), Stage: stage}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		f.Kind, f.Message = apperr.KindCanceled, "task timed out: "+err.Error()
	}
	var pe *apperr.ParseError
	if errors.As(err, &pe) {
		f.Detail = string(pe.Raw)
	}
	logger.Error("pipeline.run.failed", "stage", stage, "kind", f.Kind, "error", err)
	if ferr := o.store.Fail(bg, sheetID, runID, f); ferr != nil && !errors.Is(ferr, store.ErrSuperseded) {
		logger.Error("pipeline.fail.record_error", "error", ferr)
	}
	o.updateTask(bg, logger, runID, model.TaskFailed, stage, err.Error())
	return err
}

func (o *Orchestrator) updateTask(ctx context.Context, logger *slog.Logger, runID string, status model.TaskStatus, stage model.Stage, msg string) {
	if err := o.store.UpdateTask(ctx, runID, status, stage, msg); err != nil {
		logger.Error("pipeline.task.update_error", "status", status, "error", err)
	}
}

func scoreTotal(sh model.AnswerSheet) float64 {
	if sh.ScoreSet == nil {
		return 0
	}
	return sh.ScoreSet.Total
}
