package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/sheetgrader/internal/apperr"
	"github.com/pavelanni/sheetgrader/internal/model"
)

// Transition moves a sheet from one state to the next on behalf of a run.
// Payload, when set, is appended to the sheet's stage history. Score, when
// set, replaces the sheet's score set.
type Transition struct {
	SheetID int64
	RunID   string
	Stage   model.Stage
	From    model.SheetStatus
	To      model.SheetStatus
	Payload json.RawMessage
	Score   *model.ScoreRecord
}

// Advance applies t atomically. It returns ErrSuperseded when t.RunID is no
// longer the sheet's active run, and a SequenceError when the sheet is not
// in t.From.
func (s *Store) Advance(ctx context.Context, t Transition) error {
	var score sql.NullString
	if t.Score != nil {
		b, err := json.Marshal(t.Score)
		if err != nil {
			return fmt.Errorf("encode score set: %w", err)
		}
		score = sql.NullString{String: string(b), Valid: true}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE answer_sheets SET status = ?, score_set = COALESCE(?, score_set), updated_at = ?
			 WHERE id = ? AND active_run = ? AND status = ?`),
			string(t.To), score, time.Now().UTC(), t.SheetID, t.RunID, string(t.From),
		)
		if err != nil {
			return fmt.Errorf("advance sheet %d to %s: %w", t.SheetID, t.To, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.explainMiss(ctx, tx, t.SheetID, t.RunID, t.Stage)
		}
		if len(t.Payload) > 0 {
			return s.appendResult(ctx, tx, t.SheetID, t.RunID, t.Stage, t.Payload)
		}
		return nil
	})
}

func (s *Store) explainMiss(ctx context.Context, q queryer, sheetID int64, runID string, stage model.Stage) error {
	sh, err := s.getSheet(ctx, q, sheetID)
	if err != nil {
		return err
	}
	if sh.ActiveRun != runID {
		return ErrSuperseded
	}
	return &apperr.SequenceError{Stage: string(stage), State: string(sh.Status)}
}

// Fail moves the sheet to FAILED, remembering the state it failed from.
// A sheet that is already FAILED keeps its original failure.
func (s *Store) Fail(ctx context.Context, sheetID int64, runID string, f model.Failure) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE answer_sheets SET status = ?, failed_from = status, error_kind = ?, last_error = ?,
			error_detail = ?, failed_stage = ?, updated_at = ?
		 WHERE id = ? AND active_run = ? AND status <> ?`),
		string(model.StatusFailed), f.Kind, f.Message, f.Detail, string(f.Stage), time.Now().UTC(),
		sheetID, runID, string(model.StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("fail sheet %d: %w", sheetID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		sh, err := s.GetSheet(ctx, sheetID)
		if err != nil {
			return err
		}
		if sh.ActiveRun != runID {
			return ErrSuperseded
		}
	}
	return nil
}

// claimRun makes runID the sheet's active run. A FAILED sheet is restored
// to the state it failed from so the run resumes there.
func (s *Store) claimRun(ctx context.Context, tx *sql.Tx, sheetID int64, runID string) (model.AnswerSheet, error) {
	sh, err := s.getSheet(ctx, tx, sheetID)
	if err != nil {
		return sh, err
	}
	if sh.SourceKey == "" {
		return sh, &apperr.SequenceError{Stage: "grade", State: string(sh.Status), Reason: "no file uploaded"}
	}
	if sh.Status == model.StatusFinalized {
		return sh, &apperr.SequenceError{Stage: "grade", State: string(sh.Status), Reason: "already finalized"}
	}
	if sh.Status == model.StatusFailed {
		sh.Status = sh.FailedFrom
		if sh.Status == "" {
			sh.Status = model.StatusUploaded
		}
		sh.ErrorKind, sh.LastError, sh.ErrorDetail, sh.FailedStage, sh.FailedFrom = "", "", "", "", ""
	}
	sh.ActiveRun = runID
	sh.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, s.rebind(
		`UPDATE answer_sheets SET status = ?, active_run = ?, error_kind = '', last_error = '',
			error_detail = '', failed_stage = '', failed_from = '', updated_at = ?
		 WHERE id = ?`),
		string(sh.Status), runID, sh.UpdatedAt, sheetID,
	)
	if err != nil {
		return sh, fmt.Errorf("claim sheet %d: %w", sheetID, err)
	}
	return sh, nil
}
