package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/sheetgrader/internal/apperr"
	"github.com/pavelanni/sheetgrader/internal/model"
)

// ConfigUpdate is one saveConfiguration request. Nil documents are left
// unchanged on the stored sheet.
type ConfigUpdate struct {
	Key       model.SheetKey
	Configs   model.Configs
	AnswerKey json.RawMessage
}

// SaveConfiguration replaces the supplied documents on the current sheet for
// the key, creating a configuration-only sheet when none exists yet.
func (s *Store) SaveConfiguration(ctx context.Context, u ConfigUpdate) (model.AnswerSheet, error) {
	if u.Key.ExamID == "" {
		return model.AnswerSheet{}, &apperr.ValidationError{Field: "examId", Reason: "required"}
	}
	docs := []struct {
		field string
		raw   *json.RawMessage
	}{
		{"config1", &u.Configs.Layout},
		{"config2", &u.Configs.Scoring},
		{"config3", &u.Configs.Diagram},
		{"pythonParsedResponse", &u.AnswerKey},
	}
	for _, d := range docs {
		norm, ok := model.NormalizeJSON(*d.raw)
		if !ok {
			return model.AnswerSheet{}, &apperr.ValidationError{Field: d.field, Reason: "not valid JSON"}
		}
		*d.raw = norm
	}
	if u.AnswerKey != nil {
		var qm model.QuestionMap
		if err := json.Unmarshal(u.AnswerKey, &qm); err != nil {
			return model.AnswerSheet{}, &apperr.ValidationError{Field: "pythonParsedResponse", Reason: err.Error()}
		}
	}

	var saved model.AnswerSheet
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, ok, err := s.currentID(ctx, tx, u.Key)
		if err != nil {
			return err
		}
		var cur model.AnswerSheet
		if ok {
			if cur, err = s.getSheet(ctx, tx, id); err != nil {
				return err
			}
		} else {
			if cur, err = s.insertSheet(ctx, tx, model.AnswerSheet{ExamID: u.Key.ExamID, StudentID: u.Key.StudentID}); err != nil {
				return err
			}
		}

		keyChanged := u.AnswerKey != nil && !bytes.Equal(u.AnswerKey, cur.AnswerKeyRaw)
		if keyChanged && checkingStarted(cur) {
			return &apperr.SequenceError{
				Stage:  string(model.StageAnswerKey),
				State:  string(cur.Status),
				Reason: "answer key is fixed once checking has started; upload a new sheet to regrade",
			}
		}

		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE answer_sheets SET
				layout_config = COALESCE(?, layout_config),
				scoring_config = COALESCE(?, scoring_config),
				diagram_config = COALESCE(?, diagram_config),
				answer_key = COALESCE(?, answer_key),
				updated_at = ?
			 WHERE id = ?`),
			nullRaw(u.Configs.Layout), nullRaw(u.Configs.Scoring), nullRaw(u.Configs.Diagram), nullRaw(u.AnswerKey),
			time.Now().UTC(), cur.ID,
		)
		if err != nil {
			return fmt.Errorf("update configuration of sheet %d: %w", cur.ID, err)
		}
		if keyChanged {
			if err := s.appendResult(ctx, tx, cur.ID, "", model.StageAnswerKey, u.AnswerKey); err != nil {
				return err
			}
		}
		saved, err = s.getSheet(ctx, tx, cur.ID)
		return err
	})
	if err != nil {
		return model.AnswerSheet{}, err
	}
	return saved, nil
}

// checkingStarted reports whether a textual check has succeeded on the sheet.
func checkingStarted(sh model.AnswerSheet) bool {
	switch sh.Status {
	case model.StatusTextScored, model.StatusFinalized:
		return true
	case model.StatusFailed:
		return sh.FailedFrom == model.StatusTextScored || sh.FailedFrom == model.StatusFinalized
	}
	return false
}
