package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/sheetgrader/internal/model"
)

// ExportExam builds export-ready results for every sheet of an exam.
func (s *Store) ExportExam(ctx context.Context, examID string) (model.ExamExport, error) {
	sheets, err := s.ListSheets(ctx, examID)
	if err != nil {
		return model.ExamExport{}, fmt.Errorf("list sheets: %w", err)
	}

	current := make(map[model.SheetKey]int64)
	results := []model.SheetResult{}
	for _, sh := range sheets {
		key := sh.Key()
		if _, seen := current[key]; !seen {
			id, _, err := s.currentID(ctx, s.db, key)
			if err != nil {
				return model.ExamExport{}, err
			}
			current[key] = id
		}

		history, err := s.ListStageResults(ctx, sh.ID)
		if err != nil {
			return model.ExamExport{}, fmt.Errorf("stage results of sheet %d: %w", sh.ID, err)
		}

		r := model.SheetResult{
			SheetID:    sh.ID,
			StudentID:  sh.StudentID,
			Current:    current[key] == sh.ID,
			Status:     sh.Status,
			ErrorKind:  sh.ErrorKind,
			LastError:  sh.LastError,
			CreatedAt:  sh.CreatedAt,
			Questions:  []model.QuestionScore{},
			StageCount: len(history),
		}
		if sh.ScoreSet != nil {
			r.Total = sh.ScoreSet.Total
			r.MaxTotal = sh.ScoreSet.MaxTotal
			r.Questions = sh.ScoreSet.Questions
		}
		results = append(results, r)
	}

	return model.ExamExport{
		ExamID:     examID,
		ExportedAt: time.Now().UTC(),
		NumSheets:  len(results),
		Results:    results,
	}, nil
}
