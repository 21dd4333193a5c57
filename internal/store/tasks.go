package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/sheetgrader/internal/apperr"
	"github.com/pavelanni/sheetgrader/internal/model"
)

const taskColumns = `id, sheet_id, status, stage, error, cancel_requested, created_at, updated_at`

// TaskStart is the outcome of StartTask.
type TaskStart struct {
	Task  model.GradingTask
	Sheet model.AnswerSheet
	// Replaced lists earlier unfinished tasks of the sheet that were asked to cancel.
	Replaced []string
}

func scanTask(row rowScanner) (model.GradingTask, error) {
	var t model.GradingTask
	err := row.Scan(&t.ID, &t.SheetID, &t.Status, &t.Stage, &t.Error, &t.CancelRequested, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// StartTask creates a PENDING task for the sheet and makes its ID the
// sheet's active run. Unfinished tasks of the same sheet are flagged for
// cancellation; their later writes are rejected with ErrSuperseded.
func (s *Store) StartTask(ctx context.Context, sheetID int64) (TaskStart, error) {
	var ts TaskStart
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		replaced, err := s.flagActiveTasks(ctx, tx, sheetID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		task := model.GradingTask{
			ID:        uuid.NewString(),
			SheetID:   sheetID,
			Status:    model.TaskPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		sh, err := s.claimRun(ctx, tx, sheetID, task.ID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO grading_tasks (id, sheet_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
			task.ID, sheetID, string(task.Status), now, now,
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		ts = TaskStart{Task: task, Sheet: sh, Replaced: replaced}
		return nil
	})
	return ts, err
}

// flagActiveTasks sets the cancel flag on the sheet's unfinished tasks and returns their IDs.
func (s *Store) flagActiveTasks(ctx context.Context, q queryer, sheetID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		`SELECT id FROM grading_tasks WHERE sheet_id = ? AND status IN (?, ?)`),
		sheetID, string(model.TaskPending), string(model.TaskRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		_, err := q.ExecContext(ctx, s.rebind(
			`UPDATE grading_tasks SET cancel_requested = TRUE, updated_at = ? WHERE id = ?`),
			time.Now().UTC(), id,
		)
		if err != nil {
			return nil, fmt.Errorf("flag task %s: %w", id, err)
		}
	}
	return ids, nil
}

// CancelSheetTasks flags every unfinished task of the sheet for cancellation.
func (s *Store) CancelSheetTasks(ctx context.Context, sheetID int64) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = s.flagActiveTasks(ctx, tx, sheetID)
		return err
	})
	return ids, err
}

// GetTask returns a grading task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (model.GradingTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM grading_tasks WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, &apperr.NotFoundError{Resource: "grading task", ID: id}
	}
	if err != nil {
		return t, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns a sheet's tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, sheetID int64) ([]model.GradingTask, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+taskColumns+` FROM grading_tasks WHERE sheet_id = ? ORDER BY created_at DESC, id`), sheetID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var tasks []model.GradingTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask records progress of an unfinished task. Finished tasks are left alone.
func (s *Store) UpdateTask(ctx context.Context, id string, status model.TaskStatus, stage model.Stage, msg string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE grading_tasks SET status = ?, stage = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`),
		string(status), string(stage), msg, time.Now().UTC(),
		id, string(model.TaskPending), string(model.TaskRunning),
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	return nil
}

// RequestCancel sets the cancel flag on an unfinished task.
func (s *Store) RequestCancel(ctx context.Context, id string) (model.GradingTask, error) {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE grading_tasks SET cancel_requested = TRUE, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`),
		time.Now().UTC(), id, string(model.TaskPending), string(model.TaskRunning),
	)
	if err != nil {
		return model.GradingTask{}, fmt.Errorf("cancel task %s: %w", id, err)
	}
	return s.GetTask(ctx, id)
}

// CancelRequested reports whether the task has been asked to stop.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT cancel_requested FROM grading_tasks WHERE id = ?`), id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, &apperr.NotFoundError{Resource: "grading task", ID: id}
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag of task %s: %w", id, err)
	}
	return flag, nil
}

// RecoverInterrupted fails tasks left unfinished by a previous process and
// moves their sheets to FAILED so they can be resumed. It returns the number
// of tasks recovered.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	const reason = "interrupted by restart"
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.rebind(
			`SELECT id, sheet_id FROM grading_tasks WHERE status IN (?, ?)`),
			string(model.TaskPending), string(model.TaskRunning),
		)
		if err != nil {
			return fmt.Errorf("list interrupted tasks: %w", err)
		}
		type pending struct {
			id      string
			sheetID int64
		}
		var stuck []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.sheetID); err != nil {
				rows.Close()
				return err
			}
			stuck = append(stuck, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, p := range stuck {
			if _, err := tx.ExecContext(ctx, s.rebind(
				`UPDATE grading_tasks SET status = ?, error = ?, updated_at = ? WHERE id = ?`),
				string(model.TaskFailed), reason, now, p.id,
			); err != nil {
				return fmt.Errorf("fail task %s: %w", p.id, err)
			}
			if _, err := tx.ExecContext(ctx, s.rebind(
				`UPDATE answer_sheets SET status = ?, failed_from = status, error_kind = ?, last_error = ?,
					failed_stage = '', updated_at = ?
				 WHERE id = ? AND active_run = ? AND status NOT IN (?, ?)`),
				string(model.StatusFailed), apperr.KindInternal, reason, now,
				p.sheetID, p.id, string(model.StatusFailed), string(model.StatusFinalized),
			); err != nil {
				return fmt.Errorf("fail sheet %d: %w", p.sheetID, err)
			}
		}
		n = len(stuck)
		return nil
	})
	return n, err
}
