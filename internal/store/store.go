package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/sheetgrader/internal/apperr"
	"github.com/pavelanni/sheetgrader/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverPgx    = "pgx"
)

// ErrSuperseded is returned when a write is attempted by a run that is no
// longer the sheet's active run. The caller must discard its result.
var ErrSuperseded = errors.New("run superseded")

type Store struct {
	db     *sql.DB
	driver string
}

// New opens an SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	return Open(DriverSQLite, dbPath)
}

// Open connects with the given driver ("sqlite" or "pgx") and applies the schema.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	case DriverPgx:
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection keeps :memory: databases shared and writes serialized.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(time.Hour)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS answer_sheets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	exam_id TEXT NOT NULL,
	student_id TEXT NOT NULL DEFAULT '',
	source_key TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	layout_config TEXT,
	scoring_config TEXT,
	diagram_config TEXT,
	answer_key TEXT,
	score_set TEXT,
	active_run TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT '',
	failed_stage TEXT NOT NULL DEFAULT '',
	failed_from TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_answer_sheets_exam ON answer_sheets (exam_id, student_id, created_at);

CREATE TABLE IF NOT EXISTS current_sheets (
	exam_id TEXT NOT NULL,
	student_id TEXT NOT NULL DEFAULT '',
	sheet_id INTEGER NOT NULL,
	PRIMARY KEY (exam_id, student_id),
	FOREIGN KEY (sheet_id) REFERENCES answer_sheets(id)
);

CREATE TABLE IF NOT EXISTS stage_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sheet_id INTEGER NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	FOREIGN KEY (sheet_id) REFERENCES answer_sheets(id)
);

CREATE INDEX IF NOT EXISTS idx_stage_results_sheet ON stage_results (sheet_id, stage);

CREATE TABLE IF NOT EXISTS grading_tasks (
	id TEXT PRIMARY KEY,
	sheet_id INTEGER NOT NULL,
	status TEXT NOT NULL,
	stage TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	cancel_requested BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY (sheet_id) REFERENCES answer_sheets(id)
);

CREATE INDEX IF NOT EXISTS idx_grading_tasks_sheet ON grading_tasks (sheet_id, status);
`

func (s *Store) migrate() error {
	schema := sqliteSchema
	if s.driver == DriverPgx {
		r := strings.NewReplacer(
			"INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY",
			"sheet_id INTEGER", "sheet_id BIGINT",
			"DATETIME", "TIMESTAMPTZ",
			"BOOLEAN NOT NULL DEFAULT 0", "BOOLEAN NOT NULL DEFAULT FALSE",
		)
		schema = r.Replace(schema)
	}
	_, err := s.db.Exec(schema)
	return err
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPgx || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const sheetColumns = `id, exam_id, student_id, source_key, file_name, status,
	layout_config, scoring_config, diagram_config, answer_key, score_set,
	active_run, error_kind, last_error, error_detail, failed_stage, failed_from,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSheet(row rowScanner) (model.AnswerSheet, error) {
	var (
		sh                                   model.AnswerSheet
		layout, scoring, diagram, key, score sql.NullString
	)
	err := row.Scan(&sh.ID, &sh.ExamID, &sh.StudentID, &sh.SourceKey, &sh.FileName, &sh.Status,
		&layout, &scoring, &diagram, &key, &score,
		&sh.ActiveRun, &sh.ErrorKind, &sh.LastError, &sh.ErrorDetail, &sh.FailedStage, &sh.FailedFrom,
		&sh.CreatedAt, &sh.UpdatedAt)
	if err != nil {
		return sh, err
	}
	sh.Configs.Layout = rawOrNil(layout)
	sh.Configs.Scoring = rawOrNil(scoring)
	sh.Configs.Diagram = rawOrNil(diagram)
	if key.Valid && key.String != "" {
		sh.AnswerKeyRaw = json.RawMessage(key.String)
		if err := json.Unmarshal(sh.AnswerKeyRaw, &sh.AnswerKey); err != nil {
			return sh, fmt.Errorf("decode answer key of sheet %d: %w", sh.ID, err)
		}
	}
	if score.Valid && score.String != "" {
		sh.ScoreSet = &model.ScoreRecord{}
		if err := json.Unmarshal([]byte(score.String), sh.ScoreSet); err != nil {
			return sh, fmt.Errorf("decode score set of sheet %d: %w", sh.ID, err)
		}
	}
	return sh, nil
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func (s *Store) getSheet(ctx context.Context, q queryer, id int64) (model.AnswerSheet, error) {
	sh, err := scanSheet(q.QueryRowContext(ctx, s.rebind(`SELECT `+sheetColumns+` FROM answer_sheets WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return sh, &apperr.NotFoundError{Resource: "answer sheet", ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return sh, fmt.Errorf("get sheet %d: %w", id, err)
	}
	return sh, nil
}

// GetSheet returns an answer sheet by ID.
func (s *Store) GetSheet(ctx context.Context, id int64) (model.AnswerSheet, error) {
	return s.getSheet(ctx, s.db, id)
}

// GetSheetView returns a sheet together with its stage history.
func (s *Store) GetSheetView(ctx context.Context, id int64) (*model.SheetView, error) {
	sh, err := s.GetSheet(ctx, id)
	if err != nil {
		return nil, err
	}
	results, err := s.ListStageResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.SheetView{AnswerSheet: sh, ParsedResponses: results}, nil
}

// currentID resolves the current sheet for key. The pointer row is
// authoritative; the ordered lookup covers sheets written before it existed.
func (s *Store) currentID(ctx context.Context, q queryer, key model.SheetKey) (int64, bool, error) {
	var id int64
	err := q.QueryRowContext(ctx, s.rebind(
		`SELECT sheet_id FROM current_sheets WHERE exam_id = ? AND student_id = ?`),
		key.ExamID, key.StudentID,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("lookup current sheet: %w", err)
	}
	err = q.QueryRowContext(ctx, s.rebind(
		`SELECT id FROM answer_sheets WHERE exam_id = ? AND student_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`),
		key.ExamID, key.StudentID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup latest sheet: %w", err)
	}
	return id, true, nil
}

// CurrentSheet returns the most recent sheet for the exam and student.
func (s *Store) CurrentSheet(ctx context.Context, key model.SheetKey) (model.AnswerSheet, error) {
	id, ok, err := s.currentID(ctx, s.db, key)
	if err != nil {
		return model.AnswerSheet{}, err
	}
	if !ok {
		return model.AnswerSheet{}, &apperr.NotFoundError{Resource: "answer sheet for exam", ID: keyString(key)}
	}
	return s.GetSheet(ctx, id)
}

func keyString(key model.SheetKey) string {
	if key.StudentID == "" {
		return key.ExamID
	}
	return key.ExamID + "/" + key.StudentID
}

// insertSheet creates a sheet and makes it current for its key.
func (s *Store) insertSheet(ctx context.Context, tx *sql.Tx, sh model.AnswerSheet) (model.AnswerSheet, error) {
	now := time.Now().UTC()
	sh.Status = model.StatusUploaded
	sh.CreatedAt, sh.UpdatedAt = now, now

	err := tx.QueryRowContext(ctx, s.rebind(
		`INSERT INTO answer_sheets (exam_id, student_id, source_key, file_name, status,
			layout_config, scoring_config, diagram_config, answer_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		sh.ExamID, sh.StudentID, sh.SourceKey, sh.FileName, string(sh.Status),
		nullRaw(sh.Configs.Layout), nullRaw(sh.Configs.Scoring), nullRaw(sh.Configs.Diagram), nullRaw(sh.AnswerKeyRaw),
		now, now,
	).Scan(&sh.ID)
	if err != nil {
		return sh, fmt.Errorf("insert sheet: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO current_sheets (exam_id, student_id, sheet_id) VALUES (?, ?, ?)
		 ON CONFLICT(exam_id, student_id) DO UPDATE SET sheet_id = excluded.sheet_id`),
		sh.ExamID, sh.StudentID, sh.ID,
	)
	if err != nil {
		return sh, fmt.Errorf("update current sheet: %w", err)
	}
	return sh, nil
}

// inheritFrom returns the sheet whose configs a new sheet for key starts
// from: the key's current sheet, else the exam-wide one.
func (s *Store) inheritFrom(ctx context.Context, tx *sql.Tx, key model.SheetKey) (*model.AnswerSheet, error) {
	keys := []model.SheetKey{key}
	if key.StudentID != "" {
		keys = append(keys, model.SheetKey{ExamID: key.ExamID})
	}
	for _, k := range keys {
		id, ok, err := s.currentID(ctx, tx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		sh, err := s.getSheet(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		return &sh, nil
	}
	return nil, nil
}

// Upload is the outcome of AttachUpload.
type Upload struct {
	Sheet model.AnswerSheet
	// Superseded is the previously current sheet replaced by Sheet, or 0.
	Superseded int64
}

// AttachUpload records an uploaded file for key. A current sheet that has
// configuration but no file yet receives the file. Otherwise a new sheet is
// created, inheriting the configuration and answer key, and becomes current.
func (s *Store) AttachUpload(ctx context.Context, key model.SheetKey, sourceKey, fileName string) (Upload, error) {
	var up Upload
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, ok, err := s.currentID(ctx, tx, key)
		if err != nil {
			return err
		}
		if ok {
			cur, err := s.getSheet(ctx, tx, id)
			if err != nil {
				return err
			}
			if cur.SourceKey == "" && cur.Status == model.StatusUploaded {
				now := time.Now().UTC()
				_, err := tx.ExecContext(ctx, s.rebind(
					`UPDATE answer_sheets SET source_key = ?, file_name = ?, updated_at = ? WHERE id = ?`),
					sourceKey, fileName, now, cur.ID,
				)
				if err != nil {
					return fmt.Errorf("attach file to sheet %d: %w", cur.ID, err)
				}
				cur.SourceKey, cur.FileName, cur.UpdatedAt = sourceKey, fileName, now
				up.Sheet = cur
				return nil
			}
			up.Superseded = cur.ID
		}

		sh := model.AnswerSheet{ExamID: key.ExamID, StudentID: key.StudentID, SourceKey: sourceKey, FileName: fileName}
		base, err := s.inheritFrom(ctx, tx, key)
		if err != nil {
			return err
		}
		if base != nil {
			sh.Configs = base.Configs
			sh.AnswerKey, sh.AnswerKeyRaw = base.AnswerKey, base.AnswerKeyRaw
		}
		up.Sheet, err = s.insertSheet(ctx, tx, sh)
		return err
	})
	return up, err
}

// ListSheets returns every sheet of an exam, oldest first.
func (s *Store) ListSheets(ctx context.Context, examID string) ([]model.AnswerSheet, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+sheetColumns+` FROM answer_sheets WHERE exam_id = ? ORDER BY student_id, created_at, id`), examID)
	if err != nil {
		return nil, fmt.Errorf("list sheets: %w", err)
	}
	defer rows.Close()
	var sheets []model.AnswerSheet
	for rows.Next() {
		sh, err := scanSheet(rows)
		if err != nil {
			return nil, err
		}
		sheets = append(sheets, sh)
	}
	return sheets, rows.Err()
}

// ListStageResults returns a sheet's stage payloads in the order they were appended.
func (s *Store) ListStageResults(ctx context.Context, sheetID int64) ([]model.StageResult, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, sheet_id, run_id, stage, payload, created_at FROM stage_results
		 WHERE sheet_id = ? ORDER BY id`), sheetID)
	if err != nil {
		return nil, fmt.Errorf("list stage results: %w", err)
	}
	defer rows.Close()
	results := []model.StageResult{}
	for rows.Next() {
		var (
			r       model.StageResult
			payload string
		)
		if err := rows.Scan(&r.ID, &r.SheetID, &r.RunID, &r.Stage, &payload, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Payload = json.RawMessage(payload)
		results = append(results, r)
	}
	return results, rows.Err()
}

// LatestStageResult returns the most recently appended payload for stage.
// It returns nil, nil when the stage has never produced one.
func (s *Store) LatestStageResult(ctx context.Context, sheetID int64, stage model.Stage) (*model.StageResult, error) {
	var (
		r       model.StageResult
		payload string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, sheet_id, run_id, stage, payload, created_at FROM stage_results
		 WHERE sheet_id = ? AND stage = ? ORDER BY id DESC LIMIT 1`), sheetID, string(stage),
	).Scan(&r.ID, &r.SheetID, &r.RunID, &r.Stage, &payload, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s result: %w", stage, err)
	}
	r.Payload = json.RawMessage(payload)
	return &r, nil
}

func (s *Store) appendResult(ctx context.Context, q queryer, sheetID int64, runID string, stage model.Stage, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("append %s result: payload is not valid JSON", stage)
	}
	_, err := q.ExecContext(ctx, s.rebind(
		`INSERT INTO stage_results (sheet_id, run_id, stage, payload, created_at) VALUES (?, ?, ?, ?, ?)`),
		sheetID, runID, string(stage), string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append %s result: %w", stage, err)
	}
	return nil
}
