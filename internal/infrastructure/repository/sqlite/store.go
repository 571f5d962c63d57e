package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kirillkom/file-bridge/internal/core/domain"
)

// Store is the embedded lifecycle journal: file records and the dispatch
// ledger share one WAL-mode database file.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	// One writer keeps SQLITE_BUSY out of the worker pool.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}
	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS file_records (
	file_path TEXT PRIMARY KEY,
	rel_path TEXT NOT NULL,
	category TEXT NOT NULL,
	state TEXT NOT NULL,
	content_hash TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	profile_id TEXT NOT NULL DEFAULT '',
	extraction TEXT,
	history TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_file_records_state ON file_records(state);

CREATE TABLE IF NOT EXISTS dispatch_tasks (
	task_id TEXT PRIMARY KEY,
	file_path TEXT NOT NULL,
	profile_id TEXT NOT NULL,
	prompt_template_id TEXT NOT NULL,
	model_tier TEXT NOT NULL,
	priority INTEGER NOT NULL,
	payload_text TEXT NOT NULL,
	low_confidence INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	return nil
}

const recordColumns = `file_path, rel_path, category, state, content_hash, attempts, last_error, failure_reason,
	task_id, profile_id, extraction, history, created_at, updated_at`

func (s *Store) Get(ctx context.Context, filePath string) (*domain.FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM file_records WHERE file_path = ?`, filePath)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrRecordNotFound, "get file record", fmt.Errorf("path=%s", filePath))
		}
		return nil, fmt.Errorf("scan file record: %w", err)
	}
	return rec, nil
}

func (s *Store) Save(ctx context.Context, rec *domain.FileRecord) error {
	extraction, history, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO file_records (`+recordColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(file_path) DO UPDATE SET
	rel_path = excluded.rel_path,
	category = excluded.category,
	state = excluded.state,
	content_hash = excluded.content_hash,
	attempts = excluded.attempts,
	last_error = excluded.last_error,
	failure_reason = excluded.failure_reason,
	task_id = excluded.task_id,
	profile_id = excluded.profile_id,
	extraction = excluded.extraction,
	history = excluded.history,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at
`,
		rec.FilePath, rec.RelPath, string(rec.Category), string(rec.State), rec.ContentHash, rec.Attempts,
		rec.LastError, string(rec.FailureReason), rec.TaskID, rec.ProfileID, extraction, history,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert file record: %w", err)
	}
	return nil
}

func (s *Store) ListByState(ctx context.Context, states ...domain.FileState) ([]domain.FileRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM file_records`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}
	defer rows.Close()

	out := make([]domain.FileRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file records: %w", err)
	}
	return out, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.DispatchTask, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT task_id, file_path, profile_id, prompt_template_id, model_tier, priority, payload_text, low_confidence,
	status, attempts, reason, created_at, updated_at
FROM dispatch_tasks WHERE task_id = ?`, taskID)

	var task domain.DispatchTask
	var status string
	var lowConfidence int
	var createdAt, updatedAt int64
	err := row.Scan(&task.TaskID, &task.FilePath, &task.ProfileID, &task.PromptTemplateID, &task.ModelTier,
		&task.Priority, &task.PayloadText, &lowConfidence, &status, &task.Attempts, &task.Reason, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrRecordNotFound, "get dispatch task", fmt.Errorf("task_id=%s", taskID))
		}
		return nil, fmt.Errorf("scan dispatch task: %w", err)
	}
	task.Status = domain.TaskStatus(status)
	task.LowConfidence = lowConfidence != 0
	task.CreatedAt = time.Unix(0, createdAt).UTC()
	task.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &task, nil
}

func (s *Store) SaveTask(ctx context.Context, task *domain.DispatchTask) error {
	lowConfidence := 0
	if task.LowConfidence {
		lowConfidence = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dispatch_tasks (task_id, file_path, profile_id, prompt_template_id, model_tier, priority, payload_text,
	low_confidence, status, attempts, reason, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET
	profile_id = excluded.profile_id,
	prompt_template_id = excluded.prompt_template_id,
	model_tier = excluded.model_tier,
	priority = excluded.priority,
	payload_text = excluded.payload_text,
	low_confidence = excluded.low_confidence,
	status = excluded.status,
	attempts = excluded.attempts,
	reason = excluded.reason,
	updated_at = excluded.updated_at
`,
		task.TaskID, task.FilePath, task.ProfileID, task.PromptTemplateID, task.ModelTier, task.Priority,
		task.PayloadText, lowConfidence, string(task.Status), task.Attempts, task.Reason,
		task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert dispatch task: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.FileRecord, error) {
	var rec domain.FileRecord
	var category, state, reason string
	var extraction sql.NullString
	var history string
	var createdAt, updatedAt int64

	err := row.Scan(&rec.FilePath, &rec.RelPath, &category, &state, &rec.ContentHash, &rec.Attempts,
		&rec.LastError, &reason, &rec.TaskID, &rec.ProfileID, &extraction, &history, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Category = domain.Category(category)
	rec.State = domain.FileState(state)
	rec.FailureReason = domain.FailureReason(reason)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if extraction.Valid && extraction.String != "" {
		var result domain.ExtractionResult
		if err := json.Unmarshal([]byte(extraction.String), &result); err != nil {
			return nil, fmt.Errorf("unmarshal extraction: %w", err)
		}
		rec.Extraction = &result
	}
	if err := json.Unmarshal([]byte(history), &rec.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return &rec, nil
}

func encodeRecord(rec *domain.FileRecord) (sql.NullString, string, error) {
	var extraction sql.NullString
	if rec.Extraction != nil {
		raw, err := json.Marshal(rec.Extraction)
		if err != nil {
			return extraction, "", fmt.Errorf("marshal extraction: %w", err)
		}
		extraction = sql.NullString{String: string(raw), Valid: true}
	}
	history := rec.History
	if history == nil {
		history = []domain.AttemptEntry{}
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return extraction, "", fmt.Errorf("marshal history: %w", err)
	}
	return extraction, string(raw), nil
}
