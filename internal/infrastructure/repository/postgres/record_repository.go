package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/file-bridge/internal/core/domain"
)

// RecordRepository keeps the lifecycle journal in Postgres for deployments
// where several bridge hosts share one pending tree.
type RecordRepository struct {
	db *sql.DB
}

func NewRecordRepository(db *sql.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *RecordRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across bridge hosts.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101501)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
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
	extraction JSONB,
	history JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
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
	low_confidence BOOLEAN NOT NULL DEFAULT FALSE,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *RecordRepository) Get(ctx context.Context, filePath string) (*domain.FileRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT file_path, rel_path, category, state, content_hash, attempts, last_error, failure_reason,
	task_id, profile_id, extraction, history, created_at, updated_at
FROM file_records
WHERE file_path = $1
`, filePath)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrRecordNotFound, "get file record", fmt.Errorf("path=%s", filePath))
		}
		return nil, fmt.Errorf("scan file record: %w", err)
	}
	return rec, nil
}

func (r *RecordRepository) Save(ctx context.Context, rec *domain.FileRecord) error {
	var extraction []byte
	if rec.Extraction != nil {
		raw, err := json.Marshal(rec.Extraction)
		if err != nil {
			return fmt.Errorf("marshal extraction: %w", err)
		}
		extraction = raw
	}
	history := rec.History
	if history == nil {
		history = []domain.AttemptEntry{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO file_records (
	file_path, rel_path, category, state, content_hash, attempts, last_error, failure_reason,
	task_id, profile_id, extraction, history, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (file_path) DO UPDATE SET
	rel_path = EXCLUDED.rel_path,
	category = EXCLUDED.category,
	state = EXCLUDED.state,
	content_hash = EXCLUDED.content_hash,
	attempts = EXCLUDED.attempts,
	last_error = EXCLUDED.last_error,
	failure_reason = EXCLUDED.failure_reason,
	task_id = EXCLUDED.task_id,
	profile_id = EXCLUDED.profile_id,
	extraction = EXCLUDED.extraction,
	history = EXCLUDED.history,
	created_at = EXCLUDED.created_at,
	updated_at = EXCLUDED.updated_at
`,
		rec.FilePath, rec.RelPath, string(rec.Category), string(rec.State), rec.ContentHash, rec.Attempts,
		rec.LastError, string(rec.FailureReason), rec.TaskID, rec.ProfileID, extraction, historyJSON,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert file record: %w", err)
	}
	return nil
}

func (r *RecordRepository) ListByState(ctx context.Context, states ...domain.FileState) ([]domain.FileRecord, error) {
	names := make([]string, 0, len(states))
	for _, st := range states {
		names = append(names, string(st))
	}
	namesJSON, err := json.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("marshal states: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT file_path, rel_path, category, state, content_hash, attempts, last_error, failure_reason,
	task_id, profile_id, extraction, history, created_at, updated_at
FROM file_records
WHERE jsonb_array_length($1::jsonb) = 0 OR state IN (SELECT jsonb_array_elements_text($1::jsonb))
ORDER BY created_at
`, string(namesJSON))
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

type recordScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row recordScanner) (*domain.FileRecord, error) {
	var rec domain.FileRecord
	var category, state, reason string
	var extractionRaw, historyRaw []byte

	err := row.Scan(
		&rec.FilePath, &rec.RelPath, &category, &state, &rec.ContentHash, &rec.Attempts, &rec.LastError, &reason,
		&rec.TaskID, &rec.ProfileID, &extractionRaw, &historyRaw, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Category = domain.Category(category)
	rec.State = domain.FileState(state)
	rec.FailureReason = domain.FailureReason(reason)

	if len(extractionRaw) > 0 {
		var result domain.ExtractionResult
		if err := json.Unmarshal(extractionRaw, &result); err != nil {
			return nil, fmt.Errorf("unmarshal extraction: %w", err)
		}
		rec.Extraction = &result
	}
	if len(historyRaw) > 0 {
		if err := json.Unmarshal(historyRaw, &rec.History); err != nil {
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	return &rec, nil
}
