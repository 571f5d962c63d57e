package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kirillkom/file-bridge/internal/core/domain"
)

// TaskLedger is the dispatch dedupe table; it shares the connection pool of
// the record repository.
type TaskLedger struct {
	db *sql.DB
}

func NewTaskLedger(db *sql.DB) *TaskLedger {
	return &TaskLedger{db: db}
}

func (l *TaskLedger) GetTask(ctx context.Context, taskID string) (*domain.DispatchTask, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT task_id, file_path, profile_id, prompt_template_id, model_tier, priority, payload_text, low_confidence,
	status, attempts, reason, created_at, updated_at
FROM dispatch_tasks
WHERE task_id = $1
`, taskID)

	var task domain.DispatchTask
	var status string
	err := row.Scan(
		&task.TaskID, &task.FilePath, &task.ProfileID, &task.PromptTemplateID, &task.ModelTier, &task.Priority,
		&task.PayloadText, &task.LowConfidence, &status, &task.Attempts, &task.Reason, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrRecordNotFound, "get dispatch task", fmt.Errorf("task_id=%s", taskID))
		}
		return nil, fmt.Errorf("scan dispatch task: %w", err)
	}
	task.Status = domain.TaskStatus(status)
	return &task, nil
}

func (l *TaskLedger) SaveTask(ctx context.Context, task *domain.DispatchTask) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO dispatch_tasks (
	task_id, file_path, profile_id, prompt_template_id, model_tier, priority, payload_text, low_confidence,
	status, attempts, reason, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (task_id) DO UPDATE SET
	profile_id = EXCLUDED.profile_id,
	prompt_template_id = EXCLUDED.prompt_template_id,
	model_tier = EXCLUDED.model_tier,
	priority = EXCLUDED.priority,
	payload_text = EXCLUDED.payload_text,
	low_confidence = EXCLUDED.low_confidence,
	status = EXCLUDED.status,
	attempts = EXCLUDED.attempts,
	reason = EXCLUDED.reason,
	updated_at = EXCLUDED.updated_at
`,
		task.TaskID, task.FilePath, task.ProfileID, task.PromptTemplateID, task.ModelTier, task.Priority,
		task.PayloadText, task.LowConfidence, string(task.Status), task.Attempts, task.Reason,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert dispatch task: %w", err)
	}
	return nil
}
