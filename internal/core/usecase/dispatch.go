package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/file-bridge/internal/core/domain"
	"github.com/kirillkom/file-bridge/internal/core/ports"
)

const (
	DispatchSubmitted    = "submitted"
	DispatchAcknowledged = "acknowledged"
	DispatchRejected     = "rejected"
	DispatchRetried      = "retried"
	DispatchDuplicate    = "duplicate"
)

// Dispatcher submits one task per (path, content) and remembers the outcome
// in the ledger so a restart never submits an acknowledged task again.
type Dispatcher struct {
	ledger  ports.TaskLedger
	backend ports.TaskBackend
	retrier ports.Retrier
	metrics ports.Metrics
	now     func() time.Time
}

func NewDispatcher(ledger ports.TaskLedger, backend ports.TaskBackend, retrier ports.Retrier, metrics ports.Metrics) *Dispatcher {
	return &Dispatcher{
		ledger:  ledger,
		backend: backend,
		retrier: retrier,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) Dispatch(
	ctx context.Context,
	rec *domain.FileRecord,
	profile domain.ClassificationProfile,
	extraction domain.ExtractionResult,
) (domain.DispatchTask, error) {
	taskID := rec.TaskID
	if taskID == "" {
		taskID = domain.TaskID(rec.FilePath, rec.ContentHash)
	}

	existing, err := d.ledger.GetTask(ctx, taskID)
	if err != nil && !domain.IsKind(err, domain.ErrRecordNotFound) {
		return domain.DispatchTask{}, fmt.Errorf("load dispatch task: %w", err)
	}
	if existing != nil {
		switch existing.Status {
		case domain.TaskStatusAcknowledged:
			d.record(DispatchDuplicate)
			slog.Info("dispatch_duplicate_skipped", "file", rec.FilePath, "task_id", taskID)
			return *existing, nil
		case domain.TaskStatusRejected:
			return *existing, domain.WrapError(domain.ErrRejected, "dispatch", errors.New(existing.Reason))
		}
	}

	now := d.now()
	task := &domain.DispatchTask{
		TaskID:           taskID,
		FilePath:         rec.FilePath,
		ProfileID:        profile.ProfileID,
		PromptTemplateID: profile.PromptTemplateID,
		ModelTier:        profile.ModelTier,
		Priority:         profile.Priority,
		PayloadText:      extraction.Text,
		LowConfidence:    extraction.LowConfidence,
		Status:           domain.TaskStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if existing != nil {
		task.CreatedAt = existing.CreatedAt
		task.Attempts = existing.Attempts
	}
	if err := d.ledger.SaveTask(ctx, task); err != nil {
		return domain.DispatchTask{}, fmt.Errorf("persist pending task: %w", err)
	}

	var rejection string
	attempt := 0
	err = d.retrier.Do(ctx, "dispatch.submit", func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			d.record(DispatchRetried)
		}
		task.Attempts++
		task.Status = domain.TaskStatusSubmitted
		task.UpdatedAt = d.now()
		if err := d.ledger.SaveTask(ctx, task); err != nil {
			return fmt.Errorf("persist submitted task: %w", err)
		}
		d.record(DispatchSubmitted)

		ack, err := d.backend.Submit(ctx, *task)
		if err != nil {
			return err
		}
		if !ack.Accepted {
			rejection = ack.Reason
			if rejection == "" {
				rejection = "rejected without reason"
			}
			return domain.WrapError(domain.ErrRejected, "dispatch", errors.New(rejection))
		}
		return nil
	})

	task.UpdatedAt = d.now()
	switch {
	case err == nil:
		task.Status = domain.TaskStatusAcknowledged
		task.Reason = ""
		d.record(DispatchAcknowledged)
	case domain.IsKind(err, domain.ErrRejected):
		task.Status = domain.TaskStatusRejected
		task.Reason = rejection
		d.record(DispatchRejected)
	default:
		task.Reason = err.Error()
	}
	// The outcome must survive even if the caller is shutting down.
	if saveErr := d.ledger.SaveTask(context.WithoutCancel(ctx), task); saveErr != nil {
		if err == nil {
			return *task, fmt.Errorf("persist acknowledged task: %w", saveErr)
		}
		slog.Error("dispatch_ledger_save_failed", "task_id", task.TaskID, "error", saveErr)
	}

	if err != nil && !domain.IsKind(err, domain.ErrRejected) && !domain.IsKind(err, domain.ErrTemporary) {
		err = domain.WrapError(domain.ErrTemporary, "dispatch", err)
	}
	return *task, err
}

func (d *Dispatcher) record(outcome string) {
	if d.metrics != nil {
		d.metrics.RecordDispatch(outcome)
	}
}
