package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kirillkom/file-bridge/internal/core/domain"
	"github.com/kirillkom/file-bridge/internal/core/ports"
)

// Resume tells the worker which stage to run next for a record.
type Resume int

const (
	ResumeExtract Resume = iota
	ResumeClassify
	ResumeDispatch
	ResumeSkip
)

func (r Resume) String() string {
	switch r {
	case ResumeExtract:
		return "extract"
	case ResumeClassify:
		return "classify"
	case ResumeDispatch:
		return "dispatch"
	default:
		return "skip"
	}
}

// Layout maps terminal states to directories under the bridge root.
type Layout struct {
	Root string
}

func (l Layout) TerminalDir(state domain.FileState, category domain.Category) string {
	return filepath.Join(l.Root, string(state), string(category))
}

const sidecarSuffix = ".error.json"

// ErrorSidecar is written next to every failed file.
type ErrorSidecar struct {
	Attempts        int                   `json:"attempts"`
	LastError       string                `json:"lastError"`
	FirstDetectedAt time.Time             `json:"firstDetectedAt"`
	Reason          domain.FailureReason  `json:"reason"`
	State           domain.FileState      `json:"state"`
	History         []domain.AttemptEntry `json:"history"`
}

// LifecycleManager owns the per-file state machine. Every transition is
// persisted before the side effect that follows it.
type LifecycleManager struct {
	store   ports.FileRecordStore
	mover   ports.FileMover
	metrics ports.Metrics
	layout  Layout
	now     func() time.Time
}

func NewLifecycleManager(store ports.FileRecordStore, mover ports.FileMover, metrics ports.Metrics, layout Layout) *LifecycleManager {
	return &LifecycleManager{
		store:   store,
		mover:   mover,
		metrics: metrics,
		layout:  layout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Begin loads or creates the record for ev and decides where processing
// resumes.
func (m *LifecycleManager) Begin(ctx context.Context, ev domain.IngestEvent, contentHash string) (*domain.FileRecord, Resume, error) {
	rec, err := m.store.Get(ctx, ev.FilePath)
	if err != nil && !domain.IsKind(err, domain.ErrRecordNotFound) {
		return nil, ResumeSkip, fmt.Errorf("load file record: %w", err)
	}

	if rec == nil {
		rec = m.newRecord(ev, contentHash)
		if err := m.store.Save(ctx, rec); err != nil {
			return nil, ResumeSkip, fmt.Errorf("create file record: %w", err)
		}
		return rec, ResumeExtract, nil
	}

	if rec.ContentHash != contentHash {
		if err := m.reset(ctx, rec, ev, contentHash); err != nil {
			return nil, ResumeSkip, err
		}
		return rec, ResumeExtract, nil
	}

	if rec.State == domain.StateFailed && rec.FailureReason.Retryable() {
		slog.Info("file_retry_after_failure", "file", rec.FilePath, "previous_reason", string(rec.FailureReason))
		if err := m.reset(ctx, rec, ev, contentHash); err != nil {
			return nil, ResumeSkip, err
		}
		return rec, ResumeExtract, nil
	}

	if rec.State.IsTerminal() {
		slog.Info("file_already_resolved", "file", rec.FilePath, "state", string(rec.State))
		if err := m.relocate(ctx, rec); err != nil {
			return nil, ResumeSkip, err
		}
		return rec, ResumeSkip, nil
	}

	switch rec.State {
	case domain.StateClassifying:
		if rec.Extraction != nil {
			return rec, ResumeClassify, nil
		}
	case domain.StateDispatching:
		if rec.Extraction != nil && rec.TaskID != "" {
			return rec, ResumeDispatch, nil
		}
	default:
		return rec, ResumeExtract, nil
	}

	// Progress was recorded without the data needed to resume from it.
	if err := m.reset(ctx, rec, ev, contentHash); err != nil {
		return nil, ResumeSkip, err
	}
	return rec, ResumeExtract, nil
}

// Advance validates and persists a transition. mutate may change other
// fields of the record in the same write.
func (m *LifecycleManager) Advance(ctx context.Context, rec *domain.FileRecord, to domain.FileState, mutate func(*domain.FileRecord)) error {
	if !domain.CanTransition(rec.State, to) {
		return domain.WrapError(domain.ErrInvalidTransition, "advance file record", fmt.Errorf("%s -> %s for %s", rec.State, to, rec.FilePath))
	}
	next := *rec
	if mutate != nil {
		mutate(&next)
	}
	next.State = to
	next.UpdatedAt = m.now()
	if err := m.store.Save(ctx, &next); err != nil {
		return fmt.Errorf("persist %s: %w", to, err)
	}
	*rec = next
	return nil
}

// RecordAttempt stores a failed attempt of a stage in the record history.
func (m *LifecycleManager) RecordAttempt(ctx context.Context, rec *domain.FileRecord, stage domain.FileState, cause error) error {
	attempt := 1
	for _, h := range rec.History {
		if h.Stage == stage {
			attempt++
		}
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := m.now()

	next := *rec
	next.Attempts++
	next.LastError = msg
	next.History = append(append([]domain.AttemptEntry(nil), rec.History...), domain.AttemptEntry{
		ID:      ulid.Make().String(),
		Stage:   stage,
		Attempt: attempt,
		Error:   msg,
		At:      now,
	})
	next.UpdatedAt = now
	if err := m.store.Save(ctx, &next); err != nil {
		return fmt.Errorf("persist attempt: %w", err)
	}
	*rec = next
	return nil
}

// Complete persists processed, then moves the file into the processed tree.
func (m *LifecycleManager) Complete(ctx context.Context, rec *domain.FileRecord) error {
	if err := m.Advance(ctx, rec, domain.StateProcessed, func(r *domain.FileRecord) {
		r.LastError = ""
		r.FailureReason = ""
	}); err != nil {
		return err
	}
	m.recordTerminal(rec)
	return m.relocate(ctx, rec)
}

// Fail persists failed with its reason, writes the error sidecar in the
// failed tree and moves the file next to it.
func (m *LifecycleManager) Fail(ctx context.Context, rec *domain.FileRecord, reason domain.FailureReason, cause error) error {
	if err := m.Advance(ctx, rec, domain.StateFailed, func(r *domain.FileRecord) {
		r.FailureReason = reason
		if cause != nil {
			r.LastError = cause.Error()
		}
	}); err != nil {
		return err
	}
	m.recordTerminal(rec)
	slog.Warn("file_failed", "file", rec.FilePath, "reason", string(reason), "attempts", rec.Attempts, "error", rec.LastError)
	return m.relocate(ctx, rec)
}

// FailUnstable resolves a file that never finished being written.
func (m *LifecycleManager) FailUnstable(ctx context.Context, ev domain.IngestEvent, cause error) error {
	rec, err := m.store.Get(ctx, ev.FilePath)
	if err != nil && !domain.IsKind(err, domain.ErrRecordNotFound) {
		return fmt.Errorf("load file record: %w", err)
	}
	switch {
	case rec == nil:
		rec = m.newRecord(ev, "")
		if err := m.store.Save(ctx, rec); err != nil {
			return fmt.Errorf("create file record: %w", err)
		}
	case rec.State.IsTerminal():
		if err := m.reset(ctx, rec, ev, ""); err != nil {
			return err
		}
	}
	return m.Fail(ctx, rec, domain.ReasonUnstableFile, cause)
}

// Recover returns events for unfinished records whose file is still in
// place. Records whose file disappeared are failed as source-missing.
func (m *LifecycleManager) Recover(ctx context.Context) ([]domain.IngestEvent, error) {
	active, err := m.store.ListByState(ctx, domain.ActiveStates...)
	if err != nil {
		return nil, fmt.Errorf("list active records: %w", err)
	}

	events := make([]domain.IngestEvent, 0, len(active))
	for i := range active {
		rec := &active[i]
		exists, err := m.mover.Exists(ctx, rec.FilePath)
		if err != nil {
			return nil, fmt.Errorf("check source %s: %w", rec.FilePath, err)
		}
		if !exists {
			if err := m.Fail(ctx, rec, domain.ReasonSourceMissing, domain.WrapError(domain.ErrSourceMissing, "recover", fmt.Errorf("%s", rec.FilePath))); err != nil {
				return nil, err
			}
			continue
		}
		events = append(events, domain.IngestEvent{
			FilePath:   rec.FilePath,
			RelPath:    rec.RelPath,
			Category:   rec.Category,
			DetectedAt: rec.CreatedAt,
		})
	}
	return events, nil
}

func (m *LifecycleManager) newRecord(ev domain.IngestEvent, contentHash string) *domain.FileRecord {
	now := m.now()
	detected := ev.DetectedAt
	if detected.IsZero() {
		detected = now
	}
	return &domain.FileRecord{
		FilePath:    ev.FilePath,
		RelPath:     ev.RelPath,
		Category:    ev.Category,
		State:       domain.StateDetected,
		ContentHash: contentHash,
		CreatedAt:   detected,
		UpdatedAt:   now,
	}
}

func (m *LifecycleManager) reset(ctx context.Context, rec *domain.FileRecord, ev domain.IngestEvent, contentHash string) error {
	fresh := m.newRecord(ev, contentHash)
	return m.Advance(ctx, rec, domain.StateDetected, func(r *domain.FileRecord) {
		*r = *fresh
	})
}

// relocate moves the file into its terminal tree. For failures the sidecar is
// written under the target name first, so a crash never leaves a failed file
// without one; the move is redone on the next Begin.
func (m *LifecycleManager) relocate(ctx context.Context, rec *domain.FileRecord) error {
	rel := rec.RelPath
	if rel == "" {
		rel = filepath.Base(rec.FilePath)
	}
	dst := filepath.Join(m.layout.TerminalDir(rec.State, rec.Category), rel)

	if rec.State == domain.StateFailed {
		exists, err := m.mover.Exists(ctx, rec.FilePath)
		if err != nil {
			return fmt.Errorf("check source %s: %w", rec.FilePath, err)
		}
		if !exists {
			slog.Warn("file_relocation_skipped", "file", rec.FilePath, "state", string(rec.State))
			return nil
		}
		if dst, err = m.mover.FreeName(ctx, dst); err != nil {
			return fmt.Errorf("pick failed name for %s: %w", rec.FilePath, err)
		}
		if err := m.writeSidecar(ctx, rec, dst); err != nil {
			return err
		}
	}

	final, err := m.mover.Move(ctx, rec.FilePath, dst)
	if err != nil {
		if domain.IsKind(err, domain.ErrSourceMissing) {
			slog.Warn("file_relocation_skipped", "file", rec.FilePath, "state", string(rec.State), "error", err)
			return nil
		}
		return fmt.Errorf("relocate %s: %w", rec.FilePath, err)
	}
	// Someone took the name between FreeName and Move.
	if rec.State == domain.StateFailed && final != dst {
		if err := m.writeSidecar(ctx, rec, final); err != nil {
			return err
		}
	}
	slog.Info("file_relocated", "file", rec.FilePath, "destination", final, "state", string(rec.State))
	return nil
}

func (m *LifecycleManager) writeSidecar(ctx context.Context, rec *domain.FileRecord, target string) error {
	sidecar := ErrorSidecar{
		Attempts:        rec.Attempts,
		LastError:       rec.LastError,
		FirstDetectedAt: rec.CreatedAt,
		Reason:          rec.FailureReason,
		State:           rec.State,
		History:         rec.History,
	}
	if sidecar.History == nil {
		sidecar.History = []domain.AttemptEntry{}
	}
	if err := m.mover.WriteSidecar(ctx, target+sidecarSuffix, sidecar); err != nil {
		return fmt.Errorf("write error sidecar: %w", err)
	}
	return nil
}

func (m *LifecycleManager) recordTerminal(rec *domain.FileRecord) {
	if m.metrics != nil {
		m.metrics.RecordTerminal(rec.Category, rec.State)
	}
}
