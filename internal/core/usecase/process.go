package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/file-bridge/internal/core/domain"
	"github.com/kirillkom/file-bridge/internal/core/ports"
)

const (
	ExtractionSuccess       = "success"
	ExtractionLowConfidence = "low-confidence"
	ExtractionError         = "error"
)

// ProcessFileUseCase runs one file through extraction, classification and
// dispatch, and always leaves it in a terminal state unless the record store
// itself fails.
type ProcessFileUseCase struct {
	lifecycle  *LifecycleManager
	reader     ports.SourceReader
	extractor  ports.TextExtractor
	classifier ports.Classifier
	dispatcher *Dispatcher
	retrier    ports.Retrier
	metrics    ports.Metrics
}

func NewProcessFileUseCase(
	lifecycle *LifecycleManager,
	reader ports.SourceReader,
	extractor ports.TextExtractor,
	classifier ports.Classifier,
	dispatcher *Dispatcher,
	extractRetrier ports.Retrier,
	metrics ports.Metrics,
) *ProcessFileUseCase {
	return &ProcessFileUseCase{
		lifecycle:  lifecycle,
		reader:     reader,
		extractor:  extractor,
		classifier: classifier,
		dispatcher: dispatcher,
		retrier:    extractRetrier,
		metrics:    metrics,
	}
}

func (uc *ProcessFileUseCase) Process(ctx context.Context, ev domain.IngestEvent) (err error) {
	var rec *domain.FileRecord
	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("panic while processing: %v", r)
			slog.Error("file_processing_panic", "file", ev.FilePath, "panic", r)
			if rec != nil && rec.State.IsActive() {
				reason := domain.ReasonExtractionPermanent
				if rec.State == domain.StateDispatching {
					reason = domain.ReasonDispatchPermanent
				}
				err = uc.lifecycle.Fail(context.WithoutCancel(ctx), rec, reason, cause)
				return
			}
			err = cause
		}
	}()

	hash, err := uc.reader.Hash(ctx, ev.FilePath)
	if err != nil {
		if domain.IsKind(err, domain.ErrSourceMissing) {
			slog.Info("file_vanished_before_processing", "file", ev.FilePath)
			return nil
		}
		return fmt.Errorf("hash source file: %w", err)
	}

	rec, resume, err := uc.lifecycle.Begin(ctx, ev, hash)
	if err != nil {
		return err
	}
	logger := slog.With("file", rec.FilePath, "category", string(rec.Category), "resume", resume.String())
	logger.Info("file_processing_started")

	switch resume {
	case ResumeSkip:
		return nil
	case ResumeExtract:
		if done, err := uc.extract(ctx, rec, ev); done || err != nil {
			return err
		}
	}

	profile, err := uc.classify(ctx, rec)
	if err != nil {
		return err
	}

	if done, err := uc.dispatch(ctx, rec, profile); done || err != nil {
		return err
	}

	if err := uc.lifecycle.Complete(ctx, rec); err != nil {
		return err
	}
	logger.Info("file_processed", "profile", profile.ProfileID, "task_id", rec.TaskID)
	return nil
}

// extract reports done=true when the file reached a terminal state.
func (uc *ProcessFileUseCase) extract(ctx context.Context, rec *domain.FileRecord, ev domain.IngestEvent) (bool, error) {
	if err := uc.lifecycle.Advance(ctx, rec, domain.StateExtracting, nil); err != nil {
		return false, err
	}

	ev.FilePath, ev.Category = rec.FilePath, rec.Category
	start := time.Now()
	var result domain.ExtractionResult
	err := uc.retrier.Do(ctx, "extract", func(ctx context.Context) error {
		var err error
		result, err = uc.extractor.Extract(ctx, ev)
		if err != nil {
			if recErr := uc.lifecycle.RecordAttempt(context.WithoutCancel(ctx), rec, domain.StateExtracting, err); recErr != nil {
				slog.Error("record_attempt_failed", "file", rec.FilePath, "error", recErr)
			}
		}
		return err
	})
	uc.observe(domain.StateExtracting, start)

	if err != nil {
		uc.recordExtraction(rec.Category, ExtractionError)
		reason := domain.ReasonExtractionPermanent
		switch {
		case domain.IsKind(err, domain.ErrSourceMissing):
			reason = domain.ReasonSourceMissing
		case domain.IsTransient(err):
			reason = domain.ReasonExtractionTransient
		}
		slog.Warn("file_stage_failed", "file", rec.FilePath, "stage", string(domain.StateExtracting), "error", err)
		return true, uc.lifecycle.Fail(context.WithoutCancel(ctx), rec, reason, err)
	}

	if result.LowConfidence {
		uc.recordExtraction(rec.Category, ExtractionLowConfidence)
	} else {
		uc.recordExtraction(rec.Category, ExtractionSuccess)
	}

	if err := uc.lifecycle.Advance(ctx, rec, domain.StateClassifying, func(r *domain.FileRecord) {
		r.Extraction = &result
	}); err != nil {
		return false, err
	}
	return false, nil
}

func (uc *ProcessFileUseCase) classify(ctx context.Context, rec *domain.FileRecord) (domain.ClassificationProfile, error) {
	start := time.Now()
	profile := uc.classifier.Classify(*rec.Extraction, rec.Category)
	uc.observe(domain.StateClassifying, start)

	if rec.State == domain.StateDispatching {
		return profile, nil
	}
	err := uc.lifecycle.Advance(ctx, rec, domain.StateDispatching, func(r *domain.FileRecord) {
		r.ProfileID = profile.ProfileID
		r.TaskID = domain.TaskID(r.FilePath, r.ContentHash)
	})
	if err != nil {
		return domain.ClassificationProfile{}, err
	}
	slog.Info("file_classified", "file", rec.FilePath, "profile", profile.ProfileID, "priority", profile.Priority, "match_reason", profile.MatchReason)
	return profile, nil
}

func (uc *ProcessFileUseCase) dispatch(ctx context.Context, rec *domain.FileRecord, profile domain.ClassificationProfile) (bool, error) {
	start := time.Now()
	_, err := uc.dispatcher.Dispatch(ctx, rec, profile, *rec.Extraction)
	uc.observe(domain.StateDispatching, start)
	if err == nil {
		return false, nil
	}

	if recErr := uc.lifecycle.RecordAttempt(context.WithoutCancel(ctx), rec, domain.StateDispatching, err); recErr != nil {
		slog.Error("record_attempt_failed", "file", rec.FilePath, "error", recErr)
	}
	reason := domain.ReasonDispatchPermanent
	if domain.IsTransient(err) {
		reason = domain.ReasonDispatchTransient
	}
	slog.Warn("file_stage_failed", "file", rec.FilePath, "stage", string(domain.StateDispatching), "error", err)
	return true, uc.lifecycle.Fail(context.WithoutCancel(ctx), rec, reason, err)
}

func (uc *ProcessFileUseCase) observe(stage domain.FileState, start time.Time) {
	if uc.metrics != nil {
		uc.metrics.ObserveStage(stage, time.Since(start))
	}
}

func (uc *ProcessFileUseCase) recordExtraction(category domain.Category, outcome string) {
	if uc.metrics != nil {
		uc.metrics.RecordExtraction(category, outcome)
	}
}
