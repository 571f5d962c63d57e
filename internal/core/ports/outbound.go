package ports

import (
	"context"
	"time"

	"github.com/kirillkom/file-bridge/internal/core/domain"
)

// FileRecordStore persists the per-file lifecycle journal.
type FileRecordStore interface {
	Get(ctx context.Context, filePath string) (*domain.FileRecord, error)
	Save(ctx context.Context, rec *domain.FileRecord) error
	ListByState(ctx context.Context, states ...domain.FileState) ([]domain.FileRecord, error)
}

// TaskLedger remembers every dispatch attempt by idempotency key.
type TaskLedger interface {
	GetTask(ctx context.Context, taskID string) (*domain.DispatchTask, error)
	SaveTask(ctx context.Context, task *domain.DispatchTask) error
}

// FileMover relocates files between layout trees.
type FileMover interface {
	// FreeName returns dst, or the first collision-free variant of it.
	FreeName(ctx context.Context, dst string) (string, error)
	Move(ctx context.Context, src, dst string) (string, error)
	WriteSidecar(ctx context.Context, path string, payload any) error
	Exists(ctx context.Context, path string) (bool, error)
}

// SourceReader reads a stable file for extraction.
type SourceReader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Hash(ctx context.Context, path string) (string, error)
}

// WorkQueue is the bounded hand-off between watchers and workers.
type WorkQueue interface {
	Enqueue(ctx context.Context, ev domain.IngestEvent) (bool, error)
	Events() <-chan domain.IngestEvent
	Done(filePath string)
}

// TextExtractor converts a stable file into text.
type TextExtractor interface {
	Extract(ctx context.Context, ev domain.IngestEvent) (domain.ExtractionResult, error)
}

// Classifier selects a processing profile. It never fails.
type Classifier interface {
	Classify(result domain.ExtractionResult, category domain.Category) domain.ClassificationProfile
}

// OCREngine recognizes text in a single image.
type OCREngine interface {
	Recognize(ctx context.Context, image []byte) (domain.OCRResult, error)
}

// PDFRasterizer renders every page of a PDF as an image.
type PDFRasterizer interface {
	Rasterize(ctx context.Context, pdf []byte) ([][]byte, error)
}

// TaskBackend submits a task to the compute backend.
type TaskBackend interface {
	Submit(ctx context.Context, task domain.DispatchTask) (domain.SubmitAck, error)
}

// Metrics is a best-effort sink; implementations must never fail the caller.
type Metrics interface {
	RecordIngested(category domain.Category)
	RecordExtraction(category domain.Category, outcome string)
	RecordDispatch(outcome string)
	RecordTerminal(category domain.Category, state domain.FileState)
	ObserveStage(stage domain.FileState, duration time.Duration)
	SetQueueDepth(category domain.Category, depth int)
	WorkerBusy(delta int)
}

// Retrier runs fn until it succeeds, fails permanently or runs out of
// attempts. Each attempt may carry its own deadline.
type Retrier interface {
	Do(ctx context.Context, operation string, fn func(context.Context) error) error
}
