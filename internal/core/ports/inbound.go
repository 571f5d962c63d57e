package ports

import (
	"context"

	"github.com/kirillkom/file-bridge/internal/core/domain"
)

// FileProcessor runs one ingest event end-to-end.
type FileProcessor interface {
	Process(ctx context.Context, ev domain.IngestEvent) error
}

// UnstableFileHandler resolves files that never finished being written.
type UnstableFileHandler interface {
	FailUnstable(ctx context.Context, ev domain.IngestEvent, cause error) error
}

// RecordReader is the read model for the admin surface.
type RecordReader interface {
	Get(ctx context.Context, filePath string) (*domain.FileRecord, error)
	ListByState(ctx context.Context, states ...domain.FileState) ([]domain.FileRecord, error)
}
