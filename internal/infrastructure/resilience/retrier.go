package resilience

import (
	"context"
	"errors"

	"github.com/kirillkom/file-bridge/internal/core/domain"
)

// Retrier binds an executor to one classifier so use cases can retry stages
// without knowing about breakers or backoff.
type Retrier struct {
	executor   *Executor
	classifier ErrorClassifier
}

func NewRetrier(executor *Executor, classifier ErrorClassifier) *Retrier {
	if classifier == nil {
		classifier = ClassifyStageError
	}
	return &Retrier{executor: executor, classifier: classifier}
}

func (r *Retrier) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	return r.executor.Execute(ctx, operation, fn, r.classifier)
}

// ClassifyStageError retries whatever the domain considers transient.
func ClassifyStageError(err error) ErrorClassification {
	if err == nil {
		return ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if IsCircuitOpen(err) {
		return ErrorClassification{Retryable: true, RecordFailure: false}
	}
	if domain.IsTransient(err) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return ErrorClassification{Retryable: false, RecordFailure: false}
}
