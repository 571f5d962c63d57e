package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/file-bridge/internal/core/domain"
	"github.com/kirillkom/file-bridge/internal/core/ports"
)

// Pool runs a fixed number of workers over the queue. Each worker handles one
// file end-to-end; a file that was started is finished even during shutdown.
type Pool struct {
	queue     ports.WorkQueue
	processor ports.FileProcessor
	metrics   ports.Metrics
	size      int
}

func New(queue ports.WorkQueue, processor ports.FileProcessor, metrics ports.Metrics, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		queue:     queue,
		processor: processor,
		metrics:   metrics,
		size:      size,
	}
}

// Run blocks until ctx is cancelled and all workers have returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	events := p.queue.Events()
	for {
		// Prefer shutdown over new work.
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.handle(ctx, id, ev)
		}
	}
}

func (p *Pool) handle(ctx context.Context, id int, ev domain.IngestEvent) {
	runID := uuid.NewString()
	logger := slog.With("worker", id, "run_id", runID, "file", ev.FilePath)
	start := time.Now()

	p.busy(1)
	defer p.busy(-1)
	defer p.queue.Done(ev.FilePath)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker_panic", "panic", r)
		}
	}()

	// Stage timeouts bound the work; shutdown must not abort a started file.
	if err := p.processor.Process(context.WithoutCancel(ctx), ev); err != nil {
		logger.Error("file_processing_failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	logger.Debug("file_processing_finished", "duration_ms", time.Since(start).Milliseconds())
}

func (p *Pool) busy(delta int) {
	if p.metrics != nil {
		p.metrics.WorkerBusy(delta)
	}
}
