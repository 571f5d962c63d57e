package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	httpadapter "github.com/kirillkom/file-bridge/internal/adapters/http"
	"github.com/kirillkom/file-bridge/internal/config"
	"github.com/kirillkom/file-bridge/internal/core/ports"
	"github.com/kirillkom/file-bridge/internal/core/usecase"
	"github.com/kirillkom/file-bridge/internal/infrastructure/classifier/rules"
	"github.com/kirillkom/file-bridge/internal/infrastructure/extractor/ocrimage"
	"github.com/kirillkom/file-bridge/internal/infrastructure/extractor/ocrpdf"
	"github.com/kirillkom/file-bridge/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/file-bridge/internal/infrastructure/extractor/router"
	"github.com/kirillkom/file-bridge/internal/infrastructure/ocr/httpocr"
	"github.com/kirillkom/file-bridge/internal/infrastructure/queue/memory"
	"github.com/kirillkom/file-bridge/internal/infrastructure/queue/nats"
	"github.com/kirillkom/file-bridge/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/file-bridge/internal/infrastructure/repository/sqlite"
	"github.com/kirillkom/file-bridge/internal/infrastructure/resilience"
	"github.com/kirillkom/file-bridge/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/file-bridge/internal/infrastructure/watcher"
	"github.com/kirillkom/file-bridge/internal/observability/metrics"
	"github.com/kirillkom/file-bridge/internal/worker"
)

const serviceName = "file-bridge"

type App struct {
	Config config.Config

	Lifecycle *usecase.LifecycleManager

	queue   *memory.Queue
	pool    *worker.Pool
	watcher *watcher.Watcher
	admin   *http.Server

	closeFn func()
}

type store interface {
	ports.FileRecordStore
	ports.TaskLedger
}

type ledgerStore struct {
	*postgres.RecordRepository
	*postgres.TaskLedger
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pipelineMetrics := metrics.NewPipelineMetrics(serviceName)
	files := localfs.New(cfg.MaxFileBytes)

	ocrClient := httpocr.New(cfg.OCRURL, httpocr.Options{
		Timeout:            cfg.ExtractTimeout,
		RateLimit:          cfg.OCRRateLimit,
		ResilienceExecutor: resilience.NewExecutor(adapterPolicy()),
	})
	extractor := router.New(
		files,
		plaintext.NewExtractor(files),
		ocrimage.NewExtractor(files, ocrClient, cfg.OCRMaxDimension, cfg.LowConfidenceThreshold),
		ocrpdf.NewExtractor(files, ocrClient, ocrClient, cfg.LowConfidenceThreshold),
	)

	classifier, err := rules.New(cfg.Profiles, cfg.Rules, cfg.MaxPriority)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("init classifier: %w", err)
	}

	backend, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		RequestTimeout:     cfg.DispatchTimeout,
		ResilienceExecutor: resilience.NewExecutor(adapterPolicy()),
	})
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("init compute backend: %w", err)
	}

	extractRetrier := resilience.NewRetrier(resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    cfg.MaxExtractAttempts,
		RetryInitialBackoff: cfg.RetryInitialBackoff,
		RetryMaxBackoff:     cfg.RetryMaxBackoff,
		AttemptTimeout:      cfg.ExtractTimeout,
	}), nil)
	dispatchRetrier := resilience.NewRetrier(resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    cfg.MaxDispatchAttempts,
		RetryInitialBackoff: cfg.RetryInitialBackoff,
		RetryMaxBackoff:     cfg.RetryMaxBackoff,
		AttemptTimeout:      cfg.DispatchTimeout,
	}), nil)

	lifecycle := usecase.NewLifecycleManager(st, files, pipelineMetrics, usecase.Layout{Root: cfg.Root})
	dispatcher := usecase.NewDispatcher(st, backend, dispatchRetrier, pipelineMetrics)
	processUC := usecase.NewProcessFileUseCase(lifecycle, files, extractor, classifier, dispatcher, extractRetrier, pipelineMetrics)

	queue := memory.New(cfg.QueueCapacity, pipelineMetrics)
	pool := worker.New(queue, processUC, pipelineMetrics, cfg.WorkerPoolSize)
	fileWatcher := watcher.New(cfg.WatchedDirectories, queue, lifecycle, watcher.Options{
		MaxWait:      cfg.MaxWaitTime,
		ScanInterval: cfg.ScanInterval,
		Metrics:      pipelineMetrics,
		MaxPending:   cfg.QueueCapacity,
	})

	admin := &http.Server{
		Addr:         ":" + cfg.AdminPort,
		Handler:      httpadapter.NewRouter(st, backend, pipelineMetrics.Handler(), pipelineMetrics.Middleware).Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &App{
		Config:    cfg,
		Lifecycle: lifecycle,

		queue:   queue,
		pool:    pool,
		watcher: fileWatcher,
		admin:   admin,

		closeFn: func() {
			backend.Close()
			closeStore()
		},
	}, nil
}

// Run resumes unfinished files, then serves until ctx is cancelled. In-flight
// files are finished before Run returns.
func (a *App) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	recovered, err := a.Lifecycle.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	slog.Info("recovery_finished", "resumed", len(recovered))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.pool.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, ev := range recovered {
			if _, err := a.queue.Enqueue(ctx, ev); err != nil {
				slog.Warn("recovered_enqueue_failed", "file", ev.FilePath, "error", err)
				return
			}
		}
	}()

	watchErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchErr <- a.watcher.Run(ctx)
	}()

	go func() {
		slog.Info("admin_listening", "addr", a.admin.Addr)
		if err := a.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin_server_failed", "error", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-watchErr:
		slog.Error("watcher_stopped", "error", runErr)
	}
	cancel()
	slog.Info("shutdown_started")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := a.admin.Shutdown(shutdownCtx); err != nil {
		slog.Warn("admin_shutdown_failed", "error", err)
	}

	wg.Wait()
	a.queue.Close()
	slog.Info("shutdown_finished")
	if runErr == nil {
		select {
		case runErr = <-watchErr:
		default:
		}
	}
	return runErr
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func openStore(ctx context.Context, cfg config.Config) (store, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		repo := postgres.NewRecordRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return ledgerStore{RecordRepository: repo, TaskLedger: postgres.NewTaskLedger(db)}, func() { _ = db.Close() }, nil
	default:
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	}
}

// Adapters trip their breaker per call and leave retries to the use cases.
func adapterPolicy() resilience.Config {
	cfg := resilience.DefaultConfig()
	cfg.RetryMaxAttempts = 1
	return cfg
}
