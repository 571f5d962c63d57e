package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kirillkom/file-bridge/internal/core/domain"
	"github.com/kirillkom/file-bridge/internal/core/ports"
)

type Options struct {
	MaxWait      time.Duration
	ScanInterval time.Duration
	Metrics      ports.Metrics
	Detector     *StabilityDetector
	// MaxPending caps files between detection and a successful enqueue.
	// Once reached, the tree loops block until the queue drains.
	MaxPending int
}

// Watcher turns new files in the watched trees into ingest events. Every
// candidate goes through one stability wait at a time.
type Watcher struct {
	dirs     []domain.WatchedDirectory
	queue    ports.WorkQueue
	unstable ports.UnstableFileHandler
	detector *StabilityDetector
	metrics  ports.Metrics

	maxWait      time.Duration
	scanInterval time.Duration

	mu       sync.Mutex
	tracking map[string]struct{}
	waits    sync.WaitGroup
	slots    chan struct{}
}

func New(dirs []domain.WatchedDirectory, queue ports.WorkQueue, unstable ports.UnstableFileHandler, options Options) *Watcher {
	detector := options.Detector
	if detector == nil {
		detector = NewStabilityDetector()
	}
	maxWait := options.MaxWait
	if maxWait <= 0 {
		maxWait = 60 * time.Second
	}
	scanInterval := options.ScanInterval
	if scanInterval <= 0 {
		scanInterval = 30 * time.Second
	}
	maxPending := options.MaxPending
	if maxPending <= 0 {
		maxPending = 16
	}
	return &Watcher{
		dirs:         dirs,
		queue:        queue,
		unstable:     unstable,
		detector:     detector,
		metrics:      options.Metrics,
		maxWait:      maxWait,
		scanInterval: scanInterval,
		tracking:     make(map[string]struct{}),
		slots:        make(chan struct{}, maxPending),
	}
}

// Run blocks until ctx is cancelled and every stability wait has returned.
func (w *Watcher) Run(ctx context.Context) error {
	var trees sync.WaitGroup
	for _, dir := range w.dirs {
		if err := os.MkdirAll(dir.Path, 0o755); err != nil {
			return err
		}
		trees.Add(1)
		go func(dir domain.WatchedDirectory) {
			defer trees.Done()
			w.watchTree(ctx, dir)
		}(dir)
	}
	trees.Wait()
	w.waits.Wait()
	return nil
}

func (w *Watcher) watchTree(ctx context.Context, dir domain.WatchedDirectory) {
	logger := slog.With("directory", dir.Path, "category", string(dir.Category))

	var events <-chan fsnotify.Event
	var errs <-chan error
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watcher_fsnotify_unavailable", "error", err)
	} else {
		defer fsw.Close()
		w.addTree(fsw, dir.Path, logger)
		events, errs = fsw.Events, fsw.Errors
	}

	w.scan(ctx, dir, dir.Path)

	ticker := time.NewTicker(w.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx, dir, dir.Path)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if isHidden(filepath.Base(ev.Name)) {
					continue
				}
				w.addTree(fsw, ev.Name, logger)
				w.scan(ctx, dir, ev.Name)
				continue
			}
			w.consider(ctx, dir, ev.Name)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("watcher_event_error", "error", err)
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.scan(ctx, dir, dir.Path)
			}
		}
	}
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string, logger *slog.Logger) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			logger.Warn("watcher_add_failed", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) scan(ctx context.Context, dir domain.WatchedDirectory, root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if path != root && isHidden(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		w.consider(ctx, dir, path)
		return nil
	})
}

func (w *Watcher) consider(ctx context.Context, dir domain.WatchedDirectory, path string) {
	name := filepath.Base(path)
	if isHidden(name) || !matchesGlobs(dir.FileGlobs, name) {
		return
	}
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	w.mu.Lock()
	if _, ok := w.tracking[path]; ok {
		w.mu.Unlock()
		return
	}
	w.tracking[path] = struct{}{}
	w.mu.Unlock()

	// Blocks the tree loop while the queue is full.
	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		w.untrack(path)
		return
	}

	w.waits.Add(1)
	go func() {
		defer w.waits.Done()
		defer func() { <-w.slots }()
		defer w.untrack(path)
		w.awaitAndEnqueue(ctx, dir, path)
	}()
}

func (w *Watcher) awaitAndEnqueue(ctx context.Context, dir domain.WatchedDirectory, path string) {
	rel, err := filepath.Rel(dir.Path, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	ev := domain.IngestEvent{
		FilePath:   path,
		RelPath:    rel,
		Category:   dir.Category,
		DetectedAt: time.Now().UTC(),
	}

	info, err := w.detector.WaitStable(ctx, path, dir.StabilityWindow, w.maxWait)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return
	case domain.IsKind(err, domain.ErrSourceMissing):
		slog.Debug("watcher_file_vanished", "file", path)
		return
	case domain.IsKind(err, domain.ErrUnstableFile):
		slog.Warn("watcher_file_unstable", "file", path, "max_wait_ms", w.maxWait.Milliseconds())
		if w.unstable != nil {
			if failErr := w.unstable.FailUnstable(ctx, ev, err); failErr != nil {
				slog.Error("watcher_fail_unstable_failed", "file", path, "error", failErr)
			}
		}
		return
	default:
		slog.Warn("watcher_stat_failed", "file", path, "error", err)
		return
	}

	ev.SizeBytes = info.Size()
	queued, err := w.queue.Enqueue(ctx, ev)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("watcher_enqueue_failed", "file", path, "error", err)
		}
		return
	}
	if queued {
		if w.metrics != nil {
			w.metrics.RecordIngested(dir.Category)
		}
		slog.Info("file_enqueued", "file", path, "category", string(dir.Category), "size_bytes", ev.SizeBytes)
	}
}

func (w *Watcher) untrack(path string) {
	w.mu.Lock()
	delete(w.tracking, path)
	w.mu.Unlock()
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func matchesGlobs(globs []string, name string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if ok, _ := filepath.Match(g, name); ok {
			return true
		}
	}
	return false
}
