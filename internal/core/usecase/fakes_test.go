package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/kirillkom/file-bridge/internal/core/domain"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]domain.FileRecord
	tasks   map[string]domain.DispatchTask
	saves   []domain.FileState
}

func newMemStore() *memStore {
	return &memStore{records: map[string]domain.FileRecord{}, tasks: map[string]domain.DispatchTask{}}
}

func (s *memStore) Get(_ context.Context, path string) (*domain.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[path]
	if !ok {
		return nil, domain.WrapError(domain.ErrRecordNotFound, "get", errors.New(path))
	}
	return &rec, nil
}

func (s *memStore) Save(_ context.Context, rec *domain.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.FilePath] = *rec
	s.saves = append(s.saves, rec.State)
	return nil
}

func (s *memStore) ListByState(_ context.Context, states ...domain.FileState) ([]domain.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.FileRecord{}
	for _, rec := range s.records {
		for _, st := range states {
			if rec.State == st {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func (s *memStore) GetTask(_ context.Context, id string) (*domain.DispatchTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrRecordNotFound, "get task", errors.New(id))
	}
	return &task, nil
}

func (s *memStore) SaveTask(_ context.Context, task *domain.DispatchTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = *task
	return nil
}

func (s *memStore) record(path string) domain.FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[path]
}

// memFS is an in-memory file tree serving as reader and mover.
type memFS struct {
	mu       sync.Mutex
	files    map[string][]byte
	sidecars map[string]any
	moveErr  error
}

func newMemFS() *memFS {
	return &memFS{files: map[string][]byte{}, sidecars: map[string]any{}}
}

func (f *memFS) put(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = []byte(content)
}

func (f *memFS) has(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok
}

func (f *memFS) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.files[path]
	if !ok {
		return nil, domain.WrapError(domain.ErrSourceMissing, "read", errors.New(path))
	}
	return raw, nil
}

func (f *memFS) Hash(ctx context.Context, path string) (string, error) {
	raw, err := f.ReadFile(ctx, path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (f *memFS) Move(_ context.Context, src, dst string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return "", f.moveErr
	}
	raw, ok := f.files[src]
	if !ok {
		return "", domain.WrapError(domain.ErrSourceMissing, "move", errors.New(src))
	}
	target := f.freeNameLocked(dst)
	delete(f.files, src)
	f.files[target] = raw
	return target, nil
}

func (f *memFS) FreeName(_ context.Context, dst string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freeNameLocked(dst), nil
}

func (f *memFS) freeNameLocked(dst string) string {
	target := dst
	for i := 1; ; i++ {
		if _, taken := f.files[target]; !taken {
			return target
		}
		target = dst + "-" + string(rune('0'+i))
	}
}

func (f *memFS) WriteSidecar(_ context.Context, path string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sidecars[path] = payload
	return nil
}

func (f *memFS) Exists(_ context.Context, path string) (bool, error) {
	return f.has(path), nil
}

type scriptedExtractor struct {
	results []domain.ExtractionResult
	errs    []error
	calls   int
}

func (e *scriptedExtractor) Extract(_ context.Context, ev domain.IngestEvent) (domain.ExtractionResult, error) {
	i := e.calls
	e.calls++
	if i < len(e.errs) && e.errs[i] != nil {
		return domain.ExtractionResult{}, e.errs[i]
	}
	if len(e.results) == 0 {
		return domain.ExtractionResult{SourceFile: ev.FilePath, Text: "text", Method: domain.MethodDirectRead, Confidence: 1}, nil
	}
	if i >= len(e.results) {
		i = len(e.results) - 1
	}
	res := e.results[i]
	res.SourceFile = ev.FilePath
	return res, nil
}

type lowConfidenceClassifier struct{}

func (lowConfidenceClassifier) Classify(result domain.ExtractionResult, _ domain.Category) domain.ClassificationProfile {
	if result.LowConfidence {
		return domain.ClassificationProfile{ProfileID: "needs-review", PromptTemplateID: "needs-review", ModelTier: "standard", Priority: 1}
	}
	return domain.ClassificationProfile{ProfileID: domain.DefaultProfileID, PromptTemplateID: "default", ModelTier: "standard", Priority: 5}
}

type scriptedBackend struct {
	mu    sync.Mutex
	acks  []domain.SubmitAck
	errs  []error
	tasks []domain.DispatchTask
}

func (b *scriptedBackend) Submit(_ context.Context, task domain.DispatchTask) (domain.SubmitAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := len(b.tasks)
	b.tasks = append(b.tasks, task)
	if i < len(b.errs) && b.errs[i] != nil {
		return domain.SubmitAck{}, b.errs[i]
	}
	if i < len(b.acks) {
		return b.acks[i], nil
	}
	return domain.SubmitAck{Accepted: true}, nil
}

func (b *scriptedBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

// loopRetrier retries transient errors without sleeping.
type loopRetrier struct {
	attempts int
}

func (r loopRetrier) Do(ctx context.Context, _ string, fn func(context.Context) error) error {
	var err error
	for i := 0; i < r.attempts; i++ {
		err = fn(ctx)
		if err == nil || !domain.IsTransient(err) {
			return err
		}
	}
	return err
}

type countingMetrics struct {
	mu         sync.Mutex
	extraction map[string]int
	dispatch   map[string]int
	terminal   map[domain.FileState]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{extraction: map[string]int{}, dispatch: map[string]int{}, terminal: map[domain.FileState]int{}}
}

func (m *countingMetrics) RecordIngested(domain.Category) {}
func (m *countingMetrics) RecordExtraction(_ domain.Category, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extraction[outcome]++
}
func (m *countingMetrics) RecordDispatch(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatch[outcome]++
}
func (m *countingMetrics) RecordTerminal(_ domain.Category, state domain.FileState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminal[state]++
}
func (m *countingMetrics) ObserveStage(domain.FileState, time.Duration) {}
func (m *countingMetrics) SetQueueDepth(domain.Category, int)           {}
func (m *countingMetrics) WorkerBusy(int)                               {}
