package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/file-bridge/internal/core/domain"
)

type harness struct {
	store     *memStore
	fs        *memFS
	extractor *scriptedExtractor
	backend   *scriptedBackend
	metrics   *countingMetrics
	lifecycle *LifecycleManager
	uc        *ProcessFileUseCase
}

func newHarness(extractor *scriptedExtractor, backend *scriptedBackend) *harness {
	h := &harness{
		store:     newMemStore(),
		fs:        newMemFS(),
		extractor: extractor,
		backend:   backend,
		metrics:   newCountingMetrics(),
	}
	h.lifecycle = NewLifecycleManager(h.store, h.fs, h.metrics, Layout{Root: "/bridge"})
	dispatcher := NewDispatcher(h.store, backend, loopRetrier{attempts: 4}, h.metrics)
	h.uc = NewProcessFileUseCase(h.lifecycle, h.fs, extractor, lowConfidenceClassifier{}, dispatcher, loopRetrier{attempts: 3}, h.metrics)
	return h
}

func docEvent(name string) domain.IngestEvent {
	return domain.IngestEvent{
		FilePath: "/bridge/pending/document/" + name,
		RelPath:  name,
		Category: domain.CategoryDocument,
	}
}

func TestProcessNotesTxtEndsInProcessed(t *testing.T) {
	h := newHarness(&scriptedExtractor{results: []domain.ExtractionResult{{Text: "Meeting notes", Method: domain.MethodDirectRead, Confidence: 1}}}, &scriptedBackend{})
	ev := docEvent("notes.txt")
	h.fs.put(ev.FilePath, "Meeting notes")

	if err := h.uc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if !h.fs.has("/bridge/processed/document/notes.txt") || h.fs.has(ev.FilePath) {
		t.Fatalf("expected file in processed/document, files=%v", h.fs.files)
	}
	rec := h.store.record(ev.FilePath)
	if rec.State != domain.StateProcessed || rec.ProfileID != domain.DefaultProfileID {
		t.Fatalf("unexpected record %+v", rec)
	}
	if h.backend.calls() != 1 {
		t.Fatalf("expected one submission, got %d", h.backend.calls())
	}
	task := h.backend.tasks[0]
	if task.TaskID != rec.TaskID || task.PayloadText != "Meeting notes" || task.Priority != 5 {
		t.Fatalf("unexpected task %+v", task)
	}
	if got := h.store.tasks[rec.TaskID].Status; got != domain.TaskStatusAcknowledged {
		t.Fatalf("expected acknowledged ledger entry, got %s", got)
	}
	want := []domain.FileState{domain.StateDetected, domain.StateExtracting, domain.StateClassifying, domain.StateDispatching, domain.StateProcessed}
	if len(h.store.saves) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, h.store.saves)
	}
	for i := range want {
		if h.store.saves[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, h.store.saves)
		}
	}
	if h.metrics.terminal[domain.StateProcessed] != 1 || h.metrics.extraction[ExtractionSuccess] != 1 {
		t.Fatalf("unexpected metrics %+v", h.metrics)
	}
}

func TestProcessLowConfidenceImageStillDispatches(t *testing.T) {
	extractor := &scriptedExtractor{results: []domain.ExtractionResult{{Text: "scrawl", Method: domain.MethodOCRImage, Confidence: 0.12, LowConfidence: true}}}
	h := newHarness(extractor, &scriptedBackend{})
	ev := domain.IngestEvent{FilePath: "/bridge/pending/image/scan.jpg", RelPath: "scan.jpg", Category: domain.CategoryImage}
	h.fs.put(ev.FilePath, "jpeg")

	if err := h.uc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !h.fs.has("/bridge/processed/image/scan.jpg") {
		t.Fatalf("expected file in processed/image, files=%v", h.fs.files)
	}
	task := h.backend.tasks[0]
	if task.ProfileID != "needs-review" || task.Priority != 1 || !task.LowConfidence {
		t.Fatalf("unexpected task %+v", task)
	}
	rec := h.store.record(ev.FilePath)
	if rec.Extraction == nil || !rec.Extraction.LowConfidence {
		t.Fatalf("expected low-confidence extraction on record, got %+v", rec.Extraction)
	}
	if h.metrics.extraction[ExtractionLowConfidence] != 1 {
		t.Fatalf("expected low-confidence outcome metric, got %v", h.metrics.extraction)
	}
}

func TestProcessPermanentExtractionFailureWritesSidecar(t *testing.T) {
	unsupported := domain.WrapError(domain.ErrUnsupported, "decode document", errors.New("binary content"))
	h := newHarness(&scriptedExtractor{errs: []error{unsupported}}, &scriptedBackend{})
	ev := docEvent("blob.txt")
	h.fs.put(ev.FilePath, "\x00\x01")

	if err := h.uc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if h.extractor.calls != 1 {
		t.Fatalf("permanent failure must not be retried, calls=%d", h.extractor.calls)
	}
	rec := h.store.record(ev.FilePath)
	if rec.State != domain.StateFailed || rec.FailureReason != domain.ReasonExtractionPermanent {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !h.fs.has("/bridge/failed/document/blob.txt") {
		t.Fatalf("expected file in failed/document, files=%v", h.fs.files)
	}
	sidecar, ok := h.fs.sidecars["/bridge/failed/document/blob.txt.error.json"].(ErrorSidecar)
	if !ok {
		t.Fatalf("expected sidecar, got %v", h.fs.sidecars)
	}
	if sidecar.Reason != domain.ReasonExtractionPermanent || sidecar.Attempts != 1 || len(sidecar.History) != 1 {
		t.Fatalf("unexpected sidecar %+v", sidecar)
	}
	if h.backend.calls() != 0 {
		t.Fatalf("failed extraction must not dispatch")
	}
}

func TestProcessTransientExtractionExhaustsRetries(t *testing.T) {
	temporary := domain.WrapError(domain.ErrTemporary, "ocr", errors.New("503"))
	h := newHarness(&scriptedExtractor{errs: []error{temporary, temporary, temporary}}, &scriptedBackend{})
	ev := docEvent("slow.txt")
	h.fs.put(ev.FilePath, "x")

	if err := h.uc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	rec := h.store.record(ev.FilePath)
	if rec.State != domain.StateFailed || rec.FailureReason != domain.ReasonExtractionTransient {
		t.Fatalf("unexpected record %+v", rec)
	}
	if h.extractor.calls != 3 || rec.Attempts != 3 || len(rec.History) != 3 {
		t.Fatalf("expected 3 recorded attempts, calls=%d attempts=%d history=%d", h.extractor.calls, rec.Attempts, len(rec.History))
	}
	if rec.History[2].Attempt != 3 || rec.History[0].ID == "" {
		t.Fatalf("unexpected history %+v", rec.History)
	}
}

func TestProcessTransientExtractionRecovers(t *testing.T) {
	temporary := domain.WrapError(domain.ErrTemporary, "ocr", errors.New("503"))
	h := newHarness(&scriptedExtractor{errs: []error{temporary, nil}}, &scriptedBackend{})
	ev := docEvent("flaky.txt")
	h.fs.put(ev.FilePath, "x")

	if err := h.uc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if rec := h.store.record(ev.FilePath); rec.State != domain.StateProcessed || rec.Attempts != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestProcessDispatchRejectionFailsPermanently(t *testing.T) {
	h := newHarness(&scriptedExtractor{}, &scriptedBackend{acks: []domain.SubmitAck{{Accepted: false, Reason: "unknown template"}}})
	ev := docEvent("odd.txt")
	h.fs.put(ev.FilePath, "x")

	if err := h.uc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	rec := h.store.record(ev.FilePath)
	if rec.State != domain.StateFailed || rec.FailureReason != domain.ReasonDispatchPermanent {
		t.Fatalf("unexpected record %+v", rec)
	}
	if h.backend.calls() != 1 {
		t.Fatalf("rejection must not be retried, calls=%d", h.backend.calls())
	}
	if got := h.store.tasks[rec.TaskID]; got.Status != domain.TaskStatusRejected || got.Reason != "unknown template" {
		t.Fatalf("unexpected ledger entry %+v", got)
	}
}

func TestProcessDispatchOutageFailsTransient(t *testing.T) {
	outage := domain.WrapError(domain.ErrTemporary, "nats submit", errors.New("no responders"))
	h := newHarness(&scriptedExtractor{}, &scriptedBackend{errs: []error{outage, outage, outage, outage}})
	ev := docEvent("queued.txt")
	h.fs.put(ev.FilePath, "x")

	if err := h.uc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	rec := h.store.record(ev.FilePath)
	if rec.State != domain.StateFailed || rec.FailureReason != domain.ReasonDispatchTransient {
		t.Fatalf("unexpected record %+v", rec)
	}
	if h.backend.calls() != 4 {
		t.Fatalf("expected 4 attempts, got %d", h.backend.calls())
	}
	for _, task := range h.backend.tasks {
		if task.TaskID != rec.TaskID {
			t.Fatalf("retries must reuse the task id")
		}
	}
	if h.metrics.dispatch[DispatchRetried] != 3 {
		t.Fatalf("expected 3 retries, got %v", h.metrics.dispatch)
	}
}

func TestProcessReExtractsRecordLeftInExtracting(t *testing.T) {
	h := newHarness(&scriptedExtractor{}, &scriptedBackend{})
	ev := docEvent("crash.txt")
	h.fs.put(ev.FilePath, "content")
	hash, _ := h.fs.Hash(context.Background(), ev.FilePath)
	h.store.records[ev.FilePath] = domain.FileRecord{
		FilePath:    ev.FilePath,
		RelPath:     ev.RelPath,
		Category:    ev.Category,
		State:       domain.StateExtracting,
		ContentHash: hash,
	}

	if err := h.uc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if h.extractor.calls != 1 {
		t.Fatalf("expected re-extraction, calls=%d", h.extractor.calls)
	}
	if rec := h.store.record(ev.FilePath); rec.State != domain.StateProcessed {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestProcessDoesNotResubmitAcknowledgedTask(t *testing.T) {
	h := newHarness(&scriptedExtractor{}, &scriptedBackend{})
	ev := docEvent("restart.txt")
	h.fs.put(ev.FilePath, "content")
	hash, _ := h.fs.Hash(context.Background(), ev.FilePath)
	taskID := domain.TaskID(ev.FilePath, hash)
	h.store.records[ev.FilePath] = domain.FileRecord{
		FilePath:    ev.FilePath,
		RelPath:     ev.RelPath,
		Category:    ev.Category,
		State:       domain.StateDispatching,
		ContentHash: hash,
		TaskID:      taskID,
		Extraction:  &domain.ExtractionResult{Text: "content", Confidence: 1},
	}
	h.store.tasks[taskID] = domain.DispatchTask{TaskID: taskID, Status: domain.TaskStatusAcknowledged}

	if err := h.uc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if h.backend.calls() != 0 || h.extractor.calls != 0 {
		t.Fatalf("expected no extraction or submission, extract=%d submit=%d", h.extractor.calls, h.backend.calls())
	}
	if rec := h.store.record(ev.FilePath); rec.State != domain.StateProcessed {
		t.Fatalf("unexpected record %+v", rec)
	}
	if h.metrics.dispatch[DispatchDuplicate] != 1 {
		t.Fatalf("expected duplicate metric, got %v", h.metrics.dispatch)
	}
}

func TestProcessResumesClassifyingFromPersistedExtraction(t *testing.T) {
	h := newHarness(&scriptedExtractor{}, &scriptedBackend{})
	ev := docEvent("halfway.txt")
	h.fs.put(ev.FilePath, "content")
	hash, _ := h.fs.Hash(context.Background(), ev.FilePath)
	h.store.records[ev.FilePath] = domain.FileRecord{
		FilePath:    ev.FilePath,
		RelPath:     ev.RelPath,
		Category:    ev.Category,
		State:       domain.StateClassifying,
		ContentHash: hash,
		Extraction:  &domain.ExtractionResult{Text: "persisted", Confidence: 1},
	}

	if err := h.uc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if h.extractor.calls != 0 {
		t.Fatalf("expected persisted extraction to be reused")
	}
	if h.backend.tasks[0].PayloadText != "persisted" {
		t.Fatalf("unexpected payload %q", h.backend.tasks[0].PayloadText)
	}
}

func TestProcessRelocatesDuplicateOfResolvedFile(t *testing.T) {
	h := newHarness(&scriptedExtractor{}, &scriptedBackend{})
	ev := docEvent("again.txt")
	h.fs.put(ev.FilePath, "same")
	h.fs.put("/bridge/processed/document/again.txt", "same")
	hash, _ := h.fs.Hash(context.Background(), ev.FilePath)
	h.store.records[ev.FilePath] = domain.FileRecord{
		FilePath:    ev.FilePath,
		RelPath:     ev.RelPath,
		Category:    ev.Category,
		State:       domain.StateProcessed,
		ContentHash: hash,
	}

	if err := h.uc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if h.extractor.calls != 0 || h.backend.calls() != 0 {
		t.Fatalf("duplicate content must not be processed again")
	}
	if h.fs.has(ev.FilePath) || !h.fs.has("/bridge/processed/document/again.txt-1") {
		t.Fatalf("expected collision-safe relocation, files=%v", h.fs.files)
	}
}

func TestProcessReingestsChangedContent(t *testing.T) {
	h := newHarness(&scriptedExtractor{}, &scriptedBackend{})
	ev := docEvent("report.txt")
	h.fs.put(ev.FilePath, "version 2")
	h.store.records[ev.FilePath] = domain.FileRecord{
		FilePath:      ev.FilePath,
		RelPath:       ev.RelPath,
		Category:      ev.Category,
		State:         domain.StateFailed,
		ContentHash:   "old-hash",
		FailureReason: domain.ReasonExtractionPermanent,
		Attempts:      3,
	}

	if err := h.uc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	rec := h.store.record(ev.FilePath)
	if rec.State != domain.StateProcessed || rec.Attempts != 0 || rec.FailureReason != "" {
		t.Fatalf("expected a fresh processed record, got %+v", rec)
	}
}

func TestProcessRetriesRedroppedFileAfterTransientFailure(t *testing.T) {
	h := newHarness(&scriptedExtractor{}, &scriptedBackend{})
	ev := docEvent("outage.txt")
	h.fs.put(ev.FilePath, "same content")
	hash, _ := h.fs.Hash(context.Background(), ev.FilePath)
	h.store.records[ev.FilePath] = domain.FileRecord{
		FilePath:      ev.FilePath,
		RelPath:       ev.RelPath,
		Category:      ev.Category,
		State:         domain.StateFailed,
		ContentHash:   hash,
		FailureReason: domain.ReasonDispatchTransient,
		Attempts:      4,
	}

	if err := h.uc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	rec := h.store.record(ev.FilePath)
	if rec.State != domain.StateProcessed || rec.Attempts != 0 {
		t.Fatalf("expected a fresh attempt to succeed, got %+v", rec)
	}
	if h.extractor.calls != 1 || h.backend.calls() != 1 {
		t.Fatalf("expected one extraction and one submit, got %d/%d", h.extractor.calls, h.backend.calls())
	}
	if !h.fs.has("/bridge/processed/document/outage.txt") {
		t.Fatalf("expected file in processed tree, files=%v", h.fs.files)
	}
}

func TestProcessIgnoresVanishedFile(t *testing.T) {
	h := newHarness(&scriptedExtractor{}, &scriptedBackend{})
	if err := h.uc.Process(context.Background(), docEvent("gone.txt")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(h.store.records) != 0 {
		t.Fatalf("expected no record for a vanished file")
	}
}

type panickingExtractor struct{}

func (panickingExtractor) Extract(context.Context, domain.IngestEvent) (domain.ExtractionResult, error) {
	panic("boom")
}

func TestProcessFailsFileOnPanic(t *testing.T) {
	h := newHarness(&scriptedExtractor{}, &scriptedBackend{})
	h.uc.extractor = panickingExtractor{}
	ev := docEvent("panic.txt")
	h.fs.put(ev.FilePath, "x")

	if err := h.uc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if rec := h.store.record(ev.FilePath); rec.State != domain.StateFailed {
		t.Fatalf("expected failed record after panic, got %+v", rec)
	}
}
