package domain

import "time"

type FileState string

const (
	StateDetected    FileState = "detected"
	StateExtracting  FileState = "extracting"
	StateClassifying FileState = "classifying"
	StateDispatching FileState = "dispatching"
	StateProcessed   FileState = "processed"
	StateFailed      FileState = "failed"
)

var ActiveStates = []FileState{StateDetected, StateExtracting, StateClassifying, StateDispatching}

type FailureReason string

const (
	ReasonUnstableFile        FailureReason = "unstable-file"
	ReasonExtractionTransient FailureReason = "extraction-transient"
	ReasonExtractionPermanent FailureReason = "extraction-permanent"
	ReasonDispatchTransient   FailureReason = "dispatch-transient"
	ReasonDispatchPermanent   FailureReason = "dispatch-permanent"
	ReasonSourceMissing       FailureReason = "source-missing"
)

// Retryable reports whether dropping the same content again should run the
// pipeline again. Permanent failures are tied to the content itself.
func (r FailureReason) Retryable() bool {
	switch r {
	case ReasonExtractionPermanent, ReasonDispatchPermanent:
		return false
	default:
		return true
	}
}

type AttemptEntry struct {
	ID      string    `json:"id"`
	Stage   FileState `json:"stage"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// FileRecord is the durable per-path state. CreatedAt is the first time the
// current content was detected.
type FileRecord struct {
	FilePath      string            `json:"file_path"`
	RelPath       string            `json:"rel_path"`
	Category      Category          `json:"category"`
	State         FileState         `json:"state"`
	ContentHash   string            `json:"content_hash,omitempty"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	FailureReason FailureReason     `json:"failure_reason,omitempty"`
	TaskID        string            `json:"task_id,omitempty"`
	ProfileID     string            `json:"profile_id,omitempty"`
	Extraction    *ExtractionResult `json:"extraction,omitempty"`
	History       []AttemptEntry    `json:"history,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (s FileState) IsTerminal() bool {
	return s == StateProcessed || s == StateFailed
}

func (s FileState) IsActive() bool {
	switch s {
	case StateDetected, StateExtracting, StateClassifying, StateDispatching:
		return true
	default:
		return false
	}
}

// CanTransition enforces the lifecycle edges. Self edges on active states
// cover retries and resume after restart; terminal -> detected is a re-ingest.
func CanTransition(from, to FileState) bool {
	if from.IsActive() && (to == StateFailed || to == from || to == StateDetected) {
		return true
	}
	switch from {
	case StateDetected:
		return to == StateExtracting
	case StateExtracting:
		return to == StateClassifying
	case StateClassifying:
		return to == StateDispatching
	case StateDispatching:
		return to == StateProcessed
	case StateProcessed, StateFailed:
		return to == StateDetected
	default:
		return false
	}
}
