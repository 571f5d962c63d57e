package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusSubmitted    TaskStatus = "submitted"
	TaskStatusAcknowledged TaskStatus = "acknowledged"
	TaskStatusRejected     TaskStatus = "rejected"
)

type DispatchTask struct {
	TaskID           string     `json:"task_id"`
	FilePath         string     `json:"file_path"`
	ProfileID        string     `json:"profile_id"`
	PromptTemplateID string     `json:"prompt_template_id"`
	ModelTier        string     `json:"model_tier"`
	Priority         int        `json:"priority"`
	PayloadText      string     `json:"payload_text"`
	LowConfidence    bool       `json:"low_confidence"`
	Status           TaskStatus `json:"status"`
	Attempts         int        `json:"attempts"`
	Reason           string     `json:"reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// SubmitAck is the backend's answer to a submission. Accepted=false with a
// reason is a permanent rejection.
type SubmitAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// TaskID is the idempotency key of a dispatch: identical content at the same
// path always yields the same id.
func TaskID(filePath, contentHash string) string {
	sum := sha256.Sum256([]byte(filePath + "\x00" + contentHash))
	return hex.EncodeToString(sum[:])
}
