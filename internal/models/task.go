package models

import (
	"time"

	"github.com/google/uuid"
)

// Mode selects the kind of generation a task performs.
type Mode string

const (
	ModeTextToVideo  Mode = "text-to-video"
	ModeImageToVideo Mode = "image-to-video"
)

// TaskState is the orchestrator's provider-independent task state.
type TaskState string

const (
	TaskReserved  TaskState = "Reserved"
	TaskSubmitted TaskState = "Submitted"
	TaskRunning   TaskState = "Running"
	TaskSucceeded TaskState = "Succeeded"
	TaskFailed    TaskState = "Failed"
	TaskTimedOut  TaskState = "TimedOut"
	TaskRefunded  TaskState = "Refunded"
)

// IsTerminal returns true if no further state transitions are possible.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskTimedOut, TaskRefunded:
		return true
	}
	return false
}

// Settlement tracks what happened to a task's credit reservation.
const (
	SettlementPending   = "pending"
	SettlementCommitted = "committed"
	SettlementRefunded  = "refunded"
)

// Failure kinds surfaced to callers so "it failed" and "we gave up waiting"
// stay distinguishable.
const (
	FailureProviderRejected = "provider_rejected"
	FailureProvider         = "provider_failure"
	FailureTimeout          = "timeout"
)

type GenerationTask struct {
	ID              uuid.UUID  `json:"id"`
	ProviderTaskID  string     `json:"provider_task_id,omitempty"`
	AccountID       string     `json:"account_id"`
	Provider        string     `json:"provider"`
	Mode            Mode       `json:"mode"`
	Prompt          string     `json:"prompt"`
	ImageURL        string     `json:"image_url,omitempty"`
	AspectRatio     string     `json:"aspect_ratio,omitempty"`
	CreditsReserved int64      `json:"credits_reserved"`
	ReservationID   uuid.UUID  `json:"reservation_id"`
	State           TaskState  `json:"state"`
	Settlement      string     `json:"settlement"`
	FailureKind     string     `json:"failure_kind,omitempty"`
	ResultURL       *string    `json:"result_url,omitempty"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	PollAttempts    int        `json:"poll_attempts"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastPolledAt    *time.Time `json:"last_polled_at,omitempty"`
}

// Clone returns a deep copy so stores can hand out tasks without sharing
// pointer fields.
func (t *GenerationTask) Clone() *GenerationTask {
	cp := *t
	if t.ResultURL != nil {
		v := *t.ResultURL
		cp.ResultURL = &v
	}
	if t.FailureReason != nil {
		v := *t.FailureReason
		cp.FailureReason = &v
	}
	if t.LastPolledAt != nil {
		v := *t.LastPolledAt
		cp.LastPolledAt = &v
	}
	return &cp
}
