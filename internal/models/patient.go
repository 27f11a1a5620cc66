package models

import "time"

// Status is the closed set of queue states a patient can be in. Every
// status fixes which window assignments are legal; the mapping lives in
// the store transition table.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusCalled     Status = "called"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusRequeue    Status = "requeue"
	StatusDispensary Status = "dispensary"
)

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusCalled, StatusInProgress, StatusCompleted, StatusRequeue, StatusDispensary:
		return true
	}
	return false
}

type Patient struct {
	PatientID      string          `json:"patient_id"`
	TenantID       string          `json:"tenant_id,omitempty"`
	Number         int             `json:"number"`
	Name           string          `json:"name,omitempty"`
	Status         Status          `json:"status"`
	WindowID       *string         `json:"window_id,omitempty"`
	LastWindowID   *string         `json:"last_window_id,omitempty"`
	IsPriority     bool            `json:"is_priority"`
	PriorityReason string          `json:"priority_reason,omitempty"`
	RequeueReason  string          `json:"requeue_reason,omitempty"`
	RegisteredAt   time.Time       `json:"registered_at"`
	CalledAt       *time.Time      `json:"called_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Tracking       []TrackingEntry `json:"tracking,omitempty"`
}

// TrackingEntry is one row of a patient's append-only audit trail. Entries
// are only ever appended, never rewritten.
type TrackingEntry struct {
	At      time.Time `json:"at"`
	Action  string    `json:"action"`
	Context string    `json:"context,omitempty"`
}
