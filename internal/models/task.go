package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current status of a task.
type TaskStatus string

// const ...
const (
	TaskStatusPending TaskStatus = "PENDING"
	TaskStatusStarted TaskStatus = "STARTED"
	TaskStatusSuccess TaskStatus = "SUCCESS"
	TaskStatusFailure TaskStatus = "FAILURE"
	TaskStatusRevoked TaskStatus = "REVOKED"
)

// Terminal reports whether the status is final. Terminal statuses are
// sticky: a later write never overwrites a terminal record for the
// same task id.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailure || s == TaskStatusRevoked
}

// Failure reason codes recorded alongside TaskStatusFailure.
const (
	ReasonUnknownTaskType = "UnknownTaskType"
	ReasonHandlerError    = "HandlerError"
	ReasonTimeout         = "Timeout"
	ReasonContextInit     = "ContextInitError"
	ReasonExpired         = "Expired"
)

// TaskMessage is the wire format moved through the broker. Every field
// must survive a JSON round trip; no live object references.
type TaskMessage struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Args       []any          `json:"args"`
	Kwargs     map[string]any `json:"kwargs"`
	ETA        *time.Time     `json:"eta,omitempty"`
	Expires    *time.Time     `json:"expires,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Expired reports whether the message's expiry bound has passed.
func (m *TaskMessage) Expired(now time.Time) bool {
	return m.Expires != nil && m.Expires.Before(now)
}

// ControlSignal ...
type ControlSignal string

// const ...
const (
	ControlSignalRevoke    ControlSignal = "REVOKE"
	ControlSignalTerminate ControlSignal = "TERMINATE"
)

// ControlMessage asks workers to stop work on a task.
type ControlMessage struct {
	TaskID    string        `json:"task_id"`
	Signal    ControlSignal `json:"signal"`
	CreatedAt time.Time     `json:"created_at"`
}

// TaskRecord is the result-store view of a task. The result store is
// the single source of truth for terminal state.
type TaskRecord struct {
	TaskID        string          `json:"task_id"`
	Type          string          `json:"type"`
	Status        TaskStatus      `json:"status"`
	Version       int64           `json:"version"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	FailureDetail string          `json:"failure_detail,omitempty"`
	Worker        string          `json:"worker,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TaskSummary describes an in-flight or scheduled task for introspection.
type TaskSummary struct {
	TaskID    string     `json:"task_id"`
	Type      string     `json:"type"`
	Worker    string     `json:"worker,omitempty"`
	ETA       *time.Time `json:"eta,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// WorkerInfo is a worker process's periodically published self-description.
type WorkerInfo struct {
	ID          string    `json:"id"`
	Concurrency int       `json:"concurrency"`
	InFlight    []string  `json:"in_flight"`
	Registered  []string  `json:"registered"`
	Processed   uint64    `json:"processed"`
	Recycles    uint64    `json:"recycles"`
	UpdatedAt   time.Time `json:"updated_at"`
}
