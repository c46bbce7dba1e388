package http

import (
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/bus"
	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/queue"
	"github.com/fyrsmithlabs/runtimed/internal/runtime"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version,omitempty"`
	Stats   runtime.Stats `json:"stats"`
}

// ErrorResponse carries the fault code when there is one.
type ErrorResponse struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ReasonRequest is the optional body for pause and cancel.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// PauseResponse is the response body for POST .../pause.
type PauseResponse struct {
	SnapshotID string `json:"snapshot_id"`
}

// ResumeRequest is the body for POST .../resume. Identity fields are only
// needed for executions this process has not seen.
type ResumeRequest struct {
	SnapshotID    string `json:"snapshot_id,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	JobID         string `json:"job_id,omitempty"`
}

// ReprocessRequest selects dead letters to requeue. EventID wins over the
// filter fields; an empty request requeues everything.
type ReprocessRequest struct {
	EventID    string `json:"event_id,omitempty"`
	Type       string `json:"type,omitempty"`
	TypePrefix string `json:"type_prefix,omitempty"`
	ThreadID   string `json:"thread_id,omitempty"`
	Code       string `json:"code,omitempty"`
	// Before is RFC3339.
	Before string `json:"before,omitempty"`
}

// ReprocessResponse reports how many dead letters were requeued.
type ReprocessResponse struct {
	Reprocessed int `json:"reprocessed"`
}

// DeadLetterView is the wire form of a dead letter.
type DeadLetterView struct {
	Event          event.Event    `json:"event"`
	RetryCount     int            `json:"retry_count"`
	Error          *bus.ErrorInfo `json:"error,omitempty"`
	DeadLetteredAt time.Time      `json:"dead_lettered_at"`
}

func newDeadLetterView(dl queue.DeadLetter) DeadLetterView {
	return DeadLetterView{
		Event:          dl.Item.Event,
		RetryCount:     dl.Item.RetryCount,
		Error:          bus.NewErrorInfo(dl.Error),
		DeadLetteredAt: dl.DeadLetteredAt,
	}
}

// StartRequest creates an execution and runs it from Event.
type StartRequest struct {
	ID            string     `json:"id,omitempty"`
	TenantID      string     `json:"tenant_id"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	JobID         string     `json:"job_id,omitempty"`
	Event         StartEvent `json:"event"`
}

// StartEvent is the first event of a new execution.
type StartEvent struct {
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data,omitempty"`
	ThreadID       string          `json:"thread_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}
