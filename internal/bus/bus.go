// Package bus carries runtime notifications to observability sinks.
//
// A Sink receives one Notification per noteworthy kernel occurrence: status
// changes, failed dispatches, dead letters, quota breaches and snapshots.
// Sinks must not block dispatch for long; a slow sink slows its kernel.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/faults"
)

// Kind names a notification.
type Kind string

const (
	KindStatusChanged   Kind = "status"
	KindDispatched      Kind = "dispatched"
	KindDispatchFailed  Kind = "failed"
	KindDeadLettered    Kind = "dead_lettered"
	KindQuotaExceeded   Kind = "quota_exceeded"
	KindSnapshotCreated Kind = "snapshot"
	KindLoopDetected    Kind = "loop_detected"
)

// ErrorInfo is the wire form of a faults.Error.
type ErrorInfo struct {
	Code        faults.Code `json:"code"`
	Message     string      `json:"message"`
	Retryable   bool        `json:"retryable"`
	Recoverable bool        `json:"recoverable"`
}

// NewErrorInfo converts err, returning nil for a nil error.
func NewErrorInfo(err error) *ErrorInfo {
	fe := faults.Normalize(err)
	if fe == nil {
		return nil
	}
	return &ErrorInfo{
		Code:        fe.Code,
		Message:     fe.Error(),
		Retryable:   fe.Retryable,
		Recoverable: fe.Recoverable,
	}
}

// Notification is a single observable occurrence within an execution.
type Notification struct {
	Kind          Kind            `json:"kind"`
	TenantID      string          `json:"tenant_id"`
	ExecutionID   string          `json:"execution_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	EventID       string          `json:"event_id,omitempty"`
	EventType     string          `json:"event_type,omitempty"`
	Status        string          `json:"status,omitempty"`
	SnapshotID    string          `json:"snapshot_id,omitempty"`
	Error         *ErrorInfo      `json:"error,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Sink receives notifications.
type Sink interface {
	Publish(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

// Publish implements Sink.
func (Nop) Publish(context.Context, Notification) error { return nil }

// Multi fans a notification out to every sink and returns the first error.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(ctx context.Context, n Notification) error {
	var first error
	for _, s := range m {
		if err := s.Publish(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
