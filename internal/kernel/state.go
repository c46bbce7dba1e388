package kernel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/status"
)

// State is a point-in-time copy of a kernel's state.
type State struct {
	ID            string                     `json:"id"`
	TenantID      string                     `json:"tenant_id"`
	CorrelationID string                     `json:"correlation_id,omitempty"`
	JobID         string                     `json:"job_id,omitempty"`
	ContextData   map[string]json.RawMessage `json:"context_data"`
	StateData     map[string]json.RawMessage `json:"state_data"`
	Status        status.Status              `json:"status"`
	StartTime     time.Time                  `json:"start_time,omitzero"`
	EventCount    int                        `json:"event_count"`
	Quotas        Quotas                     `json:"quotas"`
	// PendingOperations is the number of fingerprints in the idempotency
	// ledger.
	PendingOperations int `json:"pending_operations"`
}

// pendingEvent is a queued event captured in a snapshot.
type pendingEvent struct {
	Event    event.Event `json:"event"`
	Priority int         `json:"priority,omitempty"`
}

// document is the snapshot state of a kernel. Its top-level keys are the
// unit of delta encoding.
type document struct {
	ID            string                     `json:"id"`
	TenantID      string                     `json:"tenant_id"`
	CorrelationID string                     `json:"correlation_id,omitempty"`
	JobID         string                     `json:"job_id,omitempty"`
	Status        status.Status              `json:"status"`
	Reason        string                     `json:"reason,omitempty"`
	Context       map[string]json.RawMessage `json:"context"`
	State         map[string]json.RawMessage `json:"state"`
	EventCount    int                        `json:"event_count"`
	Elapsed       time.Duration              `json:"elapsed"`
	Quotas        Quotas                     `json:"quotas"`
	Operations    []string                   `json:"operations,omitempty"`
	Pending       []pendingEvent             `json:"pending,omitempty"`
}

func dataSize(m map[string]json.RawMessage) int64 {
	var n int64
	for k, v := range m {
		n += int64(len(k) + len(v))
	}
	return n
}

type scopeKey struct{}

// Scope is handed to handlers through their context. It reads and writes
// the kernel's context and state data and emits follow-up events caused by
// the event being handled.
type Scope struct {
	k  *Kernel
	ev event.Event
}

// ScopeFrom returns the scope of the dispatch ctx belongs to.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok
}

func withScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// Event is the event being handled.
func (s *Scope) Event() event.Event { return s.ev }

// ExecutionID returns the kernel id.
func (s *Scope) ExecutionID() string { return s.k.cfg.ID }

// TenantID returns the kernel tenant.
func (s *Scope) TenantID() string { return s.k.cfg.TenantID }

// Get decodes state key into v. Reports false when the key is absent.
func (s *Scope) Get(key string, v any) (bool, error) {
	return s.k.get(func(st *State) map[string]json.RawMessage { return st.StateData }, key, v)
}

// Set stores v as JSON under state key.
func (s *Scope) Set(key string, v any) error {
	return s.k.set(func(st *State) map[string]json.RawMessage { return st.StateData }, key, v)
}

// Delete removes state key.
func (s *Scope) Delete(key string) {
	s.k.del(func(st *State) map[string]json.RawMessage { return st.StateData }, key)
}

// Context decodes context key into v. Reports false when the key is absent.
func (s *Scope) Context(key string, v any) (bool, error) {
	return s.k.get(func(st *State) map[string]json.RawMessage { return st.ContextData }, key, v)
}

// SetContext stores v as JSON under context key.
func (s *Scope) SetContext(key string, v any) error {
	return s.k.set(func(st *State) map[string]json.RawMessage { return st.ContextData }, key, v)
}

// Emit queues an event caused by the one being handled. It inherits tenant,
// execution, correlation, thread and delivery guarantee, and extends the
// causal lineage so loops are detected.
func (s *Scope) Emit(ctx context.Context, typ string, data any, opts event.EmitOptions) (event.EmitResult, error) {
	ev, err := event.Derive(s.ev, typ, data, opts)
	if err != nil {
		return event.EmitResult{Err: err}, err
	}
	return s.k.enqueue(ctx, ev, opts)
}

// RequestPause asks the kernel to pause after the current dispatch.
func (s *Scope) RequestPause(reason string) bool {
	return s.k.RequestPause(reason)
}

func cloneData(m map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
