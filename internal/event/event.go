// Package event defines the unit of work that flows through the runtime and the
// handler registry that routes it.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// DeliveryGuarantee selects redelivery behavior for an emitted event.
type DeliveryGuarantee string

const (
	// AtMostOnce events are removed from the queue when popped.
	AtMostOnce DeliveryGuarantee = "at-most-once"
	// AtLeastOnce events stay in flight until acknowledged.
	AtLeastOnce DeliveryGuarantee = "at-least-once"
	// ExactlyOnce behaves like AtLeastOnce in the queue; duplicates are
	// absorbed by the kernel's idempotency ledger.
	ExactlyOnce DeliveryGuarantee = "exactly-once"
)

// Valid reports whether g is a known guarantee.
func (g DeliveryGuarantee) Valid() bool {
	switch g {
	case AtMostOnce, AtLeastOnce, ExactlyOnce:
		return true
	}
	return false
}

// Errors returned by event construction.
var (
	ErrEmptyType   = errors.New("event type is required")
	ErrInvalidData = errors.New("event data must be valid JSON")
)

// Metadata carries routing and causality information.
type Metadata struct {
	CorrelationID     string            `json:"correlation_id,omitempty"`
	TenantID          string            `json:"tenant_id,omitempty"`
	ExecutionID       string            `json:"execution_id,omitempty"`
	DeliveryGuarantee DeliveryGuarantee `json:"delivery_guarantee,omitempty"`
	CausationID       string            `json:"causation_id,omitempty"`
	Depth             int               `json:"depth,omitempty"`
	Lineage           []string          `json:"lineage,omitempty"`
	IdempotencyKey    string            `json:"idempotency_key,omitempty"`
}

// Event is an immutable unit of work. Data is owned by the event; use the
// accessors rather than mutating it in place.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Metadata  Metadata        `json:"metadata"`
}

// New builds an event, marshaling data to JSON. Raw JSON ([]byte or
// json.RawMessage) is validated and copied rather than re-encoded.
func New(typ string, data any, opts EmitOptions) (Event, error) {
	if typ == "" {
		return Event{}, ErrEmptyType
	}
	raw, err := encode(data)
	if err != nil {
		return Event{}, err
	}

	guarantee := opts.DeliveryGuarantee
	if guarantee == "" {
		guarantee = AtLeastOnce
	}

	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Data:      raw,
		Timestamp: time.Now().UTC(),
		ThreadID:  opts.ThreadID,
		Metadata: Metadata{
			CorrelationID:     opts.CorrelationID,
			TenantID:          opts.TenantID,
			ExecutionID:       opts.ExecutionID,
			DeliveryGuarantee: guarantee,
			IdempotencyKey:    opts.IdempotencyKey,
		},
	}, nil
}

func encode(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return copyJSON(v)
	case []byte:
		return copyJSON(v)
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return b, nil
}

func copyJSON(b []byte) (json.RawMessage, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if !json.Valid(b) {
		return nil, ErrInvalidData
	}
	return bytes.Clone(b), nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	c := e
	c.Data = bytes.Clone(e.Data)
	c.Metadata.Lineage = append([]string(nil), e.Metadata.Lineage...)
	return c
}

// Guarantee returns the effective delivery guarantee.
func (e Event) Guarantee() DeliveryGuarantee {
	if e.Metadata.DeliveryGuarantee == "" {
		return AtLeastOnce
	}
	return e.Metadata.DeliveryGuarantee
}

// Signature identifies the event's content for loop detection: the type plus
// a hash of the payload.
func (e Event) Signature() string {
	return e.Type + "#" + strconv.FormatUint(xxhash.Sum64(e.Data), 16)
}

// OperationHash is the idempotency fingerprint of the event. An explicit
// IdempotencyKey wins; otherwise it is the event ID, which survives
// redelivery unchanged.
func (e Event) OperationHash() string {
	if e.Metadata.IdempotencyKey != "" {
		return e.Metadata.IdempotencyKey
	}
	return e.ID
}

// Size is the serialized size of the event in bytes.
func (e Event) Size() int {
	b, err := json.Marshal(e)
	if err != nil {
		return len(e.Data)
	}
	return len(b)
}

// EmitOptions control how an event is built and enqueued.
type EmitOptions struct {
	Priority          int
	ThreadID          string
	CorrelationID     string
	TenantID          string
	ExecutionID       string
	DeliveryGuarantee DeliveryGuarantee
	IdempotencyKey    string
	// Critical forces synchronous journaling regardless of type rules.
	Critical bool
}

// EmitResult reports the outcome of an emit.
type EmitResult struct {
	Success bool   `json:"success"`
	EventID string `json:"event_id,omitempty"`
	Queued  bool   `json:"queued"`
	Err     error  `json:"-"`
}
