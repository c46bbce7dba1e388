// Package persist provides the content-addressed snapshot store used by the
// kernel for pause/resume and by the queue for critical-event durability.
//
// Snapshots are immutable. A delta snapshot stores only the change against
// the snapshot named by BaseHash; Materialize folds a chain back into a full
// view.
package persist

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/event"
)

// Errors returned by snapshot helpers.
var (
	ErrStateNotObject = errors.New("snapshot state must be a JSON object")
	ErrNotAppendOnly  = errors.New("event history diverges from base snapshot")
	ErrNilSnapshot    = errors.New("snapshot is nil")
)

// StateDelta is the change between two state documents, by top-level key.
type StateDelta struct {
	Set   map[string]json.RawMessage `json:"set,omitempty"`
	Unset []string                   `json:"unset,omitempty"`
}

// Empty reports whether d changes nothing.
func (d *StateDelta) Empty() bool {
	return d == nil || (len(d.Set) == 0 && len(d.Unset) == 0)
}

// Snapshot is an immutable record of an execution's events and state.
type Snapshot struct {
	ExecutionID string          `json:"execution_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Events      []event.Event   `json:"events,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
	Hash        string          `json:"hash,omitempty"`

	IsDelta     bool          `json:"is_delta,omitempty"`
	BaseHash    string        `json:"base_hash,omitempty"`
	EventsDelta []event.Event `json:"events_delta,omitempty"`
	StateDelta  *StateDelta   `json:"state_delta,omitempty"`
}

// NewSnapshot builds and seals a full snapshot.
func NewSnapshot(executionID string, events []event.Event, state json.RawMessage) (*Snapshot, error) {
	s := &Snapshot{
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
		Events:      cloneEvents(events),
		State:       bytes.Clone(state),
	}
	if err := Seal(s); err != nil {
		return nil, err
	}
	return s, nil
}

// ComputeHash returns the hex SHA-256 of the snapshot's canonical JSON,
// ignoring Timestamp and Hash. Identical content yields identical hashes.
func ComputeHash(s *Snapshot) (string, error) {
	if s == nil {
		return "", ErrNilSnapshot
	}
	c := *s
	c.Timestamp = time.Time{}
	c.Hash = ""
	state, err := canonical(c.State)
	if err != nil {
		return "", err
	}
	c.State = state

	b, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Seal sets s.Hash from its content.
func Seal(s *Snapshot) error {
	h, err := ComputeHash(s)
	if err != nil {
		return err
	}
	s.Hash = h
	return nil
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Events = cloneEvents(s.Events)
	c.EventsDelta = cloneEvents(s.EventsDelta)
	c.State = bytes.Clone(s.State)
	if s.StateDelta != nil {
		d := &StateDelta{Unset: append([]string(nil), s.StateDelta.Unset...)}
		if s.StateDelta.Set != nil {
			d.Set = make(map[string]json.RawMessage, len(s.StateDelta.Set))
			for k, v := range s.StateDelta.Set {
				d.Set[k] = bytes.Clone(v)
			}
		}
		c.StateDelta = d
	}
	return &c
}

func cloneEvents(in []event.Event) []event.Event {
	if in == nil {
		return nil
	}
	out := make([]event.Event, len(in))
	for i, ev := range in {
		out[i] = ev.Clone()
	}
	return out
}

// canonical re-encodes a JSON document with sorted object keys and compact
// whitespace. Numbers keep their literal form.
func canonical(doc json.RawMessage) (json.RawMessage, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return b, nil
}
