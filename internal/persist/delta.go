package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Diff computes the top-level change from base to next. Both must be JSON
// objects; an empty document counts as {}.
func Diff(base, next json.RawMessage) (*StateDelta, error) {
	from, err := topLevel(base)
	if err != nil {
		return nil, err
	}
	to, err := topLevel(next)
	if err != nil {
		return nil, err
	}

	d := &StateDelta{}
	for k, raw := range to {
		if prev, ok := from[k]; ok && prev == raw {
			continue
		}
		if d.Set == nil {
			d.Set = make(map[string]json.RawMessage)
		}
		d.Set[k] = json.RawMessage(raw)
	}
	for k := range from {
		if _, ok := to[k]; !ok {
			d.Unset = append(d.Unset, k)
		}
	}
	sort.Strings(d.Unset)
	return d, nil
}

func topLevel(doc json.RawMessage) (map[string]string, error) {
	out := make(map[string]string)
	if len(bytes.TrimSpace(doc)) == 0 {
		return out, nil
	}
	if !gjson.ValidBytes(doc) {
		return nil, ErrStateNotObject
	}
	r := gjson.ParseBytes(doc)
	if !r.IsObject() {
		return nil, ErrStateNotObject
	}
	r.ForEach(func(k, v gjson.Result) bool {
		out[k.String()] = v.Raw
		return true
	})
	return out, nil
}

// ApplyDelta patches state with d and returns the new document. state is not
// modified.
func ApplyDelta(state json.RawMessage, d *StateDelta) (json.RawMessage, error) {
	out := []byte("{}")
	if len(bytes.TrimSpace(state)) > 0 {
		if _, err := topLevel(state); err != nil {
			return nil, err
		}
		out = bytes.Clone(state)
	}
	if d.Empty() {
		return out, nil
	}

	keys := make([]string, 0, len(d.Set))
	for k := range d.Set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var err error
	for _, k := range keys {
		out, err = sjson.SetRawBytes(out, gjson.Escape(k), d.Set[k])
		if err != nil {
			return nil, fmt.Errorf("set %q: %w", k, err)
		}
	}
	for _, k := range d.Unset {
		out, err = sjson.DeleteBytes(out, gjson.Escape(k))
		if err != nil {
			return nil, fmt.Errorf("unset %q: %w", k, err)
		}
	}
	return out, nil
}

// NewDelta builds a sealed delta against base, which must be a materialized
// (full) view whose Hash names the stored head. events is the complete event
// history and must extend base.Events.
func NewDelta(base *Snapshot, events []event.Event, state json.RawMessage) (*Snapshot, error) {
	if base == nil {
		return nil, ErrNilSnapshot
	}
	if len(events) < len(base.Events) {
		return nil, ErrNotAppendOnly
	}
	for i := range base.Events {
		if base.Events[i].ID != events[i].ID {
			return nil, ErrNotAppendOnly
		}
	}

	sd, err := Diff(base.State, state)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		ExecutionID: base.ExecutionID,
		Timestamp:   time.Now().UTC(),
		IsDelta:     true,
		BaseHash:    base.Hash,
		EventsDelta: cloneEvents(events[len(base.Events):]),
	}
	if !sd.Empty() {
		s.StateDelta = sd
	}
	if err := Seal(s); err != nil {
		return nil, err
	}
	return s, nil
}

// apply folds delta d onto the full view v, producing a new full view named
// by d.Hash.
func apply(v *Snapshot, d *Snapshot) (*Snapshot, error) {
	state, err := ApplyDelta(v.State, d.StateDelta)
	if err != nil {
		return nil, err
	}
	events := make([]event.Event, 0, len(v.Events)+len(d.EventsDelta))
	events = append(events, v.Events...)
	events = append(events, cloneEvents(d.EventsDelta)...)
	return &Snapshot{
		ExecutionID: d.ExecutionID,
		Timestamp:   d.Timestamp,
		Events:      events,
		State:       state,
		Hash:        d.Hash,
	}, nil
}
