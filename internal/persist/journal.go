package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/runtimed/internal/event"
)

const (
	opEnqueue = "enqueue"
	opAck     = "ack"
)

// JournalEntry is an enqueued event that has not been acknowledged.
type JournalEntry struct {
	Event    event.Event
	Priority int
}

type journalRecord struct {
	Op       string `json:"op"`
	Seq      uint64 `json:"seq"`
	EventID  string `json:"event_id"`
	Priority int    `json:"priority,omitempty"`
}

// Journal is a durability log for queued events, stored as snapshots under
// the execution id journal/<name> of any Persistor. Each record carries a
// sequence number so a re-enqueue of the same event is a distinct record.
type Journal struct {
	p    Persistor
	name string

	mu     sync.Mutex
	seq    uint64
	opened bool
}

// NewJournal creates a journal named name on p.
func NewJournal(p Persistor, name string) *Journal {
	return &Journal{p: p, name: name}
}

// ExecutionID is the persistor key the journal writes under.
func (j *Journal) ExecutionID() string {
	return "journal/" + j.name
}

func (j *Journal) open(ctx context.Context) error {
	if j.opened {
		return nil
	}
	hashes, err := j.p.ListHashes(ctx, j.ExecutionID())
	if err != nil {
		return err
	}
	for _, h := range hashes {
		s, err := j.p.GetByHash(ctx, h)
		if err != nil {
			continue
		}
		var rec journalRecord
		if json.Unmarshal(s.State, &rec) == nil && rec.Seq > j.seq {
			j.seq = rec.Seq
		}
	}
	j.opened = true
	return nil
}

func (j *Journal) write(ctx context.Context, rec journalRecord, events []event.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.open(ctx); err != nil {
		return err
	}
	j.seq++
	rec.Seq = j.seq

	state, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	s, err := NewSnapshot(j.ExecutionID(), events, state)
	if err != nil {
		return err
	}
	_, err = j.p.Append(ctx, s, AppendOptions{NoEvict: true})
	return err
}

// RecordEnqueue durably records ev before it is reported as queued.
func (j *Journal) RecordEnqueue(ctx context.Context, ev event.Event, priority int) error {
	return j.write(ctx, journalRecord{Op: opEnqueue, EventID: ev.ID, Priority: priority}, []event.Event{ev})
}

// RecordAck marks eventID as done.
func (j *Journal) RecordAck(ctx context.Context, eventID string) error {
	return j.write(ctx, journalRecord{Op: opAck, EventID: eventID}, nil)
}

// Pending returns enqueued events without a later ack, oldest first. Only the
// most recent limit enqueue records are considered; limit <= 0 means all.
func (j *Journal) Pending(ctx context.Context, limit int) ([]JournalEntry, error) {
	type pending struct {
		entry JournalEntry
		seq   uint64
	}
	var enqueued []pending
	acked := make(map[string]uint64)

	for s, err := range j.p.Load(ctx, j.ExecutionID()) {
		if err != nil {
			return nil, err
		}
		var rec journalRecord
		if err := json.Unmarshal(s.State, &rec); err != nil {
			continue
		}
		switch rec.Op {
		case opEnqueue:
			if len(s.Events) == 0 {
				continue
			}
			enqueued = append(enqueued, pending{
				entry: JournalEntry{Event: s.Events[0], Priority: rec.Priority},
				seq:   rec.Seq,
			})
		case opAck:
			if rec.Seq > acked[rec.EventID] {
				acked[rec.EventID] = rec.Seq
			}
		}
	}

	if limit > 0 && len(enqueued) > limit {
		enqueued = enqueued[len(enqueued)-limit:]
	}

	var out []JournalEntry
	seen := make(map[string]bool)
	for i := len(enqueued) - 1; i >= 0; i-- {
		p := enqueued[i]
		id := p.entry.Event.ID
		if seen[id] || acked[id] > p.seq {
			seen[id] = true
			continue
		}
		seen[id] = true
		out = append(out, p.entry)
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out, nil
}
