package queue

import (
	"context"
	"strings"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"go.uber.org/zap"
)

// DeadLetter is an item that exhausted its retries or failed permanently.
type DeadLetter struct {
	Item           Item          `json:"item"`
	Error          *faults.Error `json:"error"`
	DeadLetteredAt time.Time     `json:"dead_lettered_at"`

	item *Item
}

// Criteria selects dead letters for reprocessing. Empty fields match all.
type Criteria struct {
	Type       string
	TypePrefix string
	ThreadID   string
	Code       faults.Code
	Before     time.Time
}

func (c Criteria) match(d DeadLetter) bool {
	ev := d.item.Event
	if c.Type != "" && ev.Type != c.Type {
		return false
	}
	if c.TypePrefix != "" && !strings.HasPrefix(ev.Type, c.TypePrefix) {
		return false
	}
	if c.ThreadID != "" && ev.ThreadID != c.ThreadID {
		return false
	}
	if c.Code != "" && (d.Error == nil || d.Error.Code != c.Code) {
		return false
	}
	if !c.Before.IsZero() && !d.DeadLetteredAt.Before(c.Before) {
		return false
	}
	return true
}

func (q *Queue) deadLetterLocked(it *Item, fe *faults.Error, now time.Time) {
	q.memory -= int64(it.Bytes)
	q.broadcastLocked()
	q.dlq = append(q.dlq, DeadLetter{Error: fe, DeadLetteredAt: now, item: it})
	if q.cfg.MaxDLQSize > 0 && len(q.dlq) > q.cfg.MaxDLQSize {
		evicted := len(q.dlq) - q.cfg.MaxDLQSize
		clear(q.dlq[:evicted])
		q.dlq = q.dlq[evicted:]
	}

	q.metrics.memory(q.cfg.Name, -int64(it.Bytes))
	q.metrics.count(q.cfg.Name, "dead_lettered")
	q.logger.Warn("event dead-lettered",
		zap.String("event.id", it.Event.ID),
		zap.String("event.type", it.Event.Type),
		zap.Int("retry_count", it.RetryCount),
		zap.String("code", string(fe.Code)),
		zap.Error(fe))
}

// DeadLetters returns copies of the dead-letter view, oldest first.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	dlq := make([]DeadLetter, len(q.dlq))
	copy(dlq, q.dlq)
	q.mu.Unlock()

	out := make([]DeadLetter, 0, len(dlq))
	for _, d := range dlq {
		v, err := d.item.view()
		if err != nil {
			q.logger.Warn("unreadable dead letter", zap.String("event.id", d.item.Event.ID), zap.Error(err))
			continue
		}
		d.Item = v
		d.item = nil
		out = append(out, d)
	}
	return out
}

// ReprocessFromDLQ moves the dead letter with event id back to the ready
// queue with a fresh retry budget. Returns ITEM_NOT_FOUND when absent.
func (q *Queue) ReprocessFromDLQ(ctx context.Context, id string) error {
	n, err := q.reprocess(ctx, func(d DeadLetter) bool { return d.item.Event.ID == id })
	if err != nil {
		return err
	}
	if n == 0 {
		return faults.New(faults.ItemNotFound, "no dead letter %s", id)
	}
	return nil
}

// ReprocessDLQByCriteria requeues every dead letter matching c and returns
// how many were requeued.
func (q *Queue) ReprocessDLQByCriteria(ctx context.Context, c Criteria) (int, error) {
	return q.reprocess(ctx, c.match)
}

func (q *Queue) reprocess(ctx context.Context, match func(DeadLetter) bool) (int, error) {
	q.mu.Lock()
	var picked []*Item
	kept := q.dlq[:0]
	for _, d := range q.dlq {
		if match(d) {
			picked = append(picked, d.item)
			continue
		}
		kept = append(kept, d)
	}
	clear(q.dlq[len(kept):])
	q.dlq = kept
	q.mu.Unlock()

	n := 0
	for _, it := range picked {
		v, err := it.view()
		if err != nil {
			return n, err
		}
		res, err := q.Push(ctx, v.Event, PushOptions{Priority: it.Priority, Critical: it.Persistent})
		if err != nil {
			return n, err
		}
		if res.Queued {
			n++
		}
	}
	if n > 0 {
		q.logger.Info("reprocessed dead letters", zap.Int("count", n))
	}
	return n, nil
}

// PurgeDLQ empties the dead-letter view and returns how many were removed.
func (q *Queue) PurgeDLQ() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.dlq)
	q.dlq = nil
	return n
}
