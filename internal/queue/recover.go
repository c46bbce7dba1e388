package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Recover re-enqueues journaled events that were never acknowledged,
// RecoveryBatchSize at a time. Events already held by the queue are
// skipped. Only the MaxPersistedEvents most recent journal records are
// considered.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if q.journal == nil {
		return 0, nil
	}
	entries, err := q.journal.Pending(ctx, q.cfg.MaxPersistedEvents)
	if err != nil {
		return 0, fmt.Errorf("reading journal: %w", err)
	}

	recovered := 0
	for start := 0; start < len(entries); start += q.cfg.RecoveryBatchSize {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		end := min(start+q.cfg.RecoveryBatchSize, len(entries))
		for _, e := range entries[start:end] {
			if q.holds(e.Event.ID) {
				continue
			}
			// Already journaled; push without writing a second record.
			res, err := q.push(ctx, e.Event, PushOptions{Priority: e.Priority}, true)
			if err != nil {
				return recovered, err
			}
			if res.Queued {
				recovered++
				q.metrics.count(q.cfg.Name, "recovered")
			}
		}
	}
	if recovered > 0 {
		q.logger.Info("recovered journaled events", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (q *Queue) holds(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[id]; ok {
		return true
	}
	for _, it := range q.ready {
		if it.Event.ID == id {
			return true
		}
	}
	for _, it := range q.delayed {
		if it.Event.ID == id {
			return true
		}
	}
	return false
}
