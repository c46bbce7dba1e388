package kernel

import (
	"context"
	"encoding/json"

	"github.com/fyrsmithlabs/runtimed/internal/bus"
	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"github.com/fyrsmithlabs/runtimed/internal/persist"
	"github.com/fyrsmithlabs/runtimed/internal/queue"
	"github.com/fyrsmithlabs/runtimed/internal/status"
	"go.uber.org/zap"
)

// document captures the kernel for a snapshot. Queued events go into the
// state document; the snapshot's Events hold the dispatched history.
func (k *Kernel) document(reason string) (document, []event.Event, error) {
	pending, err := k.queue.Pending()
	if err != nil {
		return document{}, nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	doc := document{
		ID:            k.cfg.ID,
		TenantID:      k.cfg.TenantID,
		CorrelationID: k.cfg.CorrelationID,
		JobID:         k.cfg.JobID,
		Status:        k.state.Status,
		Reason:        reason,
		Context:       cloneData(k.state.ContextData),
		State:         cloneData(k.state.StateData),
		EventCount:    k.state.EventCount,
		Elapsed:       k.elapsed,
		Quotas:        k.state.Quotas,
		Operations:    k.ledger.Keys(),
	}
	for _, it := range pending {
		doc.Pending = append(doc.Pending, pendingEvent{Event: it.Event, Priority: it.Priority})
	}
	history := append([]event.Event(nil), k.history...)
	return doc, history, nil
}

// snapshot writes a delta against the last snapshot, or a full snapshot
// when there is no base or FullSnapshotEvery deltas have accumulated.
// Returns the snapshot id (its hash).
func (k *Kernel) snapshot(ctx context.Context, reason string) (string, error) {
	if k.persistor == nil {
		return "", faults.New(faults.PersistenceFailed, "no persistor configured")
	}
	doc, history, err := k.document(reason)
	if err != nil {
		return "", faults.Wrap(faults.PersistenceFailed, err, "capturing queue")
	}
	state, err := json.Marshal(doc)
	if err != nil {
		return "", faults.Wrap(faults.KernelContextCorruption, err, "encoding state")
	}

	k.mu.Lock()
	base, deltas := k.base, k.deltas
	k.mu.Unlock()

	var s *persist.Snapshot
	if base != nil && deltas < k.cfg.FullSnapshotEvery {
		s, err = persist.NewDelta(base, history, state)
		if err != nil {
			k.logger.Debug("delta not possible; writing full snapshot", zap.Error(err))
			s = nil
		}
	}
	if s == nil {
		if s, err = persist.NewSnapshot(k.cfg.ID, history, state); err != nil {
			return "", faults.Wrap(faults.PersistenceFailed, err, "building snapshot")
		}
	}

	if _, err := k.persistor.Append(ctx, s, persist.AppendOptions{VerifyBase: s.IsDelta}); err != nil {
		return "", faults.Wrap(faults.PersistenceFailed, err, "appending snapshot")
	}

	view := &persist.Snapshot{
		ExecutionID: k.cfg.ID,
		Timestamp:   s.Timestamp,
		Events:      history,
		State:       state,
		Hash:        s.Hash,
	}
	k.mu.Lock()
	k.base = view
	if s.IsDelta {
		k.deltas++
	} else {
		k.deltas = 0
	}
	k.lastSnap = s.Hash
	k.mu.Unlock()

	k.metrics.recordSnapshot(ctx, s.IsDelta)
	k.logger.Debug("snapshot written",
		zap.String("snapshot.id", s.Hash),
		zap.Bool("delta", s.IsDelta),
		zap.String("reason", reason))
	k.publish(ctx, bus.Notification{Kind: bus.KindSnapshotCreated, SnapshotID: s.Hash, Status: string(doc.Status)})
	return s.Hash, nil
}

// LastSnapshotID returns the id of the most recent snapshot this kernel
// wrote or restored from.
func (k *Kernel) LastSnapshotID() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastSnap
}

// Resume restores the kernel from snapshotID and runs it. An empty id
// continues a kernel paused in this process from its in-memory state, or
// restores the latest snapshot of a fresh kernel.
func (k *Kernel) Resume(ctx context.Context, snapshotID string) (*ExecutionResult, error) {
	k.mu.Lock()
	st := k.state.Status
	k.mu.Unlock()
	if st != status.Paused && st != status.Pending {
		return nil, faults.New(faults.InvalidStatusTransition, "resume from %s", st)
	}

	inPlace := snapshotID == "" && st == status.Paused
	if !inPlace {
		if k.persistor == nil {
			return nil, faults.New(faults.SnapshotNotFound, "no persistor to resume %s from", k.cfg.ID)
		}
		if snapshotID == "" {
			id, err := persist.Latest(ctx, k.persistor, k.cfg.ID)
			if err != nil {
				return nil, err
			}
			snapshotID = id
		}
		if err := k.restore(ctx, snapshotID); err != nil {
			return nil, err
		}
		// Critical events journaled after the snapshot was taken.
		if k.cfg.Queue.EnableAutoRecovery {
			n, err := k.queue.Recover(ctx)
			if err != nil {
				return nil, faults.Wrap(faults.KernelStateSyncFailed, err, "recovering queue")
			}
			if n > 0 {
				k.logger.Info("recovered journaled events", zap.Int("count", n))
			}
		}
	}

	k.mu.Lock()
	k.initialized = true
	k.mu.Unlock()
	k.logger.Info("resuming", zap.String("snapshot.id", snapshotID), zap.Bool("in_place", inPlace))
	return k.start(ctx)
}

// restore rehydrates context, state, counters, the idempotency ledger and
// the queue from a snapshot. The journal is left alone. Quotas are not restored: the kernel's own
// configuration (or SetQuotas) governs the resumed run.
func (k *Kernel) restore(ctx context.Context, snapshotID string) error {
	view, err := persist.MaterializeAt(ctx, k.persistor, snapshotID)
	if err != nil {
		return err
	}
	if view.ExecutionID != k.cfg.ID {
		return faults.New(faults.KernelContextCorruption, "snapshot %s belongs to %s, not %s", snapshotID, view.ExecutionID, k.cfg.ID)
	}
	var doc document
	if err := json.Unmarshal(view.State, &doc); err != nil {
		return faults.Wrap(faults.KernelContextCorruption, err, "decoding snapshot %s", snapshotID)
	}
	if Lifecycle.Terminal(doc.Status) {
		return faults.New(faults.InvalidStatusTransition, "snapshot %s is %s", snapshotID, doc.Status)
	}

	if n := k.queue.Discard(); n > 0 {
		k.logger.Debug("queue replaced by snapshot", zap.Int("discarded", n))
	}
	for _, p := range doc.Pending {
		if _, err := k.queue.Push(ctx, p.Event, queue.PushOptions{Priority: p.Priority}); err != nil {
			return faults.Wrap(faults.KernelStateSyncFailed, err, "requeue %s", p.Event.ID)
		}
	}

	k.ledger.Purge()
	for _, op := range doc.Operations {
		k.ledger.Add(op, struct{}{})
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if doc.Context == nil {
		doc.Context = map[string]json.RawMessage{}
	}
	if doc.State == nil {
		doc.State = map[string]json.RawMessage{}
	}
	k.state.ContextData = doc.Context
	k.state.StateData = doc.State
	k.state.EventCount = doc.EventCount
	k.dataBytes = dataSize(doc.Context) + dataSize(doc.State)
	k.elapsed = doc.Elapsed
	k.history = view.Events
	k.base = view
	k.deltas = 0
	k.lastSnap = snapshotID
	return nil
}
