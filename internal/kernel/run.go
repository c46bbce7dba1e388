package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/bus"
	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"github.com/fyrsmithlabs/runtimed/internal/logging"
	"github.com/fyrsmithlabs/runtimed/internal/queue"
	"github.com/fyrsmithlabs/runtimed/internal/status"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	quotaEvents   = "max_events"
	quotaDuration = "max_duration"
	quotaMemory   = "max_memory"
)

type breach struct {
	Quota string `json:"quota"`
	Limit int64  `json:"limit"`
	Used  int64  `json:"used"`
}

// start moves to executing and runs the dispatch loop until the kernel
// leaves executing.
func (k *Kernel) start(parent context.Context) (*ExecutionResult, error) {
	if err := k.transition(parent, status.Executing, "run"); err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.state.StartTime = k.now().Add(-k.elapsed)
	runCtx, cancel := context.WithCancel(parent)
	if d := k.state.Quotas.MaxDuration; d > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(runCtx, max(d-k.elapsed, 0))
		outer := cancel
		cancel = func() { stop(); outer() }
	}
	k.cancel = cancel
	k.mu.Unlock()
	defer cancel()

	if lctx, err := logging.ContextWithExecution(runCtx, &logging.Execution{
		TenantID:      k.cfg.TenantID,
		ExecutionID:   k.cfg.ID,
		CorrelationID: k.cfg.CorrelationID,
	}); err == nil {
		runCtx = lctx
	}

	ctx, span := k.tracer.Start(runCtx, "kernel.run", trace.WithAttributes(k.spanAttributes()...))
	defer span.End()
	k.metrics.running(ctx, 1)
	defer k.metrics.running(context.WithoutCancel(ctx), -1)

	res := k.loop(parent, ctx)

	span.SetAttributes(
		attribute.String("runtime.status", string(res.Status)),
		attribute.Int("runtime.event_count", res.Metadata.EventCount),
	)
	if res.Error != nil {
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, string(res.Error.Code))
	}
	return res, nil
}

// loop dispatches one event at a time. parent is the caller's context; ctx
// additionally carries Cancel and the MaxDuration deadline.
func (k *Kernel) loop(parent, ctx context.Context) *ExecutionResult {
	for {
		if res := k.interrupted(parent, ctx); res != nil {
			return res
		}
		if k.queue.Len() == 0 {
			return k.finish(ctx, status.Completed, "queue drained", nil)
		}
		if b := k.checkQuotas(); b != nil {
			return k.quotaExceeded(ctx, *b)
		}

		it, err := k.next(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return k.finish(ctx, status.Failed, "queue closed", faults.Wrap(faults.KernelNotRunning, err, "queue closed"))
			}
			// Woken by pause, cancel or a deadline; re-check at the top.
			continue
		}
		if res := k.dispatch(ctx, it); res != nil {
			return res
		}
	}
}

// interrupted handles pause requests, Cancel, caller cancellation and the
// duration deadline.
func (k *Kernel) interrupted(parent, ctx context.Context) *ExecutionResult {
	k.mu.Lock()
	cancelMsg := k.cancelMsg
	pause, reason := k.pauseReq, k.pauseReason
	k.mu.Unlock()

	switch {
	case cancelMsg != "":
		return k.finish(ctx, status.Failed, cancelMsg, faults.New(faults.KernelCancelled, "%s", cancelMsg))
	case parent.Err() != nil:
		return k.finish(ctx, status.Failed, "context done", faults.Normalize(parent.Err()))
	case ctx.Err() != nil:
		k.mu.Lock()
		limit := k.state.Quotas.MaxDuration
		k.mu.Unlock()
		return k.quotaExceeded(ctx, breach{Quota: quotaDuration, Limit: int64(limit), Used: int64(k.runTime())})
	case pause:
		return k.pauseLoop(ctx, reason)
	}
	return nil
}

// next pops the next item, blocking on an empty queue until an item is
// ready or the kernel is signalled.
func (k *Kernel) next(ctx context.Context) (queue.Item, error) {
	it, ok, err := k.queue.TryPop()
	if err != nil || ok {
		return it, err
	}

	waitCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-k.wake:
			stop()
		case <-waitCtx.Done():
		}
	}()
	return k.queue.Pop(waitCtx)
}

func (k *Kernel) runTime() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.now().Sub(k.state.StartTime)
}

// checkQuotas runs before every dispatch.
func (k *Kernel) checkQuotas() *breach {
	k.mu.Lock()
	q := k.state.Quotas
	count := k.state.EventCount
	start := k.state.StartTime
	data := k.dataBytes
	k.mu.Unlock()

	if q.MaxEvents > 0 && count >= q.MaxEvents {
		return &breach{Quota: quotaEvents, Limit: int64(q.MaxEvents), Used: int64(count)}
	}
	if q.MaxDuration > 0 {
		if used := k.now().Sub(start); used >= q.MaxDuration {
			return &breach{Quota: quotaDuration, Limit: int64(q.MaxDuration), Used: int64(used)}
		}
	}
	if q.MaxMemory > 0 {
		if used := k.queue.MemoryUsage() + data; used > q.MaxMemory {
			return &breach{Quota: quotaMemory, Limit: q.MaxMemory, Used: used}
		}
	}
	return nil
}

// quotaExceeded delivers the quota event to its handlers and the sink, then
// fails or pauses the kernel per QuotaPolicy.
func (k *Kernel) quotaExceeded(ctx context.Context, b breach) *ExecutionResult {
	fe := faults.New(faults.KernelQuotaExceeded, "%s exceeded: used %d, limit %d", b.Quota, b.Used, b.Limit).
		WithContext(k.cfg.TenantID, k.cfg.ID, k.cfg.CorrelationID)
	k.metrics.recordQuota(ctx, b.Quota)
	k.logger.Warn("quota exceeded",
		zap.String("quota", b.Quota),
		zap.Int64("limit", b.Limit),
		zap.Int64("used", b.Used))

	ev, err := event.New(EventQuotaExceeded, b, event.EmitOptions{
		TenantID:      k.cfg.TenantID,
		ExecutionID:   k.cfg.ID,
		CorrelationID: k.cfg.CorrelationID,
	})
	if err == nil {
		// Delivered directly: the queue is closed to dispatch once a quota trips.
		hctx := withScope(context.WithoutCancel(ctx), &Scope{k: k, ev: ev})
		if herr := k.registry.Dispatch(hctx, ev); herr != nil && !faults.Has(herr, faults.HandlerNotFound) {
			k.logger.Warn("quota handler failed", zap.Error(herr))
		}
		data, _ := json.Marshal(b)
		k.publish(ctx, bus.Notification{Kind: bus.KindQuotaExceeded, EventID: ev.ID, EventType: ev.Type, Error: bus.NewErrorInfo(fe), Data: data})
	}

	if k.cfg.QuotaPolicy == QuotaPause {
		if res := k.pauseLoop(ctx, fe.Message); res != nil {
			if res.Status == status.Paused {
				res.Error = fe
			}
			return res
		}
	}
	return k.finish(ctx, status.Failed, "quota exceeded", fe)
}

// dispatch runs one item through the middleware chain. A non-nil result
// ends the loop.
func (k *Kernel) dispatch(ctx context.Context, it queue.Item) *ExecutionResult {
	ev := it.Event
	atMostOnce := ev.Guarantee() == event.AtMostOnce

	if err := event.CheckChain(ev, k.cfg.MaxEventDepth, k.cfg.MaxEventChainLength); err != nil {
		k.publish(ctx, bus.Notification{Kind: bus.KindLoopDetected, EventID: ev.ID, EventType: ev.Type, Error: bus.NewErrorInfo(err)})
		return k.failed(ctx, it, faults.Permanent(err), atMostOnce)
	}

	hash := ev.OperationHash()
	if k.ledger.Contains(hash) {
		k.metrics.recordSkipped(ctx)
		k.logger.Debug("duplicate operation skipped",
			zap.String("event.id", ev.ID),
			zap.String("event.type", ev.Type),
			zap.String("operation", hash))
		if !atMostOnce {
			if err := k.queue.Ack(ctx, ev.ID); err != nil {
				k.logger.Warn("ack failed", zap.String("event.id", ev.ID), zap.Error(err))
			}
		}
		return nil
	}
	k.ledger.Add(hash, struct{}{})

	k.mu.Lock()
	k.state.EventCount++
	count := k.state.EventCount
	k.mu.Unlock()

	dctx, span := k.tracer.Start(ctx, "kernel.dispatch", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", ev.Type),
		attribute.Int("event.priority", it.Priority),
		attribute.Int("event.retry_count", it.RetryCount),
	))
	started := k.now()
	err := k.handler(withScope(dctx, &Scope{k: k, ev: ev}), ev)
	k.metrics.recordDispatch(dctx, k.now().Sub(started), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(faults.CodeOf(err)))
	}
	span.End()

	if err != nil {
		k.ledger.Remove(hash)
		fe := faults.Normalize(err).WithContext(k.cfg.TenantID, k.cfg.ID, k.cfg.CorrelationID)
		return k.failed(ctx, it, fe, atMostOnce)
	}

	if !atMostOnce {
		if err := k.queue.Ack(ctx, ev.ID); err != nil {
			k.logger.Warn("ack failed", zap.String("event.id", ev.ID), zap.Error(err))
		}
	}
	k.mu.Lock()
	k.history = append(k.history, ev)
	k.mu.Unlock()
	k.publish(ctx, bus.Notification{Kind: bus.KindDispatched, EventID: ev.ID, EventType: ev.Type})

	if k.cfg.SnapshotEvery > 0 && count%k.cfg.SnapshotEvery == 0 && k.persistor != nil {
		if _, err := k.snapshot(ctx, "auto"); err != nil {
			k.logger.Warn("auto snapshot failed", zap.Error(err))
		}
	}
	return nil
}

// failed reports a failed dispatch and nacks the item. It ends the run when
// the item is dead-lettered and FailOnDeadLetter is set.
func (k *Kernel) failed(ctx context.Context, it queue.Item, fe *faults.Error, atMostOnce bool) *ExecutionResult {
	ev := it.Event
	k.logger.Warn("dispatch failed",
		zap.String("event.id", ev.ID),
		zap.String("event.type", ev.Type),
		zap.String("code", string(fe.Code)),
		zap.Bool("retryable", fe.Retryable),
		zap.Error(fe))
	k.publish(ctx, bus.Notification{Kind: bus.KindDispatchFailed, EventID: ev.ID, EventType: ev.Type, Error: bus.NewErrorInfo(fe)})

	if atMostOnce {
		return nil
	}
	res, err := k.queue.Nack(ctx, ev.ID, fe)
	if err != nil {
		k.logger.Warn("nack failed", zap.String("event.id", ev.ID), zap.Error(err))
		return nil
	}
	if !res.DeadLettered {
		return nil
	}
	k.publish(ctx, bus.Notification{Kind: bus.KindDeadLettered, EventID: ev.ID, EventType: ev.Type, Error: bus.NewErrorInfo(fe)})
	if k.cfg.FailOnDeadLetter {
		return k.finish(ctx, status.Failed, "event dead-lettered", fe)
	}
	return nil
}

// pauseLoop snapshots and pauses. If the snapshot cannot be written the
// kernel keeps running and pause waiters receive the error.
func (k *Kernel) pauseLoop(ctx context.Context, reason string) *ExecutionResult {
	k.mu.Lock()
	k.pauseReq = false
	k.pauseReason = ""
	k.elapsed = k.now().Sub(k.state.StartTime)
	if err := k.transitionLocked(status.Paused); err != nil {
		k.mu.Unlock()
		k.notifyWaiters("", err)
		return k.finish(ctx, status.Failed, "pause", faults.Normalize(err))
	}
	k.mu.Unlock()

	var id string
	if k.persistor != nil {
		var err error
		id, err = k.snapshot(context.WithoutCancel(ctx), reason)
		if err != nil {
			k.mu.Lock()
			terr := k.transitionLocked(status.Executing)
			k.mu.Unlock()
			k.notifyWaiters("", err)
			if terr != nil {
				return k.finish(ctx, status.Failed, "pause", faults.Normalize(terr))
			}
			k.logger.Error("pause snapshot failed; continuing", zap.Error(err))
			return nil
		}
	}

	k.logger.Info("status changed",
		zap.String("from", string(status.Executing)),
		zap.String("to", string(status.Paused)),
		zap.String("reason", reason),
		zap.String("snapshot.id", id))
	k.publish(ctx, bus.Notification{Kind: bus.KindStatusChanged, Status: string(status.Paused), SnapshotID: id})
	k.notifyWaiters(id, nil)
	return k.result(status.Paused, id, nil)
}

// finish moves to a final status, writes a closing snapshot when a
// persistor is configured and builds the result.
func (k *Kernel) finish(ctx context.Context, to status.Status, reason string, fe *faults.Error) *ExecutionResult {
	k.mu.Lock()
	k.elapsed = k.now().Sub(k.state.StartTime)
	k.mu.Unlock()

	if err := k.transition(ctx, to, reason); err != nil {
		k.logger.Error("final transition rejected", zap.Error(err))
	}
	if fe != nil {
		fe = fe.WithContext(k.cfg.TenantID, k.cfg.ID, k.cfg.CorrelationID)
		k.logger.Warn("execution failed", zap.String("code", string(fe.Code)), zap.Error(fe))
	}

	var id string
	if k.persistor != nil {
		var err error
		if id, err = k.snapshot(context.WithoutCancel(ctx), reason); err != nil {
			k.logger.Warn("final snapshot failed", zap.Error(err))
		}
	}
	k.notifyWaiters("", faults.New(faults.KernelNotRunning, "kernel %s finished %s", k.cfg.ID, to))
	return k.result(to, id, fe)
}

func (k *Kernel) notifyWaiters(id string, err error) {
	k.mu.Lock()
	waiters := k.waiters
	k.waiters = nil
	k.mu.Unlock()
	for _, w := range waiters {
		w <- pauseOutcome{id: id, err: err}
	}
}

func (k *Kernel) result(st status.Status, snapshotID string, fe *faults.Error) *ExecutionResult {
	k.mu.Lock()
	defer k.mu.Unlock()
	data, _ := json.Marshal(k.state.StateData)
	return &ExecutionResult{
		Status: st,
		Data:   data,
		Error:  fe,
		Metadata: ResultMetadata{
			ExecutionID: k.cfg.ID,
			Duration:    k.elapsed,
			EventCount:  k.state.EventCount,
			SnapshotID:  snapshotID,
		},
	}
}
