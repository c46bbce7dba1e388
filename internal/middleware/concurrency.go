package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"golang.org/x/sync/semaphore"
)

// ConcurrencyPolicy decides what happens when the limit is reached.
type ConcurrencyPolicy string

const (
	// PolicyBlock waits for a slot until the context ends.
	PolicyBlock ConcurrencyPolicy = "block"
	// PolicyDrop fails immediately with CONCURRENCY_DROP.
	PolicyDrop ConcurrencyPolicy = "drop"
	// PolicyTimeout waits up to QueueTimeout, then fails with
	// CONCURRENCY_TIMEOUT.
	PolicyTimeout ConcurrencyPolicy = "timeout"
)

// ConcurrencyConfig configures Concurrency.
type ConcurrencyConfig struct {
	Limit        int64
	Policy       ConcurrencyPolicy
	QueueTimeout time.Duration
	// KeyFunc partitions the limit. Nil applies one global limit.
	KeyFunc func(event.Event) string
}

type keyedSem struct {
	sem  *semaphore.Weighted
	refs int
}

// Limiter tracks per-key semaphores. Exposed so callers can inspect it.
type Limiter struct {
	cfg ConcurrencyConfig

	mu   sync.Mutex
	sems map[string]*keyedSem
}

// NewLimiter creates a limiter; Limit <= 0 is treated as 1.
func NewLimiter(cfg ConcurrencyConfig) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 1
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyBlock
	}
	return &Limiter{cfg: cfg, sems: make(map[string]*keyedSem)}
}

func (l *Limiter) ref(key string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks, ok := l.sems[key]
	if !ok {
		ks = &keyedSem{sem: semaphore.NewWeighted(l.cfg.Limit)}
		l.sems[key] = ks
	}
	ks.refs++
	return ks.sem
}

func (l *Limiter) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks := l.sems[key]
	ks.refs--
	if ks.refs == 0 {
		delete(l.sems, key)
	}
}

// Keys returns the number of keys with holders or waiters.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sems)
}

func (l *Limiter) acquire(ctx context.Context, sem *semaphore.Weighted, ev event.Event) error {
	switch l.cfg.Policy {
	case PolicyDrop:
		if !sem.TryAcquire(1) {
			return faults.New(faults.ConcurrencyDrop, "%s: limit %d reached", ev.Type, l.cfg.Limit)
		}
		return nil
	case PolicyTimeout:
		wctx, cancel := context.WithTimeout(ctx, l.cfg.QueueTimeout)
		defer cancel()
		if err := sem.Acquire(wctx, 1); err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return faults.New(faults.ConcurrencyTimeout, "%s: no slot within %s", ev.Type, l.cfg.QueueTimeout)
			}
			return faults.Normalize(err)
		}
		return nil
	default:
		if err := sem.Acquire(ctx, 1); err != nil {
			return faults.Normalize(err)
		}
		return nil
	}
}

// Middleware returns the limiter as a middleware.
func (l *Limiter) Middleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, ev event.Event) error {
			key := ""
			if l.cfg.KeyFunc != nil {
				key = l.cfg.KeyFunc(ev)
			}
			sem := l.ref(key)
			defer l.unref(key)

			if err := l.acquire(ctx, sem, ev); err != nil {
				return err
			}
			defer sem.Release(1)
			return next(ctx, ev)
		}
	}
}

// Concurrency bounds in-flight handler invocations.
func Concurrency(cfg ConcurrencyConfig) Middleware {
	return NewLimiter(cfg).Middleware()
}
