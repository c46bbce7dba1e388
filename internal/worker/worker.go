// Package worker runs event handlers in other processes over NATS
// request/reply.
//
// The runtime side registers Client.Handler for the event types it delegates.
// Each dispatch becomes a request on
//
//	<prefix>.<event_type>
//
// and the worker's Reply carries the handler outcome: state writes, events to
// emit, an optional pause request, or an error. Effects are applied only when
// the reply carries no error.
//
// Worker processes written in Go use Serve; others only need to speak the
// JSON Request and Reply shapes.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"github.com/fyrsmithlabs/runtimed/internal/kernel"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// DefaultSubjectPrefix is prepended to the event type to form the
	// request subject.
	DefaultSubjectPrefix = "runtime.handlers"

	// DefaultTimeout bounds a request when the dispatch context has no
	// deadline.
	DefaultTimeout = 30 * time.Second
)

// Request is sent to the worker for each dispatched event.
type Request struct {
	Event       event.Event `json:"event"`
	TenantID    string      `json:"tenant_id,omitempty"`
	ExecutionID string      `json:"execution_id,omitempty"`
}

// Emit is an event the worker asks the kernel to enqueue.
type Emit struct {
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data,omitempty"`
	ThreadID       string          `json:"thread_id,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Critical       bool            `json:"critical,omitempty"`
}

// ReplyError reports a handler failure. Retryable overrides the code's
// default classification when set.
type ReplyError struct {
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// Reply is the worker's answer to a Request.
type Reply struct {
	Error *ReplyError                `json:"error,omitempty"`
	State map[string]json.RawMessage `json:"state,omitempty"`
	Emit  []Emit                     `json:"emit,omitempty"`
	// Pause, when non-empty, asks the kernel to pause with this reason once
	// the current event completes.
	Pause string `json:"pause,omitempty"`
}

// Client dispatches events to remote workers.
type Client struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) Option {
	return func(c *Client) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l.Named("worker")
		}
	}
}

// NewClient returns a client sending requests on nc.
func NewClient(nc *nats.Conn, opts ...Option) *Client {
	c := &Client{
		nc:      nc,
		prefix:  DefaultSubjectPrefix,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subject returns the request subject for an event type.
func (c *Client) Subject(eventType string) string {
	return Subject(c.prefix, eventType)
}

// Subject joins prefix and eventType, replacing characters NATS reserves.
func Subject(prefix, eventType string) string {
	return prefix + "." + strings.Map(func(r rune) rune {
		switch r {
		case '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, eventType)
}

// Handler returns an event.Handler that forwards each event to a worker.
func (c *Client) Handler() event.Handler {
	return func(ctx context.Context, ev event.Event) error {
		reply, err := c.Call(ctx, ev)
		if err != nil {
			return err
		}
		return c.apply(ctx, reply)
	}
}

// Call sends ev to its worker and returns the decoded reply. A reply
// carrying an error is returned as that error.
func (c *Client) Call(ctx context.Context, ev event.Event) (Reply, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := Request{Event: ev, TenantID: ev.Metadata.TenantID, ExecutionID: ev.Metadata.ExecutionID}
	if s, ok := kernel.ScopeFrom(ctx); ok {
		req.TenantID, req.ExecutionID = s.TenantID(), s.ExecutionID()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return Reply{}, faults.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	subject := c.Subject(ev.Type)
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		// Workers may come up later; let the queue retry.
		fe := faults.Wrap(faults.HandlerNotFound, err, "no worker for %s", ev.Type)
		fe.Retryable = true
		return Reply{}, fe
	case err != nil:
		c.logger.Debug("worker request failed", zap.String("subject", subject), zap.Error(err))
		return Reply{}, fmt.Errorf("request %s: %w", subject, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Reply{}, faults.Permanent(faults.Wrap(faults.HandlerFailed, err, "invalid reply on %s", subject))
	}
	if reply.Error != nil {
		return reply, reply.Error.toFault()
	}
	return reply, nil
}

func (e *ReplyError) toFault() *faults.Error {
	code := faults.Code(strings.ToUpper(e.Code))
	if code == "" {
		code = faults.HandlerFailed
	}
	fe := faults.New(code, "%s", e.Message)
	if e.Retryable != nil {
		fe.Retryable = *e.Retryable
	}
	return fe
}

// apply performs the reply's effects through the dispatch scope.
func (c *Client) apply(ctx context.Context, r Reply) error {
	if len(r.State) == 0 && len(r.Emit) == 0 && r.Pause == "" {
		return nil
	}
	s, ok := kernel.ScopeFrom(ctx)
	if !ok {
		return faults.Permanent(errors.New("worker reply has effects but no kernel scope"))
	}
	for key, v := range r.State {
		if err := s.Set(key, v); err != nil {
			return fmt.Errorf("set state %q: %w", key, err)
		}
	}
	for _, e := range r.Emit {
		res, err := s.Emit(ctx, e.Type, e.Data, event.EmitOptions{
			ThreadID:       e.ThreadID,
			Priority:       e.Priority,
			IdempotencyKey: e.IdempotencyKey,
			Critical:       e.Critical,
		})
		if err != nil {
			return err
		}
		if res.Err != nil {
			c.logger.Warn("worker emit not queued", zap.String("type", e.Type), zap.Error(res.Err))
		}
	}
	if r.Pause != "" {
		s.RequestPause(r.Pause)
	}
	return nil
}
