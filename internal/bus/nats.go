package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is the first subject token of published notifications.
const DefaultSubjectPrefix = "runtime"

// NATSSink publishes notifications as JSON to
//
//	<prefix>.<tenant_id>.<execution_id>.<kind>
//
// so subscribers can filter by tenant (runtime.acme.>) or kind
// (runtime.*.*.dead_lettered).
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NATSOption configures a NATSSink.
type NATSOption func(*NATSSink)

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(s *NATSSink) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) NATSOption {
	return func(s *NATSSink) {
		if l != nil {
			s.logger = l.Named("bus")
		}
	}
}

// NewNATSSink returns a sink publishing on nc.
func NewNATSSink(nc *nats.Conn, opts ...NATSOption) *NATSSink {
	s := &NATSSink{nc: nc, prefix: DefaultSubjectPrefix, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subject returns the subject n is published on.
func (s *NATSSink) Subject(n Notification) string {
	return strings.Join([]string{
		s.prefix,
		token(n.TenantID),
		token(n.ExecutionID),
		token(string(n.Kind)),
	}, ".")
}

// Publish implements Sink.
func (s *NATSSink) Publish(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := s.Subject(n)
	if err := s.nc.Publish(subject, data); err != nil {
		s.logger.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// token makes v safe as a single subject token.
func token(v string) string {
	if v == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, v)
}
