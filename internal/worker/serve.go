package worker

import (
	"context"
	"encoding/json"

	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Func handles one request in a worker process. A returned error becomes
// Reply.Error, keeping the code and retryable flag of a *faults.Error.
type Func func(ctx context.Context, req Request) (Reply, error)

// ServeOptions configures Serve.
type ServeOptions struct {
	// Prefix defaults to DefaultSubjectPrefix.
	Prefix string
	// Queue is the NATS queue group; workers sharing it split the load.
	Queue  string
	Logger *zap.Logger
}

// Serve subscribes fn to requests for eventType, which may be a NATS
// wildcard such as "review.*" or ">". Unsubscribe the returned subscription
// to stop.
func Serve(nc *nats.Conn, eventType string, fn Func, opts ServeOptions) (*nats.Subscription, error) {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("worker")

	subject := prefix + "." + eventType
	return nc.QueueSubscribe(subject, opts.Queue, func(msg *nats.Msg) {
		reply := handle(fn, msg.Data)
		data, err := json.Marshal(reply)
		if err != nil {
			logger.Error("marshal reply", zap.String("subject", msg.Subject), zap.Error(err))
			data, _ = json.Marshal(Reply{Error: &ReplyError{Code: string(faults.HandlerFailed), Message: err.Error()}})
		}
		if err := msg.Respond(data); err != nil {
			logger.Warn("respond failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
}

func handle(fn Func, data []byte) Reply {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		no := false
		return Reply{Error: &ReplyError{Code: string(faults.HandlerFailed), Message: "invalid request: " + err.Error(), Retryable: &no}}
	}
	reply, err := fn(context.Background(), req)
	if err != nil {
		return Reply{Error: errorReply(err)}
	}
	return reply
}

// errorReply carries the code separately, so the message omits it.
func errorReply(err error) *ReplyError {
	fe := faults.Normalize(err)
	msg := fe.Message
	if fe.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += fe.Err.Error()
	}
	retryable := fe.Retryable
	return &ReplyError{Code: string(fe.Code), Message: msg, Retryable: &retryable}
}
