// Package faults classifies runtime failures by stable codes.
//
// Every Error carries Retryable and Recoverable flags. A handler failure is
// normalized at the dispatch boundary with Normalize and then either retried
// or surfaced; it is never discarded.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Code is a stable error classification.
type Code string

// Kernel codes.
const (
	KernelQuotaExceeded     Code = "KERNEL_QUOTA_EXCEEDED"
	KernelContextCorruption Code = "KERNEL_CONTEXT_CORRUPTION"
	KernelStateSyncFailed   Code = "KERNEL_STATE_SYNC_FAILED"
	KernelOperationTimeout  Code = "KERNEL_OPERATION_TIMEOUT"
	KernelInitFailed        Code = "KERNEL_INIT_FAILED"
	KernelShutdownFailed    Code = "KERNEL_SHUTDOWN_FAILED"
	KernelNotRunning        Code = "KERNEL_NOT_RUNNING"
	KernelCancelled         Code = "KERNEL_CANCELLED"
)

// Runtime and queue codes.
const (
	EventLoopDetected   Code = "EVENT_LOOP_DETECTED"
	EventChainTooLong   Code = "EVENT_CHAIN_TOO_LONG"
	BufferOverflow      Code = "BUFFER_OVERFLOW"
	HandlerNotFound     Code = "HANDLER_NOT_FOUND"
	HandlerFailed       Code = "HANDLER_FAILED"
	HandlerPanic        Code = "HANDLER_PANIC"
	EventTooLarge       Code = "EVENT_TOO_LARGE"
	ItemNotFound        Code = "ITEM_NOT_FOUND"
	AckTimeout          Code = "ACK_TIMEOUT"
	TenantLimitExceeded Code = "TENANT_LIMIT_EXCEEDED"
)

// Middleware codes.
const (
	ConcurrencyDrop    Code = "CONCURRENCY_DROP"
	ConcurrencyTimeout Code = "CONCURRENCY_TIMEOUT"
	RetryExceeded      Code = "MIDDLEWARE_RETRY_EXCEEDED"
	CircuitBreakerOpen Code = "MIDDLEWARE_CIRCUIT_BREAKER_OPEN"
	RateLimited        Code = "RATE_LIMITED"
)

// Persistence and status codes.
const (
	SnapshotNotFound        Code = "SNAPSHOT_NOT_FOUND"
	SnapshotChainBroken     Code = "SNAPSHOT_CHAIN_BROKEN"
	PersistenceFailed       Code = "PERSISTENCE_FAILED"
	InvalidStatusTransition Code = "INVALID_STATUS_TRANSITION"
)

type flags struct {
	retryable   bool
	recoverable bool
}

// defaults holds the classification for each known code. Quota breaches and
// invalid transitions are hard stops: never retryable.
var defaults = map[Code]flags{
	KernelQuotaExceeded:     {retryable: false, recoverable: true},
	KernelContextCorruption: {retryable: false, recoverable: false},
	KernelStateSyncFailed:   {retryable: true, recoverable: true},
	KernelOperationTimeout:  {retryable: true, recoverable: true},
	KernelInitFailed:        {retryable: false, recoverable: false},
	KernelShutdownFailed:    {retryable: false, recoverable: true},
	KernelNotRunning:        {retryable: false, recoverable: true},
	KernelCancelled:         {retryable: false, recoverable: false},

	EventLoopDetected:   {retryable: false, recoverable: false},
	EventChainTooLong:   {retryable: false, recoverable: false},
	BufferOverflow:      {retryable: true, recoverable: true},
	HandlerNotFound:     {retryable: false, recoverable: true},
	HandlerFailed:       {retryable: true, recoverable: true},
	HandlerPanic:        {retryable: false, recoverable: true},
	EventTooLarge:       {retryable: false, recoverable: true},
	ItemNotFound:        {retryable: false, recoverable: true},
	AckTimeout:          {retryable: true, recoverable: true},
	TenantLimitExceeded: {retryable: false, recoverable: true},

	ConcurrencyDrop:    {retryable: true, recoverable: true},
	ConcurrencyTimeout: {retryable: true, recoverable: true},
	RetryExceeded:      {retryable: false, recoverable: true},
	CircuitBreakerOpen: {retryable: true, recoverable: true},
	RateLimited:        {retryable: true, recoverable: true},

	SnapshotNotFound:        {retryable: false, recoverable: true},
	SnapshotChainBroken:     {retryable: false, recoverable: false},
	PersistenceFailed:       {retryable: true, recoverable: true},
	InvalidStatusTransition: {retryable: false, recoverable: false},
}

// Error is a coded runtime error.
type Error struct {
	Code          Code
	Message       string
	Retryable     bool
	Recoverable   bool
	TenantID      string
	ExecutionID   string
	CorrelationID string
	Err           error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap allows errors.Is and errors.As to see the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so errors.Is(err, faults.New(code, ""))
// works as a code check.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// New creates an error with the default flags for code.
func New(code Code, format string, args ...any) *Error {
	f := defaults[code]
	return &Error{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Retryable:   f.retryable,
		Recoverable: f.recoverable,
	}
}

// Wrap attaches a code to cause. A nil cause yields nil.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	e := New(code, format, args...)
	e.Err = cause
	return e
}

// WithContext returns a copy of e carrying execution identifiers. Empty values
// never overwrite populated ones.
func (e *Error) WithContext(tenantID, executionID, correlationID string) *Error {
	c := *e
	if c.TenantID == "" {
		c.TenantID = tenantID
	}
	if c.ExecutionID == "" {
		c.ExecutionID = executionID
	}
	if c.CorrelationID == "" {
		c.CorrelationID = correlationID
	}
	return &c
}

// Normalize converts any error into a coded *Error. Context cancellation and
// deadline errors map to KernelCancelled and KernelOperationTimeout; anything
// uncoded becomes HandlerFailed.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KernelOperationTimeout, err, "operation deadline exceeded")
	case errors.Is(err, context.Canceled):
		return Wrap(KernelCancelled, err, "operation cancelled")
	}
	return Wrap(HandlerFailed, err, "")
}

// CodeOf returns the code of err, or "" when err carries none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Has reports whether err carries code anywhere in its chain.
func Has(err error, code Code) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Err
	}
	return false
}

// IsRetryable reports the retryable flag of err. Uncoded errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return true
}

// IsRecoverable reports the recoverable flag of err. Uncoded errors are recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Recoverable
	}
	return true
}

// Permanent marks err as non-retryable while keeping its code.
func Permanent(err error) *Error {
	fe := Normalize(err)
	if fe == nil {
		return nil
	}
	c := *fe
	c.Retryable = false
	return &c
}
