package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultFlags(t *testing.T) {
	tests := []struct {
		code        Code
		retryable   bool
		recoverable bool
	}{
		{KernelQuotaExceeded, false, true},
		{InvalidStatusTransition, false, false},
		{KernelOperationTimeout, true, true},
		{CircuitBreakerOpen, true, true},
		{RetryExceeded, false, true},
		{EventLoopDetected, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			e := New(tt.code, "x")
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Equal(t, tt.recoverable, e.Recoverable)
		})
	}
}

func TestEveryCodeIsClassified(t *testing.T) {
	codes := []Code{
		KernelQuotaExceeded, KernelContextCorruption, KernelStateSyncFailed,
		KernelOperationTimeout, KernelInitFailed, KernelShutdownFailed,
		KernelNotRunning, KernelCancelled, EventLoopDetected, EventChainTooLong,
		BufferOverflow, HandlerNotFound, HandlerFailed, HandlerPanic, EventTooLarge,
		ItemNotFound, AckTimeout, TenantLimitExceeded, ConcurrencyDrop,
		ConcurrencyTimeout, RetryExceeded, CircuitBreakerOpen, RateLimited,
		SnapshotNotFound, SnapshotChainBroken, PersistenceFailed,
		InvalidStatusTransition,
	}
	for _, c := range codes {
		_, ok := defaults[c]
		assert.True(t, ok, "missing classification for %s", c)
	}
}

func TestError_Message(t *testing.T) {
	e := Wrap(HandlerFailed, errors.New("boom"), "handler %q", "review.start")
	assert.Equal(t, `HANDLER_FAILED: handler "review.start": boom`, e.Error())

	assert.Equal(t, "BUFFER_OVERFLOW", New(BufferOverflow, "").Error())
}

func TestWrap_NilCause(t *testing.T) {
	assert.Nil(t, Wrap(HandlerFailed, nil, "x"))
}

func TestErrorsIs_MatchesByCode(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", New(KernelQuotaExceeded, "max events 5"))
	assert.True(t, errors.Is(err, New(KernelQuotaExceeded, "")))
	assert.False(t, errors.Is(err, New(BufferOverflow, "")))
	assert.Equal(t, KernelQuotaExceeded, CodeOf(err))
}

func TestHas_WalksNestedCodes(t *testing.T) {
	inner := New(KernelOperationTimeout, "slow")
	outer := Wrap(RetryExceeded, inner, "3 attempts")
	assert.True(t, Has(outer, RetryExceeded))
	assert.True(t, Has(outer, KernelOperationTimeout))
	assert.False(t, Has(outer, BufferOverflow))
	assert.Equal(t, RetryExceeded, CodeOf(outer))
}

func TestNormalize(t *testing.T) {
	assert.Nil(t, Normalize(nil))

	coded := New(BufferOverflow, "full")
	assert.Same(t, coded, Normalize(coded))

	e := Normalize(context.DeadlineExceeded)
	assert.Equal(t, KernelOperationTimeout, e.Code)

	e = Normalize(context.Canceled)
	assert.Equal(t, KernelCancelled, e.Code)

	e = Normalize(errors.New("plain"))
	assert.Equal(t, HandlerFailed, e.Code)
	assert.True(t, e.Retryable)
}

func TestWithContext_DoesNotOverwrite(t *testing.T) {
	e := New(HandlerFailed, "x")
	e.TenantID = "acme"

	c := e.WithContext("other", "exec-1", "corr-1")
	assert.Equal(t, "acme", c.TenantID)
	assert.Equal(t, "exec-1", c.ExecutionID)
	assert.Equal(t, "corr-1", c.CorrelationID)
	assert.Empty(t, e.ExecutionID, "original must be untouched")
}

func TestRetryableAndRecoverable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(New(KernelQuotaExceeded, "")))
	assert.True(t, IsRecoverable(nil))
	assert.False(t, IsRecoverable(New(KernelContextCorruption, "")))
}

func TestPermanent(t *testing.T) {
	p := Permanent(errors.New("plain"))
	require.NotNil(t, p)
	assert.Equal(t, HandlerFailed, p.Code)
	assert.False(t, p.Retryable)
	assert.Nil(t, Permanent(nil))
}
