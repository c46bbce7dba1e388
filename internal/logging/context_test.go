package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestContextWithExecution(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		exec    *Execution
		wantErr bool
	}{
		{"tenant only", &Execution{TenantID: "acme"}, false},
		{"full", &Execution{TenantID: "acme", ExecutionID: "exec-1", CorrelationID: "c_1"}, false},
		{"nil", nil, true},
		{"bad tenant", &Execution{TenantID: "../etc"}, true},
		{"bad execution", &Execution{TenantID: "acme", ExecutionID: "a b"}, true},
		{"bad correlation", &Execution{TenantID: "acme", CorrelationID: "x;y"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ContextWithExecution(ctx, tt.exec)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, ExecutionFromContext(got))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.exec, ExecutionFromContext(got))
		})
	}

	assert.Panics(t, func() { WithExecution(ctx, &Execution{}) })
}

func TestContextWithRequestID(t *testing.T) {
	ctx := context.Background()

	got, err := ContextWithRequestID(ctx, "3f2a-req_1")
	require.NoError(t, err)
	assert.Equal(t, []zap.Field{zap.String("request.id", "3f2a-req_1")}, ContextFields(got))

	for _, bad := range []string{"", "has space", strings.Repeat("a", 129)} {
		_, err := ContextWithRequestID(ctx, bad)
		assert.Error(t, err, bad)
	}
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithExecution(context.Background(), &Execution{TenantID: "acme"})
	tl.Debug(ctx, "paused for shutdown", zap.Int("executions", 2))

	tl.AssertLogged(t, zapcore.DebugLevel, "paused")
	tl.AssertNotLogged(t, zapcore.InfoLevel, "paused")
	tl.AssertField(t, "paused for shutdown", "executions", 2)
	tl.AssertField(t, "paused for shutdown", "tenant.id", "acme")
	assert.Len(t, tl.All(), 1)
}
