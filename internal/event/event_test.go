package event

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	ev, err := New("review.start", map[string]int{"pr": 7}, EmitOptions{
		ThreadID: "pr-7",
		TenantID: "acme",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "review.start", ev.Type)
	assert.JSONEq(t, `{"pr":7}`, string(ev.Data))
	assert.Equal(t, AtLeastOnce, ev.Metadata.DeliveryGuarantee)
	assert.Equal(t, "acme", ev.Metadata.TenantID)
	assert.False(t, ev.Timestamp.IsZero())

	var out struct{ PR int }
	require.NoError(t, ev.Decode(&out))
	assert.Equal(t, 7, out.PR)
}

func TestNew_Errors(t *testing.T) {
	_, err := New("", nil, EmitOptions{})
	assert.ErrorIs(t, err, ErrEmptyType)

	_, err = New("x", []byte("{not json"), EmitOptions{})
	assert.ErrorIs(t, err, ErrInvalidData)

	_, err = New("x", func() {}, EmitOptions{})
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestNew_CopiesRawData(t *testing.T) {
	raw := json.RawMessage(`{"a":1}`)
	ev, err := New("x", raw, EmitOptions{})
	require.NoError(t, err)
	raw[2] = 'b'
	assert.JSONEq(t, `{"a":1}`, string(ev.Data))
}

func TestOperationHash(t *testing.T) {
	a, _ := New("x", map[string]int{"n": 1}, EmitOptions{ThreadID: "t"})
	b, _ := New("x", map[string]int{"n": 1}, EmitOptions{ThreadID: "t"})
	c, _ := New("x", map[string]int{"n": 2}, EmitOptions{ThreadID: "t"})
	assert.NotEqual(t, a.ID, b.ID)
	// Same content is still two operations.
	assert.NotEqual(t, a.OperationHash(), b.OperationHash())
	assert.Equal(t, a.ID, a.OperationHash())
	assert.Equal(t, c.ID, c.OperationHash())

	k, _ := New("x", nil, EmitOptions{IdempotencyKey: "op-1"})
	assert.Equal(t, "op-1", k.OperationHash())
}

func TestDeriveAndCheckChain(t *testing.T) {
	root, _ := New("plan.step", map[string]int{"step": 1}, EmitOptions{TenantID: "acme", ExecutionID: "e1", ThreadID: "th"})
	child, err := Derive(root, "tool.call", map[string]string{"tool": "lint"}, EmitOptions{})
	require.NoError(t, err)

	assert.Equal(t, root.ID, child.Metadata.CausationID)
	assert.Equal(t, 1, child.Metadata.Depth)
	assert.Equal(t, []string{root.Signature()}, child.Metadata.Lineage)
	assert.Equal(t, "acme", child.Metadata.TenantID)
	assert.Equal(t, "th", child.ThreadID)
	require.NoError(t, CheckChain(child, 10, 10))

	// Same type and payload as an ancestor is a loop.
	loop, _ := Derive(child, "plan.step", map[string]int{"step": 1}, EmitOptions{})
	assert.True(t, faults.Has(CheckChain(loop, 10, 10), faults.EventLoopDetected))

	// Chain length limit.
	assert.True(t, faults.Has(CheckChain(child, 10, 1), faults.EventChainTooLong))

	// Depth limit.
	deep := child
	deep.Metadata.Depth = 11
	assert.True(t, faults.Has(CheckChain(deep, 10, 0), faults.EventLoopDetected))
}

func TestRegistry_ExactAndWildcard(t *testing.T) {
	r := NewRegistry()
	var calls []string
	r.On("review.start", func(context.Context, Event) error { calls = append(calls, "exact"); return nil })
	r.On(Wildcard, func(context.Context, Event) error { calls = append(calls, "wild"); return nil })
	r.On("review.*", func(context.Context, Event) error { calls = append(calls, "pattern"); return nil })

	ev, _ := New("review.start", nil, EmitOptions{})
	require.NoError(t, r.Dispatch(context.Background(), ev))
	assert.Equal(t, []string{"exact", "wild"}, calls, "patterns are consulted only when exact/wildcard find nothing")
}

func TestRegistry_PatternFallback(t *testing.T) {
	r := NewRegistry()
	var calls []string
	r.On("review.*", func(context.Context, Event) error { calls = append(calls, "glob"); return nil })
	r.OnRegexp(regexp.MustCompile(`^review\.(done|start)$`), func(context.Context, Event) error {
		calls = append(calls, "regexp")
		return nil
	})

	ev, _ := New("review.done", nil, EmitOptions{})
	require.NoError(t, r.Dispatch(context.Background(), ev))
	assert.Equal(t, []string{"glob", "regexp"}, calls)
}

func TestRegistry_NotFound(t *testing.T) {
	r := NewRegistry()
	ev, _ := New("unknown", nil, EmitOptions{})
	err := r.Dispatch(context.Background(), ev)
	assert.Equal(t, faults.HandlerNotFound, faults.CodeOf(err))
}

func TestRegistry_StopsAtFirstError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	second := false
	r.On("x", func(context.Context, Event) error { return boom })
	r.On("x", func(context.Context, Event) error { second = true; return nil })

	ev, _ := New("x", nil, EmitOptions{})
	assert.ErrorIs(t, r.Dispatch(context.Background(), ev), boom)
	assert.False(t, second)
}

func TestRegistry_Off(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, Event) error { return nil }
	id1 := r.On("x", noop)
	id2 := r.On(Wildcard, noop)
	id3 := r.On("x.*", noop)
	assert.Equal(t, 3, r.Len())

	assert.True(t, r.Off("x", id1))
	assert.False(t, r.Off("x", id1))
	assert.True(t, r.Off(Wildcard, id2))
	assert.True(t, r.Off("x.*", id3))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_CloneIsIndependent(t *testing.T) {
	tmpl := NewRegistry()
	noop := func(context.Context, Event) error { return nil }
	tmpl.On("x", noop)

	c := tmpl.Clone()
	c.On("y", noop)
	assert.Len(t, tmpl.Handlers("y"), 0)
	assert.Len(t, c.Handlers("x"), 1)
}
