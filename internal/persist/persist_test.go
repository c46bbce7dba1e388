package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T, typ string, data any) event.Event {
	t.Helper()
	ev, err := event.New(typ, data, event.EmitOptions{ThreadID: "th"})
	require.NoError(t, err)
	return ev
}

// fold applies "add" events to a {"count":N,...} document.
func fold(t *testing.T, state map[string]any, events []event.Event) map[string]any {
	t.Helper()
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	for _, ev := range events {
		var d struct{ N float64 }
		require.NoError(t, ev.Decode(&d))
		count, _ := out["count"].(float64)
		out["count"] = count + d.N
		out["last"] = ev.ID
	}
	return out
}

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func decodeState(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestComputeHash_IgnoresTimestamp(t *testing.T) {
	ev := mustEvent(t, "add", map[string]int{"n": 1})
	a, err := NewSnapshot("exec-1", []event.Event{ev}, json.RawMessage(`{"b":1,"a":2}`))
	require.NoError(t, err)
	b, err := NewSnapshot("exec-1", []event.Event{ev}, json.RawMessage(`{ "a": 2, "b": 1 }`))
	require.NoError(t, err)
	b.Timestamp = a.Timestamp.Add(1e9)
	require.NoError(t, Seal(b))

	assert.Len(t, a.Hash, 64)
	assert.Equal(t, a.Hash, b.Hash, "key order, whitespace and timestamp must not affect hash")

	c, _ := NewSnapshot("exec-2", []event.Event{ev}, json.RawMessage(`{"a":2,"b":1}`))
	assert.NotEqual(t, a.Hash, c.Hash)
}

func TestDiffAndApplyDelta(t *testing.T) {
	base := json.RawMessage(`{"keep":1,"change":"old","drop":true,"a.b":1}`)
	next := json.RawMessage(`{"keep":1,"change":"new","add":[1,2],"a.b":2}`)

	d, err := Diff(base, next)
	require.NoError(t, err)
	assert.Equal(t, []string{"drop"}, d.Unset)
	assert.Len(t, d.Set, 3)
	assert.NotContains(t, d.Set, "keep")

	out, err := ApplyDelta(base, d)
	require.NoError(t, err)
	assert.JSONEq(t, string(next), string(out))
	assert.JSONEq(t, `{"keep":1,"change":"old","drop":true,"a.b":1}`, string(base), "input must not change")
}

func TestDiff_RejectsNonObject(t *testing.T) {
	_, err := Diff(json.RawMessage(`[1,2]`), nil)
	assert.ErrorIs(t, err, ErrStateNotObject)

	out, err := ApplyDelta(nil, &StateDelta{Set: map[string]json.RawMessage{"x": json.RawMessage(`1`)}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(out))
}

func TestNewDelta_RequiresAppendOnlyHistory(t *testing.T) {
	e1 := mustEvent(t, "add", map[string]int{"n": 1})
	e2 := mustEvent(t, "add", map[string]int{"n": 2})
	base, err := NewSnapshot("exec-1", []event.Event{e1}, json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = NewDelta(base, []event.Event{e2}, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotAppendOnly)

	d, err := NewDelta(base, []event.Event{e1, e2}, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, d.IsDelta)
	assert.Equal(t, base.Hash, d.BaseHash)
	assert.Len(t, d.EventsDelta, 1)
	assert.Nil(t, d.StateDelta)
}

func backends(t *testing.T) map[string]Persistor {
	t.Helper()
	return map[string]Persistor{
		"memory":            NewMemoryPersistor(MemoryConfig{}),
		"memory-compressed": NewMemoryPersistor(MemoryConfig{Compress: true}),
		"kv":                newTestKV(t, KVConfig{Bucket: "snapshots_rt"}),
	}
}

func TestSnapshotRoundTrip_FullAndDelta(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			pre := map[string]any{"count": float64(0)}

			batch1 := []event.Event{mustEvent(t, "add", map[string]int{"n": 2}), mustEvent(t, "add", map[string]int{"n": 3})}
			state1 := fold(t, pre, batch1)
			full, err := NewSnapshot("exec-rt", batch1, marshal(t, state1))
			require.NoError(t, err)
			stored, err := p.Append(ctx, full, AppendOptions{})
			require.NoError(t, err)
			assert.True(t, stored)

			view, err := Materialize(ctx, p, "exec-rt")
			require.NoError(t, err)
			assert.Equal(t, state1, decodeState(t, view.State))
			assert.Len(t, view.Events, 2)

			batch2 := []event.Event{mustEvent(t, "add", map[string]int{"n": 10})}
			all := append(append([]event.Event(nil), batch1...), batch2...)
			state2 := fold(t, state1, batch2)
			delta, err := NewDelta(view, all, marshal(t, state2))
			require.NoError(t, err)
			_, err = p.Append(ctx, delta, AppendOptions{VerifyBase: true})
			require.NoError(t, err)

			view, err = Materialize(ctx, p, "exec-rt")
			require.NoError(t, err)
			assert.Equal(t, delta.Hash, view.Hash)
			assert.False(t, view.IsDelta)
			assert.Equal(t, fold(t, pre, all), decodeState(t, view.State))
			require.Len(t, view.Events, 3)
			assert.Equal(t, batch2[0].ID, view.Events[2].ID)

			var loaded []*Snapshot
			for s, err := range p.Load(ctx, "exec-rt") {
				require.NoError(t, err)
				loaded = append(loaded, s)
			}
			require.Len(t, loaded, 2)
			assert.False(t, loaded[0].IsDelta)
			assert.True(t, loaded[1].IsDelta)
		})
	}
}

func TestAppend_Dedup(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s1, err := NewSnapshot("exec-dedup", nil, json.RawMessage(`{"v":1}`))
			require.NoError(t, err)
			s2, err := NewSnapshot("exec-dedup", nil, json.RawMessage(`{"v":1}`))
			require.NoError(t, err)

			first, err := p.Append(ctx, s1, AppendOptions{})
			require.NoError(t, err)
			assert.True(t, first)

			has, err := p.Has(ctx, s1.Hash)
			require.NoError(t, err)
			assert.True(t, has)

			second, err := p.Append(ctx, s2, AppendOptions{})
			require.NoError(t, err)
			assert.False(t, second)

			hashes, err := p.ListHashes(ctx, "exec-dedup")
			require.NoError(t, err)
			assert.Equal(t, []string{s1.Hash}, hashes)

			st, err := p.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), st.Deduplicated)
		})
	}
}

func TestMemoryPersistor_ConcurrentDedup(t *testing.T) {
	p := NewMemoryPersistor(MemoryConfig{})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := NewSnapshot("exec-c", nil, json.RawMessage(`{"same":true}`))
			if err != nil {
				return
			}
			ok, err := p.Append(ctx, s, AppendOptions{})
			if err == nil {
				results <- ok
			}
		}()
	}
	wg.Wait()
	close(results)

	stored := 0
	for ok := range results {
		if ok {
			stored++
		}
	}
	assert.Equal(t, 1, stored)
}

func TestAppend_VerifyBase(t *testing.T) {
	p := NewMemoryPersistor(MemoryConfig{})
	d := &Snapshot{ExecutionID: "e", IsDelta: true, BaseHash: "missing"}
	_, err := p.Append(context.Background(), d, AppendOptions{VerifyBase: true})
	assert.True(t, faults.Has(err, faults.SnapshotChainBroken))
}

func TestMaterialize_Errors(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPersistor(MemoryConfig{})

	_, err := Materialize(ctx, p, "nothing")
	assert.Equal(t, faults.SnapshotNotFound, faults.CodeOf(err))

	orphan := &Snapshot{ExecutionID: "orphan", IsDelta: true, BaseHash: "gone"}
	_, err = p.Append(ctx, orphan, AppendOptions{})
	require.NoError(t, err)
	_, err = Materialize(ctx, p, "orphan")
	assert.Equal(t, faults.SnapshotChainBroken, faults.CodeOf(err))
}

func TestMemoryPersistor_RetentionKeepsChains(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPersistor(MemoryConfig{MaxSnapshots: 2})

	head, err := NewSnapshot("exec-r", nil, json.RawMessage(`{"i":0}`))
	require.NoError(t, err)
	_, err = p.Append(ctx, head, AppendOptions{})
	require.NoError(t, err)

	view := head
	for i := 1; i <= 3; i++ {
		d, err := NewDelta(view, nil, json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)))
		require.NoError(t, err)
		_, err = p.Append(ctx, d, AppendOptions{VerifyBase: true})
		require.NoError(t, err)
		view, err = Materialize(ctx, p, "exec-r")
		require.NoError(t, err)
	}

	hashes, _ := p.ListHashes(ctx, "exec-r")
	assert.Len(t, hashes, 4, "no full snapshot to cut at yet")

	full, err := NewSnapshot("exec-r", nil, json.RawMessage(`{"i":4}`))
	require.NoError(t, err)
	_, err = p.Append(ctx, full, AppendOptions{})
	require.NoError(t, err)
	d, err := NewDelta(full, nil, json.RawMessage(`{"i":5}`))
	require.NoError(t, err)
	_, err = p.Append(ctx, d, AppendOptions{})
	require.NoError(t, err)

	hashes, _ = p.ListHashes(ctx, "exec-r")
	assert.Equal(t, []string{full.Hash, d.Hash}, hashes)

	view, err = Materialize(ctx, p, "exec-r")
	require.NoError(t, err)
	assert.JSONEq(t, `{"i":5}`, string(view.State))

	st, _ := p.Stats(ctx)
	assert.Equal(t, int64(4), st.Evicted)
	assert.Equal(t, 1, st.Deltas)
}

func TestCompressRoundTrip(t *testing.T) {
	in := []byte(`{"payload":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`)
	c, err := Compress(in)
	require.NoError(t, err)
	assert.True(t, IsCompressed(c))

	out, err := Decompress(c)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	plain, err := Decompress(in)
	require.NoError(t, err)
	assert.Equal(t, in, plain)
}
