package bus

import (
	"context"
	"sync"
)

// MemorySink records notifications in memory, newest last. Limit bounds the
// retained count; zero keeps everything.
type MemorySink struct {
	Limit int

	mu    sync.Mutex
	items []Notification
}

// NewMemorySink returns a sink retaining at most limit notifications.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{Limit: limit}
}

// Publish implements Sink.
func (m *MemorySink) Publish(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, n)
	if m.Limit > 0 && len(m.items) > m.Limit {
		m.items = append([]Notification(nil), m.items[len(m.items)-m.Limit:]...)
	}
	return nil
}

// All returns a copy of the recorded notifications.
func (m *MemorySink) All() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.items...)
}

// OfKind returns recorded notifications of kind k.
func (m *MemorySink) OfKind(k Kind) []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Notification
	for _, n := range m.items {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}
