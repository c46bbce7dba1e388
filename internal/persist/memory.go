package persist

import (
	"context"
	"iter"
	"sync"

	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"go.uber.org/zap"
)

// MemoryConfig configures a MemoryPersistor.
type MemoryConfig struct {
	// MaxSnapshots bounds retained snapshots per execution. Eviction only
	// happens at full-snapshot boundaries, so a chain is never cut; the
	// retained count may exceed the bound until the next full snapshot.
	// Zero keeps everything.
	MaxSnapshots int
	Compress     bool
}

type memRecord struct {
	data    []byte
	isDelta bool
}

// MemoryPersistor keeps snapshots in a per-execution ring buffer.
type MemoryPersistor struct {
	cfg    MemoryConfig
	logger *zap.Logger

	mu      sync.RWMutex
	records map[string]*memRecord
	order   map[string][]string
	bytes   int64
	dedup   int64
	evicted int64
}

// MemoryOption configures a MemoryPersistor.
type MemoryOption func(*MemoryPersistor)

// WithMemoryLogger sets the logger.
func WithMemoryLogger(l *zap.Logger) MemoryOption {
	return func(m *MemoryPersistor) {
		if l != nil {
			m.logger = l.Named("persist")
		}
	}
}

// NewMemoryPersistor creates an in-memory backend.
func NewMemoryPersistor(cfg MemoryConfig, opts ...MemoryOption) *MemoryPersistor {
	m := &MemoryPersistor{
		cfg:     cfg,
		logger:  zap.NewNop(),
		records: make(map[string]*memRecord),
		order:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Append implements Persistor.
func (m *MemoryPersistor) Append(ctx context.Context, s *Snapshot, opts AppendOptions) (bool, error) {
	if s == nil {
		return false, ErrNilSnapshot
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := Seal(s); err != nil {
		return false, faults.Wrap(faults.PersistenceFailed, err, "seal snapshot")
	}
	data, err := encodeSnapshot(s, m.cfg.Compress)
	if err != nil {
		return false, faults.Wrap(faults.PersistenceFailed, err, "encode snapshot %s", s.Hash)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[s.Hash]; ok {
		m.dedup++
		return false, nil
	}
	if s.IsDelta && opts.VerifyBase {
		if _, ok := m.records[s.BaseHash]; !ok {
			return false, faults.New(faults.SnapshotChainBroken, "base %s not stored", s.BaseHash)
		}
	}

	m.records[s.Hash] = &memRecord{data: data, isDelta: s.IsDelta}
	m.order[s.ExecutionID] = append(m.order[s.ExecutionID], s.Hash)
	m.bytes += int64(len(data))
	if !opts.NoEvict {
		m.evictLocked(s.ExecutionID)
	}
	return true, nil
}

func (m *MemoryPersistor) evictLocked(execID string) {
	hashes := m.order[execID]
	if m.cfg.MaxSnapshots <= 0 || len(hashes) <= m.cfg.MaxSnapshots {
		return
	}
	isDelta := make([]bool, len(hashes))
	for i, h := range hashes {
		isDelta[i] = m.records[h].isDelta
	}
	cut := fullBoundary(isDelta, len(hashes)-m.cfg.MaxSnapshots)
	if cut == 0 {
		return
	}
	for _, h := range hashes[:cut] {
		m.bytes -= int64(len(m.records[h].data))
		delete(m.records, h)
		m.evicted++
	}
	m.order[execID] = append([]string(nil), hashes[cut:]...)
	m.logger.Debug("evicted snapshots",
		zap.String("execution.id", execID),
		zap.Int("count", cut))
}

// Load implements Persistor.
func (m *MemoryPersistor) Load(ctx context.Context, executionID string) iter.Seq2[*Snapshot, error] {
	return func(yield func(*Snapshot, error) bool) {
		hashes, _ := m.ListHashes(ctx, executionID)
		for _, h := range hashes {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			s, err := m.GetByHash(ctx, h)
			if faults.Has(err, faults.SnapshotNotFound) {
				continue // evicted while iterating
			}
			if !yield(s, err) || err != nil {
				return
			}
		}
	}
}

// Has implements Persistor.
func (m *MemoryPersistor) Has(_ context.Context, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[hash]
	return ok, nil
}

// GetByHash implements Persistor.
func (m *MemoryPersistor) GetByHash(_ context.Context, hash string) (*Snapshot, error) {
	m.mu.RLock()
	rec, ok := m.records[hash]
	m.mu.RUnlock()
	if !ok {
		return nil, faults.New(faults.SnapshotNotFound, "snapshot %s", hash)
	}
	s, err := decodeSnapshot(rec.data)
	if err != nil {
		return nil, faults.Wrap(faults.PersistenceFailed, err, "decode snapshot %s", hash)
	}
	return s, nil
}

// ListHashes implements Persistor.
func (m *MemoryPersistor) ListHashes(_ context.Context, executionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order[executionID]...), nil
}

// Stats implements Persistor.
func (m *MemoryPersistor) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{
		Executions:   len(m.order),
		Snapshots:    len(m.records),
		Bytes:        m.bytes,
		Deduplicated: m.dedup,
		Evicted:      m.evicted,
	}
	for _, r := range m.records {
		if r.isDelta {
			st.Deltas++
		}
	}
	return st, nil
}
