package persist

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"

	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	kvSnapPrefix  = "snap."
	kvIndexPrefix = "idx."

	// maxIndexRetries bounds compare-and-set attempts on an execution index.
	maxIndexRetries = 16
)

// KVConfig configures a KVPersistor.
type KVConfig struct {
	Bucket       string
	MaxSnapshots int
	Compress     bool
	// Replicas and Storage are only used when the bucket is created.
	Replicas int
	Storage  nats.StorageType
}

type indexEntry struct {
	Hash    string `json:"h"`
	IsDelta bool   `json:"d,omitempty"`
}

// KVPersistor stores snapshots in a NATS JetStream key-value bucket. Every
// snapshot lives under snap.<hash>, written with kv.Create so concurrent
// writers of the same hash collapse to one record. The per-execution order
// lives under idx.<execution> and is updated with revision-checked writes.
type KVPersistor struct {
	kv     nats.KeyValue
	cfg    KVConfig
	logger *zap.Logger

	dedup   atomic.Int64
	evicted atomic.Int64
}

// KVOption configures a KVPersistor.
type KVOption func(*KVPersistor)

// WithKVLogger sets the logger.
func WithKVLogger(l *zap.Logger) KVOption {
	return func(p *KVPersistor) {
		if l != nil {
			p.logger = l.Named("persist.kv")
		}
	}
}

// NewKVPersistor binds to cfg.Bucket, creating it when missing.
func NewKVPersistor(js nats.JetStreamContext, cfg KVConfig, opts ...KVOption) (*KVPersistor, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = "runtimed_snapshots"
	}
	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "runtimed execution snapshots",
			History:     1,
			Storage:     cfg.Storage,
			Replicas:    cfg.Replicas,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", cfg.Bucket, err)
	}

	p := &KVPersistor{kv: kv, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func indexKey(executionID string) string {
	return kvIndexPrefix + base64.RawURLEncoding.EncodeToString([]byte(executionID))
}

// Append implements Persistor.
func (p *KVPersistor) Append(ctx context.Context, s *Snapshot, opts AppendOptions) (bool, error) {
	if s == nil {
		return false, ErrNilSnapshot
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := Seal(s); err != nil {
		return false, faults.Wrap(faults.PersistenceFailed, err, "seal snapshot")
	}
	if s.IsDelta && opts.VerifyBase {
		ok, err := p.Has(ctx, s.BaseHash)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, faults.New(faults.SnapshotChainBroken, "base %s not stored", s.BaseHash)
		}
	}

	data, err := encodeSnapshot(s, p.cfg.Compress)
	if err != nil {
		return false, faults.Wrap(faults.PersistenceFailed, err, "encode snapshot %s", s.Hash)
	}

	created := true
	if _, err := p.kv.Create(kvSnapPrefix+s.Hash, data); err != nil {
		if !errors.Is(err, nats.ErrKeyExists) {
			return false, faults.Wrap(faults.PersistenceFailed, err, "store snapshot %s", s.Hash)
		}
		created = false
		p.dedup.Add(1)
	}

	// A prior writer may have stored the record but failed before indexing
	// it, so the index is reconciled even on dedup.
	if err := p.index(ctx, s, opts.NoEvict); err != nil {
		return false, err
	}
	return created, nil
}

func (p *KVPersistor) index(ctx context.Context, s *Snapshot, noEvict bool) error {
	key := indexKey(s.ExecutionID)
	for attempt := 0; attempt < maxIndexRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, rev, err := p.readIndex(key)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Hash == s.Hash {
				return nil
			}
		}
		entries = append(entries, indexEntry{Hash: s.Hash, IsDelta: s.IsDelta})
		var evict []string
		if !noEvict {
			entries, evict = p.retain(entries)
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return faults.Wrap(faults.PersistenceFailed, err, "marshal index")
		}
		if rev == 0 {
			_, err = p.kv.Create(key, b)
		} else {
			_, err = p.kv.Update(key, b, rev)
		}
		if err != nil {
			p.logger.Debug("index write conflict, retrying",
				zap.String("execution.id", s.ExecutionID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		p.purge(evict)
		return nil
	}
	return faults.New(faults.PersistenceFailed, "index for %s: too many concurrent writers", s.ExecutionID)
}

func (p *KVPersistor) readIndex(key string) ([]indexEntry, uint64, error) {
	entry, err := p.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, faults.Wrap(faults.PersistenceFailed, err, "read index")
	}
	var entries []indexEntry
	if err := json.Unmarshal(entry.Value(), &entries); err != nil {
		return nil, 0, faults.Wrap(faults.PersistenceFailed, err, "decode index")
	}
	return entries, entry.Revision(), nil
}

func (p *KVPersistor) retain(entries []indexEntry) ([]indexEntry, []string) {
	if p.cfg.MaxSnapshots <= 0 || len(entries) <= p.cfg.MaxSnapshots {
		return entries, nil
	}
	isDelta := make([]bool, len(entries))
	for i, e := range entries {
		isDelta[i] = e.IsDelta
	}
	cut := fullBoundary(isDelta, len(entries)-p.cfg.MaxSnapshots)
	if cut == 0 {
		return entries, nil
	}
	evict := make([]string, cut)
	for i, e := range entries[:cut] {
		evict[i] = e.Hash
	}
	return entries[cut:], evict
}

func (p *KVPersistor) purge(hashes []string) {
	for _, h := range hashes {
		if err := p.kv.Purge(kvSnapPrefix + h); err != nil {
			p.logger.Warn("failed to purge evicted snapshot", zap.String("hash", h), zap.Error(err))
			continue
		}
		p.evicted.Add(1)
	}
}

// Load implements Persistor.
func (p *KVPersistor) Load(ctx context.Context, executionID string) iter.Seq2[*Snapshot, error] {
	return func(yield func(*Snapshot, error) bool) {
		hashes, err := p.ListHashes(ctx, executionID)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, h := range hashes {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			s, err := p.GetByHash(ctx, h)
			if !yield(s, err) || err != nil {
				return
			}
		}
	}
}

// Has implements Persistor.
func (p *KVPersistor) Has(_ context.Context, hash string) (bool, error) {
	_, err := p.kv.Get(kvSnapPrefix + hash)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, faults.Wrap(faults.PersistenceFailed, err, "lookup %s", hash)
	}
	return true, nil
}

// GetByHash implements Persistor.
func (p *KVPersistor) GetByHash(_ context.Context, hash string) (*Snapshot, error) {
	entry, err := p.kv.Get(kvSnapPrefix + hash)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, faults.New(faults.SnapshotNotFound, "snapshot %s", hash)
	}
	if err != nil {
		return nil, faults.Wrap(faults.PersistenceFailed, err, "get %s", hash)
	}
	s, err := decodeSnapshot(entry.Value())
	if err != nil {
		return nil, faults.Wrap(faults.PersistenceFailed, err, "decode snapshot %s", hash)
	}
	return s, nil
}

// ListHashes implements Persistor.
func (p *KVPersistor) ListHashes(_ context.Context, executionID string) ([]string, error) {
	entries, _, err := p.readIndex(indexKey(executionID))
	if err != nil {
		return nil, err
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Hash
	}
	return out, nil
}

// Stats implements Persistor.
func (p *KVPersistor) Stats(_ context.Context) (Stats, error) {
	st := Stats{
		Deduplicated: p.dedup.Load(),
		Evicted:      p.evicted.Load(),
	}

	keys, err := p.kv.Keys()
	if err != nil && !errors.Is(err, nats.ErrNoKeysFound) {
		return st, faults.Wrap(faults.PersistenceFailed, err, "list keys")
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, kvIndexPrefix) {
			continue
		}
		entries, _, err := p.readIndex(k)
		if err != nil {
			return st, err
		}
		st.Executions++
		st.Snapshots += len(entries)
		for _, e := range entries {
			if e.IsDelta {
				st.Deltas++
			}
		}
	}

	status, err := p.kv.Status()
	if err != nil {
		return st, faults.Wrap(faults.PersistenceFailed, err, "bucket status")
	}
	st.Bytes = int64(status.Bytes())
	return st, nil
}
