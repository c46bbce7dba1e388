package persist

import (
	"context"
	"iter"

	"github.com/fyrsmithlabs/runtimed/internal/faults"
)

// AppendOptions control a single Append.
type AppendOptions struct {
	// VerifyBase rejects a delta whose base is not stored.
	VerifyBase bool
	// NoEvict exempts the execution from MaxSnapshots retention. Journals
	// set it: an unacknowledged record must outlive any count bound.
	NoEvict bool
}

// Stats summarizes a backend.
type Stats struct {
	Executions   int   `json:"executions"`
	Snapshots    int   `json:"snapshots"`
	Deltas       int   `json:"deltas"`
	Bytes        int64 `json:"bytes"`
	Deduplicated int64 `json:"deduplicated"`
	Evicted      int64 `json:"evicted"`
}

// Persistor is an append-only, content-addressed snapshot store.
//
// Append seals the snapshot (sets Hash) and is a no-op returning false when a
// snapshot with the same hash already exists. Append and Has are atomic per
// hash. Load yields an execution's snapshots in append order.
type Persistor interface {
	Append(ctx context.Context, s *Snapshot, opts AppendOptions) (bool, error)
	Load(ctx context.Context, executionID string) iter.Seq2[*Snapshot, error]
	Has(ctx context.Context, hash string) (bool, error)
	GetByHash(ctx context.Context, hash string) (*Snapshot, error)
	ListHashes(ctx context.Context, executionID string) ([]string, error)
	Stats(ctx context.Context) (Stats, error)
}

// Latest returns the hash of the most recent snapshot for executionID.
func Latest(ctx context.Context, p Persistor, executionID string) (string, error) {
	hashes, err := p.ListHashes(ctx, executionID)
	if err != nil {
		return "", err
	}
	if len(hashes) == 0 {
		return "", faults.New(faults.SnapshotNotFound, "no snapshots for execution %s", executionID)
	}
	return hashes[len(hashes)-1], nil
}

// Materialize reconstructs the full view of the latest snapshot of
// executionID.
func Materialize(ctx context.Context, p Persistor, executionID string) (*Snapshot, error) {
	head, err := Latest(ctx, p, executionID)
	if err != nil {
		return nil, err
	}
	return MaterializeAt(ctx, p, head)
}

// MaterializeAt reconstructs the full view named by hash by walking BaseHash
// links back to a full snapshot and folding the deltas forward. The result
// has IsDelta=false and Hash=hash.
func MaterializeAt(ctx context.Context, p Persistor, hash string) (*Snapshot, error) {
	var chain []*Snapshot
	seen := make(map[string]bool)

	cur := hash
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if seen[cur] {
			return nil, faults.New(faults.SnapshotChainBroken, "cycle at %s", cur)
		}
		seen[cur] = true

		s, err := p.GetByHash(ctx, cur)
		if err != nil {
			if cur != hash && faults.Has(err, faults.SnapshotNotFound) {
				return nil, faults.Wrap(faults.SnapshotChainBroken, err, "missing base %s", cur)
			}
			return nil, err
		}
		chain = append(chain, s)
		if !s.IsDelta {
			break
		}
		cur = s.BaseHash
	}

	view := chain[len(chain)-1].Clone()
	for i := len(chain) - 2; i >= 0; i-- {
		next, err := apply(view, chain[i])
		if err != nil {
			return nil, faults.Wrap(faults.SnapshotChainBroken, err, "apply delta %s", chain[i].Hash)
		}
		view = next
	}
	return view, nil
}

// fullBoundary returns the index of the newest full snapshot at or before
// limit. Entries before it can be evicted without breaking any retained
// chain. Returns 0 when none qualifies.
func fullBoundary(isDelta []bool, limit int) int {
	for i := limit; i > 0; i-- {
		if !isDelta[i] {
			return i
		}
	}
	return 0
}
