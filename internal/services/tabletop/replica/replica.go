// Package replica keeps a client-side copy of a session state in step with
// the patches the authority broadcasts.
package replica

import (
	"errors"
	"fmt"
	"sync"

	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
	"github.com/louisbranch/tabletop/internal/services/tabletop/transport/ws"
)

// DefaultMaxPending bounds how many out-of-order patches are buffered.
const DefaultMaxPending = 64

var (
	// ErrResyncRequired means the local copy can no longer follow the patch
	// stream and must be replaced by a fresh snapshot.
	ErrResyncRequired = errors.New("replica resync required")
	// ErrNotJoined means no snapshot has been loaded yet.
	ErrNotJoined = errors.New("replica has no snapshot")
)

// Result describes what Apply did with a patch.
type Result int

const (
	// Applied means the patch and any buffered successors were applied.
	Applied Result = iota
	// Buffered means the patch is ahead of the local version.
	Buffered
	// Stale means the patch is at or below the local version.
	Stale
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Buffered:
		return "buffered"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Replica is a version-ordered copy of one session state.
type Replica struct {
	maxPending int

	mu      sync.Mutex
	snap    state.Snapshot
	joined  bool
	resync  bool
	pending map[uint64]ws.PatchPayload
}

// New creates an empty replica. maxPending <= 0 uses DefaultMaxPending.
func New(maxPending int) *Replica {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Replica{maxPending: maxPending, pending: make(map[uint64]ws.PatchPayload)}
}

// Reset replaces the local copy with a joined snapshot. The snapshot hash
// is recomputed and must match the one the server sent.
func (r *Replica) Reset(joined ws.JoinedPayload) error {
	if joined.State == nil {
		return fmt.Errorf("joined snapshot has no state")
	}
	snap, err := state.NewSnapshot(joined.State, joined.Version)
	if err != nil {
		return err
	}
	if joined.Hash != "" && snap.Hash != joined.Hash {
		return fmt.Errorf("snapshot %d hash %s, server sent %s", joined.Version, snap.Hash, joined.Hash)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap = snap
	r.joined = true
	r.resync = false
	for version := range r.pending {
		if version <= snap.Version {
			delete(r.pending, version)
		}
	}
	return nil
}

// Apply feeds one broadcast patch into the replica. Only the patch at
// local+1 is applied; later ones are buffered until the gap closes and
// earlier ones are dropped. ErrResyncRequired is returned when the
// buffer overflows, a patch does not build on the local version, or the
// resulting hash differs from the server's. That error is returned once;
// later patches are dropped until the next Reset.
func (r *Replica) Apply(p ws.PatchPayload) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined {
		return Stale, ErrNotJoined
	}
	if r.resync {
		// Dropped until Reset loads a fresh snapshot.
		return Stale, nil
	}
	if p.Version <= r.snap.Version {
		return Stale, nil
	}
	if p.Version > r.snap.Version+1 {
		r.pending[p.Version] = p
		if len(r.pending) > r.maxPending {
			r.resync = true
			return Buffered, fmt.Errorf("%d patches buffered past version %d: %w", len(r.pending), r.snap.Version, ErrResyncRequired)
		}
		return Buffered, nil
	}

	if err := r.applyLocked(p); err != nil {
		return Stale, err
	}
	for {
		next, ok := r.pending[r.snap.Version+1]
		if !ok {
			break
		}
		delete(r.pending, next.Version)
		if err := r.applyLocked(next); err != nil {
			return Applied, err
		}
	}
	return Applied, nil
}

func (r *Replica) applyLocked(p ws.PatchPayload) error {
	if p.BaseVersion != r.snap.Version {
		r.resync = true
		return fmt.Errorf("patch %d builds on %d, local is %d: %w", p.Version, p.BaseVersion, r.snap.Version, ErrResyncRequired)
	}
	next, hash, err := state.ApplyTree(r.snap.State, p.Operations)
	if err != nil {
		r.resync = true
		return fmt.Errorf("apply patch %d: %v: %w", p.Version, err, ErrResyncRequired)
	}
	if hash != p.Hash {
		r.resync = true
		return fmt.Errorf("patch %d hash %s, server sent %s: %w", p.Version, hash, p.Hash, ErrResyncRequired)
	}
	r.snap = state.Snapshot{State: next, Version: p.Version, Hash: hash}
	return nil
}

// Snapshot returns the local copy. The state must not be mutated.
func (r *Replica) Snapshot() state.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Pending returns how many patches are buffered.
func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Replica) joinedOnce() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined
}

// NeedsResync reports whether the replica stopped following the stream.
func (r *Replica) NeedsResync() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resync
}
