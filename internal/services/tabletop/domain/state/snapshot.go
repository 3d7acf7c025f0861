package state

import (
	"fmt"

	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/encoding"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/patch"
)

// Snapshot is a state value pinned to a version and its content hash.
type Snapshot struct {
	State   *GameState `json:"state"`
	Version uint64     `json:"version"`
	Hash    string     `json:"hash"`
}

// NewSnapshot hashes s and pins it at version.
func NewSnapshot(s *GameState, version uint64) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, fmt.Errorf("state is required")
	}
	hash, err := encoding.ContentHash(s)
	if err != nil {
		return Snapshot{}, fmt.Errorf("hash state: %w", err)
	}
	return Snapshot{State: s, Version: version, Hash: hash}, nil
}

// Mutate runs fn against a draft copy of the snapshot state and returns the
// next snapshot together with the operations that turn the old state into
// the new one. When fn changes nothing the snapshot is returned as is. An
// error from fn discards the draft.
func Mutate(snap Snapshot, fn func(draft *GameState) error) (Snapshot, []patch.Operation, error) {
	if snap.State == nil {
		return snap, nil, fmt.Errorf("snapshot state is required")
	}
	before, err := encoding.ToTree(snap.State)
	if err != nil {
		return snap, nil, fmt.Errorf("encode state: %w", err)
	}

	draft := snap.State.Clone()
	if err := fn(draft); err != nil {
		return snap, nil, err
	}

	after, err := encoding.ToTree(draft)
	if err != nil {
		return snap, nil, fmt.Errorf("encode draft: %w", err)
	}
	ops := patch.Diff(before, after)
	if len(ops) == 0 {
		return snap, nil, nil
	}

	hash, err := encoding.ContentHash(after)
	if err != nil {
		return snap, nil, fmt.Errorf("hash draft: %w", err)
	}
	return Snapshot{State: draft, Version: snap.Version + 1, Hash: hash}, ops, nil
}

// ApplyTree applies ops to the tree form of s and decodes the result.
func ApplyTree(s *GameState, ops []patch.Operation) (*GameState, string, error) {
	tree, err := encoding.ToTree(s)
	if err != nil {
		return nil, "", fmt.Errorf("encode state: %w", err)
	}
	next, err := patch.Apply(tree, ops)
	if err != nil {
		return nil, "", err
	}
	hash, err := encoding.ContentHash(next)
	if err != nil {
		return nil, "", fmt.Errorf("hash state: %w", err)
	}
	out := &GameState{}
	if err := encoding.FromTree(next, out); err != nil {
		return nil, "", err
	}
	return out, hash, nil
}
