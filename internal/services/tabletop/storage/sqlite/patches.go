package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/tabletop/internal/services/tabletop/authority"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/encoding"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/patch"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
	"github.com/louisbranch/tabletop/internal/services/tabletop/storage"
)

// AppendPatch records an applied patch set. Versions are unique per session.
func (s *Store) AppendPatch(ctx context.Context, set authority.PatchSet) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(set.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	ops, err := json.Marshal(set.Operations)
	if err != nil {
		return fmt.Errorf("marshal operations: %w", err)
	}
	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO patch_log (session_id, version, base_version, request_id, hash, operations, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		set.SessionID,
		int64(set.Version),
		int64(set.BaseVersion),
		set.RequestID,
		set.Hash,
		string(ops),
		toMillis(s.now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("patch %s@%d: %w", set.SessionID, set.Version, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("append patch: %w", err)
	}
	return nil
}

// ListPatches returns the patch sets after afterVersion in version order.
func (s *Store) ListPatches(ctx context.Context, sessionID string, afterVersion uint64) ([]authority.PatchSet, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT version, base_version, request_id, hash, operations
		 FROM patch_log WHERE session_id = ? AND version > ? ORDER BY version`,
		sessionID, int64(afterVersion),
	)
	if err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}
	defer rows.Close()

	var sets []authority.PatchSet
	for rows.Next() {
		var (
			version, base int64
			ops           string
			set           = authority.PatchSet{SessionID: sessionID}
		)
		if err := rows.Scan(&version, &base, &set.RequestID, &set.Hash, &ops); err != nil {
			return nil, fmt.Errorf("scan patch: %w", err)
		}
		set.Version = uint64(version)
		set.BaseVersion = uint64(base)
		if set.Operations, err = decodeOperations(ops); err != nil {
			return nil, fmt.Errorf("decode patch %d: %w", version, err)
		}
		sets = append(sets, set)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patches: %w", err)
	}
	return sets, nil
}

// SaveSnapshot stores snap as zstd-compressed canonical JSON.
func (s *Store) SaveSnapshot(ctx context.Context, sessionID string, snap state.Snapshot) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if snap.State == nil {
		return fmt.Errorf("snapshot state is required")
	}
	canonical, err := encoding.CanonicalJSON(snap.State)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	body := s.encoder.EncodeAll(canonical, nil)
	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO snapshots (session_id, version, hash, body, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, int64(snap.Version), snap.Hash, body, toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the highest-versioned snapshot of a session.
func (s *Store) LatestSnapshot(ctx context.Context, sessionID string) (state.Snapshot, error) {
	if err := s.ready(ctx); err != nil {
		return state.Snapshot{}, err
	}
	var (
		version int64
		hash    string
		body    []byte
	)
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT version, hash, body FROM snapshots WHERE session_id = ? ORDER BY version DESC LIMIT 1`,
		sessionID,
	).Scan(&version, &hash, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	canonical, err := s.decoder.DecodeAll(body, nil)
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("decompress snapshot: %w", err)
	}
	tree, err := encoding.DecodeTree(canonical)
	if err != nil {
		return state.Snapshot{}, err
	}
	gs := &state.GameState{}
	if err := encoding.FromTree(tree, gs); err != nil {
		return state.Snapshot{}, err
	}
	return state.Snapshot{State: gs, Version: uint64(version), Hash: hash}, nil
}

// LoadState rebuilds the session state from the latest snapshot and the
// patches logged after it. A session without snapshots starts from its
// campaign documents, persisted as the version 0 snapshot.
func (s *Store) LoadState(ctx context.Context, sessionID string) (state.Snapshot, error) {
	rec, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("session %s: %w", sessionID, err)
	}

	snap, err := s.LatestSnapshot(ctx, sessionID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		snap, err = s.initialSnapshot(ctx, rec)
		if err != nil {
			return state.Snapshot{}, err
		}
	case err != nil:
		return state.Snapshot{}, err
	}

	sets, err := s.ListPatches(ctx, sessionID, snap.Version)
	if err != nil {
		return state.Snapshot{}, err
	}
	for _, set := range sets {
		if set.BaseVersion != snap.Version {
			return state.Snapshot{}, fmt.Errorf("patch %d expects base %d, have %d: %w", set.Version, set.BaseVersion, snap.Version, storage.ErrDiverged)
		}
		next, hash, err := state.ApplyTree(snap.State, set.Operations)
		if err != nil {
			return state.Snapshot{}, fmt.Errorf("replay patch %d: %w", set.Version, err)
		}
		if hash != set.Hash {
			return state.Snapshot{}, fmt.Errorf("patch %d hash %s, recorded %s: %w", set.Version, hash, set.Hash, storage.ErrDiverged)
		}
		snap = state.Snapshot{State: next, Version: set.Version, Hash: hash}
	}
	return snap, nil
}

func (s *Store) initialSnapshot(ctx context.Context, rec storage.SessionRecord) (state.Snapshot, error) {
	docs, err := s.ListDocuments(ctx, rec.Campaign.ID)
	if err != nil {
		return state.Snapshot{}, err
	}
	gs := state.New(rec.Campaign)
	gs.Documents = docs
	// Round-trip through the tree form so the stored snapshot hashes the
	// same way a reloaded one does.
	tree, err := encoding.ToTree(gs)
	if err != nil {
		return state.Snapshot{}, err
	}
	normalized := &state.GameState{}
	if err := encoding.FromTree(tree, normalized); err != nil {
		return state.Snapshot{}, err
	}
	snap, err := state.NewSnapshot(normalized, 0)
	if err != nil {
		return state.Snapshot{}, err
	}
	if err := s.SaveSnapshot(ctx, rec.ID, snap); err != nil {
		return state.Snapshot{}, err
	}
	return snap, nil
}

func decodeOperations(raw string) ([]patch.Operation, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var ops []patch.Operation
	if err := dec.Decode(&ops); err != nil {
		return nil, err
	}
	return ops, nil
}
