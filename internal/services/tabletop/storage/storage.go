package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/tabletop/internal/services/tabletop/authority"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/action"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrDiverged indicates a stored patch does not reproduce its recorded hash.
	ErrDiverged = errors.New("patch log diverged")
)

// SessionRecord binds a game session to its campaign.
type SessionRecord struct {
	ID        string
	Campaign  state.Campaign
	CreatedAt time.Time
}

// SessionStore persists session records.
type SessionStore interface {
	PutSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, error)
}

// DocumentStore persists campaign documents and encounters.
type DocumentStore interface {
	action.DocumentStore
	PutDocument(ctx context.Context, campaignID string, doc state.Document) error
	ListDocuments(ctx context.Context, campaignID string) (map[string]state.Document, error)
	PutEncounter(ctx context.Context, campaignID string, enc *state.Encounter) error
}

// PatchStore persists applied patch sets and snapshots.
type PatchStore interface {
	authority.PatchLog
	ListPatches(ctx context.Context, sessionID string, afterVersion uint64) ([]authority.PatchSet, error)
	LatestSnapshot(ctx context.Context, sessionID string) (state.Snapshot, error)
}

// Store is the full tabletop persistence surface.
type Store interface {
	SessionStore
	DocumentStore
	PatchStore
	authority.StateLoader
	Close() error
}
