// Package sqlite provides a SQLite-backed tabletop storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	sqlitemigrate "github.com/louisbranch/tabletop/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
	"github.com/louisbranch/tabletop/internal/services/tabletop/storage"
	"github.com/louisbranch/tabletop/internal/services/tabletop/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists tabletop state in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time

	// encoder and decoder compress snapshot bodies.
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite tabletop store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create snapshot encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create snapshot decoder: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now, encoder: encoder, decoder: decoder}, nil
}

// Close releases the snapshot codecs and closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	if s.encoder != nil {
		_ = s.encoder.Close()
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// PutSession inserts a session record.
func (s *Store) PutSession(ctx context.Context, rec storage.SessionRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	sessionID := strings.TrimSpace(rec.ID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(rec.Campaign.ID) == "" {
		return fmt.Errorf("campaign id is required")
	}
	if strings.TrimSpace(rec.Campaign.GameMasterID) == "" {
		return fmt.Errorf("game master id is required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO sessions (id, campaign_id, game_master_id, system_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID,
		rec.Campaign.ID,
		rec.Campaign.GameMasterID,
		rec.Campaign.SystemID,
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession returns a session record.
func (s *Store) GetSession(ctx context.Context, sessionID string) (storage.SessionRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.SessionRecord{}, err
	}
	var (
		rec       storage.SessionRecord
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, campaign_id, game_master_id, system_id, created_at
		 FROM sessions WHERE id = ?`,
		strings.TrimSpace(sessionID),
	).Scan(&rec.ID, &rec.Campaign.ID, &rec.Campaign.GameMasterID, &rec.Campaign.SystemID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.SessionRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	rec.CreatedAt = fromMillis(createdAt)
	return rec, nil
}

// PutDocument inserts or replaces a campaign document.
func (s *Store) PutDocument(ctx context.Context, campaignID string, doc state.Document) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(campaignID) == "" {
		return fmt.Errorf("campaign id is required")
	}
	if strings.TrimSpace(doc.ID) == "" {
		return fmt.Errorf("document id is required")
	}
	if doc.DocumentType == "" {
		return fmt.Errorf("document type is required")
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO documents (id, campaign_id, owner_id, document_type, body, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   campaign_id = excluded.campaign_id,
		   owner_id = excluded.owner_id,
		   document_type = excluded.document_type,
		   body = excluded.body,
		   updated_at = excluded.updated_at`,
		doc.ID,
		campaignID,
		doc.OwnerID,
		string(doc.DocumentType),
		string(body),
		toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("put document: %w", err)
	}
	return nil
}

// FetchDocument returns a document by id.
func (s *Store) FetchDocument(ctx context.Context, id string) (state.Document, error) {
	if err := s.ready(ctx); err != nil {
		return state.Document{}, err
	}
	var body string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT body FROM documents WHERE id = ?`, strings.TrimSpace(id)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Document{}, storage.ErrNotFound
	}
	if err != nil {
		return state.Document{}, fmt.Errorf("fetch document: %w", err)
	}
	var doc state.Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return state.Document{}, fmt.Errorf("decode document %s: %w", id, err)
	}
	return doc, nil
}

// ListDocuments returns every document of a campaign keyed by id.
func (s *Store) ListDocuments(ctx context.Context, campaignID string) (map[string]state.Document, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id, body FROM documents WHERE campaign_id = ? ORDER BY id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := map[string]state.Document{}
	for rows.Next() {
		var (
			docID string
			body  string
		)
		if err := rows.Scan(&docID, &body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var doc state.Document
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", docID, err)
		}
		docs[doc.ID] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// PutEncounter inserts or replaces an encounter and its participant list.
func (s *Store) PutEncounter(ctx context.Context, campaignID string, enc *state.Encounter) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if enc == nil || strings.TrimSpace(enc.ID) == "" {
		return fmt.Errorf("encounter id is required")
	}
	if strings.TrimSpace(campaignID) == "" {
		return fmt.Errorf("campaign id is required")
	}
	stored := enc.Clone()
	participants := stored.Participants
	stored.Participants = nil
	body, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal encounter: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin encounter tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO encounters (id, campaign_id, body, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   campaign_id = excluded.campaign_id,
		   body = excluded.body,
		   updated_at = excluded.updated_at`,
		stored.ID, campaignID, string(body), toMillis(s.now()),
	); err != nil {
		return fmt.Errorf("put encounter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM encounter_documents WHERE encounter_id = ?`, stored.ID); err != nil {
		return fmt.Errorf("clear encounter documents: %w", err)
	}
	for i, docID := range participants {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO encounter_documents (encounter_id, document_id, position) VALUES (?, ?, ?)`,
			stored.ID, docID, i,
		); err != nil {
			return fmt.Errorf("put encounter document: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit encounter: %w", err)
	}
	return nil
}

// FetchEncounter returns an encounter with its participants in stored order.
func (s *Store) FetchEncounter(ctx context.Context, id string) (*state.Encounter, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	var body string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT body FROM encounters WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch encounter: %w", err)
	}
	enc := &state.Encounter{}
	if err := json.Unmarshal([]byte(body), enc); err != nil {
		return nil, fmt.Errorf("decode encounter %s: %w", id, err)
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT document_id FROM encounter_documents WHERE encounter_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("list encounter documents: %w", err)
	}
	defer rows.Close()
	enc.Participants = []string{}
	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			return nil, fmt.Errorf("scan encounter document: %w", err)
		}
		enc.Participants = append(enc.Participants, docID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate encounter documents: %w", err)
	}
	if enc.Tokens == nil {
		enc.Tokens = map[string]state.Token{}
	}
	return enc, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ storage.Store = (*Store)(nil)
