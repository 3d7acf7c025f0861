// Package action defines game action requests, their handlers and the
// registry that validates and executes them against the shared state.
package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"golang.org/x/text/message"

	apperrors "github.com/louisbranch/tabletop/internal/platform/errors"
	errori18n "github.com/louisbranch/tabletop/internal/platform/errors/i18n"
	"github.com/louisbranch/tabletop/internal/platform/i18n/catalog"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/dice"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/system"
)

// Type identifies an action.
type Type string

const (
	MoveToken      Type = "move-token"
	AddToken       Type = "add-token"
	RemoveToken    Type = "remove-token"
	AddDocument    Type = "add-document"
	RemoveDocument Type = "remove-document"
	AssignItem     Type = "assign-item"
	RollInitiative Type = "roll-initiative"
	EndTurn        Type = "end-turn"
	StartEncounter Type = "start-encounter"
	StopEncounter  Type = "stop-encounter"
)

// Request is a player's proposed mutation.
type Request struct {
	ID         string          `json:"id"`
	PlayerID   string          `json:"playerId"`
	Action     Type            `json:"action"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Decode unmarshals the request parameters into target. Empty parameters
// decode as an empty object.
func (r Request) Decode(target any) error {
	params := bytes.TrimSpace(r.Parameters)
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		params = []byte("{}")
	}
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("decode %s parameters: %w", r.Action, err)
	}
	return nil
}

// Rejection is a user-facing failure with a machine-readable code.
type Rejection struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Result is the outcome of a validation step.
type Result struct {
	Valid bool
	Error *Rejection
}

// Accept returns a passing result.
func Accept() Result {
	return Result{Valid: true}
}

// Reject returns a failing result.
func Reject(code apperrors.Code, message string) Result {
	return Result{Error: &Rejection{Code: code, Message: message}}
}

// DocumentStore loads authoritative document data.
type DocumentStore interface {
	FetchDocument(ctx context.Context, id string) (state.Document, error)
	FetchEncounter(ctx context.Context, id string) (*state.Encounter, error)
}

// Services are the collaborators handlers may call.
type Services struct {
	Plugins      *system.Registry
	Store        DocumentStore
	Roller       dice.Roller
	Now          func() time.Time
	Logger       *log.Logger
	Locale       string
	FetchTimeout time.Duration
	// AllowDiagonalThroughCorners lets moves slip past wall vertices.
	AllowDiagonalThroughCorners bool
}

// Context is everything a handler sees for one request. State is the
// pre-mutation state and must not be modified.
type Context struct {
	Request  Request
	State    *state.GameState
	Services Services
}

// IsGM reports whether the requester is the campaign's game master.
func (c Context) IsGM() bool {
	return c.State.IsGM(c.Request.PlayerID)
}

// Owns reports whether the requester owns documentID.
func (c Context) Owns(documentID string) bool {
	return c.State.Owns(c.Request.PlayerID, documentID)
}

// Plugin returns the campaign's game-system plugin.
func (c Context) Plugin() system.Plugin {
	if c.Services.Plugins == nil || c.State == nil {
		return system.Fallback{}
	}
	return c.Services.Plugins.Resolve(c.State.Campaign.SystemID)
}

// Printer returns a message printer for the session locale.
func (c Context) Printer() *message.Printer {
	return catalog.Printer(c.Services.Locale)
}

// Reject returns a failing result with the localized message for code.
func (c Context) Reject(code apperrors.Code, metadata map[string]string) Result {
	return Reject(code, c.Message(code, metadata))
}

// Message renders the localized message for code.
func (c Context) Message(code apperrors.Code, metadata map[string]string) string {
	return errori18n.GetCatalog(c.Services.Locale).Format(string(code), metadata)
}

// Logf writes to the configured logger or the standard logger.
func (c Context) Logf(format string, args ...any) {
	if c.Services.Logger != nil {
		c.Services.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Now returns the current time.
func (c Context) Now() time.Time {
	if c.Services.Now != nil {
		return c.Services.Now()
	}
	return time.Now().UTC()
}

// WithFetchTimeout bounds ctx for a document store call or a game-system
// plugin hook.
func (c Context) WithFetchTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Services.FetchTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Services.FetchTimeout)
}

// Metadata describes how the pipeline treats a handler.
type Metadata struct {
	Type Type
	// Priority orders handlers of one type; lower runs first. Core
	// handlers use 0.
	Priority int
	// GMOnly rejects non-GM requesters before any validation.
	GMOnly bool
	// RequiresManualApproval holds non-GM requests for a GM decision.
	RequiresManualApproval bool
	// ApprovalMessage describes the request to the GM.
	ApprovalMessage func(c Context) string
	// Schema is a JSON Schema for the request parameters.
	Schema string
}

// Handler validates and executes one action type.
type Handler interface {
	Metadata() Metadata
	// Validate checks the request against the pre-mutation state. It must
	// not mutate c.State.
	Validate(ctx context.Context, c Context) Result
	// Execute mutates draft, a private copy of the state.
	Execute(ctx context.Context, c Context, draft *state.GameState) error
}
