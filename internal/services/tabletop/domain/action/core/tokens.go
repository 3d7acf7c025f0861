package core

import (
	"context"
	"fmt"
	"slices"

	apperrors "github.com/louisbranch/tabletop/internal/platform/errors"
	"github.com/louisbranch/tabletop/internal/platform/id"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/action"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/geometry"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/system"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/turnorder"
)

// MoveToken moves a token to a new top-left cell, keeping its size.
type MoveToken struct{}

type moveTokenParams struct {
	TokenID  string   `json:"tokenId"`
	Position position `json:"position"`
}

func (MoveToken) Metadata() action.Metadata {
	return action.Metadata{
		Type:     action.MoveToken,
		Priority: Priority,
		Schema: `{
  "type": "object",
  "required": ["tokenId", "position"],
  "properties": {
    "tokenId": {"type": "string", "minLength": 1},
    "position": ` + positionSchema + `
  }
}`,
	}
}

func (MoveToken) Validate(_ context.Context, c action.Context) action.Result {
	var params moveTokenParams
	if err := c.Request.Decode(&params); err != nil {
		return c.Reject(apperrors.CodeInvalidParameters, nil)
	}
	enc, ok := c.State.ActiveEncounter()
	if !ok {
		return c.Reject(apperrors.CodeNoActiveEncounter, nil)
	}
	tok, ok := enc.Tokens[params.TokenID]
	if !ok {
		return c.Reject(apperrors.CodeTokenNotFound, meta("TokenID", params.TokenID))
	}
	if !c.IsGM() && !controls(c, tok) {
		return c.Reject(apperrors.CodeNotOwner, nil)
	}
	target := tok.Bounds.MoveTo(params.Position.grid())
	if !target.Valid() {
		return c.Reject(apperrors.CodeInvalidPosition, nil)
	}
	if outOfBounds(enc.CurrentMap, target) {
		return c.Reject(apperrors.CodePositionOutOfBounds, nil)
	}
	if geometry.SafeCheck(tok.Bounds.Center(), target.Center(), enc.CurrentMap, c.Services.AllowDiagonalThroughCorners) {
		return c.Reject(apperrors.CodeCollisionDetected, nil)
	}
	return action.Accept()
}

func (MoveToken) Execute(_ context.Context, c action.Context, draft *state.GameState) error {
	var params moveTokenParams
	if err := c.Request.Decode(&params); err != nil {
		return err
	}
	tok, ok := draft.Token(params.TokenID)
	if !ok {
		return errTokenMissing
	}
	tok.Bounds = tok.Bounds.MoveTo(params.Position.grid())
	draft.CurrentEncounter.Tokens[tok.ID] = tok
	return nil
}

// tokenSize returns the plugin's grid size for doc, at least one cell.
func tokenSize(plugin system.Plugin, doc state.Document) int {
	if size := plugin.TokenGridSize(doc); size >= 1 {
		return size
	}
	return 1
}

// controls reports whether the requester owns the token's document, or the
// token itself when it has no document.
func controls(c action.Context, tok state.Token) bool {
	if tok.DocumentID != "" {
		return c.Owns(tok.DocumentID)
	}
	return tok.OwnerID != "" && tok.OwnerID == c.Request.PlayerID
}

// AddToken places a document on the encounter map. Every player request
// waits for GM approval. Requests from the GM skip the gate.
type AddToken struct{}

type addTokenParams struct {
	DocumentID         string   `json:"documentId"`
	Position           position `json:"position"`
	TokenID            string   `json:"tokenId"`
	Name               string   `json:"name"`
	IsPlayerControlled *bool    `json:"isPlayerControlled"`
}

func (AddToken) Metadata() action.Metadata {
	return action.Metadata{
		Type:                   action.AddToken,
		Priority:               Priority,
		RequiresManualApproval: true,
		ApprovalMessage: func(c action.Context) string {
			var params addTokenParams
			_ = c.Request.Decode(&params)
			return c.Printer().Sprintf("approval.add-token",
				c.Request.PlayerID, documentName(c.State, params.DocumentID), params.Position.X, params.Position.Y)
		},
		Schema: `{
  "type": "object",
  "required": ["documentId", "position"],
  "properties": {
    "documentId": {"type": "string", "minLength": 1},
    "position": ` + positionSchema + `,
    "tokenId": {"type": "string"},
    "name": {"type": "string"},
    "isPlayerControlled": {"type": "boolean"}
  }
}`,
	}
}

func (AddToken) Validate(_ context.Context, c action.Context) action.Result {
	var params addTokenParams
	if err := c.Request.Decode(&params); err != nil {
		return c.Reject(apperrors.CodeInvalidParameters, nil)
	}
	enc, ok := c.State.ActiveEncounter()
	if !ok {
		return c.Reject(apperrors.CodeNoActiveEncounter, nil)
	}
	doc, ok := c.State.Document(params.DocumentID)
	if !ok {
		return c.Reject(apperrors.CodeDocumentNotFound, meta("DocumentID", params.DocumentID))
	}
	size := tokenSize(c.Plugin(), doc)
	target := state.BoundsAt(params.Position.grid(), size, size)
	if !target.Valid() {
		return c.Reject(apperrors.CodeInvalidPosition, nil)
	}
	if outOfBounds(enc.CurrentMap, target) {
		return c.Reject(apperrors.CodePositionOutOfBounds, nil)
	}
	if imageURL(doc) == "" {
		return c.Reject(apperrors.CodeDocumentMustHaveImage, nil)
	}
	if params.TokenID != "" {
		if _, exists := enc.Tokens[params.TokenID]; exists {
			return c.Reject(apperrors.CodeInvalidParameters, nil)
		}
	}
	return action.Accept()
}

func (AddToken) Execute(_ context.Context, c action.Context, draft *state.GameState) error {
	var params addTokenParams
	if err := c.Request.Decode(&params); err != nil {
		return err
	}
	doc, ok := draft.Document(params.DocumentID)
	if !ok {
		return fmt.Errorf("document %s is missing from draft", params.DocumentID)
	}
	tokenID := params.TokenID
	if tokenID == "" {
		generated, err := id.NewID()
		if err != nil {
			return err
		}
		tokenID = generated
	}
	size := tokenSize(c.Plugin(), doc)
	name := params.Name
	if name == "" {
		name = doc.Name
	}
	playerControlled := doc.DocumentType == state.DocumentCharacter
	if params.IsPlayerControlled != nil {
		playerControlled = *params.IsPlayerControlled
	}

	enc := draft.CurrentEncounter
	if enc.Tokens == nil {
		enc.Tokens = map[string]state.Token{}
	}
	enc.Tokens[tokenID] = state.Token{
		ID:                 tokenID,
		DocumentID:         doc.ID,
		Bounds:             state.BoundsAt(params.Position.grid(), size, size),
		IsPlayerControlled: playerControlled,
		OwnerID:            doc.OwnerID,
		Name:               name,
		ImageURL:           imageURL(doc),
	}
	if !slices.Contains(enc.Participants, doc.ID) {
		enc.Participants = append(enc.Participants, doc.ID)
	}
	return nil
}

// RemoveToken deletes a token and its turn-order entries.
type RemoveToken struct{}

type removeTokenParams struct {
	TokenID string `json:"tokenId"`
}

func (RemoveToken) Metadata() action.Metadata {
	return action.Metadata{
		Type:     action.RemoveToken,
		Priority: Priority,
		GMOnly:   true,
		Schema: `{
  "type": "object",
  "required": ["tokenId"],
  "properties": {"tokenId": {"type": "string", "minLength": 1}}
}`,
	}
}

func (RemoveToken) Validate(_ context.Context, c action.Context) action.Result {
	var params removeTokenParams
	if err := c.Request.Decode(&params); err != nil {
		return c.Reject(apperrors.CodeInvalidParameters, nil)
	}
	enc, ok := c.State.ActiveEncounter()
	if !ok {
		return c.Reject(apperrors.CodeNoActiveEncounter, nil)
	}
	if _, ok := enc.Tokens[params.TokenID]; !ok {
		return c.Reject(apperrors.CodeTokenNotFound, meta("TokenID", params.TokenID))
	}
	return action.Accept()
}

func (RemoveToken) Execute(_ context.Context, c action.Context, draft *state.GameState) error {
	var params removeTokenParams
	if err := c.Request.Decode(&params); err != nil {
		return err
	}
	if _, ok := draft.Token(params.TokenID); !ok {
		return errTokenMissing
	}
	removeToken(draft, params.TokenID)
	return nil
}

// removeToken deletes a token from the encounter and the turn order.
func removeToken(draft *state.GameState, tokenID string) {
	if draft.CurrentEncounter != nil {
		delete(draft.CurrentEncounter.Tokens, tokenID)
	}
	turnorder.RemoveToken(draft.TurnManager, tokenID)
}
