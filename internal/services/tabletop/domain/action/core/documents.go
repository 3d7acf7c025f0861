package core

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/tabletop/internal/platform/errors"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/action"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/turnorder"
)

// AddDocument inserts a new document.
type AddDocument struct{}

type addDocumentParams struct {
	Document state.Document `json:"document"`
}

func (AddDocument) Metadata() action.Metadata {
	return action.Metadata{
		Type:     action.AddDocument,
		Priority: Priority,
		Schema: `{
  "type": "object",
  "required": ["document"],
  "properties": {
    "document": {
      "type": "object",
      "properties": {
        "id": {"type": "string"},
        "name": {"type": "string"},
        "ownerId": {"type": "string"},
        "documentType": {"type": "string"},
        "pluginData": {"type": "object"},
        "carrierId": {"type": "string"}
      }
    }
  }
}`,
	}
}

func (AddDocument) Validate(_ context.Context, c action.Context) action.Result {
	var params addDocumentParams
	if err := c.Request.Decode(&params); err != nil {
		return c.Reject(apperrors.CodeInvalidDocumentData, nil)
	}
	doc := params.Document
	if strings.TrimSpace(doc.ID) == "" || !knownDocumentType(doc.DocumentType) {
		return c.Reject(apperrors.CodeInvalidDocumentData, nil)
	}
	if _, exists := c.State.Document(doc.ID); exists {
		return c.Reject(apperrors.CodeDocumentExists, meta("DocumentID", doc.ID))
	}
	if !c.IsGM() && doc.OwnerID != "" && doc.OwnerID != c.Request.PlayerID {
		return c.Reject(apperrors.CodeNotOwner, nil)
	}
	if doc.CarrierID != "" {
		carrier, ok := c.State.Document(doc.CarrierID)
		if !ok {
			return c.Reject(apperrors.CodeDocumentNotFound, meta("DocumentID", doc.CarrierID))
		}
		if doc.DocumentType != state.DocumentItem || carrier.DocumentType != state.DocumentCharacter {
			return c.Reject(apperrors.CodeInvalidDocumentData, nil)
		}
	}
	return action.Accept()
}

func (AddDocument) Execute(_ context.Context, c action.Context, draft *state.GameState) error {
	var params addDocumentParams
	if err := c.Request.Decode(&params); err != nil {
		return err
	}
	doc := params.Document
	if _, exists := draft.Documents[doc.ID]; exists {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	if doc.OwnerID == "" {
		doc.OwnerID = c.Request.PlayerID
	}
	if draft.Documents == nil {
		draft.Documents = map[string]state.Document{}
	}
	draft.Documents[doc.ID] = doc
	return nil
}

func knownDocumentType(t state.DocumentType) bool {
	switch t {
	case state.DocumentCharacter, state.DocumentActor, state.DocumentItem, state.DocumentVTTDocument:
		return true
	default:
		return false
	}
}

// RemoveDocument deletes a document and everything that references it.
type RemoveDocument struct{}

type removeDocumentParams struct {
	DocumentID string `json:"documentId"`
}

func (RemoveDocument) Metadata() action.Metadata {
	return action.Metadata{
		Type:     action.RemoveDocument,
		Priority: Priority,
		Schema: `{
  "type": "object",
  "required": ["documentId"],
  "properties": {"documentId": {"type": "string", "minLength": 1}}
}`,
	}
}

func (RemoveDocument) Validate(_ context.Context, c action.Context) action.Result {
	var params removeDocumentParams
	if err := c.Request.Decode(&params); err != nil {
		return c.Reject(apperrors.CodeInvalidParameters, nil)
	}
	if _, ok := c.State.Document(params.DocumentID); !ok {
		return c.Reject(apperrors.CodeDocumentNotFound, meta("DocumentID", params.DocumentID))
	}
	if !c.IsGM() && !c.Owns(params.DocumentID) {
		return c.Reject(apperrors.CodeNotOwner, nil)
	}
	return action.Accept()
}

func (RemoveDocument) Execute(_ context.Context, c action.Context, draft *state.GameState) error {
	var params removeDocumentParams
	if err := c.Request.Decode(&params); err != nil {
		return err
	}
	docID := params.DocumentID
	delete(draft.Documents, docID)

	if enc := draft.CurrentEncounter; enc != nil {
		for tokenID, tok := range enc.Tokens {
			if tok.DocumentID == docID {
				removeToken(draft, tokenID)
			}
		}
		kept := enc.Participants[:0:0]
		for _, participant := range enc.Participants {
			if participant != docID {
				kept = append(kept, participant)
			}
		}
		enc.Participants = kept
	}
	turnorder.RemoveActor(draft.TurnManager, docID)

	for itemID, item := range draft.Documents {
		if item.CarrierID == docID {
			item.CarrierID = ""
			draft.Documents[itemID] = item
		}
	}
	return nil
}

// AssignItem gives an item to a character. Every player request waits for
// GM approval. Requests from the GM skip the gate.
type AssignItem struct{}

type assignItemParams struct {
	ItemID            string `json:"itemId"`
	TargetCharacterID string `json:"targetCharacterId"`
}

func (AssignItem) Metadata() action.Metadata {
	return action.Metadata{
		Type:                   action.AssignItem,
		Priority:               Priority,
		RequiresManualApproval: true,
		ApprovalMessage: func(c action.Context) string {
			var params assignItemParams
			_ = c.Request.Decode(&params)
			return c.Printer().Sprintf("approval.assign-item",
				c.Request.PlayerID, documentName(c.State, params.ItemID), documentName(c.State, params.TargetCharacterID))
		},
		Schema: `{
  "type": "object",
  "required": ["itemId", "targetCharacterId"],
  "properties": {
    "itemId": {"type": "string", "minLength": 1},
    "targetCharacterId": {"type": "string", "minLength": 1}
  }
}`,
	}
}

func (AssignItem) Validate(_ context.Context, c action.Context) action.Result {
	var params assignItemParams
	if err := c.Request.Decode(&params); err != nil {
		return c.Reject(apperrors.CodeInvalidParameters, nil)
	}
	item, ok := c.State.Document(params.ItemID)
	if !ok {
		return c.Reject(apperrors.CodeDocumentNotFound, meta("DocumentID", params.ItemID))
	}
	target, ok := c.State.Document(params.TargetCharacterID)
	if !ok {
		return c.Reject(apperrors.CodeDocumentNotFound, meta("DocumentID", params.TargetCharacterID))
	}
	if item.DocumentType != state.DocumentItem || target.DocumentType != state.DocumentCharacter {
		return c.Reject(apperrors.CodeInvalidDocumentData, nil)
	}
	if item.CarrierID == target.ID {
		return c.Reject(apperrors.CodeAlreadyAssigned, nil)
	}
	return action.Accept()
}

func (AssignItem) Execute(_ context.Context, c action.Context, draft *state.GameState) error {
	var params assignItemParams
	if err := c.Request.Decode(&params); err != nil {
		return err
	}
	item, ok := draft.Document(params.ItemID)
	if !ok {
		return fmt.Errorf("item %s is missing from draft", params.ItemID)
	}
	item.CarrierID = params.TargetCharacterID
	draft.Documents[item.ID] = item
	return nil
}
