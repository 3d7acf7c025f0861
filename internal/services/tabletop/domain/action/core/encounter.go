package core

import (
	"context"
	"fmt"

	apperrors "github.com/louisbranch/tabletop/internal/platform/errors"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/action"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/lifecycle"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/turnorder"
)

// StartEncounter loads an encounter from the document store and makes it
// current.
type StartEncounter struct{}

type encounterParams struct {
	EncounterID string `json:"encounterId"`
}

func (StartEncounter) Metadata() action.Metadata {
	return action.Metadata{
		Type:     action.StartEncounter,
		Priority: Priority,
		GMOnly:   true,
		Schema: `{
  "type": "object",
  "required": ["encounterId"],
  "properties": {"encounterId": {"type": "string", "minLength": 1}}
}`,
	}
}

func (StartEncounter) Validate(_ context.Context, c action.Context) action.Result {
	if _, active := c.State.ActiveEncounter(); active {
		return c.Reject(apperrors.CodeEncounterAlreadyActive, nil)
	}
	return action.Accept()
}

func (StartEncounter) Execute(ctx context.Context, c action.Context, draft *state.GameState) error {
	var params encounterParams
	if err := c.Request.Decode(&params); err != nil {
		return err
	}
	store := c.Services.Store
	if store == nil {
		return fmt.Errorf("document store is not configured")
	}

	fetchCtx, cancel := c.WithFetchTimeout(ctx)
	defer cancel()
	enc, err := store.FetchEncounter(fetchCtx, params.EncounterID)
	if err != nil {
		return fmt.Errorf("fetch encounter %s: %w", params.EncounterID, err)
	}
	if enc == nil {
		return fmt.Errorf("fetch encounter %s: empty result", params.EncounterID)
	}
	enc = enc.Clone()
	if enc.ID == "" {
		enc.ID = params.EncounterID
	}
	enc.Status = state.EncounterInProgress
	if enc.Tokens == nil {
		enc.Tokens = map[string]state.Token{}
	}

	for _, docID := range enc.Participants {
		if _, ok := draft.Document(docID); ok {
			continue
		}
		doc, err := store.FetchDocument(fetchCtx, docID)
		if err != nil {
			return fmt.Errorf("fetch document %s: %w", docID, err)
		}
		if draft.Documents == nil {
			draft.Documents = map[string]state.Document{}
		}
		draft.Documents[docID] = doc.Clone()
	}

	draft.CurrentEncounter = enc
	draft.TurnManager = &state.TurnManager{Participants: []state.Participant{}, Round: 1}
	return nil
}

// StopEncounter ends the current encounter, stops the turn order and resets
// each participant document's encounter state.
type StopEncounter struct{}

func (StopEncounter) Metadata() action.Metadata {
	return action.Metadata{
		Type:     action.StopEncounter,
		Priority: Priority,
		GMOnly:   true,
		Schema: `{
  "type": "object",
  "properties": {"encounterId": {"type": "string"}}
}`,
	}
}

func (StopEncounter) Validate(_ context.Context, c action.Context) action.Result {
	var params encounterParams
	if err := c.Request.Decode(&params); err != nil {
		return c.Reject(apperrors.CodeInvalidParameters, nil)
	}
	enc := c.State.CurrentEncounter
	if enc == nil {
		return c.Reject(apperrors.CodeNoActiveEncounter, nil)
	}
	if enc.Status == state.EncounterStopped {
		return c.Reject(apperrors.CodeEncounterAlreadyStopped, nil)
	}
	if params.EncounterID != "" && params.EncounterID != enc.ID {
		return c.Reject(apperrors.CodeEncounterMismatch, nil)
	}
	return action.Accept()
}

func (StopEncounter) Execute(_ context.Context, c action.Context, draft *state.GameState) error {
	enc := draft.CurrentEncounter
	if enc == nil {
		return fmt.Errorf("no encounter in draft")
	}
	enc.Status = state.EncounterStopped
	turnorder.Stop(draft.TurnManager)

	plugin := c.Plugin()
	for _, docID := range enc.Participants {
		resetDocument(c, draft, docID, plugin.LifecycleDefaults)
	}
	return nil
}

// resetDocument applies the encounter lifecycle reset to one document.
// Failures are logged and never fail the stop.
func resetDocument(c action.Context, draft *state.GameState, docID string, defaults lifecycle.DefaultsFunc) {
	defer func() {
		if r := recover(); r != nil {
			c.Logf("stop-encounter: lifecycle reset panicked doc=%q panic=%v", docID, r)
		}
	}()
	doc, ok := draft.Document(docID)
	if !ok {
		c.Logf("stop-encounter: lifecycle reset skipped doc=%q: not found", docID)
		return
	}
	updated, err := lifecycle.Reset(doc, lifecycle.ScopeEncounter, defaults)
	if err != nil {
		c.Logf("stop-encounter: lifecycle reset failed doc=%q err=%v", docID, err)
		return
	}
	draft.Documents[docID] = updated
}
