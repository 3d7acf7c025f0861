package core

import (
	"context"
	"sort"

	apperrors "github.com/louisbranch/tabletop/internal/platform/errors"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/action"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/dice"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/turnorder"
)

// RollInitiative starts a fresh turn order for the active encounter.
type RollInitiative struct{}

type rollInitiativeParams struct {
	Participants []string `json:"participants"`
}

func (RollInitiative) Metadata() action.Metadata {
	return action.Metadata{
		Type:     action.RollInitiative,
		Priority: Priority,
		GMOnly:   true,
		Schema: `{
  "type": "object",
  "properties": {
    "participants": {"type": "array", "items": {"type": "string", "minLength": 1}}
  }
}`,
	}
}

func (RollInitiative) Validate(_ context.Context, c action.Context) action.Result {
	var params rollInitiativeParams
	if err := c.Request.Decode(&params); err != nil {
		return c.Reject(apperrors.CodeInvalidParameters, nil)
	}
	enc, ok := c.State.ActiveEncounter()
	if !ok {
		return c.Reject(apperrors.CodeNoActiveEncounter, nil)
	}
	participants, missing := resolveParticipants(c.State, enc, params.Participants)
	if missing != "" {
		return c.Reject(apperrors.CodeParticipantNotFound, meta("ParticipantID", missing))
	}
	if len(participants) == 0 {
		return c.Reject(apperrors.CodeNoParticipants, nil)
	}
	return action.Accept()
}

func (RollInitiative) Execute(ctx context.Context, c action.Context, draft *state.GameState) error {
	var params rollInitiativeParams
	if err := c.Request.Decode(&params); err != nil {
		return err
	}
	participants, _ := resolveParticipants(draft, draft.CurrentEncounter, params.Participants)
	roller := c.Services.Roller
	if roller == nil {
		seeded, err := dice.NewRandomRoller()
		if err != nil {
			return err
		}
		roller = seeded
	}
	rollCtx, cancel := c.WithFetchTimeout(ctx)
	defer cancel()
	draft.TurnManager = turnorder.Roll(rollCtx, participants, c.Plugin(), roller)
	return nil
}

// resolveParticipants maps requested IDs to turn-order entries. An ID names
// a token, or a document whose tokens all join. Documents without tokens
// join as bare actors. With no IDs every encounter token joins. The first
// unresolvable ID is returned as missing.
func resolveParticipants(s *state.GameState, enc *state.Encounter, ids []string) ([]state.Participant, string) {
	if enc == nil {
		return nil, ""
	}
	if len(ids) == 0 {
		return turnorder.DefaultParticipants(enc), ""
	}

	seen := map[string]bool{}
	var out []state.Participant
	add := func(p state.Participant) {
		if !seen[p.ID] {
			seen[p.ID] = true
			out = append(out, p)
		}
	}
	for _, id := range ids {
		if tok, ok := enc.Tokens[id]; ok {
			add(turnorder.ForToken(tok))
			continue
		}
		if _, ok := s.Document(id); !ok {
			return nil, id
		}
		tokens := tokensOf(enc, id)
		if len(tokens) == 0 {
			add(state.Participant{ID: id, ActorID: id})
			continue
		}
		for _, tok := range tokens {
			add(turnorder.ForToken(tok))
		}
	}
	return out, ""
}

func tokensOf(enc *state.Encounter, documentID string) []state.Token {
	var tokens []state.Token
	for _, tok := range enc.Tokens {
		if tok.DocumentID == documentID {
			tokens = append(tokens, tok)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].ID < tokens[j].ID })
	return tokens
}

// EndTurn advances the turn order. Any player may end the current turn
// until turn ownership is tracked per participant.
type EndTurn struct{}

func (EndTurn) Metadata() action.Metadata {
	return action.Metadata{
		Type:     action.EndTurn,
		Priority: Priority,
		Schema:   `{"type": "object"}`,
	}
}

func (EndTurn) Validate(_ context.Context, c action.Context) action.Result {
	if !c.State.TurnOrderActive() {
		return c.Reject(apperrors.CodeNoActiveTurnOrder, nil)
	}
	if len(c.State.TurnManager.Participants) == 0 {
		return c.Reject(apperrors.CodeNoParticipants, nil)
	}
	return action.Accept()
}

func (EndTurn) Execute(_ context.Context, _ action.Context, draft *state.GameState) error {
	return turnorder.Next(draft.TurnManager)
}
