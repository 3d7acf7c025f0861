// Package turnorder advances initiative order for an encounter.
//
// The functions operate on a state.TurnManager owned by a draft state and
// never retain it.
package turnorder

import (
	"context"
	"errors"
	"log"
	"slices"
	"sort"

	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/dice"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/system"
)

// InitiativeDie is the die rolled when no system orders participants.
const InitiativeDie = 20

var (
	// ErrNoTurnManager indicates the state has no turn manager.
	ErrNoTurnManager = errors.New("turn manager is not set")
	// ErrNoParticipants indicates the turn order is empty.
	ErrNoParticipants = errors.New("turn order has no participants")
)

// Roll builds a fresh, active turn order. When plugin supports automatic
// calculation it orders the participants; otherwise, or when it fails,
// each participant rolls a d20 and the list is stable-sorted descending.
func Roll(ctx context.Context, participants []state.Participant, plugin system.Plugin, roller dice.Roller) *state.TurnManager {
	ordered := rollWithPlugin(ctx, participants, plugin, roller)
	if ordered == nil {
		ordered = rollD20(participants, roller)
	}
	tm := &state.TurnManager{Participants: ordered}
	reset(tm)
	tm.IsActive = true
	return tm
}

func rollWithPlugin(ctx context.Context, participants []state.Participant, plugin system.Plugin, roller dice.Roller) []state.Participant {
	if plugin == nil || !plugin.SupportsAutomaticCalculation() {
		return nil
	}
	ordered, err := plugin.CalculateInitiative(ctx, slices.Clone(participants), roller)
	if err != nil {
		log.Printf("turnorder: %s initiative failed, rolling d20 err=%v", plugin.ID(), err)
		return nil
	}
	if len(ordered) != len(participants) {
		log.Printf("turnorder: %s initiative returned %d of %d participants, rolling d20", plugin.ID(), len(ordered), len(participants))
		return nil
	}
	return ordered
}

func rollD20(participants []state.Participant, roller dice.Roller) []state.Participant {
	ordered := slices.Clone(participants)
	for i := range ordered {
		ordered[i].TurnOrder = roller.Roll(InitiativeDie)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TurnOrder > ordered[j].TurnOrder
	})
	return ordered
}

// Next marks the current participant as having acted and advances the
// pointer. Wrapping past the last participant starts a new round.
func Next(tm *state.TurnManager) error {
	if tm == nil {
		return ErrNoTurnManager
	}
	if len(tm.Participants) == 0 {
		return ErrNoParticipants
	}
	if tm.CurrentTurn < 0 || tm.CurrentTurn >= len(tm.Participants) {
		tm.CurrentTurn = 0
	}
	tm.Participants[tm.CurrentTurn].HasActed = true
	tm.CurrentTurn++
	if tm.CurrentTurn >= len(tm.Participants) {
		tm.CurrentTurn = 0
		tm.Round++
		clearActed(tm)
	}
	return nil
}

// Stop deactivates the turn order and resets it to the start of round one.
// Calling Stop again has no further effect.
func Stop(tm *state.TurnManager) {
	if tm == nil {
		return
	}
	reset(tm)
	tm.IsActive = false
}

// RemoveToken drops every participant that references tokenID and keeps
// CurrentTurn on the same upcoming participant. An emptied turn order is
// reset and deactivated. It reports whether anything was removed.
func RemoveToken(tm *state.TurnManager, tokenID string) bool {
	if tm == nil || tokenID == "" {
		return false
	}
	return removeWhere(tm, func(p state.Participant) bool { return p.TokenID == tokenID })
}

// RemoveActor drops every participant whose actor is documentID.
func RemoveActor(tm *state.TurnManager, documentID string) bool {
	if tm == nil || documentID == "" {
		return false
	}
	return removeWhere(tm, func(p state.Participant) bool { return p.ActorID == documentID })
}

func removeWhere(tm *state.TurnManager, match func(state.Participant) bool) bool {
	kept := tm.Participants[:0:0]
	current := tm.CurrentTurn
	removed := false
	for i, p := range tm.Participants {
		if match(p) {
			removed = true
			if i < tm.CurrentTurn {
				current--
			}
			continue
		}
		kept = append(kept, p)
	}
	if !removed {
		return false
	}
	tm.Participants = kept
	if len(kept) == 0 {
		Stop(tm)
		return true
	}
	if current < 0 || current >= len(kept) {
		current = 0
	}
	tm.CurrentTurn = current
	return true
}

// DefaultParticipants builds one participant per encounter token, ordered by
// the encounter's participant documents and then by token ID.
func DefaultParticipants(enc *state.Encounter) []state.Participant {
	if enc == nil {
		return nil
	}
	rank := make(map[string]int, len(enc.Participants))
	for i, docID := range enc.Participants {
		if _, seen := rank[docID]; !seen {
			rank[docID] = i
		}
	}
	tokens := make([]state.Token, 0, len(enc.Tokens))
	for _, tok := range enc.Tokens {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool {
		ri, iok := rank[tokens[i].DocumentID]
		rj, jok := rank[tokens[j].DocumentID]
		if iok != jok {
			return iok
		}
		if ri != rj {
			return ri < rj
		}
		return tokens[i].ID < tokens[j].ID
	})

	participants := make([]state.Participant, 0, len(tokens))
	for _, tok := range tokens {
		participants = append(participants, ForToken(tok))
	}
	return participants
}

// ForToken returns the participant entry for a token.
func ForToken(tok state.Token) state.Participant {
	return state.Participant{ID: tok.ID, TokenID: tok.ID, ActorID: tok.DocumentID}
}

func reset(tm *state.TurnManager) {
	tm.CurrentTurn = 0
	tm.Round = 1
	clearActed(tm)
}

func clearActed(tm *state.TurnManager) {
	for i := range tm.Participants {
		tm.Participants[i].HasActed = false
	}
}
