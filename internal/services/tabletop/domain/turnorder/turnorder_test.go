package turnorder

import (
	"context"
	"errors"
	"testing"

	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/dice"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/system"
)

func participants(ids ...string) []state.Participant {
	out := make([]state.Participant, len(ids))
	for i, id := range ids {
		out[i] = state.Participant{ID: id, TokenID: "tok-" + id, ActorID: "doc-" + id}
	}
	return out
}

func ids(tm *state.TurnManager) []string {
	out := make([]string, len(tm.Participants))
	for i, p := range tm.Participants {
		out[i] = p.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type fakePlugin struct {
	system.Fallback
	auto    bool
	ordered []state.Participant
	err     error
}

func (f fakePlugin) ID() string                         { return "fake" }
func (f fakePlugin) SupportsAutomaticCalculation() bool { return f.auto }
func (f fakePlugin) CalculateInitiative(context.Context, []state.Participant, dice.Roller) ([]state.Participant, error) {
	return f.ordered, f.err
}

func TestRollD20SortsDescendingAndStable(t *testing.T) {
	tm := Roll(context.Background(), participants("a", "b", "c", "d"), nil, dice.NewSequence(5, 17, 5, 12))
	if got, want := ids(tm), []string{"b", "d", "a", "c"}; !equalIDs(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if tm.Participants[0].TurnOrder != 17 {
		t.Fatalf("turn order = %d, want 17", tm.Participants[0].TurnOrder)
	}
}

func TestRollAlwaysResets(t *testing.T) {
	input := participants("a", "b", "c")
	for i := range input {
		input[i].HasActed = true
	}
	plugins := map[string]system.Plugin{
		"fallback":     system.Fallback{},
		"plugin order": fakePlugin{auto: true, ordered: participants("c", "a", "b")},
		"plugin error": fakePlugin{auto: true, err: errors.New("boom")},
		"plugin short": fakePlugin{auto: true, ordered: participants("c")},
		"no plugin":    nil,
	}
	for name, plugin := range plugins {
		t.Run(name, func(t *testing.T) {
			tm := Roll(context.Background(), input, plugin, dice.NewSequence(3, 9, 14))
			if !tm.IsActive || tm.CurrentTurn != 0 || tm.Round != 1 {
				t.Fatalf("tm = %+v", tm)
			}
			if len(tm.Participants) != 3 {
				t.Fatalf("participants = %v", ids(tm))
			}
			for _, p := range tm.Participants {
				if p.HasActed {
					t.Fatalf("participant %s still marked acted", p.ID)
				}
			}
		})
	}
	if !input[0].HasActed {
		t.Fatal("Roll mutated its input")
	}
}

func TestRollDefersToPlugin(t *testing.T) {
	plugin := fakePlugin{auto: true, ordered: participants("c", "a", "b")}
	tm := Roll(context.Background(), participants("a", "b", "c"), plugin, dice.NewSequence(20))
	if got := ids(tm); !equalIDs(got, []string{"c", "a", "b"}) {
		t.Fatalf("order = %v", got)
	}
}

func TestRollPluginErrorFallsBackToD20(t *testing.T) {
	plugin := fakePlugin{auto: true, err: errors.New("script failed")}
	tm := Roll(context.Background(), participants("a", "b"), plugin, dice.NewSequence(2, 19))
	if got := ids(tm); !equalIDs(got, []string{"b", "a"}) {
		t.Fatalf("order = %v", got)
	}
}

func TestNextCyclesAndIncrementsRound(t *testing.T) {
	tm := &state.TurnManager{Participants: participants("a", "b", "c"), Round: 1, IsActive: true}
	for cycle := 0; cycle < 3; cycle++ {
		for i := 0; i < 3; i++ {
			if tm.CurrentTurn != i {
				t.Fatalf("cycle %d: current = %d, want %d", cycle, tm.CurrentTurn, i)
			}
			if err := Next(tm); err != nil {
				t.Fatalf("Next: %v", err)
			}
		}
		if tm.Round != cycle+2 {
			t.Fatalf("round = %d, want %d", tm.Round, cycle+2)
		}
		for _, p := range tm.Participants {
			if p.HasActed {
				t.Fatalf("participant %s acted after round reset", p.ID)
			}
		}
	}
}

func TestNextMarksActed(t *testing.T) {
	tm := &state.TurnManager{Participants: participants("a", "b"), Round: 1, IsActive: true}
	if err := Next(tm); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !tm.Participants[0].HasActed || tm.Participants[1].HasActed || tm.CurrentTurn != 1 {
		t.Fatalf("tm = %+v", tm)
	}
}

func TestNextWrapScenario(t *testing.T) {
	tm := &state.TurnManager{Participants: participants("a", "b", "c"), CurrentTurn: 2, Round: 1, IsActive: true}
	tm.Participants[0].HasActed = true
	tm.Participants[1].HasActed = true
	if err := Next(tm); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if tm.CurrentTurn != 0 || tm.Round != 2 {
		t.Fatalf("current = %d round = %d", tm.CurrentTurn, tm.Round)
	}
	for _, p := range tm.Participants {
		if p.HasActed {
			t.Fatalf("participant %s still acted", p.ID)
		}
	}
}

func TestNextErrors(t *testing.T) {
	if err := Next(nil); !errors.Is(err, ErrNoTurnManager) {
		t.Fatalf("err = %v", err)
	}
	if err := Next(&state.TurnManager{}); !errors.Is(err, ErrNoParticipants) {
		t.Fatalf("err = %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	tm := &state.TurnManager{Participants: participants("a", "b"), CurrentTurn: 1, Round: 4, IsActive: true}
	tm.Participants[0].HasActed = true
	for i := 0; i < 2; i++ {
		Stop(tm)
		if tm.IsActive || tm.CurrentTurn != 0 || tm.Round != 1 || tm.Participants[0].HasActed {
			t.Fatalf("after stop %d: %+v", i, tm)
		}
	}
	Stop(nil)
}

func TestRemoveToken(t *testing.T) {
	tests := []struct {
		name        string
		current     int
		remove      string
		wantIDs     []string
		wantCurrent int
		wantActive  bool
	}{
		{name: "before current", current: 2, remove: "tok-a", wantIDs: []string{"b", "c"}, wantCurrent: 1, wantActive: true},
		{name: "after current", current: 0, remove: "tok-c", wantIDs: []string{"a", "b"}, wantCurrent: 0, wantActive: true},
		{name: "current moves to next", current: 1, remove: "tok-b", wantIDs: []string{"a", "c"}, wantCurrent: 1, wantActive: true},
		{name: "current last wraps", current: 2, remove: "tok-c", wantIDs: []string{"a", "b"}, wantCurrent: 0, wantActive: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := &state.TurnManager{Participants: participants("a", "b", "c"), CurrentTurn: tt.current, Round: 2, IsActive: true}
			if !RemoveToken(tm, tt.remove) {
				t.Fatal("expected removal")
			}
			if got := ids(tm); !equalIDs(got, tt.wantIDs) {
				t.Fatalf("ids = %v, want %v", got, tt.wantIDs)
			}
			if tm.CurrentTurn != tt.wantCurrent || tm.IsActive != tt.wantActive {
				t.Fatalf("current = %d active = %v", tm.CurrentTurn, tm.IsActive)
			}
			for _, p := range tm.Participants {
				if p.TokenID == tt.remove {
					t.Fatalf("dangling participant %s", p.ID)
				}
			}
		})
	}
}

func TestRemoveLastTokenDeactivates(t *testing.T) {
	tm := &state.TurnManager{Participants: participants("a"), Round: 3, IsActive: true}
	if !RemoveToken(tm, "tok-a") {
		t.Fatal("expected removal")
	}
	if tm.IsActive || len(tm.Participants) != 0 || tm.Round != 1 || tm.CurrentTurn != 0 {
		t.Fatalf("tm = %+v", tm)
	}
	if RemoveToken(tm, "tok-a") {
		t.Fatal("second removal reported a change")
	}
}

func TestRemoveActor(t *testing.T) {
	tm := &state.TurnManager{Participants: participants("a", "b"), CurrentTurn: 1, Round: 1, IsActive: true}
	if !RemoveActor(tm, "doc-a") {
		t.Fatal("expected removal")
	}
	if got := ids(tm); !equalIDs(got, []string{"b"}) || tm.CurrentTurn != 0 {
		t.Fatalf("ids = %v current = %d", got, tm.CurrentTurn)
	}
}

func TestDefaultParticipants(t *testing.T) {
	enc := &state.Encounter{
		Participants: []string{"doc-2", "doc-1"},
		Tokens: map[string]state.Token{
			"t-c": {ID: "t-c", DocumentID: "doc-1"},
			"t-a": {ID: "t-a", DocumentID: "doc-1"},
			"t-b": {ID: "t-b", DocumentID: "doc-2"},
			"t-z": {ID: "t-z"},
		},
	}
	got := DefaultParticipants(enc)
	want := []string{"t-b", "t-a", "t-c", "t-z"}
	if len(got) != len(want) {
		t.Fatalf("got %d participants", len(got))
	}
	for i, id := range want {
		if got[i].TokenID != id || got[i].ID != id {
			t.Fatalf("participant %d = %+v, want %s", i, got[i], id)
		}
	}
	if got[0].ActorID != "doc-2" {
		t.Fatalf("actor = %s", got[0].ActorID)
	}
	if DefaultParticipants(nil) != nil {
		t.Fatal("expected nil for nil encounter")
	}
}
