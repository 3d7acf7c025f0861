package state

import (
	"errors"
	"math"
	"testing"

	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/encoding"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/patch"
)

func testState() *GameState {
	s := New(Campaign{ID: "camp-1", GameMasterID: "gm"})
	s.Documents["hero"] = Document{
		ID:           "hero",
		Name:         "Hero",
		OwnerID:      "alice",
		DocumentType: DocumentCharacter,
		PluginData:   map[string]any{"avatar": map[string]any{"url": "hero.png"}},
	}
	s.CurrentEncounter = &Encounter{
		ID:     "enc-1",
		Status: EncounterInProgress,
		CurrentMap: &Map{
			Resolution:  Resolution{PixelsPerGrid: 70, MapSize: Point{X: 10, Y: 10}},
			LineOfSight: [][]Point{{{X: 4, Y: 0}, {X: 4, Y: 10}}},
		},
		Tokens: map[string]Token{
			"tok-1": {ID: "tok-1", DocumentID: "hero", Bounds: BoundsAt(GridPoint{X: 2, Y: 2}, 1, 1)},
		},
		Participants: []string{"hero"},
	}
	return s
}

func TestFacts(t *testing.T) {
	s := testState()
	if !s.IsGM("gm") || s.IsGM("alice") || s.IsGM("") {
		t.Fatal("unexpected IsGM result")
	}
	if !s.Owns("alice", "hero") || s.Owns("bob", "hero") || s.Owns("alice", "missing") {
		t.Fatal("unexpected Owns result")
	}
	if _, ok := s.ActiveEncounter(); !ok {
		t.Fatal("expected active encounter")
	}
	s.CurrentEncounter.Status = EncounterStopped
	if _, ok := s.ActiveEncounter(); ok {
		t.Fatal("stopped encounter reported active")
	}
	if s.TurnOrderActive() {
		t.Fatal("turn order should be inactive without a manager")
	}
}

func TestBounds(t *testing.T) {
	b := BoundsAt(GridPoint{X: 2, Y: 3}, 2, 3)
	if w, h := b.Size(); w != 2 || h != 3 {
		t.Fatalf("size = %dx%d, want 2x3", w, h)
	}
	if c := b.Center(); c != (Point{X: 3, Y: 4.5}) {
		t.Fatalf("center = %+v", c)
	}
	b.Elevation = 5
	moved := b.MoveTo(GridPoint{X: 7, Y: 1})
	if moved.TopLeft != (GridPoint{X: 7, Y: 1}) || moved.BottomRight != (GridPoint{X: 8, Y: 3}) || moved.Elevation != 5 {
		t.Fatalf("moved = %+v", moved)
	}
	if !moved.Valid() {
		t.Fatal("moved bounds invalid")
	}
	if (Bounds{TopLeft: GridPoint{X: 2}, BottomRight: GridPoint{X: 1}}).Valid() {
		t.Fatal("inverted bounds reported valid")
	}
}

func TestBoundsValid(t *testing.T) {
	tests := []struct {
		name   string
		bounds Bounds
		want   bool
	}{
		{name: "origin cell", bounds: BoundsAt(GridPoint{}, 1, 1), want: true},
		{name: "at limit", bounds: BoundsAt(GridPoint{X: MaxCoordinate, Y: MaxCoordinate}, 1, 1), want: true},
		{name: "negative", bounds: BoundsAt(GridPoint{X: -1}, 1, 1)},
		{name: "past limit", bounds: BoundsAt(GridPoint{Y: MaxCoordinate}, 2, 2)},
		{name: "wrapped", bounds: BoundsAt(GridPoint{X: math.MaxInt}, 2, 2)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.bounds.Valid(); got != tc.want {
				t.Fatalf("Valid(%+v) = %v, want %v", tc.bounds, got, tc.want)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := testState()
	c := s.Clone()

	c.Documents["hero"].PluginData["avatar"].(map[string]any)["url"] = "changed.png"
	c.CurrentEncounter.Tokens["tok-1"] = Token{ID: "tok-1"}
	c.CurrentEncounter.Participants[0] = "other"
	c.CurrentEncounter.CurrentMap.LineOfSight[0][0].X = 99

	if got := s.Documents["hero"].PluginData["avatar"].(map[string]any)["url"]; got != "hero.png" {
		t.Fatalf("plugin data shared: %v", got)
	}
	if s.CurrentEncounter.Tokens["tok-1"].DocumentID != "hero" {
		t.Fatal("tokens shared")
	}
	if s.CurrentEncounter.Participants[0] != "hero" {
		t.Fatal("participants shared")
	}
	if s.CurrentEncounter.CurrentMap.LineOfSight[0][0].X != 4 {
		t.Fatal("map shared")
	}
}

func TestMutateBumpsVersionAndHash(t *testing.T) {
	snap, err := NewSnapshot(testState(), 3)
	if err != nil {
		t.Fatalf("new snapshot: %v", err)
	}

	next, ops, err := Mutate(snap, func(draft *GameState) error {
		tok := draft.CurrentEncounter.Tokens["tok-1"]
		tok.Bounds = tok.Bounds.MoveTo(GridPoint{X: 5, Y: 5})
		draft.CurrentEncounter.Tokens["tok-1"] = tok
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if next.Version != 4 {
		t.Fatalf("version = %d, want 4", next.Version)
	}
	want, err := encoding.ContentHash(next.State)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if next.Hash != want || next.Hash == snap.Hash {
		t.Fatalf("hash = %q, want %q (previous %q)", next.Hash, want, snap.Hash)
	}
	if len(ops) != 4 {
		t.Fatalf("ops = %+v, want four coordinate replacements", ops)
	}
	for _, op := range ops {
		if op.Op != patch.OpReplace {
			t.Fatalf("unexpected op %+v", op)
		}
	}
	if snap.State.CurrentEncounter.Tokens["tok-1"].Bounds.TopLeft != (GridPoint{X: 2, Y: 2}) {
		t.Fatal("mutate changed the source snapshot")
	}

	replayed, hash, err := ApplyTree(snap.State, ops)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if hash != next.Hash {
		t.Fatalf("replayed hash = %q, want %q", hash, next.Hash)
	}
	if replayed.CurrentEncounter.Tokens["tok-1"].Bounds != next.State.CurrentEncounter.Tokens["tok-1"].Bounds {
		t.Fatal("replayed state diverged")
	}
}

func TestMutateWithoutChangesKeepsVersion(t *testing.T) {
	snap, err := NewSnapshot(testState(), 7)
	if err != nil {
		t.Fatalf("new snapshot: %v", err)
	}
	next, ops, err := Mutate(snap, func(*GameState) error { return nil })
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if len(ops) != 0 || next.Version != 7 || next.Hash != snap.Hash {
		t.Fatalf("next = %+v ops = %+v", next, ops)
	}
}

func TestMutateErrorDiscardsDraft(t *testing.T) {
	snap, err := NewSnapshot(testState(), 1)
	if err != nil {
		t.Fatalf("new snapshot: %v", err)
	}
	boom := errors.New("boom")
	next, ops, err := Mutate(snap, func(draft *GameState) error {
		delete(draft.Documents, "hero")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if ops != nil || next.Version != 1 {
		t.Fatalf("next = %+v ops = %+v", next, ops)
	}
	if _, ok := snap.State.Documents["hero"]; !ok {
		t.Fatal("source state mutated")
	}
}
