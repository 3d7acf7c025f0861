package state

import (
	"maps"
	"slices"

	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/patch"
)

// Clone returns a deep copy of the state that shares no mutable memory with
// the receiver.
func (s *GameState) Clone() *GameState {
	if s == nil {
		return nil
	}
	out := &GameState{
		Documents: make(map[string]Document, len(s.Documents)),
		Campaign:  s.Campaign,
	}
	for id, doc := range s.Documents {
		out.Documents[id] = doc.Clone()
	}
	if s.CurrentEncounter != nil {
		out.CurrentEncounter = s.CurrentEncounter.Clone()
	}
	if s.TurnManager != nil {
		out.TurnManager = s.TurnManager.Clone()
	}
	return out
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d.PluginData != nil {
		d.PluginData = clonePluginData(d.PluginData)
	}
	return d
}

// Clone returns a deep copy of the encounter.
func (e *Encounter) Clone() *Encounter {
	if e == nil {
		return nil
	}
	out := *e
	out.Tokens = maps.Clone(e.Tokens)
	out.Participants = slices.Clone(e.Participants)
	if e.CurrentMap != nil {
		m := e.CurrentMap.Clone()
		out.CurrentMap = &m
	}
	return &out
}

// Clone returns a deep copy of the map geometry.
func (m Map) Clone() Map {
	m.LineOfSight = clonePolylines(m.LineOfSight)
	m.ObjectsLineOfSight = clonePolylines(m.ObjectsLineOfSight)
	return m
}

// Clone returns a deep copy of the turn manager.
func (tm *TurnManager) Clone() *TurnManager {
	if tm == nil {
		return nil
	}
	out := *tm
	out.Participants = slices.Clone(tm.Participants)
	return &out
}

func clonePolylines(lines [][]Point) [][]Point {
	if lines == nil {
		return nil
	}
	out := make([][]Point, len(lines))
	for i, line := range lines {
		out[i] = slices.Clone(line)
	}
	return out
}

func clonePluginData(data map[string]any) map[string]any {
	cloned, _ := patch.Clone(data).(map[string]any)
	return cloned
}
