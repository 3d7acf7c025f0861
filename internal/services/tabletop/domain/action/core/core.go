// Package core provides the built-in handlers for every tabletop action.
package core

import (
	"errors"
	"strings"

	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/action"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
)

// Priority is the priority of every core handler.
const Priority = 0

// errTokenMissing is returned when a validated token vanished from the draft.
var errTokenMissing = errors.New("token is missing from draft")

// Handlers returns one handler per core action type.
func Handlers() []action.Handler {
	return []action.Handler{
		MoveToken{},
		AddToken{},
		RemoveToken{},
		AddDocument{},
		RemoveDocument{},
		AssignItem{},
		RollInitiative{},
		EndTurn{},
		StartEncounter{},
		StopEncounter{},
	}
}

// Register adds every core handler to registry.
func Register(registry *action.Registry) error {
	for _, h := range Handlers() {
		if err := registry.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry with the core handlers installed.
func NewRegistry() (*action.Registry, error) {
	registry := action.NewRegistry()
	if err := Register(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

type position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p position) grid() state.GridPoint {
	return state.GridPoint{X: p.X, Y: p.Y}
}

const positionSchema = `{
  "type": "object",
  "required": ["x", "y"],
  "properties": {
    "x": {"type": "integer"},
    "y": {"type": "integer"}
  }
}`

// outOfBounds reports whether any cell of b lies outside the map grid.
// Maps without a declared size are unbounded.
func outOfBounds(m *state.Map, b state.Bounds) bool {
	if m == nil || !m.Resolution.HasSize() {
		return false
	}
	return float64(b.BottomRight.X) >= m.Resolution.MapSize.X ||
		float64(b.BottomRight.Y) >= m.Resolution.MapSize.Y
}

// imageURL resolves a token image from a document's plugin data.
func imageURL(doc state.Document) string {
	for _, key := range []string{"tokenImage", "avatar", "image"} {
		section, ok := doc.PluginData[key].(map[string]any)
		if !ok {
			continue
		}
		if url, ok := section["url"].(string); ok && strings.TrimSpace(url) != "" {
			return url
		}
	}
	return ""
}

func documentName(s *state.GameState, id string) string {
	if doc, ok := s.Document(id); ok && doc.Name != "" {
		return doc.Name
	}
	return id
}

func meta(key, value string) map[string]string {
	return map[string]string{key: value}
}
