// Package system defines per-game-system hooks used by the action pipeline
// and the registry that resolves them by campaign system ID.
package system

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/dice"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
)

// FallbackID identifies the built-in plugin used when a campaign's system is
// not registered.
const FallbackID = "fallback"

// ErrAutomaticInitiativeUnsupported is returned by plugins that leave
// initiative to the default d20 roll.
var ErrAutomaticInitiativeUnsupported = errors.New("automatic initiative is not supported")

// Plugin is the capability set a game system exposes to the pipeline.
// Plugins are read-only collaborators and never mutate game state.
type Plugin interface {
	// ID returns the system identifier stored on campaigns.
	ID() string

	// Name returns the human-readable system name.
	Name() string

	// SupportsAutomaticCalculation reports whether CalculateInitiative
	// orders participants.
	SupportsAutomaticCalculation() bool

	// CalculateInitiative returns participants in acting order with
	// TurnOrder populated.
	CalculateInitiative(ctx context.Context, participants []state.Participant, roller dice.Roller) ([]state.Participant, error)

	// TokenGridSize returns the square token size, in cells, for doc.
	TokenGridSize(doc state.Document) int

	// LifecycleDefaults returns the default values of a document's
	// scope-bound state section, or nil when the system keeps none.
	LifecycleDefaults(scope string) (map[string]any, error)
}

// Fallback is the plugin selected when no concrete system is registered.
type Fallback struct{}

func (Fallback) ID() string   { return FallbackID }
func (Fallback) Name() string { return "Generic" }

func (Fallback) SupportsAutomaticCalculation() bool { return false }

func (Fallback) CalculateInitiative(context.Context, []state.Participant, dice.Roller) ([]state.Participant, error) {
	return nil, ErrAutomaticInitiativeUnsupported
}

func (Fallback) TokenGridSize(state.Document) int { return 1 }

func (Fallback) LifecycleDefaults(string) (map[string]any, error) { return nil, nil }

// Registry resolves plugins by system ID.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates a registry holding only the fallback plugin.
func NewRegistry() *Registry {
	return &Registry{plugins: map[string]Plugin{FallbackID: Fallback{}}}
}

// Register adds a plugin to the registry.
// Panics if a plugin with the same ID is already registered.
func (r *Registry) Register(plugin Plugin) {
	if err := r.TryRegister(plugin); err != nil {
		panic(err.Error())
	}
}

// TryRegister adds a plugin, returning an error for blank or duplicate IDs.
func (r *Registry) TryRegister(plugin Plugin) error {
	if plugin == nil {
		return fmt.Errorf("game system plugin is required")
	}
	id := normalizeID(plugin.ID())
	if id == "" {
		return fmt.Errorf("game system plugin must define an id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[id]; exists {
		return fmt.Errorf("game system %s already registered", id)
	}
	r.plugins[id] = plugin
	return nil
}

// Lookup returns the plugin registered for id.
func (r *Registry) Lookup(id string) (Plugin, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	plugin, ok := r.plugins[normalizeID(id)]
	return plugin, ok
}

// Resolve returns the plugin for id, or the fallback plugin when id is not
// registered.
func (r *Registry) Resolve(id string) Plugin {
	if plugin, ok := r.Lookup(id); ok {
		return plugin
	}
	return Fallback{}
}

// IDs returns the registered system IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
