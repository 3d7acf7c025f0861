// Package lifecycle resets scope-bound document state when a scope such as
// an encounter ends.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/patch"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
)

// ScopeEncounter is the state section reset when an encounter stops.
const ScopeEncounter = "encounter"

// Key is the pluginData field holding scope sections:
// pluginData.lifecycle.<scope>.
const Key = "lifecycle"

// ErrMalformedSection indicates a document's lifecycle data is not an object.
var ErrMalformedSection = errors.New("lifecycle section is not an object")

// DefaultsFunc returns the default section for a scope.
type DefaultsFunc func(scope string) (map[string]any, error)

// Reset returns doc with its scope section replaced by the defaults. A nil
// defaults result with no existing section leaves doc unchanged.
func Reset(doc state.Document, scope string, defaults DefaultsFunc) (state.Document, error) {
	if scope == "" {
		return doc, fmt.Errorf("lifecycle scope is required")
	}
	values, err := defaults(scope)
	if err != nil {
		return doc, fmt.Errorf("lifecycle defaults for %s: %w", scope, err)
	}

	raw, hasSections := doc.PluginData[Key]
	sections, ok := raw.(map[string]any)
	if hasSections && !ok {
		return doc, fmt.Errorf("document %s: %w", doc.ID, ErrMalformedSection)
	}
	if values == nil {
		if _, present := sections[scope]; !present {
			return doc, nil
		}
		values = map[string]any{}
	}

	doc = doc.Clone()
	if doc.PluginData == nil {
		doc.PluginData = map[string]any{}
	}
	next := map[string]any{}
	for name, section := range sections {
		next[name] = patch.Clone(section)
	}
	next[scope] = patch.Clone(values)
	doc.PluginData[Key] = next
	return doc, nil
}

// Section returns the current scope section of doc.
func Section(doc state.Document, scope string) (map[string]any, bool) {
	sections, ok := doc.PluginData[Key].(map[string]any)
	if !ok {
		return nil, false
	}
	section, ok := sections[scope].(map[string]any)
	return section, ok
}
