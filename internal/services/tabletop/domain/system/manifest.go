package system

import (
	"fmt"
	"io/fs"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest lists the scripted game systems a server loads at startup.
type Manifest struct {
	Systems []Definition `yaml:"systems"`
}

// Definition describes one scripted game system.
type Definition struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Script is a Lua file path relative to the manifest.
	Script string `yaml:"script"`
	// TokenSizes maps a document's pluginData "size" value to cells.
	TokenSizes map[string]int `yaml:"token_sizes"`
	// Lifecycle holds default state sections keyed by scope.
	Lifecycle map[string]map[string]any `yaml:"lifecycle"`
}

// ParseManifest decodes a systems manifest.
func ParseManifest(data []byte) (Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("systems manifest: %w", err)
	}
	for i, def := range manifest.Systems {
		if strings.TrimSpace(def.ID) == "" {
			return Manifest{}, fmt.Errorf("systems manifest: entry %d has no id", i)
		}
	}
	return manifest, nil
}

// LoadManifest reads the manifest at name from fsys and builds one plugin
// per entry. Scripts resolve relative to the manifest's directory.
func LoadManifest(fsys fs.FS, name string) ([]*Scripted, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read systems manifest: %w", err)
	}
	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}

	dir := path.Dir(name)
	plugins := make([]*Scripted, 0, len(manifest.Systems))
	for _, def := range manifest.Systems {
		var source string
		if def.Script != "" {
			raw, err := fs.ReadFile(fsys, path.Join(dir, def.Script))
			if err != nil {
				return nil, fmt.Errorf("read script for %s: %w", def.ID, err)
			}
			source = string(raw)
		}
		plugin, err := NewScripted(def, source)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, plugin)
	}
	return plugins, nil
}

// RegisterManifest loads a manifest and registers every system in it.
func (r *Registry) RegisterManifest(fsys fs.FS, name string) error {
	plugins, err := LoadManifest(fsys, name)
	if err != nil {
		return err
	}
	for _, plugin := range plugins {
		if err := r.TryRegister(plugin); err != nil {
			return err
		}
	}
	return nil
}
