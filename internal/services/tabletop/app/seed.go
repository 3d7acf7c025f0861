package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
	"github.com/louisbranch/tabletop/internal/services/tabletop/storage"
)

// Seed describes campaigns to load into a fresh store. Document and
// encounter bodies use the same field names as the JSON state.
type Seed struct {
	Campaigns []SeedCampaign `yaml:"campaigns"`
}

// SeedCampaign is one campaign with its sessions and documents.
type SeedCampaign struct {
	ID           string           `yaml:"id"`
	GameMasterID string           `yaml:"game_master_id"`
	SystemID     string           `yaml:"system_id"`
	Sessions     []string         `yaml:"sessions"`
	Documents    []map[string]any `yaml:"documents"`
	Encounters   []map[string]any `yaml:"encounters"`
}

// SeedStore is the storage a seed writes to.
type SeedStore interface {
	storage.SessionStore
	PutDocument(ctx context.Context, campaignID string, doc state.Document) error
	PutEncounter(ctx context.Context, campaignID string, enc *state.Encounter) error
}

// ParseSeed decodes a YAML seed.
func ParseSeed(data []byte) (Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed: %w", err)
	}
	for i, campaign := range seed.Campaigns {
		if strings.TrimSpace(campaign.ID) == "" {
			return Seed{}, fmt.Errorf("seed campaign %d has no id", i)
		}
		if strings.TrimSpace(campaign.GameMasterID) == "" {
			return Seed{}, fmt.Errorf("seed campaign %s has no game_master_id", campaign.ID)
		}
	}
	return seed, nil
}

// LoadSeedFile applies the seed at path. Existing sessions are kept and
// documents are upserted, so loading the same file twice is harmless.
func LoadSeedFile(ctx context.Context, store SeedStore, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return err
	}
	return ApplySeed(ctx, store, seed)
}

// ApplySeed writes seed to store.
func ApplySeed(ctx context.Context, store SeedStore, seed Seed) error {
	for _, campaign := range seed.Campaigns {
		for _, raw := range campaign.Documents {
			var doc state.Document
			if err := convert(raw, &doc); err != nil {
				return fmt.Errorf("seed document in %s: %w", campaign.ID, err)
			}
			if err := store.PutDocument(ctx, campaign.ID, doc); err != nil {
				return fmt.Errorf("seed document %s: %w", doc.ID, err)
			}
		}
		for _, raw := range campaign.Encounters {
			enc := &state.Encounter{}
			if err := convert(raw, enc); err != nil {
				return fmt.Errorf("seed encounter in %s: %w", campaign.ID, err)
			}
			if err := store.PutEncounter(ctx, campaign.ID, enc); err != nil {
				return fmt.Errorf("seed encounter %s: %w", enc.ID, err)
			}
		}
		for _, sessionID := range campaign.Sessions {
			err := store.PutSession(ctx, storage.SessionRecord{
				ID: sessionID,
				Campaign: state.Campaign{
					ID:           campaign.ID,
					GameMasterID: campaign.GameMasterID,
					SystemID:     campaign.SystemID,
				},
			})
			if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
				return fmt.Errorf("seed session %s: %w", sessionID, err)
			}
		}
	}
	return nil
}

// convert moves a YAML-decoded body into target through JSON so the state
// field names apply.
func convert(raw map[string]any, target any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
