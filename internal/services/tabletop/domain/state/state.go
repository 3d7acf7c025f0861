// Package state defines the shared, versioned game-state document that every
// session client converges on.
package state

// EncounterStatus is the lifecycle status of an encounter.
type EncounterStatus string

const (
	EncounterStopped    EncounterStatus = "stopped"
	EncounterInProgress EncounterStatus = "in_progress"
)

// DocumentType classifies a document.
type DocumentType string

const (
	DocumentCharacter   DocumentType = "character"
	DocumentActor       DocumentType = "actor"
	DocumentItem        DocumentType = "item"
	DocumentVTTDocument DocumentType = "vtt-document"
)

// GameState is the root document owned collectively by a game session.
type GameState struct {
	Documents        map[string]Document `json:"documents"`
	CurrentEncounter *Encounter          `json:"currentEncounter,omitempty"`
	TurnManager      *TurnManager        `json:"turnManager,omitempty"`
	Campaign         Campaign            `json:"campaign"`
}

// Campaign holds the reference data the pipeline consults for authority.
type Campaign struct {
	ID           string `json:"id"`
	GameMasterID string `json:"gameMasterId"`
	SystemID     string `json:"systemId,omitempty"`
}

// Document is a character, actor, item or vtt-document.
type Document struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	OwnerID      string         `json:"ownerId"`
	DocumentType DocumentType   `json:"documentType"`
	PluginData   map[string]any `json:"pluginData,omitempty"`
	CarrierID    string         `json:"carrierId,omitempty"`
}

// Encounter is a bounded combat or interaction session.
type Encounter struct {
	ID           string           `json:"id"`
	Status       EncounterStatus  `json:"status"`
	MapID        string           `json:"mapId,omitempty"`
	CurrentMap   *Map             `json:"currentMap,omitempty"`
	Tokens       map[string]Token `json:"tokens"`
	Participants []string         `json:"participants"`
}

// Token is a positioned, sized marker on the encounter map.
type Token struct {
	ID                 string `json:"id"`
	DocumentID         string `json:"documentId,omitempty"`
	Bounds             Bounds `json:"bounds"`
	IsPlayerControlled bool   `json:"isPlayerControlled"`
	OwnerID            string `json:"ownerId,omitempty"`
	Name               string `json:"name,omitempty"`
	ImageURL           string `json:"imageUrl,omitempty"`
}

// TurnManager tracks initiative order for the current encounter.
type TurnManager struct {
	Participants []Participant `json:"participants"`
	CurrentTurn  int           `json:"currentTurn"`
	Round        int           `json:"round"`
	IsActive     bool          `json:"isActive"`
}

// Participant is one entry in the turn order.
type Participant struct {
	ID        string `json:"id"`
	TokenID   string `json:"tokenId,omitempty"`
	ActorID   string `json:"actorId,omitempty"`
	TurnOrder int    `json:"turnOrder"`
	HasActed  bool   `json:"hasActed"`
}

// Map is encounter map geometry, kept in the wire shape map editors export.
type Map struct {
	Resolution         Resolution `json:"resolution"`
	LineOfSight        [][]Point  `json:"line_of_sight,omitempty"`
	ObjectsLineOfSight [][]Point  `json:"objects_line_of_sight,omitempty"`
}

// Resolution describes the map grid.
type Resolution struct {
	PixelsPerGrid float64 `json:"pixels_per_grid"`
	MapSize       Point   `json:"map_size"`
}

// HasSize reports whether the map declares a usable grid size.
func (r Resolution) HasSize() bool {
	return r.MapSize.X > 0 && r.MapSize.Y > 0
}

// New returns an empty state for a campaign.
func New(campaign Campaign) *GameState {
	return &GameState{
		Documents: map[string]Document{},
		Campaign:  campaign,
	}
}

// Document returns the document with id.
func (s *GameState) Document(id string) (Document, bool) {
	if s == nil || s.Documents == nil {
		return Document{}, false
	}
	doc, ok := s.Documents[id]
	return doc, ok
}

// ActiveEncounter returns the current encounter when it is in progress.
func (s *GameState) ActiveEncounter() (*Encounter, bool) {
	if s == nil || s.CurrentEncounter == nil || s.CurrentEncounter.Status != EncounterInProgress {
		return nil, false
	}
	return s.CurrentEncounter, true
}

// Token returns the token with id from the current encounter.
func (s *GameState) Token(id string) (Token, bool) {
	if s == nil || s.CurrentEncounter == nil || s.CurrentEncounter.Tokens == nil {
		return Token{}, false
	}
	tok, ok := s.CurrentEncounter.Tokens[id]
	return tok, ok
}

// IsGM reports whether playerID is the campaign's game master.
func (s *GameState) IsGM(playerID string) bool {
	return s != nil && playerID != "" && s.Campaign.GameMasterID == playerID
}

// Owns reports whether playerID owns the document with id.
func (s *GameState) Owns(playerID, documentID string) bool {
	doc, ok := s.Document(documentID)
	return ok && playerID != "" && doc.OwnerID == playerID
}

// TurnOrderActive reports whether initiative is running.
func (s *GameState) TurnOrderActive() bool {
	return s != nil && s.TurnManager != nil && s.TurnManager.IsActive
}

// HasParticipant reports whether documentID is enrolled in the encounter.
func (e *Encounter) HasParticipant(documentID string) bool {
	if e == nil {
		return false
	}
	for _, id := range e.Participants {
		if id == documentID {
			return true
		}
	}
	return false
}
