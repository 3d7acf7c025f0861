package ws

import (
	"encoding/json"
	"log"

	"github.com/louisbranch/tabletop/internal/services/tabletop/authority"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/patch"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
)

// Client frame types.
const (
	FrameJoin   = "session.join"
	FrameSubmit = "action.submit"
	FrameDecide = "approval.decide"
)

// Server frame types.
const (
	FrameJoined           = "session.joined"
	FrameResult           = "action.result"
	FramePatch            = "state.patch"
	FrameApprovalRequest  = "approval.request"
	FrameApprovalResolved = "approval.resolved"
	FrameError            = "error"
)

// Frame is the envelope of every websocket message.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type joinPayload struct {
	SessionID string `json:"session_id"`
	Grant     string `json:"grant"`
}

type submitPayload struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	Parameters json.RawMessage `json:"parameters"`
}

type decidePayload struct {
	RequestID string `json:"request_id"`
	Approve   bool   `json:"approve"`
}

// JoinedPayload is sent once a connection joins a session.
type JoinedPayload struct {
	SessionID string           `json:"session_id"`
	PlayerID  string           `json:"player_id"`
	Version   uint64           `json:"version"`
	Hash      string           `json:"hash"`
	State     *state.GameState `json:"state"`
}

// ResultPayload is the terminal outcome of a submitted action.
type ResultPayload struct {
	RequestID  string        `json:"request_id"`
	Status     string        `json:"status"`
	Error      *ErrorPayload `json:"error,omitempty"`
	PatchCount int           `json:"patch_count"`
	Version    uint64        `json:"version"`
	Hash       string        `json:"hash"`
}

// PatchPayload carries one applied patch set.
type PatchPayload struct {
	SessionID   string            `json:"session_id"`
	RequestID   string            `json:"request_id,omitempty"`
	Version     uint64            `json:"version"`
	BaseVersion uint64            `json:"base_version"`
	Hash        string            `json:"hash"`
	Operations  []patch.Operation `json:"operations"`
}

type approvalRequestPayload struct {
	RequestID string `json:"request_id"`
	PlayerID  string `json:"player_id"`
	Action    string `json:"action"`
	Message   string `json:"message"`
	ExpiresAt string `json:"expires_at"`
}

type approvalResolvedPayload struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorPayload is a coded, localized failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func resultPayload(out authority.Outcome) ResultPayload {
	payload := ResultPayload{
		RequestID:  out.RequestID,
		Status:     string(out.Status),
		PatchCount: out.PatchCount,
		Version:    out.Version,
		Hash:       out.Hash,
	}
	if out.Rejection != nil {
		payload.Error = &ErrorPayload{Code: string(out.Rejection.Code), Message: out.Rejection.Message}
	}
	return payload
}

func patchPayload(set authority.PatchSet) PatchPayload {
	return PatchPayload{
		SessionID:   set.SessionID,
		RequestID:   set.RequestID,
		Version:     set.Version,
		BaseVersion: set.BaseVersion,
		Hash:        set.Hash,
		Operations:  set.Operations,
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("ws: failed to marshal frame payload: %v", err)
		return nil
	}
	return b
}
