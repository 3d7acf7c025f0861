// Package authority serialises game actions per session: it validates each
// request, holds gated requests for the game master, executes them against
// a draft and broadcasts the resulting patches in version order.
package authority

import (
	"context"
	"time"

	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/action"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/patch"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
)

// Status is the terminal state of a request.
type Status string

const (
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

// Outcome is returned to the requester once a request reaches a terminal
// state.
type Outcome struct {
	RequestID  string            `json:"requestId"`
	Status     Status            `json:"status"`
	Rejection  *action.Rejection `json:"error,omitempty"`
	PatchCount int               `json:"patchCount"`
	Version    uint64            `json:"version"`
	Hash       string            `json:"hash"`
}

// PatchSet is the ordered change produced by one applied request.
type PatchSet struct {
	SessionID   string            `json:"sessionId"`
	RequestID   string            `json:"requestId"`
	Version     uint64            `json:"version"`
	BaseVersion uint64            `json:"baseVersion"`
	Hash        string            `json:"hash"`
	Operations  []patch.Operation `json:"operations"`
}

// ApprovalRequest asks the game master to accept or decline a request.
type ApprovalRequest struct {
	SessionID string      `json:"sessionId"`
	RequestID string      `json:"requestId"`
	PlayerID  string      `json:"playerId"`
	Action    action.Type `json:"action"`
	Message   string      `json:"message"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// ApprovalResolution tells the game master a pending approval ended.
type ApprovalResolution struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
	// Reason is the rejection code when not approved.
	Reason string `json:"reason,omitempty"`
}

// Broadcaster delivers authority output to connected clients.
type Broadcaster interface {
	// BroadcastPatch sends a patch set to every client of the session.
	BroadcastPatch(ctx context.Context, set PatchSet)
	// RequestApproval sends an approval prompt to the session's GM.
	RequestApproval(ctx context.Context, req ApprovalRequest)
	// ResolveApproval tells the GM a prompt is no longer pending.
	ResolveApproval(ctx context.Context, res ApprovalResolution)
}

// StateLoader loads the starting snapshot of a session.
type StateLoader interface {
	LoadState(ctx context.Context, sessionID string) (state.Snapshot, error)
}

// PatchLog persists applied patch sets and periodic snapshots.
type PatchLog interface {
	AppendPatch(ctx context.Context, set PatchSet) error
	SaveSnapshot(ctx context.Context, sessionID string, snap state.Snapshot) error
}

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastPatch(context.Context, PatchSet)            {}
func (nopBroadcaster) RequestApproval(context.Context, ApprovalRequest)    {}
func (nopBroadcaster) ResolveApproval(context.Context, ApprovalResolution) {}
