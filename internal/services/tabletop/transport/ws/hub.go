// Package ws serves game sessions over websockets: players join a session,
// submit actions and receive the patches the authority applies.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/tabletop/internal/platform/timeouts"
	"github.com/louisbranch/tabletop/internal/services/tabletop/authority"
)

// Hub tracks the connections joined to each session and delivers authority
// output to them.
type Hub struct {
	logger *log.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{logger: logger, rooms: make(map[string]*room)}
}

// peerOutboxSize bounds the frames queued for one connection. A peer that
// falls this far behind is dropped.
const peerOutboxSize = 64

var (
	errPeerClosed     = errors.New("peer is closed")
	errPeerOutboxFull = errors.New("peer outbox is full")
)

// peer owns the write side of one connection. Frames are queued on outbox
// and written in order by a single writer goroutine.
type peer struct {
	conn    *websocket.Conn
	encoder *json.Encoder
	logger  *log.Logger

	outbox    chan Frame
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	aborted   atomic.Bool
}

func newPeer(conn *websocket.Conn, logger *log.Logger) *peer {
	return startPeer(conn, conn, logger)
}

func startPeer(conn *websocket.Conn, w io.Writer, logger *log.Logger) *peer {
	if logger == nil {
		logger = log.Default()
	}
	p := &peer{
		conn:    conn,
		encoder: json.NewEncoder(w),
		logger:  logger,
		outbox:  make(chan Frame, peerOutboxSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

// writeFrame queues frame without blocking. A full outbox stops the peer.
func (p *peer) writeFrame(frame Frame) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.outbox <- frame:
		return nil
	default:
		p.abort()
		return errPeerOutboxFull
	}
}

func (p *peer) writeLoop() {
	defer close(p.stopped)
	defer p.closeConn()
	for {
		select {
		case frame := <-p.outbox:
			if !p.write(frame) {
				return
			}
		case <-p.done:
			for {
				select {
				case frame := <-p.outbox:
					if !p.write(frame) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (p *peer) write(frame Frame) bool {
	if p.conn != nil {
		_ = p.conn.SetWriteDeadline(time.Now().Add(timeouts.WSWrite))
	}
	if p.aborted.Load() {
		return false
	}
	if err := p.encoder.Encode(frame); err != nil {
		p.logger.Printf("ws: frame write failed type=%q err=%v", frame.Type, err)
		p.stop()
		return false
	}
	return true
}

func (p *peer) stop() {
	p.closeOnce.Do(func() { close(p.done) })
}

// abort stops the peer without flushing. The write deadline moves to now
// so a blocked write fails and the writer closes the connection.
func (p *peer) abort() {
	p.aborted.Store(true)
	p.stop()
	if p.conn != nil {
		_ = p.conn.SetWriteDeadline(time.Now())
	}
}

// close flushes the queued frames and closes the connection.
func (p *peer) close() {
	p.stop()
	<-p.stopped
}

func (p *peer) closeConn() {
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

type room struct {
	mu           sync.Mutex
	sessionID    string
	gameMasterID string
	// peers maps each connection to its player id.
	peers map[*peer]string
}

func (h *Hub) lookup(sessionID string) (*room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[sessionID]
	return r, ok
}

func (h *Hub) join(sessionID, gameMasterID, playerID string, p *peer) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[sessionID]
	if !ok {
		r = &room{sessionID: sessionID, peers: make(map[*peer]string)}
		h.rooms[sessionID] = r
	}
	r.mu.Lock()
	r.gameMasterID = gameMasterID
	r.peers[p] = playerID
	r.mu.Unlock()
	return r
}

func (h *Hub) leave(r *room, p *peer) {
	if r == nil || p == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, p)
	if len(r.peers) == 0 && h.rooms[r.sessionID] == r {
		delete(h.rooms, r.sessionID)
	}
}

// Connections returns how many connections are joined to sessionID.
func (h *Hub) Connections(sessionID string) int {
	r, ok := h.lookup(sessionID)
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *room) snapshot(onlyGM bool) map[*peer]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[*peer]string, len(r.peers))
	for p, playerID := range r.peers {
		if onlyGM && playerID != r.gameMasterID {
			continue
		}
		out[p] = playerID
	}
	return out
}

func (h *Hub) send(sessionID string, onlyGM bool, frame Frame) {
	r, ok := h.lookup(sessionID)
	if !ok {
		return
	}
	for p, playerID := range r.snapshot(onlyGM) {
		if err := p.writeFrame(frame); errors.Is(err, errPeerOutboxFull) {
			h.logger.Printf("ws: dropping slow peer session=%q player=%q type=%q", sessionID, playerID, frame.Type)
		}
	}
}

// BroadcastPatch sends a state.patch frame to every connection of the session.
func (h *Hub) BroadcastPatch(_ context.Context, set authority.PatchSet) {
	h.send(set.SessionID, false, Frame{Type: FramePatch, Payload: mustJSON(patchPayload(set))})
}

// RequestApproval sends an approval.request frame to the session's GM.
func (h *Hub) RequestApproval(_ context.Context, req authority.ApprovalRequest) {
	h.send(req.SessionID, true, approvalRequestFrame(req))
}

func approvalRequestFrame(req authority.ApprovalRequest) Frame {
	return Frame{
		Type:      FrameApprovalRequest,
		RequestID: req.RequestID,
		Payload: mustJSON(approvalRequestPayload{
			RequestID: req.RequestID,
			PlayerID:  req.PlayerID,
			Action:    string(req.Action),
			Message:   req.Message,
			ExpiresAt: req.ExpiresAt.UTC().Format(time.RFC3339),
		}),
	}
}

// ResolveApproval tells the session's GM an approval is no longer pending.
func (h *Hub) ResolveApproval(_ context.Context, res authority.ApprovalResolution) {
	h.send(res.SessionID, true, Frame{
		Type:      FrameApprovalResolved,
		RequestID: res.RequestID,
		Payload:   mustJSON(approvalResolvedPayload{RequestID: res.RequestID, Approved: res.Approved, Reason: res.Reason}),
	})
}

var _ authority.Broadcaster = (*Hub)(nil)
