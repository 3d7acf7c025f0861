package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/tabletop/internal/platform/errors"
	"github.com/louisbranch/tabletop/internal/services/tabletop/authority"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/action"
	"github.com/louisbranch/tabletop/internal/services/tabletop/identity"
)

const (
	maxFramePayloadBytes   = 64 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
	maxQueuedSubmissions   = 16
)

// Transport error codes that have no domain counterpart.
const (
	codeInvalidArgument   = "INVALID_ARGUMENT"
	codeResourceExhausted = "RESOURCE_EXHAUSTED"
	codeForbidden         = "FORBIDDEN"
)

// Sessions opens authority sessions on demand.
type Sessions interface {
	Open(ctx context.Context, sessionID string) (*authority.Session, error)
}

// HandlerOptions configures the websocket routes.
type HandlerOptions struct {
	Hub      *Hub
	Sessions Sessions
	// Verifier resolves join grants. Nil trusts the grant as the player id.
	Verifier identity.Verifier
	Locale   string
	Logger   *log.Logger
}

type handler struct {
	opts HandlerOptions
}

// NewHandler creates the /up and /ws routes.
func NewHandler(opts HandlerOptions) http.Handler {
	if opts.Hub == nil {
		opts.Hub = NewHub(opts.Logger)
	}
	if opts.Verifier == nil {
		opts.Verifier = identity.Insecure{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	h := &handler{opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(h.serve)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if opts.Sessions == nil {
			http.Error(w, "sessions are not configured", http.StatusServiceUnavailable)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
	return mux
}

type submission struct {
	requestID string
	req       action.Request
}

// client is the per-connection state.
type client struct {
	handler     *handler
	peer        *peer
	submissions chan submission

	mu       sync.Mutex
	session  *authority.Session
	room     *room
	playerID string
}

func (h *handler) serve(conn *websocket.Conn) {
	conn.MaxPayloadBytes = maxFramePayloadBytes

	ctx, cancel := context.WithCancel(conn.Request().Context())
	defer cancel()

	c := &client{
		handler:     h,
		peer:        newPeer(conn, h.opts.Logger),
		submissions: make(chan submission, maxQueuedSubmissions),
	}
	defer c.peer.close()
	defer c.leave()
	go c.submitLoop(ctx)

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				_ = c.writeError("", codeInvalidArgument, "payload too large")
				continue
			}
			h.opts.Logger.Printf("ws: read failed player=%q err=%v", c.player(), err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			decodeErrors++
			_ = c.writeError("", codeInvalidArgument, "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = c.writeError(frame.RequestID, codeResourceExhausted, "rate limit exceeded")
			return
		}

		switch frame.Type {
		case FrameJoin:
			c.handleJoin(ctx, frame)
		case FrameSubmit:
			c.handleSubmit(frame)
		case FrameDecide:
			c.handleDecide(frame)
		default:
			_ = c.writeError(frame.RequestID, codeInvalidArgument, "unsupported frame type")
		}
	}
}

func (c *client) handleJoin(ctx context.Context, frame Frame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = c.writeError(frame.RequestID, codeInvalidArgument, "invalid join payload")
		return
	}
	sessionID := strings.TrimSpace(payload.SessionID)
	if sessionID == "" {
		_ = c.writeError(frame.RequestID, codeInvalidArgument, "session_id is required")
		return
	}

	opts := c.handler.opts
	claims, err := opts.Verifier.Verify(payload.Grant, sessionID)
	if err != nil {
		opts.Logger.Printf("ws: join rejected session=%q err=%v", sessionID, err)
		_ = c.writeDomainError(frame.RequestID, err)
		return
	}
	session, err := opts.Sessions.Open(ctx, sessionID)
	if err != nil {
		opts.Logger.Printf("ws: open session failed session=%q err=%v", sessionID, err)
		_ = c.writeCode(frame.RequestID, apperrors.CodeSessionNotFound, nil)
		return
	}

	c.leave()
	r := opts.Hub.join(sessionID, session.GameMasterID(), claims.PlayerID, c.peer)
	c.mu.Lock()
	c.session = session
	c.room = r
	c.playerID = claims.PlayerID
	c.mu.Unlock()

	// Joined before the snapshot is read so no patch after it is missed.
	snap := session.Snapshot()
	_ = c.peer.writeFrame(Frame{
		Type:      FrameJoined,
		RequestID: frame.RequestID,
		Payload: mustJSON(JoinedPayload{
			SessionID: sessionID,
			PlayerID:  claims.PlayerID,
			Version:   snap.Version,
			Hash:      snap.Hash,
			State:     snap.State,
		}),
	})
	opts.Logger.Printf("ws: joined session=%q player=%q version=%d", sessionID, claims.PlayerID, snap.Version)

	// A GM joining mid-approval gets the open prompt. One raised between the
	// room join and this check may arrive twice under the same request id.
	if claims.PlayerID == session.GameMasterID() {
		if pending, ok := session.PendingApproval(); ok {
			_ = c.peer.writeFrame(approvalRequestFrame(pending))
		}
	}
}

func (c *client) handleSubmit(frame Frame) {
	session, playerID := c.current()
	if session == nil {
		_ = c.writeError(frame.RequestID, codeForbidden, "must join a session before submitting")
		return
	}
	var payload submitPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = c.writeError(frame.RequestID, codeInvalidArgument, "invalid submit payload")
		return
	}
	if strings.TrimSpace(payload.Action) == "" {
		_ = c.writeError(frame.RequestID, codeInvalidArgument, "action is required")
		return
	}
	requestID := strings.TrimSpace(payload.ID)
	if requestID == "" {
		requestID = frame.RequestID
	}
	sub := submission{
		requestID: frame.RequestID,
		req: action.Request{
			ID:         requestID,
			PlayerID:   playerID,
			Action:     action.Type(strings.TrimSpace(payload.Action)),
			Parameters: payload.Parameters,
		},
	}
	select {
	case c.submissions <- sub:
	default:
		_ = c.writeError(frame.RequestID, codeResourceExhausted, "too many pending actions")
	}
}

// submitLoop hands submissions to the session one at a time so a client's
// actions keep their order.
func (c *client) submitLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-c.submissions:
			session, _ := c.current()
			if session == nil {
				continue
			}
			out, err := session.Submit(ctx, sub.req)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				_ = c.writeDomainError(sub.requestID, err)
				continue
			}
			_ = c.peer.writeFrame(Frame{Type: FrameResult, RequestID: sub.requestID, Payload: mustJSON(resultPayload(out))})
		}
	}
}

func (c *client) handleDecide(frame Frame) {
	session, playerID := c.current()
	if session == nil {
		_ = c.writeError(frame.RequestID, codeForbidden, "must join a session before deciding")
		return
	}
	var payload decidePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = c.writeError(frame.RequestID, codeInvalidArgument, "invalid decide payload")
		return
	}
	if strings.TrimSpace(payload.RequestID) == "" {
		_ = c.writeError(frame.RequestID, codeInvalidArgument, "request_id is required")
		return
	}
	if err := session.Decide(payload.RequestID, playerID, payload.Approve); err != nil {
		_ = c.writeDomainError(frame.RequestID, err)
	}
}

func (c *client) current() (*authority.Session, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.playerID
}

func (c *client) player() string {
	_, playerID := c.current()
	return playerID
}

func (c *client) leave() {
	c.mu.Lock()
	r := c.room
	c.room = nil
	c.session = nil
	c.mu.Unlock()
	c.handler.opts.Hub.leave(r, c.peer)
}

func (c *client) writeError(requestID, code, message string) error {
	return c.peer.writeFrame(Frame{
		Type:      FrameError,
		RequestID: requestID,
		Payload:   mustJSON(ErrorPayload{Code: code, Message: message}),
	})
}

func (c *client) writeCode(requestID string, code apperrors.Code, metadata map[string]string) error {
	err := apperrors.WithMetadata(code, string(code), metadata)
	return c.writeError(requestID, string(code), err.Localize(c.handler.opts.Locale))
}

func (c *client) writeDomainError(requestID string, err error) error {
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return c.writeCode(requestID, domainErr.Code, domainErr.Metadata)
	}
	return c.writeCode(requestID, apperrors.CodeUnknown, nil)
}
