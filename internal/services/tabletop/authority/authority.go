package authority

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/tabletop/internal/platform/errors"
	"github.com/louisbranch/tabletop/internal/platform/timeouts"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/action"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
)

const (
	tracerName       = "tabletop.authority"
	defaultQueueSize = 64
)

var (
	// ErrRegistryRequired indicates a missing action registry.
	ErrRegistryRequired = errors.New("action registry is required")
	// ErrSessionIDRequired indicates a blank session id.
	ErrSessionIDRequired = errors.New("session id is required")
)

// Options configures an Authority.
type Options struct {
	Registry *action.Registry
	// Services is the template handed to every handler.
	Services    action.Services
	Loader      StateLoader
	Log         PatchLog
	Broadcaster Broadcaster
	// ApprovalTimeout auto-declines pending approvals. Zero uses
	// timeouts.Approval.
	ApprovalTimeout time.Duration
	// SnapshotEvery saves a snapshot whenever the version is a multiple of
	// it. Zero disables snapshots.
	SnapshotEvery uint64
	QueueSize     int
	Logger        *log.Logger
}

// Authority owns the live sessions of a server.
type Authority struct {
	opts   Options
	tracer trace.Tracer

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates an Authority.
func New(opts Options) (*Authority, error) {
	if opts.Registry == nil {
		return nil, ErrRegistryRequired
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = nopBroadcaster{}
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = timeouts.Approval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Services.Logger == nil {
		opts.Services.Logger = opts.Logger
	}
	return &Authority{
		opts:     opts,
		tracer:   otel.Tracer(tracerName),
		sessions: make(map[string]*Session),
	}, nil
}

// Open returns the running session for sessionID, loading its state through
// the configured loader when it is not running yet.
func (a *Authority) Open(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}
	if s, ok := a.Session(sessionID); ok {
		return s, nil
	}
	if a.opts.Loader == nil {
		return nil, apperrors.New(apperrors.CodeSessionNotFound, fmt.Sprintf("session %s is not open", sessionID))
	}
	snap, err := a.opts.Loader.LoadState(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return a.Start(sessionID, snap)
}

// Start runs a session from snap. Starting a running session returns it
// unchanged.
func (a *Authority) Start(sessionID string, snap state.Snapshot) (*Session, error) {
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}
	if snap.State == nil {
		return nil, fmt.Errorf("session %s: snapshot state is required", sessionID)
	}
	if snap.Hash == "" {
		hashed, err := state.NewSnapshot(snap.State, snap.Version)
		if err != nil {
			return nil, err
		}
		snap = hashed
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.sessions[sessionID]; ok {
		return existing, nil
	}
	s := newSession(a, sessionID, snap)
	a.sessions[sessionID] = s
	go s.run()
	a.opts.Logger.Printf("authority: session opened session=%q version=%d", sessionID, snap.Version)
	return s, nil
}

// Session returns the running session for sessionID.
func (a *Authority) Session(sessionID string) (*Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	return s, ok
}

// Submit queues req on the session and waits for its outcome.
func (a *Authority) Submit(ctx context.Context, sessionID string, req action.Request) (Outcome, error) {
	s, ok := a.Session(sessionID)
	if !ok {
		return Outcome{}, apperrors.New(apperrors.CodeSessionNotFound, fmt.Sprintf("session %s is not open", sessionID))
	}
	return s.Submit(ctx, req)
}

// Decide resolves a pending approval on behalf of deciderID, who must be
// the session's game master.
func (a *Authority) Decide(sessionID, requestID, deciderID string, approve bool) error {
	s, ok := a.Session(sessionID)
	if !ok {
		return apperrors.New(apperrors.CodeSessionNotFound, fmt.Sprintf("session %s is not open", sessionID))
	}
	return s.Decide(requestID, deciderID, approve)
}

// Snapshot returns the current snapshot of a running session.
func (a *Authority) Snapshot(sessionID string) (state.Snapshot, error) {
	s, ok := a.Session(sessionID)
	if !ok {
		return state.Snapshot{}, apperrors.New(apperrors.CodeSessionNotFound, fmt.Sprintf("session %s is not open", sessionID))
	}
	return s.Snapshot(), nil
}

// Close stops a session. Queued and pending requests end with
// SESSION_CLOSED.
func (a *Authority) Close(sessionID string) {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if ok {
		s.close()
		a.opts.Logger.Printf("authority: session closed session=%q", sessionID)
	}
}

// Shutdown closes every session.
func (a *Authority) Shutdown() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.Close(id)
	}
}
