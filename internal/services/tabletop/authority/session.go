package authority

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/tabletop/internal/platform/errors"
	"github.com/louisbranch/tabletop/internal/platform/id"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/action"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/patch"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
)

type job struct {
	ctx   context.Context
	req   action.Request
	reply chan Outcome
}

type pendingApproval struct {
	request  ApprovalRequest
	decision chan bool
}

// Session is the single writer for one game session. Requests are handled
// one at a time in arrival order.
type Session struct {
	auth *Authority
	id   string

	jobs      chan job
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.RWMutex
	snap state.Snapshot

	pendingMu sync.Mutex
	pending   *pendingApproval
}

func newSession(a *Authority, sessionID string, snap state.Snapshot) *Session {
	return &Session{
		auth: a,
		id:   sessionID,
		jobs: make(chan job, a.opts.QueueSize),
		done: make(chan struct{}),
		snap: snap,
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Snapshot returns the current committed snapshot.
func (s *Session) Snapshot() state.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// GameMasterID returns the campaign GM of the current state.
func (s *Session) GameMasterID() string {
	snap := s.Snapshot()
	if snap.State == nil {
		return ""
	}
	return snap.State.Campaign.GameMasterID
}

// Submit queues req and waits for its terminal outcome. A request without
// an id is assigned one.
func (s *Session) Submit(ctx context.Context, req action.Request) (Outcome, error) {
	if req.ID == "" {
		requestID, err := id.NewID()
		if err != nil {
			return Outcome{}, err
		}
		req.ID = requestID
	}

	j := job{ctx: ctx, req: req, reply: make(chan Outcome, 1)}
	select {
	case s.jobs <- j:
	case <-s.done:
		return Outcome{}, s.closedError()
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	select {
	case out := <-j.reply:
		return out, nil
	case <-s.done:
		select {
		case out := <-j.reply:
			return out, nil
		default:
		}
		return Outcome{}, s.closedError()
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Decide resolves the pending approval for requestID. Only the campaign GM
// may decide.
func (s *Session) Decide(requestID, deciderID string, approve bool) error {
	snap := s.Snapshot()
	if snap.State == nil || !snap.State.IsGM(deciderID) {
		return apperrors.New(apperrors.CodePermissionDenied, fmt.Sprintf("player %s is not the game master", deciderID))
	}

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pending == nil || s.pending.request.RequestID != requestID {
		return apperrors.WithMetadata(apperrors.CodeApprovalNotFound,
			fmt.Sprintf("no pending approval for request %s", requestID),
			map[string]string{"RequestID": requestID})
	}
	select {
	case s.pending.decision <- approve:
	default:
		return apperrors.WithMetadata(apperrors.CodeApprovalNotFound,
			fmt.Sprintf("approval for request %s already decided", requestID),
			map[string]string{"RequestID": requestID})
	}
	return nil
}

// PendingApproval returns the approval request awaiting a GM decision, if
// any.
func (s *Session) PendingApproval() (ApprovalRequest, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pending == nil {
		return ApprovalRequest{}, false
	}
	return s.pending.request, true
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) closedError() error {
	return apperrors.New(apperrors.CodeSessionClosed, fmt.Sprintf("session %s is closed", s.id))
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case j := <-s.jobs:
			j.reply <- s.process(j)
		}
	}
}

func (s *Session) process(j job) Outcome {
	opts := s.auth.opts
	ctx, span := s.auth.tracer.Start(context.WithoutCancel(j.ctx), "authority.submit",
		trace.WithAttributes(
			attribute.String("tabletop.session_id", s.id),
			attribute.String("tabletop.request_id", j.req.ID),
			attribute.String("tabletop.action", string(j.req.Action)),
		))
	defer span.End()

	snap := s.Snapshot()
	c := action.Context{Request: j.req, State: snap.State, Services: opts.Services}

	plan, rejection := s.validate(ctx, c)
	if rejection != nil {
		span.SetAttributes(attribute.String("tabletop.rejection", string(rejection.Code)))
		return s.rejected(j.req, snap, rejection)
	}

	if plan.RequiresApproval() {
		if rejection := s.awaitApproval(ctx, plan); rejection != nil {
			span.SetAttributes(attribute.String("tabletop.rejection", string(rejection.Code)))
			return s.rejected(j.req, snap, rejection)
		}
	}

	next, ops, err := s.execute(ctx, plan, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		opts.Logger.Printf("authority: execution failed session=%q request=%q action=%q err=%v", s.id, j.req.ID, j.req.Action, err)
		return s.failed(c, snap)
	}
	if len(ops) == 0 {
		return Outcome{RequestID: j.req.ID, Status: StatusApplied, Version: snap.Version, Hash: snap.Hash}
	}

	set := PatchSet{
		SessionID:   s.id,
		RequestID:   j.req.ID,
		Version:     next.Version,
		BaseVersion: snap.Version,
		Hash:        next.Hash,
		Operations:  ops,
	}
	if err := s.commit(ctx, set, next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		opts.Logger.Printf("authority: patch log append failed session=%q request=%q err=%v", s.id, j.req.ID, err)
		return s.failed(c, snap)
	}
	opts.Broadcaster.BroadcastPatch(ctx, set)
	span.SetAttributes(attribute.Int64("tabletop.version", int64(next.Version)))

	return Outcome{
		RequestID:  j.req.ID,
		Status:     StatusApplied,
		PatchCount: len(ops),
		Version:    next.Version,
		Hash:       next.Hash,
	}
}

// validate runs the registry validation phase. A handler that panics
// rejects the request with EXECUTION_FAILED.
func (s *Session) validate(ctx context.Context, c action.Context) (plan action.Plan, rejection *action.Rejection) {
	ctx, span := s.auth.tracer.Start(ctx, "authority.validate")
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.auth.opts.Logger.Printf("authority: validation panicked session=%q request=%q action=%q err=%v", s.id, c.Request.ID, c.Request.Action, err)
			plan, rejection = action.Plan{}, &action.Rejection{
				Code:    apperrors.CodeExecutionFailed,
				Message: c.Message(apperrors.CodeExecutionFailed, nil),
			}
		}
	}()
	return s.auth.opts.Registry.Validate(ctx, c)
}

// approvalMessage renders the prompt shown to the GM. A panicking message
// builder falls back to the generic prompt.
func (s *Session) approvalMessage(plan action.Plan) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			req := plan.Context.Request
			s.auth.opts.Logger.Printf("authority: approval message panicked session=%q request=%q action=%q err=%v", s.id, req.ID, req.Action, r)
			msg = plan.Context.Printer().Sprintf("approval.generic", req.PlayerID, string(req.Action))
		}
	}()
	return plan.ApprovalMessage()
}

// awaitApproval holds the queue until the GM decides, the approval times
// out or the session closes.
func (s *Session) awaitApproval(ctx context.Context, plan action.Plan) *action.Rejection {
	ctx, span := s.auth.tracer.Start(ctx, "authority.approval")
	defer span.End()

	opts := s.auth.opts
	c := plan.Context
	req := c.Request
	request := ApprovalRequest{
		SessionID: s.id,
		RequestID: req.ID,
		PlayerID:  req.PlayerID,
		Action:    req.Action,
		Message:   s.approvalMessage(plan),
		ExpiresAt: c.Now().Add(opts.ApprovalTimeout),
	}
	pending := &pendingApproval{request: request, decision: make(chan bool, 1)}
	s.pendingMu.Lock()
	s.pending = pending
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		s.pending = nil
		s.pendingMu.Unlock()
	}()

	timer := time.NewTimer(opts.ApprovalTimeout)
	defer timer.Stop()
	opts.Broadcaster.RequestApproval(ctx, request)

	var code apperrors.Code
	select {
	case approved := <-pending.decision:
		if approved {
			span.SetAttributes(attribute.String("tabletop.decision", "approved"))
			opts.Broadcaster.ResolveApproval(ctx, ApprovalResolution{SessionID: s.id, RequestID: req.ID, Approved: true})
			return nil
		}
		code = apperrors.CodeApprovalDeclined
	case <-timer.C:
		code = apperrors.CodeApprovalTimeout
		opts.Logger.Printf("authority: approval timed out session=%q request=%q", s.id, req.ID)
	case <-s.done:
		code = apperrors.CodeSessionClosed
	}
	span.SetAttributes(attribute.String("tabletop.decision", string(code)))
	opts.Broadcaster.ResolveApproval(ctx, ApprovalResolution{SessionID: s.id, RequestID: req.ID, Reason: string(code)})
	return &action.Rejection{Code: code, Message: c.Message(code, nil)}
}

func (s *Session) execute(ctx context.Context, plan action.Plan, snap state.Snapshot) (next state.Snapshot, ops []patch.Operation, err error) {
	ctx, span := s.auth.tracer.Start(ctx, "authority.execute")
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			next, ops, err = snap, nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return state.Mutate(snap, func(draft *state.GameState) error {
		return plan.Execute(ctx, draft)
	})
}

// commit appends set to the patch log and installs next. A failed append
// leaves the session state untouched.
func (s *Session) commit(ctx context.Context, set PatchSet, next state.Snapshot) error {
	opts := s.auth.opts
	if opts.Log != nil {
		if err := opts.Log.AppendPatch(ctx, set); err != nil {
			return fmt.Errorf("append patch: %w", err)
		}
	}

	s.mu.Lock()
	s.snap = next
	s.mu.Unlock()

	if opts.Log != nil && opts.SnapshotEvery > 0 && next.Version%opts.SnapshotEvery == 0 {
		if err := opts.Log.SaveSnapshot(ctx, s.id, next); err != nil {
			opts.Logger.Printf("authority: snapshot save failed session=%q version=%d err=%v", s.id, next.Version, err)
		}
	}
	return nil
}

func (s *Session) rejected(req action.Request, snap state.Snapshot, rejection *action.Rejection) Outcome {
	return Outcome{
		RequestID: req.ID,
		Status:    StatusRejected,
		Rejection: rejection,
		Version:   snap.Version,
		Hash:      snap.Hash,
	}
}

func (s *Session) failed(c action.Context, snap state.Snapshot) Outcome {
	return Outcome{
		RequestID: c.Request.ID,
		Status:    StatusFailed,
		Rejection: &action.Rejection{
			Code:    apperrors.CodeExecutionFailed,
			Message: c.Message(apperrors.CodeExecutionFailed, nil),
		},
		Version: snap.Version,
		Hash:    snap.Hash,
	}
}
