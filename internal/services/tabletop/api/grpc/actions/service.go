// Package actions exposes the session authority over gRPC.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	apperrors "github.com/louisbranch/tabletop/internal/platform/errors"
	"github.com/louisbranch/tabletop/internal/services/tabletop/authority"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/action"
	"github.com/louisbranch/tabletop/internal/services/tabletop/identity"
)

// GrantHeader carries the player grant in request metadata.
const GrantHeader = "x-tabletop-grant"

// Sessions opens authority sessions on demand.
type Sessions interface {
	Open(ctx context.Context, sessionID string) (*authority.Session, error)
}

// Service implements ActionServiceServer.
type Service struct {
	UnimplementedActionServiceServer

	sessions Sessions
	verifier identity.Verifier
	locale   string
}

// NewService creates an action service. A nil verifier trusts the grant as
// the player id.
func NewService(sessions Sessions, verifier identity.Verifier, locale string) *Service {
	if verifier == nil {
		verifier = identity.Insecure{}
	}
	return &Service{sessions: sessions, verifier: verifier, locale: locale}
}

// WithGrant attaches a player grant to outgoing call metadata.
func WithGrant(ctx context.Context, grant string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, GrantHeader, grant)
}

// SubmitAction runs one action through the session authority. Rejections
// are reported in the outcome, not as call errors.
func (s *Service) SubmitAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.AsMap()
	session, playerID, err := s.open(ctx, fields)
	if err != nil {
		return nil, err
	}
	actionType := stringField(fields, "action")
	if actionType == "" {
		return nil, status.Error(codes.InvalidArgument, "action is required")
	}
	var params json.RawMessage
	if raw, ok := fields["parameters"]; ok && raw != nil {
		if params, err = json.Marshal(raw); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "encode parameters: %v", err)
		}
	}

	out, err := session.Submit(ctx, action.Request{
		ID:         stringField(fields, "id"),
		PlayerID:   playerID,
		Action:     action.Type(actionType),
		Parameters: params,
	})
	if err != nil {
		return nil, s.statusError(err)
	}
	return toStruct(out)
}

// DecideApproval approves or declines the session's pending request.
func (s *Service) DecideApproval(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.AsMap()
	session, playerID, err := s.open(ctx, fields)
	if err != nil {
		return nil, err
	}
	requestID := stringField(fields, "request_id")
	if requestID == "" {
		return nil, status.Error(codes.InvalidArgument, "request_id is required")
	}
	approve, _ := fields["approve"].(bool)
	if err := session.Decide(requestID, playerID, approve); err != nil {
		return nil, s.statusError(err)
	}
	return structpb.NewStruct(map[string]any{"request_id": requestID, "approve": approve})
}

// GetState returns the session's version, hash and state.
func (s *Service) GetState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.AsMap()
	session, _, err := s.open(ctx, fields)
	if err != nil {
		return nil, err
	}
	snap := session.Snapshot()
	return toStruct(map[string]any{
		"session_id": session.ID(),
		"version":    snap.Version,
		"hash":       snap.Hash,
		"state":      snap.State,
	})
}

func (s *Service) open(ctx context.Context, fields map[string]any) (*authority.Session, string, error) {
	if s.sessions == nil {
		return nil, "", status.Error(codes.Internal, "sessions are not configured")
	}
	sessionID := stringField(fields, "session_id")
	if sessionID == "" {
		return nil, "", status.Error(codes.InvalidArgument, "session_id is required")
	}
	claims, err := s.verifier.Verify(grantFromContext(ctx), sessionID)
	if err != nil {
		return nil, "", s.statusError(err)
	}
	session, err := s.sessions.Open(ctx, sessionID)
	if err != nil {
		log.Printf("actions: open session failed session=%q err=%v", sessionID, err)
		return nil, "", s.statusError(apperrors.WithMetadata(apperrors.CodeSessionNotFound,
			fmt.Sprintf("open session %s: %v", sessionID, err), map[string]string{"SessionID": sessionID}))
	}
	return session, claims.PlayerID, nil
}

func (s *Service) statusError(err error) error {
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		return domainErr.ToGRPCStatus(s.locale)
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func grantFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(GrantHeader)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func stringField(fields map[string]any, key string) string {
	value, _ := fields[key].(string)
	return strings.TrimSpace(value)
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "decode response: %v", err)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return out, nil
}

var _ ActionServiceServer = (*Service)(nil)
