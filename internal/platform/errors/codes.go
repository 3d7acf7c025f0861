// Package errors provides structured, code-based errors shared by the
// tabletop transports.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Permission
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeNotOwner         Code = "NOT_OWNER"

	// Preconditions
	CodeNoActiveEncounter       Code = "NO_ACTIVE_ENCOUNTER"
	CodeNoActiveTurnOrder       Code = "NO_ACTIVE_TURN_ORDER"
	CodeNoParticipants          Code = "NO_PARTICIPANTS"
	CodeTokenNotFound           Code = "TOKEN_NOT_FOUND"
	CodeDocumentNotFound        Code = "DOCUMENT_NOT_FOUND"
	CodeParticipantNotFound     Code = "PARTICIPANT_NOT_FOUND"
	CodeDocumentExists          Code = "DOCUMENT_EXISTS"
	CodeAlreadyAssigned         Code = "ALREADY_ASSIGNED"
	CodeEncounterAlreadyStopped Code = "ENCOUNTER_ALREADY_STOPPED"
	CodeEncounterAlreadyActive  Code = "ENCOUNTER_ALREADY_ACTIVE"
	CodeEncounterMismatch       Code = "ENCOUNTER_MISMATCH"

	// Domain rules
	CodeCollisionDetected     Code = "COLLISION_DETECTED"
	CodePositionOutOfBounds   Code = "POSITION_OUT_OF_BOUNDS"
	CodeInvalidPosition       Code = "INVALID_POSITION"
	CodeDocumentMustHaveImage Code = "DOCUMENT_MUST_HAVE_IMAGE"

	// Structural
	CodeMissingParameters   Code = "MISSING_PARAMETERS"
	CodeInvalidParameters   Code = "INVALID_PARAMETERS"
	CodeInvalidDocumentData Code = "INVALID_DOCUMENT_DATA"
	CodeUnknownAction       Code = "UNKNOWN_ACTION"

	// Approval gate
	CodeApprovalDeclined Code = "APPROVAL_DECLINED"
	CodeApprovalTimeout  Code = "APPROVAL_TIMEOUT"
	CodeApprovalNotFound Code = "APPROVAL_NOT_FOUND"

	// Sessions and execution
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeSessionClosed   Code = "SESSION_CLOSED"
	CodeExecutionFailed Code = "EXECUTION_FAILED"
	CodeNotFound        Code = "NOT_FOUND"

	// Player grants
	CodeGrantInvalid  Code = "GRANT_INVALID"
	CodeGrantExpired  Code = "GRANT_EXPIRED"
	CodeGrantMismatch Code = "GRANT_MISMATCH"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodePermissionDenied,
		CodeNotOwner:
		return codes.PermissionDenied

	case CodeInvalidPosition,
		CodeDocumentMustHaveImage,
		CodeMissingParameters,
		CodeInvalidParameters,
		CodeInvalidDocumentData,
		CodeUnknownAction:
		return codes.InvalidArgument

	case CodePositionOutOfBounds:
		return codes.OutOfRange

	case CodeNoActiveEncounter,
		CodeNoActiveTurnOrder,
		CodeNoParticipants,
		CodeAlreadyAssigned,
		CodeEncounterAlreadyStopped,
		CodeEncounterAlreadyActive,
		CodeEncounterMismatch,
		CodeCollisionDetected,
		CodeApprovalDeclined,
		CodeSessionClosed:
		return codes.FailedPrecondition

	case CodeTokenNotFound,
		CodeDocumentNotFound,
		CodeParticipantNotFound,
		CodeApprovalNotFound,
		CodeSessionNotFound,
		CodeNotFound:
		return codes.NotFound

	case CodeDocumentExists:
		return codes.AlreadyExists

	case CodeApprovalTimeout:
		return codes.DeadlineExceeded

	case CodeGrantInvalid,
		CodeGrantExpired,
		CodeGrantMismatch:
		return codes.Unauthenticated

	default:
		return codes.Internal
	}
}
