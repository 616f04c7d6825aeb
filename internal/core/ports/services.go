package ports

import (
	"context"

	"tunelink/internal/core/domain"
)

// CallService owns the authoritative call lifecycle. Every mutating
// operation is serialized per call id through the repository's
// conditional status update, so concurrent transitions on one call
// resolve to exactly one winner.
type CallService interface {
	Initiate(ctx context.Context, callerID, calleeID domain.UserID, kind domain.CallKind) (*domain.Call, error)
	Respond(ctx context.Context, callID domain.CallID, responderID domain.UserID, action domain.CallAction) (*domain.Call, error)
	End(ctx context.Context, callID domain.CallID, requesterID domain.UserID) (*domain.Call, error)

	// TimeoutExpire moves a still-ringing call to missed. The bool
	// reports whether the transition actually happened; losing the race
	// against a genuine response is a silent no-op, not an error.
	TimeoutExpire(ctx context.Context, callID domain.CallID) (*domain.Call, bool, error)

	// Fail force-terminates a non-terminal call after an unrecoverable
	// error. No-op on calls that are already terminal.
	Fail(ctx context.Context, callID domain.CallID) (*domain.Call, error)

	UpdateSignaling(ctx context.Context, callID domain.CallID, requesterID domain.UserID, payload domain.SignalingPayload) (*domain.Call, error)

	GetByID(ctx context.Context, callID domain.CallID, userID domain.UserID) (*domain.Call, error)
	GetActive(ctx context.Context, userID domain.UserID) (*domain.Call, error)
	History(ctx context.Context, userID domain.UserID, page, limit int) ([]*domain.Call, int64, error)
}

// ConnectionRegistry maps live transport connections to authenticated
// users (and back). Ephemeral, instance-local state.
type ConnectionRegistry interface {
	Bind(connID domain.ConnectionID, userID domain.UserID)
	Unbind(connID domain.ConnectionID) (domain.UserID, bool)
	IdentityOf(connID domain.ConnectionID) (domain.UserID, bool)

	// FindConnection returns one connection for the user (first match
	// when multiple devices are online).
	FindConnection(userID domain.UserID) (domain.ConnectionID, bool)

	// FindConnections returns every live connection for the user, the
	// extension point for multi-device fan-out.
	FindConnections(userID domain.UserID) []domain.ConnectionID
}

// CallNotifier pushes server events to parties. Delivery is
// best-effort and fire-and-forget: an unresolvable peer is silently
// skipped, never surfaced to the requester.
type CallNotifier interface {
	NotifyUser(userID domain.UserID, event string, payload interface{})
	BroadcastToCall(callID domain.CallID, event string, payload interface{})
}

// RingSupervisor arms the single-shot ring timer for a freshly
// initiated call and disarms it on any response or termination.
// Disarming an already-fired or unknown timer is a no-op.
type RingSupervisor interface {
	Arm(call *domain.Call)
	Disarm(callID domain.CallID)
}
