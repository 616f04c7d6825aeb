package ports

import (
	"context"
	"time"

	"tunelink/internal/core/domain"
)

// CallUpdate carries the fields a status transition is allowed to touch.
// Nil pointers leave the stored value untouched. Duration is never
// passed in: implementations derive it inside the conditional update
// whenever EndedAt is set and the stored record carries StartedAt, so a
// transition racing the update can never produce an answered call with
// a zero duration.
type CallUpdate struct {
	Status    domain.CallStatus
	StartedAt *time.Time
	EndedAt   *time.Time
}

type CallRepository interface {
	// Create inserts the record and claims the caller/callee pair in one
	// step. Returns domain.ErrCallAlreadyActive when the pair already has
	// a non-terminal call, so two concurrent initiations cannot both win.
	Create(ctx context.Context, call *domain.Call) error

	GetByID(ctx context.Context, id domain.CallID) (*domain.Call, error)

	// UpdateStatus applies the update only if the current status is one
	// of `from` (conditional check-then-set, serializing all transitions
	// on one call id). Returns domain.ErrStatusConflict when the call has
	// already left the expected state.
	UpdateStatus(ctx context.Context, id domain.CallID, from []domain.CallStatus, update CallUpdate) (*domain.Call, error)

	// AppendSignaling atomically merges one party's payload into the
	// call's signaling bag.
	AppendSignaling(ctx context.Context, id domain.CallID, payload domain.SignalingPayload) (*domain.Call, error)

	// FindActiveByPair returns the ringing or answered call between the
	// unordered pair {a, b}, in either caller/callee assignment.
	// (nil, nil) when none exists.
	FindActiveByPair(ctx context.Context, a, b domain.UserID) (*domain.Call, error)

	// FindActiveByUser returns the at-most-one ringing or answered call
	// the user participates in. (nil, nil) when none exists.
	FindActiveByUser(ctx context.Context, userID domain.UserID) (*domain.Call, error)

	// ListByUser returns the user's calls (both directions), newest
	// first, plus the total count for pagination.
	ListByUser(ctx context.Context, userID domain.UserID, offset, limit int) ([]*domain.Call, int64, error)
}

type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id domain.UserID) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
}
