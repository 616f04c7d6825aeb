package domain

import "errors"

var (
	ErrCallNotFound      = errors.New("call not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrSelfCall          = errors.New("cannot call yourself")
	ErrCallAlreadyActive = errors.New("there is already an active call between these users")
	ErrNotParticipant    = errors.New("user is not a participant in this call")
	ErrNotCallee         = errors.New("only the callee can respond to the call")
	ErrCallNotRinging    = errors.New("call is not in ringing state")
	ErrCallNotActive     = errors.New("call is not active")
	ErrStatusConflict    = errors.New("call status changed concurrently")
	ErrUserExists        = errors.New("user already exists")
)
