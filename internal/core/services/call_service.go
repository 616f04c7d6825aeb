package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tunelink/internal/core/domain"
	"tunelink/internal/core/ports"
	"tunelink/pkg/cache"
	"tunelink/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const userCacheTTL = 30 * time.Second

type callService struct {
	callRepo  ports.CallRepository
	userRepo  ports.UserRepository
	userCache *cache.Cache
	logger    *zap.SugaredLogger
}

func NewCallService(
	callRepo ports.CallRepository,
	userRepo ports.UserRepository,
	logger *zap.SugaredLogger,
) ports.CallService {
	return &callService{
		callRepo:  callRepo,
		userRepo:  userRepo,
		userCache: cache.NewCache(userCacheTTL),
		logger:    logger,
	}
}

func (s *callService) Initiate(ctx context.Context, callerID, calleeID domain.UserID, kind domain.CallKind) (*domain.Call, error) {
	ctx, span := tracing.StartSpan(ctx, "call.initiate")
	defer span.End()
	tracing.AddSpanAttributes(ctx,
		tracing.UserIDKey.String(string(callerID)),
		tracing.CallKindKey.String(string(kind)),
	)

	if callerID == calleeID {
		return nil, domain.ErrSelfCall
	}

	if _, err := s.lookupUser(ctx, calleeID); err != nil {
		return nil, err
	}

	// The active-pair check must match both caller/callee assignments:
	// an existing call from B to A blocks a new call from A to B.
	existing, err := s.callRepo.FindActiveByPair(ctx, callerID, calleeID)
	if err != nil {
		return nil, fmt.Errorf("failed to check for active call: %w", err)
	}
	if existing != nil {
		return nil, domain.ErrCallAlreadyActive
	}

	now := time.Now()
	call := &domain.Call{
		ID:        domain.CallID(uuid.New().String()),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Kind:      kind,
		Status:    domain.CallStatusInitiating,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.callRepo.Create(ctx, call); err != nil {
		// The repository claims the pair atomically with the insert, so
		// a concurrent initiation that slipped past the check above
		// still loses here.
		if errors.Is(err, domain.ErrCallAlreadyActive) {
			return nil, domain.ErrCallAlreadyActive
		}
		return nil, fmt.Errorf("failed to create call: %w", err)
	}

	// Advance to ringing once the record is persisted.
	call, err = s.callRepo.UpdateStatus(ctx, call.ID,
		[]domain.CallStatus{domain.CallStatusInitiating},
		ports.CallUpdate{Status: domain.CallStatusRinging},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to advance call to ringing: %w", err)
	}

	s.logger.Infow("call initiated",
		"call_id", call.ID,
		"caller_id", callerID,
		"callee_id", calleeID,
		"kind", kind,
	)

	return call, nil
}

func (s *callService) Respond(ctx context.Context, callID domain.CallID, responderID domain.UserID, action domain.CallAction) (*domain.Call, error) {
	ctx, span := tracing.TraceCallOperation(ctx, "respond", string(callID))
	defer span.End()

	call, err := s.GetByID(ctx, callID, responderID)
	if err != nil {
		return nil, err
	}

	if call.CalleeID != responderID {
		return nil, domain.ErrNotCallee
	}

	now := time.Now()
	var update ports.CallUpdate
	switch action {
	case domain.CallActionAccept:
		update = ports.CallUpdate{Status: domain.CallStatusAnswered, StartedAt: &now}
	case domain.CallActionReject:
		update = ports.CallUpdate{Status: domain.CallStatusRejected, EndedAt: &now}
	default:
		return nil, fmt.Errorf("invalid call action: %s", action)
	}

	// Conditional on ringing: a concurrent timeout or end loses or wins
	// atomically, never both.
	call, err = s.callRepo.UpdateStatus(ctx, callID,
		[]domain.CallStatus{domain.CallStatusRinging}, update)
	if errors.Is(err, domain.ErrStatusConflict) {
		return nil, domain.ErrCallNotRinging
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update call status: %w", err)
	}

	s.logger.Infow("call response recorded",
		"call_id", callID,
		"responder_id", responderID,
		"action", action,
		"status", call.Status,
	)

	return call, nil
}

func (s *callService) End(ctx context.Context, callID domain.CallID, requesterID domain.UserID) (*domain.Call, error) {
	ctx, span := tracing.TraceCallOperation(ctx, "end", string(callID))
	defer span.End()

	// Party membership check only; the repository derives the duration
	// from the StartedAt it reads inside the conditional update, so an
	// accept racing this end can never yield an answered call with a
	// zero duration.
	if _, err := s.GetByID(ctx, callID, requesterID); err != nil {
		return nil, err
	}

	now := time.Now()
	call, err := s.callRepo.UpdateStatus(ctx, callID,
		[]domain.CallStatus{domain.CallStatusRinging, domain.CallStatusAnswered},
		ports.CallUpdate{Status: domain.CallStatusEnded, EndedAt: &now})
	if errors.Is(err, domain.ErrStatusConflict) {
		return nil, domain.ErrCallNotActive
	}
	if err != nil {
		return nil, fmt.Errorf("failed to end call: %w", err)
	}

	s.logger.Infow("call ended",
		"call_id", callID,
		"requester_id", requesterID,
		"duration", call.Duration,
	)

	return call, nil
}

func (s *callService) TimeoutExpire(ctx context.Context, callID domain.CallID) (*domain.Call, bool, error) {
	now := time.Now()
	call, err := s.callRepo.UpdateStatus(ctx, callID,
		[]domain.CallStatus{domain.CallStatusRinging},
		ports.CallUpdate{Status: domain.CallStatusMissed, EndedAt: &now},
	)
	if errors.Is(err, domain.ErrStatusConflict) {
		// Expected race: a real response arrived first.
		return nil, false, nil
	}
	if errors.Is(err, domain.ErrCallNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to expire call: %w", err)
	}

	s.logger.Infow("call timed out", "call_id", callID)
	return call, true, nil
}

func (s *callService) Fail(ctx context.Context, callID domain.CallID) (*domain.Call, error) {
	now := time.Now()
	call, err := s.callRepo.UpdateStatus(ctx, callID,
		[]domain.CallStatus{domain.CallStatusInitiating, domain.CallStatusRinging, domain.CallStatusAnswered},
		ports.CallUpdate{Status: domain.CallStatusFailed, EndedAt: &now},
	)
	if errors.Is(err, domain.ErrStatusConflict) {
		// Already terminal, nothing to force.
		return s.callRepo.GetByID(ctx, callID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark call as failed: %w", err)
	}

	s.logger.Warnw("call marked as failed", "call_id", callID)
	return call, nil
}

func (s *callService) UpdateSignaling(ctx context.Context, callID domain.CallID, requesterID domain.UserID, payload domain.SignalingPayload) (*domain.Call, error) {
	if payload.Empty() {
		return nil, fmt.Errorf("signaling payload must carry an offer, answer or iceCandidate")
	}

	// Party membership check before touching the bag.
	if _, err := s.GetByID(ctx, callID, requesterID); err != nil {
		return nil, err
	}

	call, err := s.callRepo.AppendSignaling(ctx, callID, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to store signaling payload: %w", err)
	}

	return call, nil
}

func (s *callService) GetByID(ctx context.Context, callID domain.CallID, userID domain.UserID) (*domain.Call, error) {
	call, err := s.callRepo.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}

	if !call.HasParty(userID) {
		return nil, domain.ErrNotParticipant
	}

	return call, nil
}

func (s *callService) GetActive(ctx context.Context, userID domain.UserID) (*domain.Call, error) {
	return s.callRepo.FindActiveByUser(ctx, userID)
}

func (s *callService) History(ctx context.Context, userID domain.UserID, page, limit int) ([]*domain.Call, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	return s.callRepo.ListByUser(ctx, userID, (page-1)*limit, limit)
}

// lookupUser resolves a user through a short TTL cache; initiate hits
// this on every attempt and profiles rarely change.
func (s *callService) lookupUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	if cached, ok := s.userCache.Get(string(id)); ok {
		if user, ok := cached.(*domain.User); ok {
			return user, nil
		}
	}

	user, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.userCache.Set(string(id), user)
	return user, nil
}
