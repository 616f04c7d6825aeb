package distributed

import (
	"context"

	"tunelink/internal/core/domain"
	"tunelink/internal/core/ports"

	"go.uber.org/zap"
)

// PublishingCallService decorates a CallService, announcing every
// lifecycle transition on the event bus. Publishing is best-effort: a
// bus failure never fails the call operation itself.
type PublishingCallService struct {
	ports.CallService
	bus    *EventBus
	logger *zap.SugaredLogger
}

func NewPublishingCallService(inner ports.CallService, bus *EventBus, logger *zap.SugaredLogger) *PublishingCallService {
	return &PublishingCallService{
		CallService: inner,
		bus:         bus,
		logger:      logger,
	}
}

var _ ports.CallService = (*PublishingCallService)(nil)

func (s *PublishingCallService) publish(ctx context.Context, call *domain.Call) {
	if call == nil {
		return
	}
	if err := s.bus.PublishCallLifecycle(ctx, call); err != nil {
		s.logger.Warnw("failed to publish call lifecycle event",
			"call_id", call.ID,
			"status", call.Status,
			"error", err,
		)
	}
}

func (s *PublishingCallService) Initiate(ctx context.Context, callerID, calleeID domain.UserID, kind domain.CallKind) (*domain.Call, error) {
	call, err := s.CallService.Initiate(ctx, callerID, calleeID, kind)
	if err == nil {
		s.publish(ctx, call)
	}
	return call, err
}

func (s *PublishingCallService) Respond(ctx context.Context, callID domain.CallID, responderID domain.UserID, action domain.CallAction) (*domain.Call, error) {
	call, err := s.CallService.Respond(ctx, callID, responderID, action)
	if err == nil {
		s.publish(ctx, call)
	}
	return call, err
}

func (s *PublishingCallService) End(ctx context.Context, callID domain.CallID, requesterID domain.UserID) (*domain.Call, error) {
	call, err := s.CallService.End(ctx, callID, requesterID)
	if err == nil {
		s.publish(ctx, call)
	}
	return call, err
}

func (s *PublishingCallService) Fail(ctx context.Context, callID domain.CallID) (*domain.Call, error) {
	call, err := s.CallService.Fail(ctx, callID)
	if err == nil {
		s.publish(ctx, call)
	}
	return call, err
}

func (s *PublishingCallService) TimeoutExpire(ctx context.Context, callID domain.CallID) (*domain.Call, bool, error) {
	call, expired, err := s.CallService.TimeoutExpire(ctx, callID)
	if err == nil && expired {
		s.publish(ctx, call)
	}
	return call, expired, err
}
