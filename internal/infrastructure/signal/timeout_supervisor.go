package signal

import (
	"context"
	"sync"
	"time"

	"tunelink/internal/core/domain"
	"tunelink/internal/core/ports"

	"go.uber.org/zap"
)

const expireTimeout = 5 * time.Second

// TimeoutSupervisor owns the ring timers. One single-shot timer is
// armed per initiated call and disarmed on any response or termination.
// The disarm-vs-fire race is settled by the state machine's conditional
// transition, not by timer bookkeeping: a fired timer whose call has
// already left ringing does nothing.
type TimeoutSupervisor struct {
	callService ports.CallService
	ringTimeout time.Duration

	notifier ports.CallNotifier

	timers map[domain.CallID]*time.Timer
	mu     sync.Mutex

	logger *zap.SugaredLogger
}

func NewTimeoutSupervisor(callService ports.CallService, ringTimeout time.Duration, logger *zap.SugaredLogger) *TimeoutSupervisor {
	return &TimeoutSupervisor{
		callService: callService,
		ringTimeout: ringTimeout,
		timers:      make(map[domain.CallID]*time.Timer),
		logger:      logger,
	}
}

// SetNotifier attaches the transport used for timeout/missed pushes.
// Must be called before the first Arm.
func (s *TimeoutSupervisor) SetNotifier(notifier ports.CallNotifier) {
	s.notifier = notifier
}

var _ ports.RingSupervisor = (*TimeoutSupervisor)(nil)

// Arm starts the ring countdown for a freshly initiated call.
func (s *TimeoutSupervisor) Arm(call *domain.Call) {
	callID := call.ID
	callerID := call.CallerID
	calleeID := call.CalleeID

	timer := time.AfterFunc(s.ringTimeout, func() {
		s.expire(callID, callerID, calleeID)
	})

	s.mu.Lock()
	if prev, exists := s.timers[callID]; exists {
		prev.Stop()
	}
	s.timers[callID] = timer
	s.mu.Unlock()
}

// Disarm cancels the ring timer for a call. Idempotent: disarming an
// already-fired or unknown timer is a no-op.
func (s *TimeoutSupervisor) Disarm(callID domain.CallID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[callID]; exists {
		timer.Stop()
		delete(s.timers, callID)
	}
}

func (s *TimeoutSupervisor) expire(callID domain.CallID, callerID, calleeID domain.UserID) {
	s.mu.Lock()
	delete(s.timers, callID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
	defer cancel()

	_, expired, err := s.callService.TimeoutExpire(ctx, callID)
	if err != nil {
		s.logger.Errorw("failed to expire ringing call", "call_id", callID, "error", err)
		return
	}
	if !expired {
		// A real response won the race.
		return
	}

	s.logger.Infow("call missed after ring timeout", "call_id", callID)

	if s.notifier != nil {
		s.notifier.NotifyUser(callerID, EventCallTimeout, CallRefEvent{CallID: callID})
		s.notifier.NotifyUser(calleeID, EventCallMissed, CallRefEvent{CallID: callID})
	}
}

// HandleDisconnect force-ends the user's active call, if any, and
// tells the other party. Invoked by the transport when a connection
// unbinds.
func (s *TimeoutSupervisor) HandleDisconnect(ctx context.Context, userID domain.UserID) {
	active, err := s.callService.GetActive(ctx, userID)
	if err != nil {
		s.logger.Errorw("failed to look up active call on disconnect", "user_id", userID, "error", err)
		return
	}
	if active == nil {
		return
	}

	call, err := s.callService.End(ctx, active.ID, userID)
	if err != nil {
		s.logger.Errorw("failed to end call on disconnect", "call_id", active.ID, "error", err)
		return
	}

	s.Disarm(call.ID)

	s.logger.Infow("call ended by disconnect", "call_id", call.ID, "user_id", userID)

	if s.notifier != nil {
		other := call.OtherParty(userID)
		s.notifier.NotifyUser(other, EventCallEnded, CallEndedEvent{Call: call, Reason: "disconnect"})
		// Room teardown otherwise only happens on an explicit end.
		if closer, ok := s.notifier.(interface{ CloseCallRoom(domain.CallID) }); ok {
			closer.CloseCallRoom(call.ID)
		}
	}
}

// PendingTimers reports how many ring timers are currently armed.
func (s *TimeoutSupervisor) PendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every armed ring timer. Used on shutdown so no missed
// transition fires against closing storage.
func (s *TimeoutSupervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}
