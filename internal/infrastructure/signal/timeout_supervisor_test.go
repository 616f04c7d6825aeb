package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"tunelink/internal/core/domain"
	"tunelink/internal/core/ports"
	"tunelink/internal/core/services"
	"tunelink/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedEvent struct {
	userID  domain.UserID
	event   string
	payload interface{}
}

type recordingNotifier struct {
	mu          sync.Mutex
	events      []recordedEvent
	closedRooms []domain.CallID
}

func (n *recordingNotifier) NotifyUser(userID domain.UserID, event string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{userID: userID, event: event, payload: payload})
}

func (n *recordingNotifier) BroadcastToCall(callID domain.CallID, event string, payload interface{}) {
}

func (n *recordingNotifier) CloseCallRoom(callID domain.CallID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closedRooms = append(n.closedRooms, callID)
}

func (n *recordingNotifier) snapshot() []recordedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]recordedEvent, len(n.events))
	copy(out, n.events)
	return out
}

func (n *recordingNotifier) waitFor(t *testing.T, count int) []recordedEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if events := n.snapshot(); len(events) >= count {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d notifications, got %d", count, len(n.snapshot()))
	return nil
}

func newSupervisorFixture(t *testing.T, ringTimeout time.Duration) (*TimeoutSupervisor, ports.CallService, *recordingNotifier) {
	t.Helper()

	callRepo := memory.NewMemoryCallRepository()
	userRepo := memory.NewMemoryUserRepository()
	for _, id := range []domain.UserID{"alice", "bob"} {
		require.NoError(t, userRepo.Create(context.Background(), &domain.User{
			ID:        id,
			Username:  string(id),
			CreatedAt: time.Now(),
		}))
	}

	svc := services.NewCallService(callRepo, userRepo, zap.NewNop().Sugar())
	supervisor := NewTimeoutSupervisor(svc, ringTimeout, zap.NewNop().Sugar())
	notifier := &recordingNotifier{}
	supervisor.SetNotifier(notifier)

	return supervisor, svc, notifier
}

func TestArm_ExpiresToMissed(t *testing.T) {
	supervisor, svc, notifier := newSupervisorFixture(t, 20*time.Millisecond)

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	supervisor.Arm(call)
	assert.Equal(t, 1, supervisor.PendingTimers())

	events := notifier.waitFor(t, 2)

	byUser := map[domain.UserID]string{}
	for _, e := range events {
		byUser[e.userID] = e.event
	}
	assert.Equal(t, EventCallTimeout, byUser["alice"])
	assert.Equal(t, EventCallMissed, byUser["bob"])

	got, err := svc.GetByID(context.Background(), call.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, got.Status)
	assert.Zero(t, supervisor.PendingTimers())
}

func TestDisarm_PreventsExpiry(t *testing.T) {
	supervisor, svc, notifier := newSupervisorFixture(t, 30*time.Millisecond)

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	supervisor.Arm(call)
	supervisor.Disarm(call.ID)
	assert.Zero(t, supervisor.PendingTimers())

	time.Sleep(80 * time.Millisecond)

	assert.Empty(t, notifier.snapshot())
	got, err := svc.GetByID(context.Background(), call.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, got.Status)
}

func TestDisarm_Idempotent(t *testing.T) {
	supervisor, _, _ := newSupervisorFixture(t, time.Second)

	supervisor.Disarm("never-armed")
	supervisor.Disarm("never-armed")
	assert.Zero(t, supervisor.PendingTimers())
}

func TestExpire_LosesToAnswer(t *testing.T) {
	supervisor, svc, notifier := newSupervisorFixture(t, 30*time.Millisecond)

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)
	supervisor.Arm(call)

	// Answer before the timer fires but without disarming: the fired
	// timer must notice the state change and stay silent.
	_, err = svc.Respond(context.Background(), call.ID, "bob", domain.CallActionAccept)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	assert.Empty(t, notifier.snapshot())
	got, err := svc.GetByID(context.Background(), call.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAnswered, got.Status)
}

func TestHandleDisconnect_EndsActiveCall(t *testing.T) {
	supervisor, svc, notifier := newSupervisorFixture(t, time.Second)

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)
	supervisor.Arm(call)

	supervisor.HandleDisconnect(context.Background(), "alice")

	got, err := svc.GetByID(context.Background(), call.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, got.Status)
	assert.Zero(t, supervisor.PendingTimers())

	events := notifier.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.UserID("bob"), events[0].userID)
	assert.Equal(t, EventCallEnded, events[0].event)

	ended, ok := events[0].payload.(CallEndedEvent)
	require.True(t, ok)
	assert.Equal(t, "disconnect", ended.Reason)

	// The transport's room for the call is torn down as well.
	notifier.mu.Lock()
	closed := append([]domain.CallID(nil), notifier.closedRooms...)
	notifier.mu.Unlock()
	assert.Equal(t, []domain.CallID{call.ID}, closed)
}

func TestHandleDisconnect_NoActiveCall(t *testing.T) {
	supervisor, _, notifier := newSupervisorFixture(t, time.Second)

	supervisor.HandleDisconnect(context.Background(), "alice")
	assert.Empty(t, notifier.snapshot())
}

func TestStop_ClearsTimers(t *testing.T) {
	supervisor, svc, notifier := newSupervisorFixture(t, 50*time.Millisecond)

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)
	supervisor.Arm(call)
	require.Equal(t, 1, supervisor.PendingTimers())

	supervisor.Stop()
	assert.Zero(t, supervisor.PendingTimers())

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, notifier.snapshot())
}
