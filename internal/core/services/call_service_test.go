package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"tunelink/internal/core/domain"
	"tunelink/internal/core/ports"
	"tunelink/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCallService(t *testing.T) (ports.CallService, ports.CallRepository, ports.UserRepository) {
	t.Helper()

	callRepo := memory.NewMemoryCallRepository()
	userRepo := memory.NewMemoryUserRepository()
	svc := NewCallService(callRepo, userRepo, zap.NewNop().Sugar())

	return svc, callRepo, userRepo
}

func seedUsers(t *testing.T, userRepo ports.UserRepository, ids ...domain.UserID) {
	t.Helper()

	for _, id := range ids {
		err := userRepo.Create(context.Background(), &domain.User{
			ID:        id,
			Username:  string(id),
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)
	}
}

func TestInitiate_CreatesRingingCall(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	assert.Equal(t, domain.CallStatusRinging, call.Status)
	assert.Equal(t, domain.UserID("alice"), call.CallerID)
	assert.Equal(t, domain.UserID("bob"), call.CalleeID)
	assert.Equal(t, domain.CallKindAudio, call.Kind)
	assert.NotEmpty(t, call.ID)
	assert.Nil(t, call.StartedAt)
	assert.Nil(t, call.EndedAt)
}

func TestInitiate_SelfCallRejected(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice")

	_, err := svc.Initiate(context.Background(), "alice", "alice", domain.CallKindAudio)
	assert.ErrorIs(t, err, domain.ErrSelfCall)
}

func TestInitiate_UnknownCallee(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice")

	_, err := svc.Initiate(context.Background(), "alice", "ghost", domain.CallKindAudio)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestInitiate_PairConflict_BothDirections(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	_, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	// Same direction blocked.
	_, err = svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	assert.ErrorIs(t, err, domain.ErrCallAlreadyActive)

	// Reverse direction blocked too.
	_, err = svc.Initiate(context.Background(), "bob", "alice", domain.CallKindVideo)
	assert.ErrorIs(t, err, domain.ErrCallAlreadyActive)
}

func TestInitiate_AllowedAfterTermination(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	first, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	_, err = svc.Respond(context.Background(), first.ID, "bob", domain.CallActionReject)
	require.NoError(t, err)

	// Rejected call no longer blocks the pair.
	_, err = svc.Initiate(context.Background(), "bob", "alice", domain.CallKindAudio)
	assert.NoError(t, err)
}

func TestRespond_Accept(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindVideo)
	require.NoError(t, err)

	answered, err := svc.Respond(context.Background(), call.ID, "bob", domain.CallActionAccept)
	require.NoError(t, err)

	assert.Equal(t, domain.CallStatusAnswered, answered.Status)
	require.NotNil(t, answered.StartedAt)
	assert.Nil(t, answered.EndedAt)
}

func TestRespond_Reject(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	rejected, err := svc.Respond(context.Background(), call.ID, "bob", domain.CallActionReject)
	require.NoError(t, err)

	assert.Equal(t, domain.CallStatusRejected, rejected.Status)
	assert.Nil(t, rejected.StartedAt)
	require.NotNil(t, rejected.EndedAt)
}

func TestRespond_OnlyCallee(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob", "carol")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	// The caller cannot answer their own call.
	_, err = svc.Respond(context.Background(), call.ID, "alice", domain.CallActionAccept)
	assert.ErrorIs(t, err, domain.ErrNotCallee)

	// A stranger is not even a participant.
	_, err = svc.Respond(context.Background(), call.ID, "carol", domain.CallActionAccept)
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestRespond_TerminalCallRefused(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	_, err = svc.Respond(context.Background(), call.ID, "bob", domain.CallActionReject)
	require.NoError(t, err)

	// Already rejected, a second response must not resurrect it.
	_, err = svc.Respond(context.Background(), call.ID, "bob", domain.CallActionAccept)
	assert.ErrorIs(t, err, domain.ErrCallNotRinging)
}

func TestEnd_AnsweredCall_RecordsDuration(t *testing.T) {
	svc, callRepo, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	_, err = svc.Respond(context.Background(), call.ID, "bob", domain.CallActionAccept)
	require.NoError(t, err)

	// Backdate the answer so the computed duration is visible.
	startedAt := time.Now().Add(-90 * time.Second)
	_, err = callRepo.UpdateStatus(context.Background(), call.ID,
		[]domain.CallStatus{domain.CallStatusAnswered},
		ports.CallUpdate{Status: domain.CallStatusAnswered, StartedAt: &startedAt},
	)
	require.NoError(t, err)

	ended, err := svc.End(context.Background(), call.ID, "alice")
	require.NoError(t, err)

	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	assert.InDelta(t, 90, float64(ended.Duration), 2)
	require.NotNil(t, ended.EndedAt)
}

func TestEnd_RingingCall_NoDuration(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	// The caller hangs up before the callee answers.
	ended, err := svc.End(context.Background(), call.ID, "alice")
	require.NoError(t, err)

	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	assert.Zero(t, ended.Duration)
}

// acceptInterposingRepo sneaks an accept in after End has already read
// the call but before its conditional update runs, reproducing a callee
// answering at the same instant the caller hangs up.
type acceptInterposingRepo struct {
	ports.CallRepository
	startedAt time.Time
	once      sync.Once
}

func (r *acceptInterposingRepo) UpdateStatus(ctx context.Context, id domain.CallID, from []domain.CallStatus, update ports.CallUpdate) (*domain.Call, error) {
	if update.Status == domain.CallStatusEnded {
		r.once.Do(func() {
			_, err := r.CallRepository.UpdateStatus(ctx, id,
				[]domain.CallStatus{domain.CallStatusRinging},
				ports.CallUpdate{Status: domain.CallStatusAnswered, StartedAt: &r.startedAt},
			)
			if err != nil {
				panic(err)
			}
		})
	}
	return r.CallRepository.UpdateStatus(ctx, id, from, update)
}

func TestEnd_AcceptRacingEnd_StillRecordsDuration(t *testing.T) {
	userRepo := memory.NewMemoryUserRepository()
	callRepo := &acceptInterposingRepo{
		CallRepository: memory.NewMemoryCallRepository(),
		startedAt:      time.Now().Add(-42 * time.Second),
	}
	svc := NewCallService(callRepo, userRepo, zap.NewNop().Sugar())
	seedUsers(t, userRepo, "alice", "bob")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	// End sees a ringing call; the accept lands before its update. The
	// call must still come out with the duration the accept implies.
	ended, err := svc.End(context.Background(), call.ID, "alice")
	require.NoError(t, err)

	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	require.NotNil(t, ended.StartedAt)
	assert.InDelta(t, 42, float64(ended.Duration), 2)
}

func TestEnd_EitherParty(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)
	_, err = svc.Respond(context.Background(), call.ID, "bob", domain.CallActionAccept)
	require.NoError(t, err)

	_, err = svc.End(context.Background(), call.ID, "bob")
	assert.NoError(t, err)
}

func TestEnd_Outsider(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob", "carol")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	_, err = svc.End(context.Background(), call.ID, "carol")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestEnd_TerminalCall(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	_, err = svc.End(context.Background(), call.ID, "alice")
	require.NoError(t, err)

	_, err = svc.End(context.Background(), call.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrCallNotActive)
}

func TestTimeoutExpire_RingingBecomesMissed(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	missed, expired, err := svc.TimeoutExpire(context.Background(), call.ID)
	require.NoError(t, err)

	assert.True(t, expired)
	assert.Equal(t, domain.CallStatusMissed, missed.Status)
	require.NotNil(t, missed.EndedAt)
}

func TestTimeoutExpire_LosesToResponse(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	_, err = svc.Respond(context.Background(), call.ID, "bob", domain.CallActionAccept)
	require.NoError(t, err)

	// The timer firing after an answer is a silent no-op.
	_, expired, err := svc.TimeoutExpire(context.Background(), call.ID)
	require.NoError(t, err)
	assert.False(t, expired)

	got, err := svc.GetByID(context.Background(), call.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAnswered, got.Status)
}

func TestTimeoutExpire_UnknownCall(t *testing.T) {
	svc, _, _ := newTestCallService(t)

	_, expired, err := svc.TimeoutExpire(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestConcurrentRespondAndTimeout_OneWinner(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var respondErr error
	var expired bool

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, respondErr = svc.Respond(context.Background(), call.ID, "bob", domain.CallActionAccept)
	}()
	go func() {
		defer wg.Done()
		_, expired, _ = svc.TimeoutExpire(context.Background(), call.ID)
	}()
	wg.Wait()

	got, err := svc.GetByID(context.Background(), call.ID, "alice")
	require.NoError(t, err)

	if expired {
		// Timeout won: the response must have been refused.
		assert.Equal(t, domain.CallStatusMissed, got.Status)
		assert.ErrorIs(t, respondErr, domain.ErrCallNotRinging)
	} else {
		assert.Equal(t, domain.CallStatusAnswered, got.Status)
		assert.NoError(t, respondErr)
	}
}

func TestFail_NonTerminalCall(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	failed, err := svc.Fail(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusFailed, failed.Status)
}

func TestFail_TerminalCallUnchanged(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)
	_, err = svc.Respond(context.Background(), call.ID, "bob", domain.CallActionReject)
	require.NoError(t, err)

	got, err := svc.Fail(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRejected, got.Status)
}

func TestUpdateSignaling_MergesBag(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindVideo)
	require.NoError(t, err)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)
	updated, err := svc.UpdateSignaling(context.Background(), call.ID, "alice", domain.SignalingPayload{Offer: offer})
	require.NoError(t, err)
	require.NotNil(t, updated.Signaling)
	assert.JSONEq(t, string(offer), string(updated.Signaling.Offer))

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0..."}`)
	updated, err = svc.UpdateSignaling(context.Background(), call.ID, "bob", domain.SignalingPayload{Answer: answer})
	require.NoError(t, err)
	assert.NotEmpty(t, updated.Signaling.Offer)
	assert.JSONEq(t, string(answer), string(updated.Signaling.Answer))

	// Candidates accumulate instead of overwriting.
	cand1 := json.RawMessage(`{"candidate":"candidate:1"}`)
	cand2 := json.RawMessage(`{"candidate":"candidate:2"}`)
	_, err = svc.UpdateSignaling(context.Background(), call.ID, "alice", domain.SignalingPayload{ICECandidate: cand1})
	require.NoError(t, err)
	updated, err = svc.UpdateSignaling(context.Background(), call.ID, "bob", domain.SignalingPayload{ICECandidate: cand2})
	require.NoError(t, err)
	assert.Len(t, updated.Signaling.ICECandidates, 2)
}

func TestUpdateSignaling_OutsiderRejected(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob", "carol")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	offer := json.RawMessage(`{"type":"offer"}`)
	_, err = svc.UpdateSignaling(context.Background(), call.ID, "carol", domain.SignalingPayload{Offer: offer})
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestUpdateSignaling_EmptyPayload(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	_, err = svc.UpdateSignaling(context.Background(), call.ID, "alice", domain.SignalingPayload{})
	assert.Error(t, err)
}

func TestGetActive(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	active, err := svc.GetActive(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, active)

	call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
	require.NoError(t, err)

	active, err = svc.GetActive(context.Background(), "bob")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, call.ID, active.ID)

	_, err = svc.End(context.Background(), call.ID, "alice")
	require.NoError(t, err)

	active, err = svc.GetActive(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestHistory_PagingAndOrder(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	var last domain.CallID
	for i := 0; i < 5; i++ {
		call, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallKindAudio)
		require.NoError(t, err)
		_, err = svc.End(context.Background(), call.ID, "alice")
		require.NoError(t, err)
		last = call.ID
		time.Sleep(2 * time.Millisecond)
	}

	calls, total, err := svc.History(context.Background(), "alice", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, calls, 3)
	// Newest first.
	assert.Equal(t, last, calls[0].ID)

	calls, _, err = svc.History(context.Background(), "alice", 3, 3)
	require.NoError(t, err)
	assert.Empty(t, calls)

	// Callee sees the same history.
	calls, total, err = svc.History(context.Background(), "bob", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, calls, 2)
}

func TestHistory_ClampsPaging(t *testing.T) {
	svc, _, userRepo := newTestCallService(t)
	seedUsers(t, userRepo, "alice", "bob")

	_, _, err := svc.History(context.Background(), "alice", -1, 1000)
	assert.NoError(t, err)
}
