package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"tunelink/internal/core/domain"
	"tunelink/internal/core/ports"
)

// clone deep-copies a record so no caller ever aliases the stored
// state. The signaling bag is the mutable part: a shared pointer there
// would let a later merge race a reader of a previously returned copy.
func clone(call *domain.Call) *domain.Call {
	copied := *call
	if call.Signaling != nil {
		sig := *call.Signaling
		sig.ICECandidates = append([]json.RawMessage(nil), call.Signaling.ICECandidates...)
		copied.Signaling = &sig
	}
	return &copied
}

type MemoryCallRepository struct {
	calls map[domain.CallID]*domain.Call
	mu    sync.RWMutex
}

func NewMemoryCallRepository() ports.CallRepository {
	return &MemoryCallRepository{
		calls: make(map[domain.CallID]*domain.Call),
	}
}

func (r *MemoryCallRepository) Create(ctx context.Context, call *domain.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.ID]; exists {
		return fmt.Errorf("call already exists: %s", call.ID)
	}

	// Claim the pair under the same lock as the insert, so two
	// concurrent initiations for one pair cannot both pass the check.
	for _, existing := range r.calls {
		if existing.Status.Terminal() {
			continue
		}
		if (existing.CallerID == call.CallerID && existing.CalleeID == call.CalleeID) ||
			(existing.CallerID == call.CalleeID && existing.CalleeID == call.CallerID) {
			return domain.ErrCallAlreadyActive
		}
	}

	r.calls[call.ID] = clone(call)
	return nil
}

func (r *MemoryCallRepository) GetByID(ctx context.Context, id domain.CallID) (*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, exists := r.calls[id]
	if !exists {
		return nil, domain.ErrCallNotFound
	}

	return clone(call), nil
}

func (r *MemoryCallRepository) UpdateStatus(ctx context.Context, id domain.CallID, from []domain.CallStatus, update ports.CallUpdate) (*domain.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, exists := r.calls[id]
	if !exists {
		return nil, domain.ErrCallNotFound
	}

	// Check-then-set under the write lock: the memory equivalent of a
	// conditional update in the durable store.
	matched := false
	for _, status := range from {
		if call.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return nil, domain.ErrStatusConflict
	}

	call.Status = update.Status
	if update.StartedAt != nil {
		call.StartedAt = update.StartedAt
	}
	if update.EndedAt != nil {
		call.EndedAt = update.EndedAt
	}
	// Duration derives from the stored StartedAt inside the same
	// critical section as the status check, never from a value the
	// caller read before the transition.
	if update.EndedAt != nil && call.StartedAt != nil {
		call.Duration = int(update.EndedAt.Sub(*call.StartedAt).Seconds())
	}
	call.UpdatedAt = time.Now()

	return clone(call), nil
}

func (r *MemoryCallRepository) AppendSignaling(ctx context.Context, id domain.CallID, payload domain.SignalingPayload) (*domain.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, exists := r.calls[id]
	if !exists {
		return nil, domain.ErrCallNotFound
	}

	call.MergeSignaling(payload)
	call.UpdatedAt = time.Now()

	return clone(call), nil
}

func (r *MemoryCallRepository) FindActiveByPair(ctx context.Context, a, b domain.UserID) (*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, call := range r.calls {
		// Any non-terminal call blocks the pair, including the short
		// initiating window before ringing.
		if call.Status.Terminal() {
			continue
		}
		if (call.CallerID == a && call.CalleeID == b) || (call.CallerID == b && call.CalleeID == a) {
			return clone(call), nil
		}
	}

	return nil, nil
}

func (r *MemoryCallRepository) FindActiveByUser(ctx context.Context, userID domain.UserID) (*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, call := range r.calls {
		if call.Status.Active() && call.HasParty(userID) {
			return clone(call), nil
		}
	}

	return nil, nil
}

func (r *MemoryCallRepository) ListByUser(ctx context.Context, userID domain.UserID, offset, limit int) ([]*domain.Call, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*domain.Call
	for _, call := range r.calls {
		if call.HasParty(userID) {
			matched = append(matched, clone(call))
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if offset >= len(matched) {
		return []*domain.Call{}, total, nil
	}

	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	return matched[offset:end], total, nil
}
