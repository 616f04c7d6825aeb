package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tunelink/internal/core/domain"
	"tunelink/internal/core/ports"
	"tunelink/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

// RedisCallRepository stores call records as JSON values plus two
// indexes: an active-pair key (one per unordered user pair, removed on
// terminal transition) and a per-user history zset scored by creation
// time. Conditional status updates run as WATCH-based optimistic
// transactions, giving the per-call check-then-set the state machine
// relies on.
type RedisCallRepository struct {
	client *redis.Client
	prefix string
}

// maxCASRetries bounds optimistic transaction retries under contention.
const maxCASRetries = 5

func NewRedisCallRepository(client *redis.Client) ports.CallRepository {
	return &RedisCallRepository{
		client: client,
		prefix: "tunelink:call:",
	}
}

func (r *RedisCallRepository) callKey(id domain.CallID) string {
	return r.prefix + string(id)
}

// pairKey is order-independent: both directions of a caller/callee
// assignment map to the same key.
func (r *RedisCallRepository) pairKey(a, b domain.UserID) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%sactive:%s:%s", r.prefix, a, b)
}

func (r *RedisCallRepository) userActiveKey(userID domain.UserID) string {
	return fmt.Sprintf("%sactive:user:%s", r.prefix, userID)
}

func (r *RedisCallRepository) historyKey(userID domain.UserID) string {
	return fmt.Sprintf("%shistory:%s", r.prefix, userID)
}

func (r *RedisCallRepository) Create(ctx context.Context, call *domain.Call) error {
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("failed to marshal call: %w", err)
	}

	// SETNX claims the pair atomically: of two concurrent initiations
	// for one pair, exactly one gets the key. The loser never writes a
	// record. Terminal transitions delete the key, freeing the pair.
	claimed, err := r.client.SetNX(ctx, r.pairKey(call.CallerID, call.CalleeID), string(call.ID), 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim call pair: %w", err)
	}
	if !claimed {
		holder, err := r.FindActiveByPair(ctx, call.CallerID, call.CalleeID)
		if err != nil {
			return err
		}
		if holder != nil {
			return domain.ErrCallAlreadyActive
		}
		// Stale claim from an unclean shutdown; take it over.
		if err := r.client.Set(ctx, r.pairKey(call.CallerID, call.CalleeID), string(call.ID), 0).Err(); err != nil {
			return fmt.Errorf("failed to claim call pair: %w", err)
		}
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.callKey(call.ID), data, 0)
		pipe.Set(ctx, r.userActiveKey(call.CallerID), string(call.ID), 0)
		pipe.Set(ctx, r.userActiveKey(call.CalleeID), string(call.ID), 0)
		score := float64(call.CreatedAt.UnixNano())
		pipe.ZAdd(ctx, r.historyKey(call.CallerID), redis.Z{Score: score, Member: string(call.ID)})
		pipe.ZAdd(ctx, r.historyKey(call.CalleeID), redis.Z{Score: score, Member: string(call.ID)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store call in Redis: %w", err)
	}

	return nil
}

func (r *RedisCallRepository) GetByID(ctx context.Context, id domain.CallID) (*domain.Call, error) {
	data, err := r.client.Get(ctx, r.callKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call from Redis: %w", err)
	}

	var call domain.Call
	if err := json.Unmarshal([]byte(data), &call); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call: %w", err)
	}

	return &call, nil
}

func (r *RedisCallRepository) UpdateStatus(ctx context.Context, id domain.CallID, from []domain.CallStatus, update ports.CallUpdate) (*domain.Call, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "update_status", "call")
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), "call.update_status")

	var updated *domain.Call

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, r.callKey(id)).Result()
		if err == redis.Nil {
			return domain.ErrCallNotFound
		}
		if err != nil {
			return err
		}

		var call domain.Call
		if err := json.Unmarshal([]byte(data), &call); err != nil {
			return fmt.Errorf("failed to unmarshal call: %w", err)
		}

		matched := false
		for _, status := range from {
			if call.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return domain.ErrStatusConflict
		}

		call.Status = update.Status
		if update.StartedAt != nil {
			call.StartedAt = update.StartedAt
		}
		if update.EndedAt != nil {
			call.EndedAt = update.EndedAt
		}
		// Duration is derived from the StartedAt read inside this
		// watched transaction, so an accept that lands just before the
		// end is always reflected in the computed value.
		if update.EndedAt != nil && call.StartedAt != nil {
			call.Duration = int(update.EndedAt.Sub(*call.StartedAt).Seconds())
		}
		call.UpdatedAt = time.Now()

		newData, err := json.Marshal(&call)
		if err != nil {
			return fmt.Errorf("failed to marshal call: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.callKey(id), newData, 0)
			if call.Status.Terminal() {
				pipe.Del(ctx, r.pairKey(call.CallerID, call.CalleeID))
				pipe.Del(ctx, r.userActiveKey(call.CallerID))
				pipe.Del(ctx, r.userActiveKey(call.CalleeID))
			}
			return nil
		})
		if err != nil {
			return err
		}

		updated = &call
		return nil
	}

	for i := 0; i < maxCASRetries; i++ {
		err := r.client.Watch(ctx, txn, r.callKey(id))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	return nil, domain.ErrStatusConflict
}

func (r *RedisCallRepository) AppendSignaling(ctx context.Context, id domain.CallID, payload domain.SignalingPayload) (*domain.Call, error) {
	var updated *domain.Call

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, r.callKey(id)).Result()
		if err == redis.Nil {
			return domain.ErrCallNotFound
		}
		if err != nil {
			return err
		}

		var call domain.Call
		if err := json.Unmarshal([]byte(data), &call); err != nil {
			return fmt.Errorf("failed to unmarshal call: %w", err)
		}

		call.MergeSignaling(payload)
		call.UpdatedAt = time.Now()

		newData, err := json.Marshal(&call)
		if err != nil {
			return fmt.Errorf("failed to marshal call: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.callKey(id), newData, 0)
			return nil
		})
		if err != nil {
			return err
		}

		updated = &call
		return nil
	}

	for i := 0; i < maxCASRetries; i++ {
		err := r.client.Watch(ctx, txn, r.callKey(id))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	return nil, fmt.Errorf("failed to append signaling after %d attempts", maxCASRetries)
}

func (r *RedisCallRepository) FindActiveByPair(ctx context.Context, a, b domain.UserID) (*domain.Call, error) {
	callID, err := r.client.Get(ctx, r.pairKey(a, b)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active pair index: %w", err)
	}

	call, err := r.GetByID(ctx, domain.CallID(callID))
	if err == domain.ErrCallNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if call.Status.Terminal() {
		// Stale index entry; treat as no active call.
		return nil, nil
	}

	return call, nil
}

func (r *RedisCallRepository) FindActiveByUser(ctx context.Context, userID domain.UserID) (*domain.Call, error) {
	callID, err := r.client.Get(ctx, r.userActiveKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active user index: %w", err)
	}

	call, err := r.GetByID(ctx, domain.CallID(callID))
	if err == domain.ErrCallNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !call.Status.Active() {
		return nil, nil
	}

	return call, nil
}

func (r *RedisCallRepository) ListByUser(ctx context.Context, userID domain.UserID, offset, limit int) ([]*domain.Call, int64, error) {
	key := r.historyKey(userID)

	total, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count call history: %w", err)
	}

	// Newest first.
	ids, err := r.client.ZRevRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list call history: %w", err)
	}

	calls := make([]*domain.Call, 0, len(ids))
	for _, id := range ids {
		call, err := r.GetByID(ctx, domain.CallID(id))
		if err == domain.ErrCallNotFound {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		calls = append(calls, call)
	}

	return calls, total, nil
}
