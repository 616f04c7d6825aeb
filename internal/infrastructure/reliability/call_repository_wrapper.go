package reliability

import (
	"context"
	"errors"
	"time"

	"tunelink/internal/core/domain"
	"tunelink/internal/core/ports"
	"tunelink/pkg/circuitbreaker"
	"tunelink/pkg/retry"

	"go.uber.org/zap"
)

// domainErrors are expected business outcomes. They must pass through
// untouched: retrying them is pointless and counting them as failures
// would trip the breaker on ordinary races.
var domainErrors = []error{
	domain.ErrCallNotFound,
	domain.ErrUserNotFound,
	domain.ErrStatusConflict,
	domain.ErrCallAlreadyActive,
	domain.ErrNotParticipant,
	domain.ErrNotCallee,
	domain.ErrCallNotRinging,
	domain.ErrCallNotActive,
}

func isDomainError(err error) bool {
	for _, sentinel := range domainErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// CallRepositoryWrapper wraps a CallRepository with retry logic and a
// circuit breaker against transient storage failures.
type CallRepositoryWrapper struct {
	repo   ports.CallRepository
	logger *zap.SugaredLogger

	retryConfig retry.Config
	breaker     *circuitbreaker.CircuitBreaker
}

// NewCallRepositoryWrapper creates a new wrapper with retry and circuit breaker
func NewCallRepositoryWrapper(
	repo ports.CallRepository,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *CallRepositoryWrapper {
	wrapper := &CallRepositoryWrapper{
		repo:        repo,
		logger:      logger,
		retryConfig: retryConfig,
		breaker:     circuitbreaker.New(cbConfig),
	}

	wrapper.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("call repository circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return wrapper
}

var _ ports.CallRepository = (*CallRepositoryWrapper)(nil)

// execute runs fn through retry and the breaker. Domain outcomes are
// captured and replayed past both layers.
func (w *CallRepositoryWrapper) execute(ctx context.Context, fn func() error) error {
	if !w.retryConfig.Enabled {
		return fn()
	}

	var domainOutcome error
	err := retry.Retry(ctx, w.retryConfig, func() error {
		return w.breaker.Execute(ctx, func() error {
			err := fn()
			if err != nil && isDomainError(err) {
				domainOutcome = err
				return nil
			}
			return err
		})
	})
	if err != nil {
		return err
	}
	return domainOutcome
}

func (w *CallRepositoryWrapper) Create(ctx context.Context, call *domain.Call) error {
	return w.execute(ctx, func() error {
		return w.repo.Create(ctx, call)
	})
}

func (w *CallRepositoryWrapper) GetByID(ctx context.Context, id domain.CallID) (*domain.Call, error) {
	var call *domain.Call
	err := w.execute(ctx, func() error {
		var err error
		call, err = w.repo.GetByID(ctx, id)
		return err
	})
	return call, err
}

func (w *CallRepositoryWrapper) UpdateStatus(ctx context.Context, id domain.CallID, from []domain.CallStatus, update ports.CallUpdate) (*domain.Call, error) {
	var call *domain.Call
	err := w.execute(ctx, func() error {
		var err error
		call, err = w.repo.UpdateStatus(ctx, id, from, update)
		return err
	})
	return call, err
}

func (w *CallRepositoryWrapper) AppendSignaling(ctx context.Context, id domain.CallID, payload domain.SignalingPayload) (*domain.Call, error) {
	var call *domain.Call
	err := w.execute(ctx, func() error {
		var err error
		call, err = w.repo.AppendSignaling(ctx, id, payload)
		return err
	})
	return call, err
}

func (w *CallRepositoryWrapper) FindActiveByPair(ctx context.Context, a, b domain.UserID) (*domain.Call, error) {
	var call *domain.Call
	err := w.execute(ctx, func() error {
		var err error
		call, err = w.repo.FindActiveByPair(ctx, a, b)
		return err
	})
	return call, err
}

func (w *CallRepositoryWrapper) FindActiveByUser(ctx context.Context, userID domain.UserID) (*domain.Call, error) {
	var call *domain.Call
	err := w.execute(ctx, func() error {
		var err error
		call, err = w.repo.FindActiveByUser(ctx, userID)
		return err
	})
	return call, err
}

func (w *CallRepositoryWrapper) ListByUser(ctx context.Context, userID domain.UserID, offset, limit int) ([]*domain.Call, int64, error) {
	var (
		calls []*domain.Call
		total int64
	)
	err := w.execute(ctx, func() error {
		var err error
		calls, total, err = w.repo.ListByUser(ctx, userID, offset, limit)
		return err
	})
	return calls, total, err
}

// GetCircuitBreakerStats returns circuit breaker statistics
func (w *CallRepositoryWrapper) GetCircuitBreakerStats() circuitbreaker.Stats {
	return w.breaker.GetStats()
}

// DefaultRetryConfig returns the retry policy used for storage access.
func DefaultRetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.InitialDelay = 50 * time.Millisecond
	cfg.MaxDelay = 1 * time.Second
	cfg.NonRetryableErrors = domainErrors
	return cfg
}
