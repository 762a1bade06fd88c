package store

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ErickCReis/glim-node/pkg/logging/logging"
)

// BreakerConfig controls when the store is considered unhealthy.
type BreakerConfig struct {
	Name             string
	ConsecutiveFails uint32        // trips after this many failures in a row (default 5)
	OpenTimeout      time.Duration // time spent open before probing again (default 30s)
}

// BreakerStore fails fast while the backend is down, so callers degrade to
// a cache miss instead of waiting on every request.
type BreakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps inner with a circuit breaker.
func NewBreakerStore(inner Store, cfg BreakerConfig) *BreakerStore {
	if cfg.Name == "" {
		cfg.Name = "cache-store"
	}
	if cfg.ConsecutiveFails == 0 {
		cfg.ConsecutiveFails = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	threshold := cfg.ConsecutiveFails
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellations say nothing about backend health.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.DefaultLogger().Warn("cache store breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &BreakerStore{inner: inner, cb: cb}
}

func (s *BreakerStore) InSlot(ctx context.Context, tenantID int64, fn func(h Hash) error) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.inner.InSlot(ctx, tenantID, fn)
	})
	return err
}

func (s *BreakerStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

func (s *BreakerStore) Close() error {
	return s.inner.Close()
}

// State exposes the breaker state, mainly for tests and diagnostics.
func (s *BreakerStore) State() gobreaker.State {
	return s.cb.State()
}
