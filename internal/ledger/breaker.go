package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig tunes the read-path circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// BreakerClient guards ReadState with a circuit breaker. Submissions and
// receipt waits pass through untouched: they must reach the node exactly once.
type BreakerClient struct {
	Client
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerClient(inner Client, cfg BreakerConfig, logger *zap.Logger) *BreakerClient {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ledger.breaker")

	settings := gobreaker.Settings{
		Name:        "ledger-read",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// Reverted views are answers, not node failures.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) ||
				strings.Contains(err.Error(), "execution reverted")
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &BreakerClient{
		Client:  inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *BreakerClient) ReadState(ctx context.Context, call ReadCall) ([]any, error) {
	out, err := b.breaker.Execute(func() (interface{}, error) {
		return b.Client.ReadState(ctx, call)
	})
	if err != nil {
		return nil, err
	}
	return out.([]any), nil
}

// Ping forwards to the wrapped client when it supports health checks.
func (b *BreakerClient) Ping(ctx context.Context) error {
	if hc, ok := b.Client.(HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}
