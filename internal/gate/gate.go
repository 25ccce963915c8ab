// Package gate wraps the outward market-data operations with token-bucket
// admission, a failure-rate circuit breaker, and transient-error retry.
// Wrapper order, outermost first: rate limiter, breaker, retry, delegate.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/reservoir/internal/config"
	"github.com/sawpanic/reservoir/internal/models"
)

// MarketData is the capability set the gate guards.
type MarketData interface {
	GetLatest(ctx context.Context, rics []string) (map[string]models.Quote, error)
	Subscribe(ctx context.Context, rics []string) (models.SubscribeResult, error)
	Unsubscribe(ctx context.Context, rics []string) (models.UnsubscribeResult, error)
	Subscribed(ctx context.Context) (models.SubscribedResult, error)
}

const (
	// probeBatch is how many calls HALF_OPEN admits before deciding.
	probeBatch = 3

	// countsInterval bounds how long CLOSED-state counts accumulate, so
	// the failure rate reflects recent calls rather than process lifetime.
	countsInterval = time.Minute
)

// Gate guards a MarketData delegate. The zero value is not usable; use New.
type Gate struct {
	inner   MarketData
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	cfg     config.ResilienceConfig
}

// New builds a gate around inner using the given policies.
func New(cfg config.ResilienceConfig, inner MarketData) *Gate {
	g := &Gate{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate.PermitsPerSec), cfg.Rate.PermitsPerSec),
		cfg:     cfg,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "marketdata",
		MaxRequests: probeBatch,
		Interval:    countsInterval,
		Timeout:     cfg.Circuit.Cooldown(),
		ReadyToTrip: tripCondition(cfg.Circuit),
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
		IsSuccessful: breakerSuccess,
	})
	return g
}

func tripCondition(cfg config.CircuitConfig) func(gobreaker.Counts) bool {
	window := uint32(cfg.WindowSize)
	return func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= window {
			return true
		}
		if counts.Requests < window {
			return false
		}
		failureRate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
		return failureRate >= cfg.FailureRatePct
	}
}

// breakerSuccess keeps caller mistakes and cancellations out of the failure
// rate; only upstream-shaped errors count against the breaker.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return models.IsCode(err, models.CodeInvalidArgument)
}

// GetLatest runs the full chain: permit, breaker, retry, delegate.
func (g *Gate) GetLatest(ctx context.Context, rics []string) (map[string]models.Quote, error) {
	const op = "gate.getLatest"
	if err := g.acquire(ctx, op); err != nil {
		return nil, err
	}
	out, err := g.callWithRetry(ctx, op, func() (interface{}, error) {
		return g.inner.GetLatest(ctx, rics)
	})
	if err != nil {
		return nil, err
	}
	return out.(map[string]models.Quote), nil
}

// Subscribe runs the full chain: permit, breaker, retry, delegate.
func (g *Gate) Subscribe(ctx context.Context, rics []string) (models.SubscribeResult, error) {
	const op = "gate.subscribe"
	if err := g.acquire(ctx, op); err != nil {
		return models.SubscribeResult{}, err
	}
	out, err := g.callWithRetry(ctx, op, func() (interface{}, error) {
		return g.inner.Subscribe(ctx, rics)
	})
	if err != nil {
		return models.SubscribeResult{}, err
	}
	return out.(models.SubscribeResult), nil
}

// Unsubscribe is admission-limited but never breaker-gated or retried, so
// releasing handles stays possible while the feed is down.
func (g *Gate) Unsubscribe(ctx context.Context, rics []string) (models.UnsubscribeResult, error) {
	if err := g.acquire(ctx, "gate.unsubscribe"); err != nil {
		return models.UnsubscribeResult{}, err
	}
	return g.inner.Unsubscribe(ctx, rics)
}

// Subscribed reads local state and passes straight through.
func (g *Gate) Subscribed(ctx context.Context) (models.SubscribedResult, error) {
	return g.inner.Subscribed(ctx)
}

// acquire blocks for a permit up to the configured acquire timeout.
func (g *Gate) acquire(ctx context.Context, op string) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.Rate.AcquireTimeout())
	defer cancel()
	if err := g.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return models.E(models.CodeRateLimited, op, "", err)
	}
	return nil
}

// callWithRetry runs fn up to MaxAttempts times with doubling backoff.
// Every attempt passes through the breaker, so a trip partway through a
// retrying call ends the attempt loop with CIRCUIT_OPEN.
func (g *Gate) callWithRetry(ctx context.Context, op string, fn func() (interface{}, error)) (interface{}, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := g.cfg.Retry.BaseBackoff() << (attempt - 2)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			log.Debug().Str("op", op).Int("attempt", attempt).Msg("Retrying gated call")
		}
		out, err := g.breaker.Execute(fn)
		if err == nil {
			return out, nil
		}
		lastErr = mapBreakerErr(op, err)
		if !models.Retryable(lastErr) {
			break
		}
	}
	return nil, lastErr
}

func mapBreakerErr(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.E(models.CodeCircuitOpen, op, "", err)
	}
	return err
}

// Stats is a point-in-time view of the gate for diagnostics.
type Stats struct {
	BreakerState   string  `json:"breaker_state"`
	Requests       uint32  `json:"requests"`
	Failures       uint32  `json:"failures"`
	FailureRatePct float64 `json:"failure_rate_pct"`
	RateTokens     float64 `json:"rate_tokens"`
}

// Stats reports the breaker counts and remaining rate tokens.
func (g *Gate) Stats() Stats {
	counts := g.breaker.Counts()
	var failureRate float64
	if counts.Requests > 0 {
		failureRate = float64(counts.TotalFailures) / float64(counts.Requests) * 100
	}
	return Stats{
		BreakerState:   g.breaker.State().String(),
		Requests:       counts.Requests,
		Failures:       counts.TotalFailures,
		FailureRatePct: failureRate,
		RateTokens:     g.limiter.Tokens(),
	}
}
