// Package service assembles the distribution core: the Core implements
// the outward market-data API over the cache and ingest queue, and the
// Supervisor owns construction, startup, and ordered shutdown of every
// component.
package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/reservoir/internal/cache"
	"github.com/sawpanic/reservoir/internal/ingest"
	"github.com/sawpanic/reservoir/internal/models"
)

// MarketData is the outward API surface. Core implements it directly;
// gate.Gate wraps a Core with admission control and serves the same
// interface to the transport.
type MarketData interface {
	GetLatest(ctx context.Context, rics []string) (map[string]models.Quote, error)
	Subscribe(ctx context.Context, rics []string) (models.SubscribeResult, error)
	Unsubscribe(ctx context.Context, rics []string) (models.UnsubscribeResult, error)
	Subscribed(ctx context.Context) (models.SubscribedResult, error)
}

// Core is the ungated service implementation.
type Core struct {
	cache *cache.QuoteCache
	queue *ingest.Queue
}

var _ MarketData = (*Core)(nil)

// NewCore builds the service over an existing cache and queue.
func NewCore(qc *cache.QuoteCache, queue *ingest.Queue) *Core {
	return &Core{cache: qc, queue: queue}
}

// GetLatest returns the cached quote for each requested RIC. RICs with
// no cached value yet are simply absent from the result.
func (c *Core) GetLatest(ctx context.Context, rics []string) (map[string]models.Quote, error) {
	if err := checkRICs("core.getLatest", rics); err != nil {
		return nil, err
	}
	return c.cache.GetLatest(rics), nil
}

// Subscribe opens one handle per distinct requested RIC. If any open
// fails, handles opened earlier in the same call are released again, so
// a failed call leaves no partial state and can be retried as-is.
func (c *Core) Subscribe(ctx context.Context, rics []string) (models.SubscribeResult, error) {
	if err := checkRICs("core.subscribe", rics); err != nil {
		return models.SubscribeResult{}, err
	}

	want := dedupe(rics)
	opened := make([]string, 0, len(want))
	for _, ric := range want {
		if err := c.cache.OpenHandle(ric); err != nil {
			c.releaseAll(opened)
			return models.SubscribeResult{}, err
		}
		opened = append(opened, ric)
	}

	return models.SubscribeResult{
		Subscribed:         opened,
		TotalSubscriptions: c.cache.SubscribedCount(),
		Backpressure:       c.queue.Utilization(),
	}, nil
}

// Unsubscribe closes one handle per distinct requested RIC. RICs
// without an open handle are skipped, and a failed upstream release
// keeps that handle but never fails the call, so callers can always
// shed interest while the feed is degraded.
func (c *Core) Unsubscribe(ctx context.Context, rics []string) (models.UnsubscribeResult, error) {
	if err := checkRICs("core.unsubscribe", rics); err != nil {
		return models.UnsubscribeResult{}, err
	}

	closed := make([]string, 0, len(rics))
	for _, ric := range dedupe(rics) {
		err := c.cache.CloseHandle(ric)
		switch {
		case err == nil:
			closed = append(closed, ric)
		case models.IsCode(err, models.CodeInvalidArgument):
			log.Debug().Str("ric", ric).Msg("Unsubscribe for RIC without open handle")
		default:
			log.Warn().Err(err).Str("ric", ric).Msg("Release failed, handle kept")
		}
	}

	return models.UnsubscribeResult{
		Unsubscribed:           closed,
		RemainingSubscriptions: c.cache.SubscribedCount(),
	}, nil
}

// Subscribed lists the RICs with at least one open handle.
func (c *Core) Subscribed(ctx context.Context) (models.SubscribedResult, error) {
	rics := c.cache.Subscribed()
	return models.SubscribedResult{RICs: rics, Count: len(rics)}, nil
}

func (c *Core) releaseAll(rics []string) {
	for _, ric := range rics {
		if err := c.cache.CloseHandle(ric); err != nil {
			log.Warn().Err(err).Str("ric", ric).Msg("Rollback release failed")
		}
	}
}

func checkRICs(op string, rics []string) error {
	if len(rics) == 0 {
		return models.E(models.CodeInvalidArgument, op, "", errors.New("no RICs in request"))
	}
	for _, ric := range rics {
		if ric == "" {
			return models.E(models.CodeInvalidArgument, op, "", errors.New("empty RIC in request"))
		}
	}
	return nil
}

func dedupe(rics []string) []string {
	seen := make(map[string]struct{}, len(rics))
	out := make([]string, 0, len(rics))
	for _, ric := range rics {
		if _, dup := seen[ric]; dup {
			continue
		}
		seen[ric] = struct{}{}
		out = append(out, ric)
	}
	return out
}
