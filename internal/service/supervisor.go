package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/reservoir/internal/cache"
	"github.com/sawpanic/reservoir/internal/config"
	"github.com/sawpanic/reservoir/internal/fanout"
	"github.com/sawpanic/reservoir/internal/feed"
	"github.com/sawpanic/reservoir/internal/gate"
	"github.com/sawpanic/reservoir/internal/ingest"
	"github.com/sawpanic/reservoir/internal/metrics"
	"github.com/sawpanic/reservoir/internal/models"
	"github.com/sawpanic/reservoir/internal/quality"
)

var _ MarketData = (*gate.Gate)(nil)

// Supervisor owns every long-lived component and runs the ordered
// start/stop sequence. Components are plain values wired here, so tests
// can build a fresh supervisor per case.
type Supervisor struct {
	cfg config.Config

	cache   *cache.QuoteCache
	queue   *ingest.Queue
	adapter *feed.Adapter
	fan     *fanout.Fanout
	monitor *quality.Monitor
	core    *Core
	gated   *gate.Gate

	registry  *metrics.Registry
	collector *metrics.Collector

	reaperCancel context.CancelFunc
	fatal        chan struct{}
	fatalOnce    sync.Once
	stopping     atomic.Bool
}

// NewSupervisor wires the full component graph around the given
// upstream session. registry may be nil, in which case validation
// outcomes are not exported and no collector runs.
func NewSupervisor(cfg config.Config, upstream feed.UpstreamFeed, registry *metrics.Registry) *Supervisor {
	fan := fanout.New(cfg.Fanout)

	var sink quality.MetricsSink = quality.NopSink{}
	if registry != nil {
		sink = registry
	}
	monitor := quality.NewMonitor(cfg.Quality, sink)

	// The apply closure reaches the cache through this variable; the
	// cache itself registers through the adapter, which needs the queue
	// and the closure first. Nothing runs either path before Start.
	var qc *cache.QuoteCache
	apply := func(t ingest.Task) {
		qc.PutLatest(t.RIC, t.Quote)
	}
	queue := ingest.New(cfg.Ingest, apply)

	adapter := feed.New(cfg.Upstream, feed.Deps{
		Feed:  upstream,
		Queue: queue,
		Apply: apply,
		Observe: func(ric string, q models.Quote) {
			monitor.OnUpdate(ric, q)
		},
		Publish: fan.Publish,
	})
	qc = cache.New(adapter)

	core := NewCore(qc, queue)

	s := &Supervisor{
		cfg:      cfg,
		cache:    qc,
		queue:    queue,
		adapter:  adapter,
		fan:      fan,
		monitor:  monitor,
		core:     core,
		gated:    gate.New(cfg.Resilience, core),
		registry: registry,
		fatal:    make(chan struct{}),
	}
	if registry != nil {
		s.collector = metrics.NewCollector(registry, metrics.Sources{
			Subscriptions:    qc.SubscribedCount,
			QueueUtilization: queue.Utilization,
			Connected:        func() bool { return adapter.State() == feed.StateRunning },
		})
	}
	return s
}

// Start brings the components up: workers first, then the upstream
// session and dispatcher, then the background reaper and collector. A
// failed feed connect unwinds the queue and returns the cause.
func (s *Supervisor) Start(ctx context.Context) error {
	s.queue.Start()
	if err := s.adapter.Start(ctx); err != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Shutdown.DrainTimeout())
		defer cancel()
		s.queue.Stop(drainCtx)
		return err
	}

	reaperCtx, cancel := context.WithCancel(context.Background())
	s.reaperCancel = cancel
	s.monitor.Start(reaperCtx)
	if s.collector != nil {
		go s.collector.StartCollection(reaperCtx)
	}
	go s.watchFeed()

	log.Info().Msg("Supervisor started")
	return nil
}

// watchFeed turns an unexpected dispatcher exit into a fatal signal.
func (s *Supervisor) watchFeed() {
	<-s.adapter.Done()
	if s.stopping.Load() {
		return
	}
	log.Error().Str("state", s.adapter.State().String()).
		Msg("Feed dispatcher exited outside shutdown")
	s.fatalOnce.Do(func() { close(s.fatal) })
}

// Fatal is closed when the service has lost its upstream session
// terminally and cannot serve. Callers should begin shutdown.
func (s *Supervisor) Fatal() <-chan struct{} {
	return s.fatal
}

// Stop runs the ordered shutdown: dispatcher halt, queue drain, fan-out
// close, feed disconnect, reaper cancel. Every step runs even when an
// earlier one fails; exceeding the total budget is reported but does
// not abort the sequence.
func (s *Supervisor) Stop(ctx context.Context) error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}
	budget := s.cfg.Shutdown.TotalBudget()
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	start := time.Now()

	if err := s.adapter.StopDispatch(ctx); err != nil {
		log.Warn().Err(err).Msg("Dispatcher did not stop in time")
	}

	drainCtx, dcancel := context.WithTimeout(ctx, s.cfg.Shutdown.DrainTimeout())
	s.queue.Stop(drainCtx)
	dcancel()

	s.fan.Shutdown()

	if err := s.adapter.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("Feed disconnect failed")
	}

	if s.reaperCancel != nil {
		s.reaperCancel()
	}

	elapsed := time.Since(start)
	if elapsed > budget {
		log.Error().Dur("elapsed", elapsed).Dur("budget", budget).
			Msg("Shutdown exceeded budget")
		return fmt.Errorf("shutdown took %s, budget %s", elapsed.Round(time.Millisecond), budget)
	}
	log.Info().Dur("elapsed", elapsed).Msg("Supervisor stopped")
	return nil
}

// API returns the gated service surface for transports.
func (s *Supervisor) API() MarketData {
	return s.gated
}

// Streams returns the fan-out for transports that open push streams.
func (s *Supervisor) Streams() *fanout.Fanout {
	return s.fan
}

// Quality returns the monitor for score and issue queries.
func (s *Supervisor) Quality() *quality.Monitor {
	return s.monitor
}

// Stats is a point-in-time snapshot across every component.
type Stats struct {
	Cache   cache.Stats   `json:"cache"`
	Queue   ingest.Stats  `json:"queue"`
	Feed    feed.Stats    `json:"feed"`
	Fanout  fanout.Stats  `json:"fanout"`
	Gate    gate.Stats    `json:"gate"`
	Quality quality.Stats `json:"quality"`
}

// Stats aggregates the component snapshots.
func (s *Supervisor) Stats() Stats {
	return Stats{
		Cache:   s.cache.Stats(),
		Queue:   s.queue.Stats(),
		Feed:    s.adapter.Stats(),
		Fanout:  s.fan.Stats(),
		Gate:    s.gated.Stats(),
		Quality: s.monitor.Stats(),
	}
}
