package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/reservoir/internal/config"
	"github.com/sawpanic/reservoir/internal/models"
)

// Task is one bounded-lifetime apply work item. Tasks older than the
// staleness bound when pulled are dropped; all others apply unconditionally.
type Task struct {
	RIC        string
	Quote      models.Quote
	EnqueuedAt time.Time
}

// ApplyFunc applies one task to the cache.
type ApplyFunc func(Task)

// Queue is the bounded FIFO between the feed dispatcher and the cache.
// Offer never blocks; a refused offer tells the caller to apply inline.
type Queue struct {
	tasks       chan Task
	apply       ApplyFunc
	workerCount int
	staleness   time.Duration
	pollTimeout time.Duration

	processed         atomic.Uint64
	droppedByAge      atomic.Uint64
	rejected          atomic.Uint64
	droppedAtShutdown atomic.Uint64

	stop      chan struct{}
	abort     chan struct{}
	stopOnce  sync.Once
	abortOnce sync.Once
	done      sync.WaitGroup
}

// Stats is a point-in-time snapshot of queue activity.
type Stats struct {
	Depth             int     `json:"depth"`
	Capacity          int     `json:"capacity"`
	Utilization       float64 `json:"utilization"`
	Workers           int     `json:"workers"`
	Processed         uint64  `json:"processed"`
	DroppedByAge      uint64  `json:"dropped_by_age"`
	Rejected          uint64  `json:"rejected"`
	DroppedAtShutdown uint64  `json:"dropped_at_shutdown"`
}

// New builds a queue; Start must be called before tasks are consumed.
func New(cfg config.IngestConfig, apply ApplyFunc) *Queue {
	return &Queue{
		tasks:       make(chan Task, cfg.QueueCapacity),
		apply:       apply,
		workerCount: cfg.WorkerCount,
		staleness:   cfg.TaskStaleness(),
		pollTimeout: cfg.PollTimeout(),
		stop:        make(chan struct{}),
		abort:       make(chan struct{}),
	}
}

// Start spawns the worker pool.
func (q *Queue) Start() {
	q.done.Add(q.workerCount)
	for i := 0; i < q.workerCount; i++ {
		go q.worker()
	}
	log.Info().Int("workers", q.workerCount).Int("capacity", cap(q.tasks)).Msg("ingest workers started")
}

// Offer enqueues a task without blocking. It returns false when the
// queue is full; the caller then applies the task inline.
func (q *Queue) Offer(t Task) bool {
	select {
	case q.tasks <- t:
		return true
	default:
		q.rejected.Add(1)
		return false
	}
}

// Stop signals the workers, lets them drain the queue until ctx expires,
// and counts whatever remains as dropped.
func (q *Queue) Stop(ctx context.Context) {
	q.stopOnce.Do(func() { close(q.stop) })

	done := make(chan struct{})
	go func() {
		q.done.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		q.abortOnce.Do(func() { close(q.abort) })
		<-done
	}

	remaining := 0
	for {
		select {
		case <-q.tasks:
			remaining++
		default:
			q.droppedAtShutdown.Add(uint64(remaining))
			if remaining > 0 {
				log.Warn().Int("dropped", remaining).Msg("ingest queue not fully drained at shutdown")
			} else {
				log.Info().Uint64("processed", q.processed.Load()).Msg("ingest queue drained")
			}
			return
		}
	}
}

// Utilization returns queue depth over capacity in [0, 1].
func (q *Queue) Utilization() float64 {
	return float64(len(q.tasks)) / float64(cap(q.tasks))
}

// Stats returns a snapshot of queue activity.
func (q *Queue) Stats() Stats {
	return Stats{
		Depth:             len(q.tasks),
		Capacity:          cap(q.tasks),
		Utilization:       q.Utilization(),
		Workers:           q.workerCount,
		Processed:         q.processed.Load(),
		DroppedByAge:      q.droppedByAge.Load(),
		Rejected:          q.rejected.Load(),
		DroppedAtShutdown: q.droppedAtShutdown.Load(),
	}
}

func (q *Queue) worker() {
	defer q.done.Done()
	for {
		select {
		case t := <-q.tasks:
			q.consume(t)
		case <-q.stop:
			q.drainRemaining()
			return
		case <-time.After(q.pollTimeout):
		}
	}
}

// drainRemaining consumes what is already queued, bailing out when the
// shutdown budget is withdrawn.
func (q *Queue) drainRemaining() {
	for {
		select {
		case <-q.abort:
			return
		default:
		}
		select {
		case t := <-q.tasks:
			q.consume(t)
		default:
			return
		}
	}
}

func (q *Queue) consume(t Task) {
	if q.staleness > 0 && time.Since(t.EnqueuedAt) > q.staleness {
		q.droppedByAge.Add(1)
		return
	}
	q.apply(t)
	q.processed.Add(1)
}
