// Package fanout delivers price updates to stream subscribers over bounded
// per-subscriber queues. Publishing never blocks: a full queue loses its
// oldest update, and a consumer that stays saturated past the configured
// timeout is evicted.
package fanout

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/reservoir/internal/config"
	"github.com/sawpanic/reservoir/internal/models"
)

// State is a subscriber's delivery state.
type State int

const (
	StateActive State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// subscriber is one open stream. requested is immutable after Open; mu
// guards state, counters, and every send into out, so close never races
// a send.
type subscriber struct {
	id        uuid.UUID
	requested map[string]struct{}
	out       chan models.PriceUpdate

	mu             sync.Mutex
	state          State
	dropped        uint64
	delivered      uint64
	saturatedSince time.Time
}

func (s *subscriber) wants(ric string) bool {
	_, ok := s.requested[ric]
	return ok
}

// Fanout is the subscriber table. Publish is safe for concurrent use with
// Open and Close, though updates arrive in order only per publisher.
type Fanout struct {
	cfg config.FanoutConfig

	mu   sync.RWMutex
	subs map[uuid.UUID]*subscriber
	shut bool

	published atomic.Uint64
	evicted   atomic.Uint64
}

// New builds an empty fanout table.
func New(cfg config.FanoutConfig) *Fanout {
	return &Fanout{
		cfg:  cfg,
		subs: make(map[uuid.UUID]*subscriber),
	}
}

// Open registers a subscriber for the given RICs and returns its id and
// outbound channel. The channel is closed on Close, on slow-consumer
// eviction, and on Shutdown; after Shutdown it is returned already closed.
func (f *Fanout) Open(rics []string) (uuid.UUID, <-chan models.PriceUpdate) {
	sub := &subscriber{
		id:        uuid.New(),
		requested: make(map[string]struct{}, len(rics)),
		out:       make(chan models.PriceUpdate, f.cfg.SubscriberQueueCapacity),
		state:     StateActive,
	}
	for _, ric := range rics {
		sub.requested[ric] = struct{}{}
	}

	f.mu.Lock()
	if f.shut {
		f.mu.Unlock()
		close(sub.out)
		return sub.id, sub.out
	}
	f.subs[sub.id] = sub
	f.mu.Unlock()

	log.Debug().
		Str("subscriber", sub.id.String()).
		Int("rics", len(rics)).
		Msg("Stream subscriber opened")
	return sub.id, sub.out
}

// Close terminates a subscriber and closes its channel. Unknown ids are a
// no-op, so transports may call it unconditionally on teardown.
func (f *Fanout) Close(id uuid.UUID) {
	f.mu.Lock()
	sub, ok := f.subs[id]
	if ok {
		delete(f.subs, id)
	}
	f.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	// the channel is open only while ACTIVE; an evicted subscriber already
	// closed it
	if sub.state == StateActive {
		sub.state = StateClosed
		close(sub.out)
	}
	sub.mu.Unlock()
}

// Publish offers the update to every active subscriber that requested its
// RIC. It never blocks: on a full queue the oldest update is dropped, and a
// subscriber saturated past SlowConsumerTimeout is transitioned to CLOSING
// and its channel closed.
func (f *Fanout) Publish(u models.PriceUpdate) {
	f.published.Add(1)
	now := time.Now()
	timeout := f.cfg.SlowConsumerTimeout()

	f.mu.RLock()
	var evicted []uuid.UUID
	for id, sub := range f.subs {
		if !sub.wants(u.RIC) {
			continue
		}
		if f.offer(sub, u, now, timeout) {
			evicted = append(evicted, id)
		}
	}
	f.mu.RUnlock()

	if len(evicted) == 0 {
		return
	}
	f.mu.Lock()
	for _, id := range evicted {
		delete(f.subs, id)
	}
	f.mu.Unlock()
}

// offer enqueues into one subscriber and reports whether it was evicted.
func (f *Fanout) offer(sub *subscriber, u models.PriceUpdate, now time.Time, timeout time.Duration) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.state != StateActive {
		return false
	}

	select {
	case sub.out <- u:
		sub.delivered++
		sub.saturatedSince = time.Time{}
		return false
	default:
	}

	// still saturated; evict once that has lasted past the timeout
	if !sub.saturatedSince.IsZero() && now.Sub(sub.saturatedSince) >= timeout {
		sub.state = StateClosing
		close(sub.out)
		f.evicted.Add(1)
		log.Warn().
			Str("subscriber", sub.id.String()).
			Uint64("dropped", sub.dropped).
			Dur("saturated_for", now.Sub(sub.saturatedSince)).
			Msg("Slow consumer evicted")
		return true
	}

	// shed the oldest update and take its slot
	select {
	case <-sub.out:
	default:
	}
	sub.dropped++
	if sub.saturatedSince.IsZero() {
		sub.saturatedSince = now
	}
	select {
	case sub.out <- u:
		sub.delivered++
	default:
		// the reader raced the steal and the queue refilled; the new
		// update is the one lost
	}
	return false
}

// Shutdown closes every subscriber channel and rejects later Opens.
func (f *Fanout) Shutdown() {
	f.mu.Lock()
	subs := make([]*subscriber, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.subs = make(map[uuid.UUID]*subscriber)
	f.shut = true
	f.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.state == StateActive {
			sub.state = StateClosed
			close(sub.out)
		}
		sub.mu.Unlock()
	}
	log.Info().Int("subscribers", len(subs)).Msg("Stream fanout shut down")
}

// Stats is a point-in-time view of the fanout table.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Evicted     uint64 `json:"evicted"`
	Dropped     uint64 `json:"dropped"`
}

func (f *Fanout) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var dropped uint64
	for _, sub := range f.subs {
		sub.mu.Lock()
		dropped += sub.dropped
		sub.mu.Unlock()
	}
	return Stats{
		Subscribers: len(f.subs),
		Published:   f.published.Load(),
		Evicted:     f.evicted.Load(),
		Dropped:     dropped,
	}
}

// SubscriberStats is a point-in-time view of one subscriber.
type SubscriberStats struct {
	ID        uuid.UUID `json:"id"`
	RICs      []string  `json:"rics"`
	State     string    `json:"state"`
	Dropped   uint64    `json:"dropped"`
	Delivered uint64    `json:"delivered"`
	QueueLen  int       `json:"queue_len"`
}

// SubscriberStats reports one subscriber, false when the id is not open.
func (f *Fanout) SubscriberStats(id uuid.UUID) (SubscriberStats, bool) {
	f.mu.RLock()
	sub, ok := f.subs[id]
	f.mu.RUnlock()
	if !ok {
		return SubscriberStats{}, false
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	rics := make([]string, 0, len(sub.requested))
	for ric := range sub.requested {
		rics = append(rics, ric)
	}
	return SubscriberStats{
		ID:        sub.id,
		RICs:      rics,
		State:     sub.state.String(),
		Dropped:   sub.dropped,
		Delivered: sub.delivered,
		QueueLen:  len(sub.out),
	}, true
}
