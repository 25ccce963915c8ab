package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/reservoir/internal/config"
	"github.com/sawpanic/reservoir/internal/ingest"
	"github.com/sawpanic/reservoir/internal/models"
)

// State is the adapter lifecycle phase.
type State int32

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// dispatchTimeout bounds each Dispatch call so the dispatcher observes
// stop signals promptly.
const dispatchTimeout = 500 * time.Millisecond

// Deps wires the adapter to its collaborators. Observe and Publish may
// be nil; Apply must match the function the queue runs so inline
// application on a full queue has identical effect.
type Deps struct {
	Feed    UpstreamFeed
	Queue   *ingest.Queue
	Apply   ingest.ApplyFunc
	Observe func(ric string, q models.Quote)
	Publish func(update models.PriceUpdate)
}

// Adapter drives the upstream feed: it owns the dispatcher goroutine,
// parses field-list payloads into quotes, and routes each accepted
// update through the observer, the fan-out publisher, and the ingest
// queue, in that order.
type Adapter struct {
	upstream config.UpstreamConfig
	feed     UpstreamFeed
	queue    *ingest.Queue
	apply    ingest.ApplyFunc
	observe  func(ric string, q models.Quote)
	publish  func(update models.PriceUpdate)

	state        atomic.Int32
	stopDispatch chan struct{}
	dispatchDone chan struct{}

	received       atomic.Uint64
	malformed      atomic.Uint64
	inlineApplied  atomic.Uint64
	dispatchErrors atomic.Uint64

	mu      sync.Mutex
	handles map[string]Handle
}

// New creates an adapter in the NEW state.
func New(upstream config.UpstreamConfig, deps Deps) *Adapter {
	return &Adapter{
		upstream:     upstream,
		feed:         deps.Feed,
		queue:        deps.Queue,
		apply:        deps.Apply,
		observe:      deps.Observe,
		publish:      deps.Publish,
		stopDispatch: make(chan struct{}),
		dispatchDone: make(chan struct{}),
		handles:      make(map[string]Handle),
	}
}

// State returns the current lifecycle phase.
func (a *Adapter) State() State {
	return State(a.state.Load())
}

// Done is closed when the dispatcher has exited, whether by StopDispatch
// or by terminal session loss.
func (a *Adapter) Done() <-chan struct{} {
	return a.dispatchDone
}

// Start connects the upstream session and spawns the dispatcher. A
// failed connect leaves the adapter STOPPED and propagates the cause.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return models.E(models.CodeInvalidArgument, "feed.start", "",
			fmt.Errorf("adapter already started (state %s)", a.State()))
	}
	if err := a.feed.Connect(ctx, a.upstream); err != nil {
		a.state.Store(int32(StateStopped))
		close(a.dispatchDone)
		return models.E(models.CodeFeedUnavailable, "feed.start", "", err)
	}
	a.state.Store(int32(StateRunning))
	go a.dispatchLoop()
	log.Info().Str("host", a.upstream.Host).Int("port", a.upstream.Port).
		Str("service", a.upstream.Service).Msg("Feed adapter running")
	return nil
}

func (a *Adapter) dispatchLoop() {
	defer close(a.dispatchDone)
	for {
		select {
		case <-a.stopDispatch:
			return
		default:
		}
		err := a.feed.Dispatch(dispatchTimeout)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrFeedClosed) {
			if a.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
				log.Error().Msg("Upstream session lost, dispatcher stopping")
			}
			return
		}
		a.dispatchErrors.Add(1)
		log.Warn().Err(err).Msg("Dispatch error")
	}
}

// StopDispatch halts the dispatcher and waits for it to exit. The
// upstream session stays open until Disconnect so queued cache writes
// drain against a live feed.
func (a *Adapter) StopDispatch(ctx context.Context) error {
	switch a.State() {
	case StateNew:
		return nil
	}
	if a.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		close(a.stopDispatch)
	}
	select {
	case <-a.dispatchDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the upstream session and finishes the lifecycle.
func (a *Adapter) Disconnect() error {
	defer a.state.Store(int32(StateStopped))
	if err := a.feed.Disconnect(); err != nil {
		return models.E(models.CodeFeedUnavailable, "feed.disconnect", "", err)
	}
	log.Info().Msg("Feed adapter stopped")
	return nil
}

// RegisterFor opens upstream interest in one RIC. Legal only in
// RUNNING; the cache guarantees at most one live registration per RIC.
func (a *Adapter) RegisterFor(ric string) error {
	if a.State() != StateRunning {
		return models.E(models.CodeNotRunning, "feed.register", ric, nil)
	}
	a.mu.Lock()
	if _, exists := a.handles[ric]; exists {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	h, err := a.feed.RegisterClient(ric, a.onMessage)
	if err != nil {
		return models.E(models.CodeFeedUnavailable, "feed.register", ric, err)
	}
	a.mu.Lock()
	a.handles[ric] = h
	a.mu.Unlock()
	return nil
}

// Release drops the upstream registration for one RIC. A failed
// unregister keeps the handle so the caller can retry.
func (a *Adapter) Release(ric string) error {
	if a.State() != StateRunning {
		return models.E(models.CodeNotRunning, "feed.release", ric, nil)
	}
	a.mu.Lock()
	h, ok := a.handles[ric]
	delete(a.handles, ric)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	if err := a.feed.Unregister(h); err != nil {
		a.mu.Lock()
		a.handles[ric] = h
		a.mu.Unlock()
		return models.E(models.CodeFeedUnavailable, "feed.release", ric, err)
	}
	return nil
}

// onMessage is the upstream callback: parse, observe, publish, enqueue.
// Runs on the dispatcher goroutine.
func (a *Adapter) onMessage(msg Message) {
	if a.State() != StateRunning {
		return
	}
	switch msg.Kind {
	case MessageStatus:
		log.Debug().Str("ric", msg.RIC).Str("status", msg.Status).Msg("Feed status")
		return
	case MessageRefresh, MessageUpdate:
	default:
		a.malformed.Add(1)
		return
	}
	q, ok := parseQuote(msg)
	if !ok {
		a.malformed.Add(1)
		return
	}
	a.received.Add(1)

	if a.observe != nil {
		a.observe(msg.RIC, q)
	}
	if a.publish != nil {
		a.publish(models.PriceUpdate{RIC: msg.RIC, Quote: q})
	}

	task := ingest.Task{RIC: msg.RIC, Quote: q, EnqueuedAt: time.Now()}
	if !a.queue.Offer(task) {
		a.apply(task)
		a.inlineApplied.Add(1)
	}
}

// parseQuote extracts the recognized fields from a field-list payload.
// Unrecognized ids are skipped; a recognized field with an unparseable
// value marks the whole message malformed.
func parseQuote(msg Message) (models.Quote, bool) {
	if msg.Fields == nil {
		return models.Quote{}, false
	}
	q := models.Quote{RIC: msg.RIC, Timestamp: msg.Timestamp}
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now()
	}
	for _, f := range msg.Fields {
		switch f.ID {
		case FieldBid:
			v, err := strconv.ParseFloat(f.Value, 64)
			if err != nil {
				return models.Quote{}, false
			}
			q.Bid = &v
		case FieldAsk:
			v, err := strconv.ParseFloat(f.Value, 64)
			if err != nil {
				return models.Quote{}, false
			}
			q.Ask = &v
		case FieldTradePrice:
			v, err := strconv.ParseFloat(f.Value, 64)
			if err != nil {
				return models.Quote{}, false
			}
			q.Last = &v
		case FieldVolume:
			v, err := strconv.ParseInt(f.Value, 10, 64)
			if err != nil {
				return models.Quote{}, false
			}
			q.Volume = &v
		}
	}
	return q, true
}

// Stats is a snapshot of the adapter counters.
type Stats struct {
	State          string `json:"state"`
	Received       uint64 `json:"received"`
	Malformed      uint64 `json:"malformed"`
	InlineApplied  uint64 `json:"inline_applied"`
	DispatchErrors uint64 `json:"dispatch_errors"`
	OpenHandles    int    `json:"open_handles"`
}

// Stats snapshots the adapter counters.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	open := len(a.handles)
	a.mu.Unlock()
	return Stats{
		State:          a.State().String(),
		Received:       a.received.Load(),
		Malformed:      a.malformed.Load(),
		InlineApplied:  a.inlineApplied.Load(),
		DispatchErrors: a.dispatchErrors.Load(),
		OpenHandles:    open,
	}
}
