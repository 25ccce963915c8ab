package feed

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/reservoir/internal/config"
)

const defaultBasePrice = 100.0

// FieldList builds the canonical four-field payload for one quote.
func FieldList(bid, ask, last float64, volume int64) []Field {
	return []Field{
		{ID: FieldBid, Value: strconv.FormatFloat(bid, 'f', 4, 64)},
		{ID: FieldAsk, Value: strconv.FormatFloat(ask, 'f', 4, 64)},
		{ID: FieldTradePrice, Value: strconv.FormatFloat(last, 'f', 4, 64)},
		{ID: FieldVolume, Value: strconv.FormatInt(volume, 10)},
	}
}

type simClient struct {
	ric string
	cb  Callback
}

// SimFeed is a deterministic in-process UpstreamFeed for demos and
// tests. Dispatch serves scripted messages first; with the generator
// on it synthesizes a random-walk update per registered RIC whenever
// the script runs dry. Failures are injectable per call site.
type SimFeed struct {
	mu         sync.Mutex
	connected  bool
	closed     bool
	nextHandle Handle
	clients    map[Handle]simClient
	perRIC     map[string]int
	pending    []Message
	wake       chan struct{}

	rng        *rand.Rand
	basePrice  map[string]float64
	volume     map[string]int64
	volatility float64

	generate     bool
	genEvery     time.Duration
	lastGen      time.Time
	refreshOnReg bool
	connectErr   error
	registerErr  error
}

// NewSimFeed creates a simulated feed seeded for reproducible walks.
func NewSimFeed(seed int64) *SimFeed {
	return &SimFeed{
		clients: make(map[Handle]simClient),
		perRIC:  make(map[string]int),
		wake:    make(chan struct{}, 1),
		rng:     rand.New(rand.NewSource(seed)),
		basePrice: map[string]float64{
			"AAPL.O": 190.00,
			"IBM.N":  150.27,
			"MSFT.O": 415.00,
			"VOD.L":  72.50,
		},
		volume:       make(map[string]int64),
		volatility:   0.002,
		generate:     true,
		refreshOnReg: true,
	}
}

// SetBasePrice pins the walk's starting mid for one RIC.
func (f *SimFeed) SetBasePrice(ric string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.basePrice[ric] = price
}

// SetVolatility sets the per-update drift bound as a fraction of mid.
func (f *SimFeed) SetVolatility(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volatility = v
}

// SetGenerator toggles synthetic updates when no script is pending.
func (f *SimFeed) SetGenerator(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generate = on
}

// SetGeneratorInterval spaces synthetic batches at least d apart. Zero
// restores one batch per Dispatch call.
func (f *SimFeed) SetGeneratorInterval(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.genEvery = d
}

// SetRefreshOnRegister toggles the initial refresh queued by
// RegisterClient.
func (f *SimFeed) SetRefreshOnRegister(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshOnReg = on
}

// SetConnectError injects a failure for the next Connect calls.
func (f *SimFeed) SetConnectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// SetRegisterError injects a failure for RegisterClient calls.
func (f *SimFeed) SetRegisterError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerErr = err
}

// Script queues messages for delivery on subsequent Dispatch calls.
func (f *SimFeed) Script(msgs ...Message) {
	f.mu.Lock()
	f.pending = append(f.pending, msgs...)
	f.signalLocked()
	f.mu.Unlock()
}

// Close terminates the session; Dispatch reports ErrFeedClosed from
// then on.
func (f *SimFeed) Close() {
	f.mu.Lock()
	f.closed = true
	f.signalLocked()
	f.mu.Unlock()
}

// Registrations returns the live registration count for one RIC.
func (f *SimFeed) Registrations(ric string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perRIC[ric]
}

// Connect opens the simulated session.
func (f *SimFeed) Connect(ctx context.Context, cfg config.UpstreamConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFeedClosed
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Str("service", cfg.Service).
		Msg("Simulated feed session established")
	return nil
}

// RegisterClient opens interest in one RIC and, unless disabled, queues
// an initial refresh for it.
func (f *SimFeed) RegisterClient(ric string, cb Callback) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrFeedClosed
	}
	if !f.connected {
		return 0, fmt.Errorf("register before connect")
	}
	if f.registerErr != nil {
		return 0, f.registerErr
	}
	f.nextHandle++
	h := f.nextHandle
	f.clients[h] = simClient{ric: ric, cb: cb}
	f.perRIC[ric]++
	if f.refreshOnReg {
		f.pending = append(f.pending, f.refreshLocked(ric))
		f.signalLocked()
	}
	return h, nil
}

// Unregister drops one registration.
func (f *SimFeed) Unregister(handle Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[handle]
	if !ok {
		return fmt.Errorf("unknown handle %d", handle)
	}
	delete(f.clients, handle)
	f.perRIC[c.ric]--
	if f.perRIC[c.ric] <= 0 {
		delete(f.perRIC, c.ric)
	}
	return nil
}

// Dispatch delivers pending messages to matching callbacks. With
// nothing to deliver it blocks up to timeout waiting for work.
func (f *SimFeed) Dispatch(timeout time.Duration) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFeedClosed
	}
	if !f.connected {
		f.mu.Unlock()
		return fmt.Errorf("dispatch before connect")
	}
	if len(f.pending) == 0 && f.generate && f.generatorDueLocked() {
		f.synthesizeLocked()
	}
	batch := f.pending
	f.pending = nil

	type delivery struct {
		cb  Callback
		msg Message
	}
	var deliveries []delivery
	for _, msg := range batch {
		for _, c := range f.clients {
			if c.ric == msg.RIC {
				deliveries = append(deliveries, delivery{cb: c.cb, msg: msg})
			}
		}
	}
	f.mu.Unlock()

	if len(deliveries) > 0 {
		for _, d := range deliveries {
			d.cb(d.msg)
		}
		return nil
	}

	select {
	case <-f.wake:
	case <-time.After(timeout):
	}
	return nil
}

// Disconnect closes the session and drops all registrations.
func (f *SimFeed) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.clients = make(map[Handle]simClient)
	f.perRIC = make(map[string]int)
	f.pending = nil
	return nil
}

func (f *SimFeed) signalLocked() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *SimFeed) generatorDueLocked() bool {
	if f.genEvery <= 0 {
		return true
	}
	now := time.Now()
	if now.Sub(f.lastGen) < f.genEvery {
		return false
	}
	f.lastGen = now
	return true
}

// synthesizeLocked queues one walk step per registered RIC, in sorted
// order so runs with the same seed replay identically.
func (f *SimFeed) synthesizeLocked() {
	rics := make([]string, 0, len(f.perRIC))
	for ric := range f.perRIC {
		rics = append(rics, ric)
	}
	sort.Strings(rics)
	for _, ric := range rics {
		f.pending = append(f.pending, f.stepLocked(ric))
	}
}

func (f *SimFeed) stepLocked(ric string) Message {
	base := f.basePrice[ric]
	if base == 0 {
		base = defaultBasePrice
	}
	mid := base + (f.rng.Float64()*2-1)*f.volatility*base
	if mid < 0.01 {
		mid = 0.01
	}
	f.basePrice[ric] = mid
	half := mid * 0.0005
	f.volume[ric] += int64(f.rng.Intn(5000) + 100)
	return Message{
		Kind:      MessageUpdate,
		RIC:       ric,
		Timestamp: time.Now(),
		Fields:    FieldList(mid-half, mid+half, mid, f.volume[ric]),
	}
}

func (f *SimFeed) refreshLocked(ric string) Message {
	base := f.basePrice[ric]
	if base == 0 {
		base = defaultBasePrice
		f.basePrice[ric] = base
	}
	if f.volume[ric] == 0 {
		f.volume[ric] = int64(f.rng.Intn(900000) + 100000)
	}
	half := base * 0.0005
	return Message{
		Kind:      MessageRefresh,
		RIC:       ric,
		Timestamp: time.Now(),
		Fields:    FieldList(base-half, base+half, base, f.volume[ric]),
	}
}
