package cache

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/reservoir/internal/models"
)

var (
	errEmptyRIC = errors.New("empty ric")
	errNotOpen  = errors.New("no open handle")
)

// Registrar is the upstream capability the cache drives when the first
// reference for a RIC arrives or the last one is released. The adapter
// implements it; registration is idempotent per RIC on the adapter side.
type Registrar interface {
	RegisterFor(ric string) error
	Release(ric string) error
}

// handleEntry serializes open/close per RIC. refs is atomic so snapshot
// readers can inspect it without taking the entry lock.
type handleEntry struct {
	mu      sync.Mutex
	refs    atomic.Int32
	deleted bool
}

// QuoteCache owns the latest-quote map and the handle refcount table.
// Quote reads and writes never wait on upstream RPCs; open/close for the
// same RIC serialize on a per-RIC entry.
type QuoteCache struct {
	quoteMu sync.RWMutex
	quotes  map[string]models.Quote

	handleMu sync.Mutex
	handles  map[string]*handleEntry

	registrar Registrar
}

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	Subscribed   int `json:"subscribed"`
	CachedQuotes int `json:"cached_quotes"`
}

// New builds an empty cache wired to the given registrar.
func New(registrar Registrar) *QuoteCache {
	return &QuoteCache{
		quotes:    make(map[string]models.Quote),
		handles:   make(map[string]*handleEntry),
		registrar: registrar,
	}
}

// PutLatest replaces the latest quote for a RIC. Last-writer-wins; it
// never fails and never blocks on upstream state.
func (c *QuoteCache) PutLatest(ric string, q models.Quote) {
	c.quoteMu.Lock()
	c.quotes[ric] = q
	c.quoteMu.Unlock()
}

// GetLatest returns the present entries for the requested RICs. Missing
// RICs are omitted, never mapped to a placeholder.
func (c *QuoteCache) GetLatest(rics []string) map[string]models.Quote {
	out := make(map[string]models.Quote, len(rics))
	c.quoteMu.RLock()
	for _, ric := range rics {
		if q, ok := c.quotes[ric]; ok {
			out[ric] = q
		}
	}
	c.quoteMu.RUnlock()
	return out
}

// OpenHandle ensures an upstream handle exists for the RIC. The first
// reference triggers upstream registration; later calls only increment
// the refcount.
func (c *QuoteCache) OpenHandle(ric string) error {
	if ric == "" {
		return models.E(models.CodeInvalidArgument, "openHandle", "", errEmptyRIC)
	}
	for {
		e := c.entry(ric)
		e.mu.Lock()
		if e.deleted {
			e.mu.Unlock()
			// Raced with a concurrent final release; fetch a fresh entry.
			continue
		}
		if e.refs.Load() == 0 {
			if err := c.registrar.RegisterFor(ric); err != nil {
				e.deleted = true
				e.mu.Unlock()
				c.removeEntry(ric, e)
				return err
			}
			log.Debug().Str("ric", ric).Msg("upstream handle opened")
		}
		e.refs.Add(1)
		e.mu.Unlock()
		return nil
	}
}

// CloseHandle decrements the refcount for the RIC. On the last reference
// the cached quote is evicted and the upstream handle released; a failed
// release restores the refcount to its pre-call value.
func (c *QuoteCache) CloseHandle(ric string) error {
	if ric == "" {
		return models.E(models.CodeInvalidArgument, "closeHandle", "", errEmptyRIC)
	}
	c.handleMu.Lock()
	e, ok := c.handles[ric]
	c.handleMu.Unlock()
	if !ok {
		return models.E(models.CodeInvalidArgument, "closeHandle", ric, errNotOpen)
	}

	e.mu.Lock()
	if e.deleted || e.refs.Load() == 0 {
		e.mu.Unlock()
		return models.E(models.CodeInvalidArgument, "closeHandle", ric, errNotOpen)
	}
	if e.refs.Load() > 1 {
		e.refs.Add(-1)
		e.mu.Unlock()
		return nil
	}

	// Last reference: evict before the upstream release so a reader can
	// never observe a quote for a RIC whose close has returned.
	c.quoteMu.Lock()
	delete(c.quotes, ric)
	c.quoteMu.Unlock()

	if err := c.registrar.Release(ric); err != nil {
		e.mu.Unlock()
		return err
	}
	e.refs.Store(0)
	e.deleted = true
	e.mu.Unlock()
	c.removeEntry(ric, e)
	log.Debug().Str("ric", ric).Msg("upstream handle released")
	return nil
}

// Subscribed returns a sorted snapshot of RICs with a positive refcount.
func (c *QuoteCache) Subscribed() []string {
	c.handleMu.Lock()
	rics := make([]string, 0, len(c.handles))
	for ric, e := range c.handles {
		if e.refs.Load() > 0 {
			rics = append(rics, ric)
		}
	}
	c.handleMu.Unlock()
	sort.Strings(rics)
	return rics
}

// SubscribedCount returns the number of RICs with a positive refcount.
func (c *QuoteCache) SubscribedCount() int {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	n := 0
	for _, e := range c.handles {
		if e.refs.Load() > 0 {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of cache occupancy.
func (c *QuoteCache) Stats() Stats {
	c.quoteMu.RLock()
	quotes := len(c.quotes)
	c.quoteMu.RUnlock()
	return Stats{
		Subscribed:   c.SubscribedCount(),
		CachedQuotes: quotes,
	}
}

func (c *QuoteCache) entry(ric string) *handleEntry {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	e, ok := c.handles[ric]
	if !ok {
		e = &handleEntry{}
		c.handles[ric] = e
	}
	return e
}

func (c *QuoteCache) removeEntry(ric string, e *handleEntry) {
	c.handleMu.Lock()
	if cur, ok := c.handles[ric]; ok && cur == e {
		delete(c.handles, ric)
	}
	c.handleMu.Unlock()
}
