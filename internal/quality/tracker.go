package quality

import (
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/reservoir/internal/config"
)

const (
	reaperInterval  = 5 * time.Minute
	recordRetention = 24 * time.Hour
	offenderWindow  = time.Hour
)

// IssueRecord is one issue-bearing validation outcome as stored by the
// tracker.
type IssueRecord struct {
	RIC        string    `json:"ric"`
	Issues     []Issue   `json:"issues"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ring is a fixed-capacity buffer of issue records. Once full, each
// append overwrites the oldest entry.
type ring struct {
	buf   []IssueRecord
	head  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]IssueRecord, capacity)}
}

func (r *ring) add(rec IssueRecord) {
	r.buf[r.head] = rec
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// since returns buffered records recorded at or after cutoff, oldest first.
func (r *ring) since(cutoff time.Time) []IssueRecord {
	out := make([]IssueRecord, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		rec := r.buf[(start+i)%len(r.buf)]
		if !rec.RecordedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// trimOlder drops records recorded before cutoff.
func (r *ring) trimOlder(cutoff time.Time) {
	kept := r.since(cutoff)
	for i := range r.buf {
		r.buf[i] = IssueRecord{}
	}
	r.head, r.count = 0, 0
	for _, rec := range kept {
		r.add(rec)
	}
}

// IssueTracker keeps bounded issue history per RIC and globally. All
// methods are safe for concurrent use.
type IssueTracker struct {
	mu        sync.RWMutex
	byRIC     map[string]*ring
	global    *ring
	perRIC    int
	globalCap int
}

// NewIssueTracker creates a tracker with the configured ring capacities.
func NewIssueTracker(cfg config.QualityConfig) *IssueTracker {
	return &IssueTracker{
		byRIC:     make(map[string]*ring),
		global:    newRing(cfg.IssuesGlobal),
		perRIC:    cfg.IssuesPerRIC,
		globalCap: cfg.IssuesGlobal,
	}
}

// Record appends an issue-bearing result to the RIC's buffer and the
// global buffer. Results without issues are ignored.
func (t *IssueTracker) Record(res *ValidationResult) {
	if res == nil || !res.HasIssues() {
		return
	}
	rec := IssueRecord{RIC: res.RIC, Issues: res.Issues, RecordedAt: res.Timestamp}

	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.byRIC[res.RIC]
	if r == nil {
		r = newRing(t.perRIC)
		t.byRIC[res.RIC] = r
	}
	r.add(rec)
	t.global.add(rec)
}

// IssuesSince returns records no older than age for one RIC, or from the
// global buffer when ric is empty. Non-positive or oversized ages fall
// back to the full retention window.
func (t *IssueTracker) IssuesSince(ric string, age time.Duration) []IssueRecord {
	if age <= 0 || age > recordRetention {
		age = recordRetention
	}
	cutoff := time.Now().Add(-age)

	t.mu.RLock()
	defer t.mu.RUnlock()
	if ric == "" {
		return t.global.since(cutoff)
	}
	r := t.byRIC[ric]
	if r == nil {
		return nil
	}
	return r.since(cutoff)
}

// OffenderCount pairs a RIC with its issue count for ranking.
type OffenderCount struct {
	RIC    string `json:"ric"`
	Issues int    `json:"issues"`
}

// TopOffenders ranks RICs by individual issue count over the last hour,
// highest first, ties broken by RIC. A non-positive limit returns all.
func (t *IssueTracker) TopOffenders(limit int) []OffenderCount {
	cutoff := time.Now().Add(-offenderWindow)

	t.mu.RLock()
	out := make([]OffenderCount, 0, len(t.byRIC))
	for ric, r := range t.byRIC {
		n := 0
		for _, rec := range r.since(cutoff) {
			n += len(rec.Issues)
		}
		if n > 0 {
			out = append(out, OffenderCount{RIC: ric, Issues: n})
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Issues != out[j].Issues {
			return out[i].Issues > out[j].Issues
		}
		return out[i].RIC < out[j].RIC
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Breakdown counts individual issues per dimension over the last hour.
func (t *IssueTracker) Breakdown() map[Dimension]int {
	cutoff := time.Now().Add(-offenderWindow)

	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[Dimension]int)
	for _, rec := range t.global.since(cutoff) {
		for _, is := range rec.Issues {
			out[is.Dimension]++
		}
	}
	return out
}

// Clear drops history for one RIC, or all history when ric is empty.
// Per-RIC clears leave the global buffer untouched.
func (t *IssueTracker) Clear(ric string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ric == "" {
		t.byRIC = make(map[string]*ring)
		t.global = newRing(t.globalCap)
		return
	}
	delete(t.byRIC, ric)
}

// Counts returns the number of tracked RICs and buffered global records.
func (t *IssueTracker) Counts() (rics, global int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byRIC), t.global.count
}

// reap trims every buffer to cutoff and forgets RICs left empty.
func (t *IssueTracker) reap(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.global.trimOlder(cutoff)
	for ric, r := range t.byRIC {
		r.trimOlder(cutoff)
		if r.count == 0 {
			delete(t.byRIC, ric)
		}
	}
}
