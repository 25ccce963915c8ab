package quality

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/reservoir/internal/config"
	"github.com/sawpanic/reservoir/internal/models"
)

// MetricsSink receives validation outcomes and derived gauges. The
// prometheus implementation lives in internal/metrics; NopSink keeps
// the monitor usable without a registry.
type MetricsSink interface {
	RecordValidation(res *ValidationResult)
	SetSpread(ric string, spreadPct float64)
	SetQualityScore(score float64)
}

// NopSink discards every observation.
type NopSink struct{}

func (NopSink) RecordValidation(*ValidationResult) {}
func (NopSink) SetSpread(string, float64)          {}
func (NopSink) SetQualityScore(float64)            {}

// scoreWindow is a fixed-size ring of validation outcomes backing the
// windowed quality score. An empty window scores 100.
type scoreWindow struct {
	outcomes []bool
	head     int
	count    int
	valid    int
}

func newScoreWindow(size int) *scoreWindow {
	return &scoreWindow{outcomes: make([]bool, size)}
}

func (w *scoreWindow) push(valid bool) {
	if w.count == len(w.outcomes) {
		if w.outcomes[w.head] {
			w.valid--
		}
	} else {
		w.count++
	}
	w.outcomes[w.head] = valid
	if valid {
		w.valid++
	}
	w.head = (w.head + 1) % len(w.outcomes)
}

func (w *scoreWindow) score() float64 {
	if w.count == 0 {
		return 100.0
	}
	return 100.0 * float64(w.valid) / float64(w.count)
}

type ricCounts struct {
	valid   int
	invalid int
}

// Monitor ties the validator, score window, issue tracker, metrics sink
// and alert service together. OnUpdate runs synchronously on every
// accepted update and only observes: it never blocks, rejects, or
// mutates the update taking the ingest path.
type Monitor struct {
	cfg       config.QualityConfig
	validator *Validator
	tracker   *IssueTracker
	alerts    *AlertService
	sink      MetricsSink

	mu        sync.Mutex
	window    *scoreWindow
	perRIC    map[string]*ricCounts
	evaluated uint64
}

// NewMonitor wires the quality pipeline. A nil sink gets NopSink.
func NewMonitor(cfg config.QualityConfig, sink MetricsSink) *Monitor {
	if sink == nil {
		sink = NopSink{}
	}
	return &Monitor{
		cfg:       cfg,
		validator: NewValidator(cfg),
		tracker:   NewIssueTracker(cfg),
		alerts:    NewAlertService(cfg, nil),
		sink:      sink,
		window:    newScoreWindow(cfg.ScoreWindowSize),
		perRIC:    make(map[string]*ricCounts),
	}
}

// SetAlertSink replaces the alert destination. Call before the first
// update is observed.
func (m *Monitor) SetAlertSink(sink AlertSink) {
	if sink != nil {
		m.alerts.sink = sink
	}
}

// OnUpdate validates one accepted update and feeds the outcome to the
// score window, metrics sink, tracker, and alerter. Returns nil when
// quality checking is disabled.
func (m *Monitor) OnUpdate(ric string, q models.Quote) *ValidationResult {
	if !m.cfg.Enabled {
		return nil
	}
	res := m.safeValidate(ric, q)

	m.mu.Lock()
	m.window.push(res.IsValid())
	rc := m.perRIC[ric]
	if rc == nil {
		rc = &ricCounts{}
		m.perRIC[ric] = rc
	}
	if res.IsValid() {
		rc.valid++
	} else {
		rc.invalid++
	}
	m.evaluated++
	score := m.window.score()
	m.mu.Unlock()

	m.sink.RecordValidation(res)
	if spread, ok := q.SpreadPct(); ok {
		m.sink.SetSpread(ric, spread)
	}
	m.sink.SetQualityScore(score)

	if res.HasIssues() {
		m.tracker.Record(res)
		if m.cfg.AlertingEnabled {
			m.alerts.Process(res)
		}
	}
	return res
}

// safeValidate converts a validator panic into a SYSTEM-dimension error
// so a poisoned quote cannot take the ingest path down.
func (m *Monitor) safeValidate(ric string, q models.Quote) (res *ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("ric", ric).Interface("panic", r).Msg("Validator panic recovered")
			res = &ValidationResult{RIC: ric, Timestamp: time.Now()}
			res.add(LevelError, DimSystem, "validator panic: %v", r)
		}
	}()
	return m.validator.Validate(ric, q)
}

// ScoreReport is the health verdict for the global window or one RIC.
type ScoreReport struct {
	RIC       string  `json:"ric,omitempty"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Healthy   bool    `json:"healthy"`
	Evaluated uint64  `json:"evaluated"`
}

// Score reports the windowed global score, or the lifetime valid ratio
// for one RIC when ric is non-empty. A RIC never evaluated scores 100.
func (m *Monitor) Score(ric string) ScoreReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	rep := ScoreReport{RIC: ric, Threshold: m.cfg.MinQualityScore}
	if ric == "" {
		rep.Score = m.window.score()
		rep.Evaluated = m.evaluated
	} else if rc := m.perRIC[ric]; rc != nil && rc.valid+rc.invalid > 0 {
		rep.Score = 100.0 * float64(rc.valid) / float64(rc.valid+rc.invalid)
		rep.Evaluated = uint64(rc.valid + rc.invalid)
	} else {
		rep.Score = 100.0
	}
	rep.Healthy = rep.Score >= rep.Threshold
	return rep
}

// Healthy reports whether the global score meets the configured floor.
func (m *Monitor) Healthy() bool {
	return m.Score("").Healthy
}

// Issues returns tracked records no older than age for one RIC, or from
// the global buffer when ric is empty.
func (m *Monitor) Issues(ric string, age time.Duration) []IssueRecord {
	return m.tracker.IssuesSince(ric, age)
}

// TopOffenders ranks RICs by issue count over the last hour.
func (m *Monitor) TopOffenders(limit int) []OffenderCount {
	return m.tracker.TopOffenders(limit)
}

// Breakdown counts issues per dimension over the last hour.
func (m *Monitor) Breakdown() map[Dimension]int {
	return m.tracker.Breakdown()
}

// Clear drops tracked history for one RIC, or all history when empty.
func (m *Monitor) Clear(ric string) {
	m.tracker.Clear(ric)
}

// Start runs the reaper until ctx is cancelled. Every five minutes it
// trims tracker buffers to the 24 h retention and prunes idle throttle
// state.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tracker.reap(time.Now().Add(-recordRetention))
				m.alerts.Prune(recordRetention)
			}
		}
	}()
}

// Stats is a point-in-time snapshot of the monitor counters.
type Stats struct {
	Evaluated    uint64  `json:"evaluated"`
	Score        float64 `json:"score"`
	TrackedRICs  int     `json:"tracked_rics"`
	GlobalIssues int     `json:"global_issues"`
}

// Stats snapshots the evaluation count, windowed score, and tracker
// occupancy.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	evaluated := m.evaluated
	score := m.window.score()
	m.mu.Unlock()

	rics, global := m.tracker.Counts()
	return Stats{
		Evaluated:    evaluated,
		Score:        score,
		TrackedRICs:  rics,
		GlobalIssues: global,
	}
}
