package quality

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/reservoir/internal/models"
)

type recordingSink struct {
	mu          sync.Mutex
	validations []*ValidationResult
	spreads     map[string]float64
	scores      []float64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{spreads: make(map[string]float64)}
}

func (s *recordingSink) RecordValidation(res *ValidationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validations = append(s.validations, res)
}

func (s *recordingSink) SetSpread(ric string, spreadPct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spreads[ric] = spreadPct
}

func (s *recordingSink) SetQualityScore(score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = append(s.scores, score)
}

func (s *recordingSink) validationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.validations)
}

func invalidQuote(ric string) models.Quote {
	return models.Quote{RIC: ric}
}

func TestMonitorCleanUpdate(t *testing.T) {
	sink := newRecordingSink()
	m := NewMonitor(testQualityConfig(), sink)

	res := m.OnUpdate("AAPL.O", goodQuote())

	require.NotNil(t, res)
	assert.True(t, res.IsValid())
	assert.Equal(t, 1, sink.validationCount())
	assert.Contains(t, sink.spreads, "AAPL.O")

	rep := m.Score("")
	assert.Equal(t, 100.0, rep.Score)
	assert.True(t, rep.Healthy)
	assert.Equal(t, uint64(1), rep.Evaluated)
}

func TestMonitorIssuesStillObserved(t *testing.T) {
	sink := newRecordingSink()
	m := NewMonitor(testQualityConfig(), sink)

	res := m.OnUpdate("BAD.O", invalidQuote("BAD.O"))

	require.NotNil(t, res)
	assert.False(t, res.IsValid())
	assert.Equal(t, 1, sink.validationCount())
	assert.Len(t, m.Issues("BAD.O", time.Hour), 1)
	assert.Len(t, m.Issues("", time.Hour), 1)
}

func TestMonitorWindowedScore(t *testing.T) {
	cfg := testQualityConfig()
	cfg.ScoreWindowSize = 4
	m := NewMonitor(cfg, nil)

	m.OnUpdate("AAPL.O", goodQuote())
	m.OnUpdate("AAPL.O", goodQuote())
	m.OnUpdate("BAD.O", invalidQuote("BAD.O"))
	m.OnUpdate("BAD.O", invalidQuote("BAD.O"))

	assert.Equal(t, 50.0, m.Score("").Score)
	assert.False(t, m.Healthy())

	// two more failures push the valid pair out of the window
	m.OnUpdate("BAD.O", invalidQuote("BAD.O"))
	m.OnUpdate("BAD.O", invalidQuote("BAD.O"))

	assert.Equal(t, 0.0, m.Score("").Score)
	assert.Equal(t, uint64(6), m.Score("").Evaluated)
}

func TestMonitorPerRICScore(t *testing.T) {
	m := NewMonitor(testQualityConfig(), nil)

	m.OnUpdate("AAPL.O", goodQuote())
	m.OnUpdate("AAPL.O", goodQuote())
	m.OnUpdate("BAD.O", invalidQuote("BAD.O"))
	m.OnUpdate("BAD.O", invalidQuote("BAD.O"))

	assert.Equal(t, 100.0, m.Score("AAPL.O").Score)
	assert.Equal(t, 0.0, m.Score("BAD.O").Score)
	assert.Equal(t, uint64(2), m.Score("BAD.O").Evaluated)

	unseen := m.Score("GOOG.O")
	assert.Equal(t, 100.0, unseen.Score)
	assert.Zero(t, unseen.Evaluated)
	assert.True(t, unseen.Healthy)
}

func TestMonitorEmptyWindowScores100(t *testing.T) {
	m := NewMonitor(testQualityConfig(), nil)

	rep := m.Score("")
	assert.Equal(t, 100.0, rep.Score)
	assert.True(t, rep.Healthy)
	assert.Zero(t, rep.Evaluated)
	assert.True(t, m.Healthy())
}

func TestMonitorDisabled(t *testing.T) {
	cfg := testQualityConfig()
	cfg.Enabled = false
	sink := newRecordingSink()
	m := NewMonitor(cfg, sink)

	res := m.OnUpdate("AAPL.O", invalidQuote("AAPL.O"))

	assert.Nil(t, res)
	assert.Zero(t, sink.validationCount())
	assert.Zero(t, m.Stats().Evaluated)
}

func TestMonitorAlertThrottling(t *testing.T) {
	sink := &captureSink{}
	m := NewMonitor(testQualityConfig(), nil)
	m.SetAlertSink(sink)

	m.OnUpdate("BAD.O", invalidQuote("BAD.O"))
	m.OnUpdate("BAD.O", invalidQuote("BAD.O"))
	m.OnUpdate("BAD.O", invalidQuote("BAD.O"))

	assert.Len(t, sink.emitted(), 1)
	assert.Equal(t, 2, m.alerts.SuppressedCount("BAD.O"))
	// every occurrence is tracked even while alerts are throttled
	assert.Len(t, m.Issues("BAD.O", time.Hour), 3)
}

func TestMonitorAlertingDisabled(t *testing.T) {
	cfg := testQualityConfig()
	cfg.AlertingEnabled = false
	sink := &captureSink{}
	m := NewMonitor(cfg, nil)
	m.SetAlertSink(sink)

	m.OnUpdate("BAD.O", invalidQuote("BAD.O"))

	assert.Empty(t, sink.emitted())
	assert.Len(t, m.Issues("BAD.O", time.Hour), 1)
}

func TestMonitorRecoversValidatorPanic(t *testing.T) {
	m := NewMonitor(testQualityConfig(), nil)
	m.validator = nil // forces a panic inside the validation call

	res := m.OnUpdate("AAPL.O", goodQuote())

	require.NotNil(t, res)
	assert.False(t, res.IsValid())
	require.Len(t, res.Issues, 1)
	assert.Equal(t, DimSystem, res.Issues[0].Dimension)
	assert.Equal(t, LevelError, res.Issues[0].Level)
}

func TestMonitorStats(t *testing.T) {
	m := NewMonitor(testQualityConfig(), nil)

	m.OnUpdate("AAPL.O", goodQuote())
	m.OnUpdate("BAD.O", invalidQuote("BAD.O"))

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.Evaluated)
	assert.Equal(t, 50.0, stats.Score)
	assert.Equal(t, 1, stats.TrackedRICs)
	assert.Equal(t, 1, stats.GlobalIssues)
}

func TestMonitorBreakdownAndOffenders(t *testing.T) {
	m := NewMonitor(testQualityConfig(), nil)

	m.OnUpdate("BAD.O", invalidQuote("BAD.O"))
	m.OnUpdate("WORSE.O", invalidQuote("WORSE.O"))
	m.OnUpdate("WORSE.O", invalidQuote("WORSE.O"))

	breakdown := m.Breakdown()
	assert.Equal(t, 12, breakdown[DimCompleteness])

	top := m.TopOffenders(1)
	require.Len(t, top, 1)
	assert.Equal(t, "WORSE.O", top[0].RIC)
	assert.Equal(t, 8, top[0].Issues)

	m.Clear("")
	assert.Empty(t, m.TopOffenders(10))
}
