package quality

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/reservoir/internal/config"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *captureSink) Emit(alert Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
}

func (c *captureSink) emitted() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.alerts...)
}

func alertConfig(throttleSec int) config.QualityConfig {
	cfg := config.Default().Quality
	cfg.AlertThrottleSec = throttleSec
	return cfg
}

func errorResult(ric string) *ValidationResult {
	return issueResult(ric, time.Now(), errIssue(DimValidity, "bid is not positive: -1"))
}

func TestAlertEmitThenThrottle(t *testing.T) {
	sink := &captureSink{}
	svc := NewAlertService(alertConfig(60), sink)

	assert.True(t, svc.Process(errorResult("AAPL.O")))
	assert.False(t, svc.Process(errorResult("AAPL.O")))
	assert.False(t, svc.Process(errorResult("AAPL.O")))

	require.Len(t, sink.emitted(), 1)
	assert.Equal(t, 2, svc.SuppressedCount("AAPL.O"))
}

func TestAlertDistinctRICsIndependent(t *testing.T) {
	sink := &captureSink{}
	svc := NewAlertService(alertConfig(60), sink)

	assert.True(t, svc.Process(errorResult("AAPL.O")))
	assert.True(t, svc.Process(errorResult("MSFT.O")))

	assert.Len(t, sink.emitted(), 2)
}

func TestAlertWarningOnlyIgnored(t *testing.T) {
	sink := &captureSink{}
	svc := NewAlertService(alertConfig(60), sink)

	res := issueResult("AAPL.O", time.Now(), warnIssue(DimTimeliness, "quote is 2m old"))
	assert.False(t, svc.Process(res))
	assert.False(t, svc.Process(nil))

	assert.Empty(t, sink.emitted())
	assert.Zero(t, svc.SuppressedCount("AAPL.O"))
}

func TestAlertSuppressedSummaryCarried(t *testing.T) {
	sink := &captureSink{}
	svc := NewAlertService(alertConfig(60), sink)

	require.True(t, svc.Process(errorResult("AAPL.O")))
	assert.False(t, svc.Process(errorResult("AAPL.O")))
	assert.False(t, svc.Process(errorResult("AAPL.O")))

	// age the last emission past the throttle window
	svc.mu.Lock()
	svc.lastAlert["AAPL.O"] = time.Now().Add(-2 * time.Minute)
	svc.mu.Unlock()

	require.True(t, svc.Process(errorResult("AAPL.O")))

	emitted := sink.emitted()
	require.Len(t, emitted, 2)
	assert.Zero(t, emitted[0].Suppressed)
	assert.Equal(t, 2, emitted[1].Suppressed)
	assert.Zero(t, svc.SuppressedCount("AAPL.O"))
}

func TestAlertPruneForgetsIdleRICs(t *testing.T) {
	sink := &captureSink{}
	svc := NewAlertService(alertConfig(60), sink)

	require.True(t, svc.Process(errorResult("AAPL.O")))
	assert.False(t, svc.Process(errorResult("AAPL.O")))

	svc.mu.Lock()
	svc.lastAlert["AAPL.O"] = time.Now().Add(-25 * time.Hour)
	svc.mu.Unlock()

	svc.Prune(24 * time.Hour)

	svc.mu.Lock()
	_, tracked := svc.lastAlert["AAPL.O"]
	svc.mu.Unlock()
	assert.False(t, tracked)
	assert.Zero(t, svc.SuppressedCount("AAPL.O"))

	// next error alerts immediately and carries no stale suppression count
	require.True(t, svc.Process(errorResult("AAPL.O")))
	emitted := sink.emitted()
	assert.Zero(t, emitted[len(emitted)-1].Suppressed)
}
