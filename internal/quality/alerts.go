package quality

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/reservoir/internal/config"
)

// Alert is a quality notification for one RIC that passed the throttle.
// Suppressed carries how many alerts for the same RIC were swallowed
// since the previous emission.
type Alert struct {
	RIC        string    `json:"ric"`
	Issues     []Issue   `json:"issues"`
	Suppressed int       `json:"suppressed"`
	At         time.Time `json:"at"`
}

// AlertSink receives emitted alerts.
type AlertSink interface {
	Emit(alert Alert)
}

// LogSink writes alerts to the structured log, one line per issue.
type LogSink struct{}

func (LogSink) Emit(alert Alert) {
	for _, is := range alert.Issues {
		log.Warn().
			Str("ric", alert.RIC).
			Str("level", string(is.Level)).
			Str("dimension", string(is.Dimension)).
			Str("issue", is.Message).
			Msg("Quality alert")
	}
	if alert.Suppressed > 0 {
		log.Warn().
			Str("ric", alert.RIC).
			Int("suppressed", alert.Suppressed).
			Msg("Quality alerts suppressed since last emission")
	}
}

// AlertService throttles emission to at most one alert per RIC per
// throttle window. Alerts landing inside the window are counted and
// summarized on the next emission instead of being logged.
type AlertService struct {
	sink     AlertSink
	throttle time.Duration

	mu         sync.Mutex
	lastAlert  map[string]time.Time
	suppressed map[string]int
}

// NewAlertService creates a throttled alerter. A nil sink logs alerts.
func NewAlertService(cfg config.QualityConfig, sink AlertSink) *AlertService {
	if sink == nil {
		sink = LogSink{}
	}
	return &AlertService{
		sink:       sink,
		throttle:   cfg.AlertThrottle(),
		lastAlert:  make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
}

// Process emits an alert for an error-bearing result unless one was
// already emitted for the same RIC inside the throttle window. Returns
// true when an alert reached the sink.
func (s *AlertService) Process(res *ValidationResult) bool {
	if res == nil || res.ErrorCount() == 0 {
		return false
	}
	now := time.Now()

	s.mu.Lock()
	if last, ok := s.lastAlert[res.RIC]; ok && now.Sub(last) < s.throttle {
		s.suppressed[res.RIC]++
		s.mu.Unlock()
		return false
	}
	suppressed := s.suppressed[res.RIC]
	delete(s.suppressed, res.RIC)
	s.lastAlert[res.RIC] = now
	s.mu.Unlock()

	s.sink.Emit(Alert{RIC: res.RIC, Issues: res.Issues, Suppressed: suppressed, At: now})
	return true
}

// SuppressedCount returns alerts swallowed for ric since the last emission.
func (s *AlertService) SuppressedCount(ric string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressed[ric]
}

// Prune forgets throttle state for RICs whose last alert is older than
// maxAge, so the maps do not grow with the all-time RIC population.
func (s *AlertService) Prune(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	for ric, last := range s.lastAlert {
		if last.Before(cutoff) {
			delete(s.lastAlert, ric)
			delete(s.suppressed, ric)
		}
	}
}
