package quality

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sawpanic/reservoir/internal/config"
	"github.com/sawpanic/reservoir/internal/models"
)

// Dimension classifies what aspect of a quote an issue concerns.
type Dimension string

const (
	DimCompleteness Dimension = "COMPLETENESS"
	DimValidity     Dimension = "VALIDITY"
	DimConsistency  Dimension = "CONSISTENCY"
	DimTimeliness   Dimension = "TIMELINESS"
	DimAccuracy     Dimension = "ACCURACY"
	DimSystem       Dimension = "SYSTEM"
)

// Level is the severity of an issue. ERROR marks a quote invalid,
// WARNING leaves it valid but suspect.
type Level string

const (
	LevelError   Level = "ERROR"
	LevelWarning Level = "WARNING"
)

// Issue is a single finding from one validation pass.
type Issue struct {
	Level     Level     `json:"level"`
	Dimension Dimension `json:"dimension"`
	Message   string    `json:"message"`
}

// ValidationResult is the outcome of validating one quote. A result with
// no ERROR issues is valid; warnings alone never invalidate a quote.
type ValidationResult struct {
	RIC            string        `json:"ric"`
	Issues         []Issue       `json:"issues,omitempty"`
	ValidationTime time.Duration `json:"validation_time_ns"`
	Timestamp      time.Time     `json:"timestamp"`
}

// ErrorCount returns the number of ERROR-level issues.
func (r *ValidationResult) ErrorCount() int {
	n := 0
	for _, is := range r.Issues {
		if is.Level == LevelError {
			n++
		}
	}
	return n
}

// WarningCount returns the number of WARNING-level issues.
func (r *ValidationResult) WarningCount() int {
	n := 0
	for _, is := range r.Issues {
		if is.Level == LevelWarning {
			n++
		}
	}
	return n
}

// IsValid reports whether the quote passed with no ERROR-level issues.
func (r *ValidationResult) IsValid() bool { return r.ErrorCount() == 0 }

// HasIssues reports whether any issue of any level was found.
func (r *ValidationResult) HasIssues() bool { return len(r.Issues) > 0 }

func (r *ValidationResult) add(level Level, dim Dimension, format string, args ...interface{}) {
	r.Issues = append(r.Issues, Issue{
		Level:     level,
		Dimension: dim,
		Message:   fmt.Sprintf(format, args...),
	})
}

// Validator runs the per-quote check battery. It is stateless and safe
// for concurrent use.
type Validator struct {
	cfg config.QualityConfig
}

// NewValidator creates a validator with the given thresholds.
func NewValidator(cfg config.QualityConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate runs every check against the quote and returns all findings.
// It never rejects input: a quote full of problems still produces a
// result, with the problems listed as issues.
func (v *Validator) Validate(ric string, q models.Quote) *ValidationResult {
	start := time.Now()
	res := &ValidationResult{RIC: ric, Timestamp: start}

	v.checkCompleteness(q, res)
	v.checkValidity(q, res)
	v.checkConsistency(q, res)
	v.checkTimeliness(start, q, res)
	v.checkAccuracy(q, res)

	res.ValidationTime = time.Since(start)
	return res
}

func (v *Validator) checkCompleteness(q models.Quote, res *ValidationResult) {
	if q.Bid == nil {
		res.add(LevelError, DimCompleteness, "bid is missing")
	}
	if q.Ask == nil {
		res.add(LevelError, DimCompleteness, "ask is missing")
	}
	if q.Last == nil {
		res.add(LevelError, DimCompleteness, "last is missing")
	}
	if q.Timestamp.IsZero() {
		res.add(LevelError, DimCompleteness, "timestamp is missing")
	}
}

func (v *Validator) checkValidity(q models.Quote, res *ValidationResult) {
	for _, p := range []struct {
		name  string
		value *float64
	}{
		{"bid", q.Bid},
		{"ask", q.Ask},
		{"last", q.Last},
	} {
		if p.value == nil {
			continue
		}
		switch {
		case *p.value <= 0:
			res.add(LevelError, DimValidity, "%s is not positive: %v", p.name, *p.value)
		case *p.value < v.cfg.MinPrice || *p.value > v.cfg.MaxPrice:
			res.add(LevelWarning, DimValidity, "%s %v outside configured range [%v, %v]",
				p.name, *p.value, v.cfg.MinPrice, v.cfg.MaxPrice)
		}
	}
	if q.Volume != nil && *q.Volume < 0 {
		res.add(LevelError, DimValidity, "volume is negative: %d", *q.Volume)
	}
}

func (v *Validator) checkConsistency(q models.Quote, res *ValidationResult) {
	if q.Bid != nil && q.Ask != nil && *q.Bid > *q.Ask {
		res.add(LevelError, DimConsistency, "bid/ask inverted: bid %v > ask %v", *q.Bid, *q.Ask)
	}
	if q.Last != nil {
		if q.Bid != nil && *q.Last < *q.Bid {
			res.add(LevelWarning, DimConsistency, "last %v below bid %v", *q.Last, *q.Bid)
		}
		if q.Ask != nil && *q.Last > *q.Ask {
			res.add(LevelWarning, DimConsistency, "last %v above ask %v", *q.Last, *q.Ask)
		}
	}
	if spread, ok := q.SpreadPct(); ok && spread > v.cfg.MaxSpreadPct {
		res.add(LevelWarning, DimConsistency, "spread %.4f%% exceeds %.2f%%", spread, v.cfg.MaxSpreadPct)
	}
}

func (v *Validator) checkTimeliness(now time.Time, q models.Quote, res *ValidationResult) {
	if q.Timestamp.IsZero() {
		return
	}
	if age := now.Sub(q.Timestamp); age > v.cfg.MaxAge() {
		res.add(LevelWarning, DimTimeliness, "quote is %s old", age.Truncate(time.Millisecond))
	}
	if q.Timestamp.After(now) {
		res.add(LevelWarning, DimTimeliness, "timestamp %s is in the future", q.Timestamp.Format(time.RFC3339Nano))
	}
}

func (v *Validator) checkAccuracy(q models.Quote, res *ValidationResult) {
	for _, p := range []struct {
		name  string
		value *float64
	}{
		{"bid", q.Bid},
		{"ask", q.Ask},
		{"last", q.Last},
	} {
		if p.value == nil {
			continue
		}
		if exceedsPrecision(*p.value, v.cfg.MaxDecimalPlaces) {
			res.add(LevelWarning, DimAccuracy, "%s %v has more than %d decimal places",
				p.name, *p.value, v.cfg.MaxDecimalPlaces)
		}
	}
}

// exceedsPrecision checks the shortest decimal form of value, so float
// representation artifacts do not raise false positives.
func exceedsPrecision(value float64, places int) bool {
	s := strconv.FormatFloat(value, 'f', -1, 64)
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return false
	}
	return len(s)-dot-1 > places
}
