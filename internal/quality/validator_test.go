package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/reservoir/internal/config"
	"github.com/sawpanic/reservoir/internal/models"
)

func testQualityConfig() config.QualityConfig {
	return config.Default().Quality
}

func goodQuote() models.Quote {
	return models.Quote{
		RIC:       "AAPL.O",
		Bid:       models.Float64(189.98),
		Ask:       models.Float64(190.02),
		Last:      models.Float64(190.00),
		Volume:    models.Int64(1200),
		Timestamp: time.Now(),
	}
}

func issuesIn(res *ValidationResult, dim Dimension) []Issue {
	var out []Issue
	for _, is := range res.Issues {
		if is.Dimension == dim {
			out = append(out, is)
		}
	}
	return out
}

func TestValidateCleanQuote(t *testing.T) {
	v := NewValidator(testQualityConfig())

	res := v.Validate("AAPL.O", goodQuote())

	require.NotNil(t, res)
	assert.Equal(t, "AAPL.O", res.RIC)
	assert.True(t, res.IsValid())
	assert.Empty(t, res.Issues)
}

func TestValidateMissingFields(t *testing.T) {
	v := NewValidator(testQualityConfig())

	res := v.Validate("EMPTY.O", models.Quote{RIC: "EMPTY.O"})

	assert.False(t, res.IsValid())
	assert.Equal(t, 4, res.ErrorCount())
	assert.Len(t, issuesIn(res, DimCompleteness), 4)
}

func TestValidateNonPositivePrices(t *testing.T) {
	v := NewValidator(testQualityConfig())
	q := goodQuote()
	q.Bid = models.Float64(0)
	q.Ask = models.Float64(-1.5)

	res := v.Validate(q.RIC, q)

	assert.False(t, res.IsValid())
	validity := issuesIn(res, DimValidity)
	require.Len(t, validity, 2)
	for _, is := range validity {
		assert.Equal(t, LevelError, is.Level)
	}
}

func TestValidateRangeBoundaries(t *testing.T) {
	cfg := testQualityConfig()
	v := NewValidator(cfg)

	tests := []struct {
		name     string
		value    float64
		warnings int
	}{
		{"below min", 0.001, 3},
		{"above max", 2000000, 3},
		{"at min", cfg.MinPrice, 0},
		{"at max", cfg.MaxPrice, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := goodQuote()
			q.Bid = models.Float64(tc.value)
			q.Ask = models.Float64(tc.value)
			q.Last = models.Float64(tc.value)

			res := v.Validate(q.RIC, q)

			assert.True(t, res.IsValid())
			assert.Len(t, issuesIn(res, DimValidity), tc.warnings)
		})
	}
}

func TestValidateNegativeVolume(t *testing.T) {
	v := NewValidator(testQualityConfig())
	q := goodQuote()
	q.Volume = models.Int64(-5)

	res := v.Validate(q.RIC, q)

	assert.False(t, res.IsValid())
	require.Len(t, issuesIn(res, DimValidity), 1)
	assert.Equal(t, LevelError, issuesIn(res, DimValidity)[0].Level)
}

func TestValidateInvertedBidAsk(t *testing.T) {
	v := NewValidator(testQualityConfig())
	q := goodQuote()
	q.Bid = models.Float64(190.05)
	q.Ask = models.Float64(190.00)
	q.Last = models.Float64(190.02)

	res := v.Validate(q.RIC, q)

	assert.False(t, res.IsValid())
	assert.Equal(t, 1, res.ErrorCount())
	// last sits outside the inverted spread on both sides
	assert.Equal(t, 2, res.WarningCount())
}

func TestValidateLastOutsideSpread(t *testing.T) {
	v := NewValidator(testQualityConfig())

	tests := []struct {
		name string
		last float64
	}{
		{"last below bid", 99.50},
		{"last above ask", 101.50},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := goodQuote()
			q.Bid = models.Float64(100.00)
			q.Ask = models.Float64(101.00)
			q.Last = models.Float64(tc.last)

			res := v.Validate(q.RIC, q)

			assert.True(t, res.IsValid())
			consistency := issuesIn(res, DimConsistency)
			require.Len(t, consistency, 1)
			assert.Equal(t, LevelWarning, consistency[0].Level)
		})
	}
}

func TestValidateWideSpread(t *testing.T) {
	v := NewValidator(testQualityConfig())
	q := goodQuote()
	q.Bid = models.Float64(100.00)
	q.Ask = models.Float64(120.00)
	q.Last = models.Float64(110.00)

	res := v.Validate(q.RIC, q)

	assert.True(t, res.IsValid())
	consistency := issuesIn(res, DimConsistency)
	require.Len(t, consistency, 1)
	assert.Contains(t, consistency[0].Message, "spread")
}

func TestValidateTightSpreadClean(t *testing.T) {
	v := NewValidator(testQualityConfig())
	q := goodQuote()
	q.Bid = models.Float64(100.00)
	q.Ask = models.Float64(100.00)
	q.Last = models.Float64(100.00)

	res := v.Validate(q.RIC, q)

	assert.True(t, res.IsValid())
	assert.Empty(t, res.Issues)
}

func TestValidateTimeliness(t *testing.T) {
	v := NewValidator(testQualityConfig())

	tests := []struct {
		name string
		ts   time.Time
	}{
		{"stale quote", time.Now().Add(-2 * time.Minute)},
		{"future quote", time.Now().Add(2 * time.Minute)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := goodQuote()
			q.Timestamp = tc.ts

			res := v.Validate(q.RIC, q)

			assert.True(t, res.IsValid())
			timeliness := issuesIn(res, DimTimeliness)
			require.Len(t, timeliness, 1)
			assert.Equal(t, LevelWarning, timeliness[0].Level)
		})
	}
}

func TestValidatePrecision(t *testing.T) {
	v := NewValidator(testQualityConfig())

	tests := []struct {
		name     string
		last     float64
		warnings int
	}{
		{"six places fits", 100.123456, 0},
		{"seven places warns", 100.1234567, 1},
		{"short decimal stays clean", 100.05, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := goodQuote()
			q.Bid = models.Float64(100.00)
			q.Ask = models.Float64(101.00)
			q.Last = models.Float64(tc.last)

			res := v.Validate(q.RIC, q)

			assert.True(t, res.IsValid())
			assert.Len(t, issuesIn(res, DimAccuracy), tc.warnings)
		})
	}
}

func TestExceedsPrecision(t *testing.T) {
	tests := []struct {
		value  float64
		places int
		want   bool
	}{
		{100, 6, false},
		{0.05, 6, false},
		{0.123456, 6, false},
		{0.1234567, 6, true},
		{1.5, 0, true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, exceedsPrecision(tc.value, tc.places),
			"value=%v places=%d", tc.value, tc.places)
	}
}

func TestValidateGarbageStillReturnsResult(t *testing.T) {
	v := NewValidator(testQualityConfig())
	q := models.Quote{RIC: "BAD.O", Volume: models.Int64(-1)}

	res := v.Validate("BAD.O", q)

	require.NotNil(t, res)
	assert.False(t, res.IsValid())
	assert.GreaterOrEqual(t, res.ErrorCount(), 5)
	assert.True(t, res.HasIssues())
}
