package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.Ingest.QueueCapacity)
	assert.Equal(t, 5, cfg.Ingest.WorkerCount)
	assert.Equal(t, 256, cfg.Fanout.SubscriberQueueCapacity)
	assert.Equal(t, 200, cfg.Resilience.Rate.PermitsPerSec)
	assert.Equal(t, 20, cfg.Resilience.Circuit.WindowSize)
	assert.Equal(t, 3, cfg.Resilience.Retry.MaxAttempts)
	assert.True(t, cfg.Quality.Enabled)
	assert.True(t, cfg.Quality.AlertingEnabled)
	assert.Equal(t, 0.01, cfg.Quality.MinPrice)
	assert.Equal(t, float64(1000000), cfg.Quality.MaxPrice)
	assert.Equal(t, 95.0, cfg.Quality.MinQualityScore)
	assert.Equal(t, 10000, cfg.Quality.ScoreWindowSize)
	assert.Equal(t, 30, cfg.Shutdown.TotalBudgetSec)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reservoir.yaml")
	content := `
ingest:
  queue_capacity: 50
  worker_count: 2
quality:
  alerting_enabled: false
  max_spread_pct: 25.0
server:
  port: 9999
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Ingest.QueueCapacity)
	assert.Equal(t, 2, cfg.Ingest.WorkerCount)
	// Untouched keys keep defaults.
	assert.Equal(t, 5000, cfg.Ingest.TaskStalenessMS)
	assert.False(t, cfg.Quality.AlertingEnabled)
	assert.True(t, cfg.Quality.Enabled)
	assert.Equal(t, 25.0, cfg.Quality.MaxSpreadPct)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9999", cfg.Server.Addr())
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "zero workers",
			yaml:    "ingest:\n  worker_count: -1\n",
			wantErr: "worker_count",
		},
		{
			name:    "spread percentage negative",
			yaml:    "quality:\n  max_spread_pct: -3\n",
			wantErr: "max_spread_pct",
		},
		{
			name:    "failure rate above 100",
			yaml:    "resilience:\n  circuit:\n    failure_rate_pct: 140\n",
			wantErr: "failure_rate_pct",
		},
		{
			name:    "max price below min",
			yaml:    "quality:\n  min_price: 10\n  max_price: 5\n",
			wantErr: "max_price",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0644))
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "5s", cfg.Ingest.TaskStaleness().String())
	assert.Equal(t, "500ms", cfg.Ingest.PollTimeout().String())
	assert.Equal(t, "5s", cfg.Fanout.SlowConsumerTimeout().String())
	assert.Equal(t, "500ms", cfg.Resilience.Rate.AcquireTimeout().String())
	assert.Equal(t, "30s", cfg.Resilience.Circuit.Cooldown().String())
	assert.Equal(t, "100ms", cfg.Resilience.Retry.BaseBackoff().String())
	assert.Equal(t, "1m0s", cfg.Quality.MaxAge().String())
	assert.Equal(t, "1m0s", cfg.Quality.AlertThrottle().String())
	assert.Equal(t, "5s", cfg.Shutdown.DrainTimeout().String())
	assert.Equal(t, "30s", cfg.Shutdown.TotalBudget().String())
}

func TestQualityProfilesApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	content := `
active_profile: default
profiles:
  default:
    name: Default
    description: Production thresholds
  strict:
    name: Strict
    description: Tight spread and age bounds
    max_spread_pct: 2.5
    max_age_sec: 10
    min_quality_score: 99.0
  relaxed:
    name: Relaxed
    description: Wide tolerances for replay feeds
    max_spread_pct: 50.0
    max_age_sec: 3600
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	profiles, err := LoadQualityProfiles(path)
	require.NoError(t, err)

	q := Default().Quality
	require.NoError(t, profiles.Apply("strict", &q))
	assert.Equal(t, 2.5, q.MaxSpreadPct)
	assert.Equal(t, 10, q.MaxAgeSec)
	assert.Equal(t, 99.0, q.MinQualityScore)
	// Fields the profile does not set keep their base values.
	assert.Equal(t, 0.01, q.MinPrice)
	assert.Equal(t, 6, q.MaxDecimalPlaces)

	// Empty name falls back to the active profile, which overrides nothing.
	q = Default().Quality
	require.NoError(t, profiles.Apply("", &q))
	assert.Equal(t, 10.0, q.MaxSpreadPct)

	_, err = profiles.Profile("missing")
	assert.Error(t, err)
}
