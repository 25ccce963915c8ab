package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration. Zero values are replaced
// by the defaults in Default before a file is applied on top.
type Config struct {
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Fanout     FanoutConfig     `yaml:"fanout"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Quality    QualityConfig    `yaml:"quality"`
	Shutdown   ShutdownConfig   `yaml:"shutdown"`
	Server     ServerConfig     `yaml:"server"`
}

// UpstreamConfig carries the upstream feed connection parameters.
type UpstreamConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Service string `yaml:"service"`
	User    string `yaml:"user"`
}

// IngestConfig bounds the apply-task queue and its worker pool.
type IngestConfig struct {
	QueueCapacity   int `yaml:"queue_capacity"`    // pending apply-task bound
	WorkerCount     int `yaml:"worker_count"`      // consumer pool size
	TaskStalenessMS int `yaml:"task_staleness_ms"` // drop tasks older than this
	PollTimeoutMS   int `yaml:"poll_timeout_ms"`   // worker block bound
}

// FanoutConfig bounds per-subscriber delivery.
type FanoutConfig struct {
	SubscriberQueueCapacity int `yaml:"subscriber_queue_capacity"` // per-stream outbound bound
	SlowConsumerTimeoutMS   int `yaml:"slow_consumer_timeout_ms"`  // eviction threshold
}

// ResilienceConfig configures the gate around the outward-facing service.
type ResilienceConfig struct {
	Rate    RateConfig    `yaml:"rate"`
	Circuit CircuitConfig `yaml:"circuit"`
	Retry   RetryConfig   `yaml:"retry"`
}

// RateConfig is the token-bucket admission policy.
type RateConfig struct {
	PermitsPerSec    int `yaml:"permits_per_sec"`
	AcquireTimeoutMS int `yaml:"acquire_timeout_ms"`
}

// CircuitConfig is the failure-rate breaker policy.
type CircuitConfig struct {
	WindowSize     int     `yaml:"window_size"`      // calls observed before tripping
	FailureRatePct float64 `yaml:"failure_rate_pct"` // open at or above this rate
	CooldownSec    int     `yaml:"cooldown_sec"`     // open duration before half-open
}

// RetryConfig is the transient-failure retry policy.
type RetryConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BaseBackoffMS int `yaml:"base_backoff_ms"` // doubles per attempt
}

// QualityConfig carries the validation thresholds and quality plumbing knobs.
type QualityConfig struct {
	Enabled          bool    `yaml:"enabled"`
	AlertingEnabled  bool    `yaml:"alerting_enabled"`
	MinPrice         float64 `yaml:"min_price"`
	MaxPrice         float64 `yaml:"max_price"`
	MaxSpreadPct     float64 `yaml:"max_spread_pct"`
	MaxAgeSec        int     `yaml:"max_age_sec"`
	MaxDecimalPlaces int     `yaml:"max_decimal_places"`
	MinQualityScore  float64 `yaml:"min_quality_score"`
	AlertThrottleSec int     `yaml:"alert_throttle_sec"`
	IssuesPerRIC     int     `yaml:"issues_per_ric"`
	IssuesGlobal     int     `yaml:"issues_global"`
	ScoreWindowSize  int     `yaml:"score_window_size"` // validations per score window
}

// ShutdownConfig budgets the graceful stop sequence.
type ShutdownConfig struct {
	DrainTimeoutMS int `yaml:"drain_timeout_ms"`
	TotalBudgetSec int `yaml:"total_budget_sec"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	ReadTimeoutSec    int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec   int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec    int    `yaml:"idle_timeout_sec"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

// Default returns the configuration with every documented default applied.
func Default() Config {
	return Config{
		Upstream: UpstreamConfig{
			Host:    "localhost",
			Port:    14002,
			Service: "MARKET_DATA",
			User:    "reservoir",
		},
		Ingest: IngestConfig{
			QueueCapacity:   1000,
			WorkerCount:     5,
			TaskStalenessMS: 5000,
			PollTimeoutMS:   500,
		},
		Fanout: FanoutConfig{
			SubscriberQueueCapacity: 256,
			SlowConsumerTimeoutMS:   5000,
		},
		Resilience: ResilienceConfig{
			Rate:    RateConfig{PermitsPerSec: 200, AcquireTimeoutMS: 500},
			Circuit: CircuitConfig{WindowSize: 20, FailureRatePct: 50, CooldownSec: 30},
			Retry:   RetryConfig{MaxAttempts: 3, BaseBackoffMS: 100},
		},
		Quality: QualityConfig{
			Enabled:          true,
			AlertingEnabled:  true,
			MinPrice:         0.01,
			MaxPrice:         1000000,
			MaxSpreadPct:     10.0,
			MaxAgeSec:        60,
			MaxDecimalPlaces: 6,
			MinQualityScore:  95.0,
			AlertThrottleSec: 60,
			IssuesPerRIC:     100,
			IssuesGlobal:     10000,
			ScoreWindowSize:  10000,
		},
		Shutdown: ShutdownConfig{
			DrainTimeoutMS: 5000,
			TotalBudgetSec: 30,
		},
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8090,
			ReadTimeoutSec:    30,
			WriteTimeoutSec:   30,
			IdleTimeoutSec:    120,
			RequestTimeoutSec: 15,
		},
	}
}

// Load reads a YAML config file over the defaults and validates the result.
// An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate ensures the configuration is consistent.
func (c *Config) Validate() error {
	if c.Upstream.Host == "" {
		return fmt.Errorf("upstream host cannot be empty")
	}
	if c.Upstream.Port <= 0 || c.Upstream.Port > 65535 {
		return fmt.Errorf("upstream port must be in 1..65535, got %d", c.Upstream.Port)
	}
	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if err := c.Fanout.Validate(); err != nil {
		return fmt.Errorf("fanout: %w", err)
	}
	if err := c.Resilience.Validate(); err != nil {
		return fmt.Errorf("resilience: %w", err)
	}
	if err := c.Quality.Validate(); err != nil {
		return fmt.Errorf("quality: %w", err)
	}
	if c.Shutdown.DrainTimeoutMS <= 0 {
		return fmt.Errorf("shutdown drain_timeout_ms must be positive, got %d", c.Shutdown.DrainTimeoutMS)
	}
	if c.Shutdown.TotalBudgetSec <= 0 {
		return fmt.Errorf("shutdown total_budget_sec must be positive, got %d", c.Shutdown.TotalBudgetSec)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in 1..65535, got %d", c.Server.Port)
	}
	return nil
}

// Validate ensures the ingest bounds are usable.
func (i *IngestConfig) Validate() error {
	if i.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", i.QueueCapacity)
	}
	if i.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be positive, got %d", i.WorkerCount)
	}
	if i.TaskStalenessMS <= 0 {
		return fmt.Errorf("task_staleness_ms must be positive, got %d", i.TaskStalenessMS)
	}
	if i.PollTimeoutMS <= 0 {
		return fmt.Errorf("poll_timeout_ms must be positive, got %d", i.PollTimeoutMS)
	}
	return nil
}

// Validate ensures the fanout bounds are usable.
func (f *FanoutConfig) Validate() error {
	if f.SubscriberQueueCapacity <= 0 {
		return fmt.Errorf("subscriber_queue_capacity must be positive, got %d", f.SubscriberQueueCapacity)
	}
	if f.SlowConsumerTimeoutMS <= 0 {
		return fmt.Errorf("slow_consumer_timeout_ms must be positive, got %d", f.SlowConsumerTimeoutMS)
	}
	return nil
}

// Validate ensures the gate policies are consistent.
func (r *ResilienceConfig) Validate() error {
	if r.Rate.PermitsPerSec <= 0 {
		return fmt.Errorf("rate permits_per_sec must be positive, got %d", r.Rate.PermitsPerSec)
	}
	if r.Rate.AcquireTimeoutMS <= 0 {
		return fmt.Errorf("rate acquire_timeout_ms must be positive, got %d", r.Rate.AcquireTimeoutMS)
	}
	if r.Circuit.WindowSize <= 0 {
		return fmt.Errorf("circuit window_size must be positive, got %d", r.Circuit.WindowSize)
	}
	if r.Circuit.FailureRatePct <= 0 || r.Circuit.FailureRatePct > 100 {
		return fmt.Errorf("circuit failure_rate_pct must be in (0, 100], got %.1f", r.Circuit.FailureRatePct)
	}
	if r.Circuit.CooldownSec <= 0 {
		return fmt.Errorf("circuit cooldown_sec must be positive, got %d", r.Circuit.CooldownSec)
	}
	if r.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be positive, got %d", r.Retry.MaxAttempts)
	}
	if r.Retry.BaseBackoffMS <= 0 {
		return fmt.Errorf("retry base_backoff_ms must be positive, got %d", r.Retry.BaseBackoffMS)
	}
	return nil
}

// Validate ensures the quality thresholds are consistent.
func (q *QualityConfig) Validate() error {
	if q.MinPrice <= 0 {
		return fmt.Errorf("min_price must be positive, got %f", q.MinPrice)
	}
	if q.MaxPrice <= q.MinPrice {
		return fmt.Errorf("max_price (%f) must be > min_price (%f)", q.MaxPrice, q.MinPrice)
	}
	if q.MaxSpreadPct <= 0 {
		return fmt.Errorf("max_spread_pct must be positive, got %f", q.MaxSpreadPct)
	}
	if q.MaxAgeSec <= 0 {
		return fmt.Errorf("max_age_sec must be positive, got %d", q.MaxAgeSec)
	}
	if q.MaxDecimalPlaces < 0 {
		return fmt.Errorf("max_decimal_places cannot be negative, got %d", q.MaxDecimalPlaces)
	}
	if q.MinQualityScore < 0 || q.MinQualityScore > 100 {
		return fmt.Errorf("min_quality_score must be in [0, 100], got %f", q.MinQualityScore)
	}
	if q.AlertThrottleSec <= 0 {
		return fmt.Errorf("alert_throttle_sec must be positive, got %d", q.AlertThrottleSec)
	}
	if q.IssuesPerRIC <= 0 {
		return fmt.Errorf("issues_per_ric must be positive, got %d", q.IssuesPerRIC)
	}
	if q.IssuesGlobal <= 0 {
		return fmt.Errorf("issues_global must be positive, got %d", q.IssuesGlobal)
	}
	if q.ScoreWindowSize <= 0 {
		return fmt.Errorf("score_window_size must be positive, got %d", q.ScoreWindowSize)
	}
	return nil
}

// TaskStaleness returns the ingest staleness bound as a time.Duration.
func (i *IngestConfig) TaskStaleness() time.Duration {
	return time.Duration(i.TaskStalenessMS) * time.Millisecond
}

// PollTimeout returns the worker poll bound as a time.Duration.
func (i *IngestConfig) PollTimeout() time.Duration {
	return time.Duration(i.PollTimeoutMS) * time.Millisecond
}

// SlowConsumerTimeout returns the eviction threshold as a time.Duration.
func (f *FanoutConfig) SlowConsumerTimeout() time.Duration {
	return time.Duration(f.SlowConsumerTimeoutMS) * time.Millisecond
}

// AcquireTimeout returns the permit wait bound as a time.Duration.
func (r *RateConfig) AcquireTimeout() time.Duration {
	return time.Duration(r.AcquireTimeoutMS) * time.Millisecond
}

// Cooldown returns the breaker open duration as a time.Duration.
func (c *CircuitConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}

// BaseBackoff returns the first retry delay as a time.Duration.
func (r *RetryConfig) BaseBackoff() time.Duration {
	return time.Duration(r.BaseBackoffMS) * time.Millisecond
}

// MaxAge returns the timeliness bound as a time.Duration.
func (q *QualityConfig) MaxAge() time.Duration {
	return time.Duration(q.MaxAgeSec) * time.Second
}

// AlertThrottle returns the per-RIC alert interval as a time.Duration.
func (q *QualityConfig) AlertThrottle() time.Duration {
	return time.Duration(q.AlertThrottleSec) * time.Second
}

// DrainTimeout returns the ingest drain budget as a time.Duration.
func (s *ShutdownConfig) DrainTimeout() time.Duration {
	return time.Duration(s.DrainTimeoutMS) * time.Millisecond
}

// TotalBudget returns the full shutdown budget as a time.Duration.
func (s *ShutdownConfig) TotalBudget() time.Duration {
	return time.Duration(s.TotalBudgetSec) * time.Second
}

// Addr returns the listen address in host:port form.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReadTimeout returns the server read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSec) * time.Second
}

// WriteTimeout returns the server write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSec) * time.Second
}

// IdleTimeout returns the keep-alive idle timeout as a time.Duration.
func (s *ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSec) * time.Second
}

// RequestTimeout returns the per-request handler budget as a time.Duration.
func (s *ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSec) * time.Second
}
