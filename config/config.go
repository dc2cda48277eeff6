package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"feedflow/models"
)

const (
	envToken     = "FEEDFLOW_API_TOKEN"
	envSymbols   = "FEEDFLOW_SYMBOLS"
	envRateLimit = "FEEDFLOW_RATE_LIMIT"
	envRedisURL  = "REDIS_URL"
	envStreamURL = "FEEDFLOW_STREAM_URL"
	envHistory   = "HISTORY_DATABASE_URL"
)

type Config struct {
	Feedflow    FeedflowConfig    `yaml:"feedflow"`
	Source      SourceConfig      `yaml:"source"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Rotation    RotationConfig    `yaml:"rotation"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Reader      ReaderConfig      `yaml:"reader"`
	Storage     StorageConfig     `yaml:"storage"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type FeedflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// SourceConfig describes the upstream vendor. Token is never read from YAML.
type SourceConfig struct {
	Name      string   `yaml:"name"`
	BaseURL   string   `yaml:"base_url"`
	StreamURL string   `yaml:"stream_url"`
	UserAgent string   `yaml:"user_agent"`
	Symbols   []string `yaml:"symbols"`
	Token     string   `yaml:"-"`
}

type RateLimitConfig struct {
	HardCap     int            `yaml:"hard_cap"`
	Buffer      int            `yaml:"buffer"`
	Window      time.Duration  `yaml:"window"`
	MaxWait     time.Duration  `yaml:"max_wait"`
	UsageHeader string         `yaml:"usage_header"`
	Tiers       map[string]int `yaml:"tiers"`
}

type SchedulerConfig struct {
	Tick               time.Duration      `yaml:"tick"`
	Timezone           string             `yaml:"timezone"`
	SessionMultipliers map[string]float64 `yaml:"session_multipliers"`
}

type RotationConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Slots      int           `yaml:"slots"`
	Dwell      time.Duration `yaml:"dwell"`
	Tick       time.Duration `yaml:"tick"`
	AckTimeout time.Duration `yaml:"ack_timeout"`
	Source     string        `yaml:"source"`
}

type CircuitBreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	Cooldown          time.Duration `yaml:"cooldown"`
	MaxCooldown       time.Duration `yaml:"max_cooldown"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	StaleAfter        time.Duration `yaml:"stale_after"`
}

type ReliabilityConfig struct {
	CircuitBreakerConfig `yaml:",inline"`
	Sources              map[string]CircuitBreakerConfig `yaml:"sources"`
}

type ReaderConfig struct {
	Workers        int            `yaml:"workers"`
	QueueSize      int            `yaml:"queue_size"`
	RequestTimeout time.Duration  `yaml:"request_timeout"`
	ConnectionPool ConnectionPool `yaml:"connection_pool"`
	PingInterval   time.Duration  `yaml:"ping_interval"`
	ReconnectMin   time.Duration  `yaml:"reconnect_min"`
	ReconnectMax   time.Duration  `yaml:"reconnect_max"`
}

type ConnectionPool struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type StorageConfig struct {
	Redis     RedisConfig     `yaml:"redis"`
	Persist   PersistConfig   `yaml:"persist"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	Archive   ArchiveConfig   `yaml:"archive"`
	History   HistoryConfig   `yaml:"history"`
}

type RedisConfig struct {
	URL         string        `yaml:"url"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type PersistConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

type AggregateConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type ArchiveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Bucket   string        `yaml:"bucket"`
	Region   string        `yaml:"region"`
	Prefix   string        `yaml:"prefix"`
	Interval time.Duration `yaml:"interval"`
}

// HistoryConfig enables the Postgres table that keeps every fetched REST
// payload beyond the Redis log's length.
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	MaxConns      int           `yaml:"max_conns"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Buffer        int           `yaml:"buffer"`
}

type AlertsConfig struct {
	Stream string      `yaml:"stream"`
	MaxLen int64       `yaml:"max_len"`
	Buffer int         `yaml:"buffer"`
	Kafka  KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RuntimeConfig struct {
	Interval       time.Duration `yaml:"interval"`
	MaxIterations  int           `yaml:"max_iterations"`
	HeartbeatFlush time.Duration `yaml:"heartbeat_flush"`
	ReportInterval time.Duration `yaml:"report_interval"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// yaml.v3 decodes into existing maps, so LoadConfig clears these before
// decoding and restores them only when the file has no table of its own.
func defaultTiers() map[string]int {
	return map[string]int{
		"critical":     60,
		"important":    30,
		"nice_to_have": 15,
		"background":   5,
	}
}

func defaultSessions() map[string]float64 {
	return map[string]float64{
		string(models.SessionPreMarket):  2,
		string(models.SessionRegular):    1,
		string(models.SessionAfterHours): 2,
		string(models.SessionOvernight):  6,
		string(models.SessionWeekend):    12,
	}
}

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	return Config{
		Feedflow: FeedflowConfig{Name: "feedflow", Version: "dev"},
		Source: SourceConfig{
			Name:      "unusual_whales",
			BaseURL:   "https://api.unusualwhales.com",
			StreamURL: "wss://api.unusualwhales.com/socket",
			UserAgent: "feedflow/1.0",
			Symbols:   []string{"SPY", "QQQ", "IWM"},
		},
		RateLimit: RateLimitConfig{
			HardCap:     120,
			Buffer:      10,
			Window:      time.Minute,
			MaxWait:     2 * time.Second,
			UsageHeader: "X-Uw-Minute-Req-Counter",
			Tiers:       defaultTiers(),
		},
		Scheduler: SchedulerConfig{
			Tick:               time.Second,
			Timezone:           "America/New_York",
			SessionMultipliers: defaultSessions(),
		},
		Rotation: RotationConfig{
			Enabled:    true,
			Slots:      3,
			Dwell:      15 * time.Second,
			Tick:       time.Second,
			AckTimeout: 5 * time.Second,
			Source:     "stream",
		},
		Reliability: ReliabilityConfig{
			CircuitBreakerConfig: CircuitBreakerConfig{
				FailureThreshold:  5,
				Cooldown:          30 * time.Second,
				MaxCooldown:       10 * time.Minute,
				BackoffMultiplier: 2,
				StaleAfter:        15 * time.Minute,
			},
		},
		Reader: ReaderConfig{
			Workers:        4,
			QueueSize:      256,
			RequestTimeout: 15 * time.Second,
			ConnectionPool: ConnectionPool{MaxIdleConns: 16, MaxConnsPerHost: 8, IdleConnTimeout: 90 * time.Second},
			PingInterval:   20 * time.Second,
			ReconnectMin:   5 * time.Second,
			ReconnectMax:   time.Minute,
		},
		Storage: StorageConfig{
			Redis:     RedisConfig{URL: "redis://localhost:6379/0", PoolSize: 16, DialTimeout: 5 * time.Second},
			Persist:   PersistConfig{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second},
			Aggregate: AggregateConfig{TTL: 8 * 24 * time.Hour},
			Archive:   ArchiveConfig{Prefix: "feedflow/aggregates", Interval: time.Hour},
			History:   HistoryConfig{MaxConns: 4, BatchSize: 100, FlushInterval: 2 * time.Second, Buffer: 1024},
		},
		Alerts: AlertsConfig{Stream: "feedflow:alerts", MaxLen: 10000, Buffer: 256},
		Runtime: RuntimeConfig{
			Interval:       time.Second,
			HeartbeatFlush: 10 * time.Second,
			ReportInterval: time.Minute,
			ShutdownGrace:  30 * time.Second,
		},
		Metrics:   MetricsConfig{CloudWatch: CloudWatchConfig{Namespace: "Feedflow", Dashboard: "Feedflow"}},
		Dashboard: DashboardConfig{Address: ":8080", RefreshInterval: 5 * time.Second, LogHistory: 200, MetricsHistory: 200},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// LoadConfig reads path on top of Default, applies environment overrides and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(ResolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	config.RateLimit.Tiers = nil
	config.Scheduler.SessionMultipliers = nil
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(config.RateLimit.Tiers) == 0 {
		config.RateLimit.Tiers = defaultTiers()
	}
	if len(config.Scheduler.SessionMultipliers) == 0 {
		config.Scheduler.SessionMultipliers = defaultSessions()
	}

	if err := applyEnv(&config); err != nil {
		return nil, err
	}
	config.Source.Symbols = models.NormalizeSymbols(config.Source.Symbols)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(envToken)); v != "" {
		cfg.Source.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(envSymbols)); v != "" {
		cfg.Source.Symbols = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(os.Getenv(envRateLimit)); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", envRateLimit, err)
		}
		cfg.RateLimit.HardCap = limit
	}
	if v := strings.TrimSpace(os.Getenv(envRedisURL)); v != "" {
		cfg.Storage.Redis.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(envStreamURL)); v != "" {
		cfg.Source.StreamURL = v
	}
	if v := strings.TrimSpace(os.Getenv(envHistory)); v != "" {
		cfg.Storage.History.URL = v
	}
	if cfg.Storage.Archive.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" && cfg.Storage.Archive.Region == "" {
			cfg.Storage.Archive.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.Archive.Bucket = strings.TrimSpace(v)
		}
	}
	return nil
}

// TierCapacities parses the rate_limit.tiers table.
func (c *Config) TierCapacities() (map[models.Tier]int, error) {
	out := make(map[models.Tier]int, len(c.RateLimit.Tiers))
	for name, capacity := range c.RateLimit.Tiers {
		tier, err := models.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("rate_limit.tiers: %w", err)
		}
		if capacity < 0 {
			return nil, fmt.Errorf("rate_limit.tiers.%s must not be negative", name)
		}
		out[tier] = capacity
	}
	return out, nil
}

// SessionTable parses scheduler.session_multipliers.
func (c *Config) SessionTable() (map[models.Session]float64, error) {
	return parseSessions("scheduler.session_multipliers", c.Scheduler.SessionMultipliers)
}

func parseSessions(field string, in map[string]float64) (map[models.Session]float64, error) {
	out := make(map[models.Session]float64, len(in))
	for name, mult := range in {
		session, err := models.ParseSession(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		if mult <= 0 {
			return nil, fmt.Errorf("%s.%s must be greater than 0", field, name)
		}
		out[session] = mult
	}
	return out, nil
}

// Breaker returns the breaker settings for source, with per-source overrides
// layered on the defaults.
func (r ReliabilityConfig) Breaker(source string) CircuitBreakerConfig {
	out := r.CircuitBreakerConfig
	o, ok := r.Sources[source]
	if !ok {
		return out
	}
	if o.FailureThreshold > 0 {
		out.FailureThreshold = o.FailureThreshold
	}
	if o.Cooldown > 0 {
		out.Cooldown = o.Cooldown
	}
	if o.MaxCooldown > 0 {
		out.MaxCooldown = o.MaxCooldown
	}
	if o.BackoffMultiplier > 0 {
		out.BackoffMultiplier = o.BackoffMultiplier
	}
	if o.StaleAfter > 0 {
		out.StaleAfter = o.StaleAfter
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Feedflow.Name == "" {
		return fmt.Errorf("feedflow.name is required")
	}
	if cfg.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if _, err := url.Parse(cfg.Source.BaseURL); err != nil {
		return fmt.Errorf("source.base_url is invalid: %w", err)
	}
	if IsProductionLike(AppEnvironment()) && cfg.Source.Token == "" {
		return fmt.Errorf("%s is required in %s", envToken, AppEnvironment())
	}

	if err := validateRateLimit(cfg); err != nil {
		return err
	}

	if cfg.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be greater than 0")
	}
	if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone '%s' is invalid: %w", cfg.Scheduler.Timezone, err)
	}
	if _, err := cfg.SessionTable(); err != nil {
		return err
	}

	if cfg.Rotation.Enabled {
		if cfg.Rotation.Slots <= 0 {
			return fmt.Errorf("rotation.slots must be greater than 0")
		}
		if cfg.Rotation.Dwell <= 0 {
			return fmt.Errorf("rotation.dwell must be greater than 0")
		}
		if cfg.Source.StreamURL == "" {
			return fmt.Errorf("source.stream_url is required when rotation is enabled")
		}
	}

	if cfg.Reliability.FailureThreshold <= 0 {
		return fmt.Errorf("reliability.failure_threshold must be greater than 0")
	}
	if cfg.Reliability.Cooldown <= 0 {
		return fmt.Errorf("reliability.cooldown must be greater than 0")
	}

	if cfg.Reader.Workers <= 0 {
		return fmt.Errorf("reader.workers must be greater than 0")
	}
	if cfg.Reader.RequestTimeout <= 0 {
		return fmt.Errorf("reader.request_timeout must be greater than 0")
	}

	if cfg.Storage.Redis.URL == "" {
		return fmt.Errorf("storage.redis.url is required")
	}
	if cfg.Storage.Persist.Attempts <= 0 {
		return fmt.Errorf("storage.persist.attempts must be greater than 0")
	}
	if cfg.Storage.Archive.Enabled {
		if cfg.Storage.Archive.Bucket == "" {
			return fmt.Errorf("storage.archive.bucket is required when the archive is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.Archive.Bucket) {
			return fmt.Errorf("storage.archive.bucket '%s' is invalid", cfg.Storage.Archive.Bucket)
		}
	}

	if h := cfg.Storage.History; h.Enabled {
		if h.URL == "" {
			return fmt.Errorf("storage.history.url is required when history is enabled")
		}
		if h.BatchSize <= 0 || h.FlushInterval <= 0 {
			return fmt.Errorf("storage.history.batch_size and storage.history.flush_interval must be greater than 0")
		}
	}

	if cfg.Alerts.Kafka.Enabled && (len(cfg.Alerts.Kafka.Brokers) == 0 || cfg.Alerts.Kafka.Topic == "") {
		return fmt.Errorf("alerts.kafka.brokers and alerts.kafka.topic are required when kafka is enabled")
	}

	if cfg.Runtime.Interval <= 0 {
		return fmt.Errorf("runtime.interval must be greater than 0")
	}
	if cfg.Runtime.MaxIterations < 0 {
		return fmt.Errorf("runtime.max_iterations must not be negative")
	}

	return nil
}

// validateRateLimit enforces sum(tier capacities) <= hard_cap - buffer.
func validateRateLimit(cfg *Config) error {
	rl := cfg.RateLimit
	if rl.HardCap <= 0 {
		return fmt.Errorf("rate_limit.hard_cap must be greater than 0")
	}
	if rl.Buffer < 0 || rl.Buffer >= rl.HardCap {
		return fmt.Errorf("rate_limit.buffer must be between 0 and hard_cap")
	}
	if rl.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be greater than 0")
	}
	tiers, err := cfg.TierCapacities()
	if err != nil {
		return err
	}
	sum := 0
	for _, capacity := range tiers {
		sum += capacity
	}
	if budget := rl.HardCap - rl.Buffer; sum > budget {
		return fmt.Errorf("rate_limit.tiers sum to %d which exceeds hard_cap - buffer (%d)", sum, budget)
	}
	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
