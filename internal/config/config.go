package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig             `yaml:"store" mapstructure:"store"`
	Log        LogConfig               `yaml:"log" mapstructure:"log"`
	Server     ServerConfig            `yaml:"server" mapstructure:"server"`
	HTTP       HTTPConfig              `yaml:"http" mapstructure:"http"`
	Circuit    CircuitConfig           `yaml:"circuit" mapstructure:"circuit"`
	Sources    map[string]SourceConfig `yaml:"sources" mapstructure:"sources"`
	Scheduler  SchedulerConfig         `yaml:"scheduler" mapstructure:"scheduler"`
	Jobs       map[string]JobConfig    `yaml:"jobs" mapstructure:"jobs"`
	Merge      MergeConfig             `yaml:"merge" mapstructure:"merge"`
	DLQ        DLQConfig               `yaml:"dlq" mapstructure:"dlq"`
	Monitoring MonitoringConfig        `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the control API.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// HTTPConfig configures the shared outbound HTTP client.
type HTTPConfig struct {
	UserAgent         string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	JitterFraction    float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	MaxRetryAfterSecs int     `yaml:"max_retry_after_secs" mapstructure:"max_retry_after_secs"`
}

// CircuitConfig configures the per-source circuit breakers.
type CircuitConfig struct {
	FailureThreshold    int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	RecoveryTimeoutSecs int `yaml:"recovery_timeout_secs" mapstructure:"recovery_timeout_secs"`
}

// SourceConfig configures one external source adapter.
type SourceConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey        string  `yaml:"api_key" mapstructure:"api_key"`
	Username      string  `yaml:"username" mapstructure:"username"`
	Password      string  `yaml:"password" mapstructure:"password"`
	DailyLimit    int     `yaml:"daily_limit" mapstructure:"daily_limit"`
	RatePerSec    float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
	MinIntervalMs int     `yaml:"min_interval_ms" mapstructure:"min_interval_ms"`
	Confidence    float64 `yaml:"confidence" mapstructure:"confidence"`
}

// SchedulerConfig configures the job scheduler and its stall sweep.
type SchedulerConfig struct {
	SweepIntervalSecs     int `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	StallThresholdMins    int `yaml:"stall_threshold_mins" mapstructure:"stall_threshold_mins"`
	MaxAutoRestartsPerDay int `yaml:"max_auto_restarts_per_day" mapstructure:"max_auto_restarts_per_day"`
	StopGracePeriodSecs   int `yaml:"stop_grace_period_secs" mapstructure:"stop_grace_period_secs"`
	PauseHeartbeatSecs    int `yaml:"pause_heartbeat_secs" mapstructure:"pause_heartbeat_secs"`
}

// JobConfig configures one enrichment job.
type JobConfig struct {
	Enabled                bool     `yaml:"enabled" mapstructure:"enabled"`
	Kind                   string   `yaml:"kind" mapstructure:"kind"`
	Schedule               string   `yaml:"schedule" mapstructure:"schedule"`
	Sources                []string `yaml:"sources" mapstructure:"sources"`
	BatchSize              int      `yaml:"batch_size" mapstructure:"batch_size"`
	FlushEvery             int      `yaml:"flush_every" mapstructure:"flush_every"`
	Workers                int      `yaml:"workers" mapstructure:"workers"`
	IdempotencyWindowHours int      `yaml:"idempotency_window_hours" mapstructure:"idempotency_window_hours"`
	BatchPauseMs           int      `yaml:"batch_pause_ms" mapstructure:"batch_pause_ms"`
}

// MergeConfig configures conflict resolution.
type MergeConfig struct {
	SourcePriority       []string `yaml:"source_priority" mapstructure:"source_priority"`
	ConfidenceThreshold  float64  `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	MatchThreshold       float64  `yaml:"match_threshold" mapstructure:"match_threshold"`
	PriceTolerance       float64  `yaml:"price_tolerance" mapstructure:"price_tolerance"`
	AutoResolveAfterDays int      `yaml:"auto_resolve_after_days" mapstructure:"auto_resolve_after_days"`
	BulkApproveScore     float64  `yaml:"bulk_approve_score" mapstructure:"bulk_approve_score"`
	CleanupSchedule      string   `yaml:"cleanup_schedule" mapstructure:"cleanup_schedule"`
	CleanupBatch         int      `yaml:"cleanup_batch" mapstructure:"cleanup_batch"`
	RulesFile            string   `yaml:"rules_file" mapstructure:"rules_file"`
}

// DLQConfig configures the dead letter queue and its retry job.
type DLQConfig struct {
	MaxRetries      int    `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBatch      int    `yaml:"retry_batch" mapstructure:"retry_batch"`
	BaseBackoffSecs int    `yaml:"base_backoff_secs" mapstructure:"base_backoff_secs"`
	Schedule        string `yaml:"schedule" mapstructure:"schedule"`
}

// MonitoringConfig configures background alert checks.
type MonitoringConfig struct {
	Enabled             bool   `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	DLQPendingThreshold int    `yaml:"dlq_pending_threshold" mapstructure:"dlq_pending_threshold"`
	QuarantineThreshold int    `yaml:"quarantine_threshold" mapstructure:"quarantine_threshold"`
	StallAlertThreshold int    `yaml:"stall_alert_threshold" mapstructure:"stall_alert_threshold"`
	RepeatIntervalMins  int    `yaml:"repeat_interval_mins" mapstructure:"repeat_interval_mins"`
}

// sourceDefaults seeds per-source keys so env overrides resolve.
var sourceDefaults = map[model.SourceID]SourceConfig{
	model.SourceComicVine:     {BaseURL: "https://comicvine.gamespot.com/api", DailyLimit: 4000, RatePerSec: 1, Burst: 1, MinIntervalMs: 1000, Confidence: 0.85},
	model.SourceMetron:        {BaseURL: "https://metron.cloud/api", DailyLimit: 5000, RatePerSec: 0.5, Burst: 1, MinIntervalMs: 2000, Confidence: 0.9},
	model.SourceGCD:           {BaseURL: "https://www.comics.org/api", DailyLimit: 10000, RatePerSec: 2, Burst: 2, MinIntervalMs: 500, Confidence: 0.8},
	model.SourcePriceCharting: {BaseURL: "https://www.pricecharting.com/api", DailyLimit: 2000, RatePerSec: 1, Burst: 1, MinIntervalMs: 1000, Confidence: 0.75},
}

// Load reads configuration from ./config.yaml, if present, and environment.
func Load() (*Config, error) { return LoadFile("") }

// LoadFile is Load with an explicit config file, which must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit_per_minute", 120)
	v.SetDefault("http.user_agent", "catalog-enricher/1.0")
	v.SetDefault("http.timeout_secs", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.initial_backoff_ms", 500)
	v.SetDefault("http.max_backoff_ms", 10000)
	v.SetDefault("http.jitter_fraction", 0.25)
	v.SetDefault("http.max_retry_after_secs", 30)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.recovery_timeout_secs", 300)

	for id, sc := range sourceDefaults {
		prefix := "sources." + string(id) + "."
		v.SetDefault(prefix+"enabled", true)
		v.SetDefault(prefix+"base_url", sc.BaseURL)
		v.SetDefault(prefix+"api_key", "")
		v.SetDefault(prefix+"username", "")
		v.SetDefault(prefix+"password", "")
		v.SetDefault(prefix+"daily_limit", sc.DailyLimit)
		v.SetDefault(prefix+"rate_per_sec", sc.RatePerSec)
		v.SetDefault(prefix+"burst", sc.Burst)
		v.SetDefault(prefix+"min_interval_ms", sc.MinIntervalMs)
		v.SetDefault(prefix+"confidence", sc.Confidence)
	}

	v.SetDefault("scheduler.sweep_interval_secs", 60)
	v.SetDefault("scheduler.stall_threshold_mins", 15)
	v.SetDefault("scheduler.max_auto_restarts_per_day", 3)
	v.SetDefault("scheduler.stop_grace_period_secs", 120)
	v.SetDefault("scheduler.pause_heartbeat_secs", 30)

	setJobDefaults(v, "comics_enrichment", "comic", "*/30 * * * *",
		[]string{"metron", "comicvine", "gcd", "pricecharting"})
	setJobDefaults(v, "funko_enrichment", "funko", "15 */2 * * *",
		[]string{"pricecharting"})

	v.SetDefault("merge.source_priority", []string{"metron", "comicvine", "gcd", "pricecharting"})
	v.SetDefault("merge.confidence_threshold", 0.6)
	v.SetDefault("merge.match_threshold", 0.75)
	v.SetDefault("merge.price_tolerance", 0.05)
	v.SetDefault("merge.auto_resolve_after_days", 30)
	v.SetDefault("merge.bulk_approve_score", 0.8)
	v.SetDefault("merge.cleanup_schedule", "0 4 * * *")
	v.SetDefault("merge.cleanup_batch", 500)
	v.SetDefault("dlq.max_retries", 3)
	v.SetDefault("dlq.retry_batch", 100)
	v.SetDefault("dlq.base_backoff_secs", 300)
	v.SetDefault("dlq.schedule", "*/10 * * * *")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.dlq_pending_threshold", 500)
	v.SetDefault("monitoring.quarantine_threshold", 1000)
	v.SetDefault("monitoring.stall_alert_threshold", 1)
	v.SetDefault("monitoring.repeat_interval_mins", 60)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setJobDefaults(v *viper.Viper, name, kind, schedule string, sources []string) {
	prefix := "jobs." + name + "."
	v.SetDefault(prefix+"enabled", true)
	v.SetDefault(prefix+"kind", kind)
	v.SetDefault(prefix+"schedule", schedule)
	v.SetDefault(prefix+"sources", sources)
	v.SetDefault(prefix+"batch_size", 200)
	v.SetDefault(prefix+"flush_every", 50)
	v.SetDefault(prefix+"workers", 5)
	v.SetDefault(prefix+"idempotency_window_hours", 24)
	v.SetDefault(prefix+"batch_pause_ms", 0)
}

// Validate checks the configuration required by the given command mode.
// Every problem is reported, not only the first.
func (c *Config) Validate(mode string) error {
	var errs []string

	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}

	for _, name := range sortedKeys(c.Sources) {
		sc := c.Sources[name]
		if _, err := model.ParseSource(name); err != nil {
			errs = append(errs, fmt.Sprintf("sources.%s: unknown source", name))
			continue
		}
		if sc.Enabled && sc.DailyLimit <= 0 {
			errs = append(errs, fmt.Sprintf("sources.%s.daily_limit must be positive", name))
		}
		if sc.Enabled && sc.RatePerSec <= 0 {
			errs = append(errs, fmt.Sprintf("sources.%s.rate_per_sec must be positive", name))
		}
	}

	for _, name := range sortedKeys(c.Jobs) {
		jc := c.Jobs[name]
		if !jc.Enabled {
			continue
		}
		if jc.Kind != string(model.KindComic) && jc.Kind != string(model.KindFunko) {
			errs = append(errs, fmt.Sprintf("jobs.%s.kind must be comic or funko", name))
		}
		if jc.BatchSize <= 0 || jc.FlushEvery <= 0 || jc.Workers <= 0 {
			errs = append(errs, fmt.Sprintf("jobs.%s: batch_size, flush_every and workers must be positive", name))
		}
		for _, s := range jc.Sources {
			if _, err := model.ParseSource(s); err != nil {
				errs = append(errs, fmt.Sprintf("jobs.%s.sources: unknown source %q", name, s))
			}
		}
	}

	for _, s := range c.Merge.SourcePriority {
		if _, err := model.ParseSource(s); err != nil {
			errs = append(errs, fmt.Sprintf("merge.source_priority: unknown source %q", s))
		}
	}
	if c.Circuit.FailureThreshold <= 0 {
		errs = append(errs, "circuit.failure_threshold must be positive")
	}

	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// SourceIDs returns the enabled sources in lexical order.
func (c *Config) SourceIDs() []model.SourceID {
	var out []model.SourceID
	for _, name := range sortedKeys(c.Sources) {
		if id, err := model.ParseSource(name); err == nil && c.Sources[name].Enabled {
			out = append(out, id)
		}
	}
	return out
}

// StallThreshold returns the heartbeat age after which a running job is stalled.
func (c SchedulerConfig) StallThreshold() time.Duration {
	if c.StallThresholdMins <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.StallThresholdMins) * time.Minute
}

// SweepInterval returns how often the stall sweep runs.
func (c SchedulerConfig) SweepInterval() time.Duration {
	if c.SweepIntervalSecs <= 0 {
		return time.Minute
	}
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
