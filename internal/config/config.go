package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full gateway configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Chain      ChainConfig      `yaml:"chain" mapstructure:"chain"`
	Registry   RegistryConfig   `yaml:"registry" mapstructure:"registry"`
	Policy     PolicyConfig     `yaml:"policy" mapstructure:"policy"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Governor   GovernorConfig   `yaml:"governor" mapstructure:"governor"`
	Safety     SafetyConfig     `yaml:"safety" mapstructure:"safety"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP gateway surface.
type ServerConfig struct {
	Port             int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins   []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ReadTimeoutSecs  int      `yaml:"read_timeout_secs" mapstructure:"read_timeout_secs"`
	WriteTimeoutSecs int      `yaml:"write_timeout_secs" mapstructure:"write_timeout_secs"`
}

// ChainConfig holds RPC settings for the license registry contract.
type ChainConfig struct {
	RPCURL          string `yaml:"rpc_url" mapstructure:"rpc_url"`
	ChainID         int64  `yaml:"chain_id" mapstructure:"chain_id"`
	RegistryAddress string `yaml:"registry_address" mapstructure:"registry_address"`
	Currency        string `yaml:"currency" mapstructure:"currency"`
	Network         string `yaml:"network" mapstructure:"network"`
	TimeoutSecs     int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RegistryConfig configures the cached license view.
type RegistryConfig struct {
	TTLSecs      int `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	StaleMaxSecs int `yaml:"stale_max_secs" mapstructure:"stale_max_secs"`
}

// PolicyConfig configures the access policy evaluator.
type PolicyConfig struct {
	OfflineAllowed     bool     `yaml:"offline_allowed" mapstructure:"offline_allowed"`
	RestrictedFeatures []string `yaml:"restricted_features" mapstructure:"restricted_features"`

	// SensitiveCrawlers lists crawler ids granted sensitive-data
	// passthrough. Everyone else gets sensitive matches stripped.
	SensitiveCrawlers []string `yaml:"sensitive_crawlers" mapstructure:"sensitive_crawlers"`
}

// FetchConfig configures the upstream crawl executor.
type FetchConfig struct {
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBodyBytes int64   `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	MaxRetries   int     `yaml:"max_retries" mapstructure:"max_retries"`
	PerHostRate  float64 `yaml:"per_host_rate" mapstructure:"per_host_rate"`
	PerHostBurst int     `yaml:"per_host_burst" mapstructure:"per_host_burst"`
}

// GovernorConfig configures admission control.
type GovernorConfig struct {
	CounterStore string               `yaml:"counter_store" mapstructure:"counter_store"`
	RedisAddr    string               `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisDB      int                  `yaml:"redis_db" mapstructure:"redis_db"`
	PerMinute    int64                `yaml:"per_minute" mapstructure:"per_minute"`
	PerHour      int64                `yaml:"per_hour" mapstructure:"per_hour"`
	PerDay       int64                `yaml:"per_day" mapstructure:"per_day"`
	Tiers        map[string]TierQuota `yaml:"tiers" mapstructure:"tiers"`

	ThrottleMaxDelayMs int `yaml:"throttle_max_delay_ms" mapstructure:"throttle_max_delay_ms"`
	ThrottleQueueDepth int `yaml:"throttle_queue_depth" mapstructure:"throttle_queue_depth"`

	// CatastrophicLoadThreshold is the in-flight request count above which
	// a counter-store outage fails closed instead of open.
	CatastrophicLoadThreshold int64 `yaml:"catastrophic_load_threshold" mapstructure:"catastrophic_load_threshold"`
}

// TierQuota holds monthly quota limits for one subscription tier.
type TierQuota struct {
	MonthlyRequests int64   `yaml:"monthly_requests" mapstructure:"monthly_requests"`
	MonthlyDataMB   float64 `yaml:"monthly_data_mb" mapstructure:"monthly_data_mb"`
	MaxConcurrent   int64   `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// SafetyConfig configures the URL/content safety gate.
type SafetyConfig struct {
	PatternsFile   string  `yaml:"patterns_file" mapstructure:"patterns_file"`
	BlockThreshold float64 `yaml:"block_threshold" mapstructure:"block_threshold"`
	WarnThreshold  float64 `yaml:"warn_threshold" mapstructure:"warn_threshold"`
}

// BatchConfig configures batch crawl behavior.
type BatchConfig struct {
	MaxItems        int `yaml:"max_items" mapstructure:"max_items"`
	ScanConcurrency int `yaml:"scan_concurrency" mapstructure:"scan_concurrency"`
}

// ResilienceConfig configures retry and circuit breaker behavior for
// external calls (chain RPC, upstream fetch, settlement writes).
type ResilienceConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	FailureThreshold int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int     `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MonitoringConfig configures metrics collection and alerting.
type MonitoringConfig struct {
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	LookbackHours       int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	RefundRateThreshold float64 `yaml:"refund_rate_threshold" mapstructure:"refund_rate_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_secs", 15)
	v.SetDefault("server.write_timeout_secs", 60)
	v.SetDefault("chain.currency", "USDC")
	v.SetDefault("chain.network", "base")
	v.SetDefault("chain.chain_id", 8453)
	v.SetDefault("chain.timeout_secs", 10)
	v.SetDefault("registry.ttl_secs", 300)
	v.SetDefault("registry.stale_max_secs", 86400)
	v.SetDefault("policy.offline_allowed", true)
	v.SetDefault("fetch.user_agent", "tachi-gateway/1.0")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_body_bytes", 10*1024*1024)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.per_host_rate", 10)
	v.SetDefault("fetch.per_host_burst", 10)
	v.SetDefault("governor.counter_store", "memory")
	v.SetDefault("governor.per_minute", 60)
	v.SetDefault("governor.per_hour", 1000)
	v.SetDefault("governor.per_day", 10000)
	v.SetDefault("governor.throttle_max_delay_ms", 5000)
	v.SetDefault("governor.throttle_queue_depth", 256)
	v.SetDefault("governor.catastrophic_load_threshold", 500)
	v.SetDefault("governor.tiers", map[string]any{
		"starter":    map[string]any{"monthly_requests": 10000, "monthly_data_mb": 1024, "max_concurrent": 5},
		"standard":   map[string]any{"monthly_requests": 100000, "monthly_data_mb": 10240, "max_concurrent": 20},
		"enterprise": map[string]any{"monthly_requests": 1000000, "monthly_data_mb": 102400, "max_concurrent": 100},
	})
	v.SetDefault("safety.block_threshold", 0.7)
	v.SetDefault("safety.warn_threshold", 0.3)
	v.SetDefault("batch.max_items", 25)
	v.SetDefault("batch.scan_concurrency", 8)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 30000)
	v.SetDefault("resilience.multiplier", 2.0)
	v.SetDefault("resilience.jitter_fraction", 0.25)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 30)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.refund_rate_threshold", 0.2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
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
