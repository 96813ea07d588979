package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Gateway    GatewayConfig    `yaml:"gateway" mapstructure:"gateway"`
	Acquire    AcquireConfig    `yaml:"acquire" mapstructure:"acquire"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Proxy      ProxyConfig      `yaml:"proxy" mapstructure:"proxy"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Geocode    GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	Archive    ArchiveConfig    `yaml:"archive" mapstructure:"archive"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns" validate:"gte=0"`
}

// GatewayConfig configures outbound HTTP.
type GatewayConfig struct {
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"gte=1"`
	DetailTimeoutSecs int     `yaml:"detail_timeout_secs" mapstructure:"detail_timeout_secs" validate:"gte=1"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=1,lte=10"`
	BackoffStepMs     int     `yaml:"backoff_step_ms" mapstructure:"backoff_step_ms" validate:"gte=0"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" validate:"gte=0"`
	EgressCheckURL    string  `yaml:"egress_check_url" mapstructure:"egress_check_url" validate:"omitempty,url"`
	DetectBlocks      bool    `yaml:"detect_blocks" mapstructure:"detect_blocks"`
}

// Timeout returns the listing call timeout.
func (g GatewayConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSecs) * time.Second
}

// DetailTimeout returns the detail page call timeout.
func (g GatewayConfig) DetailTimeout() time.Duration {
	return time.Duration(g.DetailTimeoutSecs) * time.Second
}

// BackoffStep returns the linear retry step.
func (g GatewayConfig) BackoffStep() time.Duration {
	return time.Duration(g.BackoffStepMs) * time.Millisecond
}

// AcquireConfig configures listing acquisition.
type AcquireConfig struct {
	PageSize         int    `yaml:"page_size" mapstructure:"page_size" validate:"gte=1,lte=100"`
	CategoryPageSize int    `yaml:"category_page_size" mapstructure:"category_page_size" validate:"gte=1,lte=100"`
	PauseMinMs       int    `yaml:"pause_min_ms" mapstructure:"pause_min_ms" validate:"gte=0"`
	PauseMaxMs       int    `yaml:"pause_max_ms" mapstructure:"pause_max_ms" validate:"gtefield=PauseMinMs"`
	KeywordDelaySecs int    `yaml:"keyword_delay_secs" mapstructure:"keyword_delay_secs" validate:"gte=0"`
	CategoriesFile   string `yaml:"categories_file" mapstructure:"categories_file"`
	SearchURL        string `yaml:"search_url" mapstructure:"search_url" validate:"omitempty,url"`
	CategoryURL      string `yaml:"category_url" mapstructure:"category_url" validate:"omitempty,url"`
}

// ExtractConfig configures license extraction.
type ExtractConfig struct {
	BatchSize              int   `yaml:"batch_size" mapstructure:"batch_size" validate:"gte=1,lte=50"`
	BatchDelaySecs         int   `yaml:"batch_delay_secs" mapstructure:"batch_delay_secs" validate:"gte=0"`
	FailureThreshold       int   `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"gte=1"`
	CountTransientFailures bool  `yaml:"count_transient_failures" mapstructure:"count_transient_failures"`
	VerifyEgress           bool  `yaml:"verify_egress" mapstructure:"verify_egress"`
	MinAssetBytes          int64 `yaml:"min_asset_bytes" mapstructure:"min_asset_bytes" validate:"gte=0"`
	ProbeConcurrency       int   `yaml:"probe_concurrency" mapstructure:"probe_concurrency" validate:"gte=1"`
	Archive                bool  `yaml:"archive" mapstructure:"archive"`
}

// CacheConfig configures the acquisition buffer.
type CacheConfig struct {
	Backend      string `yaml:"backend" mapstructure:"backend" validate:"oneof=file redis"`
	Dir          string `yaml:"dir" mapstructure:"dir"`
	WindowMins   int    `yaml:"window_mins" mapstructure:"window_mins" validate:"gte=1"`
	ChunkSize    int    `yaml:"chunk_size" mapstructure:"chunk_size" validate:"gte=1"`
	ChunkRetries int    `yaml:"chunk_retries" mapstructure:"chunk_retries" validate:"gte=1"`
	RedisURL     string `yaml:"redis_url" mapstructure:"redis_url"`
	KeyPrefix    string `yaml:"key_prefix" mapstructure:"key_prefix"`
	LockTTLSecs  int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs" validate:"gte=1"`
}

// ProxyConfig holds an operator-supplied proxy string. When empty the active
// proxy stored in the database is used.
type ProxyConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// OCRConfig configures license recognition.
type OCRConfig struct {
	Provider         string `yaml:"provider" mapstructure:"provider" validate:"omitempty,oneof=baidu"`
	APIKey           string `yaml:"api_key" mapstructure:"api_key"`
	SecretKey        string `yaml:"secret_key" mapstructure:"secret_key"`
	Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=1"`
	BreakerThreshold int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold" validate:"gte=0"`
	BreakerResetSecs int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs" validate:"gte=0"`
}

// GeocodeConfig configures address resolution.
type GeocodeConfig struct {
	AmapKey   string  `yaml:"amap_key" mapstructure:"amap_key"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit" validate:"gte=0"`
}

// ArchiveConfig configures where license artifacts are written.
type ArchiveConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures the alert checker that runs alongside serve.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs" validate:"gte=0"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours" validate:"gte=1"`
	PageFailureThreshold int     `yaml:"page_failure_threshold" mapstructure:"page_failure_threshold" validate:"gte=0"`
	SkipRateThreshold    float64 `yaml:"skip_rate_threshold" mapstructure:"skip_rate_threshold" validate:"gte=0,lte=1"`
	OCRErrorThreshold    int     `yaml:"ocr_error_threshold" mapstructure:"ocr_error_threshold" validate:"gte=0"`
	BacklogThreshold     int     `yaml:"backlog_threshold" mapstructure:"backlog_threshold" validate:"gte=0"`
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
	v.SetEnvPrefix("SUPPLIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("proxy.url", "")
	v.SetDefault("ocr.api_key", "")
	v.SetDefault("ocr.secret_key", "")
	v.SetDefault("geocode.amap_key", "")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("gateway.timeout_secs", 30)
	v.SetDefault("gateway.detail_timeout_secs", 15)
	v.SetDefault("gateway.max_retries", 3)
	v.SetDefault("gateway.backoff_step_ms", 2000)
	v.SetDefault("gateway.requests_per_second", 0)
	v.SetDefault("gateway.egress_check_url", "https://icanhazip.com")
	v.SetDefault("gateway.detect_blocks", true)
	v.SetDefault("acquire.page_size", 20)
	v.SetDefault("acquire.category_page_size", 12)
	v.SetDefault("acquire.pause_min_ms", 2000)
	v.SetDefault("acquire.pause_max_ms", 5000)
	v.SetDefault("acquire.keyword_delay_secs", 5)
	v.SetDefault("acquire.categories_file", "cary.json")
	v.SetDefault("extract.batch_size", 3)
	v.SetDefault("extract.batch_delay_secs", 2)
	v.SetDefault("extract.failure_threshold", 3)
	v.SetDefault("extract.count_transient_failures", true)
	v.SetDefault("extract.verify_egress", true)
	v.SetDefault("extract.min_asset_bytes", 20*1024)
	v.SetDefault("extract.probe_concurrency", 10)
	v.SetDefault("extract.archive", false)
	v.SetDefault("cache.backend", "file")
	v.SetDefault("cache.dir", "cache")
	v.SetDefault("cache.window_mins", 5)
	v.SetDefault("cache.chunk_size", 50)
	v.SetDefault("cache.chunk_retries", 3)
	v.SetDefault("cache.key_prefix", "supplier-cli:bucket:")
	v.SetDefault("cache.lock_ttl_secs", 300)
	v.SetDefault("ocr.provider", "baidu")
	v.SetDefault("ocr.concurrency", 5)
	v.SetDefault("ocr.breaker_threshold", 5)
	v.SetDefault("ocr.breaker_reset_secs", 60)
	v.SetDefault("geocode.rate_limit", 3)
	v.SetDefault("archive.dir", "result")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.page_failure_threshold", 20)
	v.SetDefault("monitoring.skip_rate_threshold", 0.25)
	v.SetDefault("monitoring.ocr_error_threshold", 10)
	v.SetDefault("monitoring.backlog_threshold", 5000)

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

var validate = validator.New()

// Validate checks the configuration for the given command mode. Struct tag
// rules apply to every mode; each mode adds its own required fields.
func (c *Config) Validate(mode string) error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, describe(fe))
			}
		} else {
			return eris.Wrap(err, "config: validate")
		}
	}

	switch mode {
	case "acquire", "extract", "replay", "status":
	case "ocr":
		if c.OCR.APIKey == "" || c.OCR.SecretKey == "" {
			errs = append(errs, "ocr.api_key and ocr.secret_key are required")
		}
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required for postgres")
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisURL == "" {
		errs = append(errs, "cache.redis_url is required for the redis backend")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// describe renders a validator error as a dotted config key and rule.
func describe(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	key := toSnake(ns)
	if fe.Param() != "" {
		return fmt.Sprintf("%s fails %s=%s", key, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s fails %s", key, fe.Tag())
}

func toSnake(ns string) string {
	parts := strings.Split(ns, ".")
	for i, p := range parts {
		rs := []rune(p)
		var b strings.Builder
		for j, r := range rs {
			if unicode.IsUpper(r) && j > 0 {
				prevLower := unicode.IsLower(rs[j-1])
				nextLower := j+1 < len(rs) && unicode.IsLower(rs[j+1])
				if prevLower || (unicode.IsUpper(rs[j-1]) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
		}
		parts[i] = b.String()
	}
	return strings.Join(parts, ".")
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
