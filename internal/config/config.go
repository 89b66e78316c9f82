package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"trade-halt-breaker/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. Pair-setting reads
// always go to the primary DSN; the replica, when set, serves listings and
// history exports only.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	ReplicaDSN      string        `mapstructure:"replica_dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig covers the cache, pub/sub, and trade-stream connection.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// CacheConfig bounds the settings cache.
type CacheConfig struct {
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// BreakerConfig carries the pair template and lookup tuning.
type BreakerConfig struct {
	Template       TemplateConfig `mapstructure:"template"`
	HistoryTimeout time.Duration  `mapstructure:"history_timeout"`
}

// TemplateConfig is applied when a pair setting is created without fields.
// Decimal values are strings so thresholds never pass through floats.
type TemplateConfig struct {
	ListenWindowSeconds int    `mapstructure:"listen_window_seconds"`
	BreakerPercent      string `mapstructure:"breaker_percent"`
	BlockDurationHours  string `mapstructure:"block_duration_hours"`
	Enabled             bool   `mapstructure:"enabled"`
}

// StreamConfig governs the executed-trade consumer.
type StreamConfig struct {
	Key       string        `mapstructure:"key"`
	Group     string        `mapstructure:"group"`
	Consumer  string        `mapstructure:"consumer"`
	BatchSize int64         `mapstructure:"batch_size"`
	Block     time.Duration `mapstructure:"block"`
}

// SweepConfig governs the periodic auto-unlock sweep.
type SweepConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	BatchSize       int           `mapstructure:"batch_size"`
}

// AlertingConfig defines the operator alert channel for failed transitions.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BREAKERWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "breakerwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("cache.prefix", "breaker:")
	v.SetDefault("cache.ttl", "5m")

	v.SetDefault("breaker.template.listen_window_seconds", 300)
	v.SetDefault("breaker.template.breaker_percent", "10")
	v.SetDefault("breaker.template.block_duration_hours", "24")
	v.SetDefault("breaker.template.enabled", true)
	v.SetDefault("breaker.history_timeout", "2s")

	v.SetDefault("stream.key", "trades:executed")
	v.SetDefault("stream.group", "breakerwatch")
	v.SetDefault("stream.consumer", "breakerwatch-1")
	v.SetDefault("stream.batch_size", 64)
	v.SetDefault("stream.block", "5s")

	v.SetDefault("sweep.interval", "1m")
	v.SetDefault("sweep.align_to_bucket", true)
	v.SetDefault("sweep.advisory_lock_key", int64(0x62726b77))
	v.SetDefault("sweep.startup_delay", "0s")
	v.SetDefault("sweep.batch_size", 200)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be greater than zero")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be greater than zero")
	}
	if c.Breaker.Template.ListenWindowSeconds <= 0 {
		return fmt.Errorf("breaker.template.listen_window_seconds must be greater than zero")
	}
	if _, err := c.TemplatePercent(); err != nil {
		return err
	}
	if _, err := c.TemplateDuration(); err != nil {
		return err
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// TemplatePercent parses the template breaker threshold.
func (c *Config) TemplatePercent() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Breaker.Template.BreakerPercent)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("breaker.template.breaker_percent: %w", err)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("breaker.template.breaker_percent must be positive")
	}
	return d, nil
}

// TemplateDuration parses the template block duration in hours.
func (c *Config) TemplateDuration() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Breaker.Template.BlockDurationHours)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("breaker.template.block_duration_hours: %w", err)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("breaker.template.block_duration_hours must be positive")
	}
	return d, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
