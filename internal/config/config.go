package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Binance  BinanceConfig  `mapstructure:"binance"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Symbols  SymbolsConfig  `mapstructure:"symbols"`
	History  HistoryConfig  `mapstructure:"history"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// BinanceConfig holds exchange API configuration
type BinanceConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Interval        string        `mapstructure:"interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
	PageLimit       int           `mapstructure:"page_limit"`
	PageSpacing     time.Duration `mapstructure:"page_spacing"`
	RequestSpacing  time.Duration `mapstructure:"request_spacing"`
	MaxConnsPerHost int           `mapstructure:"max_conns_per_host"`
}

// MonitorConfig holds the poll loop and alert rule configuration
type MonitorConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	TopK                int           `mapstructure:"top_k"`
	MinHistory          int           `mapstructure:"min_history"`
	CheckpointInterval  int           `mapstructure:"checkpoint_interval"`
	RebaseInterval      int           `mapstructure:"rebase_interval"`
	VolumeRatio         float64       `mapstructure:"volume_ratio"`
	SpikeRefireMinValue float64       `mapstructure:"spike_refire_min_value"`
	PumpRatio           float64       `mapstructure:"pump_ratio"`
	DumpRatio           float64       `mapstructure:"dump_ratio"`
	MaxLookback         int           `mapstructure:"max_lookback"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
	QueueSize           int           `mapstructure:"queue_size"`
}

// SymbolsConfig selects the candidate universe. An empty universe means every
// trading symbol quoted in Quote.
type SymbolsConfig struct {
	Universe []string `mapstructure:"universe"`
	Quote    string   `mapstructure:"quote"`
	Watch    []string `mapstructure:"watch"`
}

// HistoryConfig holds the candle file location
type HistoryConfig struct {
	Dir string `mapstructure:"dir"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds the SQLite journal configuration
type StorageConfig struct {
	MaxAlerts int    `mapstructure:"max_alerts"`
	DBPath    string `mapstructure:"db_path"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// A .env file next to the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()

	// Set config file
	v.SetConfigFile(path)

	// Set defaults
	setDefaults(v)

	// Enable environment variable override, e.g. TICKWATCH_TELEGRAM_BOT_TOKEN
	v.SetEnvPrefix("TICKWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Binance defaults
	v.SetDefault("binance.base_url", "https://api.binance.com")
	v.SetDefault("binance.interval", "1m")
	v.SetDefault("binance.timeout", "10s")
	v.SetDefault("binance.page_limit", 500)
	v.SetDefault("binance.page_spacing", "500ms")
	v.SetDefault("binance.request_spacing", "1500ms")
	v.SetDefault("binance.max_conns_per_host", 4)

	// Monitor defaults
	v.SetDefault("monitor.poll_interval", "1m")
	v.SetDefault("monitor.top_k", 100)
	v.SetDefault("monitor.min_history", 10080)
	v.SetDefault("monitor.checkpoint_interval", 12)
	v.SetDefault("monitor.rebase_interval", 100000)
	v.SetDefault("monitor.volume_ratio", 10.0)
	v.SetDefault("monitor.spike_refire_min_value", 10000.0)
	v.SetDefault("monitor.pump_ratio", 1.05)
	v.SetDefault("monitor.dump_ratio", 0.99)
	v.SetDefault("monitor.max_lookback", 9)
	v.SetDefault("monitor.cooldown", "600s")
	v.SetDefault("monitor.queue_size", 64)

	// Symbols defaults
	v.SetDefault("symbols.quote", "USDT")
	v.SetDefault("symbols.watch", []string{"BTCUSDT"})

	// History defaults
	v.SetDefault("history.dir", "./data/history")

	// Telegram defaults; empty keys are declared so env overrides reach Unmarshal
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.max_alerts", 10000)
	v.SetDefault("storage.db_path", "./data/tickwatch.db")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Binance config
	if c.Binance.BaseURL == "" {
		return fmt.Errorf("binance.base_url is required")
	}
	if c.Binance.Interval != "1m" {
		return fmt.Errorf("binance.interval must be 1m, the windows are measured in minutes")
	}
	if c.Binance.Timeout <= 0 {
		return fmt.Errorf("binance.timeout must be positive")
	}
	if c.Binance.PageLimit < 1 || c.Binance.PageLimit > 1000 {
		return fmt.Errorf("binance.page_limit must be between 1 and 1000")
	}
	if c.Binance.PageSpacing < 0 || c.Binance.RequestSpacing < 0 {
		return fmt.Errorf("binance request spacing must not be negative")
	}

	// Validate Monitor config
	if c.Monitor.PollInterval < time.Second {
		return fmt.Errorf("monitor.poll_interval must be at least 1 second")
	}
	if c.Monitor.TopK < 1 {
		return fmt.Errorf("monitor.top_k must be at least 1")
	}
	if c.Monitor.MinHistory < 10 {
		return fmt.Errorf("monitor.min_history must be at least 10")
	}
	if c.Monitor.CheckpointInterval < 0 {
		return fmt.Errorf("monitor.checkpoint_interval must not be negative")
	}
	if c.Monitor.VolumeRatio <= 1 {
		return fmt.Errorf("monitor.volume_ratio must be greater than 1")
	}
	if c.Monitor.PumpRatio <= 1 {
		return fmt.Errorf("monitor.pump_ratio must be greater than 1")
	}
	if c.Monitor.DumpRatio <= 0 || c.Monitor.DumpRatio >= 1 {
		return fmt.Errorf("monitor.dump_ratio must be between 0 and 1")
	}
	if c.Monitor.MaxLookback < 1 {
		return fmt.Errorf("monitor.max_lookback must be at least 1")
	}
	if c.Monitor.Cooldown < 0 {
		return fmt.Errorf("monitor.cooldown must not be negative")
	}

	// Validate Symbols config
	if len(c.Symbols.Universe) == 0 && c.Symbols.Quote == "" {
		return fmt.Errorf("symbols.quote is required when symbols.universe is empty")
	}

	// Validate History config
	if c.History.Dir == "" {
		return fmt.Errorf("history.dir is required")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Storage config
	if c.Storage.MaxAlerts < 0 {
		return fmt.Errorf("storage.max_alerts must not be negative")
	}

	// Validate Metrics config
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
