package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

const (
	ExchangeSimulator = "simulator"
	ExchangeEVM       = "evm"
)

// Config captures runtime configuration for buybackd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"env"`
	StatePath     string          `yaml:"state"`
	JournalPath   string          `yaml:"journal"`
	Log           LogConfig       `yaml:"log"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Exchange      ExchangeConfig  `yaml:"exchange"`
}

// LogConfig selects the log level and optional rotating file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// AuthConfig configures HMAC JWT verification.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew"`
}

// RateLimitConfig throttles the post and claim routes per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// TelemetryConfig points the OTLP exporters at a collector.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Traces      bool              `yaml:"traces"`
	Metrics     bool              `yaml:"metrics"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// ExchangeConfig selects the collaborator backend.
type ExchangeConfig struct {
	Mode           string   `yaml:"mode"`
	RPCURL         string   `yaml:"rpc_url"`
	ChainID        int64    `yaml:"chain_id"`
	Address        string   `yaml:"address"`
	WrappedNative  string   `yaml:"wrapped_native"`
	KeyFile        string   `yaml:"key_file"`
	Custody        string   `yaml:"custody"`
	PollInterval   Duration `yaml:"poll_interval"`
	ReceiptTimeout Duration `yaml:"receipt_timeout"`
}

// Load reads the YAML file at path, applies defaults and validates it.
func Load(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB <= 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups <= 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays <= 0 {
			cfg.Log.MaxAgeDays = 14
		}
	}
	if cfg.Auth.ClockSkew.Duration <= 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 30
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}
	cfg.Exchange.Mode = strings.ToLower(strings.TrimSpace(cfg.Exchange.Mode))
	if cfg.Exchange.Mode == "" {
		cfg.Exchange.Mode = ExchangeSimulator
	}
	if cfg.Exchange.PollInterval.Duration <= 0 {
		cfg.Exchange.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Exchange.ReceiptTimeout.Duration <= 0 {
		cfg.Exchange.ReceiptTimeout.Duration = 2 * time.Minute
	}
	if cfg.Telemetry.SampleRatio <= 0 {
		cfg.Telemetry.SampleRatio = 1
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret must be configured")
	}
	if cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within (0, 1]")
	}
	switch cfg.Exchange.Mode {
	case ExchangeSimulator:
		if cfg.Exchange.Custody != "" && !common.IsHexAddress(cfg.Exchange.Custody) {
			return fmt.Errorf("exchange.custody is not a hex address")
		}
	case ExchangeEVM:
		if strings.TrimSpace(cfg.Exchange.RPCURL) == "" {
			return fmt.Errorf("exchange.rpc_url must be configured for evm mode")
		}
		if cfg.Exchange.ChainID <= 0 {
			return fmt.Errorf("exchange.chain_id must be positive")
		}
		if !common.IsHexAddress(cfg.Exchange.Address) {
			return fmt.Errorf("exchange.address is not a hex address")
		}
		if !common.IsHexAddress(cfg.Exchange.WrappedNative) {
			return fmt.Errorf("exchange.wrapped_native is not a hex address")
		}
		if strings.TrimSpace(cfg.Exchange.KeyFile) == "" {
			return fmt.Errorf("exchange.key_file must be configured for evm mode")
		}
	default:
		return fmt.Errorf("unknown exchange mode %q", cfg.Exchange.Mode)
	}
	return nil
}
