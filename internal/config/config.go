// Package config loads the engine configuration from YAML with environment
// overrides, and hot-reloads the verification/escalation policy file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/foresight-tools/foresight/internal/escalate"
	"github.com/foresight-tools/foresight/internal/verify"
)

// ProviderConfig holds one HTTP provider's endpoint settings. API keys come
// from the environment only and are never written back to disk or echoed in
// results.
type ProviderConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"-"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// ExecutorConfig holds step execution knobs.
type ExecutorConfig struct {
	FanOut          int           `mapstructure:"fan_out"`
	DeepTaskTimeout time.Duration `mapstructure:"deep_task_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// CacheConfig holds the optional Redis response cache settings.
type CacheConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// EscalationPolicy is the file form of the gate thresholds. The volume floor
// is a string because YAML has no exact-decimal scalar.
type EscalationPolicy struct {
	EVDeltaThreshold float64 `mapstructure:"ev_delta_threshold" yaml:"ev_delta_threshold"`
	VolumeFloor      string  `mapstructure:"volume_floor" yaml:"volume_floor"`
}

// GatePolicy converts the file form into gate thresholds.
func (p EscalationPolicy) GatePolicy() (escalate.GatePolicy, error) {
	out := escalate.GatePolicy{EVDeltaThreshold: p.EVDeltaThreshold}
	if p.VolumeFloor != "" {
		floor, err := decimal.NewFromString(p.VolumeFloor)
		if err != nil {
			return escalate.GatePolicy{}, fmt.Errorf("parse volume_floor %q: %w", p.VolumeFloor, err)
		}
		out.VolumeFloor = floor
	}
	return out, nil
}

// PolicyConfig mirrors the hot-reloadable policy file.
type PolicyConfig struct {
	Verification verify.Policy    `mapstructure:"verification" yaml:"verification"`
	Escalation   EscalationPolicy `mapstructure:"escalation" yaml:"escalation"`
}

// Config is the full engine configuration.
type Config struct {
	StorePath  string         `mapstructure:"store_path"`
	PolicyPath string         `mapstructure:"policy_path"`
	LogLevel   string         `mapstructure:"log_level"`
	LogFormat  string         `mapstructure:"log_format"`
	Exa        ProviderConfig `mapstructure:"exa"`
	Polymarket ProviderConfig `mapstructure:"polymarket"`
	Executor   ExecutorConfig `mapstructure:"executor"`
	Cache      CacheConfig    `mapstructure:"cache"`
	Policy     PolicyConfig   `mapstructure:"policy"`

	MetricsPort          int             `mapstructure:"metrics_port"`
	DefaultBudgetCeiling decimal.Decimal `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store_path", "foresight.db")
	v.SetDefault("policy_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("metrics_port", 0)
	v.SetDefault("default_budget_ceiling", "1.00")

	v.SetDefault("exa.base_url", "https://api.exa.ai")
	v.SetDefault("exa.timeout", 30*time.Second)
	v.SetDefault("exa.requests_per_second", 5.0)
	v.SetDefault("polymarket.base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.timeout", 15*time.Second)
	v.SetDefault("polymarket.requests_per_second", 10.0)

	v.SetDefault("executor.fan_out", 1)
	v.SetDefault("executor.deep_task_timeout", 15*time.Minute)
	v.SetDefault("executor.poll_interval", 15*time.Second)

	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.ttl", 15*time.Minute)

	v.SetDefault("policy.verification.min_distinct_domains", 2)
	v.SetDefault("policy.verification.max_parrot_delta", 0.001)
	v.SetDefault("policy.escalation.ev_delta_threshold", 0.15)
	v.SetDefault("policy.escalation.volume_floor", "10000")
}

// Load reads the configuration file at path (optional; defaults apply when
// empty) and applies FORESIGHT_* environment overrides. API keys are read
// from EXA_API_KEY / POLYMARKET_API_KEY only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FORESIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ceiling, err := decimal.NewFromString(v.GetString("default_budget_ceiling"))
	if err != nil {
		return nil, fmt.Errorf("parse default_budget_ceiling: %w", err)
	}
	cfg.DefaultBudgetCeiling = ceiling

	cfg.Exa.APIKey = os.Getenv("EXA_API_KEY")
	cfg.Polymarket.APIKey = os.Getenv("POLYMARKET_API_KEY")

	return &cfg, nil
}
