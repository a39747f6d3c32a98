package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置 — the Orchestrator's full runtime configuration (§6).
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Tiers      TiersConfig      `mapstructure:"tier"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Context    ContextConfig    `mapstructure:"context"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Session    SessionConfig    `mapstructure:"session"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
}

// ServerConfig HTTP/WebSocket 监听配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TierConfig describes one tier's provider deployment and cost table (§6).
type TierConfig struct {
	Name            string  `mapstructure:"name"`             // provider deployment identifier
	ContextTokens   int     `mapstructure:"context_tokens"`   // W_model
	RatePerInputK   float64 `mapstructure:"rate_per_1k_in"`   // USD per 1K input tokens
	RatePerOutputK  float64 `mapstructure:"rate_per_1k_out"`  // USD per 1K output tokens
	MaxConcurrency  int     `mapstructure:"max_concurrency"`  // recorded on the TierSpec; the Gateway's semaphore uses gateway.concurrency_per_tier

	// Provider connection — which backend serves this tier's deployment.
	ProviderType string `mapstructure:"provider_type"` // "openai" | "anthropic" | "gemini"
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
}

// TiersConfig holds the three-tier catalogue (§4.D).
type TiersConfig struct {
	Small  TierConfig `mapstructure:"small"`
	Medium TierConfig `mapstructure:"medium"`
	Large  TierConfig `mapstructure:"large"`
}

// ClassifierConfig holds the Classifier's tunables (§4.C/§6).
type ClassifierConfig struct {
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"` // τ_class
}

// ContextConfig holds the Context Manager's tunables (§4.B/§6).
type ContextConfig struct {
	ReserveTokens          int `mapstructure:"reserve_tokens"`           // R_reserve
	SummarizeAfterMessages int `mapstructure:"summarize_after_messages"` // N_summarize
}

// GatewayConfig holds the LLM Gateway's retry/backoff/admission tunables (§4.E/§6).
type GatewayConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BackoffBaseMs      int           `mapstructure:"backoff_base_ms"`
	BackoffCapMs       int           `mapstructure:"backoff_cap_ms"`
	ConcurrencyPerTier int           `mapstructure:"concurrency_per_tier"` // C_per_tier
	AdmitTimeout       time.Duration `mapstructure:"admit_timeout"`        // T_admit
	CancelTimeout      time.Duration `mapstructure:"cancel_timeout"`       // T_cancel
	AttemptTimeout     time.Duration `mapstructure:"attempt_timeout"`      // T_attempt, per-provider-call deadline
	LockTimeout        time.Duration `mapstructure:"lock_timeout"`         // T_lock
}

// SessionConfig holds the Session Hub's buffering tunables (§4.F/§6).
type SessionConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	LagTimeout    time.Duration `mapstructure:"lag_timeout_ms"` // T_lag
}

// BudgetConfig holds the per-tenant cost-policy tunables (§4.D/§6).
type BudgetConfig struct {
	DownshiftThreshold float64 `mapstructure:"downshift_threshold"` // β_strict
	DailyCapUSD        float64 `mapstructure:"daily_cap_usd"`       // per-owner daily budget consulted by CostPolicy
}

// LedgerConfig holds the Metrics & Cost Ledger's aggregator-queue tunables (§4.H/§5).
type LedgerConfig struct {
	QueueSize  int    `mapstructure:"queue_size"`   // buffered channel capacity ahead of the aggregator goroutine
	WALDir     string `mapstructure:"wal_dir"`      // write-ahead log directory; empty disables durable replay
	MaxWALSize int64  `mapstructure:"max_wal_size"` // bytes before the WAL rotates
}

// Load 加载配置 — layered: defaults, then a global dir, then a project-local
// file, then environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	globalDir := filepath.Join(os.Getenv("HOME"), ".ngoclaw")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	v.SetEnvPrefix("ORCHESTRATOR")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults 设置默认配置 — the default tunables for the Orchestrator's
// tier catalogue, classifier, context manager, gateway, session hub, and
// budget policy.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "orchestrator.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tier.small.name", "gpt-4o-mini")
	v.SetDefault("tier.small.context_tokens", 16000)
	v.SetDefault("tier.small.rate_per_1k_in", 0.00015)
	v.SetDefault("tier.small.rate_per_1k_out", 0.0006)
	v.SetDefault("tier.small.max_concurrency", 8)
	v.SetDefault("tier.small.provider_type", "openai")

	v.SetDefault("tier.medium.name", "gpt-4o")
	v.SetDefault("tier.medium.context_tokens", 32000)
	v.SetDefault("tier.medium.rate_per_1k_in", 0.0025)
	v.SetDefault("tier.medium.rate_per_1k_out", 0.01)
	v.SetDefault("tier.medium.max_concurrency", 4)
	v.SetDefault("tier.medium.provider_type", "openai")

	v.SetDefault("tier.large.name", "gpt-4-turbo")
	v.SetDefault("tier.large.context_tokens", 64000)
	v.SetDefault("tier.large.rate_per_1k_in", 0.01)
	v.SetDefault("tier.large.rate_per_1k_out", 0.03)
	v.SetDefault("tier.large.max_concurrency", 2)
	v.SetDefault("tier.large.provider_type", "openai")

	v.SetDefault("classifier.confidence_threshold", 0.55)

	v.SetDefault("context.reserve_tokens", 1024)
	v.SetDefault("context.summarize_after_messages", 20)

	v.SetDefault("gateway.max_attempts", 5)
	v.SetDefault("gateway.backoff_base_ms", 500)
	v.SetDefault("gateway.backoff_cap_ms", 30000)
	v.SetDefault("gateway.concurrency_per_tier", 4)
	v.SetDefault("gateway.admit_timeout", "10s")
	v.SetDefault("gateway.cancel_timeout", "2s")
	v.SetDefault("gateway.attempt_timeout", "60s")
	v.SetDefault("gateway.lock_timeout", "5s")

	v.SetDefault("session.buffer_size", 128)
	v.SetDefault("session.lag_timeout_ms", "10s")

	v.SetDefault("budget.downshift_threshold", 10.0)
	v.SetDefault("budget.daily_cap_usd", 50.0)

	v.SetDefault("ledger.queue_size", 1024)
	v.SetDefault("ledger.wal_dir", "")
	v.SetDefault("ledger.max_wal_size", 10*1024*1024)
}
