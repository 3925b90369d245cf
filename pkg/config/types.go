// Package config loads innerloop.yaml, expands environment variables,
// applies built-in defaults and validates the result into ready-to-use
// component configurations.
package config

import (
	"time"

	"github.com/innerloop-ai/innerloop/pkg/airouter"
	"github.com/innerloop-ai/innerloop/pkg/analysis"
	"github.com/innerloop-ai/innerloop/pkg/bus"
	"github.com/innerloop-ai/innerloop/pkg/coach"
	"github.com/innerloop-ai/innerloop/pkg/monitor"
	"github.com/innerloop-ai/innerloop/pkg/outbox"
	"github.com/innerloop-ai/innerloop/pkg/profile"
	"github.com/innerloop-ai/innerloop/pkg/sessions"
	"github.com/innerloop-ai/innerloop/pkg/storage"
)

// InnerloopYAMLConfig represents the complete innerloop.yaml file structure.
// Duration fields are strings parsed with time.ParseDuration.
type InnerloopYAMLConfig struct {
	Database   *DatabaseYAML   `yaml:"database"`
	Redis      *RedisYAML      `yaml:"redis"`
	Bus        *bus.Config     `yaml:"bus"`
	Outbox     *OutboxYAML     `yaml:"outbox"`
	Models     *ModelsYAML     `yaml:"models"`
	Analysis   *AnalysisYAML   `yaml:"analysis"`
	Sessions   *SessionsYAML   `yaml:"sessions"`
	Profile    *ProfileYAML    `yaml:"profile"`
	Coach      *CoachYAML      `yaml:"coach"`
	Catalog    *CatalogYAML    `yaml:"catalog"`
	Monitoring *MonitoringYAML `yaml:"monitoring"`
	Server     *ServerYAML     `yaml:"server"`
}

type DatabaseYAML struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Name            string `yaml:"name"`
	SSLMode         string `yaml:"sslmode"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime string `yaml:"conn_max_idle_time"`
}

type RedisYAML struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type OutboxYAML struct {
	Relay   *RelayYAML   `yaml:"relay"`
	Cleaner *CleanerYAML `yaml:"cleaner"`
}

type RelayYAML struct {
	BatchSize    int     `yaml:"batch_size"`
	PollInterval string  `yaml:"poll_interval"`
	MaxRetries   int     `yaml:"max_retries"`
	BackoffBase  float64 `yaml:"backoff_base"`
}

type CleanerYAML struct {
	Interval           string `yaml:"interval"`
	PublishedRetention string `yaml:"published_retention"`
	FailedRetention    string `yaml:"failed_retention"`
}

type ModelsYAML struct {
	// AnthropicKeyEnv and OpenAIKeyEnv name the env variables holding the
	// API keys. Defaults: ANTHROPIC_API_KEY, OPENAI_API_KEY.
	AnthropicKeyEnv string `yaml:"anthropic_api_key_env"`
	OpenAIKeyEnv    string `yaml:"openai_api_key_env"`
	EmbeddingModel  string `yaml:"embedding_model"`
	// Tiers maps complexity (simple|daily|deep) to premium/free chains.
	// Omitted complexities fall back to the built-in tier table.
	Tiers   map[string]airouter.ChainSet `yaml:"tiers"`
	Retry   *RetryYAML                   `yaml:"retry"`
	Breaker *BreakerYAML                 `yaml:"breaker"`
}

type RetryYAML struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelay   string  `yaml:"base_delay"`
	Multiplier  float64 `yaml:"multiplier"`
	MaxDelay    string  `yaml:"max_delay"`
	Jitter      *bool   `yaml:"jitter"`
}

type BreakerYAML struct {
	FailureThreshold  int     `yaml:"failure_threshold"`
	SuccessThreshold  int     `yaml:"success_threshold"`
	BaseTimeout       string  `yaml:"base_timeout"`
	TimeoutMultiplier float64 `yaml:"timeout_multiplier"`
	MaxTimeout        string  `yaml:"max_timeout"`
}

type AnalysisYAML struct {
	InstantTimeout string `yaml:"instant_timeout"`
	DeepTimeout    string `yaml:"deep_timeout"`
	UserTier       string `yaml:"user_tier"`
}

type SessionsYAML struct {
	MaxQuestions      int    `yaml:"max_questions"`
	FatigueHeavyCount int    `yaml:"fatigue_heavy_count"`
	IdleTimeout       string `yaml:"idle_timeout"`
	SweepInterval     string `yaml:"sweep_interval"`
	SweepBatch        int    `yaml:"sweep_batch"`
}

type ProfileYAML struct {
	SignificanceThreshold float64            `yaml:"significance_threshold"`
	TraitThresholds       map[string]float64 `yaml:"trait_thresholds"`
	PatternWindow         int                `yaml:"pattern_window"`
}

type CoachYAML struct {
	CacheTTL      string        `yaml:"cache_ttl"`
	RecentAnswers int           `yaml:"recent_answers"`
	TopN          int           `yaml:"top_n"`
	Checkins      *CheckinsYAML `yaml:"checkins"`
}

type CheckinsYAML struct {
	GoalsAfter      string `yaml:"goals_after"`
	BarriersAfter   string `yaml:"barriers_after"`
	ValuesAfter     string `yaml:"values_after"`
	SessionsWithout int    `yaml:"sessions_without"`
	MaxPerBatch     int    `yaml:"max_per_batch"`
}

type CatalogYAML struct {
	Path string `yaml:"path"`
}

type MonitoringYAML struct {
	AlertsEnabled    *bool          `yaml:"alerts_enabled"`
	Interval         string         `yaml:"interval"`
	Window           string         `yaml:"window"`
	StuckThreshold   string         `yaml:"stuck_threshold"`
	SlowThresholdMs  int64          `yaml:"slow_threshold_ms"`
	FailureThreshold float64        `yaml:"failure_threshold"`
	MinSamples       int            `yaml:"min_samples"`
	Telegram         *TelegramYAML  `yaml:"telegram"`
	Slack            *SlackYAML     `yaml:"slack"`
	AutoRetry        *AutoRetryYAML `yaml:"auto_retry"`
}

type TelegramYAML struct {
	BotTokenEnv string  `yaml:"bot_token_env"`
	AdminIDs    []int64 `yaml:"admin_ids"`
	MaxPerType  int     `yaml:"max_per_type"`
	RateWindow  string  `yaml:"rate_window"`
	GroupWindow string  `yaml:"group_window"`
	GroupHead   int     `yaml:"group_head"`
}

type SlackYAML struct {
	Enabled  *bool  `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

type AutoRetryYAML struct {
	Enabled    *bool  `yaml:"enabled"`
	Interval   string `yaml:"interval"`
	MaxRetries int    `yaml:"max_retries"`
	BatchSize  int    `yaml:"batch_size"`
	BaseDelay  string `yaml:"base_delay"`
	MaxDelay   string `yaml:"max_delay"`
	StuckAfter string `yaml:"stuck_after"`
}

type ServerYAML struct {
	Addr string `yaml:"addr"`
}

// ModelsConfig is the resolved model-access configuration.
type ModelsConfig struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	EmbeddingModel  string
}

// SlackConfig is the resolved Slack notifier configuration.
type SlackConfig struct {
	Enabled bool
	Token   string
	Channel string
}

// MonitoringConfig groups the resolved monitoring settings.
type MonitoringConfig struct {
	// AlertsEnabled gates registration of external notifiers. The monitor
	// loop itself always runs.
	AlertsEnabled    bool
	Monitor          monitor.Config
	Telegram         monitor.TelegramConfig
	Slack            SlackConfig
	AutoRetryEnabled bool
	AutoRetry        monitor.RetryConfig
}

// Config is the fully resolved configuration, ready to hand to component
// constructors.
type Config struct {
	Database    storage.Config
	Redis       RedisConfig
	Bus         bus.Config
	Relay       outbox.RelayConfig
	Cleaner     outbox.CleanerConfig
	Models      ModelsConfig
	Router      airouter.Config
	Analysis    analysis.Config
	Sessions    sessions.Config
	Profile     profile.Config
	Coach       coach.Config
	Checkins    coach.CheckinConfig
	CatalogPath string
	Monitoring  MonitoringConfig
	ServerAddr  string

	// TelegramBotToken is resolved from the env variable named in YAML.
	TelegramBotToken string
}

// RedisConfig is the resolved Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// parseDuration parses a YAML duration string, warning and falling back to
// def on bad input. Empty input returns def silently.
func parseDuration(value string, def time.Duration) (time.Duration, bool) {
	if value == "" {
		return def, true
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def, false
	}
	return d, true
}
