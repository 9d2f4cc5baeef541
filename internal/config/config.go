// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Render    RenderConfig    `mapstructure:"render"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	RenderLog RenderLogConfig `mapstructure:"render_log"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port             int `mapstructure:"port"`
	ReadTimeoutSec   int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSec  int `mapstructure:"write_timeout_seconds"`
	ShutdownGraceSec int `mapstructure:"shutdown_grace_seconds"`
	IdleTimeoutSec   int `mapstructure:"idle_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// QueueConfig governs admission and the two per-job timers.
type QueueConfig struct {
	Concurrency        int `mapstructure:"concurrency"`
	QueueTimeoutMs     int `mapstructure:"queue_timeout_ms"`
	ExecutionTimeoutMs int `mapstructure:"execution_timeout_ms"`
	MaxTaskCount       int `mapstructure:"max_task_count"`
}

// QueueTimeout returns the waiting budget as a duration.
func (c QueueConfig) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutMs) * time.Millisecond
}

// ExecutionTimeout returns the running budget as a duration.
func (c QueueConfig) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutMs) * time.Millisecond
}

// RenderConfig configures the headless browser layer.
type RenderConfig struct {
	URLTemplate      string         `mapstructure:"url_template"`
	DesktopUserAgent string         `mapstructure:"desktop_user_agent"`
	MobileUserAgent  string         `mapstructure:"mobile_user_agent"`
	HostDenyPattern  string         `mapstructure:"host_deny_pattern"`
	CloseTimeoutMs   int            `mapstructure:"close_timeout_ms"`
	ExtraFlags       map[string]any `mapstructure:"extra_flags"`
	PrintBackground  bool           `mapstructure:"print_background"`
	Landscape        bool           `mapstructure:"landscape"`
	MarginIn         float64        `mapstructure:"margin_in"`
	Scale            float64        `mapstructure:"scale"`
}

// CloseTimeout returns the browser teardown budget as a duration.
func (c RenderConfig) CloseTimeout() time.Duration {
	return time.Duration(c.CloseTimeoutMs) * time.Millisecond
}

// ProbeConfig configures the pre-render article existence check.
type ProbeConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RateLimitConfig throttles the public API per client address.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// ArchiveConfig selects where rendered PDFs are archived. Backend is one of
// "none", "memory", "local", "gcs".
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	BaseDir   string `mapstructure:"base_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for render completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RenderLogConfig controls the Postgres render log.
type RenderLogConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WIKIPRINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3030)
	v.SetDefault("server.read_timeout_seconds", 60)
	v.SetDefault("server.write_timeout_seconds", 120)
	v.SetDefault("server.shutdown_grace_seconds", 15)
	v.SetDefault("server.idle_timeout_seconds", 90)
	v.SetDefault("logging.development", false)
	v.SetDefault("queue.concurrency", 1)
	v.SetDefault("queue.queue_timeout_ms", 60000)
	v.SetDefault("queue.execution_timeout_ms", 90000)
	v.SetDefault("queue.max_task_count", 3)
	v.SetDefault("render.url_template", "https://{domain}/wiki/{title}")
	v.SetDefault("render.desktop_user_agent", "wikiprint-renderer/1.0")
	v.SetDefault("render.mobile_user_agent", "wikiprint-renderer/1.0 (mobile)")
	v.SetDefault("render.close_timeout_ms", 3000)
	v.SetDefault("render.print_background", true)
	v.SetDefault("render.scale", 1.0)
	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.timeout_seconds", 10)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 5)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "renders")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("render_log.enabled", false)
	v.SetDefault("render_log.table", "render_log")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.Concurrency < 0 {
		return fmt.Errorf("queue.concurrency must be >= 0")
	}
	if c.Queue.QueueTimeoutMs <= 0 {
		return fmt.Errorf("queue.queue_timeout_ms must be > 0")
	}
	if c.Queue.ExecutionTimeoutMs <= 0 {
		return fmt.Errorf("queue.execution_timeout_ms must be > 0")
	}
	if c.Queue.MaxTaskCount < 1 {
		return fmt.Errorf("queue.max_task_count must be >= 1")
	}
	if !strings.Contains(c.Render.URLTemplate, "{domain}") ||
		!strings.Contains(c.Render.URLTemplate, "{title}") {
		return fmt.Errorf("render.url_template must contain {domain} and {title}")
	}
	if c.Render.CloseTimeoutMs <= 0 {
		return fmt.Errorf("render.close_timeout_ms must be > 0")
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	if c.PubSub.Enabled {
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
		}
	}
	if c.RenderLog.Enabled && c.RenderLog.DSN == "" {
		return fmt.Errorf("render_log.dsn is required when the render log is enabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate_limit.rps must be > 0 when rate limiting is enabled")
	}
	return nil
}

// ArticleURL expands the URL template for one article.
func (c RenderConfig) ArticleURL(domain, title string) string {
	url := strings.ReplaceAll(c.URLTemplate, "{domain}", domain)
	return strings.ReplaceAll(url, "{title}", title)
}
