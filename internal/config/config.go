// Package config loads and validates progress client configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Hub       HubConfig       `mapstructure:"hub"`
	Sinks     SinksConfig     `mapstructure:"sinks"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the local status API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ChannelConfig locates and tunes the progress push channel.
type ChannelConfig struct {
	PageURL                 string `mapstructure:"page_url"`
	Port                    int    `mapstructure:"port"`
	Path                    string `mapstructure:"path"`
	Endpoint                string `mapstructure:"endpoint"`
	KeepaliveSeconds        int    `mapstructure:"keepalive_seconds"`
	ReconnectDelayMs        int    `mapstructure:"reconnect_delay_ms"`
	CompletionTTLSeconds    int    `mapstructure:"completion_ttl_seconds"`
	HandshakeTimeoutSeconds int    `mapstructure:"handshake_timeout_seconds"`
}

// KeepaliveInterval returns the ping period.
func (c ChannelConfig) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveSeconds) * time.Second
}

// ReconnectDelay returns the fixed delay before redialing.
func (c ChannelConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// CompletionTTL returns how long completed entries stay in the table.
func (c ChannelConfig) CompletionTTL() time.Duration {
	return time.Duration(c.CompletionTTLSeconds) * time.Second
}

// HandshakeTimeout bounds a single dial.
func (c ChannelConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// BackendConfig configures the outbound conversion API client.
type BackendConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Timeout returns the per-request budget.
func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// HubConfig controls event batching between the client and its sinks.
type HubConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int `mapstructure:"sink_timeout_ms"`
}

// SinksConfig toggles the always-available sinks.
type SinksConfig struct {
	LogEnabled        bool `mapstructure:"log_enabled"`
	PrometheusEnabled bool `mapstructure:"prometheus_enabled"`
}

// DBConfig controls access to the run history database. An empty DSN keeps
// run history in memory.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for completion notifications. Publishing is
// enabled when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether a topic is configured.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.TopicName != ""
}

// ArchiveConfig selects where converted artifacts are copied.
type ArchiveConfig struct {
	Enabled bool               `mapstructure:"enabled"`
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalArchiveConfig `mapstructure:"local"`
}

// LocalArchiveConfig configures the filesystem archive backend.
type LocalArchiveConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	ServiceName    string `mapstructure:"service_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROGRESS")
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
	v.SetDefault("server.port", 8081)
	v.SetDefault("channel.page_url", "http://localhost:3000")
	v.SetDefault("channel.port", 8000)
	v.SetDefault("channel.path", "/ws")
	v.SetDefault("channel.endpoint", "")
	v.SetDefault("channel.keepalive_seconds", 30)
	v.SetDefault("channel.reconnect_delay_ms", 3000)
	v.SetDefault("channel.completion_ttl_seconds", 10)
	v.SetDefault("channel.handshake_timeout_seconds", 10)
	v.SetDefault("backend.base_url", "http://localhost:8000/api/v1/conversion")
	v.SetDefault("backend.timeout_seconds", 600)
	v.SetDefault("backend.rate_limit_rps", 5)
	v.SetDefault("backend.rate_limit_burst", 5)
	v.SetDefault("hub.buffer_size", 1024)
	v.SetDefault("hub.max_batch_events", 100)
	v.SetDefault("hub.max_batch_wait_ms", 250)
	v.SetDefault("hub.sink_timeout_ms", 5000)
	v.SetDefault("sinks.log_enabled", true)
	v.SetDefault("sinks.prometheus_enabled", true)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "conversion_runs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.backend", "memory")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "conversions")
	v.SetDefault("archive.local.base_dir", "./archive")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "convprogress")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Channel.Endpoint == "" {
		if _, err := url.Parse(c.Channel.PageURL); err != nil || c.Channel.PageURL == "" {
			return fmt.Errorf("channel.page_url must be a valid URL when channel.endpoint is empty")
		}
		if c.Channel.Port <= 0 {
			return fmt.Errorf("channel.port must be > 0")
		}
	}
	if c.Channel.KeepaliveSeconds <= 0 {
		return fmt.Errorf("channel.keepalive_seconds must be > 0")
	}
	if c.Channel.ReconnectDelayMs <= 0 {
		return fmt.Errorf("channel.reconnect_delay_ms must be > 0")
	}
	if c.Channel.CompletionTTLSeconds <= 0 {
		return fmt.Errorf("channel.completion_ttl_seconds must be > 0")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url must be set")
	}
	if c.Backend.TimeoutSeconds <= 0 {
		return fmt.Errorf("backend.timeout_seconds must be > 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case "memory":
		case "local":
			if c.Archive.Local.BaseDir == "" {
				return fmt.Errorf("archive.local.base_dir must be set for the local backend")
			}
		case "gcs":
			if c.Archive.Bucket == "" {
				return fmt.Errorf("archive.bucket must be set for the gcs backend")
			}
		default:
			return fmt.Errorf("archive.backend %q is not one of memory, local, gcs", c.Archive.Backend)
		}
	}
	return nil
}
