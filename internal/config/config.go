// Package config loads and validates engine configuration via Viper.
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
	Auth      AuthConfig      `mapstructure:"auth"`
	Circuit   CircuitConfig   `mapstructure:"circuit"`
	Activator ActivatorConfig `mapstructure:"activator"`
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	DB        DBConfig        `mapstructure:"db"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CircuitConfig governs relay-container provisioning.
type CircuitConfig struct {
	Image           string `mapstructure:"image"`
	PortMin         int    `mapstructure:"port_min"`
	PortMax         int    `mapstructure:"port_max"`
	MaxPortAttempts int    `mapstructure:"max_port_attempts"`
	WaitMaxSeconds  int    `mapstructure:"wait_max_seconds"`
	WaitStepSeconds int    `mapstructure:"wait_step_seconds"`
}

// ActivatorConfig governs the login/challenge loop.
type ActivatorConfig struct {
	LoginURL        string `mapstructure:"login_url"`
	MaxAttempts     int    `mapstructure:"max_attempts"`
	CooldownSeconds int    `mapstructure:"cooldown_seconds"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
}

// HarvestConfig governs per-page scraping behavior.
type HarvestConfig struct {
	SiteURL        string  `mapstructure:"site_url"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RPSPerCircuit  float64 `mapstructure:"rps_per_circuit"`
	Burst          int     `mapstructure:"burst"`
}

// WatchConfig governs the watchlist profile poller.
type WatchConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	SiteURL string `mapstructure:"site_url"`
}

// EnrichConfig identifies the enrichment service endpoints.
type EnrichConfig struct {
	TranslateEndpoint string `mapstructure:"translate_endpoint"`
	ClassifyEndpoint  string `mapstructure:"classify_endpoint"`
	VisionEndpoint    string `mapstructure:"vision_endpoint"`
	TargetLanguage    string `mapstructure:"target_language"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_seconds"`
}

// ArchiveConfig selects and configures the raw-page archive.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	LocalPath string `mapstructure:"local_path"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for scan-event notifications.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig controls the process logger. Level is a zap level
// name ("debug", "info", ...); empty keeps the mode's default.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCANENGINE")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("circuit.image", "tornet/relay:latest")
	v.SetDefault("circuit.port_min", 40001)
	v.SetDefault("circuit.port_max", 60001)
	v.SetDefault("circuit.max_port_attempts", 100)
	v.SetDefault("circuit.wait_max_seconds", 60)
	v.SetDefault("circuit.wait_step_seconds", 2)
	v.SetDefault("activator.max_attempts", 9)
	v.SetDefault("activator.cooldown_seconds", 300)
	v.SetDefault("activator.timeout_seconds", 30)
	v.SetDefault("harvest.timeout_seconds", 30)
	v.SetDefault("harvest.rps_per_circuit", 1)
	v.SetDefault("harvest.burst", 1)
	v.SetDefault("enrich.target_language", "EN")
	v.SetDefault("archive.provider", "local")
	v.SetDefault("archive.local_path", "archive")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("pubsub.provider", "memory")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Circuit.PortMin <= 0 || c.Circuit.PortMax <= c.Circuit.PortMin {
		return fmt.Errorf("circuit.port_min/port_max range is invalid")
	}
	if c.Circuit.MaxPortAttempts <= 0 {
		return fmt.Errorf("circuit.max_port_attempts must be > 0")
	}
	if c.Activator.MaxAttempts <= 0 {
		return fmt.Errorf("activator.max_attempts must be > 0")
	}
	if c.Harvest.TimeoutSeconds <= 0 {
		return fmt.Errorf("harvest.timeout_seconds must be > 0")
	}
	if c.Watch.Enabled && c.Watch.SiteURL == "" {
		return fmt.Errorf("watch.site_url must be set when watch is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Archive.Provider {
	case "local", "gcs", "noop":
	default:
		return fmt.Errorf("archive.provider must be local, gcs or noop")
	}
	if c.Archive.Provider == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
	}
	switch c.PubSub.Provider {
	case "memory", "gcp":
	default:
		return fmt.Errorf("pubsub.provider must be memory or gcp")
	}
	if c.PubSub.Provider == "gcp" && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub.provider is gcp")
	}
	return nil
}

// ActivatorCooldown returns the cooldown between attempt epochs.
func (c Config) ActivatorCooldown() time.Duration {
	return time.Duration(c.Activator.CooldownSeconds) * time.Second
}

// HarvestTimeout returns the per-request timeout for scraping.
func (c Config) HarvestTimeout() time.Duration {
	return time.Duration(c.Harvest.TimeoutSeconds) * time.Second
}
