// Package config loads the bot's runtime configuration from a YAML
// file with environment variable overrides. Environment values win over
// file values; both fall back to defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Channels ChannelsConfig `yaml:"channels"`
	Storage  StorageConfig  `yaml:"storage"`
	Engine   EngineConfig   `yaml:"engine"`
	Classify ClassifyConfig `yaml:"classify"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level string `yaml:"level" env:"LOOM_LOG_LEVEL"`
}

// GatewayConfig controls the HTTP gateway (webhooks, health, event stream).
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled" env:"LOOM_GATEWAY_ENABLED"`
	Addr    string `yaml:"addr" env:"LOOM_GATEWAY_ADDR"`

	// Tokens, when non-empty, lists the verification tokens accepted on
	// webhook posts.
	Tokens []string `yaml:"tokens" env:"LOOM_GATEWAY_TOKENS" envSeparator:","`

	// CallbackURL is where the generic webhook adapter posts outbound
	// messages.
	CallbackURL string `yaml:"callback_url" env:"LOOM_GATEWAY_CALLBACK_URL"`
}

// ChannelsConfig enables and configures platform adapters.
type ChannelsConfig struct {
	Slack    SlackConfig    `yaml:"slack"`
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Console  ConsoleConfig  `yaml:"console"`
}

// SlackConfig configures the Slack RTM adapter.
type SlackConfig struct {
	Enabled bool   `yaml:"enabled" env:"LOOM_SLACK_ENABLED"`
	Token   string `yaml:"token" env:"LOOM_SLACK_TOKEN"`
}

// TelegramConfig configures the Telegram long-polling adapter.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled" env:"LOOM_TELEGRAM_ENABLED"`
	Token   string `yaml:"token" env:"LOOM_TELEGRAM_TOKEN"`
}

// DiscordConfig configures the Discord gateway adapter.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled" env:"LOOM_DISCORD_ENABLED"`
	Token   string `yaml:"token" env:"LOOM_DISCORD_TOKEN"`
}

// ConsoleConfig configures the local terminal adapter.
type ConsoleConfig struct {
	Enabled bool   `yaml:"enabled" env:"LOOM_CONSOLE_ENABLED"`
	User    string `yaml:"user" env:"LOOM_CONSOLE_USER"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is "memory", "json", or "sqlite".
	Driver string `yaml:"driver" env:"LOOM_STORAGE_DRIVER"`
	// Path is the data directory (json) or database file (sqlite).
	Path string `yaml:"path" env:"LOOM_STORAGE_PATH"`
}

// EngineConfig controls the conversation runtime.
type EngineConfig struct {
	// IdleTimeout is how long a conversation may sit without activity
	// before the reaper stops it.
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"LOOM_ENGINE_IDLE_TIMEOUT"`
	// ReapSchedule is a cron expression gating reaper sweeps.
	ReapSchedule string `yaml:"reap_schedule" env:"LOOM_ENGINE_REAP_SCHEDULE"`
}

// ClassifyConfig controls categorization rule variants.
type ClassifyConfig struct {
	// KeepColon disables stripping of the colon after a leading mention.
	KeepColon bool `yaml:"keep_colon" env:"LOOM_CLASSIFY_KEEP_COLON"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    ":8600",
		},
		Channels: ChannelsConfig{
			Console: ConsoleConfig{User: "operator"},
		},
		Storage: StorageConfig{Driver: "memory"},
		Engine: EngineConfig{
			IdleTimeout:  30 * time.Minute,
			ReapSchedule: "* * * * *",
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty or the
// file does not exist) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Channels.Slack.Enabled && c.Channels.Slack.Token == "" {
		return fmt.Errorf("slack adapter enabled without a token")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("telegram adapter enabled without a token")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		return fmt.Errorf("discord adapter enabled without a token")
	}
	switch c.Storage.Driver {
	case "", "memory":
	case "json", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage driver %q requires a path", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}
