// Package config loads Valor's YAML configuration. Secrets resolve through
// a priority chain (OS keyring, environment, .env file, config value) so
// the YAML on disk never needs to hold an API key.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/valor-bot/valor/pkg/valor/bridge"
	"github.com/valor-bot/valor/pkg/valor/channels/discord"
	"github.com/valor-bot/valor/pkg/valor/channels/whatsapp"
	"github.com/valor-bot/valor/pkg/valor/classify"
	"github.com/valor-bot/valor/pkg/valor/session"
	"github.com/valor-bot/valor/pkg/valor/watchdog"
	"github.com/valor-bot/valor/pkg/valor/workspace"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "valor.yaml"

// Config is the root configuration. Component defaults live in the
// component constructors; only daemon-level defaults are filled here.
type Config struct {
	// Name is the assistant's display name.
	Name string `yaml:"name"`

	Logging    LoggingConfig        `yaml:"logging"`
	Database   DatabaseConfig       `yaml:"database"`
	Queue      QueueConfig          `yaml:"queue"`
	Engine     session.ClaudeConfig `yaml:"engine"`
	Classifier classify.LLMConfig   `yaml:"classifier"`
	Bridge     bridge.Config        `yaml:"bridge"`
	Watchdog   watchdog.Config      `yaml:"watchdog"`
	Workspaces workspace.Config     `yaml:"workspaces"`
	Channels   ChannelsConfig       `yaml:"channels"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// DatabaseConfig points at the job store.
type DatabaseConfig struct {
	// Path is the SQLite file for the job queue.
	Path string `yaml:"path"`

	// PruneAfterDays controls how long terminal jobs are kept.
	PruneAfterDays int `yaml:"prune_after_days"`
}

// QueueConfig tunes the worker loop.
type QueueConfig struct {
	// PollMillis is the idle poll interval in milliseconds.
	PollMillis int `yaml:"poll_millis"`

	// BackoffMillis is the initial backoff after a store failure.
	BackoffMillis int `yaml:"backoff_millis"`
}

// DiscordChannelConfig pairs the enabled flag with discordgo settings.
type DiscordChannelConfig struct {
	Enabled        bool `yaml:"enabled"`
	discord.Config `yaml:",inline"`
}

// WhatsAppChannelConfig pairs the enabled flag with whatsmeow settings.
type WhatsAppChannelConfig struct {
	Enabled         bool `yaml:"enabled"`
	whatsapp.Config `yaml:",inline"`
}

// ChannelsConfig enables and configures the chat transports.
type ChannelsConfig struct {
	Discord  DiscordChannelConfig  `yaml:"discord"`
	WhatsApp WhatsAppChannelConfig `yaml:"whatsapp"`

	// Console enables the local readline channel.
	Console bool `yaml:"console"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Name: "Valor",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Database: DatabaseConfig{
			Path:           "./data/valor.db",
			PruneAfterDays: 30,
		},
		Queue: QueueConfig{
			PollMillis:    1000,
			BackoffMillis: 2000,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppChannelConfig{Config: whatsapp.DefaultConfig()},
		},
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} references in the YAML.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads the config file, expands environment references and overlays
// the result on the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	// .env files never overwrite real environment variables.
	_ = godotenv.Load(".env", ".env.local")

	if path == "" {
		path = DefaultPath
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	resolveSecrets(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML, replacing the classifier API key with an
// environment reference so the secret never lands on disk.
func Save(cfg *Config, path string) error {
	sanitized := *cfg
	if sanitized.Classifier.APIKey != "" {
		sanitized.Classifier.APIKey = "${VALOR_CLASSIFIER_API_KEY}"
	}
	if sanitized.Channels.Discord.Token != "" {
		sanitized.Channels.Discord.Token = "${VALOR_DISCORD_TOKEN}"
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// expandEnvVars substitutes ${VAR} references, honoring :- defaults.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		if val := os.Getenv(name); val != "" {
			return val
		}
		return def
	})
}

// resolveSecrets fills empty secrets from the keyring and environment.
func resolveSecrets(cfg *Config) {
	if cfg.Classifier.APIKey == "" {
		cfg.Classifier.APIKey = ResolveSecret(KeyClassifierAPIKey,
			"VALOR_CLASSIFIER_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY")
	}
	if cfg.Channels.Discord.Token == "" {
		cfg.Channels.Discord.Token = ResolveSecret(KeyDiscordToken,
			"VALOR_DISCORD_TOKEN", "DISCORD_TOKEN")
	}
}

// validate rejects configurations the daemon cannot run with.
func validate(cfg *Config) error {
	seen := make(map[string]bool)
	for _, p := range cfg.Bridge.Projects {
		if p.Key == "" {
			return fmt.Errorf("config: project with empty key")
		}
		if p.Dir == "" {
			return fmt.Errorf("config: project %q has no dir", p.Key)
		}
		if seen[p.Key] {
			return fmt.Errorf("config: duplicate project key %q", p.Key)
		}
		seen[p.Key] = true
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", cfg.Logging.Format)
	}
	return nil
}

// ProjectKeys returns the queue lanes the worker pool should serve.
func (c *Config) ProjectKeys() []string {
	keys := make([]string, 0, len(c.Bridge.Projects))
	for _, p := range c.Bridge.Projects {
		keys = append(keys, p.Key)
	}
	return keys
}
