package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Webhook ConfigWebhook `toml:"webhook"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url"`
	LogLevel  string `toml:"log_level"`
	CachePath string `toml:"cache_path"`
}

// ConfigAuth holds the bearer credential handed to the session.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// ConfigWebhook configures the hire webhook receiver.
type ConfigWebhook struct {
	Secret string `toml:"secret"`
	Listen string `toml:"listen"`
}

// environment overrides the config file. Unset variables leave the file
// value alone.
type environment struct {
	Home          string `env:"CHATSYNC_HOME"`
	BaseURL       string `env:"CHATSYNC_BASE_URL"`
	LogLevel      string `env:"CHATSYNC_LOG_LEVEL"`
	CachePath     string `env:"CHATSYNC_CACHE_PATH"`
	Token         string `env:"CHATSYNC_TOKEN"`
	WebhookSecret string `env:"CHATSYNC_WEBHOOK_SECRET"`
	WebhookListen string `env:"CHATSYNC_WEBHOOK_LISTEN"`
}

func readEnv() (environment, error) {
	var e environment
	if err := env.Parse(&e); err != nil {
		return e, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

func (e environment) apply(cfg *Config) {
	overlay := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	overlay(&cfg.Default.BaseURL, e.BaseURL)
	overlay(&cfg.Default.LogLevel, e.LogLevel)
	overlay(&cfg.Default.CachePath, e.CachePath)
	overlay(&cfg.Auth.Token, e.Token)
	overlay(&cfg.Webhook.Secret, e.WebhookSecret)
	overlay(&cfg.Webhook.Listen, e.WebhookListen)
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync (or $CHATSYNC_HOME), creating it
// if needed.
func configDir() (string, error) {
	e, err := readEnv()
	if err != nil {
		return "", err
	}
	dir := e.Home
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadFileConfig reads and parses the config file only.
// If the file does not exist, it returns a zero-value Config.
func loadFileConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig returns the effective config: the file overlaid with
// CHATSYNC_* environment variables.
func loadConfig() (*Config, error) {
	cfg, err := loadFileConfig()
	if err != nil {
		return nil, err
	}
	e, err := readEnv()
	if err != nil {
		return nil, err
	}
	e.apply(cfg)
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "log_level":
			if _, err := parseLevel(value); err != nil {
				return err
			}
			cfg.Default.LogLevel = value
		case "cache_path":
			cfg.Default.CachePath = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "webhook":
		switch field {
		case "secret":
			cfg.Webhook.Secret = value
		case "listen":
			cfg.Webhook.Listen = value
		default:
			return fmt.Errorf("unknown field %q in section [webhook]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, webhook)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Realtime chat client",
	Long:  "Command-line client for two-party chat rooms.\nStore a credential, list conversations, read history and chat live.",

	SilenceUsage: true,
}

func main() {
	// Optional: CHATSYNC_* from ./.env fill in variables that are not set.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
