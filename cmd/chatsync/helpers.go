package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/workbridge/chatsync"
)

// parseLevel maps a log_level setting onto a slog level.
func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelWarn, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", s)
	}
	return level, nil
}

func newLogger(cfg *Config) *slog.Logger {
	level, err := parseLevel(cfg.Default.LogLevel)
	if err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func baseURL(cfg *Config) string {
	return valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL)
}

// requireToken loads the effective config and fails if no credential is set.
func requireToken() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token configured; run 'chatsync init <token>' first")
	}
	return cfg, nil
}

// getAPIClient creates an API client authenticated with the stored token.
func getAPIClient(cfg *Config) *chatsync.APIClient {
	return chatsync.NewAPIClient(cfg.Auth.Token,
		chatsync.WithBaseURL(baseURL(cfg)),
		chatsync.WithUserAgent("chatsync-cli"),
	)
}

// getClient creates a realtime client. The returned cleanup closes the
// client and its cache.
func getClient(cfg *Config, logger *slog.Logger) (*chatsync.Client, func(), error) {
	opts := []chatsync.Option{
		chatsync.WithLogger(logger),
		chatsync.WithDirectory(getAPIClient(cfg)),
	}

	var store *chatsync.SQLiteStore
	if cfg.Default.CachePath != "" {
		var err error
		store, err = chatsync.OpenSQLiteStore(cfg.Default.CachePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open cache: %w", err)
		}
		opts = append(opts, chatsync.WithStore(store))
	}

	client := chatsync.NewClient(chatsync.NewWebSocketTransport(baseURL(cfg)), opts...)
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warn("close client", "error", err)
		}
		if store != nil {
			store.Close()
		}
	}
	return client, cleanup, nil
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
