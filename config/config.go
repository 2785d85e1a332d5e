package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Identity is the request-identification block loaded from config.json.
// These values go out on every REST call as headers so the exchange can
// attribute traffic.
type Identity struct {
	Version   string `json:"version"`
	RepoLink  string `json:"repo_link"`
	UserAgent string `json:"user_agent"`
	Email     string `json:"email,omitempty"`
}

// Config holds all application configuration: identity from config.json
// plus infrastructure settings from environment variables.
type Config struct {
	Identity

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	DataRoot      string
	LogDir        string
	LogLevel      string
}

// Load reads identity keys from the JSON file at path and infrastructure
// settings from environment variables with sensible defaults. version,
// repo_link and user_agent are required; email may instead come from the
// EMAIL environment variable.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if id.Email == "" {
		id.Email = os.Getenv("EMAIL")
	}
	var missing []string
	if id.Version == "" {
		missing = append(missing, "version")
	}
	if id.RepoLink == "" {
		missing = append(missing, "repo_link")
	}
	if id.UserAgent == "" {
		missing = append(missing, "user_agent")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("config %s: missing required keys: %s", path, strings.Join(missing, ", "))
	}

	return &Config{
		Identity: id,

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/catalog.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		DataRoot:      getEnv("DATA_ROOT", "data"),
		LogDir:        getEnv("LOG_DIR", "logs"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}, nil
}

// SlogLevel maps the LOG_LEVEL setting onto a slog.Level. Unknown values
// fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
