// Package config reads process settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pysugar/settings-vault/internal/cloudsync"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DBPath        string // PERSIST_DB_PATH (default "data.sqlite")
	DBLog         string // PERSIST_DB_LOG (silent|error|warn|info, default "warn")
	DatasetRepo   string // DATASET_REPO_ID (optional, empty = no cloud sync)
	HFToken       string // HF_TOKEN (optional, empty = no cloud sync)
	HubEndpoint   string // HF_ENDPOINT (default "https://huggingface.co")
	Revision      string // PERSIST_DATASET_REVISION (default "main")
	DefaultsFile  string // PERSIST_DEFAULTS_FILE (optional YAML mapping)
	Host          string // HOST (default "127.0.0.1")
	Port          string // PORT (default "8090")
	AdminPassword string // PERSIST_ADMIN_PASSWORD (optional, empty = no auth)
}

func Load() (*Config, error) {
	c := &Config{
		DBPath:        envOrDefault("PERSIST_DB_PATH", "data.sqlite"),
		DBLog:         strings.ToLower(envOrDefault("PERSIST_DB_LOG", "warn")),
		DatasetRepo:   strings.TrimSpace(os.Getenv("DATASET_REPO_ID")),
		HFToken:       strings.TrimSpace(os.Getenv("HF_TOKEN")),
		HubEndpoint:   envOrDefault("HF_ENDPOINT", cloudsync.DefaultEndpoint),
		Revision:      envOrDefault("PERSIST_DATASET_REVISION", cloudsync.DefaultRevision),
		DefaultsFile:  os.Getenv("PERSIST_DEFAULTS_FILE"),
		Host:          envOrDefault("HOST", "127.0.0.1"),
		Port:          envOrDefault("PORT", "8090"),
		AdminPassword: os.Getenv("PERSIST_ADMIN_PASSWORD"),
	}

	switch c.DBLog {
	case "silent", "error", "warn", "info":
	default:
		return nil, fmt.Errorf("PERSIST_DB_LOG: unknown level %q", c.DBLog)
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		return nil, fmt.Errorf("PORT: invalid port %q", c.Port)
	}
	return c, nil
}

// Target returns the dataset repository used for backup and restore.
func (c *Config) Target() cloudsync.Target {
	return cloudsync.Target{RepoID: c.DatasetRepo, Token: c.HFToken}
}

// Addr is the listen address of the HTTP surface.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// LoadDefaults parses a YAML mapping of default settings. An empty path
// yields an empty mapping.
func LoadDefaults(path string) (map[string]any, error) {
	defaults := map[string]any{}
	if strings.TrimSpace(path) == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read defaults file %q: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse defaults file %q: %w", path, err)
	}
	for k, v := range raw {
		defaults[k] = normalizeYAML(v)
	}
	return defaults, nil
}

// normalizeYAML converts yaml.v3 output into JSON-compatible shapes: ints
// become int64 and non-string map keys are stringified.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
