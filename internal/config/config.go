// Package config loads engine configuration from environment variables,
// in the style of apps/ReleaseParty/backend/internal/config.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// Config holds the settings the worker and CLI processes need to start.
type Config struct {
	TemporalAddress   string
	TemporalNamespace string
	TemporalTaskQueue string

	DatabasePath string

	WorkspaceRoot string
	ProxyPort     int
	ClaudeConfigDir string

	DockerImage string

	SecretsProxyHost string
	GithubCIDRURL    string

	Environment string // "development" or "production"
}

// Load reads configuration from the environment, applying the defaults
// spec.md names (WORKSPACE_ROOT, PAID_PROXY_PORT, CLAUDE_CONFIG_DIR).
func Load() (Config, error) {
	cfg := Config{
		TemporalAddress:   env("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalNamespace: env("TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue: env("TEMPORAL_TASK_QUEUE", "paid-agent"),
		DatabasePath:      env("PAID_DB_PATH", "data/paid-agent.sqlite"),
		WorkspaceRoot:     env("WORKSPACE_ROOT", "/var/paid/workspaces"),
		ProxyPort:         3000,
		ClaudeConfigDir:   env("CLAUDE_CONFIG_DIR", ""),
		DockerImage:       env("PAID_AGENT_IMAGE", "paid-agent:latest"),
		SecretsProxyHost:  env("PAID_PROXY_HOST", "secrets-proxy"),
		GithubCIDRURL:     env("PAID_GITHUB_META_URL", "https://api.github.com/meta"),
		Environment:       env("PAID_ENVIRONMENT", "production"),
	}

	if v := strings.TrimSpace(env("PAID_PROXY_PORT", "")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, err
		}
		cfg.ProxyPort = n
	}

	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return Config{}, errors.New("missing PAID_DB_PATH")
	}
	return cfg, nil
}

// IsDevelopment reports whether the process is configured to run with the
// relaxed, best-effort failure handling spec.md reserves for development
// (e.g. a firewall-apply failure logs instead of failing the run).
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "development")
}

// SubscriptionMode reports whether a host Claude config directory was supplied.
func (c Config) SubscriptionMode() bool {
	if strings.TrimSpace(c.ClaudeConfigDir) == "" {
		return false
	}
	info, err := os.Stat(c.ClaudeConfigDir)
	return err == nil && info.IsDir()
}

func env(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
