// Package config loads and watches the gateway's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's full runtime configuration, loaded from a single
// YAML document and overridable by a handful of environment variables.
type Config struct {
	// HomeDir is the root directory under which the Task Store, dashboard
	// snapshots, and logs live. Defaults to ~/.agentgw.
	HomeDir string `yaml:"homeDir"`

	// CLIBin is the path to the model CLI binary invoked by the Task
	// Runner and Session Supervisor.
	CLIBin string `yaml:"cliBin"`

	// BindAddr is the control plane's listen address, e.g. ":8080".
	BindAddr string `yaml:"bindAddr"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"logLevel"`

	// MaxConcurrent caps the number of simultaneously running scheduled jobs.
	MaxConcurrent int `yaml:"maxConcurrent"`

	// HeartbeatIntervalMs is the Scheduler's poll cadence.
	HeartbeatIntervalMs int `yaml:"heartbeatIntervalMs"`

	// SnapshotIntervalSec is the Dashboard's auto-snapshot cadence.
	SnapshotIntervalSec int `yaml:"snapshotIntervalSec"`

	// MaxResultFileSize caps buffered stdout per task run, in bytes.
	MaxResultFileSize int64 `yaml:"maxResultFileSize"`

	// MaxHistorySize caps the number of execution records retained per job.
	// spec.md hard-codes this at 100; exposed here as an override.
	MaxHistorySize int `yaml:"maxHistorySize"`

	// SmartTriggerIntervalMs is the Tracker's anti-flood window for
	// milestone/error sends.
	SmartTriggerIntervalMs int `yaml:"smartTriggerIntervalMs"`

	// HeartbeatSuppressionWindowMs suppresses a Tracker heartbeat if a smart
	// send occurred within this many milliseconds.
	HeartbeatSuppressionWindowMs int `yaml:"heartbeatSuppressionWindowMs"`

	// StripVSCodeEnv also strips VSCODE_* environment variables from
	// spawned subprocesses, in addition to the always-stripped CLAUDE*/
	// ANTHROPIC* variables.
	StripVSCodeEnv bool `yaml:"stripVSCodeEnv"`

	// TelegramBotToken, if set, enables the Telegram egress adapter.
	TelegramBotToken string `yaml:"telegramBotToken"`

	// NeedsGenesis is true when no config file was found and defaults were
	// used in its place; doctor checks surface this as a warning rather
	// than a hard failure.
	NeedsGenesis bool `yaml:"-"`
}

func defaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		HomeDir:                      filepath.Join(home, ".agentgw"),
		CLIBin:                       "claude",
		BindAddr:                     ":8080",
		LogLevel:                     "info",
		MaxConcurrent:                3,
		HeartbeatIntervalMs:          5000,
		SnapshotIntervalSec:          60,
		MaxResultFileSize:            10 * 1024 * 1024,
		MaxHistorySize:               100,
		SmartTriggerIntervalMs:       2000,
		HeartbeatSuppressionWindowMs: 5000,
		StripVSCodeEnv:               false,
	}
}

// Load reads config.yaml from homeDir (or ~/.agentgw if homeDir is empty),
// falling back to defaults for any field the file omits, then applies
// environment variable overrides. Precedence is env > file > default.
func Load(homeDir string) (*Config, error) {
	cfg := defaultConfig()
	if homeDir != "" {
		cfg.HomeDir = homeDir
	}

	path := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if uerr := yaml.Unmarshal(data, cfg); uerr != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, uerr)
		}
	case os.IsNotExist(err):
		cfg.NeedsGenesis = true
	default:
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTGW_HOME"); v != "" {
		cfg.HomeDir = v
	}
	if v := os.Getenv("AGENTGW_CLI_BIN"); v != "" {
		cfg.CLIBin = v
	}
	if v := os.Getenv("AGENTGW_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("AGENTGW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTGW_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrent = n
		}
	}
	if v := os.Getenv("AGENTGW_TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramBotToken = v
	}
	if v := os.Getenv("AGENTGW_STRIP_VSCODE_ENV"); v != "" {
		cfg.StripVSCodeEnv = v == "1" || v == "true"
	}
}

// TaskStorePath returns the path to the Task Store's persisted JSON document.
func (c *Config) TaskStorePath() string {
	return filepath.Join(c.HomeDir, "tasks.json")
}

// DashboardStatePath returns the path to the Dashboard's persisted snapshot.
func (c *Config) DashboardStatePath() string {
	return filepath.Join(c.HomeDir, "dashboard-state.json")
}

// HeartbeatInterval returns HeartbeatIntervalMs as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// SnapshotInterval returns SnapshotIntervalSec as a time.Duration.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSec) * time.Second
}
