// Package config loads cumulus configuration from ~/.cumulus/config.yaml
// with CUMULUS_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all cumulus configuration.
type Config struct {
	// Home is the cumulus state directory (default ~/.cumulus).
	Home string `yaml:"home"`

	Supervisor SupervisorConfig `yaml:"supervisor"`
	Control    ControlConfig    `yaml:"control"`
	Context    ContextConfig    `yaml:"context"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SupervisorConfig configures subprocess spawning.
type SupervisorConfig struct {
	// CLIPath forces a specific CLI binary; empty means resolve from candidates.
	CLIPath string `yaml:"cli_path"`

	// ExtraCandidates are checked before the built-in install locations.
	ExtraCandidates []string `yaml:"extra_candidates"`

	// GraceMillis is the interjection grace period after a kill.
	GraceMillis int `yaml:"grace_millis"`
}

// ControlConfig configures the local HTTP control API.
type ControlConfig struct {
	Port int `yaml:"port"`

	// MaxPortAttempts bounds the EADDRINUSE fall-through.
	MaxPortAttempts int `yaml:"max_port_attempts"`
}

// ContextConfig holds context assembly budgets as read from the config file.
// The assembler does not read these values; it uses the build-time constants
// in package assemble.
type ContextConfig struct {
	RecentCount        int `yaml:"recent_count"`
	RecentMsgMaxTokens int `yaml:"recent_msg_max_tokens"`
	TotalBudget        int `yaml:"total_budget"`
	RecentBudget       int `yaml:"recent_budget"`
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	Level     string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Home: filepath.Join(home, ".cumulus"),
		Supervisor: SupervisorConfig{
			GraceMillis: 100,
		},
		Control: ControlConfig{
			Port:            9223,
			MaxPortAttempts: 20,
		},
		Context: ContextConfig{
			RecentCount:        10,
			RecentMsgMaxTokens: 500,
			TotalBudget:        120000,
			RecentBudget:       6000,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads the config file if present and applies environment overrides.
// A missing file is not an error: defaults apply.
func Load() (*Config, error) {
	cfg := Default()

	path := filepath.Join(cfg.Home, "config.yaml")
	if p := os.Getenv("CUMULUS_CONFIG"); p != "" {
		path = p
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides applies CUMULUS_* environment variables on top of file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CUMULUS_HOME"); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv("CUMULUS_CLI_PATH"); v != "" {
		cfg.Supervisor.CLIPath = v
	}
	if v := os.Getenv("CUMULUS_CONTROL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Control.Port = port
		}
	}
	if v := os.Getenv("CUMULUS_DEBUG"); v != "" {
		cfg.Logging.DebugMode = v == "1" || v == "true"
	}
	if v := os.Getenv("CUMULUS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// ThreadsDir returns the root directory for per-thread state.
func (c *Config) ThreadsDir() string {
	return filepath.Join(c.Home, "threads")
}

// LogsDir returns the directory for category log files.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Home, "logs")
}
