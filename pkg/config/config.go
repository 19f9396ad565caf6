// Package config loads server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parley-ai/parley/pkg/logger"
)

// Config represents the server configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen,omitempty"`

	// SessionsDir is the root directory for durable session records.
	SessionsDir string `yaml:"sessionsDir,omitempty"`

	// SkillsDir is the root directory scanned for skill definitions.
	SkillsDir string `yaml:"skillsDir,omitempty"`

	// DefaultModel selects the model for new sessions by id.
	DefaultModel string `yaml:"defaultModel,omitempty"`

	// DefaultThinkingLevel is one of off, low, medium, high.
	DefaultThinkingLevel string `yaml:"defaultThinkingLevel,omitempty"`

	// Reconnect controls the client backoff schedule.
	Reconnect *ReconnectConfig `yaml:"reconnect,omitempty"`

	// Log contains logging configuration.
	Log *LogConfig `yaml:"log,omitempty"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	File   string `yaml:"file,omitempty"`   // log file path (empty = console only)
	Prefix string `yaml:"prefix,omitempty"` // log prefix
}

// ReconnectConfig contains client reconnect settings.
type ReconnectConfig struct {
	InitialBackoffMs int `yaml:"initialBackoffMs,omitempty"`
	MaxBackoffMs     int `yaml:"maxBackoffMs,omitempty"`
}

// InitialBackoff returns the initial backoff as a duration.
func (r *ReconnectConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the backoff cap as a duration.
func (r *ReconnectConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMs) * time.Millisecond
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".parley")
	return &Config{
		Listen:               "127.0.0.1:7433",
		SessionsDir:          filepath.Join(root, "sessions"),
		SkillsDir:            filepath.Join(root, "skills"),
		DefaultThinkingLevel: "off",
		Reconnect: &ReconnectConfig{
			InitialBackoffMs: 500,
			MaxBackoffMs:     30000,
		},
		Log: DefaultLogConfig(),
	}
}

// DefaultLogConfig returns default logging configuration.
func DefaultLogConfig() *LogConfig {
	homeDir, _ := os.UserHomeDir()
	return &LogConfig{
		Level:  "info",
		File:   filepath.Join(homeDir, ".parley", "parley.log"),
		Prefix: "[parley] ",
	}
}

// CreateLogger creates a logger from the log configuration.
func (c *LogConfig) CreateLogger() (*logger.Logger, error) {
	if c == nil {
		c = DefaultLogConfig()
	}

	cfg := &logger.Config{
		Level:    logger.ParseLogLevel(c.Level),
		Prefix:   c.Prefix,
		Console:  true,
		File:     c.File != "",
		FilePath: c.File,
	}

	return logger.NewLogger(cfg)
}

// LoadConfig loads configuration from file and merges with environment
// variables. Environment variables take precedence over file values.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if val := os.Getenv("PARLEY_LISTEN"); val != "" {
		cfg.Listen = val
	}
	if val := os.Getenv("PARLEY_SESSIONS_DIR"); val != "" {
		cfg.SessionsDir = val
	}
	if val := os.Getenv("PARLEY_SKILLS_DIR"); val != "" {
		cfg.SkillsDir = val
	}
	if val := os.Getenv("PARLEY_MODEL"); val != "" {
		cfg.DefaultModel = val
	}
	if val := os.Getenv("PARLEY_LOG_LEVEL"); val != "" {
		if cfg.Log == nil {
			cfg.Log = DefaultLogConfig()
		}
		cfg.Log.Level = val
	}

	if cfg.DefaultThinkingLevel == "" {
		cfg.DefaultThinkingLevel = "off"
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = &ReconnectConfig{InitialBackoffMs: 500, MaxBackoffMs: 30000}
	}

	return cfg, nil
}

// SaveConfig saves configuration to file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetDefaultConfigPath returns the default config file path.
func GetDefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".parley", "config.yaml"), nil
}
