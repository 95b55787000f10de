package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GuardConfig configures the desktop-side activation guard.  It is read
// from a YAML file because the guard ships with the client installer, not
// with the server environment.
type GuardConfig struct {
	ServerURL       string        `yaml:"server_url"`       // base URL including the /api prefix
	PollInterval    time.Duration `yaml:"poll_interval"`    // status poll period
	TamperThreshold time.Duration `yaml:"tamper_threshold"` // max |serverDelta - localDelta| between polls
	DriftWarn       time.Duration `yaml:"drift_warn"`       // absolute skew that is logged
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	StatePath       string        `yaml:"state_path"`   // bbolt file holding the persisted snapshot
	StateSecret     string        `yaml:"state_secret"` // signs snapshot records
	InstallID       string        `yaml:"install_id"`   // mixed into the signing key
	Log             struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// LoadGuardConfig reads and validates the guard YAML file at path.
func LoadGuardConfig(path string) (*GuardConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guard config: %w", err)
	}
	return ParseGuardConfig(b)
}

// ParseGuardConfig decodes YAML bytes and applies defaults.
func ParseGuardConfig(b []byte) (*GuardConfig, error) {
	var cfg GuardConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse guard config: %w", err)
	}
	cfg.applyDefaults()
	if cfg.ServerURL == "" {
		return nil, errors.New("server_url is required")
	}
	return &cfg, nil
}

func (c *GuardConfig) applyDefaults() {
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Minute
	}
	if c.TamperThreshold <= 0 {
		c.TamperThreshold = 5 * time.Minute
	}
	if c.DriftWarn <= 0 {
		c.DriftWarn = 10 * time.Minute
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.StatePath == "" {
		c.StatePath = "./data/guard.db"
	}
	if c.StateSecret == "" {
		c.StateSecret = "labsync-guard"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}
