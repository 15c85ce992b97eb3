// Package config provides YAML-based configuration loading for scanroom.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level scanroom configuration, loaded from scanroom.yaml.
type Config struct {
	PatientID string         `yaml:"patient_id"`
	API       APIConfig      `yaml:"api"`
	Autosave  AutosaveConfig `yaml:"autosave"`
	Server    ServerConfig   `yaml:"server"`
	Notify    NotifyConfig   `yaml:"notify"`
}

// APIConfig describes where the dashboard core reaches its collaborator.
type APIConfig struct {
	BaseURL   string        `yaml:"base_url"`
	ImageBase string        `yaml:"image_base"`
	Timeout   time.Duration `yaml:"timeout"`
}

// AutosaveConfig tunes the debounced consultation autosave.
type AutosaveConfig struct {
	Window time.Duration `yaml:"window"`
	Retry  RetryConfig   `yaml:"retry"`
}

// RetryConfig controls re-arming of failed autosave flushes.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// ServerConfig holds settings for the reference collaborator server.
type ServerConfig struct {
	Port      int            `yaml:"port"`
	UploadDir string         `yaml:"upload_dir"`
	Database  DatabaseConfig `yaml:"database"`
	Cleanup   CleanupConfig  `yaml:"cleanup"`
}

// DatabaseConfig selects and addresses the server's store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// CleanupConfig schedules the retention sweep.
type CleanupConfig struct {
	Schedule   string        `yaml:"schedule"`
	PendingTTL time.Duration `yaml:"pending_ttl"`
}

// NotifyConfig lists optional care-team notice channels.
type NotifyConfig struct {
	Slack   ChannelConfig `yaml:"slack"`
	Discord ChannelConfig `yaml:"discord"`
}

// ChannelConfig is a bot token plus the channel notices are posted to.
type ChannelConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether both token and channel are set.
func (c ChannelConfig) Enabled() bool {
	return c.BotToken != "" && c.ChannelID != ""
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	c.PatientID = strings.ToUpper(strings.TrimSpace(c.PatientID))
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.ImageBase == "" {
		c.API.ImageBase = c.API.BaseURL + "/uploads/"
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = 60 * time.Second
	}
	if c.Autosave.Window == 0 {
		c.Autosave.Window = 2 * time.Second
	}
	r := &c.Autosave.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = time.Second
	}
	if r.Multiplier == 0 {
		r.Multiplier = 2.0
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 30 * time.Second
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = "uploads"
	}
	db := &c.Server.Database
	if db.Driver == "" {
		db.Driver = "sqlite"
	}
	if db.Driver == "sqlite" && db.Path == "" {
		db.Path = "scanroom.db"
	}
	if db.Driver == "mysql" {
		if db.Host == "" {
			db.Host = "127.0.0.1"
		}
		if db.Port == 0 {
			db.Port = 3306
		}
		if db.User == "" {
			db.User = "root"
		}
		if db.Name == "" {
			db.Name = "scanroom"
		}
	}
	if c.Server.Cleanup.Schedule == "" {
		c.Server.Cleanup.Schedule = "0 3 * * *"
	}
	if c.Server.Cleanup.PendingTTL == 0 {
		c.Server.Cleanup.PendingTTL = 72 * time.Hour
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Autosave.Window < 0 {
		errs = append(errs, "autosave.window must not be negative")
	}
	if c.Autosave.Retry.MaxAttempts < 0 {
		errs = append(errs, "autosave.retry.max_attempts must not be negative")
	}
	if c.Autosave.Retry.Multiplier < 1 {
		errs = append(errs, "autosave.retry.multiplier must be >= 1")
	}
	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		errs = append(errs, fmt.Sprintf("api.base_url %q must be an http(s) URL", c.API.BaseURL))
	}
	switch c.Server.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("server.database.driver %q must be sqlite or mysql", c.Server.Database.Driver))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if (c.Notify.Slack.BotToken == "") != (c.Notify.Slack.ChannelID == "") {
		errs = append(errs, "notify.slack requires both bot_token and channel_id")
	}
	if (c.Notify.Discord.BotToken == "") != (c.Notify.Discord.ChannelID == "") {
		errs = append(errs, "notify.discord requires both bot_token and channel_id")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
