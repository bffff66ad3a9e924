// Package config provides explicit configuration for the orchestrator.
// Components receive a Config (or the fields they need) through their
// constructors; there is no ambient singleton.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the orchestrator. Zero values are filled in
// by Default; a YAML file overrides defaults field by field.
type Config struct {
	// SessionsRoot is the directory holding one subdirectory per session.
	SessionsRoot string `yaml:"sessions_root"`

	// DatabasePath is the sqlite session index location.
	DatabasePath string `yaml:"database_path"`

	// LogDir receives the application's own log files.
	LogDir string `yaml:"log_dir"`

	// HTTPAddr is the API listen address.
	HTTPAddr string `yaml:"http_addr"`

	// ADBPath / IOSToolPrefix locate the platform tools.
	ADBPath       string `yaml:"adb_path"`
	IOSToolPrefix string `yaml:"ios_tool_prefix"`

	// PollInterval is the device-discovery cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// CommandTimeout bounds every short transport command.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// FlushInterval / BatchMaxLines shape batched log delivery.
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchMaxLines int           `yaml:"batch_max_lines"`

	// QueueCapacity bounds the per-session delivery buffer.
	QueueCapacity int `yaml:"queue_capacity"`

	// StopGrace is how long a capture process gets to exit after its
	// streams are closed before it is force-killed.
	StopGrace time.Duration `yaml:"stop_grace"`

	// AutoCapture starts a capture session on every device connect.
	AutoCapture bool `yaml:"auto_capture"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SessionsRoot:   "./sessions",
		DatabasePath:   "./data/logdeck.db",
		LogDir:         "./log",
		HTTPAddr:       ":8080",
		PollInterval:   2 * time.Second,
		CommandTimeout: 10 * time.Second,
		FlushInterval:  200 * time.Millisecond,
		BatchMaxLines:  200,
		QueueCapacity:  20000,
		StopGrace:      2 * time.Second,
		AutoCapture:    false,
	}
}

// rawConfig mirrors Config with optional fields so a YAML file can override
// defaults field by field, and with durations as strings ("5s", "200ms").
type rawConfig struct {
	SessionsRoot   *string `yaml:"sessions_root"`
	DatabasePath   *string `yaml:"database_path"`
	LogDir         *string `yaml:"log_dir"`
	HTTPAddr       *string `yaml:"http_addr"`
	ADBPath        *string `yaml:"adb_path"`
	IOSToolPrefix  *string `yaml:"ios_tool_prefix"`
	PollInterval   *string `yaml:"poll_interval"`
	CommandTimeout *string `yaml:"command_timeout"`
	FlushInterval  *string `yaml:"flush_interval"`
	BatchMaxLines  *int    `yaml:"batch_max_lines"`
	QueueCapacity  *int    `yaml:"queue_capacity"`
	StopGrace      *string `yaml:"stop_grace"`
	AutoCapture    *bool   `yaml:"auto_capture"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw rawConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&c.SessionsRoot, raw.SessionsRoot)
	setString(&c.DatabasePath, raw.DatabasePath)
	setString(&c.LogDir, raw.LogDir)
	setString(&c.HTTPAddr, raw.HTTPAddr)
	setString(&c.ADBPath, raw.ADBPath)
	setString(&c.IOSToolPrefix, raw.IOSToolPrefix)
	if raw.BatchMaxLines != nil {
		c.BatchMaxLines = *raw.BatchMaxLines
	}
	if raw.QueueCapacity != nil {
		c.QueueCapacity = *raw.QueueCapacity
	}
	if raw.AutoCapture != nil {
		c.AutoCapture = *raw.AutoCapture
	}
	for _, d := range []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"poll_interval", raw.PollInterval, &c.PollInterval},
		{"command_timeout", raw.CommandTimeout, &c.CommandTimeout},
		{"flush_interval", raw.FlushInterval, &c.FlushInterval},
		{"stop_grace", raw.StopGrace, &c.StopGrace},
	} {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// EnsureDirs creates the directories the orchestrator writes into.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.SessionsRoot, c.LogDir, filepath.Dir(c.DatabasePath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
