// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Global   GlobalConfig    `yaml:"global"`
	Consoles []ConsoleConfig `yaml:"consoles"`
}

// ServerConfig holds daemon-wide settings.
type ServerConfig struct {
	// Listen is the TCP address clients connect to.
	Listen string `yaml:"listen"`

	// LogFile is the daemon's own log. Empty means stderr.
	LogFile string `yaml:"log_file"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogMaxMB is the size at which LogFile is rotated.
	LogMaxMB int `yaml:"log_max_mb"`

	// LogDir is the directory relative console log names resolve under.
	LogDir string `yaml:"log_dir"`

	// ResetCommand runs for a client reset request. An '&' is replaced
	// by the console name.
	ResetCommand string `yaml:"reset_command"`

	// TimestampInterval, when non-empty, writes a "log at" line into
	// every console log on this period (Go duration syntax).
	TimestampInterval string `yaml:"timestamp_interval"`

	// TCPKeepalive enables SO_KEEPALIVE on client and telnet sockets.
	TCPKeepalive bool `yaml:"tcp_keepalive"`

	// ZeroLogs truncates console logs when they are opened at startup.
	ZeroLogs bool `yaml:"zero_logs"`

	// BufferSize is the per-object circular buffer capacity in bytes.
	BufferSize int `yaml:"buffer_size"`

	// HistorySize is the per-console scrollback replayed to clients
	// when they attach. Zero disables replay.
	HistorySize int `yaml:"history_size"`
}

// GlobalConfig holds defaults applied to consoles that do not set
// their own.
type GlobalConfig struct {
	Log      string `yaml:"log"`
	LogOpts  string `yaml:"logopts"`
	SerOpts  string `yaml:"seropts"`
	IPMIOpts string `yaml:"ipmiopts"`
}

// ConsoleConfig describes one console.
type ConsoleConfig struct {
	Name string `yaml:"name"`

	// Dev selects the backend: "ipmi:<host>", "<host>:<port>" for
	// telnet, an absolute device path for serial, or "|command args"
	// (or an executable path followed by arguments) for a process.
	Dev string `yaml:"dev"`

	Log      string `yaml:"log"`
	LogOpts  string `yaml:"logopts"`
	SerOpts  string `yaml:"seropts"`
	IPMIOpts string `yaml:"ipmiopts"`
}

// Default returns a Config with every server setting at its default
// and no consoles.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:      "127.0.0.1:7890",
			LogLevel:    "info",
			LogMaxMB:    64,
			LogDir:      "/var/log/conman",
			BufferSize:  16384,
			HistorySize: 4096,
		},
	}
}

// Load reads the file named by CONMAN_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("CONMAN_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("CONMAN_CONFIG environment variable not set; " +
			"set it to the path of your conman.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile reads path over Default and expands path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Server.LogDir = expandVars(c.Server.LogDir, vars)
	vars["LOG_DIR"] = c.Server.LogDir

	c.Server.LogFile = expandVars(c.Server.LogFile, vars)
	c.Global.Log = expandVars(c.Global.Log, vars)
	for i := range c.Consoles {
		c.Consoles[i].Log = expandVars(c.Consoles[i].Log, vars)
		if strings.HasPrefix(c.Consoles[i].Dev, "/") || strings.HasPrefix(c.Consoles[i].Dev, "|") {
			c.Consoles[i].Dev = expandVars(c.Consoles[i].Dev, vars)
		}
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, preferring vars over
// the environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, fmt.Errorf("server.listen is required"))
	} else if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		errs = append(errs, fmt.Errorf("server.listen: %w", err))
	}
	if _, err := c.Server.Level(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Server.Interval(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("server.buffer_size must be positive, got %d", c.Server.BufferSize))
	}
	if c.Server.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("server.history_size must not be negative, got %d", c.Server.HistorySize))
	}
	if c.Server.LogMaxMB < 0 {
		errs = append(errs, fmt.Errorf("server.log_max_mb must not be negative, got %d", c.Server.LogMaxMB))
	}

	seen := make(map[string]int, len(c.Consoles))
	for i, console := range c.Consoles {
		if console.Name == "" {
			errs = append(errs, fmt.Errorf("consoles[%d]: name is required", i))
			continue
		}
		if console.Dev == "" {
			errs = append(errs, fmt.Errorf("console [%s]: dev is required", console.Name))
		}
		if first, ok := seen[console.Name]; ok {
			errs = append(errs, fmt.Errorf("console [%s]: duplicate of consoles[%d]", console.Name, first))
			continue
		}
		seen[console.Name] = i
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Level parses LogLevel.
func (s ServerConfig) Level() (slog.Level, error) {
	switch strings.ToLower(s.LogLevel) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("server.log_level must be one of debug, info, warn, error; got %q", s.LogLevel)
}

// Interval parses TimestampInterval. Zero means disabled.
func (s ServerConfig) Interval() (time.Duration, error) {
	if s.TimestampInterval == "" {
		return 0, nil
	}
	interval, err := time.ParseDuration(s.TimestampInterval)
	if err != nil {
		return 0, fmt.Errorf("server.timestamp_interval: %w", err)
	}
	if interval < 0 {
		return 0, fmt.Errorf("server.timestamp_interval must not be negative, got %s", s.TimestampInterval)
	}
	return interval, nil
}

// Resolved returns console with empty option fields filled from the
// global defaults.
func (c *Config) Resolved(console ConsoleConfig) ConsoleConfig {
	if console.Log == "" {
		console.Log = c.Global.Log
	}
	if console.LogOpts == "" {
		console.LogOpts = c.Global.LogOpts
	}
	if console.SerOpts == "" {
		console.SerOpts = c.Global.SerOpts
	}
	if console.IPMIOpts == "" {
		console.IPMIOpts = c.Global.IPMIOpts
	}
	return console
}
