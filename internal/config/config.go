// Package config loads the numdeck host configuration: defaults, then an
// optional JSON file, then NUMDECK_* environment overrides, in that
// order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Duration is a time.Duration that unmarshals from a JSON string like
// "30s" or "1h".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config is the numdeck host configuration.
type Config struct {
	// PluginPaths are the directories searched for plugins, first wins.
	PluginPaths []string `json:"pluginPaths"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"logLevel"`

	// CallTimeout bounds each plugin exchange.
	CallTimeout Duration `json:"callTimeout"`

	// CacheTTL bounds how long fetched plugins stay reusable.
	CacheTTL Duration `json:"cacheTTL"`

	// Autoload lists plugin refs loaded at startup.
	Autoload []string `json:"autoload"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		PluginPaths: []string{"./plugins"},
		LogLevel:    "info",
		CallTimeout: Duration(30 * time.Second),
		CacheTTL:    Duration(time.Hour),
	}
}

// Load builds the effective configuration: defaults, overlaid by the
// file at path (if path is non-empty), overlaid by environment
// variables. A missing file at an explicitly given path is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays NUMDECK_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("NUMDECK_PLUGIN_PATHS"); v != "" {
		c.PluginPaths = splitList(v)
	}
	if v := os.Getenv("NUMDECK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("NUMDECK_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.CallTimeout = Duration(d)
		}
	}
}

// Validate checks the configuration for values no component can accept.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if len(c.PluginPaths) == 0 {
		return fmt.Errorf("at least one plugin path is required")
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call timeout must not be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, string(os.PathListSeparator)) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
