package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with no file failed: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default log level = %q", cfg.LogLevel)
	}
	if time.Duration(cfg.CallTimeout) != 30*time.Second {
		t.Errorf("default call timeout = %v", cfg.CallTimeout)
	}
	if len(cfg.PluginPaths) != 1 || cfg.PluginPaths[0] != "./plugins" {
		t.Errorf("default plugin paths = %v", cfg.PluginPaths)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "numdeck.json")
	body := `{
		"pluginPaths": ["/opt/plugins"],
		"logLevel": "debug",
		"callTimeout": "5s",
		"autoload": ["org.example.stats"]
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if time.Duration(cfg.CallTimeout) != 5*time.Second {
		t.Errorf("call timeout = %v", cfg.CallTimeout)
	}
	if len(cfg.Autoload) != 1 || cfg.Autoload[0] != "org.example.stats" {
		t.Errorf("autoload = %v", cfg.Autoload)
	}
	// Unset file fields keep their defaults.
	if time.Duration(cfg.CacheTTL) != time.Hour {
		t.Errorf("cache ttl = %v, want default 1h", cfg.CacheTTL)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("explicit missing config file must be an error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NUMDECK_LOG_LEVEL", "warn")
	t.Setenv("NUMDECK_CALL_TIMEOUT", "2s")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level = %q, want env override", cfg.LogLevel)
	}
	if time.Duration(cfg.CallTimeout) != 2*time.Second {
		t.Errorf("call timeout = %v, want env override", cfg.CallTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"no plugin paths", func(c *Config) { c.PluginPaths = nil }, false},
		{"negative timeout", func(c *Config) { c.CallTimeout = Duration(-time.Second) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
