// Package config loads the Quill host configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the host configuration, loaded from YAML.
type Config struct {
	// Plugins configures the plugin subsystem.
	Plugins PluginsConfig `yaml:"plugins"`

	// Registry configures plugin discovery.
	Registry RegistryConfig `yaml:"registry"`

	// Log configures host logging.
	Log LogConfig `yaml:"log"`
}

// PluginsConfig configures installation paths and sandbox behavior.
type PluginsConfig struct {
	// Path is the root directory for installed plugins.
	// Defaults to ~/.quill/plugins.
	Path string `yaml:"path"`

	// CallTimeout bounds each plugin method call.
	CallTimeout Duration `yaml:"callTimeout"`
}

// RegistryConfig configures the plugin registry client.
type RegistryConfig struct {
	// URL is the registry base URL.
	URL string `yaml:"url"`

	// FreshnessWindow is how long cached catalog data stays fresh.
	FreshnessWindow Duration `yaml:"freshnessWindow"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Plugins: PluginsConfig{
			Path:        defaultPluginsPath(),
			CallTimeout: Duration(30 * time.Second),
		},
		Registry: RegistryConfig{
			FreshnessWindow: Duration(24 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultPluginsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".quill", "plugins")
	}
	return filepath.Join(home, ".quill", "plugins")
}

// Load reads a YAML config file and applies it over the defaults. A missing
// file is not an error: the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values after loading.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}
	if c.Plugins.CallTimeout < 0 {
		return fmt.Errorf("plugins.callTimeout must not be negative")
	}
	if c.Registry.FreshnessWindow < 0 {
		return fmt.Errorf("registry.freshnessWindow must not be negative")
	}
	return nil
}
