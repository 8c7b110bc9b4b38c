// Package config loads watcher settings from an optional YAML file, with
// command line flags layered on top by the CLI.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is looked up in the checkout root when --config is not given.
const DefaultFile = ".pullrun.yaml"

// Duration wraps time.Duration so YAML values can be written as "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the on-disk configuration file.
type Config struct {
	Branch        string   `yaml:"branch,omitempty"`
	Remote        string   `yaml:"remote,omitempty"`
	Interval      Duration `yaml:"interval,omitempty"`
	Grace         Duration `yaml:"grace,omitempty"`
	MaxBackoff    Duration `yaml:"max_backoff,omitempty"`
	GitHub        bool     `yaml:"github,omitempty"`
	StopOnFailure bool     `yaml:"stop_on_failure,omitempty"`
	RestartOnExit bool     `yaml:"restart_on_exit,omitempty"`
}

// Default returns the built-in configuration. Branch and remote default to
// empty, meaning they are detected from the checkout.
func Default() Config {
	return Config{
		Interval:   Duration(5 * time.Second),
		Grace:      Duration(10 * time.Second),
		MaxBackoff: Duration(2 * time.Minute),
	}
}

// Load reads a config file and applies it over the defaults. A missing file
// is not an error when optional is set; fields absent from the file keep
// their default values.
func Load(path string, optional bool) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if time.Duration(c.Interval) < 0 {
		return fmt.Errorf("interval must not be negative")
	}
	if time.Duration(c.Grace) < 0 {
		return fmt.Errorf("grace must not be negative")
	}
	if time.Duration(c.MaxBackoff) < 0 {
		return fmt.Errorf("max_backoff must not be negative")
	}
	return nil
}
