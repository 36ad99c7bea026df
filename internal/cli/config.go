package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the admin tool configuration, loaded from an optional YAML file
// and overridable by flags.
type Config struct {
	// Store is the path to the SQLite database file.
	Store string `yaml:"store"`
	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// defaultConfig returns the built-in defaults.
func defaultConfig() Config {
	return Config{
		Store:    "disintegrate.db",
		LogLevel: "info",
	}
}

// loadConfig reads the YAML config file when path is non-empty. A missing
// explicit file is an error; defaults apply when no path is given.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
