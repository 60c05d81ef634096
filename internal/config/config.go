// Package config loads the scheduler's YAML service-options file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openclaw/cronsched/pkg/cron"
)

// LoggingConfig controls the service's zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the top-level service configuration.
type Config struct {
	StorePath       string        `yaml:"storePath"`
	BotName         string        `yaml:"botName"`
	Enabled         bool          `yaml:"enabled"`
	DefaultTimezone string        `yaml:"defaultTimezone"`
	MaxJobsPerChat  int           `yaml:"maxJobsPerChat"`
	MaxRunMs        int64         `yaml:"maxRunMs"`
	DefaultPolicy   cron.Policy   `yaml:"defaultPolicy"`
	Logging         LoggingConfig `yaml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		StorePath:       "./data/cron",
		BotName:         "default",
		Enabled:         true,
		DefaultTimezone: "UTC",
		MaxJobsPerChat:  50,
		MaxRunMs:        30_000,
		DefaultPolicy: cron.Policy{
			MaxLatenessMs:  5 * 60 * 1000,
			RetryMax:       2,
			RetryBackoffMs: 2000,
			DeleteAfterRun: false,
		},
		Logging: LoggingConfig{Level: "info", Pretty: false},
	}
}

// Load reads and parses path, filling any unset fields from Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
