// Package config loads and watches the YAML configuration file.
package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Browser   BrowserConfig   `yaml:"browser"`
	Engine    EngineConfig    `yaml:"engine"`
	Processor ProcessorConfig `yaml:"processor"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type LogConfig struct {
	Level   string        `yaml:"level"`
	Console bool          `yaml:"console"`
	File    LogFileConfig `yaml:"file"`
}

type LogFileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type DatabaseConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout"` // Go duration string
}

type BrowserConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

type EngineConfig struct {
	PaceDelay    string `yaml:"pace_delay"`
	FailureDelay string `yaml:"failure_delay"`
}

type ProcessorConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Timeout string   `yaml:"timeout"`
}

type TelegramConfig struct {
	Enabled bool     `yaml:"enabled"`
	Token   string   `yaml:"token"`
	ChatID  int64    `yaml:"chat_id"`
	Events  []string `yaml:"events"`
}

type SchedulerConfig struct {
	LogCapacity int `yaml:"log_capacity"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
		Database: DatabaseConfig{
			Path:        "./data/taskherd.db",
			BusyTimeout: "5s",
		},
		Browser: BrowserConfig{
			BaseURL: "http://127.0.0.1:54345",
			Timeout: "60s",
		},
		Engine: EngineConfig{
			PaceDelay:    "2s",
			FailureDelay: "3s",
		},
		Processor: ProcessorConfig{
			Timeout: "5m",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	if _, err := ParseDurationField("database.busy_timeout", c.Database.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("browser.timeout", c.Browser.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.pace_delay", c.Engine.PaceDelay); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.failure_delay", c.Engine.FailureDelay); err != nil {
		return err
	}
	if _, err := ParseDurationField("processor.timeout", c.Processor.Timeout); err != nil {
		return err
	}
	if strings.TrimSpace(c.Processor.Command) == "" {
		return fmt.Errorf("processor.command is required")
	}
	if c.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

// ParseDurationField parses a duration config value; empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for empty or
// zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
