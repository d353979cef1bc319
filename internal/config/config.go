package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"clockline/internal/timecalc"
)

// Config models clockline.yml.
type Config struct {
	User struct {
		ID       string `yaml:"id"`
		Timezone string `yaml:"timezone"`
	} `yaml:"user"`
	Linear struct {
		Endpoint        string `yaml:"endpoint"`
		APIKeyEnv       string `yaml:"api_key_env"`
		Team            string `yaml:"team"`
		IntervalSeconds int    `yaml:"interval_seconds"`
	} `yaml:"linear"`
	Export struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		SpreadsheetID string `yaml:"spreadsheet_id"`
		Sheet         string `yaml:"sheet"`
		TokenEnv      string `yaml:"token_env"`
	} `yaml:"export"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run cl init or write one by hand", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.User.ID == "" {
		return fmt.Errorf("config.user.id is required")
	}
	if _, err := timecalc.ParseZone(c.User.Timezone); err != nil {
		return fmt.Errorf("config.user.timezone: %w", err)
	}
	if c.Linear.IntervalSeconds < 0 {
		return fmt.Errorf("config.linear.interval_seconds must be >= 0")
	}
	if c.Export.Enabled {
		if c.Export.URL == "" {
			return fmt.Errorf("config.export.url is required when export is enabled")
		}
		if c.Export.SpreadsheetID == "" {
			return fmt.Errorf("config.export.spreadsheet_id is required when export is enabled")
		}
	}
	return nil
}

// Zone returns the user's selected zone offset.
func (c *Config) Zone() timecalc.Zone {
	z, err := timecalc.ParseZone(c.User.Timezone)
	if err != nil {
		return 0
	}
	return z
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "clockline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.User.ID = "local-user"
	cfg.User.Timezone = "UTC+00:00"
	cfg.Linear.Endpoint = "https://api.linear.app/graphql"
	cfg.Linear.APIKeyEnv = "LINEAR_API_KEY"
	cfg.Linear.IntervalSeconds = 300
	cfg.Export.Sheet = "entries"
	cfg.Export.TokenEnv = "CLOCKLINE_SHEET_TOKEN"
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	b, _ := yaml.Marshal(Default())
	return string(b)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
