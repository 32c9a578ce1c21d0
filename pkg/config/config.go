// Package config handles configuration loading and management for
// modbus-core's endpoints, poll mappings, and ambient stack.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default config file locations, checked in order when no path is given.
var configPaths = []string{
	"./config.yaml",
	"./config.yml",
	"./modbus-core.yaml",
	"~/.config/modbus-core/config.yaml",
	"/etc/modbus-core/config.yaml",
}

// Config is the top-level document loaded from YAML.
type Config struct {
	RTUEndpoints []RTUEndpoint `yaml:"rtu_endpoints" validate:"dive"`
	TCPEndpoints []TCPEndpoint `yaml:"tcp_endpoints" validate:"dive"`
	Logging      LoggingConfig `yaml:"logging"`
	Metrics      MetricsConfig `yaml:"metrics"`
}

// RTUEndpoint describes one serial-attached slave to poll or serve.
type RTUEndpoint struct {
	Name     string          `yaml:"name" validate:"required"`
	Device   string          `yaml:"device" validate:"required"`
	BaudRate int             `yaml:"baud_rate" validate:"required,min=300"`
	DataBits int             `yaml:"data_bits" validate:"omitempty,oneof=7 8"`
	Parity   string          `yaml:"parity" validate:"omitempty,oneof=none odd even"`
	StopBits float64         `yaml:"stop_bits" validate:"omitempty,oneof=1 1.5 2"`
	Unit     byte            `yaml:"unit"`
	Period   time.Duration   `yaml:"period"`
	Mappings []MappingConfig `yaml:"mappings" validate:"dive"`
}

// TCPEndpoint describes one TCP-attached slave to poll or serve.
type TCPEndpoint struct {
	Name     string          `yaml:"name" validate:"required"`
	Address  string          `yaml:"address" validate:"required"`
	Unit     byte            `yaml:"unit"`
	Period   time.Duration   `yaml:"period"`
	Mappings []MappingConfig `yaml:"mappings" validate:"dive"`
}

// MappingConfig declares one polled register-range-to-field projection
// (spec.md §4.8), as loaded from YAML.
type MappingConfig struct {
	Name          string  `yaml:"name" validate:"required"`
	Start         int     `yaml:"start" validate:"min=0"`
	RegisterCount int     `yaml:"register_count" validate:"oneof=1 2 4"`
	Format        string  `yaml:"format" validate:"omitempty,oneof=big_endian_int little_endian_int big_endian_float little_endian_float"`
	Scale         float64 `yaml:"scale"`
	Offset        float64 `yaml:"offset"`
}

// LoggingConfig controls pkg/logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
	Output string `yaml:"output"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Listen   string `yaml:"listen"`
	Endpoint string `yaml:"endpoint"`
}

// Load reads configuration from path, or the first default location that
// exists, or returns DefaultConfig if none is found.
func Load(path string) (*Config, error) {
	if path != "" {
		return loadFile(path)
	}

	for _, p := range configPaths {
		if len(p) > 0 && p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	return DefaultConfig(), nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a minimal, valid configuration with no endpoints
// registered.
func DefaultConfig() *Config {
	return &Config{
		RTUEndpoints: []RTUEndpoint{},
		TCPEndpoints: []TCPEndpoint{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   ":9100",
			Endpoint: "/metrics",
		},
	}
}
