// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package config

import (
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/emflex/upf/internal/errors"
)

// Config is the daemon configuration loaded from YAML.
type Config struct {
	PFCP      PFCPConfig      `yaml:"pfcp"`
	FlowTable FlowTableConfig `yaml:"flowtable"`
	Workers   int             `yaml:"workers"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// PFCPConfig configures the control channel listener.
type PFCPConfig struct {
	Address string `yaml:"address"` // bind address, v4 or v6
	Port    int    `yaml:"port"`
}

// FlowTableConfig sizes the per-worker flow tables.
type FlowTableConfig struct {
	MaxFlows        int `yaml:"max_flows"`
	CacheSize       int `yaml:"cache_size"`
	DefaultLifetime int `yaml:"default_lifetime"` // seconds
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Address string `yaml:"address"` // empty disables the endpoint
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		PFCP: PFCPConfig{
			Address: "0.0.0.0",
			Port:    8805,
		},
		FlowTable: FlowTableConfig{
			MaxFlows:        1 << 16,
			CacheSize:       32,
			DefaultLifetime: 60,
		},
		Workers: 4,
		Metrics: MetricsConfig{
			Address: "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML configuration file, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "read config %s", path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, errors.KindInvalidArgument, "parse config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if net.ParseIP(c.PFCP.Address) == nil {
		return errors.Errorf(errors.KindInvalidArgument, "pfcp.address %q is not an IP address", c.PFCP.Address)
	}
	if c.PFCP.Port <= 0 || c.PFCP.Port > 65535 {
		return errors.Errorf(errors.KindInvalidArgument, "pfcp.port %d out of range", c.PFCP.Port)
	}
	if c.FlowTable.MaxFlows <= 0 {
		return errors.Errorf(errors.KindInvalidArgument, "flowtable.max_flows must be positive, got %d", c.FlowTable.MaxFlows)
	}
	if c.FlowTable.CacheSize <= 0 || c.FlowTable.CacheSize > c.FlowTable.MaxFlows {
		return errors.Errorf(errors.KindInvalidArgument, "flowtable.cache_size %d out of range", c.FlowTable.CacheSize)
	}
	if c.FlowTable.DefaultLifetime <= 0 {
		return errors.Errorf(errors.KindInvalidArgument, "flowtable.default_lifetime must be positive, got %d", c.FlowTable.DefaultLifetime)
	}
	if c.Workers <= 0 {
		return errors.Errorf(errors.KindInvalidArgument, "workers must be positive, got %d", c.Workers)
	}
	return nil
}
