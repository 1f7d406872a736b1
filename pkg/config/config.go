// Package config loads the perpd configuration file.
package config

import (
	"fmt"
	"math/big"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for perpd.
type Config struct {
	Market  Market  `yaml:"market"`
	Risk    Risk    `yaml:"risk"`
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	Nats    Nats    `yaml:"nats"`
	Logging Logging `yaml:"logging"`
}

// Market sets the initial virtual reserves. Amounts are human-readable
// decimal strings, converted to 6-decimal fixed point at load.
type Market struct {
	BaseReserve  string `yaml:"base_reserve"`
	QuoteReserve string `yaml:"quote_reserve"`
}

// Risk holds the launch risk parameters.
type Risk struct {
	Owner                string `yaml:"owner"`
	MaxLeverage          int64  `yaml:"max_leverage"`
	MinMargin            string `yaml:"min_margin"`
	MinPositionSize      string `yaml:"min_position_size"`
	MaintenanceMarginBps int64  `yaml:"maintenance_margin_bps"`
	LiquidationRewardBps int64  `yaml:"liquidation_reward_bps"`
}

// Server holds network listener configuration.
type Server struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir string `yaml:"data_dir"`
}

// Nats configures the optional event publisher. Empty URL disables it.
type Nats struct {
	URL string `yaml:"url"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Market: Market{
			BaseReserve:  "100",
			QuoteReserve: "10000",
		},
		Risk: Risk{
			Owner:                "owner",
			MaxLeverage:          10,
			MinMargin:            "10",
			MinPositionSize:      "0",
			MaintenanceMarginBps: 625,
			LiquidationRewardBps: 500,
		},
		Server: Server{
			Host:        "0.0.0.0",
			Port:        8080,
			MetricsPort: 9090,
		},
		Storage: Storage{
			DataDir: ".perpd",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ParseAmount converts a human-readable decimal string to a 6-decimal
// fixed-point integer.
func ParseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d.Shift(6).BigInt(), nil
}
