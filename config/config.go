// Package config describes a flash device and its bus attachment in
// YAML, for the CLI and for embedders that keep board wiring out of
// code.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Device DeviceConfig `yaml:"device"`
	Bus    BusConfig    `yaml:"bus"`
}

// ---- DEVICE GEOMETRY ----

type DeviceConfig struct {
	PageSize int `yaml:"page_size"`
	Pages    int `yaml:"pages"`
}

// TotalSize returns the device capacity in bytes.
func (d DeviceConfig) TotalSize() int64 {
	return int64(d.PageSize) * int64(d.Pages)
}

// ---- BUS ATTACHMENT ----

type BusConfig struct {
	FrequencyHz int `yaml:"frequency_hz"`
	Mode        int `yaml:"mode"`
	Bits        int `yaml:"bits"`
	QueueDepth  int `yaml:"queue_depth"`
}

// Parse decodes YAML, rejecting unknown fields.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &cfg, nil
}

// Load reads, parses, defaults and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with working values.
func ApplyDefaults(cfg *Config) {
	if cfg.Device.PageSize == 0 {
		cfg.Device.PageSize = 512
	}
	if cfg.Device.Pages == 0 {
		cfg.Device.Pages = 4096
	}
	if cfg.Bus.FrequencyHz == 0 {
		cfg.Bus.FrequencyHz = 1_000_000
	}
	if cfg.Bus.Bits == 0 {
		cfg.Bus.Bits = 8
	}
	if cfg.Bus.QueueDepth == 0 {
		cfg.Bus.QueueDepth = 8
	}
}
