package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blesense/internal/ble/adv"
)

// Limits of the BLE advertising interval.
const (
	MinAdvertisingInterval = 20 * time.Millisecond
	MaxAdvertisingInterval = 10240 * time.Millisecond
)

// Config holds all application configuration.
type Config struct {
	DeviceName          string            `yaml:"device_name"`
	ServiceUUID         string            `yaml:"service_uuid"`
	CharacteristicUUID  string            `yaml:"characteristic_uuid"`
	CharacteristicFlags []string          `yaml:"characteristic_flags"`
	Advertising         AdvertisingConfig `yaml:"advertising"`
	Codec               string            `yaml:"codec"`
	Sensor              SensorConfig      `yaml:"sensor"`
	LogLevel            string            `yaml:"log_level"`
}

// AdvertisingConfig holds advertising settings.
type AdvertisingConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Readvertise string        `yaml:"readvertise"` // "always" or "when_idle"
}

// SensorConfig holds sampling settings.
type SensorConfig struct {
	Schedule string `yaml:"schedule"` // cron spec, e.g. "@every 5s"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blesense")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		DeviceName:          "ESP32_Device",
		ServiceUUID:         "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
		CharacteristicUUID:  "6e400002-b5a3-f393-e0a9-e50e24dcca9e",
		CharacteristicFlags: []string{"read", "write", "notify"},
		Advertising: AdvertisingConfig{
			Interval:    100 * time.Millisecond,
			Readvertise: "always",
		},
		Codec: "json",
		Sensor: SensorConfig{
			Schedule: "@every 5s",
		},
		LogLevel: "info",
	}
}

// defaultYAML is written by WriteDefault. Keep it in sync with Default.
const defaultYAML = `# blesense configuration
device_name: ESP32_Device
service_uuid: 6e400001-b5a3-f393-e0a9-e50e24dcca9e
characteristic_uuid: 6e400002-b5a3-f393-e0a9-e50e24dcca9e
characteristic_flags: [read, write, notify]
advertising:
  interval: 100ms
  readvertise: always # or when_idle
codec: json # or protobuf
sensor:
  schedule: "@every 5s"
log_level: info
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" if a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultYAML), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a log_level value to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.DeviceName == "" {
		return fmt.Errorf("device_name must not be empty")
	}
	if len(c.DeviceName) > adv.MaxNameLen {
		return fmt.Errorf("device_name must be at most %d bytes, got %d", adv.MaxNameLen, len(c.DeviceName))
	}

	if _, err := uuid.Parse(c.ServiceUUID); err != nil {
		return fmt.Errorf("service_uuid: %w", err)
	}
	if _, err := uuid.Parse(c.CharacteristicUUID); err != nil {
		return fmt.Errorf("characteristic_uuid: %w", err)
	}

	if len(c.CharacteristicFlags) == 0 {
		return fmt.Errorf("characteristic_flags must not be empty")
	}
	for _, f := range c.CharacteristicFlags {
		switch f {
		case "read", "write", "notify":
		default:
			return fmt.Errorf("characteristic_flags entries must be read, write, or notify, got %q", f)
		}
	}

	if c.Advertising.Interval < MinAdvertisingInterval || c.Advertising.Interval > MaxAdvertisingInterval {
		return fmt.Errorf("advertising.interval must be between %s and %s, got %s",
			MinAdvertisingInterval, MaxAdvertisingInterval, c.Advertising.Interval)
	}

	switch c.Advertising.Readvertise {
	case "always", "when_idle":
	default:
		return fmt.Errorf("advertising.readvertise must be \"always\" or \"when_idle\", got %q", c.Advertising.Readvertise)
	}

	switch c.Codec {
	case "json", "protobuf":
	default:
		return fmt.Errorf("codec must be \"json\" or \"protobuf\", got %q", c.Codec)
	}

	if c.Sensor.Schedule == "" {
		return fmt.Errorf("sensor.schedule must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}
