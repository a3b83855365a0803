package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Notifiers NotifiersConfig `yaml:"notifiers"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Token          string   `yaml:"token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type SessionConfig struct {
	DeviceID        string `yaml:"device_id"`
	HistoryCapacity int    `yaml:"history_capacity"`
}

type BroadcastConfig struct {
	QueueCapacity    int           `yaml:"queue_capacity"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type SimulatorConfig struct {
	Enabled            bool          `yaml:"enabled"`
	UpdateInterval     time.Duration `yaml:"update_interval"`
	AlertInterval      time.Duration `yaml:"alert_interval"` // faster cadence after a distress trigger
	AlertWindow        time.Duration `yaml:"alert_window"`
	CenterLat          float64       `yaml:"center_lat"`
	CenterLon          float64       `yaml:"center_lon"`
	Radius             float64       `yaml:"radius"` // degrees
	TriggerProbability float64       `yaml:"trigger_probability"`
	Keywords           []string      `yaml:"keywords"`
}

type AlertsConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

type NotifiersConfig struct {
	Telegram TelegramConfig  `yaml:"telegram"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

type WebhookConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Session: SessionConfig{
			DeviceID:        "device-1",
			HistoryCapacity: 100,
		},
		Broadcast: BroadcastConfig{
			QueueCapacity:    64,
			SnapshotInterval: 5 * time.Second,
		},
		Simulator: SimulatorConfig{
			Enabled:            true,
			UpdateInterval:     2 * time.Second,
			AlertInterval:      500 * time.Millisecond,
			AlertWindow:        30 * time.Second,
			CenterLat:          28.6139,
			CenterLon:          77.2090,
			Radius:             0.01,
			TriggerProbability: 0.15,
			Keywords:           []string{"help", "save me", "emergency", "danger", "police"},
		},
		Alerts: AlertsConfig{
			MaxAttempts:    3,
			InitialDelay:   time.Second,
			Multiplier:     2.0,
			MaxDelay:       30 * time.Second,
			AttemptTimeout: 5 * time.Second,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads the config file, falling back to defaults when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}
