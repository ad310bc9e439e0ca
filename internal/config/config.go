// Package config loads the amaloop configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcode/amaloop/internal/constraints"
	"github.com/mrcode/amaloop/internal/hardlimits"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config holds all amaloop configuration
type Config struct {
	Loop          LoopConfig          `yaml:"loop"`
	Safety        SafetyConfig        `yaml:"safety"`
	Nightscout    NightscoutConfig    `yaml:"nightscout"`
	Pump          PumpConfig          `yaml:"pump"`
	Prediction    PredictionConfig    `yaml:"prediction"`
	Notifications NotificationsConfig `yaml:"notifications"`
	History       HistoryConfig       `yaml:"history"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// LoopConfig configures the decision cycle
type LoopConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Interval          string `yaml:"interval"`          // e.g. "5m"
	AlgorithmTimeout  string `yaml:"algorithm_timeout"` // e.g. "30s"
	PreserveOnFailure bool   `yaml:"preserve_on_failure"`
}

// SafetyConfig holds the user safety settings. Hard limits still apply.
type SafetyConfig struct {
	AgeGroup                     string  `yaml:"age_group"` // child, teenage, adult, resistantadult
	MaxIob                       float64 `yaml:"max_iob"`
	MaxBasal                     float64 `yaml:"max_basal"`
	MaxDailySafetyMultiplier     float64 `yaml:"max_daily_safety_multiplier"`
	CurrentBasalSafetyMultiplier float64 `yaml:"current_basal_safety_multiplier"`
	AutosensEnabled              bool    `yaml:"autosens_enabled"`
}

// NightscoutConfig configures the data source
type NightscoutConfig struct {
	URL       string `yaml:"url"`
	APISecret string `yaml:"api_secret"`
	APIToken  string `yaml:"api_token"`
	UseToken  bool   `yaml:"use_token"`
	Profile   string `yaml:"profile"`  // empty selects the store default
	Lookback  string `yaml:"lookback"` // history window, e.g. "24h"
}

// PumpConfig describes the virtual pump
type PumpConfig struct {
	Connected        bool `yaml:"connected"`
	TempBasalCapable bool `yaml:"temp_basal_capable"`
}

// PredictionConfig tunes the insulin, carb and sensitivity models
type PredictionConfig struct {
	InsulinPeakMinutes    float64 `yaml:"insulin_peak_minutes"`
	CarbAbsorptionMinutes float64 `yaml:"carb_absorption_minutes"`
	Min5mCarbImpact       float64 `yaml:"min_5m_carb_impact"`
	AutosensMin           float64 `yaml:"autosens_min"`
	AutosensMax           float64 `yaml:"autosens_max"`
}

// NotificationsConfig configures the event sinks
type NotificationsConfig struct {
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Desktop  DesktopConfig  `yaml:"desktop"`
	Critical CriticalConfig `yaml:"critical"`
	Badge    BadgeConfig    `yaml:"badge"`
}

// MQTTConfig configures event publishing
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // tcp://host:1883
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// DesktopConfig configures desktop notifications
type DesktopConfig struct {
	Enabled         bool `yaml:"enabled"`
	NotifyDecisions bool `yaml:"notify_decisions"`
	NotifyFailures  bool `yaml:"notify_failures"`
	RepeatMinutes   int  `yaml:"repeat_minutes"` // 0 = once per change
}

// CriticalConfig configures the D-Bus critical alert
type CriticalConfig struct {
	Enabled bool `yaml:"enabled"`
}

// BadgeConfig configures the status image
type BadgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Format  string `yaml:"format"` // png or ico
}

// HistoryConfig configures the local event log
type HistoryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`      // default: history.db next to the config
	Retention string `yaml:"retention"` // e.g. "720h"
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	safety := constraints.DefaultSettings()
	return &Config{
		Loop: LoopConfig{
			Enabled:          true,
			Interval:         "5m",
			AlgorithmTimeout: "30s",
		},
		Safety: SafetyConfig{
			AgeGroup:                     string(safety.AgeGroup),
			MaxIob:                       safety.MaxIob,
			MaxBasal:                     safety.MaxBasal,
			MaxDailySafetyMultiplier:     safety.MaxDailySafetyMultiplier,
			CurrentBasalSafetyMultiplier: safety.CurrentBasalSafetyMultiplier,
			AutosensEnabled:              safety.AutosensEnabled,
		},
		Nightscout: NightscoutConfig{
			Lookback: "24h",
		},
		Pump: PumpConfig{
			Connected:        true,
			TempBasalCapable: true,
		},
		Prediction: PredictionConfig{
			InsulinPeakMinutes:    75,
			CarbAbsorptionMinutes: 180,
			Min5mCarbImpact:       8,
			AutosensMin:           0.7,
			AutosensMax:           1.2,
		},
		Notifications: NotificationsConfig{
			MQTT: MQTTConfig{
				ClientID:    "amaloop",
				TopicPrefix: "amaloop",
			},
			Desktop: DesktopConfig{
				Enabled:        true,
				NotifyFailures: true,
				RepeatMinutes:  15,
			},
			Critical: CriticalConfig{Enabled: true},
			Badge:    BadgeConfig{Format: "png"},
		},
		History: HistoryConfig{
			Enabled:   true,
			Retention: "720h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultPath returns the config file location in the user config directory
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "amaloop", "config.yaml"), nil
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the command line
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// secrets may be stored
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NIGHTSCOUT_URL"); v != "" {
		c.Nightscout.URL = v
	}
	if v := os.Getenv("NIGHTSCOUT_API_SECRET"); v != "" {
		c.Nightscout.APISecret = v
	}
	if v := os.Getenv("NIGHTSCOUT_TOKEN"); v != "" {
		c.Nightscout.APIToken = v
		c.Nightscout.UseToken = true
	}
	if v := os.Getenv("AMALOOP_MQTT_BROKER"); v != "" {
		c.Notifications.MQTT.Broker = v
		c.Notifications.MQTT.Enabled = true
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Nightscout.URL == "" {
		return fmt.Errorf("%w: nightscout url not configured (set NIGHTSCOUT_URL)", ErrInvalid)
	}
	if u, err := url.Parse(c.Nightscout.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: nightscout url %q", ErrInvalid, c.Nightscout.URL)
	}
	if _, err := c.AgeGroup(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if c.Safety.MaxIob < 0 {
		return fmt.Errorf("%w: max_iob must not be negative", ErrInvalid)
	}
	if c.Safety.MaxBasal <= 0 {
		return fmt.Errorf("%w: max_basal must be positive", ErrInvalid)
	}
	if c.Safety.MaxDailySafetyMultiplier <= 0 || c.Safety.CurrentBasalSafetyMultiplier <= 0 {
		return fmt.Errorf("%w: safety multipliers must be positive", ErrInvalid)
	}

	for name, s := range map[string]string{
		"loop.interval":          c.Loop.Interval,
		"loop.algorithm_timeout": c.Loop.AlgorithmTimeout,
		"nightscout.lookback":    c.Nightscout.Lookback,
		"history.retention":      c.History.Retention,
	} {
		if d, err := time.ParseDuration(s); err != nil || d <= 0 {
			return fmt.Errorf("%w: %s %q is not a positive duration", ErrInvalid, name, s)
		}
	}
	if c.GetInterval() < time.Minute {
		return fmt.Errorf("%w: loop.interval must be at least 1m", ErrInvalid)
	}

	p := c.Prediction
	if p.AutosensMin <= 0 || p.AutosensMin > 1 || p.AutosensMax < 1 {
		return fmt.Errorf("%w: autosens bounds [%g, %g] must contain 1", ErrInvalid, p.AutosensMin, p.AutosensMax)
	}

	n := c.Notifications
	if n.MQTT.Enabled && n.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt enabled without broker", ErrInvalid)
	}
	if n.Badge.Enabled {
		if n.Badge.Path == "" {
			return fmt.Errorf("%w: badge enabled without path", ErrInvalid)
		}
		if n.Badge.Format != "png" && n.Badge.Format != "ico" {
			return fmt.Errorf("%w: badge format %q (valid: png, ico)", ErrInvalid, n.Badge.Format)
		}
	}
	return nil
}

// AgeGroup parses the configured age group
func (c *Config) AgeGroup() (hardlimits.AgeGroup, error) {
	return hardlimits.ParseAgeGroup(c.Safety.AgeGroup)
}

// GetInterval returns the loop interval
func (c *Config) GetInterval() time.Duration {
	return parseDuration(c.Loop.Interval, 5*time.Minute)
}

// GetAlgorithmTimeout returns the algorithm timeout
func (c *Config) GetAlgorithmTimeout() time.Duration {
	return parseDuration(c.Loop.AlgorithmTimeout, 30*time.Second)
}

// GetLookback returns the history window fetched from Nightscout
func (c *Config) GetLookback() time.Duration {
	return parseDuration(c.Nightscout.Lookback, 24*time.Hour)
}

// GetRetention returns how long history records are kept
func (c *Config) GetRetention() time.Duration {
	return parseDuration(c.History.Retention, 30*24*time.Hour)
}

// HistoryPath returns the event log location
func (c *Config) HistoryPath() (string, error) {
	if c.History.Path != "" {
		return c.History.Path, nil
	}
	path, err := DefaultPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(path), "history.db"), nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
