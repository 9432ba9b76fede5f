// Package config handles insightd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Update interval bounds in seconds.
const (
	MinUpdateIntervalSec = 60
	MaxUpdateIntervalSec = 86400
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./insightd.yaml, ~/.config/insightd/config.yaml, /etc/insightd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"insightd.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "insightd", "config.yaml"))
	}

	paths = append(paths, "/etc/insightd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all insightd configuration.
type Config struct {
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Gemini        GeminiConfig        `yaml:"gemini"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Insights      InsightsConfig      `yaml:"insights"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text (default) or json
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// GeminiConfig defines Gemini API settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"` // default: gemini-1.5-flash
}

// MQTTConfig defines the broker connection used to publish the result
// sensors into Home Assistant via MQTT discovery. When Broker is empty
// the publisher is disabled and results are only logged and stored.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // e.g. mqtt://homeassistant.local:1883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`      // default: insightd
	DiscoveryPrefix string `yaml:"discovery_prefix"` // default: homeassistant
}

// InsightsConfig defines the analysis cycle settings.
type InsightsConfig struct {
	// Entities are the Home Assistant entity IDs to analyze.
	Entities []string `yaml:"entities"`
	// Prompt is the template string with the {long_term_stats},
	// {recent_events}, and {action_schema} placeholders. Empty means
	// the built-in default. PromptFile, when set, takes precedence.
	Prompt     string `yaml:"prompt"`
	PromptFile string `yaml:"prompt_file"`
	// UpdateIntervalSec is the cycle interval, bounded [60, 86400].
	UpdateIntervalSec int `yaml:"update_interval_sec"`
	// HistoryPeriod selects the recent-events window. One of:
	// latest_only, 1_hour, 6_hours, 12_hours, 24_hours, 3_days, 7_days.
	HistoryPeriod string `yaml:"history_period"`
	// AutoExecuteActions enables execution of proposed service calls
	// whose confidence meets the threshold. Disabled by default.
	AutoExecuteActions bool `yaml:"auto_execute_actions"`
	// ConfidenceThreshold gates action execution, range [0,1].
	// nil means the default of 0.7.
	ConfidenceThreshold *float64 `yaml:"action_confidence_threshold"`
	// NotifyService is the HA notify service to send insights to after
	// each successful cycle (e.g. "mobile_app_pixel"). Empty disables
	// notifications.
	NotifyService string `yaml:"notify_service"`
	// PromptWarnBytes is the soft prompt-size warning threshold.
	// Oversized prompts are logged and sent anyway.
	PromptWarnBytes int `yaml:"prompt_warn_bytes"`
	// DumpDir, when set, writes each assembled prompt to disk for
	// diagnostics.
	DumpDir string `yaml:"dump_dir"`
}

// Defaults applied by Load when fields are unset.
const (
	DefaultModel               = "gemini-1.5-flash"
	DefaultDeviceName          = "insightd"
	DefaultDiscoveryPrefix     = "homeassistant"
	DefaultUpdateIntervalSec   = 1800
	DefaultHistoryPeriod       = "6_hours"
	DefaultConfidenceThreshold = 0.7
	DefaultPromptWarnBytes     = 100000
)

// historyPeriods maps the history period selector to the recent-events
// window. latest_only is handled separately (zero window).
var historyPeriods = map[string]time.Duration{
	"latest_only": 0,
	"1_hour":      time.Hour,
	"6_hours":     6 * time.Hour,
	"12_hours":    12 * time.Hour,
	"24_hours":    24 * time.Hour,
	"3_days":      3 * 24 * time.Hour,
	"7_days":      7 * 24 * time.Hour,
}

// HistoryWindow returns the recent-events lookback window for the
// configured history period. A zero duration means latest-only: skip
// recorder history and use only current states.
func (c InsightsConfig) HistoryWindow() time.Duration {
	return historyPeriods[c.HistoryPeriod]
}

// UpdateInterval returns the cycle interval as a duration.
func (c InsightsConfig) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalSec) * time.Second
}

// Threshold returns the confidence threshold, applying the default.
func (c InsightsConfig) Threshold() float64 {
	if c.ConfidenceThreshold == nil {
		return DefaultConfidenceThreshold
	}
	return *c.ConfidenceThreshold
}

// Load reads configuration from a YAML file, applies defaults, and
// validates. Environment variables in the file are expanded, so secrets
// can be referenced as ${GEMINI_API_KEY} instead of inlined.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Gemini.Model == "" {
		c.Gemini.Model = DefaultModel
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = DefaultDeviceName
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.Insights.UpdateIntervalSec == 0 {
		c.Insights.UpdateIntervalSec = DefaultUpdateIntervalSec
	}
	if c.Insights.HistoryPeriod == "" {
		c.Insights.HistoryPeriod = DefaultHistoryPeriod
	}
	if c.Insights.PromptWarnBytes == 0 {
		c.Insights.PromptWarnBytes = DefaultPromptWarnBytes
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks required fields and value ranges. A missing Gemini
// API key is fatal here: setup cannot proceed without a credential.
func (c *Config) Validate() error {
	if c.HomeAssistant.URL == "" {
		return fmt.Errorf("homeassistant.url is required")
	}
	if c.HomeAssistant.Token == "" {
		return fmt.Errorf("homeassistant.token is required")
	}
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("gemini.api_key is required")
	}

	if sec := c.Insights.UpdateIntervalSec; sec < MinUpdateIntervalSec || sec > MaxUpdateIntervalSec {
		return fmt.Errorf("insights.update_interval_sec must be in [%d, %d], got %d",
			MinUpdateIntervalSec, MaxUpdateIntervalSec, sec)
	}

	if _, ok := historyPeriods[c.Insights.HistoryPeriod]; !ok {
		return fmt.Errorf("insights.history_period: unknown value %q", c.Insights.HistoryPeriod)
	}

	if t := c.Insights.ConfidenceThreshold; t != nil && (*t < 0 || *t > 1) {
		return fmt.Errorf("insights.action_confidence_threshold must be in [0, 1], got %v", *t)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}

	return nil
}
