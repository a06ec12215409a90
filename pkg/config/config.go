// Package config loads the YAML configuration of platforminit binaries.
//
// Feature order matters to the gate, so the features mapping is decoded from
// the YAML node tree rather than into a Go map.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"platforminit/pkg/gate"
)

// Environment overrides.
const (
	EnvUserAgent   = "PLATFORMINIT_USER_AGENT"
	EnvMirrorURL   = "PLATFORMINIT_MIRROR_URL"
	EnvStepTimeout = "PLATFORMINIT_STEP_TIMEOUT"
)

// Defaults.
const (
	DefaultQueueSize     = 64
	DefaultMaxRetries    = 3
	DefaultRotationHours = 24
	DefaultMetricsAddr   = ":9090"
	DefaultObserverAddr  = ":8090"
)

// Config is the root configuration.
type Config struct {
	Features    Features       `yaml:"features"`
	StepTimeout string         `yaml:"step_timeout"`
	UserAgent   string         `yaml:"user_agent"`
	Mirror      MirrorConfig   `yaml:"mirror"`
	EventLog    EventLogConfig `yaml:"eventlog"`
	Store       StoreConfig    `yaml:"store"`
	Metrics     MetricsConfig  `yaml:"metrics"`
	Observer    ObserverConfig `yaml:"observer"`
}

// MirrorConfig configures snapshot mirroring to an observer server.
type MirrorConfig struct {
	// URL of the observer websocket; empty disables mirroring.
	URL        string `yaml:"url"`
	QueueSize  int    `yaml:"queue_size"`
	MaxRetries int    `yaml:"max_retries"`
}

// EventLogConfig configures the JSONL snapshot log; an empty Dir disables it.
type EventLogConfig struct {
	Dir           string `yaml:"dir"`
	RotationHours int    `yaml:"rotation_hours"`
}

// StoreConfig configures the SQLite session store; an empty Path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint; an empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// ObserverConfig configures the observer server.
type ObserverConfig struct {
	Addr string `yaml:"addr"`
}

// Feature is one entry of the features mapping.
type Feature struct {
	ID    string
	Value any
}

// Features keeps the features mapping in document order.
type Features []Feature

// UnmarshalYAML decodes a mapping node pair by pair.
func (f *Features) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: features must be a mapping", node.Line)
	}

	out := make(Features, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if key.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: feature name must be a scalar", key.Line)
		}

		var v any
		if err := value.Decode(&v); err != nil {
			return fmt.Errorf("feature %q: %w", key.Value, err)
		}
		out = append(out, Feature{ID: key.Value, Value: v})
	}

	*f = out
	return nil
}

//nolint:gochecknoglobals // compiled once
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnv replaces ${VAR} with its value. Unset variables are left as is.
func substituteEnv(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		if value := os.Getenv(name); value != "" {
			return []byte(value)
		}
		return match
	})
}

// Default returns a configuration with no features and default settings.
func Default() *Config {
	cfg := &Config{Mirror: MirrorConfig{MaxRetries: DefaultMaxRetries}}
	applyDefaults(cfg)
	return cfg
}

// Load reads, substitutes, overrides, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	// Decoding over the defaults lets an explicit zero, like max_retries: 0,
	// survive.
	cfg := Default()
	if err := yaml.Unmarshal(substituteEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvUserAgent); v != "" {
		cfg.UserAgent = v
	}
	if v := os.Getenv(EnvMirrorURL); v != "" {
		cfg.Mirror.URL = v
	}
	if v := os.Getenv(EnvStepTimeout); v != "" {
		cfg.StepTimeout = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Mirror.QueueSize == 0 {
		cfg.Mirror.QueueSize = DefaultQueueSize
	}
	if cfg.EventLog.RotationHours == 0 {
		cfg.EventLog.RotationHours = DefaultRotationHours
	}
	if cfg.Observer.Addr == "" {
		cfg.Observer.Addr = DefaultObserverAddr
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.StepTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if c.Mirror.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("mirror.queue_size must not be negative, got %d", c.Mirror.QueueSize))
	}
	if c.Mirror.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("mirror.max_retries must not be negative, got %d", c.Mirror.MaxRetries))
	}
	if c.Mirror.URL != "" {
		u, err := url.Parse(c.Mirror.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Errorf("mirror.url must be a ws:// or wss:// URL, got %q", c.Mirror.URL))
		}
	}
	if c.EventLog.RotationHours < 0 {
		errs = append(errs, fmt.Errorf("eventlog.rotation_hours must not be negative, got %d", c.EventLog.RotationHours))
	}

	seen := make(map[string]bool, len(c.Features))
	for _, f := range c.Features {
		if f.ID == "" {
			errs = append(errs, errors.New("features: empty feature name"))
		}
		if seen[f.ID] {
			errs = append(errs, fmt.Errorf("features: %q listed twice", f.ID))
		}
		seen[f.ID] = true
	}

	return errors.Join(errs...)
}

// StepTimeoutDuration parses step_timeout. Empty means no timeout.
func (c *Config) StepTimeoutDuration() (time.Duration, error) {
	if c.StepTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.StepTimeout)
	if err != nil {
		return 0, fmt.Errorf("step_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("step_timeout must not be negative, got %s", d)
	}
	return d, nil
}

// BindFunc maps a configured feature value to the argument handed to the
// feature, e.g. turning `web-audio: true` into the host's audio context.
type BindFunc func(id string, value any) any

// GateFeatures converts the features mapping into gate features, in order.
// Disabled entries (null or false) are skipped before bind sees them. A nil
// bind passes configured values through unchanged.
func (c *Config) GateFeatures(bind BindFunc) *gate.Features {
	out := gate.NewFeatures()
	for _, f := range c.Features {
		value := f.Value
		if value == nil || value == false {
			continue
		}
		if bind != nil {
			value = bind(f.ID, value)
		}
		out.Set(f.ID, value)
	}
	return out
}
