// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/eventtap/internal/schema"
)

// Environment identifies the runtime environment where eventtap operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// envVarEnvironment overrides the configured environment when set.
const envVarEnvironment = "EVENTTAP_ENV"

// Duration wraps time.Duration with YAML support for values like "15s".
type Duration struct {
	value time.Duration
}

// DurationOf builds a Duration setting from a time.Duration.
func DurationOf(d time.Duration) Duration {
	return Duration{value: d}
}

// Value returns the wrapped duration.
func (d Duration) Value() time.Duration {
	return d.value
}

// UnmarshalYAML accepts Go duration strings and bare integers (nanoseconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		d.value = 0
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if text == "" {
		d.value = 0
		return nil
	}
	if parsed, err := time.ParseDuration(text); err == nil {
		d.value = parsed
		return nil
	}
	var ns int64
	if err := node.Decode(&ns); err != nil {
		return fmt.Errorf("invalid duration %q", text)
	}
	d.value = time.Duration(ns)
	return nil
}

// MarshalYAML renders the duration in Go string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.value.String(), nil
}

// TelemetryConfig selects the metric export target.
type TelemetryConfig struct {
	OTLPEndpoint   string   `yaml:"otlpEndpoint"`
	ServiceName    string   `yaml:"serviceName"`
	ExportInterval Duration `yaml:"exportInterval"`
}

// BusConfig sets in-memory event bus characteristics.
type BusConfig struct {
	Channels      []schema.Channel `yaml:"channels"`
	FanoutWorkers int              `yaml:"fanoutWorkers"`
}

// CaptureConfig describes one capture buffer to construct at startup.
type CaptureConfig struct {
	Channel schema.Channel `yaml:"channel"`
	// Capacity bounds the retained store; zero selects the capture default.
	Capacity int `yaml:"capacity"`
	// TransformScript optionally points at a JavaScript transform file.
	TransformScript string `yaml:"transformScript"`
}

// FeedConfig describes the optional websocket ingress feed.
type FeedConfig struct {
	Enabled bool           `yaml:"enabled"`
	Name    string         `yaml:"name"`
	URL     string         `yaml:"url"`
	Channel schema.Channel `yaml:"channel"`
}

// AppConfig is the configuration tree loaded from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Captures    []CaptureConfig `yaml:"captures"`
	Feed        FeedConfig      `yaml:"feed"`
}

// Default returns the built-in configuration used when no file is present.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   "",
			ServiceName:    "eventtap",
			ExportInterval: DurationOf(15 * time.Second),
		},
		Bus: BusConfig{
			Channels:      []schema.Channel{schema.ChannelTick, schema.ChannelTrade, schema.ChannelStatus},
			FanoutWorkers: 4,
		},
		Captures: []CaptureConfig{
			{Channel: schema.ChannelTick},
		},
		Feed: FeedConfig{Enabled: false},
	}
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the file when it exists and falls back to defaults
// otherwise. The boolean reports whether a file was loaded.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fallback := Default()
			fallback.normalise()
			if verr := fallback.Validate(); verr != nil {
				return AppConfig{}, false, verr
			}
			return fallback, false, nil
		}
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

func (c *AppConfig) normalise() {
	if env := strings.TrimSpace(os.Getenv(envVarEnvironment)); env != "" {
		c.Environment = Environment(env)
	}
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ExportInterval.Value() <= 0 {
		c.Telemetry.ExportInterval = DurationOf(15 * time.Second)
	}

	channels := make([]schema.Channel, 0, len(c.Bus.Channels))
	for _, ch := range c.Bus.Channels {
		if n := ch.Normalize(); n != "" {
			channels = append(channels, n)
		}
	}
	c.Bus.Channels = channels
	if c.Bus.FanoutWorkers <= 0 {
		c.Bus.FanoutWorkers = 4
	}

	for i := range c.Captures {
		c.Captures[i].Channel = c.Captures[i].Channel.Normalize()
		c.Captures[i].TransformScript = strings.TrimSpace(c.Captures[i].TransformScript)
	}

	c.Feed.Name = strings.TrimSpace(c.Feed.Name)
	c.Feed.URL = strings.TrimSpace(c.Feed.URL)
	c.Feed.Channel = c.Feed.Channel.Normalize()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if len(c.Bus.Channels) == 0 {
		return fmt.Errorf("bus channels required")
	}
	declared := make(map[schema.Channel]struct{}, len(c.Bus.Channels))
	for _, ch := range c.Bus.Channels {
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("bus channel %q: %w", ch, err)
		}
		if _, dup := declared[ch]; dup {
			return fmt.Errorf("duplicate bus channel %q", ch)
		}
		declared[ch] = struct{}{}
	}

	for i, capture := range c.Captures {
		if err := capture.Channel.Validate(); err != nil {
			return fmt.Errorf("captures[%d] channel: %w", i, err)
		}
		if _, ok := declared[capture.Channel]; !ok {
			return fmt.Errorf("captures[%d] channel %q not declared on the bus", i, capture.Channel)
		}
		if capture.Capacity < 0 {
			return fmt.Errorf("captures[%d] capacity must be >= 0", i)
		}
	}

	if c.Feed.Enabled {
		if c.Feed.URL == "" {
			return fmt.Errorf("feed url required when enabled")
		}
		if err := c.Feed.Channel.Validate(); err != nil {
			return fmt.Errorf("feed channel: %w", err)
		}
		if _, ok := declared[c.Feed.Channel]; !ok {
			return fmt.Errorf("feed channel %q not declared on the bus", c.Feed.Channel)
		}
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
