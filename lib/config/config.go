// Package config loads the ledstream daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ledstream/lib/artnet"
	"ledstream/lib/bridge"
	"ledstream/lib/pipeline"
	"ledstream/lib/source"
)

type Config struct {
	TargetIP       string  `yaml:"target_ip"`
	TargetPort     int     `yaml:"target_port"`
	BridgeURL      string  `yaml:"bridge_url"`
	BridgeEnabled  *bool   `yaml:"bridge_enabled"`
	Project        string  `yaml:"project"`
	Brightness     float64 `yaml:"brightness"`
	SampleRateHz   float64 `yaml:"sample_rate_hz"`
	TransmitRateHz float64 `yaml:"transmit_rate_hz"`
	Workers        int     `yaml:"workers"`
	Watch          bool    `yaml:"watch"`
	LogLevel       string  `yaml:"log_level"`

	Source     SourceConfig     `yaml:"source"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	OSC        OSCConfig        `yaml:"osc"`
	XTouch     XTouchConfig     `yaml:"xtouch"`
	StreamDeck StreamDeckConfig `yaml:"streamdeck"`
}

type SourceConfig struct {
	Kind   string `yaml:"kind"`
	Path   string `yaml:"path"`
	Device string `yaml:"device"`
	Size   int    `yaml:"size"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type OSCConfig struct {
	Listen string `yaml:"listen"`
}

type XTouchConfig struct {
	Port string `yaml:"port"`
}

type StreamDeckConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() *Config {
	enabled := true
	return &Config{
		TargetPort:     artnet.Port,
		BridgeURL:      bridge.DefaultURL,
		BridgeEnabled:  &enabled,
		Brightness:     1,
		SampleRateHz:   pipeline.DefaultSampleRate,
		TransmitRateHz: pipeline.DefaultTransmitRate,
		LogLevel:       "info",
		Source:         SourceConfig{Kind: "image", Size: source.DefaultSize},
		MQTT:           MQTTConfig{TopicPrefix: "ledstream"},
	}
}

// Load reads the YAML file at path (an empty path means defaults only),
// loads .env if present, then applies LEDSTREAM_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LEDSTREAM_TARGET_IP"); v != "" {
		c.TargetIP = v
	}
	if v := os.Getenv("LEDSTREAM_TARGET_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: LEDSTREAM_TARGET_PORT: %w", err)
		}
		c.TargetPort = port
	}
	if v := os.Getenv("LEDSTREAM_BRIDGE_URL"); v != "" {
		c.BridgeURL = v
	}
	if v := os.Getenv("LEDSTREAM_BRIDGE_ENABLED"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: LEDSTREAM_BRIDGE_ENABLED: %w", err)
		}
		c.BridgeEnabled = &on
	}
	if v := os.Getenv("LEDSTREAM_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("LEDSTREAM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.TargetPort < 1 || c.TargetPort > 65535:
		return fmt.Errorf("target_port %d out of range", c.TargetPort)
	case c.Bridge() && c.TargetIP == "":
		return fmt.Errorf("target_ip is required when the bridge is enabled")
	case c.Brightness < 0 || c.Brightness > 1:
		return fmt.Errorf("brightness %v outside [0,1]", c.Brightness)
	case c.SampleRateHz <= 0 || c.TransmitRateHz <= 0:
		return fmt.Errorf("sample and transmit rates must be positive")
	case c.Source.Size < 1:
		return fmt.Errorf("source.size %d < 1", c.Source.Size)
	}
	switch c.Source.Kind {
	case "image", "video":
		if c.Source.Path == "" {
			return fmt.Errorf("source.path is required for %s sources", c.Source.Kind)
		}
	case "camera":
	default:
		return fmt.Errorf("unknown source.kind %q", c.Source.Kind)
	}
	return nil
}

func (c *Config) Bridge() bool {
	return c.BridgeEnabled == nil || *c.BridgeEnabled
}

func (c *Config) BridgeConfig() bridge.Config {
	return bridge.Config{
		URL:        c.BridgeURL,
		TargetHost: c.TargetIP,
		TargetPort: c.TargetPort,
		Enabled:    c.Bridge(),
	}
}

func (c *Config) SourceConfig() source.Config {
	return source.Config{
		Kind:   c.Source.Kind,
		Path:   c.Source.Path,
		Device: c.Source.Device,
		Size:   c.Source.Size,
		Watch:  c.Watch,
	}
}

func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		SampleRate:   c.SampleRateHz,
		TransmitRate: c.TransmitRateHz,
		Workers:      c.Workers,
	}
}
