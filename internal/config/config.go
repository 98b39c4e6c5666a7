// Package config handles Domos configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for a fresh installation. The broker and sensor topic match
// the endpoint the mobile client ships with.
const (
	DefaultBroker         = "wss://fradomos.al/ws"
	DefaultSensorTopic    = "home/livingroom/sensor"
	DefaultClientIDPrefix = "domos"
	DefaultCommandPrefix  = "home"
	DefaultTransport      = TransportV5
	DefaultPort           = 8080
	DefaultDataDir        = "./db"
)

// Transport names accepted by mqtt.transport.
const (
	// TransportV5 selects the Eclipse Paho MQTT v5 client.
	TransportV5 = "v5"
	// TransportV311 selects the Eclipse Paho MQTT 3.1.1 client.
	TransportV311 = "v311"
)

// Device kinds accepted in the directory.
const (
	KindSwitch = "switch"
	KindAC     = "ac"
)

// DefaultSearchPaths returns the config file search order used when
// neither -config nor $DOMOS_CONFIG names a file.
// Then: ./config.yaml, ~/.config/domos/config.yaml, /etc/domos/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "domos", "config.yaml"))
	}

	paths = append(paths, "/etc/domos/config.yaml")
	return paths
}

// EnvConfig names an environment variable that, when set, replaces
// the search path with a single file.
const EnvConfig = "DOMOS_CONFIG"

// FindConfig returns the config file to load. An explicit path, or
// else $DOMOS_CONFIG, must exist; otherwise the first existing entry
// of [DefaultSearchPaths] wins.
func FindConfig(explicit string) (string, error) {
	if explicit == "" {
		explicit = os.Getenv(EnvConfig)
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	searched := DefaultSearchPaths()
	for _, p := range searched {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %s)", strings.Join(searched, ", "))
}

// Config holds all Domos configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	Homes     []HomeConfig `yaml:"homes"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// AllowedOrigins lists browser origins permitted by CORS and the
	// WebSocket upgrader. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// MQTTConfig defines the broker connection used by the sensor session.
type MQTTConfig struct {
	// Broker is the broker URL. Supported schemes: mqtt, tcp, mqtts,
	// ssl, tls, ws, wss.
	Broker string `yaml:"broker"`
	// Transport selects the client library: "v5" or "v311".
	Transport string `yaml:"transport"`
	// SensorTopic carries JSON temperature/humidity readings.
	SensorTopic string `yaml:"sensor_topic"`
	// Subscriptions are additional reading topics subscribed after
	// every connect.
	Subscriptions []string `yaml:"subscriptions"`
	// ClientID overrides the generated client identifier. Leave empty
	// unless exactly one process connects with these settings: two
	// connections sharing an ID make the broker drop the older one.
	ClientID       string `yaml:"client_id"`
	ClientIDPrefix string `yaml:"client_id_prefix"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	KeepAliveSec   int    `yaml:"keepalive_sec"`
	// CommandPrefix is the first topic level of device command topics.
	CommandPrefix string `yaml:"command_prefix"`
	// AvailabilityTopic, when set, receives a retained "online" after
	// connect and "offline" on shutdown or as the broker-side will.
	AvailabilityTopic string `yaml:"availability_topic"`
	// DisableReconnect turns off the automatic reconnect after a lost
	// connection. The session then stays disconnected until restarted.
	DisableReconnect  bool          `yaml:"disable_reconnect"`
	Backoff           BackoffConfig `yaml:"backoff"`
	PublishTimeoutSec int           `yaml:"publish_timeout_sec"`
	// RateLimit caps inbound messages per second (0 = default 50).
	RateLimit int `yaml:"rate_limit"`
}

// BackoffConfig controls reconnect timing for the sensor session.
type BackoffConfig struct {
	InitialDelaySec   int     `yaml:"initial_delay_sec"`
	MaxDelaySec       int     `yaml:"max_delay_sec"`
	Multiplier        float64 `yaml:"multiplier"`
	MaxRetries        int     `yaml:"max_retries"`
	AttemptTimeoutSec int     `yaml:"attempt_timeout_sec"`
}

// HomeConfig is one home in the device directory.
type HomeConfig struct {
	Name  string       `yaml:"name"`
	Rooms []RoomConfig `yaml:"rooms"`
}

// RoomConfig is one room and its controllable devices.
type RoomConfig struct {
	Name    string         `yaml:"name"`
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig defines a single controllable device.
type DeviceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // switch or ac
}

// Configured reports whether enough MQTT settings are present to start
// a session.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.SensorTopic != ""
}

// KeepAlive returns the keepalive interval as a duration.
func (c MQTTConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSec) * time.Second
}

// PublishTimeout returns the per-publish deadline.
func (c MQTTConfig) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutSec) * time.Second
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded, defaults are applied and the result is
// validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}

	m := &c.MQTT
	if m.Broker == "" {
		m.Broker = DefaultBroker
	}
	if m.Transport == "" {
		m.Transport = DefaultTransport
	}
	if m.SensorTopic == "" {
		m.SensorTopic = DefaultSensorTopic
	}
	if m.ClientIDPrefix == "" {
		m.ClientIDPrefix = DefaultClientIDPrefix
	}
	if m.CommandPrefix == "" {
		m.CommandPrefix = DefaultCommandPrefix
	}
	if m.KeepAliveSec == 0 {
		m.KeepAliveSec = 30
	}
	if m.PublishTimeoutSec == 0 {
		m.PublishTimeoutSec = 5
	}
	if m.RateLimit == 0 {
		m.RateLimit = 50
	}

	if len(c.Homes) == 0 {
		c.Homes = DefaultHomes()
	}
}

// DefaultHomes returns the directory a fresh installation starts with.
func DefaultHomes() []HomeConfig {
	return []HomeConfig{
		{
			Name: "Home",
			Rooms: []RoomConfig{
				{
					Name: "Living Room",
					Devices: []DeviceConfig{
						{ID: "1", Name: "Lights", Kind: KindSwitch},
						{ID: "2", Name: "TV", Kind: KindSwitch},
						{ID: "3", Name: "Air Conditioner", Kind: KindAC},
					},
				},
				{
					Name: "Kitchen",
					Devices: []DeviceConfig{
						{ID: "1", Name: "Lights", Kind: KindSwitch},
						{ID: "2", Name: "Oven", Kind: KindSwitch},
						{ID: "3", Name: "Air Conditioner", Kind: KindAC},
					},
				},
			},
		},
	}
}

// Validate checks the configuration for values that would fail at
// runtime.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q invalid (expected text or json)", c.LogFormat)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}

	if err := c.MQTT.validate(); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	// Command topics carry no home level, so room names are unique
	// across all homes.
	rooms := make(map[string]bool)
	for _, h := range c.Homes {
		if strings.TrimSpace(h.Name) == "" {
			return fmt.Errorf("homes: home name must not be empty")
		}
		for _, r := range h.Rooms {
			if strings.TrimSpace(r.Name) == "" {
				return fmt.Errorf("home %q: room name must not be empty", h.Name)
			}
			key := strings.ToLower(r.Name)
			if rooms[key] {
				return fmt.Errorf("home %q: duplicate room %q", h.Name, r.Name)
			}
			rooms[key] = true

			ids := make(map[string]bool)
			for _, d := range r.Devices {
				if d.ID == "" || d.Name == "" {
					return fmt.Errorf("room %q: device id and name are required", r.Name)
				}
				if ids[d.ID] {
					return fmt.Errorf("room %q: duplicate device id %q", r.Name, d.ID)
				}
				ids[d.ID] = true
				if d.Kind != KindSwitch && d.Kind != KindAC {
					return fmt.Errorf("device %q in room %q: unknown kind %q (valid: switch, ac)", d.ID, r.Name, d.Kind)
				}
			}
		}
	}
	return nil
}

func (c MQTTConfig) validate() error {
	u, err := url.Parse(c.Broker)
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp", "mqtts", "ssl", "tls", "ws", "wss":
	default:
		return fmt.Errorf("broker scheme %q not supported", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("broker URL %q has no host", c.Broker)
	}
	switch c.Transport {
	case TransportV5, TransportV311:
	default:
		return fmt.Errorf("transport %q invalid (valid: %s, %s)", c.Transport, TransportV5, TransportV311)
	}
	if strings.TrimSpace(c.SensorTopic) == "" {
		return fmt.Errorf("sensor_topic must not be empty")
	}
	if strings.ContainsAny(c.CommandPrefix, "+#") {
		return fmt.Errorf("command_prefix %q must not contain wildcards", c.CommandPrefix)
	}
	if strings.ContainsAny(c.AvailabilityTopic, "+#") {
		return fmt.Errorf("availability_topic %q must not contain wildcards", c.AvailabilityTopic)
	}
	if c.Backoff.Multiplier != 0 && c.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff.multiplier %v must be >= 1", c.Backoff.Multiplier)
	}
	if c.Backoff.MaxRetries < 0 {
		return fmt.Errorf("backoff.max_retries must not be negative")
	}
	if c.KeepAliveSec < 0 || c.KeepAliveSec > 65535 {
		return fmt.Errorf("keepalive_sec %d out of range", c.KeepAliveSec)
	}
	return nil
}
