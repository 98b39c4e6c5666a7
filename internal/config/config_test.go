package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig(t *testing.T) {
	cwd := t.TempDir()
	writeConfig(t, cwd, "listen:\n  port: 8080\n")
	other := writeConfig(t, t.TempDir(), "log_level: debug\n")
	t.Chdir(cwd)

	tests := []struct {
		name     string
		explicit string
		env      string
		want     string
		wantErr  string
	}{
		{"explicit", other, "", other, ""},
		{"explicit beats env", other, "/nowhere.yaml", other, ""},
		{"explicit missing", "/nonexistent/config.yaml", "", "", "config file not found"},
		{"env", "", other, other, ""},
		{"env missing", "", "/nonexistent/env.yaml", "", "config file not found"},
		{"working directory", "", "", "config.yaml", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvConfig, tt.env)
			got, err := FindConfig(tt.explicit)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("FindConfig() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FindConfig() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("FindConfig() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, t.TempDir(), "log_level: debug\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		field     string
		got, want any
	}{
		{"broker", cfg.MQTT.Broker, DefaultBroker},
		{"sensor_topic", cfg.MQTT.SensorTopic, DefaultSensorTopic},
		{"transport", cfg.MQTT.Transport, TransportV5},
		{"port", cfg.Listen.Port, DefaultPort},
		{"log_level", cfg.LogLevel, "debug"},
		{"configured", cfg.MQTT.Configured(), true},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.field, c.got, c.want)
		}
	}
	if len(cfg.Homes) != 1 || len(cfg.Homes[0].Rooms) != 2 {
		t.Errorf("default homes = %+v, want one home with two rooms", cfg.Homes)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("DOMOS_TEST_PASSWORD", "s3cret")
	cfg, err := Load(writeConfig(t, t.TempDir(), "mqtt:\n  password: ${DOMOS_TEST_PASSWORD}\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTT.Password != "s3cret" {
		t.Errorf("password = %q, want expanded value", cfg.MQTT.Password)
	}
}

func TestLoad_HomesReplaceDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, t.TempDir(), `
homes:
  - name: Cabin
    rooms:
      - name: Loft
        devices:
          - {id: heater, name: Heater, kind: ac}
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Homes) != 1 || cfg.Homes[0].Name != "Cabin" {
		t.Fatalf("homes = %+v, want only Cabin", cfg.Homes)
	}
	if got := cfg.Homes[0].Rooms[0].Devices[0].Kind; got != KindAC {
		t.Errorf("kind = %q, want %q", got, KindAC)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad scheme", func(c *Config) { c.MQTT.Broker = "http://broker" }, "scheme"},
		{"no host", func(c *Config) { c.MQTT.Broker = "mqtt://" }, "no host"},
		{"bad transport", func(c *Config) { c.MQTT.Transport = "v4" }, "transport"},
		{"wildcard prefix", func(c *Config) { c.MQTT.CommandPrefix = "home/#" }, "wildcards"},
		{"bad multiplier", func(c *Config) { c.MQTT.Backoff.Multiplier = 0.5 }, "multiplier"},
		{"bad kind", func(c *Config) { c.Homes[0].Rooms[0].Devices[0].Kind = "fridge" }, "unknown kind"},
		{"dup device", func(c *Config) {
			r := &c.Homes[0].Rooms[0]
			r.Devices = append(r.Devices, r.Devices[0])
		}, "duplicate device"},
		{"dup room", func(c *Config) {
			h := &c.Homes[0]
			h.Rooms = append(h.Rooms, RoomConfig{Name: "living room"})
		}, "duplicate room"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  MQTTConfig
		want bool
	}{
		{"both set", MQTTConfig{Broker: "mqtt://localhost", SensorTopic: "home/x"}, true},
		{"missing broker", MQTTConfig{SensorTopic: "home/x"}, false},
		{"missing topic", MQTTConfig{Broker: "mqtt://localhost"}, false},
		{"empty", MQTTConfig{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}
