package config

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseKeyFloatMap(t *testing.T) {
	tests := []struct {
		in   string
		want map[int]float64
		ok   bool
	}{
		{"", map[int]float64{}, true},
		{"1=1.23,2=0.98", map[int]float64{1: 1.23, 2: 0.98}, true},
		{" 1 = 1 , 3 = 2.5", map[int]float64{1: 1.0, 3: 2.5}, true},
		{"bad", nil, false},
		{"x=1", nil, false},
		{"1=abc", nil, false},
	}
	for _, tt := range tests {
		got, err := parseKeyFloatMap(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("parseKeyFloatMap(%q) ok=%v err=%v", tt.in, tt.ok, err)
		}
		if tt.ok && !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("parseKeyFloatMap(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseKeyIntMap(t *testing.T) {
	tests := []struct {
		in   string
		want map[int]int
		ok   bool
	}{
		{"", map[int]int{}, true},
		{"1=5,2=10", map[int]int{1: 5, 2: 10}, true},
		{"1=8, 3=16", map[int]int{1: 8, 3: 16}, true},
		{"bad", nil, false},
		{"1=1.5", nil, false},
	}
	for _, tt := range tests {
		got, err := parseKeyIntMap(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("parseKeyIntMap(%q) ok=%v err=%v", tt.in, tt.ok, err)
		}
		if tt.ok && !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("parseKeyIntMap(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseKeyBoolMap(t *testing.T) {
	tests := []struct {
		in   string
		want map[int]bool
		ok   bool
	}{
		{"", map[int]bool{}, true},
		{"1=true,2=false", map[int]bool{1: true, 2: false}, true},
		{"1=true, 3=true", map[int]bool{1: true, 3: true}, true},
		{"bad", nil, false},
		{"1=maybe", nil, false},
	}
	for _, tt := range tests {
		got, err := parseKeyBoolMap(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("parseKeyBoolMap(%q) ok=%v err=%v", tt.in, tt.ok, err)
		}
		if tt.ok && !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("parseKeyBoolMap(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseIntOrHex(t *testing.T) {
	tests := map[string]int{"22": 22, "0x16": 0x16, "0X1d": 0x1d}
	for in, want := range tests {
		got, err := parseIntOrHex(in)
		if err != nil || got != want {
			t.Fatalf("parseIntOrHex(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	if _, err := parseIntOrHex("0xZZ"); err == nil {
		t.Fatalf("parseIntOrHex accepted 0xZZ")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Channels) != 8 || cfg.Channels[0].Channel != 1 || cfg.Channels[7].Channel != 8 {
		t.Fatalf("default channels: %+v", cfg.Channels)
	}
	if cfg.I2C.Address != 0x16 || cfg.I2C.Bus != "1" {
		t.Fatalf("default i2c: %+v", cfg.I2C)
	}
	if cfg.DBPath() != "data/readings.db" || cfg.SettingsFile() != "data/settings.db" {
		t.Fatalf("default paths: %s %s", cfg.DBPath(), cfg.SettingsFile())
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"sensor type", func(c *Config) { c.SensorType = "mock" }, "sensor_type"},
		{"channel", func(c *Config) { c.Channels = append(c.Channels, ChannelConfig{Channel: 9, IntervalSeconds: 1, CalibrationFactor: 1}) }, "invalid channel"},
		{"interval", func(c *Config) { c.Channels[0].IntervalSeconds = 0 }, "interval_seconds"},
		{"calibration", func(c *Config) { c.Channels[2].CalibrationFactor = -1 }, "calibration"},
		{"retention", func(c *Config) { c.Retention.DeleteAfterDays = 1 }, "retention"},
		{"schedule", func(c *Config) { c.Retention.Schedule = "whenever" }, "schedule"},
		{"output", func(c *Config) { c.Outputs = []OutputConfig{{Type: "kafka"}} }, "unknown output"},
		{"stack", func(c *Config) { c.I2C.Stack = 8 }, "stack"},
		{"tui with console", func(c *Config) { c.TUI = true; c.Outputs = []OutputConfig{{Type: "Console"}} }, "tui"},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mod(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: err=%v; want mention of %q", tt.name, err, tt.want)
		}
	}
}

func TestChannelAddsMissingEntry(t *testing.T) {
	cfg := Config{}
	cfg.Channel(3).Enabled = true
	cfg.Channel(1).IntervalSeconds = 9
	if len(cfg.Channels) != 2 || cfg.Channels[0].Channel != 1 || cfg.Channels[1].Channel != 3 {
		t.Fatalf("channels %+v", cfg.Channels)
	}
	if !cfg.Channels[1].Enabled || cfg.Channels[0].IntervalSeconds != 9 || cfg.Channels[0].CalibrationFactor != 1 {
		t.Fatalf("channels %+v", cfg.Channels)
	}
}
