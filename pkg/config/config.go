package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/ericogr/thermocouple-logger/pkg/calibration"
	"github.com/ericogr/thermocouple-logger/pkg/sensor"
	"github.com/ericogr/thermocouple-logger/pkg/storage/archive"
)

const (
	SensorReal       = "real"
	SensorSimulation = "simulation"

	OutputConsole = "console"
	OutputMQTT    = "mqtt"
)

type I2CConfig struct {
	Bus     string `json:"bus" yaml:"bus"`
	Address int    `json:"address" yaml:"address"`
	Stack   int    `json:"stack" yaml:"stack"`
}

type MQTTConfig struct {
	Server            string `json:"server" yaml:"server"`
	Username          string `json:"username" yaml:"username"`
	Password          string `json:"password" yaml:"password"`
	ClientID          string `json:"client_id" yaml:"client_id"`
	StateTopic        string `json:"state_topic" yaml:"state_topic"`
	DiscoveryTopic    string `json:"discovery_topic" yaml:"discovery_topic"`
	DiscoveryName     string `json:"discovery_name" yaml:"discovery_name"`
	DiscoveryUniqueID string `json:"discovery_unique_id" yaml:"discovery_unique_id"`
}

type OutputConfig struct {
	Type string      `json:"type" yaml:"type"`
	MQTT *MQTTConfig `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
}

type ChannelConfig struct {
	Channel           int     `json:"channel" yaml:"channel"`
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	IntervalSeconds   int     `json:"interval_seconds" yaml:"interval_seconds"`
	CalibrationFactor float64 `json:"calibration_factor" yaml:"calibration_factor"`
}

type Config struct {
	I2C              I2CConfig       `json:"i2c" yaml:"i2c"`
	SensorType       string          `json:"sensor_type" yaml:"sensor_type"`
	Channels         []ChannelConfig `json:"channels" yaml:"channels"`
	DataDir          string          `json:"data_dir" yaml:"data_dir"`
	DatabasePath     string          `json:"database_path" yaml:"database_path"`
	SettingsPath     string          `json:"settings_path" yaml:"settings_path"`
	Retention        archive.Policy  `json:"retention" yaml:"retention"`
	ConnectTimeoutMs int             `json:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	ReadTimeoutMs    int             `json:"read_timeout_ms" yaml:"read_timeout_ms"`
	Outputs          []OutputConfig  `json:"outputs" yaml:"outputs"`
	MetricsAddr      string          `json:"metrics_addr" yaml:"metrics_addr"`
	LogLevel         string          `json:"log_level" yaml:"log_level"`
	LogFormat        string          `json:"log_format" yaml:"log_format"`
	AutoConnect      bool            `json:"auto_connect" yaml:"auto_connect"`
	AutoStart        bool            `json:"auto_start" yaml:"auto_start"`
	TUI              bool            `json:"tui" yaml:"tui"`
}

func DefaultConfig() Config {
	chs := make([]ChannelConfig, 0, sensor.NumChannels)
	for _, ch := range sensor.Channels() {
		chs = append(chs, ChannelConfig{
			Channel:           ch,
			Enabled:           true,
			IntervalSeconds:   5,
			CalibrationFactor: calibration.DefaultFactor,
		})
	}
	return Config{
		I2C:              I2CConfig{Bus: "1", Address: int(sensor.BaseAddress)},
		SensorType:       SensorReal,
		Channels:         chs,
		DataDir:          "data",
		Retention:        archive.DefaultPolicy(),
		ConnectTimeoutMs: 5000,
		ReadTimeoutMs:    2000,
		Outputs:          []OutputConfig{},
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Channel returns the entry for ch, adding a default one if missing.
func (c *Config) Channel(ch int) *ChannelConfig {
	for i := range c.Channels {
		if c.Channels[i].Channel == ch {
			return &c.Channels[i]
		}
	}
	c.Channels = append(c.Channels, ChannelConfig{
		Channel:           ch,
		IntervalSeconds:   5,
		CalibrationFactor: calibration.DefaultFactor,
	})
	sort.Slice(c.Channels, func(i, j int) bool { return c.Channels[i].Channel < c.Channels[j].Channel })
	return c.Channel(ch)
}

// DBPath returns DatabasePath or its default inside DataDir.
func (c Config) DBPath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.DataDir, "readings.db")
}

func (c Config) SettingsFile() string {
	if c.SettingsPath != "" {
		return c.SettingsPath
	}
	return filepath.Join(c.DataDir, "settings.db")
}

func (c Config) Validate() error {
	var errs []error
	switch c.SensorType {
	case SensorReal, SensorSimulation:
	default:
		errs = append(errs, fmt.Errorf("sensor_type must be %s or %s, got %q", SensorReal, SensorSimulation, c.SensorType))
	}
	if c.I2C.Stack < 0 || c.I2C.Stack > sensor.MaxStackLevel {
		errs = append(errs, fmt.Errorf("i2c stack must be 0..%d, got %d", sensor.MaxStackLevel, c.I2C.Stack))
	}
	for _, ch := range c.Channels {
		if !sensor.ValidChannel(ch.Channel) {
			errs = append(errs, fmt.Errorf("channel %d: %w", ch.Channel, sensor.ErrInvalidChannel))
			continue
		}
		if ch.IntervalSeconds <= 0 {
			errs = append(errs, fmt.Errorf("channel %d: interval_seconds must be > 0", ch.Channel))
		}
		if err := calibration.Validate(ch.CalibrationFactor); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", ch.Channel, err))
		}
	}
	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := archive.ParseSchedule(c.Retention.Schedule); err != nil {
		errs = append(errs, err)
	}
	for _, o := range c.Outputs {
		switch strings.ToLower(o.Type) {
		case OutputConsole:
			// the console view owns the terminal
			if c.TUI {
				errs = append(errs, errors.New("console output cannot be used with tui"))
			}
		case OutputMQTT:
		default:
			errs = append(errs, fmt.Errorf("unknown output %q", o.Type))
		}
	}
	if c.ConnectTimeoutMs <= 0 || c.ReadTimeoutMs <= 0 {
		errs = append(errs, errors.New("timeouts must be > 0"))
	}
	return errors.Join(errs...)
}

// LoadFile reads a JSON config, or YAML when the extension is .yaml or .yml,
// on top of the defaults.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	hasAddr, err := loadInto(path, &cfg)
	if err != nil {
		return cfg, err
	}
	if !hasAddr {
		cfg.deriveAddress()
	}
	return cfg, nil
}

// addressField reports whether a config file names i2c.address itself.
type addressField struct {
	I2C struct {
		Address *int `json:"address" yaml:"address"`
	} `json:"i2c" yaml:"i2c"`
}

// loadInto decodes the file at path over cfg and reports whether the file
// set the bus address explicitly.
func loadInto(path string, cfg *Config) (bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read config: %w", err)
	}
	var af addressField
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err = yaml.Unmarshal(b, cfg); err == nil {
			err = yaml.Unmarshal(b, &af)
		}
	default:
		if err = json.Unmarshal(b, cfg); err == nil {
			err = json.Unmarshal(b, &af)
		}
	}
	if err != nil {
		return false, fmt.Errorf("parse config: %w", err)
	}
	return af.I2C.Address != nil, nil
}

// deriveAddress sets the bus address from the stack level. An out of range
// level is left for Validate to report.
func (c *Config) deriveAddress() {
	if addr, err := sensor.Address(c.I2C.Stack); err == nil {
		c.I2C.Address = int(addr)
	}
}

// LoadFromFlags loads configuration from a config file (optional) and flags.
// Flags override values present in the file.
func LoadFromFlags() (Config, error) {
	return LoadFromArgs(os.Args[0], os.Args[1:])
}

func LoadFromArgs(name string, args []string) (Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to JSON or YAML config file")
	flagI2CBus := fs.String("i2c-bus", "", "I2C bus (e.g., '1' -> /dev/i2c-1)")
	flagI2CAddStr := fs.String("i2c-address", "", "I2C address (decimal or 0x hex)")
	flagStack := fs.Int("stack", -1, "board stack level 0..7")
	flagSensorType := fs.String("sensor-type", "", "sensor type: real|simulation")
	flagChannels := fs.String("channels", "", "Comma-separated enabled channels e.g. 1,2,3")
	flagEnabled := fs.String("enabled", "", "Per-channel enable e.g. 1=true,4=false")
	flagIntervals := fs.String("intervals", "", "Per-channel interval in seconds e.g. 1=5,2=10")
	flagCalibration := fs.String("calibration", "", "Per-channel calibration factor e.g. 1=1.02,3=0.98")
	flagDataDir := fs.String("data-dir", "", "Directory for archive files and databases")
	flagDB := fs.String("db", "", "Path of the readings database")
	flagSettings := fs.String("settings", "", "Path of the settings database")
	flagCompress := fs.Int("compress-after-days", -1, "Compress daily archives older than N days")
	flagDelete := fs.Int("delete-after-days", -1, "Delete compressed archives older than N days")
	flagSchedule := fs.String("maintenance-schedule", "", "cron expression or RRULE for archive maintenance")
	flagConnectTimeout := fs.Int("connect-timeout-ms", -1, "Connect handshake timeout in ms")
	flagReadTimeout := fs.Int("read-timeout-ms", -1, "Bus transaction timeout in ms")
	flagOutputs := fs.String("outputs", "", "Comma-separated mirror outputs (console,mqtt)")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagTopic := fs.String("mqtt-topic", "", "MQTT state topic, %d is replaced by the channel")
	flagDiscovery := fs.String("mqtt-discovery-topic", "", "Home Assistant discovery topic, %d is replaced by the channel")
	flagMetrics := fs.String("metrics-addr", "", "Listen address for /metrics (e.g. :9100)")
	flagLogLevel := fs.String("log-level", "", "Log level: trace|debug|info|warn|error")
	flagLogFormat := fs.String("log-format", "", "Log format: text|json")
	flagAutoConnect := fs.Bool("auto-connect", false, "Connect to the board at start")
	flagAutoStart := fs.Bool("auto-start", false, "Start logging at start")
	flagTUI := fs.Bool("tui", false, "Show the interactive console")

	if err := fs.Parse(args); err != nil {
		return DefaultConfig(), err
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg := DefaultConfig()

	hasAddr := set["i2c-address"]
	if *cfgPath != "" {
		fileAddr, err := loadInto(*cfgPath, &cfg)
		if err != nil {
			return cfg, err
		}
		hasAddr = hasAddr || fileAddr
	}

	if *flagI2CBus != "" {
		cfg.I2C.Bus = *flagI2CBus
	}
	if *flagI2CAddStr != "" {
		v, err := parseIntOrHex(*flagI2CAddStr)
		if err != nil {
			return cfg, fmt.Errorf("i2c-address: %w", err)
		}
		cfg.I2C.Address = v
	}
	if *flagStack != -1 {
		cfg.I2C.Stack = *flagStack
	}
	if !hasAddr {
		cfg.deriveAddress()
	}
	if *flagSensorType != "" {
		cfg.SensorType = *flagSensorType
	}
	if *flagChannels != "" {
		chs, err := parseChannels(*flagChannels)
		if err != nil {
			return cfg, err
		}
		on := map[int]bool{}
		for _, ch := range chs {
			on[ch] = true
			cfg.Channel(ch)
		}
		for i := range cfg.Channels {
			cfg.Channels[i].Enabled = on[cfg.Channels[i].Channel]
		}
	}
	if *flagEnabled != "" {
		m, err := parseKeyBoolMap(*flagEnabled)
		if err != nil {
			return cfg, fmt.Errorf("enabled: %w", err)
		}
		for ch, v := range m {
			cfg.Channel(ch).Enabled = v
		}
	}
	if *flagIntervals != "" {
		m, err := parseKeyIntMap(*flagIntervals)
		if err != nil {
			return cfg, fmt.Errorf("intervals: %w", err)
		}
		for ch, v := range m {
			cfg.Channel(ch).IntervalSeconds = v
		}
	}
	if *flagCalibration != "" {
		m, err := parseKeyFloatMap(*flagCalibration)
		if err != nil {
			return cfg, fmt.Errorf("calibration: %w", err)
		}
		for ch, v := range m {
			cfg.Channel(ch).CalibrationFactor = v
		}
	}
	if *flagDataDir != "" {
		cfg.DataDir = *flagDataDir
	}
	if *flagDB != "" {
		cfg.DatabasePath = *flagDB
	}
	if *flagSettings != "" {
		cfg.SettingsPath = *flagSettings
	}
	if *flagCompress != -1 {
		cfg.Retention.CompressAfterDays = *flagCompress
	}
	if *flagDelete != -1 {
		cfg.Retention.DeleteAfterDays = *flagDelete
	}
	if *flagSchedule != "" {
		cfg.Retention.Schedule = *flagSchedule
	}
	if *flagConnectTimeout != -1 {
		cfg.ConnectTimeoutMs = *flagConnectTimeout
	}
	if *flagReadTimeout != -1 {
		cfg.ReadTimeoutMs = *flagReadTimeout
	}
	if *flagOutputs != "" {
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: strings.ToLower(p)})
		}
		cfg.Outputs = outs
	}
	// map mqtt flags into every mqtt output (create one if missing)
	if *flagMQTTServer != "" || *flagMQTTUser != "" || *flagMQTTPass != "" || *flagClientID != "" ||
		*flagTopic != "" || *flagDiscovery != "" {
		apply := func(m *MQTTConfig) {
			if *flagMQTTServer != "" {
				m.Server = *flagMQTTServer
			}
			if *flagMQTTUser != "" {
				m.Username = *flagMQTTUser
			}
			if *flagMQTTPass != "" {
				m.Password = *flagMQTTPass
			}
			if *flagClientID != "" {
				m.ClientID = *flagClientID
			}
			if *flagTopic != "" {
				m.StateTopic = *flagTopic
			}
			if *flagDiscovery != "" {
				m.DiscoveryTopic = *flagDiscovery
			}
		}
		applied := false
		for i := range cfg.Outputs {
			if strings.ToLower(cfg.Outputs[i].Type) == OutputMQTT {
				if cfg.Outputs[i].MQTT == nil {
					cfg.Outputs[i].MQTT = &MQTTConfig{}
				}
				apply(cfg.Outputs[i].MQTT)
				applied = true
			}
		}
		if !applied {
			out := OutputConfig{Type: OutputMQTT, MQTT: &MQTTConfig{}}
			apply(out.MQTT)
			cfg.Outputs = append(cfg.Outputs, out)
		}
	}
	if *flagMetrics != "" {
		cfg.MetricsAddr = *flagMetrics
	}
	if *flagLogLevel != "" {
		cfg.LogLevel = *flagLogLevel
	}
	if *flagLogFormat != "" {
		cfg.LogFormat = *flagLogFormat
	}
	if set["auto-connect"] {
		cfg.AutoConnect = *flagAutoConnect
	}
	if set["auto-start"] {
		cfg.AutoStart = *flagAutoStart
	}
	if set["tui"] {
		cfg.TUI = *flagTUI
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseChannels(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t == "" {
			continue
		}
		v, err := strconv.Atoi(t)
		if err != nil {
			return nil, fmt.Errorf("invalid channel '%s': %w", t, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// parseKeyValues splits "k=v,k=v" into integer keys and raw values.
func parseKeyValues(s string, fn func(k int, v string) error) error {
	for _, p := range parseCSV(s) {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("invalid pair '%s'", p)
		}
		k, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil {
			return fmt.Errorf("invalid key '%s': %w", kv[0], err)
		}
		if err := fn(k, strings.TrimSpace(kv[1])); err != nil {
			return fmt.Errorf("key %d: %w", k, err)
		}
	}
	return nil
}

func parseKeyFloatMap(s string) (map[int]float64, error) {
	out := map[int]float64{}
	err := parseKeyValues(s, func(k int, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		out[k] = f
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseKeyIntMap(s string) (map[int]int, error) {
	out := map[int]int{}
	err := parseKeyValues(s, func(k int, v string) error {
		n, err := strconv.Atoi(v)
		out[k] = n
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseKeyBoolMap(s string) (map[int]bool, error) {
	out := map[int]bool{}
	err := parseKeyValues(s, func(k int, v string) error {
		b, err := strconv.ParseBool(v)
		out[k] = b
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
