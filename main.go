package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	log "github.com/sirupsen/logrus"

	"github.com/ericogr/thermocouple-logger/pkg/bus"
	"github.com/ericogr/thermocouple-logger/pkg/config"
	"github.com/ericogr/thermocouple-logger/pkg/datalogger"
	"github.com/ericogr/thermocouple-logger/pkg/metrics"
	"github.com/ericogr/thermocouple-logger/pkg/query"
	"github.com/ericogr/thermocouple-logger/pkg/sensor"
	"github.com/ericogr/thermocouple-logger/pkg/settings"
	"github.com/ericogr/thermocouple-logger/pkg/storage"
	"github.com/ericogr/thermocouple-logger/pkg/storage/archive"
	"github.com/ericogr/thermocouple-logger/pkg/storage/console"
	"github.com/ericogr/thermocouple-logger/pkg/storage/db"
	"github.com/ericogr/thermocouple-logger/pkg/storage/mqtt"
	"github.com/ericogr/thermocouple-logger/pkg/tui"
)

const logFileName = "logger.log"

func main() {
	cfg, err := config.LoadFromFlags()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := setupLogging(cfg); err != nil {
		log.Fatalf("logging: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

// setupLogging configures the standard logger. With the console view the
// log goes to a file in the data directory.
func setupLogging(cfg config.Config) error {
	lvl, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	if cfg.TUI {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(cfg.DataDir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		log.SetOutput(f)
	}
	return nil
}

func newDriver(cfg config.Config) sensor.Driver {
	if cfg.SensorType == config.SensorSimulation {
		log.Info("using simulated sensor")
		return sensor.NewFake()
	}
	return sensor.SMTC{}
}

// channelOverrides converts the configured channels for the logger.
func channelOverrides(cfg config.Config) map[int]datalogger.ChannelConfig {
	out := make(map[int]datalogger.ChannelConfig, len(cfg.Channels))
	for _, c := range cfg.Channels {
		out[c.Channel] = datalogger.ChannelConfig{
			Enabled:           c.Enabled,
			IntervalSeconds:   c.IntervalSeconds,
			CalibrationFactor: c.CalibrationFactor,
		}
	}
	return out
}

// initOutputs builds the mirror sinks. On error the sinks built so far are
// closed.
func initOutputs(cfg config.Config) ([]storage.Sink, error) {
	var sinks []storage.Sink
	for _, o := range cfg.Outputs {
		switch strings.ToLower(o.Type) {
		case config.OutputConsole:
			sinks = append(sinks, console.NewConsole())
		case config.OutputMQTT:
			mc := config.MQTTConfig{}
			if o.MQTT != nil {
				mc = *o.MQTT
			}
			m, err := mqtt.New(mc, cfg.Channels, log.WithField("component", "mqtt"))
			if err != nil {
				storage.NewFanout(nil, nil, sinks...).Close()
				return nil, err
			}
			sinks = append(sinks, m)
		default:
			storage.NewFanout(nil, nil, sinks...).Close()
			return nil, fmt.Errorf("unknown output type: %s", o.Type)
		}
	}
	return sinks, nil
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(cfg.DBPath(), log.WithField("component", "db"))
	if err != nil {
		return err
	}
	arch, err := archive.NewWriter(cfg.DataDir, log.WithField("component", "archive"))
	if err != nil {
		store.Close()
		return err
	}
	set, err := settings.Open(cfg.SettingsFile(), log.WithField("component", "settings"))
	if err != nil {
		store.Close()
		return err
	}
	mirrors, err := initOutputs(cfg)
	if err != nil {
		store.Close()
		set.Close()
		return err
	}

	m := metrics.New()
	retention := cfg.Retention
	lg, err := datalogger.New(datalogger.Options{
		Driver: newDriver(cfg),
		Bus: bus.Options{
			Bus:            cfg.I2C.Bus,
			Address:        uint16(cfg.I2C.Address),
			ConnectTimeout: time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
			ReadTimeout:    time.Duration(cfg.ReadTimeoutMs) * time.Millisecond,
		},
		Store:     store,
		Archive:   arch,
		Mirrors:   mirrors,
		Retention: &retention,
		Settings:  set,
		Metrics:   m,
		Channels:  channelOverrides(cfg),
		Log:       log.WithField("component", "datalogger"),
	})
	if err != nil {
		storage.NewFanout(nil, []storage.Sink{store}, mirrors...).Close()
		set.Close()
		return err
	}
	defer func() {
		if err := lg.Close(); err != nil {
			log.WithError(err).Warn("shutdown")
		}
	}()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, m)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if st, err := query.System(ctx, cfg.DataDir); err == nil {
		log.WithField("data_dir", cfg.DataDir).Info(st.String())
	}
	if cfg.AutoConnect {
		if st := lg.Connect(ctx); st != bus.Connected {
			log.WithField("state", st).Warn("auto connect failed")
		}
	}
	if cfg.AutoStart {
		lg.StartLogging()
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("sd_notify")
	}
	defer daemon.SdNotify(false, daemon.SdNotifyStopping)

	if cfg.TUI {
		return tui.Run(lg, log.WithField("component", "tui"))
	}
	log.Info("running; press Ctrl+C to stop")
	<-ctx.Done()
	log.Info("stopping")
	return nil
}

func serveMetrics(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server")
		}
	}()
	log.WithField("addr", addr).Info("serving metrics")
	return srv
}
