// Package datalogger assembles the bus, scheduler, calibration, persistence
// and query layers behind one control API.
package datalogger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ericogr/thermocouple-logger/pkg/bus"
	"github.com/ericogr/thermocouple-logger/pkg/calibration"
	"github.com/ericogr/thermocouple-logger/pkg/metrics"
	"github.com/ericogr/thermocouple-logger/pkg/query"
	"github.com/ericogr/thermocouple-logger/pkg/scheduler"
	"github.com/ericogr/thermocouple-logger/pkg/sensor"
	"github.com/ericogr/thermocouple-logger/pkg/settings"
	"github.com/ericogr/thermocouple-logger/pkg/storage"
	"github.com/ericogr/thermocouple-logger/pkg/storage/archive"
	"github.com/ericogr/thermocouple-logger/pkg/storage/db"
)

// ChannelConfig is the user-visible configuration of one channel.
type ChannelConfig struct {
	Enabled           bool    `json:"enabled"`
	IntervalSeconds   int     `json:"interval_seconds"`
	CalibrationFactor float64 `json:"calibration_factor"`
}

// DefaultChannelConfig is applied to channels without explicit configuration.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{Enabled: true, IntervalSeconds: scheduler.DefaultInterval, CalibrationFactor: calibration.DefaultFactor}
}

// ChannelStatus is a snapshot of one channel.
type ChannelStatus struct {
	Channel int `json:"channel"`
	ChannelConfig
	Running bool            `json:"running"`
	Stats   scheduler.Stats `json:"stats"`
}

type Status struct {
	Connection      bus.Status        `json:"connection"`
	Logging         bool              `json:"logging"`
	Channels        []ChannelStatus   `json:"channels"`
	Sinks           []string          `json:"sinks"`
	SinkFailures    map[string]uint64 `json:"sink_failures"`
	Archive         archive.Stats     `json:"archive"`
	NextMaintenance time.Time         `json:"next_maintenance,omitempty"`
}

type Options struct {
	Driver sensor.Driver
	Bus    bus.Options

	// Store and Archive are the two persistence sinks; both are required.
	Store   *db.Store
	Archive *archive.Writer
	// Mirrors receive every reading after the two sinks.
	Mirrors []storage.Sink

	// Retention enables archive maintenance when set.
	Retention *archive.Policy
	Settings  *settings.Store
	Metrics   *metrics.Metrics

	// Channels overrides DefaultChannelConfig per channel. Stored settings
	// take precedence over it.
	Channels map[int]ChannelConfig
	TickUnit time.Duration
	Clock    func() time.Time
	Log      *logrus.Entry
}

// Logger owns every component of the running data logger.
type Logger struct {
	bus      *bus.Manager
	cal      *calibration.Store
	fanout   *storage.Fanout
	sched    *scheduler.Scheduler
	query    *query.Facade
	maint    *archive.Maintainer
	archive  *archive.Writer
	settings *settings.Store
	log      *logrus.Entry

	closeOnce sync.Once
	closeErr  error
}

func New(opts Options) (*Logger, error) {
	if opts.Driver == nil {
		return nil, errors.New("datalogger: no driver")
	}
	if opts.Store == nil || opts.Archive == nil {
		return nil, errors.New("datalogger: structured store and archive are required")
	}
	l := opts.Log
	if l == nil {
		l = logrus.WithField("component", "datalogger")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	lg := &Logger{
		cal:      calibration.New(),
		archive:  opts.Archive,
		settings: opts.Settings,
		log:      l,
	}
	if opts.Bus.Log == nil {
		opts.Bus.Log = l.WithField("component", "bus")
	}
	lg.bus = bus.New(opts.Driver, opts.Bus)
	lg.bus.Subscribe(func(s bus.State) {
		l.WithField("state", s).Info("connection state changed")
	})

	durable := []storage.Sink{opts.Store, opts.Archive}
	lg.fanout = storage.NewFanout(l.WithField("component", "storage"), durable, opts.Mirrors...)

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(l.WithField("component", "scheduler")),
		scheduler.WithClock(now),
		scheduler.WithTickUnit(opts.TickUnit),
	}
	if m := opts.Metrics; m != nil {
		lg.bus.Subscribe(m.ObserveState)
		m.ObserveState(lg.bus.State())
		lg.fanout.OnFailure(m.ObserveSinkFailure)
		schedOpts = append(schedOpts, scheduler.WithObserver(m.ObserveSample))
	}
	lg.sched = scheduler.New(lg.bus, lg.cal, lg.fanout, schedOpts...)
	lg.query = query.New(opts.Store, query.WithClock(now), query.WithLogger(l.WithField("component", "query")))

	if err := lg.applyChannels(opts.Channels); err != nil {
		return nil, err
	}

	if opts.Retention != nil {
		mopts := []archive.MaintainerOption{archive.WithLogger(l.WithField("component", "maintenance"))}
		if opts.Metrics != nil {
			mopts = append(mopts, archive.OnError(opts.Metrics.ObserveMaintenance))
		}
		m, err := archive.NewMaintainer(opts.Archive, *opts.Retention, mopts...)
		if err != nil {
			return nil, fmt.Errorf("archive maintenance: %w", err)
		}
		lg.maint = m
		m.Start()
	}
	return lg, nil
}

// applyChannels loads the initial configuration: defaults, then overrides,
// then stored settings.
func (lg *Logger) applyChannels(overrides map[int]ChannelConfig) error {
	cfg := make(map[int]ChannelConfig, sensor.NumChannels)
	for _, ch := range sensor.Channels() {
		cfg[ch] = DefaultChannelConfig()
	}
	for ch, c := range overrides {
		if err := sensor.CheckChannel(ch); err != nil {
			return fmt.Errorf("channel %d: %w", ch, err)
		}
		cfg[ch] = c
	}
	if lg.settings != nil {
		var stale []int
		err := lg.settings.LoadChannels(func(ch int, data []byte) error {
			if !sensor.ValidChannel(ch) {
				stale = append(stale, ch)
				return nil
			}
			var c ChannelConfig
			if err := json.Unmarshal(data, &c); err != nil {
				lg.log.WithError(err).WithField("channel", ch).Warn("ignoring stored channel settings")
				stale = append(stale, ch)
				return nil
			}
			if c.IntervalSeconds <= 0 || calibration.Validate(c.CalibrationFactor) != nil {
				lg.log.WithField("channel", ch).Warn("ignoring invalid stored channel settings")
				stale = append(stale, ch)
				return nil
			}
			cfg[ch] = c
			return nil
		})
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		// bbolt cannot write inside the read transaction above
		for _, ch := range stale {
			if err := lg.settings.DeleteChannel(ch); err != nil {
				lg.log.WithError(err).WithField("channel", ch).Warn("dropping stored channel settings")
			}
		}
	}
	for _, ch := range sensor.Channels() {
		c := cfg[ch]
		if err := lg.sched.SetInterval(ch, c.IntervalSeconds); err != nil {
			return fmt.Errorf("channel %d: %w", ch, err)
		}
		if err := lg.cal.Set(ch, c.CalibrationFactor); err != nil {
			return fmt.Errorf("channel %d: %w", ch, err)
		}
		if err := lg.sched.SetEnabled(ch, c.Enabled); err != nil {
			return fmt.Errorf("channel %d: %w", ch, err)
		}
	}
	return nil
}

func (lg *Logger) Connect(ctx context.Context) bus.State { return lg.bus.Connect(ctx) }

func (lg *Logger) Disconnect() bus.State { return lg.bus.Disconnect() }

func (lg *Logger) StartLogging() { lg.sched.Start() }

func (lg *Logger) StopLogging() { lg.sched.Stop() }

func (lg *Logger) SetChannelEnabled(channel int, enabled bool) error {
	if err := lg.sched.SetEnabled(channel, enabled); err != nil {
		return err
	}
	lg.persist(channel)
	return nil
}

func (lg *Logger) SetChannelInterval(channel, seconds int) error {
	if err := lg.sched.SetInterval(channel, seconds); err != nil {
		return err
	}
	lg.persist(channel)
	return nil
}

func (lg *Logger) SetCalibration(channel int, factor float64) error {
	if err := lg.cal.Set(channel, factor); err != nil {
		return err
	}
	lg.log.WithFields(logrus.Fields{"channel": channel, "factor": factor}).Info("calibration updated")
	lg.persist(channel)
	return nil
}

// persist stores the channel configuration. A failure only loses the change
// across restarts, so it is logged.
func (lg *Logger) persist(channel int) {
	if lg.settings == nil {
		return
	}
	c, err := lg.Channel(channel)
	if err != nil {
		return
	}
	if err := lg.settings.SaveChannel(channel, c); err != nil {
		lg.log.WithError(err).WithField("channel", channel).Warn("channel settings not saved")
	}
}

// Channel returns the configuration of one channel.
func (lg *Logger) Channel(channel int) (ChannelConfig, error) {
	sc, err := lg.sched.Config(channel)
	if err != nil {
		return ChannelConfig{}, err
	}
	return ChannelConfig{Enabled: sc.Enabled, IntervalSeconds: sc.Interval, CalibrationFactor: lg.cal.Factor(channel)}, nil
}

// Channels returns a snapshot of every channel in channel order.
func (lg *Logger) Channels() []ChannelStatus {
	out := make([]ChannelStatus, 0, sensor.NumChannels)
	for _, ch := range sensor.Channels() {
		c, _ := lg.Channel(ch)
		st, _ := lg.sched.Stats(ch)
		out = append(out, ChannelStatus{Channel: ch, ChannelConfig: c, Running: lg.sched.Running(ch), Stats: st})
	}
	return out
}

func (lg *Logger) Status() Status {
	st := Status{
		Connection:   lg.bus.Status(),
		Logging:      lg.sched.Active(),
		Channels:     lg.Channels(),
		Sinks:        lg.fanout.Sinks(),
		SinkFailures: lg.fanout.Failures(),
	}
	if as, err := lg.archive.Stats(); err == nil {
		st.Archive = as
	}
	if lg.maint != nil {
		st.NextMaintenance = lg.maint.Next()
	}
	return st
}

func (lg *Logger) Latest(ctx context.Context) ([]sensor.Reading, error) {
	return lg.query.Latest(ctx)
}

func (lg *Logger) Historical(ctx context.Context, d time.Duration) ([]sensor.Reading, error) {
	return lg.query.Historical(ctx, d)
}

func (lg *Logger) Average(ctx context.Context, d time.Duration) ([]db.Summary, error) {
	return lg.query.Average(ctx, d)
}

// ClearAll empties the structured store. Archive files are kept.
func (lg *Logger) ClearAll(ctx context.Context) error {
	return lg.query.ClearAll(ctx)
}

func (lg *Logger) ExportRange(ctx context.Context, start, end time.Time, channels ...int) ([]sensor.Reading, error) {
	return lg.query.ExportRange(ctx, start, end, channels...)
}

// Close stops sampling and maintenance, releases the bus and closes every
// sink and the settings store.
func (lg *Logger) Close() error {
	lg.closeOnce.Do(func() {
		lg.sched.Close()
		if lg.maint != nil {
			lg.maint.Stop()
		}
		lg.bus.Disconnect()
		errs := []error{lg.fanout.Close()}
		if lg.settings != nil {
			errs = append(errs, lg.settings.Close())
		}
		lg.closeErr = errors.Join(errs...)
	})
	return lg.closeErr
}
