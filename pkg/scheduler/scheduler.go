// Package scheduler runs one sampling task per enabled channel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ericogr/thermocouple-logger/pkg/bus"
	"github.com/ericogr/thermocouple-logger/pkg/sensor"
	"github.com/ericogr/thermocouple-logger/pkg/storage"
)

// DefaultInterval is the sampling interval of a channel, in ticks.
const DefaultInterval = 5

var (
	ErrInvalidChannel  = sensor.ErrInvalidChannel
	ErrInvalidInterval = errors.New("invalid interval")
)

type Reader interface {
	Read(ctx context.Context, channel int) (float64, error)
}

type Calibrator interface {
	Apply(channel int, raw float64) float64
}

type Recorder interface {
	Record(sensor.Reading) storage.Outcome
}

// ChannelConfig is the sampling configuration of one channel.
type ChannelConfig struct {
	Enabled  bool `json:"enabled"`
	Interval int  `json:"interval_seconds"`
}

// Stats counts ticks of one channel. Attempts == Samples + Skipped.
type Stats struct {
	Attempts uint64 `json:"attempts"`
	Samples  uint64 `json:"samples"`
	Skipped  uint64 `json:"skipped"`
}

// Event describes one tick. Err is set for skipped ticks.
type Event struct {
	Channel int
	Reading sensor.Reading
	Outcome storage.Outcome
	Err     error
}

type Option func(*Scheduler)

// WithTickUnit sets the duration of one interval unit. Defaults to a second.
func WithTickUnit(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

func WithLogger(l *logrus.Entry) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithObserver registers fn to be called after every tick.
func WithObserver(fn func(Event)) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, fn) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type Scheduler struct {
	reader    Reader
	cal       Calibrator
	rec       Recorder
	log       *logrus.Entry
	tick      time.Duration
	now       func() time.Time
	observers []func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	active   bool
	closed   bool
	cfg      [sensor.NumChannels + 1]ChannelConfig
	stats    [sensor.NumChannels + 1]Stats
	quitters [sensor.NumChannels + 1]chan struct{}
}

// New returns an inactive scheduler with every channel enabled at
// DefaultInterval.
func New(r Reader, c Calibrator, rec Recorder, opts ...Option) *Scheduler {
	s := &Scheduler{
		reader: r,
		cal:    c,
		rec:    rec,
		tick:   time.Second,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logrus.WithField("component", "scheduler")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, ch := range sensor.Channels() {
		s.cfg[ch] = ChannelConfig{Enabled: true, Interval: DefaultInterval}
	}
	return s
}

// Start sets the logging-active flag and launches a task for every enabled
// channel.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		s.log.Info("logging started")
	}
	s.active = true
	s.reconcile()
}

// Stop clears the logging-active flag. Sleeping tasks exit immediately; a
// task inside a transaction finishes it first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.log.Info("logging stopped")
	}
	s.active = false
	s.reconcile()
}

func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Scheduler) SetEnabled(channel int, enabled bool) error {
	if err := sensor.CheckChannel(channel); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg[channel].Enabled = enabled
	s.reconcile()
	s.log.WithFields(logrus.Fields{"channel": channel, "enabled": enabled}).Info("channel updated")
	return nil
}

// SetInterval changes the interval used from the channel's next wake-up on.
func (s *Scheduler) SetInterval(channel, interval int) error {
	if err := sensor.CheckChannel(channel); err != nil {
		return err
	}
	if interval <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidInterval, interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg[channel].Interval = interval
	s.log.WithFields(logrus.Fields{"channel": channel, "interval": interval}).Info("channel updated")
	return nil
}

func (s *Scheduler) Config(channel int) (ChannelConfig, error) {
	if err := sensor.CheckChannel(channel); err != nil {
		return ChannelConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg[channel], nil
}

func (s *Scheduler) Stats(channel int) (Stats, error) {
	if err := sensor.CheckChannel(channel); err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[channel], nil
}

// Running reports whether channel currently has a sampling task.
func (s *Scheduler) Running(channel int) bool {
	if !sensor.ValidChannel(channel) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quitters[channel] != nil
}

// Close stops every task, aborts in-flight transactions and waits for the
// tasks to return. The scheduler cannot be restarted.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.active = false
	s.reconcile()
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// reconcile starts or quits channel tasks to match the configuration.
// Callers hold s.mu.
func (s *Scheduler) reconcile() {
	for _, ch := range sensor.Channels() {
		want := s.active && !s.closed && s.cfg[ch].Enabled
		quit := s.quitters[ch]
		switch {
		case want && quit == nil:
			quit = make(chan struct{})
			s.quitters[ch] = quit
			s.wg.Add(1)
			go s.run(ch, quit)
		case !want && quit != nil:
			close(quit)
			s.quitters[ch] = nil
		}
	}
}

func (s *Scheduler) run(ch int, quit chan struct{}) {
	defer s.wg.Done()
	l := s.log.WithField("channel", ch)
	l.Debug("task started")
	defer l.Debug("task stopped")

	for {
		s.mu.Lock()
		interval := s.cfg[ch].Interval
		s.mu.Unlock()

		t := time.NewTimer(time.Duration(interval) * s.tick)
		select {
		case <-quit:
			t.Stop()
			return
		case <-t.C:
		}
		s.sample(ch, l)
	}
}

func (s *Scheduler) sample(ch int, l *logrus.Entry) {
	ev := Event{Channel: ch}
	raw, err := s.reader.Read(s.ctx, ch)
	if err != nil {
		ev.Err = err
		s.count(ch, false)
		if errors.Is(err, bus.ErrNotConnected) {
			l.Debug("skipped tick: not connected")
		} else {
			l.WithError(err).Warn("skipped tick")
		}
		s.notify(ev)
		return
	}
	ev.Reading = sensor.NewReading(ch, raw, s.cal.Apply(ch, raw), s.now())
	ev.Outcome = s.rec.Record(ev.Reading)
	s.count(ch, true)
	l.WithFields(logrus.Fields{
		"raw":        ev.Reading.Raw,
		"calibrated": ev.Reading.Calibrated,
		"outcome":    ev.Outcome,
	}).Trace("sampled")
	s.notify(ev)
}

func (s *Scheduler) count(ch int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[ch].Attempts++
	if ok {
		s.stats[ch].Samples++
	} else {
		s.stats[ch].Skipped++
	}
}

func (s *Scheduler) notify(ev Event) {
	for _, fn := range s.observers {
		fn(ev)
	}
}
