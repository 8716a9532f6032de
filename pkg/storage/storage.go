// Package storage fans every reading out to a set of independent sinks.
package storage

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ericogr/thermocouple-logger/pkg/sensor"
)

// Sink persists or mirrors readings. Write receives its own copy of the
// reading.
type Sink interface {
	Name() string
	Write(sensor.Reading) error
}

// Outcome of offering one reading to the durable sinks. Mirrors never
// change it.
type Outcome int

const (
	Persisted Outcome = iota // every durable sink succeeded
	Degraded                 // at least one durable sink succeeded
	Lost                     // every durable sink failed
)

func (o Outcome) String() string {
	switch o {
	case Persisted:
		return "persisted"
	case Degraded:
		return "degraded"
	case Lost:
		return "lost"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// SinkError is a sink-local failure for one reading.
type SinkError struct {
	Sink    string
	Reading sensor.Reading
	Err     error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: channel %d: %v", e.Sink, e.Reading.Channel, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

type Fanout struct {
	durable []Sink
	mirrors []Sink
	log     *logrus.Entry

	mu        sync.Mutex
	failures  map[string]uint64
	lastErr   map[string]error
	listeners []func(*SinkError)
}

// NewFanout writes to the durable sinks first and then to the mirrors.
// Only the durable sinks decide the Outcome; mirror failures are logged and
// counted like any other.
func NewFanout(l *logrus.Entry, durable []Sink, mirrors ...Sink) *Fanout {
	if l == nil {
		l = logrus.WithField("component", "storage")
	}
	return &Fanout{
		durable:  durable,
		mirrors:  mirrors,
		log:      l,
		failures: make(map[string]uint64),
		lastErr:  make(map[string]error),
	}
}

// OnFailure registers fn to be called for every sink failure.
func (f *Fanout) OnFailure(fn func(*SinkError)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// Record offers r to every sink. A failing sink never prevents the others
// from being attempted.
func (f *Fanout) Record(r sensor.Reading) Outcome {
	ok := 0
	for _, s := range f.durable {
		if f.write(s, r) {
			ok++
		}
	}
	for _, s := range f.mirrors {
		f.write(s, r)
	}
	switch {
	case ok == 0:
		return Lost
	case ok < len(f.durable):
		return Degraded
	}
	return Persisted
}

func (f *Fanout) write(s Sink, r sensor.Reading) bool {
	if err := s.Write(r); err != nil {
		f.fail(&SinkError{Sink: s.Name(), Reading: r, Err: err})
		return false
	}
	f.recovered(s.Name())
	return true
}

func (f *Fanout) all() []Sink {
	return append(append([]Sink(nil), f.durable...), f.mirrors...)
}

func (f *Fanout) fail(se *SinkError) {
	f.mu.Lock()
	f.failures[se.Sink]++
	first := f.lastErr[se.Sink] == nil
	f.lastErr[se.Sink] = se.Err
	ls := make([]func(*SinkError), len(f.listeners))
	copy(ls, f.listeners)
	f.mu.Unlock()

	e := f.log.WithError(se.Err).WithFields(logrus.Fields{"sink": se.Sink, "channel": se.Reading.Channel})
	if first {
		e.Error("sink write failed")
	} else {
		e.Debug("sink write failed")
	}
	for _, fn := range ls {
		fn(se)
	}
}

func (f *Fanout) recovered(name string) {
	f.mu.Lock()
	prev := f.lastErr[name]
	delete(f.lastErr, name)
	f.mu.Unlock()
	if prev != nil {
		f.log.WithField("sink", name).Info("sink recovered")
	}
}

// Failures returns the number of failed writes per sink name.
func (f *Fanout) Failures() map[string]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]uint64, len(f.failures))
	for k, v := range f.failures {
		out[k] = v
	}
	return out
}

// Sinks returns the names of the configured sinks in write order.
func (f *Fanout) Sinks() []string {
	names := make([]string, 0, len(f.durable)+len(f.mirrors))
	for _, s := range f.all() {
		names = append(names, s.Name())
	}
	return names
}

// Close closes every sink that holds resources.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.all() {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
