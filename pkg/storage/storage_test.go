package storage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ericogr/thermocouple-logger/pkg/sensor"
)

type memSink struct {
	name string
	mu   sync.Mutex
	err  error
	rows []sensor.Reading
}

func (m *memSink) Name() string { return m.name }

func (m *memSink) Write(r sensor.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, r)
	return nil
}

func (m *memSink) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type closingSink struct {
	memSink
	closed bool
}

func (c *closingSink) Close() error {
	c.closed = true
	return errors.New("already closed")
}

func TestFanoutOutcomes(t *testing.T) {
	a := &memSink{name: "db"}
	b := &memSink{name: "archive"}
	f := NewFanout(nil, []Sink{a, b})
	r := sensor.NewReading(1, 12.5, 25, time.Now())

	if o := f.Record(r); o != Persisted {
		t.Fatalf("outcome %v; want persisted", o)
	}

	diskFull := errors.New("no space left on device")
	b.fail(diskFull)
	var got []*SinkError
	f.OnFailure(func(se *SinkError) { got = append(got, se) })
	if o := f.Record(r); o != Degraded {
		t.Fatalf("outcome %v; want degraded", o)
	}
	if a.len() != 2 || b.len() != 1 {
		t.Fatalf("rows db=%d archive=%d", a.len(), b.len())
	}
	if len(got) != 1 || got[0].Sink != "archive" || !errors.Is(got[0], diskFull) {
		t.Fatalf("failure listener got %+v", got)
	}

	a.fail(diskFull)
	if o := f.Record(r); o != Lost {
		t.Fatalf("outcome %v; want lost", o)
	}
	if fails := f.Failures(); fails["archive"] != 2 || fails["db"] != 1 {
		t.Fatalf("failures %v", fails)
	}

	b.fail(nil)
	if o := f.Record(r); o != Degraded {
		t.Fatalf("outcome %v after archive recovered", o)
	}
	if b.len() != 2 {
		t.Fatalf("archive rows %d; want 2", b.len())
	}
}

func TestFanoutMirrorsDoNotCount(t *testing.T) {
	db := &memSink{name: "db"}
	arch := &memSink{name: "archive"}
	console := &memSink{name: "console"}
	f := NewFanout(nil, []Sink{db, arch}, console)
	r := sensor.NewReading(2, 10, 10, time.Now())

	diskFull := errors.New("no space left on device")
	db.fail(diskFull)
	arch.fail(diskFull)
	if o := f.Record(r); o != Lost {
		t.Fatalf("outcome %v with both durable sinks down; want lost", o)
	}
	if console.len() != 1 {
		t.Fatalf("mirror rows %d; want 1", console.len())
	}

	db.fail(nil)
	arch.fail(nil)
	console.fail(errors.New("broker gone"))
	if o := f.Record(r); o != Persisted {
		t.Fatalf("outcome %v with only the mirror down; want persisted", o)
	}
	if fails := f.Failures(); fails["console"] != 1 {
		t.Fatalf("mirror failures %v", fails)
	}
	if names := f.Sinks(); len(names) != 3 || names[2] != "console" {
		t.Fatalf("Sinks = %v", names)
	}
}

func TestFanoutNoSinks(t *testing.T) {
	if o := NewFanout(nil, nil).Record(sensor.Reading{Channel: 1}); o != Lost {
		t.Fatalf("outcome %v; want lost", o)
	}
}

func TestFanoutClose(t *testing.T) {
	c := &closingSink{memSink: memSink{name: "c"}}
	f := NewFanout(nil, []Sink{&memSink{name: "m"}}, c)
	if err := f.Close(); err == nil || !c.closed {
		t.Fatalf("Close err=%v closed=%v", err, c.closed)
	}
	if names := f.Sinks(); len(names) != 2 || names[0] != "m" || names[1] != "c" {
		t.Fatalf("Sinks = %v", names)
	}
}

func TestOutcomeString(t *testing.T) {
	tests := map[Outcome]string{Persisted: "persisted", Degraded: "degraded", Lost: "lost"}
	for o, want := range tests {
		if o.String() != want {
			t.Fatalf("%d = %q; want %q", int(o), o.String(), want)
		}
	}
}
