package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ericogr/thermocouple-logger/pkg/bus"
	"github.com/ericogr/thermocouple-logger/pkg/calibration"
	"github.com/ericogr/thermocouple-logger/pkg/sensor"
	"github.com/ericogr/thermocouple-logger/pkg/storage"
)

const tick = 10 * time.Millisecond

type recorder struct {
	mu   sync.Mutex
	rows []sensor.Reading
}

func (r *recorder) Record(rd sensor.Reading) storage.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, rd)
	return storage.Persisted
}

func (r *recorder) readings(ch int) []sensor.Reading {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sensor.Reading
	for _, rd := range r.rows {
		if rd.Channel == ch {
			out = append(out, rd)
		}
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type rig struct {
	fake *sensor.Fake
	bus  *bus.Manager
	cal  *calibration.Store
	rec  *recorder
	s    *Scheduler
}

func newRig(t *testing.T, connect bool) *rig {
	t.Helper()
	f := sensor.NewFake()
	m := bus.New(f, bus.Options{Bus: "1", Address: 0x16, ReadTimeout: time.Second})
	if connect {
		if st := m.Connect(context.Background()); st != bus.Connected {
			t.Fatalf("connect: %v", st)
		}
	}
	r := &rig{fake: f, bus: m, cal: calibration.New(), rec: &recorder{}}
	r.s = New(m, r.cal, r.rec, WithTickUnit(tick))
	t.Cleanup(r.s.Close)
	return r
}

// only leaves the given channels enabled
func (r *rig) only(t *testing.T, interval int, channels ...int) {
	t.Helper()
	on := map[int]bool{}
	for _, ch := range channels {
		on[ch] = true
	}
	for _, ch := range sensor.Channels() {
		if err := r.s.SetEnabled(ch, on[ch]); err != nil {
			t.Fatalf("SetEnabled(%d): %v", ch, err)
		}
		if err := r.s.SetInterval(ch, interval); err != nil {
			t.Fatalf("SetInterval(%d): %v", ch, err)
		}
	}
}

func TestNoReadingsWhileDisconnected(t *testing.T) {
	r := newRig(t, false)
	r.only(t, 1, sensor.Channels()...)
	r.s.Start()
	time.Sleep(15 * tick)

	if n := r.rec.len(); n != 0 {
		t.Fatalf("%d readings recorded while disconnected", n)
	}
	if r.fake.Reads() != 0 {
		t.Fatalf("board read %d times while disconnected", r.fake.Reads())
	}
	st, _ := r.s.Stats(1)
	if st.Skipped == 0 || st.Samples != 0 {
		t.Fatalf("stats %+v; want skipped ticks only", st)
	}
}

func TestAttemptCount(t *testing.T) {
	r := newRig(t, true)
	r.only(t, 5, 1)
	r.s.Start()
	time.Sleep(50*tick + tick/2)
	r.s.Stop()

	st, _ := r.s.Stats(1)
	// floor(T/N) = 10
	if st.Attempts < 9 || st.Attempts > 11 {
		t.Fatalf("attempts %d; want 10±1", st.Attempts)
	}
	if st.Attempts != st.Samples+st.Skipped {
		t.Fatalf("inconsistent stats %+v", st)
	}
}

func TestCalibrationAppliedAtSampleTime(t *testing.T) {
	r := newRig(t, true)
	for _, ch := range sensor.Channels() {
		r.fake.Set(ch, 10)
	}
	r.only(t, 1, sensor.Channels()...)
	r.s.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			for _, ch := range sensor.Channels() {
				_ = r.cal.Set(ch, float64(i%4+1))
			}
			time.Sleep(time.Millisecond)
		}
	}()
	<-done
	r.s.Stop()

	if r.rec.len() == 0 {
		t.Fatalf("no readings recorded")
	}
	for _, ch := range sensor.Channels() {
		for _, rd := range r.rec.readings(ch) {
			f := rd.Calibrated / rd.Raw
			if f != 1 && f != 2 && f != 3 && f != 4 {
				t.Fatalf("reading %+v uses factor %v", rd, f)
			}
			if rd.Calibrated != rd.Raw*f {
				t.Fatalf("calibrated %v != raw %v * %v", rd.Calibrated, rd.Raw, f)
			}
		}
	}
}

func TestDisableOnlyAffectsChannel(t *testing.T) {
	r := newRig(t, true)
	r.only(t, 2, 1, 2, 3)
	r.s.Start()
	time.Sleep(20 * tick)

	if err := r.s.SetEnabled(2, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if r.s.Running(2) || !r.s.Running(1) || !r.s.Running(3) {
		t.Fatalf("wrong tasks running after disabling channel 2")
	}
	before := map[int]uint64{}
	for _, ch := range []int{1, 2, 3} {
		st, _ := r.s.Stats(ch)
		before[ch] = st.Attempts
	}
	time.Sleep(20*tick + tick/2)
	r.s.Stop()

	for _, ch := range []int{1, 3} {
		st, _ := r.s.Stats(ch)
		// 10 ticks of interval 2 in the second window
		if d := st.Attempts - before[ch]; d < 9 || d > 11 {
			t.Fatalf("channel %d: %d attempts after disabling channel 2; want 10±1", ch, d)
		}
	}
	st, _ := r.s.Stats(2)
	if d := st.Attempts - before[2]; d > 1 {
		t.Fatalf("channel 2 kept sampling: %d attempts", d)
	}
}

func TestStopHaltsAllChannels(t *testing.T) {
	r := newRig(t, true)
	r.only(t, 1, sensor.Channels()...)
	r.s.Start()
	time.Sleep(5 * tick)
	r.s.Stop()
	if r.s.Active() {
		t.Fatalf("still active")
	}
	time.Sleep(2 * tick)
	n := r.rec.len()
	time.Sleep(5 * tick)
	if r.rec.len() != n {
		t.Fatalf("readings recorded after Stop: %d -> %d", n, r.rec.len())
	}
	for _, ch := range sensor.Channels() {
		if r.s.Running(ch) {
			t.Fatalf("channel %d task still running", ch)
		}
	}
}

func TestBusErrorIsSkippedTick(t *testing.T) {
	r := newRig(t, true)
	r.fake.Fail(1, errors.New("nack"))
	var (
		mu   sync.Mutex
		errs int
	)
	r.s = New(r.bus, r.cal, r.rec, WithTickUnit(tick), WithObserver(func(e Event) {
		if e.Err != nil && errors.Is(e.Err, bus.ErrBus) {
			mu.Lock()
			errs++
			mu.Unlock()
		}
	}))
	t.Cleanup(r.s.Close)
	r.only(t, 1, 1, 2)
	r.s.Start()
	time.Sleep(10 * tick)
	r.s.Close()

	st1, _ := r.s.Stats(1)
	st2, _ := r.s.Stats(2)
	if st1.Samples != 0 || st1.Skipped == 0 {
		t.Fatalf("channel 1 stats %+v", st1)
	}
	if st2.Samples == 0 {
		t.Fatalf("channel 2 stalled by channel 1 failures: %+v", st2)
	}
	mu.Lock()
	defer mu.Unlock()
	if uint64(errs) != st1.Skipped {
		t.Fatalf("observer saw %d bus errors; stats %d", errs, st1.Skipped)
	}
}

func TestSetIntervalTakesEffect(t *testing.T) {
	r := newRig(t, true)
	r.only(t, 100, 1)
	r.s.Start()
	time.Sleep(5 * tick)
	// the current 100-tick sleep is not shortened
	if err := r.s.SetInterval(1, 1); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	time.Sleep(5 * tick)
	if st, _ := r.s.Stats(1); st.Attempts != 0 {
		t.Fatalf("interval change applied retroactively: %+v", st)
	}
	cfg, _ := r.s.Config(1)
	if cfg.Interval != 1 || !cfg.Enabled {
		t.Fatalf("config %+v", cfg)
	}
}

func TestInvalidInput(t *testing.T) {
	r := newRig(t, false)
	if err := r.s.SetInterval(1, 3); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"zero interval", r.s.SetInterval(1, 0), ErrInvalidInterval},
		{"negative interval", r.s.SetInterval(1, -5), ErrInvalidInterval},
		{"interval channel 0", r.s.SetInterval(0, 5), ErrInvalidChannel},
		{"enable channel 9", r.s.SetEnabled(9, true), ErrInvalidChannel},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Fatalf("%s: err=%v; want %v", tt.name, tt.err, tt.want)
		}
	}
	if cfg, _ := r.s.Config(1); cfg.Interval != 3 {
		t.Fatalf("interval changed by rejected input: %+v", cfg)
	}
	if _, err := r.s.Stats(0); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("Stats(0) err=%v", err)
	}
}
