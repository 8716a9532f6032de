package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ericogr/thermocouple-logger/pkg/sensor"
)

func newTestManager(f *sensor.Fake) *Manager {
	return New(f, Options{
		Bus:            "1",
		Address:        0x16,
		ConnectTimeout: 100 * time.Millisecond,
		ReadTimeout:    50 * time.Millisecond,
	})
}

func TestReadRequiresConnection(t *testing.T) {
	f := sensor.NewFake()
	m := newTestManager(f)
	if _, err := m.Read(context.Background(), 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Read before connect err=%v; want ErrNotConnected", err)
	}
	if f.Reads() != 0 || f.Opens() != 0 {
		t.Fatalf("board touched while disconnected: opens=%d reads=%d", f.Opens(), f.Reads())
	}
}

func TestConnectReadDisconnect(t *testing.T) {
	f := sensor.NewFake()
	f.Set(1, 12.5)
	m := newTestManager(f)

	if s := m.Connect(context.Background()); s != Connected {
		t.Fatalf("Connect = %v; want connected", s)
	}
	if s := m.Connect(context.Background()); s != Connected {
		t.Fatalf("second Connect = %v", s)
	}
	if f.Opens() != 1 {
		t.Fatalf("Connect while connected reopened the board: %d", f.Opens())
	}
	v, err := m.Read(context.Background(), 1)
	if err != nil || v != 12.5 {
		t.Fatalf("Read = %v, %v; want 12.5", v, err)
	}
	if _, err := m.Read(context.Background(), 9); !errors.Is(err, sensor.ErrInvalidChannel) {
		t.Fatalf("Read(9) err=%v", err)
	}

	if s := m.Disconnect(); s != Disconnected {
		t.Fatalf("Disconnect = %v", s)
	}
	if s := m.Disconnect(); s != Disconnected {
		t.Fatalf("Disconnect twice = %v", s)
	}
	if _, err := m.Read(context.Background(), 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Read after disconnect err=%v", err)
	}
}

func TestConnectFailure(t *testing.T) {
	f := sensor.NewFake()
	boom := errors.New("no ack")
	f.FailOpen(boom)
	m := newTestManager(f)

	if s := m.Connect(context.Background()); s != Error {
		t.Fatalf("Connect = %v; want error", s)
	}
	if !errors.Is(m.Fault(), boom) {
		t.Fatalf("Fault = %v; want %v", m.Fault(), boom)
	}
	if st := m.Status(); st.State != Error || st.Fault == "" {
		t.Fatalf("Status = %+v", st)
	}
	if _, err := m.Read(context.Background(), 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Read in error state err=%v", err)
	}

	f.FailOpen(nil)
	if s := m.Connect(context.Background()); s != Connected {
		t.Fatalf("retry Connect = %v", s)
	}
	if m.Fault() != nil {
		t.Fatalf("fault not cleared: %v", m.Fault())
	}
}

func TestConnectTimeout(t *testing.T) {
	f := sensor.NewFake()
	f.SetDelay(300 * time.Millisecond)
	m := newTestManager(f)

	start := time.Now()
	s := m.Connect(context.Background())
	if s != Error {
		t.Fatalf("Connect = %v; want error", s)
	}
	if el := time.Since(start); el > 250*time.Millisecond {
		t.Fatalf("Connect blocked %v", el)
	}
	if !errors.Is(m.Fault(), context.DeadlineExceeded) {
		t.Fatalf("Fault = %v; want deadline exceeded", m.Fault())
	}
}

func TestReadTimeoutIsBusError(t *testing.T) {
	f := sensor.NewFake()
	m := newTestManager(f)
	if s := m.Connect(context.Background()); s != Connected {
		t.Fatalf("Connect = %v", s)
	}
	f.SetDelay(200 * time.Millisecond)

	start := time.Now()
	_, err := m.Read(context.Background(), 1)
	if !errors.Is(err, ErrBus) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Read err=%v; want bus timeout", err)
	}
	var be *BusError
	if !errors.As(err, &be) || be.Channel != 1 {
		t.Fatalf("err not a *BusError for channel 1: %v", err)
	}
	if el := time.Since(start); el > 150*time.Millisecond {
		t.Fatalf("Read blocked %v", el)
	}
	if m.State() != Connected {
		t.Fatalf("bus timeout changed state to %v", m.State())
	}

	// the slow transaction still owns the bus
	f.SetDelay(0)
	if _, err := m.Read(context.Background(), 2); !errors.Is(err, ErrBus) {
		t.Fatalf("Read while bus busy err=%v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if _, err := m.Read(context.Background(), 2); err != nil {
		t.Fatalf("Read after bus freed: %v", err)
	}
}

func TestReadFailureIsBusError(t *testing.T) {
	f := sensor.NewFake()
	m := newTestManager(f)
	m.Connect(context.Background())
	boom := errors.New("nack")
	f.Fail(4, boom)
	_, err := m.Read(context.Background(), 4)
	if !errors.Is(err, ErrBus) || !errors.Is(err, boom) {
		t.Fatalf("Read err=%v", err)
	}
}

func TestReadsAreSerialized(t *testing.T) {
	f := sensor.NewFake()
	m := New(f, Options{Bus: "1", Address: 0x16, ReadTimeout: time.Second})
	m.Connect(context.Background())
	f.SetDelay(time.Millisecond)

	var wg sync.WaitGroup
	for _, ch := range sensor.Channels() {
		wg.Add(1)
		go func(ch int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := m.Read(context.Background(), ch); err != nil {
					t.Errorf("Read(%d): %v", ch, err)
					return
				}
			}
		}(ch)
	}
	wg.Wait()
	if f.Overlaps() != 0 {
		t.Fatalf("%d overlapping transactions", f.Overlaps())
	}
	if f.Reads() != 80 {
		t.Fatalf("reads: got %d want 80", f.Reads())
	}
}

func TestSubscribe(t *testing.T) {
	f := sensor.NewFake()
	m := newTestManager(f)
	var (
		mu  sync.Mutex
		got []State
	)
	m.Subscribe(func(s State) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})
	m.Connect(context.Background())
	m.Disconnect()

	want := []State{Connecting, Connected, Disconnected}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("transitions %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions %v; want %v", got, want)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Connected:    "connected",
		Error:        "error",
		State(9):     "state(9)",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Fatalf("%d.String() = %q; want %q", int(s), s.String(), want)
		}
	}
}
