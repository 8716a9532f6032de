package sensor

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

var errFakeClosed = errors.New("fake board closed")

// Fake is a synthetic Driver. Values default to 25 °C with ±1 °C noise,
// matching the simulation mode of the board; tests pin values with Set.
type Fake struct {
	mu       sync.Mutex
	values   map[int]float64
	errs     map[int]error
	openErr  error
	delay    time.Duration
	info     Info
	opens    int
	reads    int
	inflight int32
	overlaps int32
}

func NewFake() *Fake {
	return &Fake{values: make(map[int]float64), errs: make(map[int]error), info: Info{HWMajor: 1}}
}

// Set pins the raw value returned for channel.
func (f *Fake) Set(channel int, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[channel] = v
}

// Fail makes reads of channel return err; nil clears it.
func (f *Fake) Fail(channel int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, channel)
		return
	}
	f.errs[channel] = err
}

// FailOpen makes the next Open calls fail with err; nil clears it.
func (f *Fake) FailOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// SetDelay makes every transaction take d.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Reads returns the number of completed channel reads.
func (f *Fake) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Opens returns the number of Open calls.
func (f *Fake) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Overlaps returns how many transactions started while another was running.
func (f *Fake) Overlaps() int { return int(atomic.LoadInt32(&f.overlaps)) }

func (f *Fake) Open(bus string, address uint16) (Board, error) {
	f.mu.Lock()
	f.opens++
	err := f.openErr
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return &fakeBoard{f: f}, nil
}

type fakeBoard struct {
	f      *Fake
	closed atomic.Bool
}

func (b *fakeBoard) Info() Info {
	b.f.mu.Lock()
	defer b.f.mu.Unlock()
	return b.f.info
}

func (b *fakeBoard) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *fakeBoard) ReadChannel(channel int) (float64, error) {
	if err := CheckChannel(channel); err != nil {
		return 0, err
	}
	if b.closed.Load() {
		return 0, errFakeClosed
	}
	if atomic.AddInt32(&b.f.inflight, 1) > 1 {
		atomic.AddInt32(&b.f.overlaps, 1)
	}
	defer atomic.AddInt32(&b.f.inflight, -1)

	b.f.mu.Lock()
	delay := b.f.delay
	b.f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	b.f.mu.Lock()
	defer b.f.mu.Unlock()
	if err, ok := b.f.errs[channel]; ok {
		return 0, err
	}
	b.f.reads++
	if v, ok := b.f.values[channel]; ok {
		return v, nil
	}
	return 25.0 + rand.Float64()*2 - 1, nil
}
