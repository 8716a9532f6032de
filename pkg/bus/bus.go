// Package bus owns the link to the thermocouple board. It is the gate for
// every read: transactions only happen while the link is Connected, and they
// are serialized because the I2C bus is shared by all channels.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ericogr/thermocouple-logger/pkg/sensor"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 2 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrBus          = errors.New("bus error")
)

// BusError is returned when a transaction fails or times out. It matches
// ErrBus and the underlying cause with errors.Is.
type BusError struct {
	Channel int
	Err     error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("bus error on channel %d: %v", e.Channel, e.Err)
}

func (e *BusError) Unwrap() []error { return []error{ErrBus, e.Err} }

type Options struct {
	Bus            string
	Address        uint16
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Log            *logrus.Entry
}

// Status is a snapshot of the link.
type Status struct {
	State State       `json:"state"`
	Fault string      `json:"fault,omitempty"`
	Board sensor.Info `json:"board"`
}

type Manager struct {
	driver sensor.Driver
	opts   Options
	log    *logrus.Entry

	mu        sync.Mutex
	state     State
	fault     error
	board     sensor.Board
	info      sensor.Info
	gen       uint64
	listeners []func(State)

	// token is held for the whole duration of one transaction, including
	// a transaction that outlived its caller's timeout.
	token chan struct{}
}

func New(driver sensor.Driver, opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	l := opts.Log
	if l == nil {
		l = logrus.WithField("component", "bus")
	}
	return &Manager{
		driver: driver,
		opts:   opts,
		log:    l,
		state:  Disconnected,
		token:  make(chan struct{}, 1),
	}
}

// Subscribe registers fn to be called after every state transition. fn runs
// on the goroutine that caused the transition and must not block.
func (m *Manager) Subscribe(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fault returns the reason of the last failed connect, if the link is in
// the Error state.
func (m *Manager) Fault() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fault
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{State: m.state}
	if m.fault != nil {
		st.Fault = m.fault.Error()
	}
	if m.state == Connected {
		st.Board = m.info
	}
	return st
}

// Connect performs the handshake unless the link is already Connecting or
// Connected, in which case it only reports the current state.
func (m *Manager) Connect(ctx context.Context) State {
	m.mu.Lock()
	if m.state != Disconnected && m.state != Error {
		s := m.state
		m.mu.Unlock()
		return s
	}
	m.state = Connecting
	m.fault = nil
	m.gen++
	gen := m.gen
	m.mu.Unlock()
	m.notify(Connecting)

	board, err := m.handshake(ctx)

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect won the race; drop the handle.
		s := m.state
		m.mu.Unlock()
		if board != nil {
			_ = board.Close()
		}
		return s
	}
	if err != nil {
		m.state = Error
		m.fault = err
	} else {
		m.state = Connected
		m.board = board
		m.info = board.Info()
	}
	s, info := m.state, m.info
	m.mu.Unlock()

	if err != nil {
		m.log.WithError(err).WithField("bus", m.opts.Bus).Warn("connect failed")
	} else {
		m.log.WithFields(logrus.Fields{
			"bus":     m.opts.Bus,
			"address": fmt.Sprintf("0x%02X", m.opts.Address),
			"hw_rev":  fmt.Sprintf("%d.%d", info.HWMajor, info.HWMinor),
		}).Info("connected")
	}
	m.notify(s)
	return s
}

type openResult struct {
	board sensor.Board
	err   error
}

func (m *Manager) handshake(ctx context.Context) (sensor.Board, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	done := make(chan openResult, 1)
	go func() {
		b, err := m.driver.Open(m.opts.Bus, m.opts.Address)
		done <- openResult{board: b, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("handshake: %w", r.err)
		}
		return r.board, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.board != nil {
				_ = r.board.Close()
			}
		}()
		return nil, fmt.Errorf("handshake: %w", ctx.Err())
	}
}

// Disconnect releases the board and moves to Disconnected regardless of the
// current state. Channel tasks observe it on their next tick.
func (m *Manager) Disconnect() State {
	m.mu.Lock()
	board := m.board
	prev := m.state
	m.board = nil
	m.state = Disconnected
	m.fault = nil
	m.info = sensor.Info{}
	m.gen++
	m.mu.Unlock()

	if board != nil {
		m.closeBoard(board)
	}
	if prev != Disconnected {
		m.log.WithField("previous", prev).Info("disconnected")
		m.notify(Disconnected)
	}
	return Disconnected
}

// closeBoard waits at most one transaction timeout for the bus before
// closing; a longer running transaction closes the board when it returns.
func (m *Manager) closeBoard(b sensor.Board) {
	closeIt := func() {
		if err := b.Close(); err != nil {
			m.log.WithError(err).Warn("close board")
		}
		<-m.token
	}
	t := time.NewTimer(m.opts.ReadTimeout)
	defer t.Stop()
	select {
	case m.token <- struct{}{}:
		closeIt()
	case <-t.C:
		go func() {
			m.token <- struct{}{}
			closeIt()
		}()
	}
}

type readResult struct {
	v   float64
	err error
}

// Read performs one bounded transaction for channel.
func (m *Manager) Read(ctx context.Context, channel int) (float64, error) {
	if err := sensor.CheckChannel(channel); err != nil {
		return 0, err
	}
	if m.State() != Connected {
		return 0, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.ReadTimeout)
	defer cancel()
	select {
	case m.token <- struct{}{}:
	case <-ctx.Done():
		return 0, &BusError{Channel: channel, Err: fmt.Errorf("acquire bus: %w", ctx.Err())}
	}

	m.mu.Lock()
	state, board := m.state, m.board
	m.mu.Unlock()
	if state != Connected || board == nil {
		<-m.token
		return 0, ErrNotConnected
	}

	done := make(chan readResult, 1)
	go func() {
		defer func() { <-m.token }()
		v, err := board.ReadChannel(channel)
		done <- readResult{v: v, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return 0, &BusError{Channel: channel, Err: r.err}
		}
		return r.v, nil
	case <-ctx.Done():
		return 0, &BusError{Channel: channel, Err: fmt.Errorf("transaction: %w", ctx.Err())}
	}
}

func (m *Manager) notify(s State) {
	m.mu.Lock()
	ls := make([]func(State), len(m.listeners))
	copy(ls, m.listeners)
	m.mu.Unlock()
	for _, fn := range ls {
		fn(s)
	}
}
