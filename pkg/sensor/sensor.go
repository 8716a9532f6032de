package sensor

import (
	"errors"
	"time"
)

// NumChannels is the number of thermocouple inputs on one board.
const NumChannels = 8

var ErrInvalidChannel = errors.New("invalid channel")

// Reading is one calibrated sample. It is passed by value and never mutated
// after creation.
type Reading struct {
	Channel    int       `json:"channel"`
	Raw        float64   `json:"raw"`
	Calibrated float64   `json:"calibrated"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewReading builds a Reading with the timestamp truncated to milliseconds.
func NewReading(channel int, raw, calibrated float64, t time.Time) Reading {
	return Reading{Channel: channel, Raw: raw, Calibrated: calibrated, Timestamp: t.Truncate(time.Millisecond)}
}

// Info describes the board found during the connect handshake.
type Info struct {
	HWMajor byte `json:"hw_rev_major"`
	HWMinor byte `json:"hw_rev_minor"`
}

// Driver opens a handle to a board on the given bus and address.
type Driver interface {
	Open(bus string, address uint16) (Board, error)
}

// Board is an open handle to a thermocouple board. Calls are not safe for
// concurrent use; callers serialize access to the bus.
type Board interface {
	ReadChannel(channel int) (float64, error)
	Info() Info
	Close() error
}
