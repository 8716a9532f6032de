// Package calibration holds the multiplicative correction factor of each
// channel.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ericogr/thermocouple-logger/pkg/sensor"
)

// DefaultFactor is used for channels that were never calibrated.
const DefaultFactor = 1.0

var ErrInvalidCalibration = errors.New("invalid calibration factor")

// Store maps channels to correction factors. The zero value is not usable;
// create it with New.
type Store struct {
	mu      sync.RWMutex
	factors [sensor.NumChannels + 1]float64
}

// New returns a Store with every channel at DefaultFactor.
func New() *Store {
	s := &Store{}
	for _, ch := range sensor.Channels() {
		s.factors[ch] = DefaultFactor
	}
	return s
}

// Apply returns raw multiplied by the channel's current factor. Unknown
// channels are returned uncorrected.
func (s *Store) Apply(channel int, raw float64) float64 {
	return raw * s.Factor(channel)
}

// Factor returns the factor in effect for channel.
func (s *Store) Factor(channel int) float64 {
	if !sensor.ValidChannel(channel) {
		return DefaultFactor
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.factors[channel]
}

// Set replaces the factor of channel. Non-positive, NaN and infinite factors
// are rejected and the previous factor stays in place.
func (s *Store) Set(channel int, factor float64) error {
	if err := sensor.CheckChannel(channel); err != nil {
		return err
	}
	if err := Validate(factor); err != nil {
		return err
	}
	s.mu.Lock()
	s.factors[channel] = factor
	s.mu.Unlock()
	return nil
}

// All returns a copy of every channel's factor keyed by channel.
func (s *Store) All() map[int]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]float64, sensor.NumChannels)
	for _, ch := range sensor.Channels() {
		out[ch] = s.factors[ch]
	}
	return out
}

// Validate checks that factor is a positive finite number.
func Validate(factor float64) error {
	if math.IsNaN(factor) || math.IsInf(factor, 0) || factor <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidCalibration, factor)
	}
	return nil
}
