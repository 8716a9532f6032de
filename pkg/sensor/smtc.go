package sensor

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	// BaseAddress is the I2C address of stack level 0.
	BaseAddress = 0x16
	// MaxStackLevel is the highest selectable stack level.
	MaxStackLevel = 7

	regTempBase   = 0x00
	regRevMajor   = 47
	regRevMinor   = 48
	tempSizeBytes = 2
	tempScale     = 10.0
)

// SMTC drives a Sequent Microsystems style eight channel thermocouple HAT
// through periph.io.
type SMTC struct{}

// Address returns the I2C address for a stack level.
func Address(stack int) (uint16, error) {
	if stack < 0 || stack > MaxStackLevel {
		return 0, fmt.Errorf("invalid stack level %d", stack)
	}
	return uint16(BaseAddress + stack), nil
}

// Open initializes the host, opens the bus and reads the board revision.
// The revision read doubles as the presence check.
func (SMTC) Open(bus string, address uint16) (Board, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	b, err := i2creg.Open(bus)
	if err != nil {
		return nil, fmt.Errorf("open i2c: %w", err)
	}
	dev := &i2c.Dev{Addr: address, Bus: b}
	var info Info
	rev := make([]byte, 1)
	if err := dev.Tx([]byte{regRevMajor}, rev); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("read revision: %w", err)
	}
	info.HWMajor = rev[0]
	if err := dev.Tx([]byte{regRevMinor}, rev); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("read revision: %w", err)
	}
	info.HWMinor = rev[0]
	return &smtcBoard{dev: dev, bus: b, info: info}, nil
}

type smtcBoard struct {
	dev  *i2c.Dev
	bus  i2c.BusCloser
	info Info
}

func (s *smtcBoard) Info() Info { return s.info }

func (s *smtcBoard) Close() error {
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}

func (s *smtcBoard) ReadChannel(channel int) (float64, error) {
	reg, err := channelRegister(channel)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, tempSizeBytes)
	if err := s.dev.Tx([]byte{reg}, buf); err != nil {
		return 0, fmt.Errorf("read channel %d: %w", channel, err)
	}
	return decodeTemp(buf), nil
}

// channelRegister returns the register holding the temperature of channel.
func channelRegister(channel int) (byte, error) {
	if err := CheckChannel(channel); err != nil {
		return 0, err
	}
	return byte(regTempBase + (channel-1)*tempSizeBytes), nil
}
