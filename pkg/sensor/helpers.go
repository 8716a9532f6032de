package sensor

import (
	"encoding/binary"
	"fmt"
)

// ValidChannel reports whether ch is one of the board's channels (1-based).
func ValidChannel(ch int) bool {
	return ch >= 1 && ch <= NumChannels
}

// CheckChannel returns ErrInvalidChannel wrapped with the offending value.
func CheckChannel(ch int) error {
	if !ValidChannel(ch) {
		return fmt.Errorf("%w: %d (must be 1..%d)", ErrInvalidChannel, ch, NumChannels)
	}
	return nil
}

// Channels returns the channel ids in ascending order.
func Channels() []int {
	out := make([]int, 0, NumChannels)
	for ch := 1; ch <= NumChannels; ch++ {
		out = append(out, ch)
	}
	return out
}

// decodeTemp converts a little-endian signed tenth-of-degree value.
func decodeTemp(buf []byte) float64 {
	return float64(int16(binary.LittleEndian.Uint16(buf))) / tempScale
}
