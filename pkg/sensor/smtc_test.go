package sensor

import (
	"errors"
	"testing"
)

func TestChannelRegister(t *testing.T) {
	tests := []struct {
		ch   int
		want byte
		ok   bool
	}{
		{1, 0x00, true},
		{2, 0x02, true},
		{8, 0x0E, true},
		{0, 0, false},
		{9, 0, false},
	}
	for _, tt := range tests {
		got, err := channelRegister(tt.ch)
		if (err == nil) != tt.ok {
			t.Fatalf("channelRegister(%d) ok=%v err=%v", tt.ch, tt.ok, err)
		}
		if !tt.ok {
			if !errors.Is(err, ErrInvalidChannel) {
				t.Fatalf("channelRegister(%d) err=%v; want ErrInvalidChannel", tt.ch, err)
			}
			continue
		}
		if got != tt.want {
			t.Fatalf("channelRegister(%d) = %02X; want %02X", tt.ch, got, tt.want)
		}
	}
}

func TestDecodeTemp(t *testing.T) {
	tests := []struct {
		buf  []byte
		want float64
	}{
		{[]byte{0xFA, 0x00}, 25.0},  // 250
		{[]byte{0x7D, 0x00}, 12.5},  // 125
		{[]byte{0x9C, 0xFF}, -10.0}, // -100
		{[]byte{0x00, 0x00}, 0},
	}
	for _, tt := range tests {
		if got := decodeTemp(tt.buf); got != tt.want {
			t.Fatalf("decodeTemp(% X) = %v; want %v", tt.buf, got, tt.want)
		}
	}
}

func TestAddress(t *testing.T) {
	if a, err := Address(0); err != nil || a != 0x16 {
		t.Fatalf("Address(0) = %X, %v", a, err)
	}
	if a, err := Address(7); err != nil || a != 0x1D {
		t.Fatalf("Address(7) = %X, %v", a, err)
	}
	if _, err := Address(8); err == nil {
		t.Fatalf("expected error for stack 8")
	}
}
