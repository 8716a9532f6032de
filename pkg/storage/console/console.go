// Package console mirrors readings to a terminal, one line per reading.
package console

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ericogr/thermocouple-logger/pkg/sensor"
)

const Name = "console"

type ConsoleOutput struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole writes to os.Stdout.
func NewConsole() *ConsoleOutput { return &ConsoleOutput{} }

// NewWriter writes to w.
func NewWriter(w io.Writer) *ConsoleOutput { return &ConsoleOutput{out: w} }

func (c *ConsoleOutput) Name() string { return Name }

func (c *ConsoleOutput) Write(r sensor.Reading) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.out
	if w == nil {
		w = os.Stdout
	}
	_, err := fmt.Fprintf(w, "%s channel=%d raw=%.3f calibrated=%.3f\n",
		r.Timestamp.Format(time.RFC3339), r.Channel, r.Raw, r.Calibrated)
	return err
}
