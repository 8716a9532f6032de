// Package query provides the read-only accessors over the structured store.
// The archive is never read here.
package query

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/sirupsen/logrus"

	"github.com/ericogr/thermocouple-logger/pkg/sensor"
	"github.com/ericogr/thermocouple-logger/pkg/storage/archive"
	"github.com/ericogr/thermocouple-logger/pkg/storage/db"
)

var (
	ErrInvalidDuration = errors.New("invalid duration")
	ErrInvalidRange    = errors.New("invalid time range")
)

// Store is the subset of db.Store used by Facade.
type Store interface {
	Latest(ctx context.Context) ([]sensor.Reading, error)
	Since(ctx context.Context, t time.Time) ([]sensor.Reading, error)
	Range(ctx context.Context, start, end time.Time, channels ...int) ([]sensor.Reading, error)
	Average(ctx context.Context, t time.Time) ([]db.Summary, error)
	DeleteAll(ctx context.Context) (int64, error)
}

type Option func(*Facade)

func WithClock(now func() time.Time) Option {
	return func(f *Facade) { f.now = now }
}

func WithLogger(l *logrus.Entry) Option {
	return func(f *Facade) { f.log = l }
}

type Facade struct {
	store Store
	now   func() time.Time
	log   *logrus.Entry
}

func New(store Store, opts ...Option) *Facade {
	f := &Facade{store: store, now: time.Now}
	for _, o := range opts {
		o(f)
	}
	if f.log == nil {
		f.log = logrus.WithField("component", "query")
	}
	return f
}

// Latest returns the most recent reading of each channel.
func (f *Facade) Latest(ctx context.Context) ([]sensor.Reading, error) {
	return f.store.Latest(ctx)
}

// Historical returns every reading of the last d, oldest first.
func (f *Facade) Historical(ctx context.Context, d time.Duration) ([]sensor.Reading, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDuration, d)
	}
	return f.store.Since(ctx, f.now().Add(-d))
}

// Average summarizes each channel over the last d.
func (f *Facade) Average(ctx context.Context, d time.Duration) ([]db.Summary, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDuration, d)
	}
	return f.store.Average(ctx, f.now().Add(-d))
}

// ClearAll deletes every stored reading.
func (f *Facade) ClearAll(ctx context.Context) error {
	n, err := f.store.DeleteAll(ctx)
	if err != nil {
		return err
	}
	f.log.WithField("rows", n).Info("structured store cleared")
	return nil
}

// ExportRange returns readings between start and end inclusive, oldest first.
// With no channels every channel is included.
func (f *Facade) ExportRange(ctx context.Context, start, end time.Time, channels ...int) ([]sensor.Reading, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("%w: %s after %s", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	for _, ch := range channels {
		if err := sensor.CheckChannel(ch); err != nil {
			return nil, err
		}
	}
	return f.store.Range(ctx, start, end, channels...)
}

// WriteCSV writes readings in the archive line format, header first.
func WriteCSV(w io.Writer, readings []sensor.Reading) error {
	if err := archive.WriteHeader(w); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	for _, r := range readings {
		if err := cw.Write(archive.FormatRecord(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SystemStatus describes the host the logger runs on.
type SystemStatus struct {
	DataDir     string        `json:"data_dir"`
	DiskTotal   uint64        `json:"disk_total"`
	DiskFree    uint64        `json:"disk_free"`
	DiskUsedPct float64       `json:"disk_used_percent"`
	Uptime      time.Duration `json:"uptime"`
}

func (s SystemStatus) String() string {
	return fmt.Sprintf("disk %s free of %s (%.1f%% used), up %s",
		humanize.Bytes(s.DiskFree), humanize.Bytes(s.DiskTotal), s.DiskUsedPct, s.Uptime.Round(time.Second))
}

// System reports disk usage of the filesystem holding dir and host uptime.
func System(ctx context.Context, dir string) (SystemStatus, error) {
	st := SystemStatus{DataDir: dir}
	u, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return st, fmt.Errorf("disk usage of %s: %w", dir, err)
	}
	st.DiskTotal, st.DiskFree, st.DiskUsedPct = u.Total, u.Free, u.UsedPercent
	up, err := host.UptimeWithContext(ctx)
	if err != nil {
		return st, fmt.Errorf("uptime: %w", err)
	}
	st.Uptime = time.Duration(up) * time.Second
	return st, nil
}
