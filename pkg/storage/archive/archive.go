// Package archive writes every reading to rotating plain-text files:
//
//	raw/YYYY-MM-DD_HH.txt          one file per hour, appended by Writer
//	daily/YYYY-MM-DD.txt           completed days, built by Maintainer
//	compressed/YYYY-MM-DD.txt.gz   old daily files
//
// Each file starts with the header line
//
//	timestamp,channel,raw_temp,calibrated_temp
package archive

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/ericogr/thermocouple-logger/pkg/sensor"
)

const (
	RawDir        = "raw"
	DailyDir      = "daily"
	CompressedDir = "compressed"

	TimeLayout  = "2006-01-02T15:04:05.000"
	hourLayout  = "2006-01-02_15"
	dayLayout   = "2006-01-02"
	fileExt     = ".txt"
	compressExt = ".gz"
	headerLine  = "timestamp,channel,raw_temp,calibrated_temp"
	numFields   = 4
	precision   = 3
)

// Name is the sink name used in logs and metrics.
const Name = "archive"

var (
	header = strings.Split(headerLine, ",")

	ErrMalformedLine = errors.New("malformed archive line")
)

// Writer appends readings to the hourly file of their timestamp. Every
// write opens and closes the file, so maintenance may move files between
// writes.
type Writer struct {
	dir string
	log *logrus.Entry

	// held by Writer.Write and by consolidation
	mu sync.Mutex
}

func NewWriter(dir string, l *logrus.Entry) (*Writer, error) {
	if l == nil {
		l = logrus.WithField("component", "archive")
	}
	for _, sub := range []string{RawDir, DailyDir, CompressedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
	}
	return &Writer{dir: dir, log: l}, nil
}

func (w *Writer) Name() string { return Name }

func (w *Writer) Dir() string { return w.dir }

// HourlyPath returns the raw file for t in local time.
func (w *Writer) HourlyPath(t time.Time) string {
	return filepath.Join(w.dir, RawDir, t.Local().Format(hourLayout)+fileExt)
}

func (w *Writer) DailyPath(day time.Time) string {
	return filepath.Join(w.dir, DailyDir, day.Format(dayLayout)+fileExt)
}

func (w *Writer) CompressedPath(day time.Time) string {
	return filepath.Join(w.dir, CompressedDir, day.Format(dayLayout)+fileExt+compressExt)
}

func (w *Writer) Write(r sensor.Reading) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := w.HourlyPath(r.Timestamp)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create raw dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	cw := csv.NewWriter(f)
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		_ = cw.Write(header)
	}
	_ = cw.Write(FormatRecord(r))
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// FormatRecord returns the archive fields of r.
func FormatRecord(r sensor.Reading) []string {
	return []string{
		r.Timestamp.Local().Format(TimeLayout),
		strconv.Itoa(r.Channel),
		strconv.FormatFloat(r.Raw, 'f', precision, 64),
		strconv.FormatFloat(r.Calibrated, 'f', precision, 64),
	}
}

// FormatLine returns r as one archive line without the newline.
func FormatLine(r sensor.Reading) string {
	return strings.Join(FormatRecord(r), ",")
}

// WriteHeader writes the header line to w.
func WriteHeader(w io.Writer) error {
	_, err := io.WriteString(w, headerLine+"\n")
	return err
}

// IsHeader reports whether line is the archive header.
func IsHeader(line string) bool { return strings.TrimSpace(line) == headerLine }

// ParseLine parses one archive line. Values keep the precision they were
// written with.
func ParseLine(line string) (sensor.Reading, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != numFields {
		return sensor.Reading{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	return parseRecord(fields)
}

func parseRecord(fields []string) (sensor.Reading, error) {
	t, err := time.ParseInLocation(TimeLayout, fields[0], time.Local)
	if err != nil {
		return sensor.Reading{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedLine, err)
	}
	ch, err := strconv.Atoi(fields[1])
	if err != nil || !sensor.ValidChannel(ch) {
		return sensor.Reading{}, fmt.Errorf("%w: channel %q", ErrMalformedLine, fields[1])
	}
	raw, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return sensor.Reading{}, fmt.Errorf("%w: raw: %v", ErrMalformedLine, err)
	}
	cal, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return sensor.Reading{}, fmt.Errorf("%w: calibrated: %v", ErrMalformedLine, err)
	}
	return sensor.Reading{Channel: ch, Raw: raw, Calibrated: cal, Timestamp: t}, nil
}

// ReadFile reads every reading of an archive file. Files ending in .gz are
// decompressed. The header line is skipped.
func ReadFile(path string) ([]sensor.Reading, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var src io.Reader = f
	if strings.HasSuffix(path, compressExt) {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip %s: %w", path, err)
		}
		defer zr.Close()
		src = zr
	}

	cr := csv.NewReader(bufio.NewReader(src))
	cr.FieldsPerRecord = numFields
	var out []sensor.Reading
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("%s: %w", path, err)
		}
		if line == 1 && rec[0] == header[0] {
			continue
		}
		r, err := parseRecord(rec)
		if err != nil {
			return out, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Stats summarizes the files under the archive directory.
type Stats struct {
	RawFiles        int    `json:"raw_files"`
	DailyFiles      int    `json:"daily_files"`
	CompressedFiles int    `json:"compressed_files"`
	Bytes           uint64 `json:"bytes"`
}

func (s Stats) String() string {
	return fmt.Sprintf("raw=%d daily=%d compressed=%d size=%s",
		s.RawFiles, s.DailyFiles, s.CompressedFiles, humanize.Bytes(s.Bytes))
}

func (w *Writer) Stats() (Stats, error) {
	var st Stats
	for sub, n := range map[string]*int{
		RawDir:        &st.RawFiles,
		DailyDir:      &st.DailyFiles,
		CompressedDir: &st.CompressedFiles,
	} {
		entries, err := os.ReadDir(filepath.Join(w.dir, sub))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return st, fmt.Errorf("archive stats: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			*n++
			st.Bytes += uint64(info.Size())
		}
	}
	return st, nil
}
