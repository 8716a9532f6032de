package archive

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/teambition/rrule-go"
)

const (
	DefaultCompressAfterDays = 7
	DefaultDeleteAfterDays   = 30
	// every day at 00:05
	DefaultSchedule = "5 0 * * *"
)

const (
	StepConsolidate = "consolidate"
	StepCompress    = "compress"
	StepDelete      = "delete"
)

var ErrInvalidPolicy = errors.New("invalid retention policy")

// Policy controls when completed days are compressed and deleted. Schedule
// is a standard cron expression or an RRULE such as "FREQ=HOURLY;INTERVAL=6".
type Policy struct {
	CompressAfterDays int    `json:"compress_after_days" yaml:"compress_after_days"`
	DeleteAfterDays   int    `json:"delete_after_days" yaml:"delete_after_days"`
	Schedule          string `json:"schedule" yaml:"schedule"`
}

func DefaultPolicy() Policy {
	return Policy{
		CompressAfterDays: DefaultCompressAfterDays,
		DeleteAfterDays:   DefaultDeleteAfterDays,
		Schedule:          DefaultSchedule,
	}
}

func (p Policy) Validate() error {
	if p.CompressAfterDays <= 0 || p.DeleteAfterDays <= 0 {
		return fmt.Errorf("%w: day counts must be positive", ErrInvalidPolicy)
	}
	if p.DeleteAfterDays < p.CompressAfterDays {
		return fmt.Errorf("%w: delete_after_days %d < compress_after_days %d",
			ErrInvalidPolicy, p.DeleteAfterDays, p.CompressAfterDays)
	}
	return nil
}

// MaintenanceError is a failed maintenance step. The step is retried on the
// next cycle.
type MaintenanceError struct {
	Step string
	Path string
	Err  error
}

func (e *MaintenanceError) Error() string {
	return fmt.Sprintf("maintenance %s %s: %v", e.Step, e.Path, e.Err)
}

func (e *MaintenanceError) Unwrap() error { return e.Err }

// ParseSchedule accepts a standard five-field cron expression, a cron
// descriptor such as "@daily", or an RRULE.
func ParseSchedule(spec string) (cron.Schedule, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		s = DefaultSchedule
	}
	up := strings.ToUpper(s)
	if strings.HasPrefix(up, "FREQ=") || strings.HasPrefix(up, "RRULE:") {
		s = strings.TrimPrefix(strings.TrimPrefix(s, "RRULE:"), "rrule:")
		start := time.Now().UTC().Format("20060102T150405Z")
		rr, err := rrule.StrToRRule("DTSTART=" + start + ";" + s)
		if err != nil {
			return nil, fmt.Errorf("parse rrule %q: %w", spec, err)
		}
		return rruleSchedule{rr}, nil
	}
	sched, err := cron.ParseStandard(s)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched, nil
}

type rruleSchedule struct{ rr *rrule.RRule }

// Next returns the zero time once the rule is exhausted, which cron treats
// as never.
func (s rruleSchedule) Next(t time.Time) time.Time { return s.rr.After(t, false) }

type MaintainerOption func(*Maintainer)

func WithClock(now func() time.Time) MaintainerOption {
	return func(m *Maintainer) { m.now = now }
}

func WithLogger(l *logrus.Entry) MaintainerOption {
	return func(m *Maintainer) { m.log = l }
}

// OnError registers fn to be called for every failed step.
func OnError(fn func(*MaintenanceError)) MaintainerOption {
	return func(m *Maintainer) { m.onError = append(m.onError, fn) }
}

// Maintainer consolidates, compresses and deletes archive files on a
// schedule.
type Maintainer struct {
	w       *Writer
	policy  Policy
	cron    *cron.Cron
	entry   cron.EntryID
	now     func() time.Time
	log     *logrus.Entry
	onError []func(*MaintenanceError)

	run sync.Mutex
	wg  sync.WaitGroup
}

func NewMaintainer(w *Writer, p Policy, opts ...MaintainerOption) (*Maintainer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	sched, err := ParseSchedule(p.Schedule)
	if err != nil {
		return nil, err
	}
	m := &Maintainer{w: w, policy: p, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = logrus.WithField("component", "maintenance")
	}
	m.cron = cron.New()
	m.entry = m.cron.Schedule(sched, cron.FuncJob(func() { m.RunOnce() }))
	return m, nil
}

// Start runs maintenance once in the background and then on schedule.
func (m *Maintainer) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.RunOnce()
	}()
	m.cron.Start()
	m.log.WithField("schedule", m.policy.Schedule).Info("maintenance scheduled")
}

// Stop stops the schedule and waits for a running cycle to finish.
func (m *Maintainer) Stop() {
	<-m.cron.Stop().Done()
	m.wg.Wait()
}

// Next returns the time of the next scheduled cycle, or the zero time if the
// maintainer is not started.
func (m *Maintainer) Next() time.Time {
	return m.cron.Entry(m.entry).Next
}

// RunOnce performs one full maintenance cycle and returns the failed steps.
func (m *Maintainer) RunOnce() []*MaintenanceError {
	m.run.Lock()
	defer m.run.Unlock()

	now := m.now()
	var errs []*MaintenanceError
	errs = append(errs, m.consolidate(now)...)
	errs = append(errs, m.compress(now)...)
	errs = append(errs, m.prune(now)...)

	for _, e := range errs {
		m.log.WithError(e.Err).WithFields(logrus.Fields{"step": e.Step, "path": e.Path}).
			Error("maintenance step failed, retrying next cycle")
		for _, fn := range m.onError {
			fn(e)
		}
	}
	if st, err := m.w.Stats(); err == nil {
		m.log.WithField("failures", len(errs)).Infof("maintenance done: %s", st)
	}
	return errs
}

// consolidate merges the hourly files of every completed day into the
// daily file.
func (m *Maintainer) consolidate(now time.Time) []*MaintenanceError {
	dir := filepath.Join(m.w.dir, RawDir)
	files, err := listDated(dir, hourLayout)
	if err != nil {
		return []*MaintenanceError{{Step: StepConsolidate, Path: dir, Err: err}}
	}
	today := dayStart(now)
	var days []time.Time
	byDay := make(map[time.Time][]string)
	for _, f := range files {
		day := dayStart(f.t)
		if !day.Before(today) {
			continue
		}
		if _, ok := byDay[day]; !ok {
			days = append(days, day)
		}
		byDay[day] = append(byDay[day], f.path)
	}
	var errs []*MaintenanceError
	for _, day := range days {
		if err := m.consolidateDay(day, byDay[day]); err != nil {
			errs = append(errs, &MaintenanceError{Step: StepConsolidate, Path: m.w.DailyPath(day), Err: err})
		}
	}
	return errs
}

func (m *Maintainer) consolidateDay(day time.Time, hourly []string) error {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	daily := m.w.DailyPath(day)
	lines, err := mergeLines(append([]string{daily}, hourly...)...)
	if err != nil {
		return err
	}
	if err := writeAtomic(daily, lines, false); err != nil {
		return err
	}
	for _, p := range hourly {
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("remove hourly file: %w", err)
		}
	}
	m.log.WithFields(logrus.Fields{"day": day.Format(dayLayout), "files": len(hourly), "rows": len(lines)}).
		Info("consolidated hourly files")
	return nil
}

// compress moves daily files older than CompressAfterDays into compressed/.
func (m *Maintainer) compress(now time.Time) []*MaintenanceError {
	dir := filepath.Join(m.w.dir, DailyDir)
	files, err := listDated(dir, dayLayout)
	if err != nil {
		return []*MaintenanceError{{Step: StepCompress, Path: dir, Err: err}}
	}
	cutoff := dayStart(now).AddDate(0, 0, -m.policy.CompressAfterDays)
	var errs []*MaintenanceError
	for _, f := range files {
		if !f.t.Before(cutoff) {
			continue
		}
		dst := m.w.CompressedPath(f.t)
		if err := compressFile(f.path, dst); err != nil {
			errs = append(errs, &MaintenanceError{Step: StepCompress, Path: f.path, Err: err})
			continue
		}
		m.log.WithField("file", filepath.Base(dst)).Info("compressed daily file")
	}
	return errs
}

func compressFile(src, dst string) error {
	lines, err := mergeLines(dst, src)
	if err != nil {
		return err
	}
	if err := writeAtomic(dst, lines, true); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove daily file: %w", err)
	}
	return nil
}

// prune deletes compressed files older than DeleteAfterDays.
func (m *Maintainer) prune(now time.Time) []*MaintenanceError {
	dir := filepath.Join(m.w.dir, CompressedDir)
	files, err := listDated(dir, dayLayout)
	if err != nil {
		return []*MaintenanceError{{Step: StepDelete, Path: dir, Err: err}}
	}
	cutoff := dayStart(now).AddDate(0, 0, -m.policy.DeleteAfterDays)
	var errs []*MaintenanceError
	for _, f := range files {
		if !f.t.Before(cutoff) {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			errs = append(errs, &MaintenanceError{Step: StepDelete, Path: f.path, Err: err})
			continue
		}
		m.log.WithField("file", filepath.Base(f.path)).Info("deleted compressed file")
	}
	return errs
}

type datedFile struct {
	path string
	t    time.Time
}

// listDated returns the files of dir whose name, up to the first dot, parses
// with layout. Other files are ignored.
func listDated(dir, layout string) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []datedFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		stem, _, _ := strings.Cut(name, ".")
		t, err := time.ParseInLocation(layout, stem, time.Local)
		if err != nil {
			continue
		}
		out = append(out, datedFile{path: filepath.Join(dir, name), t: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

// mergeLines concatenates the data lines of every existing source in order,
// dropping headers and blank lines. A line of a later source is dropped while
// earlier sources still hold an unmatched copy of it, so a retried merge does
// not duplicate rows and repeats inside one source are kept.
func mergeLines(sources ...string) ([]string, error) {
	earlier := make(map[string]int)
	var out []string
	for _, p := range sources {
		lines, err := readLines(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		matched := make(map[string]int)
		for _, l := range lines {
			if matched[l] < earlier[l] {
				matched[l]++
				continue
			}
			out = append(out, l)
		}
		for _, l := range lines {
			earlier[l]++
		}
	}
	return out, nil
}

func readLines(path string) ([]string, error) {
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
	var out []string
	sc := bufio.NewScanner(src)
	for sc.Scan() {
		l := strings.TrimSpace(sc.Text())
		if l == "" || IsHeader(l) {
			continue
		}
		out = append(out, l)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// writeAtomic writes the header and lines to a temporary file next to path
// and renames it over path.
func writeAtomic(path string, lines []string, compressed bool) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	var dst io.Writer = tmp
	var zw *gzip.Writer
	if compressed {
		zw = gzip.NewWriter(tmp)
		dst = zw
	}
	bw := bufio.NewWriter(dst)
	if err = WriteHeader(bw); err != nil {
		return err
	}
	for _, l := range lines {
		if _, err = bw.WriteString(l + "\n"); err != nil {
			return err
		}
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if zw != nil {
		if err = zw.Close(); err != nil {
			return err
		}
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func dayStart(t time.Time) time.Time {
	y, mo, d := t.Local().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.Local)
}
