// Package db is the structured reading store, an append-only SQLite table.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/ericogr/thermocouple-logger/pkg/sensor"
)

// timestamps are stored in UTC so that text order is time order
const timeLayout = "2006-01-02 15:04:05.000"

const createTableSQL = `
CREATE TABLE IF NOT EXISTS readings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    channel INTEGER NOT NULL,
    raw_value REAL NOT NULL,
    calibrated_value REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_timestamp ON readings(timestamp);
CREATE INDEX IF NOT EXISTS idx_readings_channel ON readings(channel);`

const (
	insertSQL = `INSERT INTO readings(timestamp, channel, raw_value, calibrated_value) VALUES(?, ?, ?, ?)`

	selectColumns = `SELECT timestamp, channel, raw_value, calibrated_value FROM readings`

	latestSQL = `
SELECT r.timestamp, r.channel, r.raw_value, r.calibrated_value
FROM readings r
JOIN (SELECT channel, MAX(id) AS id FROM readings GROUP BY channel) l ON r.id = l.id
ORDER BY r.channel`

	averageSQL = `
SELECT channel, COUNT(*), MIN(calibrated_value), MAX(calibrated_value), AVG(calibrated_value)
FROM readings WHERE timestamp >= ?
GROUP BY channel ORDER BY channel`
)

// Name is the sink name used in logs and metrics.
const Name = "database"

// Summary aggregates the calibrated values of one channel.
type Summary struct {
	Channel int     `json:"channel"`
	Count   int64   `json:"count"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
}

type Store struct {
	db     *sql.DB
	insert *sql.Stmt
	path   string
	log    *logrus.Entry
}

// Open opens or creates the database at path.
func Open(path string, l *logrus.Entry) (*Store, error) {
	if l == nil {
		l = logrus.WithField("component", "db")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table in %s: %w", path, err)
	}
	stmt, err := db.Prepare(insertSQL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	l.WithField("path", path).Info("database ready")
	return &Store{db: db, insert: stmt, path: path, log: l}, nil
}

func (s *Store) Name() string { return Name }

func (s *Store) Path() string { return s.path }

// Write inserts one row.
func (s *Store) Write(r sensor.Reading) error {
	_, err := s.insert.Exec(r.Timestamp.UTC().Format(timeLayout), r.Channel, r.Raw, r.Calibrated)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// Latest returns the most recently inserted reading of every channel that
// has one, ordered by channel.
func (s *Store) Latest(ctx context.Context) ([]sensor.Reading, error) {
	return s.query(ctx, latestSQL)
}

// Since returns readings with timestamp >= t in timestamp order.
func (s *Store) Since(ctx context.Context, t time.Time) ([]sensor.Reading, error) {
	return s.query(ctx, selectColumns+` WHERE timestamp >= ? ORDER BY timestamp, id`, formatTime(t))
}

// Range returns readings with start <= timestamp <= end in timestamp order.
// When channels are given only those channels are returned.
func (s *Store) Range(ctx context.Context, start, end time.Time, channels ...int) ([]sensor.Reading, error) {
	q := selectColumns + ` WHERE timestamp >= ? AND timestamp <= ?`
	args := []any{formatTime(start), formatTime(end)}
	if len(channels) > 0 {
		q += ` AND channel IN (?` + strings.Repeat(`, ?`, len(channels)-1) + `)`
		for _, ch := range channels {
			args = append(args, ch)
		}
	}
	return s.query(ctx, q+` ORDER BY timestamp, id`, args...)
}

// Average summarizes every channel with readings since t.
func (s *Store) Average(ctx context.Context, t time.Time) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, averageSQL, formatTime(t))
	if err != nil {
		return nil, fmt.Errorf("query average: %w", err)
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.Channel, &sm.Count, &sm.Min, &sm.Max, &sm.Mean); err != nil {
			return nil, fmt.Errorf("scan average: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// DeleteAll removes every row and returns how many were removed.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM readings`)
	if err != nil {
		return 0, fmt.Errorf("delete readings: %w", err)
	}
	n, _ := res.RowsAffected()
	s.log.WithField("rows", n).Warn("all readings deleted")
	return n, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	s.insert.Close()
	return s.db.Close()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]sensor.Reading, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()
	var out []sensor.Reading
	for rows.Next() {
		var (
			ts string
			r  sensor.Reading
		)
		if err := rows.Scan(&ts, &r.Channel, &r.Raw, &r.Calibrated); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		t, err := time.ParseInLocation(timeLayout, ts, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		r.Timestamp = t.Local()
		out = append(out, r)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }
