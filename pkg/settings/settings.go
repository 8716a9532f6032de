// Package settings persists channel configuration across restarts in a
// bbolt file. Values are JSON, one key per channel.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const ChannelsBucket = "channels"

var ErrNotFound = errors.New("not found")

type Store struct {
	db  *bolt.DB
	log *logrus.Entry
}

func Open(path string, l *logrus.Entry) (*Store, error) {
	if l == nil {
		l = logrus.WithField("component", "settings")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open settings %s: %w", path, err)
	}
	s := &Store{db: db, log: l}
	if err := s.CreateBucket(ChannelsBucket); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) CreateBucket(bucket string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		return nil
	})
}

// Update stores v under id, replacing any previous value.
func (s *Store) Update(bucket, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		return b.Put([]byte(id), data)
	})
}

func (s *Store) List(bucket string, fn func(id string, v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		return b.ForEach(func(k, v []byte) error { return fn(string(k), v) })
	})
}

func (s *Store) Delete(bucket, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

func (s *Store) Close() error { return s.db.Close() }

// SaveChannel stores the configuration of one channel.
func (s *Store) SaveChannel(channel int, v interface{}) error {
	if err := s.Update(ChannelsBucket, strconv.Itoa(channel), v); err != nil {
		return fmt.Errorf("save channel %d: %w", channel, err)
	}
	return nil
}

// DeleteChannel removes the stored configuration of one channel.
func (s *Store) DeleteChannel(channel int) error {
	if err := s.Delete(ChannelsBucket, strconv.Itoa(channel)); err != nil {
		return fmt.Errorf("delete channel %d: %w", channel, err)
	}
	return nil
}

// LoadChannels calls fn for every stored channel. Keys that are not channel
// numbers are logged and skipped.
func (s *Store) LoadChannels(fn func(channel int, data []byte) error) error {
	return s.List(ChannelsBucket, func(id string, v []byte) error {
		ch, err := strconv.Atoi(id)
		if err != nil {
			s.log.WithField("key", id).Warn("ignoring unknown settings key")
			return nil
		}
		return fn(ch, v)
	})
}
