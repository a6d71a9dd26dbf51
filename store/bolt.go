package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRecords = []byte("dedup")

// BoltConfig holds configuration for the embedded Bolt store.
type BoltConfig struct {
	// Path is the database file. Parent directories are created as needed.
	Path string

	// SweepInterval is how often expired records are deleted (default: 1h).
	SweepInterval time.Duration

	// Now is the clock used for expiry checks (default: time.Now).
	Now func() time.Time
}

// Bolt is a Store backed by a single bbolt database file.
// Bolt serializes write transactions, which makes each Upsert atomic.
// The file is locked by one process at a time, so Bolt suits single-instance
// deployments that need counters to survive restarts.
type Bolt struct {
	db     *bolt.DB
	now    func() time.Time
	stopCh chan struct{}
	doneCh chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewBolt opens (or creates) the database at config.Path and starts the sweeper.
// Close must be called to stop the sweeper and release the file lock.
func NewBolt(config BoltConfig) (*Bolt, error) {
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Hour
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	if dir := filepath.Dir(config.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	b := &Bolt{
		db:     db,
		now:    config.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go b.sweep(config.SweepInterval)
	return b, nil
}

// Get reads the record for key.
func (b *Bolt) Get(_ context.Context, key string) (Record, error) {
	var rec Record
	var found bool

	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRecords).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return Record{}, fmt.Errorf("bolt get failed: %w", closedErr(err))
	}
	if !found || rec.Expired(b.now()) {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Upsert creates or bumps the record for key inside one write transaction.
func (b *Bolt) Upsert(_ context.Context, key string, now time.Time) (Record, error) {
	var rec Record
	ts := now.Unix()

	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketRecords)

		var existing Record
		raw := bkt.Get([]byte(key))
		if raw != nil {
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
		}

		if raw == nil || existing.Expired(now) {
			rec = Record{Key: key, Count: 1, First: ts, Last: ts, Expires: ExpiresAt(now)}
		} else {
			rec = existing
			rec.Count++
			rec.Last = ts
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		return bkt.Put([]byte(key), data)
	})
	if err != nil {
		return Record{}, fmt.Errorf("bolt upsert failed: %w", closedErr(err))
	}
	return rec, nil
}

// Close stops the sweeper and closes the database. Later calls return the
// result of the first.
func (b *Bolt) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
		b.closeErr = b.db.Close()
	})
	return b.closeErr
}

func closedErr(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

// runSweep deletes every expired record in one write transaction.
func (b *Bolt) runSweep() (int, error) {
	now := b.now()
	deleted := 0

	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketRecords)
		var expired [][]byte

		err := bkt.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := bkt.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func (b *Bolt) sweep(interval time.Duration) {
	defer close(b.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.runSweep()
		case <-b.stopCh:
			return
		}
	}
}
