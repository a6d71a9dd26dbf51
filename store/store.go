// Package store provides the storage backends for dedup counters.
//
// Every backend implements the same contract: a point read and a single atomic
// upsert that increments the counter, stamps the last-seen time, and sets the
// first-seen time and expiry only when the record is created. Atomicity lives
// in the backend (a Lua script, a conditional update expression, or a
// serialized write transaction), so callers never lock.
package store

import (
	"context"
	"errors"
	"time"
)

// Retention is how long a record lives after its first upsert.
const Retention = 365 * 24 * time.Hour

// ErrNotFound is returned by Get when no live record exists for the key.
var ErrNotFound = errors.New("record not found")

// ErrClosed is returned by operations on a store after Close.
var ErrClosed = errors.New("store closed")

// Record is the persisted counter state for one key.
// Times are Unix epoch seconds.
type Record struct {
	Key     string `json:"key" dynamodbav:"pk"`
	Count   uint64 `json:"cnt" dynamodbav:"cnt"`
	First   int64  `json:"fst" dynamodbav:"fst"`
	Last    int64  `json:"lst" dynamodbav:"lst"`
	Expires int64  `json:"exp" dynamodbav:"exp"`
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return r.Expires <= now.Unix()
}

// ExpiresAt returns the expiry stamped on a record created at now.
func ExpiresAt(now time.Time) int64 {
	return now.Add(Retention).Unix()
}

// Store defines the interface for counter storage backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the record for key, or ErrNotFound if it does not exist
	// or has expired.
	Get(ctx context.Context, key string) (Record, error)

	// Upsert atomically creates the record for key (cnt=1, fst=lst=now,
	// exp=now+Retention) or, if it exists, increments cnt and sets lst=now
	// leaving fst and exp untouched. Returns the post-update record.
	Upsert(ctx context.Context, key string, now time.Time) (Record, error)

	// Close releases any resources held by the store. Calling it more than
	// once is safe.
	Close() error
}
