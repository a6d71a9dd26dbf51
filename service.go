// Package dedup implements a deduplication counter service.
//
// Each identifier (a canonical UUIDv4) maps to a record of how many times it
// has been upserted, when it was first upserted, and when it was last
// upserted. Records expire a fixed retention period after creation.
//
//	st := store.NewMemory()
//	svc := dedup.NewService(st)
//	http.ListenAndServe(":8080", dedup.NewRouter(svc, wrapper.WithCanonlog()))
//
// GET /{id} reads a counter and PUT /{id} bumps it. Both answer with
// {"cnt":N,"fst":T,"lst":T}.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhalm/dedup/key"
	"github.com/nhalm/dedup/metrics"
	"github.com/nhalm/dedup/store"
)

// Operation names used in errors, log lines, and metric labels.
const (
	OpRead   = "read"
	OpUpsert = "upsert"
)

// Counter is the client-facing view of a record. The expiry stays internal.
type Counter struct {
	Count uint64 `json:"cnt"`
	First int64  `json:"fst"`
	Last  int64  `json:"lst"`
}

func counterOf(rec store.Record) Counter {
	return Counter{Count: rec.Count, First: rec.First, Last: rec.Last}
}

// Service validates identifiers and runs single-shot reads and upserts
// against a store. It keeps no per-request state and takes no locks; the
// store provides per-key atomicity.
type Service struct {
	store store.Store
	clock Clock
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the system clock used to stamp upserts.
func WithClock(c Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// NewService returns a Service backed by st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store: st,
		clock: SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Read returns the counter for id. A missing or expired record is a
// KindNotFound error.
func (s *Service) Read(ctx context.Context, id string) (Counter, error) {
	if err := key.Validate(id); err != nil {
		return Counter{}, &Error{Kind: KindValidation, Op: OpRead, Key: id, Err: err}
	}

	start := time.Now()
	rec, err := s.store.Get(ctx, id)
	metrics.ObserveStore(OpRead, start)
	if errors.Is(err, store.ErrNotFound) {
		return Counter{}, &Error{Kind: KindNotFound, Op: OpRead, Key: id, Err: err}
	}
	if err != nil {
		return Counter{}, &Error{Kind: KindStore, Op: OpRead, Key: id, Err: err}
	}
	return counterOf(rec), nil
}

// Upsert bumps the counter for id, creating it on first use, and returns the
// state after the update. The clock is read once, before the store is called.
func (s *Service) Upsert(ctx context.Context, id string) (Counter, error) {
	if err := key.Validate(id); err != nil {
		return Counter{}, &Error{Kind: KindValidation, Op: OpUpsert, Key: id, Err: err}
	}

	now, err := s.clock.Now()
	if err != nil {
		return Counter{}, &Error{Kind: KindClock, Op: OpUpsert, Key: id, Err: err}
	}

	start := time.Now()
	rec, err := s.store.Upsert(ctx, id, now)
	metrics.ObserveStore(OpUpsert, start)
	if err == nil {
		err = checkRecord(rec)
	}
	if err != nil {
		return Counter{}, &Error{
			Kind:    KindStore,
			Op:      OpUpsert,
			Key:     id,
			Now:     now,
			Expires: time.Unix(store.ExpiresAt(now), 0),
			Err:     err,
		}
	}
	return counterOf(rec), nil
}

// checkRecord rejects post-update records that break the counter invariants.
func checkRecord(rec store.Record) error {
	if rec.Count < 1 {
		return fmt.Errorf("record has count %d", rec.Count)
	}
	if rec.First > rec.Last {
		return fmt.Errorf("record has fst %d after lst %d", rec.First, rec.Last)
	}
	return nil
}
