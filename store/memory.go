package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-memory implementation of Store using a map with mutex protection.
//
// WARNING: This implementation is NOT suitable for distributed deployments.
// Each process keeps its own counters, so independent instances will each
// report their own cnt for the same key.
//
// Use Memory only for:
//   - Local development and testing
//   - Single-instance deployments where horizontal scaling is not needed
type Memory struct {
	mu        sync.RWMutex
	records   map[string]*Record
	closed    bool
	now       func() time.Time
	stopCh    chan struct{}
	closeOnce sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the clock used to decide whether a record has expired.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates a new in-memory store with automatic cleanup of expired records.
// A background goroutine runs every minute to remove expired records.
//
// Important: You must call Close() when done to stop the cleanup goroutine.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		records: make(map[string]*Record),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanup()
	return m
}

// Get returns a copy of the record for key.
//
// Note: The context parameter is accepted for interface compatibility but is not used.
func (m *Memory) Get(_ context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Record{}, ErrClosed
	}
	rec, exists := m.records[key]
	if !exists || rec.Expired(m.now()) {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// Upsert creates or bumps the record for key under the write lock.
// A record past its expiry is replaced as if it had never existed.
func (m *Memory) Upsert(_ context.Context, key string, now time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Record{}, ErrClosed
	}
	ts := now.Unix()
	rec, exists := m.records[key]
	if !exists || rec.Expired(now) {
		rec = &Record{
			Key:     key,
			Count:   1,
			First:   ts,
			Last:    ts,
			Expires: ExpiresAt(now),
		}
		m.records[key] = rec
		return *rec, nil
	}

	rec.Count++
	rec.Last = ts
	return *rec, nil
}

// Close stops the background cleanup goroutine and releases resources.
// Get and Upsert return ErrClosed afterwards.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		m.closed = true
		m.records = nil
		m.mu.Unlock()
	})
	return nil
}

// runCleanup executes a single cleanup cycle, removing all expired records.
func (m *Memory) runCleanup() {
	now := m.now()
	var expired []string

	m.mu.RLock()
	for key, rec := range m.records {
		if rec.Expired(now) {
			expired = append(expired, key)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.mu.Lock()
	now = m.now()
	for _, key := range expired {
		if rec, exists := m.records[key]; exists && rec.Expired(now) {
			delete(m.records, key)
		}
	}
	m.mu.Unlock()
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.stopCh:
			return
		}
	}
}
