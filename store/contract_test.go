package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// runContract exercises the behaviour every backend must share.
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("get missing key", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "550e8400-e29b-41d4-a716-446655440099")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("first upsert creates record", func(t *testing.T) {
		s := newStore(t)
		now := time.Now()

		rec, err := s.Upsert(context.Background(), "k-first", now)
		if err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
		if rec.Count != 1 {
			t.Errorf("Count = %d, want 1", rec.Count)
		}
		if rec.First != now.Unix() || rec.Last != now.Unix() {
			t.Errorf("First/Last = %d/%d, want %d", rec.First, rec.Last, now.Unix())
		}
		if rec.Expires != rec.First+int64(Retention/time.Second) {
			t.Errorf("Expires = %d, want %d", rec.Expires, rec.First+int64(Retention/time.Second))
		}
		if rec.Key != "k-first" {
			t.Errorf("Key = %q, want k-first", rec.Key)
		}
	})

	t.Run("sequential upserts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		start := time.Now()

		first, err := s.Upsert(ctx, "k-seq", start)
		if err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}

		var last Record
		for i := 1; i < 5; i++ {
			last, err = s.Upsert(ctx, "k-seq", start.Add(time.Duration(i)*time.Second))
			if err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}
		}

		if last.Count != 5 {
			t.Errorf("Count = %d, want 5", last.Count)
		}
		if last.First != first.First {
			t.Errorf("First changed: %d -> %d", first.First, last.First)
		}
		if last.Last != start.Add(4*time.Second).Unix() {
			t.Errorf("Last = %d, want %d", last.Last, start.Add(4*time.Second).Unix())
		}
		if last.Expires != first.Expires {
			t.Errorf("Expires changed: %d -> %d", first.Expires, last.Expires)
		}

		got, err := s.Get(ctx, "k-seq")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got != last {
			t.Errorf("Get() = %+v, want %+v", got, last)
		}
	})

	t.Run("concurrent upserts lose nothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		const n = 50
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Upsert(ctx, "k-conc", now); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Fatalf("Upsert() error = %v", err)
		}

		got, err := s.Get(ctx, "k-conc")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Count != n {
			t.Errorf("Count = %d, want %d", got.Count, n)
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		if _, err := s.Upsert(ctx, "k-a", now); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
		if _, err := s.Upsert(ctx, "k-a", now); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
		rec, err := s.Upsert(ctx, "k-b", now)
		if err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
		if rec.Count != 1 {
			t.Errorf("Count = %d, want 1", rec.Count)
		}
	})
}
