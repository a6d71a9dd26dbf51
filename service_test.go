package dedup

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nhalm/dedup/store"
)

const testID = "550e8400-e29b-41d4-a716-446655440000"

// failingStore returns err from every call.
type failingStore struct {
	err     error
	rec     store.Record
	upserts int
}

func (f *failingStore) Get(context.Context, string) (store.Record, error) {
	return f.rec, f.err
}

func (f *failingStore) Upsert(context.Context, string, time.Time) (store.Record, error) {
	f.upserts++
	return f.rec, f.err
}

func (f *failingStore) Close() error { return nil }

// fixedClock returns times from a slice in order.
func fixedClock(times ...time.Time) Clock {
	i := 0
	return ClockFunc(func() (time.Time, error) {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t, nil
	})
}

func newMemoryService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	return NewService(st, opts...)
}

func TestService_UpsertLifecycle(t *testing.T) {
	t0 := time.Now().Truncate(time.Second)
	t1 := t0.Add(5 * time.Second)
	t2 := t0.Add(9 * time.Second)
	svc := newMemoryService(t, WithClock(fixedClock(t0, t1, t2)))
	ctx := context.Background()

	first, err := svc.Upsert(ctx, testID)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if first != (Counter{Count: 1, First: t0.Unix(), Last: t0.Unix()}) {
		t.Errorf("first upsert = %+v", first)
	}

	if _, err := svc.Upsert(ctx, testID); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	third, err := svc.Upsert(ctx, testID)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if third != (Counter{Count: 3, First: t0.Unix(), Last: t2.Unix()}) {
		t.Errorf("third upsert = %+v", third)
	}

	got, err := svc.Read(ctx, testID)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != third {
		t.Errorf("Read() = %+v, want %+v", got, third)
	}
}

func TestService_ReadMissing(t *testing.T) {
	svc := newMemoryService(t)

	_, err := svc.Read(context.Background(), "550e8400-e29b-41d4-a716-446655440099")
	if KindOf(err) != KindNotFound {
		t.Errorf("Read() kind = %v, want not_found", KindOf(err))
	}
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected error to wrap store.ErrNotFound, got %v", err)
	}
}

func TestService_Validation(t *testing.T) {
	st := &failingStore{}
	svc := NewService(st)

	for _, id := range []string{"", "not-a-uuid", "/" + testID, "550e8400-e29b-11d4-a716-446655440000"} {
		if _, err := svc.Upsert(context.Background(), id); KindOf(err) != KindValidation {
			t.Errorf("Upsert(%q) kind = %v, want validation", id, KindOf(err))
		}
		if _, err := svc.Read(context.Background(), id); KindOf(err) != KindValidation {
			t.Errorf("Read(%q) kind = %v, want validation", id, KindOf(err))
		}
	}
	if st.upserts != 0 {
		t.Errorf("store called %d times for invalid keys", st.upserts)
	}
}

func TestService_ClockUnavailable(t *testing.T) {
	st := &failingStore{}
	svc := NewService(st, WithClock(ClockFunc(func() (time.Time, error) {
		return time.Time{}, ErrClockUnavailable
	})))

	_, err := svc.Upsert(context.Background(), testID)
	if KindOf(err) != KindClock {
		t.Errorf("Upsert() kind = %v, want clock", KindOf(err))
	}
	if st.upserts != 0 {
		t.Error("store must not be called when the clock fails")
	}
}

func TestService_StoreFailure(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	boom := errors.New("connection reset")
	svc := NewService(&failingStore{err: boom}, WithClock(fixedClock(now)))

	_, err := svc.Upsert(context.Background(), testID)
	if KindOf(err) != KindStore {
		t.Fatalf("Upsert() kind = %v, want store", KindOf(err))
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected error to wrap cause, got %v", err)
	}

	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("expected *Error")
	}
	detail := e.Detail()
	for _, want := range []string{"upsert", testID, "now=1800000000", "exp=1831536000"} {
		if !strings.Contains(detail, want) {
			t.Errorf("Detail() = %q, missing %q", detail, want)
		}
	}
	if strings.Contains(detail, "connection reset") {
		t.Errorf("Detail() leaks cause: %q", detail)
	}

	_, err = svc.Read(context.Background(), testID)
	if KindOf(err) != KindStore {
		t.Errorf("Read() kind = %v, want store", KindOf(err))
	}
}

func TestService_InconsistentRecord(t *testing.T) {
	svc := NewService(&failingStore{rec: store.Record{Count: 0}})

	if _, err := svc.Upsert(context.Background(), testID); KindOf(err) != KindStore {
		t.Errorf("Upsert() kind = %v, want store", KindOf(err))
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("expected KindUnknown for plain error")
	}
	if KindOf(nil) != KindUnknown {
		t.Error("expected KindUnknown for nil")
	}
}
