package dedup

import (
	"errors"
	"time"
)

// ErrClockUnavailable is returned by a Clock that cannot report a usable time.
var ErrClockUnavailable = errors.New("clock unavailable")

// Clock supplies the time stamped on upserts.
type Clock interface {
	Now() (time.Time, error)
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() (time.Time, error)

func (f ClockFunc) Now() (time.Time, error) { return f() }

// SystemClock reads the wall clock. Times before the Unix epoch cannot be
// stored as epoch seconds and are reported as ErrClockUnavailable.
type SystemClock struct{}

func (SystemClock) Now() (time.Time, error) {
	now := time.Now()
	if now.Unix() < 0 {
		return time.Time{}, ErrClockUnavailable
	}
	return now, nil
}
