// Package quota tracks the number of automated replies sent per business and
// calendar day.
//
// Days are UTC calendar dates formatted as YYYY-MM-DD and resolved at the
// instant an event is processed.
package quota

import (
	"context"
	"fmt"
	"time"
)

// DayLayout is the format of usage dates.
const DayLayout = "2006-01-02"

// Counter is the storage behind the tracker. IncrementDailyReplies must be a
// single atomic create-or-increment so concurrent callers never lose updates.
type Counter interface {
	GetDailyReplies(ctx context.Context, businessID int64, usageDate string) (int, error)
	IncrementDailyReplies(ctx context.Context, businessID int64, usageDate string) error
}

// Tracker reads and increments daily reply counters.
type Tracker struct {
	counter Counter
	now     func() time.Time
}

// New returns a tracker backed by counter using the wall clock.
func New(counter Counter) *Tracker {
	return &Tracker{counter: counter, now: time.Now}
}

// WithClock replaces the clock used by Today.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// DayOf formats the UTC calendar date of ts.
func DayOf(ts time.Time) string {
	return ts.UTC().Format(DayLayout)
}

// DayBounds returns the UTC start of day and the start of the next day.
func DayBounds(day string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(DayLayout, day, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse usage date %q: %w", day, err)
	}
	return start, start.AddDate(0, 0, 1), nil
}

// Today returns the current usage date.
func (t *Tracker) Today() string {
	return DayOf(t.now())
}

// Get returns the replies counted for businessID on day, 0 when nothing was recorded.
func (t *Tracker) Get(ctx context.Context, businessID int64, day string) (int, error) {
	count, err := t.counter.GetDailyReplies(ctx, businessID, day)
	if err != nil {
		return 0, fmt.Errorf("read quota: %w", err)
	}
	return count, nil
}

// Increment adds exactly one reply for businessID on day.
func (t *Tracker) Increment(ctx context.Context, businessID int64, day string) error {
	if err := t.counter.IncrementDailyReplies(ctx, businessID, day); err != nil {
		return fmt.Errorf("increment quota: %w", err)
	}
	return nil
}
