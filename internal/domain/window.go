package domain

import "time"

// Window is a half-open interval [Start, End) scoping "today" or "past N days".
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window. Start is inclusive, End exclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Equal compares both bounds as instants.
func (w Window) Equal(other Window) bool {
	return w.Start.Equal(other.Start) && w.End.Equal(other.End)
}

// Date is the calendar date on which the window starts, in the window's location.
func (w Window) Date() string {
	return w.Start.Format("2006-01-02")
}

// ResolveDay returns the daily window containing ref: Start is the most recent
// resetHour:00:00 on or before ref, in ref's location, and End is resetHour:00:00 on
// the following calendar day. End is Start plus 24h except across a DST change in
// ref's location, where the day is 23 or 25 hours long and still contains ref.
func ResolveDay(ref time.Time, resetHour int) (Window, error) {
	if resetHour < 0 || resetHour > 23 {
		return Window{}, validationf("reset hour must be within 0-23, got %d", resetHour)
	}
	y, m, d := ref.Date()
	if ref.Before(time.Date(y, m, d, resetHour, 0, 0, 0, ref.Location())) {
		d--
	}
	return Window{
		Start: time.Date(y, m, d, resetHour, 0, 0, 0, ref.Location()),
		End:   time.Date(y, m, d+1, resetHour, 0, 0, 0, ref.Location()),
	}, nil
}

// ResolvePastDays widens the daily window containing ref to cover the n most recent
// days, moving Start back n-1 calendar days.
func ResolvePastDays(ref time.Time, resetHour, n int) (Window, error) {
	if n < 1 {
		return Window{}, validationf("days must be at least 1, got %d", n)
	}
	w, err := ResolveDay(ref, resetHour)
	if err != nil {
		return Window{}, err
	}
	y, m, d := w.Start.Date()
	w.Start = time.Date(y, m, d-(n-1), resetHour, 0, 0, 0, w.Start.Location())
	return w, nil
}

// DayClock binds the configured reset hour and timezone to a time source. Every
// window the service computes goes through one DayClock.
type DayClock struct {
	ResetHour int
	Location  *time.Location
	Now       func() time.Time
}

// NewDayClock validates resetHour and returns a clock. A nil loc means UTC and a nil
// now means time.Now.
func NewDayClock(resetHour int, loc *time.Location, now func() time.Time) (DayClock, error) {
	if resetHour < 0 || resetHour > 23 {
		return DayClock{}, validationf("reset hour must be within 0-23, got %d", resetHour)
	}
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return DayClock{ResetHour: resetHour, Location: loc, Now: now}, nil
}

// Current returns the clock's notion of now in its location.
func (c DayClock) Current() time.Time {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	return now().In(loc)
}

// Today is the daily window containing Current.
func (c DayClock) Today() (Window, error) {
	return ResolveDay(c.Current(), c.ResetHour)
}

// PastDays is the n-day window ending with today.
func (c DayClock) PastDays(n int) (Window, error) {
	return ResolvePastDays(c.Current(), c.ResetHour, n)
}
