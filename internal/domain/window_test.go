package domain

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"
)

func TestResolveDayAtResetHourStartsNewDay(t *testing.T) {
	ref := time.Date(2025, 3, 10, 4, 0, 0, 0, time.UTC)

	w, err := ResolveDay(ref, 4)
	require.NoError(t, err)
	require.Equal(t, ref, w.Start)
	require.Equal(t, ref.Add(24*time.Hour), w.End)
	require.True(t, w.Contains(ref))
}

func TestResolveDayJustBeforeResetHourIsPreviousDay(t *testing.T) {
	ref := time.Date(2025, 3, 10, 3, 59, 59, 0, time.UTC)

	w, err := ResolveDay(ref, 4)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 9, 4, 0, 0, 0, time.UTC), w.Start)
	require.Equal(t, time.Date(2025, 3, 10, 4, 0, 0, 0, time.UTC), w.End)
	require.False(t, w.Contains(w.End))
}

func TestResolveDayIsIdempotent(t *testing.T) {
	ref := time.Date(2025, 7, 1, 17, 42, 0, 0, time.UTC)
	for _, n := range []int{1, 7, 30} {
		a, err := ResolvePastDays(ref, 4, n)
		require.NoError(t, err)
		b, err := ResolvePastDays(ref, 4, n)
		require.NoError(t, err)
		require.True(t, a.Equal(b))
	}
}

func TestResolveDayMidnightReset(t *testing.T) {
	ref := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	w, err := ResolveDay(ref, 0)
	require.NoError(t, err)
	require.Equal(t, "2025-01-01", w.Date())

	w, err = ResolveDay(ref.Add(-time.Second), 0)
	require.NoError(t, err)
	require.Equal(t, "2024-12-31", w.Date())
}

func TestResolveDayUsesReferenceLocation(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	ref := time.Date(2025, 3, 10, 5, 0, 0, 0, loc)

	w, err := ResolveDay(ref, 4)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 10, 4, 0, 0, 0, loc), w.Start)
	require.Equal(t, loc, w.Start.Location())
}

func TestResolvePastDays(t *testing.T) {
	ref := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	w, err := ResolvePastDays(ref, 4, 7)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 4, 4, 0, 0, 0, time.UTC), w.Start)
	require.Equal(t, time.Date(2025, 3, 11, 4, 0, 0, 0, time.UTC), w.End)

	_, err = ResolvePastDays(ref, 4, 0)
	require.ErrorIs(t, err, ErrValidation)
}

func TestResolveDayRejectsBadHour(t *testing.T) {
	_, err := ResolveDay(time.Now(), 24)
	require.ErrorIs(t, err, ErrValidation)

	_, err = NewDayClock(-1, nil, nil)
	require.ErrorIs(t, err, ErrValidation)
}

func TestDayClockToday(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	now := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC) // 03:30 local
	clock, err := NewDayClock(4, loc, func() time.Time { return now })
	require.NoError(t, err)

	w, err := clock.Today()
	require.NoError(t, err)
	require.Equal(t, "2025-03-09", w.Date())
	require.True(t, w.Contains(now))
}

func TestResolveDayAcrossDaylightSavingChanges(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	tests := []struct {
		name  string
		ref   time.Time
		start time.Time
		end   time.Time
		hours float64
	}{
		{
			name:  "fall back before reset",
			ref:   time.Date(2025, 11, 2, 3, 30, 0, 0, loc),
			start: time.Date(2025, 11, 1, 4, 0, 0, 0, loc),
			end:   time.Date(2025, 11, 2, 4, 0, 0, 0, loc),
			hours: 25,
		},
		{
			name:  "spring forward before reset",
			ref:   time.Date(2025, 3, 9, 3, 30, 0, 0, loc),
			start: time.Date(2025, 3, 8, 4, 0, 0, 0, loc),
			end:   time.Date(2025, 3, 9, 4, 0, 0, 0, loc),
			hours: 23,
		},
		{
			name:  "ordinary day",
			ref:   time.Date(2025, 7, 1, 12, 0, 0, 0, loc),
			start: time.Date(2025, 7, 1, 4, 0, 0, 0, loc),
			end:   time.Date(2025, 7, 2, 4, 0, 0, 0, loc),
			hours: 24,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := ResolveDay(tt.ref, 4)
			require.NoError(t, err)
			require.True(t, tt.start.Equal(w.Start), "start %s", w.Start)
			require.True(t, tt.end.Equal(w.End), "end %s", w.End)
			require.True(t, w.Contains(tt.ref))
			require.InDelta(t, tt.hours, w.End.Sub(w.Start).Hours(), 0.001)
		})
	}

	week, err := ResolvePastDays(time.Date(2025, 11, 4, 12, 0, 0, 0, loc), 4, 7)
	require.NoError(t, err)
	require.True(t, time.Date(2025, 10, 29, 4, 0, 0, 0, loc).Equal(week.Start))
	require.True(t, time.Date(2025, 11, 5, 4, 0, 0, 0, loc).Equal(week.End))
}
