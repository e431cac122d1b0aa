package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// slowReader answers lookups immediately but holds SumByUser until ctx is done.
type slowReader struct {
	families []Family
	users    map[string]User
	saved    int
}

func (r *slowReader) GetUser(ctx context.Context, id string) (*User, error) {
	if u, ok := r.users[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (r *slowReader) GetUsers(ctx context.Context, ids []string) ([]User, error) {
	out := make([]User, 0, len(ids))
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r *slowReader) GetFamily(ctx context.Context, id string) (*Family, error) {
	for _, f := range r.families {
		if f.ID == id {
			return &f, nil
		}
	}
	return nil, nil
}

func (r *slowReader) ListFamilies(ctx context.Context) ([]Family, error) {
	return r.families, nil
}

func (r *slowReader) SumByUser(ctx context.Context, userIDs []string, w Window) (map[string]Totals, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r *slowReader) SaveFamilyCache(ctx context.Context, familyID string, cache PointsCache) (bool, error) {
	r.saved++
	return true, nil
}

func newSlowReader() *slowReader {
	return &slowReader{
		users: map[string]User{"u1": {ID: "u1", Username: "asha"}},
		families: []Family{
			{ID: "f1", Name: "Puri", MemberIDs: []string{"u1"}},
			{ID: "f2", Name: "Empty"},
		},
	}
}

func TestEngineTimeoutIsTransient(t *testing.T) {
	reader := newSlowReader()
	engine := NewEngine(reader, 20*time.Millisecond)
	w, err := ResolveDay(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC), 4)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = engine.UserTotals(ctx, "u1", w)
	require.ErrorIs(t, err, ErrTransient)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = engine.FamilyTotals(ctx, "f1", w)
	require.ErrorIs(t, err, ErrTransient)

	board, err := engine.FamilyLeaderboard(ctx, w)
	require.ErrorIs(t, err, ErrTransient)
	require.Nil(t, board)

	_, err = engine.MemberLeaderboard(ctx, "f1", w)
	require.ErrorIs(t, err, ErrTransient)

	_, err = engine.UserLeaderboard(ctx, w, 10)
	require.ErrorIs(t, err, ErrTransient)
}

func TestEngineEmptyFamilyUnderExpiredDeadline(t *testing.T) {
	engine := NewEngine(newSlowReader(), 0)
	w, err := ResolveDay(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC), 4)
	require.NoError(t, err)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err = engine.FamilyTotals(ctx, "f2", w)
	require.ErrorIs(t, err, ErrTransient)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	standing, err := engine.FamilyTotals(context.Background(), "f2", w)
	require.NoError(t, err)
	require.True(t, standing.Totals.Points.IsZero())
}

func TestRollupTimeoutLeavesCacheUntouched(t *testing.T) {
	reader := newSlowReader()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock, err := NewDayClock(4, time.UTC, func() time.Time { return now })
	require.NoError(t, err)
	rollup := NewRollup(NewEngine(reader, 20*time.Millisecond), reader, clock)

	_, err = rollup.Run(context.Background(), "f1")
	require.ErrorIs(t, err, ErrTransient)
	require.Zero(t, reader.saved)
}
