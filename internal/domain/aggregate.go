package domain

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"example.com/sadhana/internal/observability"
)

// Totals are unrounded sums over ledger summaries.
type Totals struct {
	Points  decimal.Decimal
	Units   decimal.Decimal
	Entries int
}

// ZeroTotals is the sum over no entries.
func ZeroTotals() Totals {
	return Totals{Points: decimal.Zero, Units: decimal.Zero}
}

// Add returns t plus o.
func (t Totals) Add(o Totals) Totals {
	return Totals{
		Points:  t.Points.Add(o.Points),
		Units:   t.Units.Add(o.Units),
		Entries: t.Entries + o.Entries,
	}
}

// Standing is one ranked row. Rank is 1-based; single-entity lookups leave it 0.
type Standing struct {
	Rank     int
	EntityID string
	Name     string
	Totals   Totals
}

// AggregateReader is the part of the store the engine reads.
type AggregateReader interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetUsers(ctx context.Context, ids []string) ([]User, error)
	GetFamily(ctx context.Context, id string) (*Family, error)
	ListFamilies(ctx context.Context) ([]Family, error)
	SumByUser(ctx context.Context, userIDs []string, w Window) (map[string]Totals, error)
}

// Engine reduces ledger entries inside a window to user, family and global totals.
type Engine struct {
	store   AggregateReader
	timeout time.Duration
}

// NewEngine constructs an Engine. A positive timeout bounds every aggregation.
func NewEngine(store AggregateReader, timeout time.Duration) *Engine {
	return &Engine{store: store, timeout: timeout}
}

func (e *Engine) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

// live returns a transient error once ctx is done.
func live(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return transient(op, err)
	}
	return nil
}

// UserTotals sums one user's entries in w.
func (e *Engine) UserTotals(ctx context.Context, userID string, w Window) (Standing, error) {
	defer observability.ObserveAggregation("user", time.Now())
	ctx, cancel := e.bound(ctx)
	defer cancel()
	if err := live(ctx, "user totals"); err != nil {
		return Standing{}, err
	}

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return Standing{}, transient("load user", err)
	}
	if user == nil {
		return Standing{}, notFound("user", userID)
	}

	sums, err := e.store.SumByUser(ctx, []string{userID}, w)
	if err != nil {
		return Standing{}, transient("sum user points", err)
	}
	if err := live(ctx, "user totals"); err != nil {
		return Standing{}, err
	}
	return Standing{EntityID: user.ID, Name: user.Name(), Totals: totalsFor(sums, userID)}, nil
}

// FamilyTotals sums the entries of every current member of the family in w.
func (e *Engine) FamilyTotals(ctx context.Context, familyID string, w Window) (Standing, error) {
	defer observability.ObserveAggregation("family", time.Now())
	ctx, cancel := e.bound(ctx)
	defer cancel()
	if err := live(ctx, "family totals"); err != nil {
		return Standing{}, err
	}

	family, err := e.store.GetFamily(ctx, familyID)
	if err != nil {
		return Standing{}, transient("load family", err)
	}
	if family == nil {
		return Standing{}, notFound("family", familyID)
	}

	sums, err := e.sumMembers(ctx, family.MemberIDs, w)
	if err != nil {
		return Standing{}, err
	}
	if err := live(ctx, "family totals"); err != nil {
		return Standing{}, err
	}
	return Standing{EntityID: family.ID, Name: family.Name, Totals: sumOver(sums, family.MemberIDs)}, nil
}

// FamilyLeaderboard ranks every family by points in w, highest first. Ties keep the
// store's family order (creation time, then id).
func (e *Engine) FamilyLeaderboard(ctx context.Context, w Window) ([]Standing, error) {
	defer observability.ObserveAggregation("global", time.Now())
	ctx, cancel := e.bound(ctx)
	defer cancel()
	if err := live(ctx, "family leaderboard"); err != nil {
		return nil, err
	}

	families, err := e.store.ListFamilies(ctx)
	if err != nil {
		return nil, transient("list families", err)
	}

	members := make([]string, 0)
	for _, f := range families {
		members = append(members, f.MemberIDs...)
	}
	sums, err := e.sumMembers(ctx, members, w)
	if err != nil {
		return nil, err
	}
	if err := live(ctx, "family leaderboard"); err != nil {
		return nil, err
	}

	board := make([]Standing, 0, len(families))
	for _, f := range families {
		board = append(board, Standing{EntityID: f.ID, Name: f.Name, Totals: sumOver(sums, f.MemberIDs)})
	}
	sort.SliceStable(board, func(i, j int) bool {
		return board[i].Totals.Points.GreaterThan(board[j].Totals.Points)
	})
	return rank(board), nil
}

// MemberLeaderboard ranks the members of one family in w. Members without entries are
// listed with zero totals. Ties are ordered by name, then id.
func (e *Engine) MemberLeaderboard(ctx context.Context, familyID string, w Window) ([]Standing, error) {
	defer observability.ObserveAggregation("members", time.Now())
	ctx, cancel := e.bound(ctx)
	defer cancel()
	if err := live(ctx, "member leaderboard"); err != nil {
		return nil, err
	}

	family, err := e.store.GetFamily(ctx, familyID)
	if err != nil {
		return nil, transient("load family", err)
	}
	if family == nil {
		return nil, notFound("family", familyID)
	}
	users, err := e.store.GetUsers(ctx, family.MemberIDs)
	if err != nil {
		return nil, transient("load members", err)
	}
	sums, err := e.sumMembers(ctx, family.MemberIDs, w)
	if err != nil {
		return nil, err
	}
	if err := live(ctx, "member leaderboard"); err != nil {
		return nil, err
	}

	board := make([]Standing, 0, len(users))
	for _, u := range users {
		board = append(board, Standing{EntityID: u.ID, Name: u.Name(), Totals: totalsFor(sums, u.ID)})
	}
	sortStandings(board)
	return rank(board), nil
}

// UserLeaderboard ranks every user with entries in w. limit <= 0 means no limit.
// Ties are ordered by name, then id.
func (e *Engine) UserLeaderboard(ctx context.Context, w Window, limit int) ([]Standing, error) {
	defer observability.ObserveAggregation("users", time.Now())
	ctx, cancel := e.bound(ctx)
	defer cancel()
	if err := live(ctx, "user leaderboard"); err != nil {
		return nil, err
	}

	sums, err := e.store.SumByUser(ctx, nil, w)
	if err != nil {
		return nil, transient("sum user points", err)
	}
	ids := make([]string, 0, len(sums))
	for id := range sums {
		ids = append(ids, id)
	}
	users, err := e.store.GetUsers(ctx, ids)
	if err != nil {
		return nil, transient("load users", err)
	}
	if err := live(ctx, "user leaderboard"); err != nil {
		return nil, err
	}

	board := make([]Standing, 0, len(users))
	for _, u := range users {
		board = append(board, Standing{EntityID: u.ID, Name: u.Name(), Totals: totalsFor(sums, u.ID)})
	}
	sortStandings(board)
	if limit > 0 && len(board) > limit {
		board = board[:limit]
	}
	return rank(board), nil
}

func (e *Engine) sumMembers(ctx context.Context, memberIDs []string, w Window) (map[string]Totals, error) {
	if len(memberIDs) == 0 {
		if err := live(ctx, "sum member points"); err != nil {
			return nil, err
		}
		return map[string]Totals{}, nil
	}
	sums, err := e.store.SumByUser(ctx, memberIDs, w)
	if err != nil {
		return nil, transient("sum member points", err)
	}
	return sums, nil
}

func totalsFor(sums map[string]Totals, id string) Totals {
	if t, ok := sums[id]; ok {
		return t
	}
	return ZeroTotals()
}

func sumOver(sums map[string]Totals, ids []string) Totals {
	total := ZeroTotals()
	for _, id := range ids {
		total = total.Add(totalsFor(sums, id))
	}
	return total
}

func sortStandings(board []Standing) {
	sort.Slice(board, func(i, j int) bool {
		if c := board[i].Totals.Points.Cmp(board[j].Totals.Points); c != 0 {
			return c > 0
		}
		if board[i].Name != board[j].Name {
			return board[i].Name < board[j].Name
		}
		return board[i].EntityID < board[j].EntityID
	})
}

func rank(board []Standing) []Standing {
	for i := range board {
		board[i].Rank = i + 1
	}
	return board
}
