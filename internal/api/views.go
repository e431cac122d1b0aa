package api

import (
	"time"

	"github.com/shopspring/decimal"

	"example.com/sadhana/internal/domain"
)

// RegisterUserRequest is the payload for POST /v1/users.
type RegisterUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

// RegisterUserResponse returns the new account and a bearer token for it.
type RegisterUserResponse struct {
	User  UserView `json:"user"`
	Token string   `json:"token"`
}

// PushTokenRequest is the payload for PUT /v1/users/me/push-token. An empty token
// turns pushes off.
type PushTokenRequest struct {
	Token string `json:"token"`
}

// UpsertActivityRequest is the payload for PUT /v1/activities/{name}.
type UpsertActivityRequest struct {
	DisplayName string          `json:"display_name"`
	Category    string          `json:"category"`
	PointValue  decimal.Decimal `json:"point_value"`
}

// SubmitLedgerRequest is the payload for POST /v1/ledger.
type SubmitLedgerRequest struct {
	Subtasks    []domain.SubtaskInput `json:"subtasks"`
	SubmittedAt *time.Time            `json:"submitted_at,omitempty"`
}

// UpdateCountRequest is the payload for PATCH /v1/ledger/{id}/subtasks/{subtaskID}.
type UpdateCountRequest struct {
	Count decimal.Decimal `json:"count"`
}

// CreateFamilyRequest is the payload for POST /v1/families.
type CreateFamilyRequest struct {
	Name string `json:"name"`
}

// JoinFamilyRequest is the payload for POST /v1/families/join.
type JoinFamilyRequest struct {
	Code string `json:"code"`
}

// DailyGoalRequest is the payload for PUT /v1/families/{id}/goal.
type DailyGoalRequest struct {
	Target decimal.Decimal `json:"target"`
	Name   string          `json:"name"`
	Date   string          `json:"date"`
}

// UserView is the public profile of a user.
type UserView struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	FamilyID     *string   `json:"family_id"`
	ProfileImage string    `json:"profile_image,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ActivityView is one catalog row.
type ActivityView struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name"`
	Category    string          `json:"category"`
	PointValue  decimal.Decimal `json:"point_value"`
	Progress    decimal.Decimal `json:"progress"`
}

// SubtaskView is one priced line of a ledger entry.
type SubtaskView struct {
	ID         string          `json:"id"`
	Activity   string          `json:"activity"`
	Category   string          `json:"category"`
	PointValue decimal.Decimal `json:"point_value"`
	Count      decimal.Decimal `json:"count"`
	Total      decimal.Decimal `json:"total"`
}

// LedgerEntryView is a ledger entry with its summary.
type LedgerEntryView struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Subtasks    []SubtaskView   `json:"subtasks"`
	TotalPoints decimal.Decimal `json:"total_points"`
	TotalUnits  decimal.Decimal `json:"total_unit_count"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ListLedgerResponse is one page of ledger entries.
type ListLedgerResponse struct {
	Items      []LedgerEntryView `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// TodayResponse lists a user's entries in the current window.
type TodayResponse struct {
	Window WindowView        `json:"window"`
	Items  []LedgerEntryView `json:"items"`
}

// WindowView is a half-open [start, end) interval.
type WindowView struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Date  string    `json:"date"`
}

// StandingView is one leaderboard row or a single entity's totals.
type StandingView struct {
	Rank    int             `json:"rank,omitempty"`
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Points  decimal.Decimal `json:"points"`
	Units   decimal.Decimal `json:"units"`
	Entries int             `json:"entries"`
}

// PointsResponse is a user's or family's totals over a window.
type PointsResponse struct {
	Window WindowView   `json:"window"`
	Totals StandingView `json:"totals"`
}

// LeaderboardResponse is a ranked list over a window.
type LeaderboardResponse struct {
	Window WindowView     `json:"window"`
	Items  []StandingView `json:"items"`
}

// CacheView is a family's cached total. Fresh is false when it belongs to an earlier window.
type CacheView struct {
	Total      decimal.Decimal `json:"total"`
	Units      decimal.Decimal `json:"units"`
	Window     *WindowView     `json:"window,omitempty"`
	ComputedAt *time.Time      `json:"computed_at,omitempty"`
	Fresh      bool            `json:"fresh"`
}

// GoalView is a family's daily goal.
type GoalView struct {
	Target decimal.Decimal `json:"target"`
	Name   string          `json:"name,omitempty"`
	Date   string          `json:"date"`
}

// FamilyView describes a family. JoinCode is only shown to members.
type FamilyView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	JoinCode  string    `json:"join_code,omitempty"`
	MemberIDs []string  `json:"member_ids"`
	Cache     CacheView `json:"cache"`
	Goal      *GoalView `json:"goal,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Amounts leave the API rounded to two places.
func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func toUserView(u domain.User) UserView {
	return UserView{
		ID:           u.ID,
		Username:     u.Username,
		DisplayName:  u.Name(),
		FamilyID:     u.FamilyID,
		ProfileImage: u.ProfileImage,
		CreatedAt:    u.CreatedAt,
	}
}

func toActivityView(a domain.ActivityDefinition) ActivityView {
	return ActivityView{
		Name:        a.Name,
		DisplayName: a.DisplayName,
		Category:    string(a.Category),
		PointValue:  round(a.PointValue),
		Progress:    round(a.Progress),
	}
}

func toLedgerEntryView(e domain.LedgerEntry) LedgerEntryView {
	lines := make([]SubtaskView, 0, len(e.Subtasks))
	for _, l := range e.Subtasks {
		lines = append(lines, SubtaskView{
			ID:         l.ID,
			Activity:   l.Activity,
			Category:   string(l.Category),
			PointValue: round(l.PointValue),
			Count:      round(l.Count),
			Total:      round(l.Total),
		})
	}
	return LedgerEntryView{
		ID:          e.ID,
		UserID:      e.UserID,
		SubmittedAt: e.SubmittedAt,
		Subtasks:    lines,
		TotalPoints: round(e.Summary.TotalPoints),
		TotalUnits:  round(e.Summary.TotalUnitCount),
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func toLedgerEntryViews(entries []domain.LedgerEntry) []LedgerEntryView {
	out := make([]LedgerEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, toLedgerEntryView(e))
	}
	return out
}

func toWindowView(w domain.Window) WindowView {
	return WindowView{Start: w.Start, End: w.End, Date: w.Date()}
}

func toStandingView(s domain.Standing) StandingView {
	return StandingView{
		Rank:    s.Rank,
		ID:      s.EntityID,
		Name:    s.Name,
		Points:  round(s.Totals.Points),
		Units:   round(s.Totals.Units),
		Entries: s.Totals.Entries,
	}
}

func toLeaderboard(board []domain.Standing, w domain.Window) LeaderboardResponse {
	items := make([]StandingView, 0, len(board))
	for _, s := range board {
		items = append(items, toStandingView(s))
	}
	return LeaderboardResponse{Window: toWindowView(w), Items: items}
}

func toFamilyView(f domain.Family, actorID string, today domain.Window) FamilyView {
	view := FamilyView{
		ID:        f.ID,
		Name:      f.Name,
		MemberIDs: append([]string{}, f.MemberIDs...),
		Cache: CacheView{
			Total: round(f.Cache.Total),
			Units: round(f.Cache.Units),
			Fresh: f.Cache.FreshFor(today),
		},
		CreatedAt: f.CreatedAt,
	}
	if f.HasMember(actorID) {
		view.JoinCode = f.JoinCode
	}
	if !f.Cache.ComputedAt.IsZero() {
		w := toWindowView(f.Cache.Window)
		computed := f.Cache.ComputedAt
		view.Cache.Window = &w
		view.Cache.ComputedAt = &computed
	}
	if f.Goal != nil {
		view.Goal = &GoalView{Target: round(f.Goal.Target), Name: f.Goal.Name, Date: f.Goal.Date}
	}
	return view
}
