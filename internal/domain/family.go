package domain

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// User is an account that owns ledger entries. FamilyID is nil when the user is not in
// a family.
type User struct {
	ID           string
	Username     string
	DisplayName  string
	PasswordHash string
	FamilyID     *string
	ProfileImage string
	PushToken    string
	CreatedAt    time.Time
}

// Name is what leaderboards show for the user.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// InFamily reports whether the user belongs to familyID.
func (u User) InFamily(familyID string) bool {
	return u.FamilyID != nil && *u.FamilyID == familyID
}

// DailyGoal is a family target for one calendar date.
type DailyGoal struct {
	Target decimal.Decimal
	Name   string
	Date   string // YYYY-MM-DD
}

// PointsCache is the family total last written by a roll-up. It is a snapshot of
// Window and says nothing about any other window.
type PointsCache struct {
	Total      decimal.Decimal
	Units      decimal.Decimal
	Window     Window
	ComputedAt time.Time
}

// FreshFor reports whether the cache was computed for w.
func (c PointsCache) FreshFor(w Window) bool {
	return !c.ComputedAt.IsZero() && c.Window.Equal(w)
}

// Family groups users. MemberIDs is derived from the users' family references.
type Family struct {
	ID        string
	Name      string
	JoinCode  string
	MemberIDs []string
	Cache     PointsCache
	Goal      *DailyGoal
	CreatedAt time.Time
}

// HasMember reports whether userID is in the member set.
func (f Family) HasMember(userID string) bool {
	for _, id := range f.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

const (
	joinCodeLength   = 6
	joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// NewJoinCode returns a short invite code without look-alike characters.
func NewJoinCode() (string, error) {
	buf := make([]byte, joinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range buf {
		b.WriteByte(joinCodeAlphabet[int(c)%len(joinCodeAlphabet)])
	}
	return b.String(), nil
}

// NormalizeJoinCode upper-cases and trims a code typed by a user.
func NormalizeJoinCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
