package domain

import (
	"context"
	"time"
)

// Lookups return (nil, nil) when the row does not exist; the service turns that into
// a NotFound error.

// CatalogStore persists activity definitions.
type CatalogStore interface {
	ListActivities(ctx context.Context) ([]ActivityDefinition, error)
	GetActivity(ctx context.Context, name string) (*ActivityDefinition, error)
	UpsertActivity(ctx context.Context, def ActivityDefinition) error
}

// LedgerStore persists ledger entries.
type LedgerStore interface {
	// CreateLedgerEntry writes the entry, adds each line's count to the matching
	// catalog progress counter and records a ledger.submitted event, atomically.
	CreateLedgerEntry(ctx context.Context, entry LedgerEntry, familyID string) error
	GetLedgerEntry(ctx context.Context, id string) (*LedgerEntry, error)
	// ReplaceSubtasks stores the entry's lines and Summary in one write.
	ReplaceSubtasks(ctx context.Context, entry LedgerEntry) error
	// DeleteLedgerEntry reports whether a row was removed.
	DeleteLedgerEntry(ctx context.Context, id string) (bool, error)
	ListLedgerEntries(ctx context.Context, userID string, cursor *Cursor, limit int) ([]LedgerEntry, *Cursor, error)
	ListLedgerEntriesInWindow(ctx context.Context, userID string, w Window) ([]LedgerEntry, error)
	// SumByUser groups ledger entries inside w by owner and sums their summaries.
	// A nil userIDs means every user; an empty non-nil slice matches nobody.
	SumByUser(ctx context.Context, userIDs []string, w Window) (map[string]Totals, error)
}

// UserStore persists users.
type UserStore interface {
	// CreateUser returns ErrDuplicate when the username is taken.
	CreateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, id string) (*User, error)
	// GetUsers returns the users that exist among ids, in no particular order.
	GetUsers(ctx context.Context, ids []string) ([]User, error)
	SetPushToken(ctx context.Context, userID, token string) error
	ListUsersWithPushTokens(ctx context.Context) ([]User, error)
}

// FamilyStore persists families and membership.
type FamilyStore interface {
	// CreateFamily writes the family and makes creatorID its first member atomically.
	// It returns ErrDuplicate on a name or join code collision and ErrAlreadyMember
	// when the creator is already in a family.
	CreateFamily(ctx context.Context, family Family, creatorID string) error
	GetFamily(ctx context.Context, id string) (*Family, error)
	GetFamilyByCode(ctx context.Context, code string) (*Family, error)
	// ListFamilies returns every family ordered by creation time, then id.
	ListFamilies(ctx context.Context) ([]Family, error)
	// AddMember sets the user's family reference and records a family.member_joined
	// event. It returns ErrAlreadyMember when the user is already in a family.
	AddMember(ctx context.Context, familyID, userID string, at time.Time) error
	// RemoveMember clears the user's family reference if it points at familyID.
	RemoveMember(ctx context.Context, familyID, userID string) error
	// SaveFamilyCache replaces the cached total in a single write. A cache computed
	// earlier than the stored one is dropped. found is false when the family is gone.
	SaveFamilyCache(ctx context.Context, familyID string, cache PointsCache) (found bool, err error)
	SetDailyGoal(ctx context.Context, familyID string, goal DailyGoal) error
}

// Store is everything the service needs from persistence.
type Store interface {
	CatalogStore
	LedgerStore
	UserStore
	FamilyStore
}
