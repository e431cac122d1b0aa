// Package memory is an in-process implementation of domain.Store for local
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"example.com/sadhana/internal/domain"
	"example.com/sadhana/internal/events"
	"example.com/sadhana/internal/persistence"
)

// Store keeps every table in maps guarded by one RWMutex.
type Store struct {
	mu         sync.RWMutex
	activities map[string]domain.ActivityDefinition
	entries    map[string]domain.LedgerEntry
	users      map[string]domain.User
	usernames  map[string]string
	families   map[string]domain.Family
	codes      map[string]string
	names      map[string]string
	outbox     []events.Envelope
}

var _ domain.Store = (*Store)(nil)

// NewStore constructs a store seeded with the default activity catalog.
func NewStore() *Store {
	s := &Store{
		activities: make(map[string]domain.ActivityDefinition),
		entries:    make(map[string]domain.LedgerEntry),
		users:      make(map[string]domain.User),
		usernames:  make(map[string]string),
		families:   make(map[string]domain.Family),
		codes:      make(map[string]string),
		names:      make(map[string]string),
	}
	for _, def := range domain.DefaultCatalog() {
		s.activities[def.Name] = def
	}
	return s
}

// Outbox returns the events recorded so far, oldest first.
func (s *Store) Outbox() []events.Envelope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]events.Envelope(nil), s.outbox...)
}

// ListActivities implements domain.CatalogStore.
func (s *Store) ListActivities(ctx context.Context) ([]domain.ActivityDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]domain.ActivityDefinition, 0, len(s.activities))
	for _, def := range s.activities {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// GetActivity implements domain.CatalogStore.
func (s *Store) GetActivity(ctx context.Context, name string) (*domain.ActivityDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.activities[name]
	if !ok {
		return nil, nil
	}
	return &def, nil
}

// UpsertActivity implements domain.CatalogStore.
func (s *Store) UpsertActivity(ctx context.Context, def domain.ActivityDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.activities[def.Name]; ok {
		def.Progress = existing.Progress
	}
	s.activities[def.Name] = def
	return nil
}

// CreateLedgerEntry implements domain.LedgerStore.
func (s *Store) CreateLedgerEntry(ctx context.Context, entry domain.LedgerEntry, familyID string) error {
	evt, err := persistence.LedgerSubmittedEvent(entry, familyID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.ID]; ok {
		return domain.ErrDuplicate
	}
	s.entries[entry.ID] = cloneEntry(entry)
	for _, line := range entry.Subtasks {
		if def, ok := s.activities[line.Activity]; ok {
			def.Progress = def.Progress.Add(line.Count)
			s.activities[line.Activity] = def
		}
	}
	s.outbox = append(s.outbox, evt)
	return nil
}

// GetLedgerEntry implements domain.LedgerStore.
func (s *Store) GetLedgerEntry(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	entry = cloneEntry(entry)
	return &entry, nil
}

// ReplaceSubtasks implements domain.LedgerStore.
func (s *Store) ReplaceSubtasks(ctx context.Context, entry domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.entries[entry.ID]
	if !ok {
		return fmt.Errorf("ledger entry %s not found", entry.ID)
	}
	stored.Subtasks = cloneLines(entry.Subtasks)
	stored.Summary = entry.Summary
	stored.UpdatedAt = entry.UpdatedAt
	s.entries[entry.ID] = stored
	return nil
}

// DeleteLedgerEntry implements domain.LedgerStore.
func (s *Store) DeleteLedgerEntry(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return false, nil
	}
	delete(s.entries, id)
	return true, nil
}

// ListLedgerEntries implements domain.LedgerStore. Entries are ordered newest first.
func (s *Store) ListLedgerEntries(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.LedgerEntry, *domain.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := s.entriesOf(userID, func(e domain.LedgerEntry) bool {
		if cursor == nil {
			return true
		}
		if e.SubmittedAt.Equal(cursor.SubmittedAt) {
			return e.ID < cursor.ID
		}
		return e.SubmittedAt.Before(cursor.SubmittedAt)
	})
	sort.Slice(owned, func(i, j int) bool { return newerFirst(owned[i], owned[j]) })

	var next *domain.Cursor
	if limit > 0 && len(owned) > limit {
		owned = owned[:limit]
		last := owned[limit-1]
		next = &domain.Cursor{SubmittedAt: last.SubmittedAt, ID: last.ID}
	}
	return owned, next, nil
}

// ListLedgerEntriesInWindow implements domain.LedgerStore.
func (s *Store) ListLedgerEntriesInWindow(ctx context.Context, userID string, w domain.Window) ([]domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := s.entriesOf(userID, func(e domain.LedgerEntry) bool { return w.Contains(e.SubmittedAt) })
	sort.Slice(owned, func(i, j int) bool { return newerFirst(owned[i], owned[j]) })
	return owned, nil
}

// SumByUser implements domain.LedgerStore.
func (s *Store) SumByUser(ctx context.Context, userIDs []string, w domain.Window) (map[string]domain.Totals, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var wanted map[string]struct{}
	if userIDs != nil {
		wanted = make(map[string]struct{}, len(userIDs))
		for _, id := range userIDs {
			wanted[id] = struct{}{}
		}
	}

	sums := make(map[string]domain.Totals)
	for _, e := range s.entries {
		if wanted != nil {
			if _, ok := wanted[e.UserID]; !ok {
				continue
			}
		}
		if !w.Contains(e.SubmittedAt) {
			continue
		}
		t, ok := sums[e.UserID]
		if !ok {
			t = domain.ZeroTotals()
		}
		sums[e.UserID] = t.Add(domain.Totals{
			Points:  e.Summary.TotalPoints,
			Units:   e.Summary.TotalUnitCount,
			Entries: 1,
		})
	}
	return sums, nil
}

// CreateUser implements domain.UserStore.
func (s *Store) CreateUser(ctx context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(user.Username)
	if _, taken := s.usernames[key]; taken {
		return domain.ErrDuplicate
	}
	if _, taken := s.users[user.ID]; taken {
		return domain.ErrDuplicate
	}
	s.users[user.ID] = cloneUser(user)
	s.usernames[key] = user.ID
	return nil
}

// GetUser implements domain.UserStore.
func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	user = cloneUser(user)
	return &user, nil
}

// GetUsers implements domain.UserStore.
func (s *Store) GetUsers(ctx context.Context, ids []string) ([]domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		if user, ok := s.users[id]; ok {
			users = append(users, cloneUser(user))
		}
	}
	return users, nil
}

// SetPushToken implements domain.UserStore.
func (s *Store) SetPushToken(ctx context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	user.PushToken = token
	s.users[userID] = user
	return nil
}

// ListUsersWithPushTokens implements domain.UserStore.
func (s *Store) ListUsersWithPushTokens(ctx context.Context) ([]domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.User, 0)
	for _, user := range s.users {
		if user.PushToken != "" {
			users = append(users, cloneUser(user))
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// CreateFamily implements domain.FamilyStore.
func (s *Store) CreateFamily(ctx context.Context, family domain.Family, creatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creator, ok := s.users[creatorID]
	if !ok {
		return fmt.Errorf("user %s not found", creatorID)
	}
	if creator.FamilyID != nil {
		return domain.ErrAlreadyMember
	}
	nameKey := strings.ToLower(family.Name)
	if _, taken := s.names[nameKey]; taken {
		return domain.ErrDuplicate
	}
	if _, taken := s.codes[family.JoinCode]; taken {
		return domain.ErrDuplicate
	}

	family.MemberIDs = nil
	s.families[family.ID] = cloneFamily(family)
	s.names[nameKey] = family.ID
	s.codes[family.JoinCode] = family.ID

	familyID := family.ID
	creator.FamilyID = &familyID
	s.users[creatorID] = creator
	return nil
}

// GetFamily implements domain.FamilyStore.
func (s *Store) GetFamily(ctx context.Context, id string) (*domain.Family, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	family, ok := s.families[id]
	if !ok {
		return nil, nil
	}
	family = s.withMembers(family)
	return &family, nil
}

// GetFamilyByCode implements domain.FamilyStore.
func (s *Store) GetFamilyByCode(ctx context.Context, code string) (*domain.Family, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	id, ok := s.codes[code]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetFamily(ctx, id)
}

// ListFamilies implements domain.FamilyStore.
func (s *Store) ListFamilies(ctx context.Context) ([]domain.Family, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	families := make([]domain.Family, 0, len(s.families))
	for _, family := range s.families {
		families = append(families, s.withMembers(family))
	}
	sort.Slice(families, func(i, j int) bool {
		if !families[i].CreatedAt.Equal(families[j].CreatedAt) {
			return families[i].CreatedAt.Before(families[j].CreatedAt)
		}
		return families[i].ID < families[j].ID
	})
	return families, nil
}

// AddMember implements domain.FamilyStore.
func (s *Store) AddMember(ctx context.Context, familyID, userID string, at time.Time) error {
	evt, err := persistence.MemberJoinedEvent(familyID, userID, at)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.families[familyID]; !ok {
		return fmt.Errorf("family %s not found", familyID)
	}
	user, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	if user.FamilyID != nil {
		return domain.ErrAlreadyMember
	}
	id := familyID
	user.FamilyID = &id
	s.users[userID] = user
	s.outbox = append(s.outbox, evt)
	return nil
}

// RemoveMember implements domain.FamilyStore.
func (s *Store) RemoveMember(ctx context.Context, familyID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok || !user.InFamily(familyID) {
		return nil
	}
	user.FamilyID = nil
	s.users[userID] = user
	return nil
}

// SaveFamilyCache implements domain.FamilyStore.
func (s *Store) SaveFamilyCache(ctx context.Context, familyID string, cache domain.PointsCache) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	family, ok := s.families[familyID]
	if !ok {
		return false, nil
	}
	if family.Cache.ComputedAt.After(cache.ComputedAt) {
		return true, nil
	}
	family.Cache = cache
	s.families[familyID] = family
	return true, nil
}

// SetDailyGoal implements domain.FamilyStore.
func (s *Store) SetDailyGoal(ctx context.Context, familyID string, goal domain.DailyGoal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	family, ok := s.families[familyID]
	if !ok {
		return fmt.Errorf("family %s not found", familyID)
	}
	family.Goal = &goal
	s.families[familyID] = family
	return nil
}

// entriesOf returns copies of userID's entries accepted by keep. Callers hold mu.
func (s *Store) entriesOf(userID string, keep func(domain.LedgerEntry) bool) []domain.LedgerEntry {
	out := make([]domain.LedgerEntry, 0)
	for _, e := range s.entries {
		if e.UserID == userID && keep(e) {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

// withMembers fills MemberIDs from the users' family references. Callers hold mu.
func (s *Store) withMembers(family domain.Family) domain.Family {
	family = cloneFamily(family)
	family.MemberIDs = make([]string, 0)
	for id, user := range s.users {
		if user.InFamily(family.ID) {
			family.MemberIDs = append(family.MemberIDs, id)
		}
	}
	sort.Strings(family.MemberIDs)
	return family
}

func newerFirst(a, b domain.LedgerEntry) bool {
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.After(b.SubmittedAt)
	}
	return a.ID > b.ID
}

func cloneLines(lines []domain.SubtaskLine) []domain.SubtaskLine {
	return append([]domain.SubtaskLine(nil), lines...)
}

func cloneEntry(e domain.LedgerEntry) domain.LedgerEntry {
	e.Subtasks = cloneLines(e.Subtasks)
	return e
}

func cloneUser(u domain.User) domain.User {
	if u.FamilyID != nil {
		id := *u.FamilyID
		u.FamilyID = &id
	}
	return u
}

func cloneFamily(f domain.Family) domain.Family {
	f.MemberIDs = append([]string(nil), f.MemberIDs...)
	if f.Goal != nil {
		goal := *f.Goal
		f.Goal = &goal
	}
	return f
}
