// Package domain defines the ledger, window, aggregation and family logic of the
// sadhana points service.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"example.com/sadhana/internal/observability"
)

const maxJoinCodeAttempts = 5

// Options tunes a Service.
type Options struct {
	// RollupOnEveryWrite also rolls up the owner's family after a subtask edit or an
	// entry deletion. Submissions always roll up.
	RollupOnEveryWrite bool
	// QueryTimeout bounds each aggregation; zero means the caller's deadline only.
	QueryTimeout time.Duration
	Logger       *logrus.Entry
	NewID        func() string
}

// Service orchestrates ledger, membership and leaderboard workflows.
type Service struct {
	store  Store
	clock  DayClock
	engine *Engine
	rollup *Rollup
	opts   Options
	log    *logrus.Entry
}

// NewService constructs a Service.
func NewService(store Store, clock DayClock, opts Options) *Service {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	engine := NewEngine(store, opts.QueryTimeout)
	return &Service{
		store:  store,
		clock:  clock,
		engine: engine,
		rollup: NewRollup(engine, store, clock),
		opts:   opts,
		log:    log.WithField("component", "domain"),
	}
}

// Engine exposes the aggregation engine.
func (s *Service) Engine() *Engine { return s.engine }

// Clock exposes the configured day clock.
func (s *Service) Clock() DayClock { return s.clock }

// ---- users ----

// RegisterUserInput carries a new account.
type RegisterUserInput struct {
	Username    string
	DisplayName string
	Password    string
}

// RegisterUser creates an account with a bcrypt credential hash.
func (s *Service) RegisterUser(ctx context.Context, input RegisterUserInput) (*User, error) {
	username := strings.ToLower(strings.TrimSpace(input.Username))
	if username == "" {
		return nil, validationf("username is required")
	}
	if len(input.Password) < 8 {
		return nil, validationf("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, validationf("password cannot be hashed: %v", err)
	}

	user := User{
		ID:           s.opts.NewID(),
		Username:     username,
		DisplayName:  strings.TrimSpace(input.DisplayName),
		PasswordHash: string(hash),
		CreatedAt:    s.clock.Current().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, conflict("username already taken")
		}
		return nil, transient("create user", err)
	}
	return &user, nil
}

// GetUser fetches a user by id.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, transient("load user", err)
	}
	if user == nil {
		return nil, notFound("user", id)
	}
	return user, nil
}

// SetPushToken stores or clears the actor's push-notification token.
func (s *Service) SetPushToken(ctx context.Context, actorID, token string) error {
	if _, err := s.GetUser(ctx, actorID); err != nil {
		return err
	}
	if err := s.store.SetPushToken(ctx, actorID, strings.TrimSpace(token)); err != nil {
		return transient("set push token", err)
	}
	return nil
}

// ---- catalog ----

// ListActivities returns the activity catalog.
func (s *Service) ListActivities(ctx context.Context) ([]ActivityDefinition, error) {
	defs, err := s.store.ListActivities(ctx)
	if err != nil {
		return nil, transient("list activities", err)
	}
	return defs, nil
}

// GetActivity looks up a catalog activity by name.
func (s *Service) GetActivity(ctx context.Context, name string) (*ActivityDefinition, error) {
	def, err := s.store.GetActivity(ctx, ActivityKey(name))
	if err != nil {
		return nil, transient("load activity", err)
	}
	if def == nil {
		return nil, notFound("activity", name)
	}
	return def, nil
}

// UpsertActivity adds or replaces a catalog row. Existing progress is kept and
// existing ledger lines keep the point value they were created with.
func (s *Service) UpsertActivity(ctx context.Context, def ActivityDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	def.Name = ActivityKey(def.Name)
	if def.DisplayName == "" {
		def.DisplayName = def.Name
	}
	def.UpdatedAt = s.clock.Current().UTC()
	if err := s.store.UpsertActivity(ctx, def); err != nil {
		return transient("upsert activity", err)
	}
	return nil
}

// ---- ledger ----

// SubmitInput carries one submission batch.
type SubmitInput struct {
	UserID      string
	Subtasks    []SubtaskInput
	SubmittedAt time.Time // zero means now; otherwise must fall in today's window, not after now
}

// SubmitLedgerEntry validates, prices and persists a batch, then rolls up the
// submitter's family.
func (s *Service) SubmitLedgerEntry(ctx context.Context, input SubmitInput) (*LedgerEntry, error) {
	if err := ValidateSubtasks(input.Subtasks); err != nil {
		return nil, err
	}
	user, err := s.GetUser(ctx, input.UserID)
	if err != nil {
		return nil, err
	}

	lines := make([]SubtaskLine, 0, len(input.Subtasks))
	for _, in := range input.Subtasks {
		def, err := s.store.GetActivity(ctx, ActivityKey(in.Task))
		if err != nil {
			return nil, transient("load activity", err)
		}
		line, err := resolveLine(s.opts.NewID(), in, def)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}

	submittedAt, err := s.submissionTime(input.SubmittedAt)
	if err != nil {
		return nil, err
	}
	entry := NewLedgerEntry(s.opts.NewID(), user.ID, submittedAt.UTC(), lines)

	familyID := ""
	if user.FamilyID != nil {
		familyID = *user.FamilyID
	}
	if err := s.store.CreateLedgerEntry(ctx, entry, familyID); err != nil {
		return nil, transient("create ledger entry", err)
	}
	observability.RecordLedgerWrite("create")
	observability.RecordLedgerPersisted(entry.CreatedAt)

	s.rollupQuietly(ctx, familyID)
	return &entry, nil
}

// submissionTime stamps an entry. A client-supplied time may only backdate within
// the current daily window.
func (s *Service) submissionTime(requested time.Time) (time.Time, error) {
	now := s.clock.Current()
	if requested.IsZero() {
		return now, nil
	}
	if requested.After(now) {
		return time.Time{}, validationf("submitted_at %s is in the future", requested.UTC().Format(time.RFC3339))
	}
	today, err := s.clock.Today()
	if err != nil {
		return time.Time{}, err
	}
	if requested.Before(today.Start) {
		return time.Time{}, validationf("submitted_at %s is before the current day (%s)", requested.UTC().Format(time.RFC3339), today.Date())
	}
	return requested, nil
}

// GetLedgerEntry returns an entry the actor may view: its own, or a family member's.
func (s *Service) GetLedgerEntry(ctx context.Context, actorID, entryID string) (*LedgerEntry, error) {
	entry, err := s.loadEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeView(ctx, actorID, entry.UserID); err != nil {
		return nil, err
	}
	return entry, nil
}

// ListLedgerEntries pages through a user's entries, newest first.
func (s *Service) ListLedgerEntries(ctx context.Context, actorID, userID string, cursor *Cursor, limit int) ([]LedgerEntry, *Cursor, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if err := s.authorizeView(ctx, actorID, userID); err != nil {
		return nil, nil, err
	}
	entries, next, err := s.store.ListLedgerEntries(ctx, userID, cursor, limit)
	if err != nil {
		return nil, nil, transient("list ledger entries", err)
	}
	return entries, next, nil
}

// TodayEntries returns a user's entries in the current daily window.
func (s *Service) TodayEntries(ctx context.Context, actorID, userID string) ([]LedgerEntry, Window, error) {
	if err := s.authorizeView(ctx, actorID, userID); err != nil {
		return nil, Window{}, err
	}
	w, err := s.clock.Today()
	if err != nil {
		return nil, Window{}, err
	}
	entries, err := s.store.ListLedgerEntriesInWindow(ctx, userID, w)
	if err != nil {
		return nil, Window{}, transient("list ledger entries", err)
	}
	return entries, w, nil
}

// UpdateSubtaskCount edits one line of the actor's own entry and persists the
// recomputed Summary with it.
func (s *Service) UpdateSubtaskCount(ctx context.Context, actorID, entryID, subtaskID string, count decimal.Decimal) (*LedgerEntry, error) {
	if !count.IsPositive() {
		return nil, validationf("count must be > 0")
	}
	entry, err := s.loadEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.UserID != actorID {
		return nil, forbidden("only the owner can edit a ledger entry")
	}
	if err := entry.SetSubtaskCount(subtaskID, count, s.clock.Current().UTC()); err != nil {
		return nil, err
	}
	if err := s.store.ReplaceSubtasks(ctx, *entry); err != nil {
		return nil, transient("update ledger entry", err)
	}
	observability.RecordLedgerWrite("update")

	if s.opts.RollupOnEveryWrite {
		s.rollupOwnerFamily(ctx, actorID)
	}
	return entry, nil
}

// DeleteLedgerEntry removes the actor's own entry. The family cache is not refreshed
// unless RollupOnEveryWrite is set.
func (s *Service) DeleteLedgerEntry(ctx context.Context, actorID, entryID string) error {
	entry, err := s.loadEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.UserID != actorID {
		return forbidden("only the owner can delete a ledger entry")
	}
	removed, err := s.store.DeleteLedgerEntry(ctx, entryID)
	if err != nil {
		return transient("delete ledger entry", err)
	}
	if !removed {
		return notFound("ledger entry", entryID)
	}
	observability.RecordLedgerWrite("delete")

	if s.opts.RollupOnEveryWrite {
		s.rollupOwnerFamily(ctx, actorID)
	}
	return nil
}

func (s *Service) loadEntry(ctx context.Context, entryID string) (*LedgerEntry, error) {
	entry, err := s.store.GetLedgerEntry(ctx, entryID)
	if err != nil {
		return nil, transient("load ledger entry", err)
	}
	if entry == nil {
		return nil, notFound("ledger entry", entryID)
	}
	return entry, nil
}

// authorizeView lets an actor read its own data or that of a fellow family member.
func (s *Service) authorizeView(ctx context.Context, actorID, ownerID string) error {
	if actorID == ownerID {
		return nil
	}
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return err
	}
	owner, err := s.GetUser(ctx, ownerID)
	if err != nil {
		return err
	}
	if actor.FamilyID == nil || !owner.InFamily(*actor.FamilyID) {
		return forbidden("not a member of the owner's family")
	}
	return nil
}

// ---- points and leaderboards ----

// Window resolves the n-day window ending today.
func (s *Service) Window(days int) (Window, error) {
	return s.clock.PastDays(days)
}

// UserPoints sums a user's points over the last days.
func (s *Service) UserPoints(ctx context.Context, userID string, days int) (Standing, Window, error) {
	w, err := s.Window(days)
	if err != nil {
		return Standing{}, Window{}, err
	}
	st, err := s.engine.UserTotals(ctx, userID, w)
	return st, w, err
}

// FamilyPoints sums a family's points over the last days.
func (s *Service) FamilyPoints(ctx context.Context, familyID string, days int) (Standing, Window, error) {
	w, err := s.Window(days)
	if err != nil {
		return Standing{}, Window{}, err
	}
	st, err := s.engine.FamilyTotals(ctx, familyID, w)
	return st, w, err
}

// FamilyLeaderboard ranks all families over the last days.
func (s *Service) FamilyLeaderboard(ctx context.Context, days int) ([]Standing, Window, error) {
	w, err := s.Window(days)
	if err != nil {
		return nil, Window{}, err
	}
	board, err := s.engine.FamilyLeaderboard(ctx, w)
	return board, w, err
}

// MemberLeaderboard ranks one family's members over the last days.
func (s *Service) MemberLeaderboard(ctx context.Context, familyID string, days int) ([]Standing, Window, error) {
	w, err := s.Window(days)
	if err != nil {
		return nil, Window{}, err
	}
	board, err := s.engine.MemberLeaderboard(ctx, familyID, w)
	return board, w, err
}

// UserLeaderboard ranks all users over the last days.
func (s *Service) UserLeaderboard(ctx context.Context, days, limit int) ([]Standing, Window, error) {
	w, err := s.Window(days)
	if err != nil {
		return nil, Window{}, err
	}
	board, err := s.engine.UserLeaderboard(ctx, w, limit)
	return board, w, err
}

// ---- families ----

// CreateFamily creates a family with a fresh join code and the actor as its first
// member, then rolls it up.
func (s *Service) CreateFamily(ctx context.Context, actorID, name string) (*Family, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationf("family name is required")
	}
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor.FamilyID != nil {
		return nil, conflict("leave your current family first")
	}

	family := Family{
		ID:        s.opts.NewID(),
		Name:      name,
		CreatedAt: s.clock.Current().UTC(),
	}
	for attempt := 1; ; attempt++ {
		code, err := NewJoinCode()
		if err != nil {
			return nil, transient("generate join code", err)
		}
		family.JoinCode = code

		err = s.store.CreateFamily(ctx, family, actorID)
		if err == nil {
			break
		}
		switch {
		case errors.Is(err, ErrAlreadyMember):
			return nil, conflict("leave your current family first")
		case errors.Is(err, ErrDuplicate):
			taken, lookupErr := s.store.GetFamilyByCode(ctx, code)
			if lookupErr != nil {
				return nil, transient("check join code", lookupErr)
			}
			if taken == nil {
				return nil, conflict("family name already taken")
			}
			if attempt >= maxJoinCodeAttempts {
				return nil, transient("allocate join code", err)
			}
		default:
			return nil, transient("create family", err)
		}
	}

	return s.rollupOrLoad(ctx, family.ID)
}

// JoinFamily adds the actor to the family identified by code.
func (s *Service) JoinFamily(ctx context.Context, actorID, code string) (*Family, error) {
	code = NormalizeJoinCode(code)
	if code == "" {
		return nil, validationf("join code is required")
	}
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor.FamilyID != nil {
		return nil, conflict("leave your current family first")
	}
	family, err := s.store.GetFamilyByCode(ctx, code)
	if err != nil {
		return nil, transient("load family", err)
	}
	if family == nil {
		return nil, notFound("family with join code", code)
	}

	if err := s.store.AddMember(ctx, family.ID, actorID, s.clock.Current().UTC()); err != nil {
		if errors.Is(err, ErrAlreadyMember) {
			return nil, conflict("leave your current family first")
		}
		return nil, transient("join family", err)
	}
	return s.rollupOrLoad(ctx, family.ID)
}

// LeaveFamily removes the actor from its family and rolls the family up.
func (s *Service) LeaveFamily(ctx context.Context, actorID string) error {
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return err
	}
	if actor.FamilyID == nil {
		return notFound("family of user", actorID)
	}
	familyID := *actor.FamilyID
	if err := s.store.RemoveMember(ctx, familyID, actorID); err != nil {
		return transient("leave family", err)
	}
	s.rollupQuietly(ctx, familyID)
	return nil
}

// GetFamily returns a family. With fresh set, the cached total is rolled up first.
func (s *Service) GetFamily(ctx context.Context, familyID string, fresh bool) (*Family, error) {
	if fresh {
		return s.rollup.Run(ctx, familyID)
	}
	family, err := s.store.GetFamily(ctx, familyID)
	if err != nil {
		return nil, transient("load family", err)
	}
	if family == nil {
		return nil, notFound("family", familyID)
	}
	return family, nil
}

// SetDailyGoal sets a member's family goal. An empty Date means today's window date.
func (s *Service) SetDailyGoal(ctx context.Context, actorID, familyID string, goal DailyGoal) (*Family, error) {
	if !goal.Target.IsPositive() {
		return nil, validationf("goal target must be > 0")
	}
	goal.Name = strings.TrimSpace(goal.Name)
	if goal.Date == "" {
		w, err := s.clock.Today()
		if err != nil {
			return nil, err
		}
		goal.Date = w.Date()
	} else if _, err := time.Parse("2006-01-02", goal.Date); err != nil {
		return nil, validationf("goal date must be YYYY-MM-DD")
	}

	family, err := s.GetFamily(ctx, familyID, false)
	if err != nil {
		return nil, err
	}
	if !family.HasMember(actorID) {
		return nil, forbidden("only members can set the family goal")
	}
	if err := s.store.SetDailyGoal(ctx, familyID, goal); err != nil {
		return nil, transient("set daily goal", err)
	}
	family.Goal = &goal
	return family, nil
}

// RollupFamily recomputes and persists the family's cached total for today.
func (s *Service) RollupFamily(ctx context.Context, familyID string) (*Family, error) {
	return s.rollup.Run(ctx, familyID)
}

// rollupOrLoad rolls up after a membership change. A failed roll-up does not undo the
// change; the family is returned with whatever cache it has.
func (s *Service) rollupOrLoad(ctx context.Context, familyID string) (*Family, error) {
	family, err := s.rollup.Run(ctx, familyID)
	if err == nil {
		return family, nil
	}
	s.log.WithError(err).WithField("family_id", familyID).Warn("family roll-up failed")
	return s.GetFamily(ctx, familyID, false)
}

// rollupQuietly rolls up a family whose total may have changed. The family may have
// been deleted concurrently, so a missing family is only logged.
func (s *Service) rollupQuietly(ctx context.Context, familyID string) {
	if familyID == "" {
		return
	}
	if _, err := s.rollup.Run(ctx, familyID); err != nil {
		entry := s.log.WithError(err).WithField("family_id", familyID)
		if errors.Is(err, ErrNotFound) {
			entry.Info("family gone before roll-up")
			return
		}
		entry.Warn("family roll-up failed")
	}
}

func (s *Service) rollupOwnerFamily(ctx context.Context, userID string) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil || user == nil || user.FamilyID == nil {
		return
	}
	s.rollupQuietly(ctx, *user.FamilyID)
}
