// Package postgres implements domain.Store on PostgreSQL with a transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"example.com/sadhana/internal/domain"
	"example.com/sadhana/internal/events"
	"example.com/sadhana/internal/outbox"
	"example.com/sadhana/internal/persistence"
)

// Numeric columns travel as text in both directions so decimal values never pass
// through float64.

const (
	pgUniqueViolation = "23505"

	userColumns   = `user_id, username, display_name, password_hash, family_id, profile_image, push_token, created_at`
	entryColumns  = `entry_id, user_id, submitted_at, subtasks, total_units::text, total_points::text, created_at, updated_at`
	familyColumns = `family_id, name, join_code, cache_total::text, cache_units::text, cache_window_start, cache_window_end,
        cache_computed_at, goal_target::text, goal_name, goal_date, created_at`
)

// Repository provides Postgres-backed persistence for the catalog, ledger, users,
// families and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

var _ domain.Store = (*Repository)(nil)

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SeedCatalog inserts the definitions that are not in the catalog yet.
func (r *Repository) SeedCatalog(ctx context.Context, defs []domain.ActivityDefinition) error {
	batch := &pgx.Batch{}
	for _, def := range defs {
		batch.Queue(`INSERT INTO activities (name, display_name, category, point_value, progress, updated_at)
            VALUES ($1,$2,$3,$4::numeric,0,NOW()) ON CONFLICT (name) DO NOTHING`,
			def.Name, def.DisplayName, string(def.Category), def.PointValue.String())
	}
	return r.pool.SendBatch(ctx, batch).Close()
}

// ListActivities implements domain.CatalogStore.
func (r *Repository) ListActivities(ctx context.Context) ([]domain.ActivityDefinition, error) {
	rows, err := r.pool.Query(ctx, `SELECT name, display_name, category, point_value::text, progress::text, updated_at
        FROM activities ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defs := make([]domain.ActivityDefinition, 0)
	for rows.Next() {
		def, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// GetActivity implements domain.CatalogStore.
func (r *Repository) GetActivity(ctx context.Context, name string) (*domain.ActivityDefinition, error) {
	row := r.pool.QueryRow(ctx, `SELECT name, display_name, category, point_value::text, progress::text, updated_at
        FROM activities WHERE name=$1`, name)
	def, err := scanActivity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// UpsertActivity implements domain.CatalogStore. Progress is left untouched.
func (r *Repository) UpsertActivity(ctx context.Context, def domain.ActivityDefinition) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO activities (name, display_name, category, point_value, progress, updated_at)
        VALUES ($1,$2,$3,$4::numeric,0,$5)
        ON CONFLICT (name) DO UPDATE SET
            display_name = EXCLUDED.display_name,
            category = EXCLUDED.category,
            point_value = EXCLUDED.point_value,
            updated_at = EXCLUDED.updated_at`,
		def.Name, def.DisplayName, string(def.Category), def.PointValue.String(), def.UpdatedAt)
	return err
}

// CreateLedgerEntry persists the entry, bumps catalog progress and records the
// ledger.submitted event inside a single transaction.
func (r *Repository) CreateLedgerEntry(ctx context.Context, entry domain.LedgerEntry, familyID string) (err error) {
	subtasks, err := json.Marshal(entry.Subtasks)
	if err != nil {
		return fmt.Errorf("marshal subtasks: %w", err)
	}
	evt, err := persistence.LedgerSubmittedEvent(entry, familyID)
	if err != nil {
		return err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx, `INSERT INTO ledger_entries (entry_id, user_id, submitted_at, subtasks, total_units, total_points, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5::numeric,$6::numeric,$7,$8)`,
		entry.ID,
		entry.UserID,
		entry.SubmittedAt,
		subtasks,
		entry.Summary.TotalUnitCount.String(),
		entry.Summary.TotalPoints.String(),
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}

	for _, line := range entry.Subtasks {
		if _, err = tx.Exec(ctx, `UPDATE activities SET progress = progress + $2::numeric WHERE name=$1`,
			line.Activity, line.Count.String()); err != nil {
			return err
		}
	}

	if err = insertOutbox(ctx, tx, "ledger_entry", evt, entry.ID+":"+evt.Type); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetLedgerEntry implements domain.LedgerStore.
func (r *Repository) GetLedgerEntry(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE entry_id=$1`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ReplaceSubtasks implements domain.LedgerStore.
func (r *Repository) ReplaceSubtasks(ctx context.Context, entry domain.LedgerEntry) error {
	subtasks, err := json.Marshal(entry.Subtasks)
	if err != nil {
		return fmt.Errorf("marshal subtasks: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `UPDATE ledger_entries
        SET subtasks=$2, total_units=$3::numeric, total_points=$4::numeric, updated_at=$5
        WHERE entry_id=$1`,
		entry.ID, subtasks, entry.Summary.TotalUnitCount.String(), entry.Summary.TotalPoints.String(), entry.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ledger entry %s not found", entry.ID)
	}
	return nil
}

// DeleteLedgerEntry implements domain.LedgerStore.
func (r *Repository) DeleteLedgerEntry(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM ledger_entries WHERE entry_id=$1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListLedgerEntries returns a user's entries newest first.
func (r *Repository) ListLedgerEntries(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.LedgerEntry, *domain.Cursor, error) {
	args := []any{userID, limit + 1}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE user_id=$1`
	if cursor != nil {
		query += ` AND (submitted_at, entry_id) < ($3, $4)`
		args = append(args, cursor.SubmittedAt, cursor.ID)
	}
	query += ` ORDER BY submitted_at DESC, entry_id DESC LIMIT $2`

	results, err := r.queryEntries(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(results) > limit {
		results = results[:limit]
		last := results[len(results)-1]
		next = &domain.Cursor{SubmittedAt: last.SubmittedAt, ID: last.ID}
	}
	return results, next, nil
}

// ListLedgerEntriesInWindow implements domain.LedgerStore.
func (r *Repository) ListLedgerEntriesInWindow(ctx context.Context, userID string, w domain.Window) ([]domain.LedgerEntry, error) {
	return r.queryEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries
        WHERE user_id=$1 AND submitted_at >= $2 AND submitted_at < $3
        ORDER BY submitted_at DESC, entry_id DESC`, userID, w.Start, w.End)
}

// SumByUser implements domain.LedgerStore.
func (r *Repository) SumByUser(ctx context.Context, userIDs []string, w domain.Window) (map[string]domain.Totals, error) {
	sums := make(map[string]domain.Totals)
	if userIDs != nil && len(userIDs) == 0 {
		return sums, nil
	}

	args := []any{w.Start, w.End}
	query := `SELECT user_id, SUM(total_points)::text, SUM(total_units)::text, COUNT(*)
        FROM ledger_entries WHERE submitted_at >= $1 AND submitted_at < $2`
	if userIDs != nil {
		query += ` AND user_id = ANY($3)`
		args = append(args, userIDs)
	}
	query += ` GROUP BY user_id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			userID        string
			points, units string
			count         int
		)
		if err := rows.Scan(&userID, &points, &units, &count); err != nil {
			return nil, err
		}
		t := domain.Totals{Entries: count}
		if t.Points, err = decimal.NewFromString(points); err != nil {
			return nil, err
		}
		if t.Units, err = decimal.NewFromString(units); err != nil {
			return nil, err
		}
		sums[userID] = t
	}
	return sums, rows.Err()
}

// CreateUser implements domain.UserStore.
func (r *Repository) CreateUser(ctx context.Context, user domain.User) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO users (user_id, username, display_name, password_hash, family_id, profile_image, push_token, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		user.ID, user.Username, user.DisplayName, user.PasswordHash, user.FamilyID, user.ProfileImage, user.PushToken, user.CreatedAt)
	return mapError(err)
}

// GetUser implements domain.UserStore.
func (r *Repository) GetUser(ctx context.Context, id string) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id=$1`, id)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUsers implements domain.UserStore.
func (r *Repository) GetUsers(ctx context.Context, ids []string) ([]domain.User, error) {
	if len(ids) == 0 {
		return []domain.User{}, nil
	}
	return r.queryUsers(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ANY($1)`, ids)
}

// SetPushToken implements domain.UserStore.
func (r *Repository) SetPushToken(ctx context.Context, userID, token string) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET push_token=$2 WHERE user_id=$1`, userID, token)
	return err
}

// ListUsersWithPushTokens implements domain.UserStore.
func (r *Repository) ListUsersWithPushTokens(ctx context.Context) ([]domain.User, error) {
	return r.queryUsers(ctx, `SELECT `+userColumns+` FROM users WHERE push_token <> '' ORDER BY user_id`)
}

// CreateFamily writes the family and moves the creator into it in one transaction.
func (r *Repository) CreateFamily(ctx context.Context, family domain.Family, creatorID string) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `INSERT INTO families (family_id, name, join_code, created_at) VALUES ($1,$2,$3,$4)`,
		family.ID, family.Name, family.JoinCode, family.CreatedAt); err != nil {
		return mapError(err)
	}
	if err = joinTx(ctx, tx, family.ID, creatorID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetFamily implements domain.FamilyStore.
func (r *Repository) GetFamily(ctx context.Context, id string) (*domain.Family, error) {
	return r.getFamily(ctx, `SELECT `+familyColumns+` FROM families WHERE family_id=$1`, id)
}

// GetFamilyByCode implements domain.FamilyStore.
func (r *Repository) GetFamilyByCode(ctx context.Context, code string) (*domain.Family, error) {
	return r.getFamily(ctx, `SELECT `+familyColumns+` FROM families WHERE join_code=$1`, code)
}

// ListFamilies implements domain.FamilyStore.
func (r *Repository) ListFamilies(ctx context.Context) ([]domain.Family, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+familyColumns+` FROM families ORDER BY created_at, family_id`)
	if err != nil {
		return nil, err
	}
	families := make([]domain.Family, 0)
	for rows.Next() {
		family, err := scanFamily(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		families = append(families, family)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	members, err := r.pool.Query(ctx, `SELECT family_id, user_id FROM users WHERE family_id IS NOT NULL ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer members.Close()

	byFamily := make(map[string][]string)
	for members.Next() {
		var familyID, userID string
		if err := members.Scan(&familyID, &userID); err != nil {
			return nil, err
		}
		byFamily[familyID] = append(byFamily[familyID], userID)
	}
	if err := members.Err(); err != nil {
		return nil, err
	}

	for i := range families {
		families[i].MemberIDs = append([]string{}, byFamily[families[i].ID]...)
	}
	return families, nil
}

// AddMember points the user at the family and records family.member_joined.
func (r *Repository) AddMember(ctx context.Context, familyID, userID string, at time.Time) (err error) {
	evt, err := persistence.MemberJoinedEvent(familyID, userID, at)
	if err != nil {
		return err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if err = joinTx(ctx, tx, familyID, userID); err != nil {
		return err
	}
	dedupe := fmt.Sprintf("%s:%s:%s:%d", familyID, userID, evt.Type, at.UnixNano())
	if err = insertOutbox(ctx, tx, "family", evt, dedupe); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RemoveMember implements domain.FamilyStore.
func (r *Repository) RemoveMember(ctx context.Context, familyID, userID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET family_id=NULL WHERE user_id=$1 AND family_id=$2`, userID, familyID)
	return err
}

// SaveFamilyCache replaces all cache columns in one statement. A cache computed before
// the stored one is ignored.
func (r *Repository) SaveFamilyCache(ctx context.Context, familyID string, cache domain.PointsCache) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE families
        SET cache_total=$2::numeric, cache_units=$3::numeric, cache_window_start=$4, cache_window_end=$5, cache_computed_at=$6
        WHERE family_id=$1 AND (cache_computed_at IS NULL OR cache_computed_at <= $6)`,
		familyID, cache.Total.String(), cache.Units.String(), cache.Window.Start, cache.Window.End, cache.ComputedAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM families WHERE family_id=$1)`, familyID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// SetDailyGoal implements domain.FamilyStore.
func (r *Repository) SetDailyGoal(ctx context.Context, familyID string, goal domain.DailyGoal) error {
	tag, err := r.pool.Exec(ctx, `UPDATE families SET goal_target=$2::numeric, goal_name=$3, goal_date=$4 WHERE family_id=$1`,
		familyID, goal.Target.String(), goal.Name, goal.Date)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("family %s not found", familyID)
	}
	return nil
}

func (r *Repository) getFamily(ctx context.Context, query string, arg string) (*domain.Family, error) {
	family, err := scanFamily(r.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `SELECT user_id FROM users WHERE family_id=$1 ORDER BY user_id`, family.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	family.MemberIDs = make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		family.MemberIDs = append(family.MemberIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &family, nil
}

func (r *Repository) queryEntries(ctx context.Context, query string, args ...any) ([]domain.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, entry)
	}
	return results, rows.Err()
}

func (r *Repository) queryUsers(ctx context.Context, query string, args ...any) ([]domain.User, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// joinTx sets the user's family reference unless it already has one.
func joinTx(ctx context.Context, tx pgx.Tx, familyID, userID string) error {
	tag, err := tx.Exec(ctx, `UPDATE users SET family_id=$1 WHERE user_id=$2 AND family_id IS NULL`, familyID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE user_id=$1)`, userID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("user %s not found", userID)
	}
	return domain.ErrAlreadyMember
}

func insertOutbox(ctx context.Context, tx pgx.Tx, aggregateType string, evt events.Envelope, dedupeKey string) error {
	route, ok := outbox.RouteFor(evt.Type)
	if !ok {
		return fmt.Errorf("unknown event type: %s", evt.Type)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := tx.Exec(ctx, stmt,
		aggregateType,
		evt.AggregateID,
		evt.Type,
		route.Topic,
		route.SchemaSubject,
		evt.AggregateID,
		evt.Payload,
		dedupeKey,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanActivity(row scanner) (domain.ActivityDefinition, error) {
	var (
		def              domain.ActivityDefinition
		category         string
		points, progress string
	)
	if err := row.Scan(&def.Name, &def.DisplayName, &category, &points, &progress, &def.UpdatedAt); err != nil {
		return domain.ActivityDefinition{}, err
	}
	def.Category = domain.Category(category)
	var err error
	if def.PointValue, err = decimal.NewFromString(points); err != nil {
		return domain.ActivityDefinition{}, err
	}
	if def.Progress, err = decimal.NewFromString(progress); err != nil {
		return domain.ActivityDefinition{}, err
	}
	return def, nil
}

func scanEntry(row scanner) (domain.LedgerEntry, error) {
	var (
		entry         domain.LedgerEntry
		subtasks      []byte
		units, points string
	)
	if err := row.Scan(&entry.ID, &entry.UserID, &entry.SubmittedAt, &subtasks, &units, &points, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := json.Unmarshal(subtasks, &entry.Subtasks); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("decode subtasks of %s: %w", entry.ID, err)
	}
	var err error
	if entry.Summary.TotalUnitCount, err = decimal.NewFromString(units); err != nil {
		return domain.LedgerEntry{}, err
	}
	if entry.Summary.TotalPoints, err = decimal.NewFromString(points); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

func scanUser(row scanner) (domain.User, error) {
	var user domain.User
	err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &user.PasswordHash, &user.FamilyID,
		&user.ProfileImage, &user.PushToken, &user.CreatedAt)
	return user, err
}

func scanFamily(row scanner) (domain.Family, error) {
	var (
		family                       domain.Family
		total, units                 string
		windowStart, windowEnd       *time.Time
		computedAt                   *time.Time
		goalTarget, goalName, goalOn *string
	)
	if err := row.Scan(&family.ID, &family.Name, &family.JoinCode, &total, &units, &windowStart, &windowEnd,
		&computedAt, &goalTarget, &goalName, &goalOn, &family.CreatedAt); err != nil {
		return domain.Family{}, err
	}

	var err error
	if family.Cache.Total, err = decimal.NewFromString(total); err != nil {
		return domain.Family{}, err
	}
	if family.Cache.Units, err = decimal.NewFromString(units); err != nil {
		return domain.Family{}, err
	}
	if windowStart != nil && windowEnd != nil {
		family.Cache.Window = domain.Window{Start: *windowStart, End: *windowEnd}
	}
	if computedAt != nil {
		family.Cache.ComputedAt = *computedAt
	}

	if goalTarget != nil {
		target, err := decimal.NewFromString(*goalTarget)
		if err != nil {
			return domain.Family{}, err
		}
		goal := domain.DailyGoal{Target: target}
		if goalName != nil {
			goal.Name = *goalName
		}
		if goalOn != nil {
			goal.Date = *goalOn
		}
		family.Goal = &goal
	}
	return family, nil
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return domain.ErrDuplicate
	}
	return err
}
