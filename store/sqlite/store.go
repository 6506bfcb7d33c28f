// Package sqlite implements store.Store on SQLite via database/sql.
//
// Atomicity mapping: the dedup ledger relies on the webhook_events primary
// key; ApplyEvent runs ledger insert and entitlement upsert in one
// transaction (the DSN takes write locks up front via _txlock=immediate);
// ConsumeCredit is a single guarded UPDATE so concurrent callers for the
// same user serialize on the row.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	metering "github.com/resumly/metering"
	"github.com/resumly/metering/entitlement"
	"github.com/resumly/metering/plan"
	meteringstore "github.com/resumly/metering/store"
	"github.com/resumly/metering/usage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// compile-time interface check
var _ meteringstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

// Open opens a SQLite database at path with the pragmas the metering core
// needs: WAL for concurrent readers, a busy timeout instead of immediate
// SQLITE_BUSY failures, and immediate transactions so write locks are
// taken at BEGIN.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_loc=UTC", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("metering/sqlite: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("metering/sqlite: ping: %w", err)
	}
	return New(db), nil
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate applies embedded schema migrations.
func (s *Store) Migrate(context.Context) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("metering/sqlite: load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("metering/sqlite: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("metering/sqlite: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("metering/sqlite: %w: %v", metering.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Webhook Dedup Ledger ====================

func (s *Store) ApplyEvent(ctx context.Context, eventID, userID string, processedAt time.Time, fn meteringstore.ApplyFunc) error {
	if eventID == "" {
		return metering.ErrEmptyEventID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metering/sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	res, err := tx.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, processed_at) VALUES (?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, processedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("metering/sqlite: admit event %s: %w", eventID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return metering.ErrDuplicateEvent
	}

	cur, err := getEntitlementTx(ctx, tx, userID)
	if err != nil && !errors.Is(err, metering.ErrEntitlementNotFound) {
		return err
	}

	next, err := fn(cur)
	if err != nil {
		// Roll the ledger row back with the rest: redelivery retries the
		// whole unit.
		return err
	}
	if next != nil {
		if err := upsertEntitlementTx(ctx, tx, next); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metering/sqlite: %w: %v", metering.ErrTransactionFailed, err)
	}
	return nil
}

func (s *Store) HasEvent(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM webhook_events WHERE event_id = ?`, eventID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE processed_at < ?`, before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ==================== Entitlement Store ====================

func (s *Store) GetEntitlement(ctx context.Context, userID string) (*entitlement.Entitlement, error) {
	return scanEntitlement(s.db.QueryRowContext(ctx, selectEntitlement, userID))
}

func (s *Store) CreateEntitlement(ctx context.Context, ent *entitlement.Entitlement) error {
	features, err := marshalFeatures(ent.Features)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entitlements
		   (user_id, plan, status, features, free_weekly_credits_remaining,
		    last_weekly_reset, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		ent.UserID, string(ent.Plan), string(ent.Status), features,
		ent.FreeWeeklyCreditsRemaining, nullTime(ent.LastWeeklyReset),
		nullTime(ent.ExpiresAt), ent.CreatedAt.UTC(), ent.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("metering/sqlite: create entitlement %s: %w", ent.UserID, err)
	}
	return nil
}

// consumeCredit folds the lazy weekly reset and the conditional decrement
// into one UPDATE. The WHERE guard is what keeps the balance non-negative
// under any interleaving: the statement affects zero rows when the balance
// is already zero after any due reset.
const consumeCredit = `
UPDATE entitlements SET
    free_weekly_credits_remaining = CASE
        WHEN last_weekly_reset IS NULL OR last_weekly_reset <= ?1 THEN ?2 - 1
        ELSE free_weekly_credits_remaining - 1
    END,
    last_weekly_reset = CASE
        WHEN last_weekly_reset IS NULL OR last_weekly_reset <= ?1 THEN ?3
        ELSE last_weekly_reset
    END,
    updated_at = ?3
WHERE user_id = ?4
  AND CASE
        WHEN last_weekly_reset IS NULL OR last_weekly_reset <= ?1 THEN ?2 > 0
        ELSE free_weekly_credits_remaining > 0
      END
RETURNING free_weekly_credits_remaining, last_weekly_reset`

func (s *Store) ConsumeCredit(ctx context.Context, userID string, now, resetCutoff time.Time, allotment int) (int, bool, error) {
	now = now.UTC()

	var remaining int
	var lastReset sql.NullTime
	err := s.db.QueryRowContext(ctx, consumeCredit,
		resetCutoff.UTC(), allotment, now, userID,
	).Scan(&remaining, &lastReset)
	if errors.Is(err, sql.ErrNoRows) {
		// Zero rows: either the user has no row, or the balance is spent.
		exists, checkErr := s.entitlementExists(ctx, userID)
		if checkErr != nil {
			return 0, false, checkErr
		}
		if !exists {
			return 0, false, metering.ErrEntitlementNotFound
		}
		return 0, false, metering.ErrQuotaExhausted
	}
	if err != nil {
		return 0, false, fmt.Errorf("metering/sqlite: consume credit for %s: %w", userID, err)
	}

	resetApplied := lastReset.Valid && lastReset.Time.Equal(now)
	return remaining, resetApplied, nil
}

func (s *Store) entitlementExists(ctx context.Context, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM entitlements WHERE user_id = ?`, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ==================== Usage Log ====================

func (s *Store) AppendUsage(ctx context.Context, records []*usage.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO api_usage (id, user_id, route, created_at) VALUES (?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ID.String(), r.UserID, r.Route, r.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("metering/sqlite: append usage: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) QueryUsage(ctx context.Context, userID string, opts usage.QueryOpts) ([]*usage.Record, error) {
	query := `SELECT id, user_id, route, created_at FROM api_usage WHERE user_id = ?`
	args := []any{userID}

	if opts.Route != "" {
		query += ` AND route = ?`
		args = append(args, opts.Route)
	}
	if !opts.Start.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, opts.Start.UTC())
	}
	if !opts.End.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, opts.End.UTC())
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*usage.Record
	for rows.Next() {
		var r usage.Record
		var rawID string
		if err := rows.Scan(&rawID, &r.UserID, &r.Route, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := r.ID.UnmarshalText([]byte(rawID)); err != nil {
			return nil, err
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

func (s *Store) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM api_usage WHERE created_at < ?`, before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ==================== row mapping ====================

const selectEntitlement = `
SELECT user_id, plan, status, features, free_weekly_credits_remaining,
       last_weekly_reset, expires_at, created_at, updated_at
FROM entitlements WHERE user_id = ?`

type rowScanner interface {
	Scan(dest ...any) error
}

func getEntitlementTx(ctx context.Context, tx *sql.Tx, userID string) (*entitlement.Entitlement, error) {
	return scanEntitlement(tx.QueryRowContext(ctx, selectEntitlement, userID))
}

func scanEntitlement(row rowScanner) (*entitlement.Entitlement, error) {
	var (
		ent       entitlement.Entitlement
		planStr   string
		statusStr string
		features  string
		lastReset sql.NullTime
		expiresAt sql.NullTime
	)
	err := row.Scan(&ent.UserID, &planStr, &statusStr, &features,
		&ent.FreeWeeklyCreditsRemaining, &lastReset, &expiresAt,
		&ent.CreatedAt, &ent.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, metering.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metering/sqlite: scan entitlement: %w", err)
	}

	ent.Plan = plan.Plan(planStr)
	ent.Status = entitlement.Status(statusStr)
	if features != "" {
		if err := json.Unmarshal([]byte(features), &ent.Features); err != nil {
			return nil, fmt.Errorf("metering/sqlite: decode features: %w", err)
		}
	}
	if lastReset.Valid {
		t := lastReset.Time.UTC()
		ent.LastWeeklyReset = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		ent.ExpiresAt = &t
	}
	return &ent, nil
}

func upsertEntitlementTx(ctx context.Context, tx *sql.Tx, ent *entitlement.Entitlement) error {
	features, err := marshalFeatures(ent.Features)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entitlements
		   (user_id, plan, status, features, free_weekly_credits_remaining,
		    last_weekly_reset, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   plan = excluded.plan,
		   status = excluded.status,
		   features = excluded.features,
		   free_weekly_credits_remaining = excluded.free_weekly_credits_remaining,
		   last_weekly_reset = excluded.last_weekly_reset,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		ent.UserID, string(ent.Plan), string(ent.Status), features,
		ent.FreeWeeklyCreditsRemaining, nullTime(ent.LastWeeklyReset),
		nullTime(ent.ExpiresAt), ent.CreatedAt.UTC(), ent.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("metering/sqlite: upsert entitlement %s: %w", ent.UserID, err)
	}
	return nil
}

func marshalFeatures(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("metering/sqlite: encode features: %w", err)
	}
	return string(b), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
