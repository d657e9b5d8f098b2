/*
Package sqlite provides a SQLite-backed loyalty.TxStore.

KEY TABLES:
  point_grants:  Append-only earn ledger
  reservations:  Holds, one row per ticket (pending or confirmed)

APPEND-ONLY ENFORCEMENT:
  There are no UPDATE or DELETE statements on point_grants.

INDEXES:
  - idx_reservations_ticket: UNIQUE(ticket_id); backs the one-hold-per-ticket rule
  - idx_reservations_customer: Balance reads (hot path)
  - idx_reservations_pending_expiry: Sweeper scans
  - idx_point_grants_customer: Earned totals

CONCURRENCY:
  SQLite allows one writer at a time. The pool is capped at a single
  connection, so WithCustomerTx runs BEGIN ... COMMIT with every other
  caller queued behind it. That is the per-customer atomic section
  Reserve needs (and more).

TIMESTAMPS:
  Stored as UTC unix nanoseconds so expiry comparisons are plain integer
  comparisons in SQL.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  manager := loyalty.NewManager(store, clock.NewSystem())

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/points-engine/loyalty"
)

// Store implements loyalty.TxStore using SQLite.
type Store struct {
	db *sql.DB
	conn
}

var _ loyalty.TxStore = (*Store)(nil)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: a single writer, and ":memory:" stays one database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, conn: conn{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return loyalty.NewStorageError("sqlite: ping", s.db.PingContext(ctx))
}

func (s *Store) migrate() error {
	schema := `
	-- Point grants (append-only ledger)
	CREATE TABLE IF NOT EXISTS point_grants (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		points INTEGER NOT NULL CHECK (points > 0),
		earned_at INTEGER NOT NULL,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_point_grants_customer
		ON point_grants(customer_id, earned_at);

	-- Reservations (holds and confirmed redemptions)
	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		ticket_id TEXT NOT NULL,
		points INTEGER NOT NULL CHECK (points > 0),
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		confirmed INTEGER NOT NULL DEFAULT 0,
		confirmed_at INTEGER
	);

	-- At most one reservation row per ticket. Expired pending rows are
	-- reclaimed before insert.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_ticket
		ON reservations(ticket_id);

	CREATE INDEX IF NOT EXISTS idx_reservations_customer
		ON reservations(customer_id, confirmed, expires_at);

	CREATE INDEX IF NOT EXISTS idx_reservations_pending_expiry
		ON reservations(expires_at) WHERE confirmed = 0;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithCustomerTx executes fn within a database transaction.
func (s *Store) WithCustomerTx(ctx context.Context, _ loyalty.CustomerID, fn func(loyalty.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return loyalty.NewStorageError("sqlite: begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}
	return loyalty.NewStorageError("sqlite: commit", sqlTx.Commit())
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements loyalty.Store over a querier; the Store uses the pool,
// WithCustomerTx callbacks get one bound to the transaction.
type conn struct {
	q querier
}

// =============================================================================
// GRANTS
// =============================================================================

func (c conn) AppendGrant(ctx context.Context, g loyalty.PointGrant) error {
	query := `
		INSERT INTO point_grants (id, customer_id, points, earned_at, reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.q.ExecContext(ctx, query,
		g.ID,
		g.CustomerID,
		g.Points,
		toNanos(g.EarnedAt),
		g.Reason,
		nullString(g.IdempotencyKey),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err, "point_grants.idempotency_key") {
			return loyalty.ErrDuplicateIdempotencyKey
		}
		return loyalty.NewStorageError("sqlite: append grant", err)
	}
	return nil
}

func (c conn) Grants(ctx context.Context, customerID loyalty.CustomerID) ([]loyalty.PointGrant, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, customer_id, points, earned_at, reason, idempotency_key
		FROM point_grants
		WHERE customer_id = ?
		ORDER BY earned_at ASC, id ASC
	`, customerID)
	if err != nil {
		return nil, loyalty.NewStorageError("sqlite: query grants", err)
	}
	defer rows.Close()

	var grants []loyalty.PointGrant
	for rows.Next() {
		var (
			g        loyalty.PointGrant
			earnedAt int64
			reason   sql.NullString
			idemKey  sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.CustomerID, &g.Points, &earnedAt, &reason, &idemKey); err != nil {
			return nil, loyalty.NewStorageError("sqlite: scan grant", err)
		}
		g.EarnedAt = fromNanos(earnedAt)
		g.Reason = reason.String
		g.IdempotencyKey = idemKey.String
		grants = append(grants, g)
	}
	return grants, loyalty.NewStorageError("sqlite: query grants", rows.Err())
}

func (c conn) TotalEarned(ctx context.Context, customerID loyalty.CustomerID) (loyalty.Points, error) {
	var total loyalty.Points
	err := c.q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(points), 0) FROM point_grants WHERE customer_id = ?",
		customerID,
	).Scan(&total)
	if err != nil {
		return 0, loyalty.NewStorageError("sqlite: sum grants", err)
	}
	return total, nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

const reservationColumns = `id, customer_id, ticket_id, points, created_at, expires_at, confirmed, confirmed_at`

func (c conn) CreateReservation(ctx context.Context, r loyalty.Reservation) error {
	_, err := c.q.ExecContext(ctx,
		"DELETE FROM reservations WHERE ticket_id = ? AND confirmed = 0 AND expires_at < ?",
		r.TicketID, toNanos(r.CreatedAt),
	)
	if err != nil {
		return loyalty.NewStorageError("sqlite: reclaim expired", err)
	}

	_, err = c.q.ExecContext(ctx, `
		INSERT INTO reservations (id, customer_id, ticket_id, points, created_at, expires_at, confirmed)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, r.ID, r.CustomerID, r.TicketID, r.Points, toNanos(r.CreatedAt), toNanos(r.ExpiresAt))
	if err != nil {
		if isUniqueConstraintError(err, "reservations.ticket_id") {
			return c.duplicateError(ctx, r.TicketID)
		}
		return loyalty.NewStorageError("sqlite: create reservation", err)
	}
	return nil
}

func (c conn) duplicateError(ctx context.Context, ticketID loyalty.TicketID) error {
	dup := &loyalty.DuplicateReservationError{TicketID: ticketID}
	existing, err := c.scanOne(ctx,
		"SELECT "+reservationColumns+" FROM reservations WHERE ticket_id = ?", ticketID)
	if err == nil {
		dup.ExistingID = existing.ID
		dup.Confirmed = existing.Confirmed
	}
	return dup
}

func (c conn) ReservationByTicket(ctx context.Context, ticketID loyalty.TicketID, now time.Time) (loyalty.Reservation, error) {
	r, err := c.scanOne(ctx, "SELECT "+reservationColumns+" FROM reservations WHERE ticket_id = ?", ticketID)
	if err != nil {
		return loyalty.Reservation{}, err
	}
	if r.IsExpired(now) {
		return loyalty.Reservation{}, loyalty.ErrReservationExpired
	}
	return r, nil
}

func (c conn) ListActiveByCustomer(ctx context.Context, customerID loyalty.CustomerID, now time.Time) ([]loyalty.Reservation, error) {
	return c.scanMany(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE customer_id = ? AND confirmed = 0 AND expires_at >= ?
		ORDER BY created_at ASC, id ASC
	`, customerID, toNanos(now))
}

func (c conn) RedeemedTotal(ctx context.Context, customerID loyalty.CustomerID) (loyalty.Points, error) {
	var total loyalty.Points
	err := c.q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(points), 0) FROM reservations WHERE customer_id = ? AND confirmed = 1",
		customerID,
	).Scan(&total)
	if err != nil {
		return 0, loyalty.NewStorageError("sqlite: sum redeemed", err)
	}
	return total, nil
}

func (c conn) ConfirmReservation(ctx context.Context, id loyalty.ReservationID, now time.Time) (loyalty.Reservation, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE reservations SET confirmed = 1, confirmed_at = ?
		WHERE id = ? AND confirmed = 0 AND expires_at >= ?
	`, toNanos(now), id, toNanos(now))
	if err != nil {
		return loyalty.Reservation{}, loyalty.NewStorageError("sqlite: confirm reservation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return loyalty.Reservation{}, loyalty.NewStorageError("sqlite: confirm reservation", err)
	}

	r, err := c.scanOne(ctx, "SELECT "+reservationColumns+" FROM reservations WHERE id = ?", id)
	if err != nil {
		return loyalty.Reservation{}, err
	}
	if n == 0 {
		if r.Confirmed {
			return loyalty.Reservation{}, loyalty.ErrReservationAlreadyConfirmed
		}
		return loyalty.Reservation{}, loyalty.ErrReservationExpired
	}
	return r, nil
}

func (c conn) DeleteReservation(ctx context.Context, id loyalty.ReservationID) error {
	res, err := c.q.ExecContext(ctx, "DELETE FROM reservations WHERE id = ? AND confirmed = 0", id)
	if err != nil {
		return loyalty.NewStorageError("sqlite: delete reservation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return loyalty.NewStorageError("sqlite: delete reservation", err)
	}
	if n > 0 {
		return nil
	}

	var confirmed bool
	err = c.q.QueryRowContext(ctx, "SELECT confirmed FROM reservations WHERE id = ?", id).Scan(&confirmed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return loyalty.NewStorageError("sqlite: delete reservation", err)
	case confirmed:
		return loyalty.ErrReservationAlreadyConfirmed
	}
	return nil
}

func (c conn) ListExpired(ctx context.Context, now time.Time, limit int) ([]loyalty.Reservation, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	return c.scanMany(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE confirmed = 0 AND expires_at < ?
		ORDER BY expires_at ASC, id ASC
		LIMIT ?
	`, toNanos(now), limit)
}

// =============================================================================
// SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (loyalty.Reservation, error) {
	var (
		r           loyalty.Reservation
		createdAt   int64
		expiresAt   int64
		confirmedAt sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.CustomerID, &r.TicketID, &r.Points,
		&createdAt, &expiresAt, &r.Confirmed, &confirmedAt); err != nil {
		return r, err
	}
	r.CreatedAt = fromNanos(createdAt)
	r.ExpiresAt = fromNanos(expiresAt)
	if confirmedAt.Valid {
		r.ConfirmedAt = fromNanos(confirmedAt.Int64)
	}
	return r, nil
}

func (c conn) scanOne(ctx context.Context, query string, args ...any) (loyalty.Reservation, error) {
	r, err := scanReservation(c.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Reservation{}, loyalty.ErrReservationNotFound
	}
	if err != nil {
		return loyalty.Reservation{}, loyalty.NewStorageError("sqlite: get reservation", err)
	}
	return r, nil
}

func (c conn) scanMany(ctx context.Context, query string, args ...any) ([]loyalty.Reservation, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, loyalty.NewStorageError("sqlite: query reservations", err)
	}
	defer rows.Close()

	var result []loyalty.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, loyalty.NewStorageError("sqlite: scan reservation", err)
		}
		result = append(result, r)
	}
	return result, loyalty.NewStorageError("sqlite: query reservations", rows.Err())
}

// Helper functions

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueConstraintError reports a UNIQUE violation on column
// ("table.column").
func isUniqueConstraintError(err error, column string) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	if sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique &&
		sqliteErr.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
		return false
	}
	return strings.Contains(sqliteErr.Error(), column)
}
