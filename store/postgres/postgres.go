/*
Package postgres provides a Postgres-backed loyalty.TxStore using pgx.

CONCURRENCY:
  WithCustomerTx opens a transaction and takes a transaction-scoped
  advisory lock keyed on hashtext(customer_id). Reserve, Confirm and
  Release for the same customer queue on that lock; different customers
  proceed in parallel. The lock is released on commit or rollback.
  Reserve reads earned, redeemed and active holds as three read-committed
  statements, which is only sound because every write that moves points
  between those sums holds the same lock.

  Ticket uniqueness across customers is enforced by the unique index on
  reservations(ticket_id). Inserts use ON CONFLICT DO NOTHING so a
  duplicate never aborts the surrounding transaction.

USAGE:
  store, err := postgres.New(ctx, "postgres://...")
  if err != nil {
      return err
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/points-engine/loyalty"
	"github.com/warp/points-engine/store/postgres/migrations"
)

// Store implements loyalty.TxStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	conn
}

var _ loyalty.TxStore = (*Store)(nil)

// New connects to dsn and applies the embedded migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, loyalty.NewStorageError("postgres: connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, loyalty.NewStorageError("postgres: ping", err)
	}
	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, loyalty.NewStorageError("postgres: migrate", err)
	}
	return NewFromPool(pool), nil
}

// NewFromPool wraps an existing, already migrated pool.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, conn: conn{q: pool}}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return loyalty.NewStorageError("postgres: ping", s.pool.Ping(ctx))
}

// WithCustomerTx runs fn in a transaction holding the customer's advisory lock.
func (s *Store) WithCustomerTx(ctx context.Context, customerID loyalty.CustomerID, fn func(loyalty.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return loyalty.NewStorageError("postgres: begin", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(customerID)); err != nil {
		return loyalty.NewStorageError("postgres: customer lock", err)
	}

	if err := fn(conn{q: tx}); err != nil {
		return err
	}
	return loyalty.NewStorageError("postgres: commit", tx.Commit(ctx))
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn struct {
	q querier
}

// =============================================================================
// GRANTS
// =============================================================================

func (c conn) AppendGrant(ctx context.Context, g loyalty.PointGrant) error {
	const query = `
INSERT INTO point_grants (id, customer_id, points, earned_at, reason, idempotency_key)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
ON CONFLICT (idempotency_key) DO NOTHING`

	tag, err := c.q.Exec(ctx, query,
		string(g.ID), string(g.CustomerID), int64(g.Points), g.EarnedAt.UTC(), g.Reason, g.IdempotencyKey)
	if err != nil {
		return loyalty.NewStorageError("postgres: append grant", err)
	}
	if tag.RowsAffected() == 0 {
		return loyalty.ErrDuplicateIdempotencyKey
	}
	return nil
}

func (c conn) Grants(ctx context.Context, customerID loyalty.CustomerID) ([]loyalty.PointGrant, error) {
	const query = `
SELECT id, customer_id, points, earned_at, reason, COALESCE(idempotency_key, '')
FROM point_grants
WHERE customer_id = $1
ORDER BY earned_at ASC, id ASC`

	rows, err := c.q.Query(ctx, query, string(customerID))
	if err != nil {
		return nil, loyalty.NewStorageError("postgres: query grants", err)
	}
	defer rows.Close()

	var grants []loyalty.PointGrant
	for rows.Next() {
		var (
			id, customer, reason, key string
			points                    int64
			earnedAt                  time.Time
		)
		if err := rows.Scan(&id, &customer, &points, &earnedAt, &reason, &key); err != nil {
			return nil, loyalty.NewStorageError("postgres: scan grant", err)
		}
		grants = append(grants, loyalty.PointGrant{
			ID:             loyalty.GrantID(id),
			CustomerID:     loyalty.CustomerID(customer),
			Points:         loyalty.Points(points),
			EarnedAt:       earnedAt.UTC(),
			Reason:         reason,
			IdempotencyKey: key,
		})
	}
	return grants, loyalty.NewStorageError("postgres: query grants", rows.Err())
}

func (c conn) TotalEarned(ctx context.Context, customerID loyalty.CustomerID) (loyalty.Points, error) {
	const query = `SELECT COALESCE(SUM(points), 0)::BIGINT FROM point_grants WHERE customer_id = $1`
	return c.sum(ctx, "postgres: sum grants", query, customerID)
}

// =============================================================================
// RESERVATIONS
// =============================================================================

const reservationColumns = `id, customer_id, ticket_id, points, created_at, expires_at, confirmed, confirmed_at`

func (c conn) CreateReservation(ctx context.Context, r loyalty.Reservation) error {
	const reclaim = `
DELETE FROM reservations
WHERE ticket_id = $1 AND NOT confirmed AND expires_at < $2`

	if _, err := c.q.Exec(ctx, reclaim, string(r.TicketID), r.CreatedAt.UTC()); err != nil {
		return loyalty.NewStorageError("postgres: reclaim expired", err)
	}

	const insert = `
INSERT INTO reservations (id, customer_id, ticket_id, points, created_at, expires_at, confirmed)
VALUES ($1, $2, $3, $4, $5, $6, FALSE)
ON CONFLICT (ticket_id) DO NOTHING`

	tag, err := c.q.Exec(ctx, insert,
		string(r.ID), string(r.CustomerID), string(r.TicketID), int64(r.Points),
		r.CreatedAt.UTC(), r.ExpiresAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return &loyalty.DuplicateReservationError{TicketID: r.TicketID}
		}
		return loyalty.NewStorageError("postgres: create reservation", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	dup := &loyalty.DuplicateReservationError{TicketID: r.TicketID}
	existing, err := c.scanOne(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE ticket_id = $1`, string(r.TicketID))
	if err == nil {
		dup.ExistingID = existing.ID
		dup.Confirmed = existing.Confirmed
	}
	return dup
}

func (c conn) ReservationByTicket(ctx context.Context, ticketID loyalty.TicketID, now time.Time) (loyalty.Reservation, error) {
	r, err := c.scanOne(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE ticket_id = $1`, string(ticketID))
	if err != nil {
		return loyalty.Reservation{}, err
	}
	// TIMESTAMPTZ keeps microseconds; compare the way the SQL filters do.
	if r.IsExpired(now.Truncate(time.Microsecond)) {
		return loyalty.Reservation{}, loyalty.ErrReservationExpired
	}
	return r, nil
}

func (c conn) ListActiveByCustomer(ctx context.Context, customerID loyalty.CustomerID, now time.Time) ([]loyalty.Reservation, error) {
	return c.scanMany(ctx, `
SELECT `+reservationColumns+`
FROM reservations
WHERE customer_id = $1 AND NOT confirmed AND expires_at >= $2
ORDER BY created_at ASC, id ASC`, string(customerID), now.UTC())
}

func (c conn) RedeemedTotal(ctx context.Context, customerID loyalty.CustomerID) (loyalty.Points, error) {
	const query = `SELECT COALESCE(SUM(points), 0)::BIGINT FROM reservations WHERE customer_id = $1 AND confirmed`
	return c.sum(ctx, "postgres: sum redeemed", query, customerID)
}

func (c conn) ConfirmReservation(ctx context.Context, id loyalty.ReservationID, now time.Time) (loyalty.Reservation, error) {
	r, err := c.scanOne(ctx, `
UPDATE reservations SET confirmed = TRUE, confirmed_at = $2
WHERE id = $1 AND NOT confirmed AND expires_at >= $2
RETURNING `+reservationColumns, string(id), now.UTC())
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, loyalty.ErrReservationNotFound) {
		return loyalty.Reservation{}, err
	}

	// Nothing updated: say why.
	current, err := c.scanOne(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, string(id))
	if err != nil {
		return loyalty.Reservation{}, err
	}
	if current.Confirmed {
		return loyalty.Reservation{}, loyalty.ErrReservationAlreadyConfirmed
	}
	return loyalty.Reservation{}, loyalty.ErrReservationExpired
}

func (c conn) DeleteReservation(ctx context.Context, id loyalty.ReservationID) error {
	tag, err := c.q.Exec(ctx, `DELETE FROM reservations WHERE id = $1 AND NOT confirmed`, string(id))
	if err != nil {
		return loyalty.NewStorageError("postgres: delete reservation", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var confirmed bool
	err = c.q.QueryRow(ctx, `SELECT confirmed FROM reservations WHERE id = $1`, string(id)).Scan(&confirmed)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil
	case err != nil:
		return loyalty.NewStorageError("postgres: delete reservation", err)
	case confirmed:
		return loyalty.ErrReservationAlreadyConfirmed
	}
	return nil
}

func (c conn) ListExpired(ctx context.Context, now time.Time, limit int) ([]loyalty.Reservation, error) {
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}
	return c.scanMany(ctx, `
SELECT `+reservationColumns+`
FROM reservations
WHERE NOT confirmed AND expires_at < $1
ORDER BY expires_at ASC, id ASC
LIMIT $2`, now.UTC(), limitArg)
}

// =============================================================================
// SCANNING
// =============================================================================

func (c conn) sum(ctx context.Context, op, query string, customerID loyalty.CustomerID) (loyalty.Points, error) {
	var total int64
	if err := c.q.QueryRow(ctx, query, string(customerID)).Scan(&total); err != nil {
		return 0, loyalty.NewStorageError(op, err)
	}
	return loyalty.Points(total), nil
}

func scanReservation(row pgx.Row) (loyalty.Reservation, error) {
	var (
		id, customer, ticket string
		points               int64
		createdAt, expiresAt time.Time
		confirmed            bool
		confirmedAt          *time.Time
	)
	if err := row.Scan(&id, &customer, &ticket, &points, &createdAt, &expiresAt, &confirmed, &confirmedAt); err != nil {
		return loyalty.Reservation{}, err
	}
	r := loyalty.Reservation{
		ID:         loyalty.ReservationID(id),
		CustomerID: loyalty.CustomerID(customer),
		TicketID:   loyalty.TicketID(ticket),
		Points:     loyalty.Points(points),
		CreatedAt:  createdAt.UTC(),
		ExpiresAt:  expiresAt.UTC(),
		Confirmed:  confirmed,
	}
	if confirmedAt != nil {
		r.ConfirmedAt = confirmedAt.UTC()
	}
	return r, nil
}

func (c conn) scanOne(ctx context.Context, query string, args ...any) (loyalty.Reservation, error) {
	r, err := scanReservation(c.q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return loyalty.Reservation{}, loyalty.ErrReservationNotFound
	}
	if err != nil {
		return loyalty.Reservation{}, loyalty.NewStorageError("postgres: get reservation", err)
	}
	return r, nil
}

func (c conn) scanMany(ctx context.Context, query string, args ...any) ([]loyalty.Reservation, error) {
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, loyalty.NewStorageError("postgres: query reservations", err)
	}
	defer rows.Close()

	var result []loyalty.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, loyalty.NewStorageError("postgres: scan reservation", err)
		}
		result = append(result, r)
	}
	return result, loyalty.NewStorageError("postgres: query reservations", rows.Err())
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
