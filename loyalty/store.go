/*
store.go - Persistence interfaces for grants and reservations

KEY INTERFACES:
  GrantStore:       Append-only point grants (the earn ledger)
  ReservationStore: In-flight holds, one row per ticket
  Store:            Both of the above
  TxStore:          Store plus a per-customer atomic section

APPEND-ONLY CONTRACT (grants):
  AppendGrant is the only write. There is no update or delete for grants.

RESERVATION ROWS:
  Pending rows live until they are confirmed, released, or swept.
  Confirmed rows are kept forever as the record of redeemed points and
  are never deleted or modified again.

ATOMICITY:
  Reserve reads the balance and inserts a row. Confirm moves a hold from
  the reserved sum to the redeemed sum, Release drops it. All three run
  their writes inside WithCustomerTx, so the balance reads of a reserve
  never straddle a confirm. Implementations must serialize callers for the
  same customer:
  - loyalty/store memory store: one mutex, snapshot + rollback
  - store/sqlite: single connection, BEGIN ... COMMIT
  - store/postgres: pg_advisory_xact_lock on the customer id

IMPLEMENTATIONS:
  - loyalty/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL
  - store/storetest: Conformance suite every implementation runs
*/
package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// GRANT STORE - Append-only
// =============================================================================

type GrantStore interface {
	// AppendGrant persists a grant. Returns ErrDuplicateIdempotencyKey if the
	// grant's non-empty idempotency key already exists.
	AppendGrant(ctx context.Context, grant PointGrant) error

	// Grants returns a customer's grants ordered by EarnedAt.
	Grants(ctx context.Context, customerID CustomerID) ([]PointGrant, error)

	// TotalEarned sums all of a customer's grants. Zero for unknown customers.
	TotalEarned(ctx context.Context, customerID CustomerID) (Points, error)
}

// =============================================================================
// RESERVATION STORE
// =============================================================================

type ReservationStore interface {
	// CreateReservation inserts a pending reservation. An expired, unconfirmed
	// row for the same ticket (expiry before r.CreatedAt) is reclaimed first.
	// Any other existing row for the ticket fails with a
	// *DuplicateReservationError.
	CreateReservation(ctx context.Context, r Reservation) error

	// ReservationByTicket returns the ticket's reservation if it is confirmed
	// or not yet expired at now. A pending row past its expiry fails with
	// ErrReservationExpired, no row at all with ErrReservationNotFound.
	ReservationByTicket(ctx context.Context, ticketID TicketID, now time.Time) (Reservation, error)

	// ListActiveByCustomer returns reservations that are neither confirmed
	// nor expired at now.
	ListActiveByCustomer(ctx context.Context, customerID CustomerID, now time.Time) ([]Reservation, error)

	// RedeemedTotal sums the points of the customer's confirmed reservations.
	RedeemedTotal(ctx context.Context, customerID CustomerID) (Points, error)

	// ConfirmReservation marks the reservation confirmed at now. Fails with
	// ErrReservationNotFound, ErrReservationExpired or
	// ErrReservationAlreadyConfirmed.
	ConfirmReservation(ctx context.Context, id ReservationID, now time.Time) (Reservation, error)

	// DeleteReservation removes an unconfirmed reservation. Deleting an absent
	// row is a no-op. Confirmed rows are refused with
	// ErrReservationAlreadyConfirmed.
	DeleteReservation(ctx context.Context, id ReservationID) error

	// ListExpired returns up to limit unconfirmed reservations with expiry
	// before now, oldest expiry first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}

// Store is the full persistence contract.
type Store interface {
	GrantStore
	ReservationStore
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with a per-customer atomic section.
type TxStore interface {
	Store

	// WithCustomerTx executes fn atomically with respect to every other
	// WithCustomerTx call for the same customer. If fn returns an error the
	// writes made through the passed Store are rolled back.
	WithCustomerTx(ctx context.Context, customerID CustomerID, fn func(Store) error) error
}
