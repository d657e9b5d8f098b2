/*
Package loyalty provides the loyalty-points ledger and reservation engine.

PURPOSE:
  Customers earn points on ticket purchases and can spend them on later
  purchases. While a payment is in flight, the points being spent are
  held by a Reservation so two checkouts cannot spend the same balance.
  Holds expire on their own if the payment never resolves.

KEY CONCEPTS IN THIS FILE (types.go):
  - Points: A whole number of loyalty points
  - PointGrant: An immutable ledger entry that increases earned points
  - Reservation: A timed hold against the available balance, one per ticket
  - ReservationState: Pending, Confirmed, Expired (Released rows are deleted)

BALANCE FORMULA:
  available = earned - redeemed - active reserved

  earned:   sum of all grants (append-only ledger)
  redeemed: sum of confirmed reservations (permanent deductions)
  reserved: sum of reservations that are neither confirmed nor expired

  Nothing here is stored as a counter. Every number is derived at read
  time, so a missed sweep can leave stale rows but never a wrong balance.

STATE MACHINE:
  Reserve  -> Pending
  Pending  -> Confirmed   (Confirm, terminal, kept for audit)
  Pending  -> Released    (Release, row deleted)
  Pending  -> Expired     (now > ExpiresAt, row deleted by the sweeper)

SEE ALSO:
  - ledger.go: Earn-side ledger
  - store.go: Persistence interfaces
  - balance.go: Balance derivation
  - manager.go: Reserve / Confirm / Release
  - sweeper.go: Background reclamation of expired holds
*/
package loyalty

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type TicketID string
type GrantID string
type ReservationID string

// Points is a whole number of loyalty points.
type Points int64

// =============================================================================
// POINT GRANT - Append-only earn record
// =============================================================================

// PointGrant records points awarded to a customer. Never updated or deleted.
type PointGrant struct {
	ID             GrantID
	CustomerID     CustomerID
	Points         Points
	EarnedAt       time.Time
	Reason         string
	IdempotencyKey string
}

// =============================================================================
// RESERVATION - Timed hold against the available balance
// =============================================================================

type ReservationState string

const (
	StatePending   ReservationState = "pending"
	StateConfirmed ReservationState = "confirmed"
	StateExpired   ReservationState = "expired"
)

// DefaultHoldDuration is how long a reservation holds points before it
// expires on its own.
const DefaultHoldDuration = 30 * time.Minute

type Reservation struct {
	ID          ReservationID
	CustomerID  CustomerID
	TicketID    TicketID
	Points      Points
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Confirmed   bool
	ConfirmedAt time.Time
}

// IsExpired reports whether the hold lapsed without being confirmed.
func (r Reservation) IsExpired(now time.Time) bool {
	return !r.Confirmed && now.After(r.ExpiresAt)
}

// IsActive reports whether the reservation still holds points against
// the available balance. Confirmed reservations are not active: their
// points count as redeemed instead.
func (r Reservation) IsActive(now time.Time) bool {
	return !r.Confirmed && !now.After(r.ExpiresAt)
}

func (r Reservation) State(now time.Time) ReservationState {
	switch {
	case r.Confirmed:
		return StateConfirmed
	case r.IsExpired(now):
		return StateExpired
	default:
		return StatePending
	}
}

// =============================================================================
// REDEMPTION - Receipt handed to the purchase workflow on confirm
// =============================================================================

// Redemption is returned by Confirm. The caller persists Points on the
// ticket (its redeemed-points field); the confirmed reservation row is the
// engine's own record of the same deduction.
type Redemption struct {
	ReservationID ReservationID
	CustomerID    CustomerID
	TicketID      TicketID
	Points        Points
	ConfirmedAt   time.Time
}

func (r Reservation) redemption() Redemption {
	return Redemption{
		ReservationID: r.ID,
		CustomerID:    r.CustomerID,
		TicketID:      r.TicketID,
		Points:        r.Points,
		ConfirmedAt:   r.ConfirmedAt,
	}
}
