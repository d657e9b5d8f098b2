/*
errors.go - Centralized error types for the loyalty engine

ERROR CATEGORIES:
  1. Client errors - Bad input or a request the balance cannot cover
  2. Lookup errors - Reservation missing, expired, or already resolved
  3. Storage errors - Connection or transaction failures

Storage errors are never retried here. A retried Reserve whose first
attempt actually committed would hold the points twice, so retry policy
belongs to the caller's transport layer.

USAGE:
  _, err := manager.Reserve(ctx, customerID, ticketID, 30)
  var short *loyalty.InsufficientPointsError
  if errors.As(err, &short) {
      // show short.Available to the customer
  }
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientPoints is returned when a reservation asks for more
	// points than are available.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrDuplicateActiveReservation is returned when a ticket already holds
	// a reservation.
	ErrDuplicateActiveReservation = errors.New("ticket already has an active reservation")

	// ErrReservationNotFound is returned when no visible reservation exists
	// for a ticket.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationExpired is returned when confirming a hold whose expiry
	// has passed. It matches ErrReservationNotFound: callers must re-reserve.
	ErrReservationExpired = fmt.Errorf("%w: reservation expired", ErrReservationNotFound)

	// ErrReservationAlreadyConfirmed is returned when confirming or releasing
	// a reservation that is already confirmed. It matches
	// ErrReservationNotFound since there is no pending hold left to act on.
	ErrReservationAlreadyConfirmed = fmt.Errorf("%w: reservation already confirmed", ErrReservationNotFound)

	// ErrStorageUnavailable is matched by every *StorageError.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidPoints is returned for a non-positive point amount.
	ErrInvalidPoints = errors.New("points must be positive")

	// ErrInvalidCustomer is returned for an empty customer id.
	ErrInvalidCustomer = errors.New("customer id required")

	// ErrInvalidTicket is returned for an empty ticket id.
	ErrInvalidTicket = errors.New("ticket id required")

	// ErrDuplicateIdempotencyKey is returned when a grant with the same
	// idempotency key already exists. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientPointsError provides details about a balance shortage.
type InsufficientPointsError struct {
	CustomerID CustomerID
	Available  Points
	Requested  Points
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientPointsError) Shortfall() Points {
	return e.Requested - e.Available
}

func (e *InsufficientPointsError) Unwrap() error {
	return ErrInsufficientPoints
}

// DuplicateReservationError names the reservation already holding a ticket.
type DuplicateReservationError struct {
	TicketID   TicketID
	ExistingID ReservationID
	Confirmed  bool
}

func (e *DuplicateReservationError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("ticket %s already has a reservation", e.TicketID)
	}
	state := "active"
	if e.Confirmed {
		state = "confirmed"
	}
	return fmt.Sprintf("ticket %s already has a %s reservation (%s)", e.TicketID, state, e.ExistingID)
}

func (e *DuplicateReservationError) Unwrap() error {
	return ErrDuplicateActiveReservation
}

// StorageError wraps a driver or connection failure. It matches both
// ErrStorageUnavailable and the underlying cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

// NewStorageError wraps err as a *StorageError. Nil stays nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may retry with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrDuplicateActiveReservation) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrInvalidPoints) ||
		errors.Is(err, ErrInvalidCustomer) ||
		errors.Is(err, ErrInvalidTicket)
}

// IsNotFound returns true if there is no pending reservation to act on.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrReservationNotFound)
}
