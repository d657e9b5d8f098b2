/*
manager.go - Reservation state machine

PURPOSE:
  The Manager is what the ticket purchase workflow talks to. It holds
  points at checkout start and resolves the hold when the payment does.

OPERATIONS:
  Reserve(customer, ticket, points)  -> Pending reservation
  Confirm(ticket)                     -> Redemption (terminal, kept for audit)
  Release(ticket)                     -> row deleted, points back in the pool
  AvailablePoints / Balance           -> derived from grants and reservations
  AddPoints                           -> append a grant

RESERVE IS ATOMIC PER CUSTOMER:
  The duplicate check, the balance read and the insert all run inside
  TxStore.WithCustomerTx. Two checkouts for the same customer cannot both
  see the same unspent points.

CONFIRM AND RELEASE:
  Confirm moves a hold from the reserved sum to the redeemed sum, and a
  reserve reading those sums one after the other must not see the move
  half done. Both look the row up to learn its customer, then run one
  conditional write inside that customer's WithCustomerTx: confirm
  requires the row to be unconfirmed and unexpired, delete requires it
  unconfirmed.

REDEMPTION BOOKKEEPING:
  Confirm does not write to the ledger. The confirmed row is the
  deduction, counted by RedeemedTotal. The returned Redemption carries the
  same points so the workflow can record them on the ticket.
*/
package loyalty

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/points-engine/clock"
)

// Manager orchestrates reserve, confirm and release.
type Manager struct {
	store        TxStore
	clock        clock.Clock
	ledger       *Ledger
	holdDuration time.Duration
	logger       *slog.Logger
	newID        func() string
}

type ManagerOption func(*Manager)

// WithHoldDuration overrides DefaultHoldDuration for new reservations.
func WithHoldDuration(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.holdDuration = d
		}
	}
}

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithIDGenerator replaces uuid.NewString for reservation and grant ids.
func WithIDGenerator(fn func() string) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

func NewManager(store TxStore, clk clock.Clock, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:        store,
		clock:        clk,
		holdDuration: DefaultHoldDuration,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ledger = &Ledger{store: store, clock: clk, newID: m.newID}
	return m
}

func (m *Manager) HoldDuration() time.Duration {
	return m.holdDuration
}

// =============================================================================
// RESERVE
// =============================================================================

// Reserve holds points of the customer's available balance for ticketID.
func (m *Manager) Reserve(ctx context.Context, customerID CustomerID, ticketID TicketID, points Points) (Reservation, error) {
	if err := validateIDs(customerID, ticketID); err != nil {
		return Reservation{}, err
	}
	if points <= 0 {
		return Reservation{}, ErrInvalidPoints
	}

	var result Reservation
	err := m.store.WithCustomerTx(ctx, customerID, func(tx Store) error {
		now := m.clock.Now()

		existing, err := tx.ReservationByTicket(ctx, ticketID, now)
		switch {
		case err == nil:
			return &DuplicateReservationError{TicketID: ticketID, ExistingID: existing.ID, Confirmed: existing.Confirmed}
		case !errors.Is(err, ErrReservationNotFound):
			return err
		}

		calc := BalanceCalculator{Source: tx}
		balance, err := calc.Calculate(ctx, customerID, now)
		if err != nil {
			return err
		}
		if !balance.CanReserve(points) {
			return &InsufficientPointsError{CustomerID: customerID, Available: balance.Available(), Requested: points}
		}

		r := Reservation{
			ID:         ReservationID(m.newID()),
			CustomerID: customerID,
			TicketID:   ticketID,
			Points:     points,
			CreatedAt:  now,
			ExpiresAt:  now.Add(m.holdDuration),
		}
		if err := tx.CreateReservation(ctx, r); err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		m.logger.InfoContext(ctx, "reservation rejected",
			"customer_id", customerID, "ticket_id", ticketID, "points", points, "error", err)
		return Reservation{}, err
	}

	m.logger.InfoContext(ctx, "points reserved",
		"customer_id", customerID, "ticket_id", ticketID, "reservation_id", result.ID,
		"points", points, "expires_at", result.ExpiresAt)
	return result, nil
}

// =============================================================================
// CONFIRM / RELEASE
// =============================================================================

// Confirm turns the ticket's pending hold into a permanent redemption.
// An expired hold fails with ErrReservationExpired; the caller must
// reserve again.
func (m *Manager) Confirm(ctx context.Context, ticketID TicketID) (Redemption, error) {
	if strings.TrimSpace(string(ticketID)) == "" {
		return Redemption{}, ErrInvalidTicket
	}

	now := m.clock.Now()
	r, err := m.store.ReservationByTicket(ctx, ticketID, now)
	if err != nil {
		return Redemption{}, err
	}
	if r.Confirmed {
		return Redemption{}, ErrReservationAlreadyConfirmed
	}

	var confirmed Reservation
	err = m.store.WithCustomerTx(ctx, r.CustomerID, func(tx Store) error {
		var err error
		confirmed, err = tx.ConfirmReservation(ctx, r.ID, now)
		return err
	})
	if err != nil {
		m.logger.InfoContext(ctx, "confirm failed",
			"ticket_id", ticketID, "reservation_id", r.ID, "error", err)
		return Redemption{}, err
	}

	m.logger.InfoContext(ctx, "reservation confirmed",
		"customer_id", confirmed.CustomerID, "ticket_id", ticketID,
		"reservation_id", confirmed.ID, "points", confirmed.Points)
	return confirmed.redemption(), nil
}

// Release cancels the ticket's pending hold. No-op if there is none or it
// already expired. A confirmed reservation is never released.
func (m *Manager) Release(ctx context.Context, ticketID TicketID) error {
	if strings.TrimSpace(string(ticketID)) == "" {
		return ErrInvalidTicket
	}

	r, err := m.store.ReservationByTicket(ctx, ticketID, m.clock.Now())
	if errors.Is(err, ErrReservationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if r.Confirmed {
		return ErrReservationAlreadyConfirmed
	}

	err = m.store.WithCustomerTx(ctx, r.CustomerID, func(tx Store) error {
		return tx.DeleteReservation(ctx, r.ID)
	})
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "reservation released",
		"customer_id", r.CustomerID, "ticket_id", ticketID,
		"reservation_id", r.ID, "points", r.Points)
	return nil
}

// Lookup returns the ticket's visible reservation: pending and unexpired,
// or confirmed. A lapsed hold fails with ErrReservationExpired.
func (m *Manager) Lookup(ctx context.Context, ticketID TicketID) (Reservation, error) {
	if strings.TrimSpace(string(ticketID)) == "" {
		return Reservation{}, ErrInvalidTicket
	}
	return m.store.ReservationByTicket(ctx, ticketID, m.clock.Now())
}

// =============================================================================
// BALANCE / LEDGER
// =============================================================================

func (m *Manager) Balance(ctx context.Context, customerID CustomerID) (Balance, error) {
	calc := BalanceCalculator{Source: m.store}
	return calc.Calculate(ctx, customerID, m.clock.Now())
}

func (m *Manager) AvailablePoints(ctx context.Context, customerID CustomerID) (Points, error) {
	b, err := m.Balance(ctx, customerID)
	if err != nil {
		return 0, err
	}
	return b.Available(), nil
}

// AddPoints awards amount points to the customer.
func (m *Manager) AddPoints(ctx context.Context, customerID CustomerID, amount Points, reason string, opts ...GrantOption) (PointGrant, error) {
	grant, err := m.ledger.AddPoints(ctx, customerID, amount, reason, opts...)
	if err != nil {
		return PointGrant{}, err
	}
	m.logger.InfoContext(ctx, "points granted",
		"customer_id", customerID, "grant_id", grant.ID, "points", amount, "reason", reason)
	return grant, nil
}

func (m *Manager) Grants(ctx context.Context, customerID CustomerID) ([]PointGrant, error) {
	return m.ledger.Grants(ctx, customerID)
}

func validateIDs(customerID CustomerID, ticketID TicketID) error {
	if strings.TrimSpace(string(customerID)) == "" {
		return ErrInvalidCustomer
	}
	if strings.TrimSpace(string(ticketID)) == "" {
		return ErrInvalidTicket
	}
	return nil
}
