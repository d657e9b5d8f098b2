/*
Package checkout is the ticket purchase workflow that drives the loyalty
reservation engine.

LIFECYCLE:
  Begin     checkout starts: reserve the points the customer wants to use
  Complete  payment succeeded: confirm the hold, record the redemption on
            the ticket, award points for the cash paid
  Fail      payment failed or was abandoned: release the hold

  Begin ──► pending ──Complete──► paid
                    └──Fail─────► failed

REDEMPTION RECORD:
  Ticket.PointsRedeemed is copied from the Redemption that Confirm returns.
  The engine counts the same points through the confirmed reservation, so
  the sum of PointsRedeemed over a customer's paid tickets always equals
  Balance.Redeemed.

EARNING:
  Complete awards EarnRule.Points(cashPaid) with idempotency key
  "purchase:<ticketID>". A retried Complete never awards twice.

RETRY AFTER EXPIRY:
  If the hold expired before payment, Complete fails with
  loyalty.ErrReservationExpired and the ticket stays pending. Calling
  Begin again places a fresh hold.

BEGIN AGAIN:
  A pending ticket belongs to the customer who began it. Begin with the
  same points keeps a live hold, with other points it releases the hold
  and reserves anew, with zero points it releases the hold.
*/
package checkout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/clock"
	"github.com/warp/points-engine/loyalty"
)

// PointsEngine is the part of loyalty.Manager the workflow uses.
type PointsEngine interface {
	Reserve(ctx context.Context, customerID loyalty.CustomerID, ticketID loyalty.TicketID, points loyalty.Points) (loyalty.Reservation, error)
	Confirm(ctx context.Context, ticketID loyalty.TicketID) (loyalty.Redemption, error)
	Release(ctx context.Context, ticketID loyalty.TicketID) error
	Lookup(ctx context.Context, ticketID loyalty.TicketID) (loyalty.Reservation, error)
	AddPoints(ctx context.Context, customerID loyalty.CustomerID, amount loyalty.Points, reason string, opts ...loyalty.GrantOption) (loyalty.PointGrant, error)
}

var _ PointsEngine = (*loyalty.Manager)(nil)

type Workflow struct {
	points  PointsEngine
	tickets TicketStore
	earn    EarnRule
	clock   clock.Clock
	logger  *slog.Logger
}

type Option func(*Workflow)

func WithEarnRule(rule EarnRule) Option {
	return func(w *Workflow) { w.earn = rule }
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func NewWorkflow(points PointsEngine, tickets TicketStore, clk clock.Clock, opts ...Option) *Workflow {
	w := &Workflow{
		points:  points,
		tickets: tickets,
		earn:    DefaultEarnRule,
		clock:   clk,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// BeginRequest starts a checkout.
type BeginRequest struct {
	TicketID   loyalty.TicketID
	CustomerID loyalty.CustomerID
	Price      decimal.Decimal
	Points     loyalty.Points // 0 to pay in cash only
}

// Begin reserves req.Points and records the ticket as pending. Calling it
// again for a pending ticket keeps a live hold of the same size, replaces
// one of a different size, and places a new hold if the old one expired.
// Only the ticket's own customer can begin it again.
func (w *Workflow) Begin(ctx context.Context, req BeginRequest) (Ticket, error) {
	if strings.TrimSpace(string(req.TicketID)) == "" {
		return Ticket{}, loyalty.ErrInvalidTicket
	}
	if strings.TrimSpace(string(req.CustomerID)) == "" {
		return Ticket{}, loyalty.ErrInvalidCustomer
	}
	if req.Price.IsNegative() {
		return Ticket{}, ErrInvalidPrice
	}
	if req.Points < 0 {
		return Ticket{}, loyalty.ErrInvalidPoints
	}

	ticket := Ticket{
		ID:              req.TicketID,
		CustomerID:      req.CustomerID,
		Price:           req.Price,
		Status:          TicketPending,
		PointsRequested: req.Points,
		CreatedAt:       w.clock.Now(),
	}

	existing, err := w.tickets.Ticket(ctx, req.TicketID)
	switch {
	case errors.Is(err, ErrTicketNotFound):
		existing = Ticket{}
	case err != nil:
		return Ticket{}, err
	case existing.Status != TicketPending:
		return Ticket{}, fmt.Errorf("begin %s: %w", req.TicketID, ErrTicketNotPending)
	case existing.CustomerID != req.CustomerID:
		return Ticket{}, fmt.Errorf("begin %s: %w", req.TicketID, ErrTicketCustomerMismatch)
	default:
		ticket.CreatedAt = existing.CreatedAt
	}

	var held loyalty.Points
	if existing.ID != "" {
		if held, err = w.heldPoints(ctx, req.TicketID); err != nil {
			return Ticket{}, err
		}
		if held > 0 && held != req.Points {
			if err := w.points.Release(ctx, req.TicketID); err != nil {
				return Ticket{}, err
			}
			held = 0
			// The stored ticket must not claim a hold that is gone.
			existing.PointsRequested = 0
			if err := w.tickets.SaveTicket(ctx, existing); err != nil {
				return Ticket{}, err
			}
		}
	}

	reserved := false
	if req.Points > 0 && held == 0 {
		if _, err := w.points.Reserve(ctx, req.CustomerID, req.TicketID, req.Points); err != nil {
			return Ticket{}, err
		}
		reserved = true
	}

	if err := w.tickets.SaveTicket(ctx, ticket); err != nil {
		if reserved {
			_ = w.points.Release(ctx, req.TicketID)
		}
		return Ticket{}, err
	}

	w.logger.InfoContext(ctx, "checkout started",
		"ticket_id", ticket.ID, "customer_id", ticket.CustomerID, "points", req.Points)
	return ticket, nil
}

// heldPoints returns the ticket's live hold, or 0 when there is none.
func (w *Workflow) heldPoints(ctx context.Context, ticketID loyalty.TicketID) (loyalty.Points, error) {
	r, err := w.points.Lookup(ctx, ticketID)
	switch {
	case errors.Is(err, loyalty.ErrReservationNotFound):
		return 0, nil
	case err != nil:
		return 0, err
	case r.Confirmed:
		// A Complete confirmed the hold and failed before saving the ticket.
		return 0, fmt.Errorf("begin %s: %w", ticketID, loyalty.ErrReservationAlreadyConfirmed)
	}
	return r.Points, nil
}

// Complete settles a pending ticket after cashPaid was collected.
func (w *Workflow) Complete(ctx context.Context, ticketID loyalty.TicketID, cashPaid decimal.Decimal) (Ticket, error) {
	ticket, err := w.tickets.Ticket(ctx, ticketID)
	if err != nil {
		return Ticket{}, err
	}
	if ticket.Status != TicketPending {
		return Ticket{}, fmt.Errorf("complete %s: %w", ticketID, ErrTicketNotPending)
	}

	if ticket.PointsRequested > 0 {
		redeemed, err := w.confirm(ctx, ticketID)
		if err != nil {
			return Ticket{}, err
		}
		ticket.PointsRedeemed = redeemed
	}

	if earned := w.earn.Points(cashPaid); earned > 0 {
		_, err := w.points.AddPoints(ctx, ticket.CustomerID, earned, "purchase",
			loyalty.WithIdempotencyKey("purchase:"+string(ticketID)))
		if err != nil && !errors.Is(err, loyalty.ErrDuplicateIdempotencyKey) {
			return Ticket{}, err
		}
		ticket.PointsEarned = earned
	}

	ticket.Status = TicketPaid
	ticket.CompletedAt = w.clock.Now()
	if err := w.tickets.SaveTicket(ctx, ticket); err != nil {
		return Ticket{}, err
	}

	w.logger.InfoContext(ctx, "checkout completed",
		"ticket_id", ticketID, "customer_id", ticket.CustomerID,
		"points_redeemed", ticket.PointsRedeemed, "points_earned", ticket.PointsEarned)
	return ticket, nil
}

// confirm returns the redeemed points. A hold confirmed by an earlier
// Complete that failed later on is read back instead.
func (w *Workflow) confirm(ctx context.Context, ticketID loyalty.TicketID) (loyalty.Points, error) {
	redemption, err := w.points.Confirm(ctx, ticketID)
	if err == nil {
		return redemption.Points, nil
	}
	if !errors.Is(err, loyalty.ErrReservationAlreadyConfirmed) {
		return 0, err
	}
	r, lookupErr := w.points.Lookup(ctx, ticketID)
	if lookupErr != nil || !r.Confirmed {
		return 0, err
	}
	return r.Points, nil
}

// Fail abandons a pending ticket and releases its hold.
func (w *Workflow) Fail(ctx context.Context, ticketID loyalty.TicketID) (Ticket, error) {
	ticket, err := w.tickets.Ticket(ctx, ticketID)
	if err != nil {
		return Ticket{}, err
	}
	if ticket.Status != TicketPending {
		return Ticket{}, fmt.Errorf("fail %s: %w", ticketID, ErrTicketNotPending)
	}

	if err := w.points.Release(ctx, ticketID); err != nil {
		return Ticket{}, err
	}

	ticket.Status = TicketFailed
	ticket.CompletedAt = w.clock.Now()
	if err := w.tickets.SaveTicket(ctx, ticket); err != nil {
		return Ticket{}, err
	}

	w.logger.InfoContext(ctx, "checkout failed", "ticket_id", ticketID, "customer_id", ticket.CustomerID)
	return ticket, nil
}

// Ticket returns a stored ticket.
func (w *Workflow) Ticket(ctx context.Context, ticketID loyalty.TicketID) (Ticket, error) {
	return w.tickets.Ticket(ctx, ticketID)
}

// RedeemedOnTickets sums PointsRedeemed over the customer's paid tickets.
func (w *Workflow) RedeemedOnTickets(ctx context.Context, customerID loyalty.CustomerID) (loyalty.Points, error) {
	tickets, err := w.tickets.TicketsByCustomer(ctx, customerID)
	if err != nil {
		return 0, err
	}
	var total loyalty.Points
	for _, t := range tickets {
		if t.Status == TicketPaid {
			total += t.PointsRedeemed
		}
	}
	return total, nil
}
