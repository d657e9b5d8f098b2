/*
ledger.go - Earn-side ledger

PURPOSE:
  The Ledger is the source of truth for earned points. Every purchase or
  promotion that awards points appends one PointGrant. Earned totals are
  always summed from grants, never kept as a counter.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. POSITIVE: Each grant adds at least one point, so a customer's earned
     total never decreases.
  3. IDEMPOTENT: A grant with an idempotency key is written at most once.

SPENDING:
  The ledger never records spending. Spent points are confirmed
  reservations (see manager.go), summed by ReservationStore.RedeemedTotal.
*/
package loyalty

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/warp/points-engine/clock"
)

// Ledger awards points through a GrantStore.
type Ledger struct {
	store GrantStore
	clock clock.Clock
	newID func() string
}

func NewLedger(store GrantStore, clk clock.Clock) *Ledger {
	return &Ledger{store: store, clock: clk, newID: uuid.NewString}
}

// GrantOption customizes a single AddPoints call.
type GrantOption func(*PointGrant)

// WithIdempotencyKey makes the grant write-once for key.
func WithIdempotencyKey(key string) GrantOption {
	return func(g *PointGrant) {
		g.IdempotencyKey = key
	}
}

// AddPoints appends a grant of amount points and returns it.
func (l *Ledger) AddPoints(ctx context.Context, customerID CustomerID, amount Points, reason string, opts ...GrantOption) (PointGrant, error) {
	if strings.TrimSpace(string(customerID)) == "" {
		return PointGrant{}, ErrInvalidCustomer
	}
	if amount <= 0 {
		return PointGrant{}, ErrInvalidPoints
	}

	grant := PointGrant{
		ID:         GrantID(l.newID()),
		CustomerID: customerID,
		Points:     amount,
		EarnedAt:   l.clock.Now(),
		Reason:     reason,
	}
	for _, opt := range opts {
		opt(&grant)
	}

	if err := l.store.AppendGrant(ctx, grant); err != nil {
		return PointGrant{}, err
	}
	return grant, nil
}

func (l *Ledger) TotalEarned(ctx context.Context, customerID CustomerID) (Points, error) {
	return l.store.TotalEarned(ctx, customerID)
}

func (l *Ledger) Grants(ctx context.Context, customerID CustomerID) ([]PointGrant, error) {
	return l.store.Grants(ctx, customerID)
}
