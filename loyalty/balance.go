/*
balance.go - Available balance derivation

AVAILABILITY CALCULATION:
  Available = Earned - Redeemed - Reserved

  Reserved only counts reservations that are active at AsOf: not
  confirmed and not past their expiry. An expired hold that the sweeper
  has not deleted yet is already excluded, because expiry is a clock
  comparison made here, not a flag the sweeper sets.

EXAMPLE:
  Earned 100, one hold of 30 that expired an hour ago, nothing redeemed:
  Available = 100 - 0 - 0 = 100 (not 70)
*/
package loyalty

import (
	"context"
	"time"
)

// Balance is a customer's point position at a point in time.
type Balance struct {
	CustomerID CustomerID
	AsOf       time.Time

	// Sum of all grants.
	Earned Points

	// Sum of confirmed reservations.
	Redeemed Points

	// Sum of active reservations.
	Reserved Points

	// Number of active reservations behind Reserved.
	ActiveReservations int
}

// Available returns what can be reserved right now. Never negative.
func (b Balance) Available() Points {
	available := b.Earned - b.Redeemed - b.Reserved
	if available < 0 {
		return 0
	}
	return available
}

// CanReserve reports whether points fit within the available balance.
func (b Balance) CanReserve(points Points) bool {
	return points > 0 && points <= b.Available()
}

// DeriveBalance combines earned and redeemed totals with a reservation set.
// Pure: reservations that are not active at now are skipped.
func DeriveBalance(customerID CustomerID, now time.Time, earned, redeemed Points, reservations []Reservation) Balance {
	b := Balance{
		CustomerID: customerID,
		AsOf:       now,
		Earned:     earned,
		Redeemed:   redeemed,
	}
	for _, r := range reservations {
		if r.CustomerID != customerID || !r.IsActive(now) {
			continue
		}
		b.Reserved += r.Points
		b.ActiveReservations++
	}
	return b
}

// BalanceSource is the read side a BalanceCalculator needs.
type BalanceSource interface {
	TotalEarned(ctx context.Context, customerID CustomerID) (Points, error)
	RedeemedTotal(ctx context.Context, customerID CustomerID) (Points, error)
	ListActiveByCustomer(ctx context.Context, customerID CustomerID, now time.Time) ([]Reservation, error)
}

// BalanceCalculator reads a BalanceSource and derives a Balance.
type BalanceCalculator struct {
	Source BalanceSource
}

func (bc *BalanceCalculator) Calculate(ctx context.Context, customerID CustomerID, now time.Time) (Balance, error) {
	earned, err := bc.Source.TotalEarned(ctx, customerID)
	if err != nil {
		return Balance{}, err
	}
	redeemed, err := bc.Source.RedeemedTotal(ctx, customerID)
	if err != nil {
		return Balance{}, err
	}
	active, err := bc.Source.ListActiveByCustomer(ctx, customerID, now)
	if err != nil {
		return Balance{}, err
	}
	return DeriveBalance(customerID, now, earned, redeemed, active), nil
}

// AvailablePoints is Calculate(...).Available().
func (bc *BalanceCalculator) AvailablePoints(ctx context.Context, customerID CustomerID, now time.Time) (Points, error) {
	b, err := bc.Calculate(ctx, customerID, now)
	if err != nil {
		return 0, err
	}
	return b.Available(), nil
}
