package loyalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/clock"
	"github.com/warp/points-engine/loyalty"
	"github.com/warp/points-engine/loyalty/store"
)

func TestLedger_AddPointsAppendsGrant(t *testing.T) {
	clk := clock.NewFake(t0)
	ledger := loyalty.NewLedger(store.NewMemory(), clk)
	ctx := context.Background()

	// WHEN: Two purchases earn points an hour apart
	g1, err := ledger.AddPoints(ctx, "cust-1", 120, "purchase")
	require.NoError(t, err)
	clk.Advance(time.Hour)
	g2, err := ledger.AddPoints(ctx, "cust-1", 30, "promo")
	require.NoError(t, err)

	// THEN: Both are listed in order and summed
	assert.NotEmpty(t, g1.ID)
	assert.NotEqual(t, g1.ID, g2.ID)
	assert.Equal(t, t0, g1.EarnedAt)

	grants, err := ledger.Grants(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, "purchase", grants[0].Reason)
	assert.Equal(t, "promo", grants[1].Reason)

	total, err := ledger.TotalEarned(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(150), total)
}

func TestLedger_IdempotencyKeyWritesOnce(t *testing.T) {
	ledger := loyalty.NewLedger(store.NewMemory(), clock.NewFixed(t0))
	ctx := context.Background()

	_, err := ledger.AddPoints(ctx, "cust-1", 50, "purchase", loyalty.WithIdempotencyKey("purchase:ticket-1"))
	require.NoError(t, err)

	// WHEN: The same award is retried
	_, err = ledger.AddPoints(ctx, "cust-1", 50, "purchase", loyalty.WithIdempotencyKey("purchase:ticket-1"))

	// THEN: Rejected, and the total is unchanged
	assert.ErrorIs(t, err, loyalty.ErrDuplicateIdempotencyKey)
	total, err := ledger.TotalEarned(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(50), total)
}

func TestLedger_RejectsInvalidGrants(t *testing.T) {
	ledger := loyalty.NewLedger(store.NewMemory(), clock.NewFixed(t0))
	ctx := context.Background()

	_, err := ledger.AddPoints(ctx, "cust-1", 0, "purchase")
	assert.ErrorIs(t, err, loyalty.ErrInvalidPoints)

	_, err = ledger.AddPoints(ctx, "cust-1", -10, "refund")
	assert.ErrorIs(t, err, loyalty.ErrInvalidPoints)

	_, err = ledger.AddPoints(ctx, " ", 10, "purchase")
	assert.ErrorIs(t, err, loyalty.ErrInvalidCustomer)

	grants, err := ledger.Grants(ctx, "cust-1")
	require.NoError(t, err)
	assert.Empty(t, grants)
}
