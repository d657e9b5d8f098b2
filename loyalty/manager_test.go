package loyalty_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/clock"
	"github.com/warp/points-engine/loyalty"
	"github.com/warp/points-engine/loyalty/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, opts ...loyalty.ManagerOption) (*loyalty.Manager, *store.Memory, *clock.Fake) {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewFake(t0)
	return loyalty.NewManager(mem, clk, opts...), mem, clk
}

func earn(t *testing.T, m *loyalty.Manager, customer loyalty.CustomerID, points loyalty.Points) {
	t.Helper()
	_, err := m.AddPoints(context.Background(), customer, points, "purchase")
	require.NoError(t, err)
}

func available(t *testing.T, m *loyalty.Manager, customer loyalty.CustomerID) loyalty.Points {
	t.Helper()
	p, err := m.AvailablePoints(context.Background(), customer)
	require.NoError(t, err)
	return p
}

// =============================================================================
// RESERVE
// =============================================================================

func TestReserve_HoldsPointsAgainstBalance(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	// GIVEN: Customer earned 100 points
	earn(t, m, "cust-1", 100)

	// WHEN: Reserving 30 for a ticket
	r, err := m.Reserve(ctx, "cust-1", "ticket-1", 30)

	// THEN: The hold is pending and expires after the hold duration
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(30), r.Points)
	assert.False(t, r.Confirmed)
	assert.Equal(t, t0.Add(loyalty.DefaultHoldDuration), r.ExpiresAt)
	assert.Equal(t, loyalty.StatePending, r.State(t0))

	// AND: Available drops by the held amount
	assert.Equal(t, loyalty.Points(70), available(t, m, "cust-1"))
}

func TestReserve_ExactBalanceSucceeds(t *testing.T) {
	m, _, _ := newTestManager(t)
	earn(t, m, "cust-1", 50)

	_, err := m.Reserve(context.Background(), "cust-1", "ticket-1", 50)

	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(0), available(t, m, "cust-1"))
}

func TestReserve_InsufficientPoints(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	// GIVEN: 100 earned, 80 already held
	earn(t, m, "cust-1", 100)
	_, err := m.Reserve(ctx, "cust-1", "ticket-1", 80)
	require.NoError(t, err)

	// WHEN: Asking for 30 more
	_, err = m.Reserve(ctx, "cust-1", "ticket-2", 30)

	// THEN: Rejected with the shortfall details
	require.ErrorIs(t, err, loyalty.ErrInsufficientPoints)
	var insufficient *loyalty.InsufficientPointsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, loyalty.Points(20), insufficient.Available)
	assert.Equal(t, loyalty.Points(30), insufficient.Requested)
	assert.Equal(t, loyalty.Points(10), insufficient.Shortfall())

	// AND: Nothing was created for ticket-2
	_, err = m.Lookup(ctx, "ticket-2")
	assert.ErrorIs(t, err, loyalty.ErrReservationNotFound)
}

func TestReserve_NoGrantsMeansNothingAvailable(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Reserve(context.Background(), "cust-new", "ticket-1", 1)

	assert.ErrorIs(t, err, loyalty.ErrInsufficientPoints)
}

func TestReserve_InvalidInput(t *testing.T) {
	m, _, _ := newTestManager(t)
	earn(t, m, "cust-1", 100)
	ctx := context.Background()

	tests := []struct {
		name     string
		customer loyalty.CustomerID
		ticket   loyalty.TicketID
		points   loyalty.Points
		want     error
	}{
		{"zero points", "cust-1", "ticket-1", 0, loyalty.ErrInvalidPoints},
		{"negative points", "cust-1", "ticket-1", -5, loyalty.ErrInvalidPoints},
		{"empty customer", "", "ticket-1", 10, loyalty.ErrInvalidCustomer},
		{"blank ticket", "cust-1", "  ", 10, loyalty.ErrInvalidTicket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Reserve(ctx, tt.customer, tt.ticket, tt.points)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, loyalty.IsClientError(err))
		})
	}

	assert.Equal(t, loyalty.Points(100), available(t, m, "cust-1"))
}

func TestReserve_DuplicateTicketRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	earn(t, m, "cust-1", 100)

	// GIVEN: ticket-1 holds 20
	first, err := m.Reserve(ctx, "cust-1", "ticket-1", 20)
	require.NoError(t, err)

	// WHEN: Reserving the same ticket again
	_, err = m.Reserve(ctx, "cust-1", "ticket-1", 10)

	// THEN: Rejected, pointing at the existing hold
	require.ErrorIs(t, err, loyalty.ErrDuplicateActiveReservation)
	var dup *loyalty.DuplicateReservationError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first.ID, dup.ExistingID)
	assert.False(t, dup.Confirmed)

	// AND: Only the first hold counts
	assert.Equal(t, loyalty.Points(80), available(t, m, "cust-1"))
}

func TestReserve_AllowedAgainAfterRelease(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	earn(t, m, "cust-1", 100)

	_, err := m.Reserve(ctx, "cust-1", "ticket-1", 20)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "ticket-1"))

	r, err := m.Reserve(ctx, "cust-1", "ticket-1", 40)

	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(40), r.Points)
	assert.Equal(t, loyalty.Points(60), available(t, m, "cust-1"))
}

func TestReserve_AllowedAgainAfterExpiry(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()
	earn(t, m, "cust-1", 100)

	// GIVEN: A hold that lapsed and was never swept
	_, err := m.Reserve(ctx, "cust-1", "ticket-1", 20)
	require.NoError(t, err)
	clk.Advance(loyalty.DefaultHoldDuration + time.Second)

	// WHEN: Reserving the same ticket again
	r, err := m.Reserve(ctx, "cust-1", "ticket-1", 25)

	// THEN: A fresh hold replaces the lapsed one
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(75), available(t, m, "cust-1"))

	found, err := m.Lookup(ctx, "ticket-1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, found.ID)
}

func TestReserve_ConfirmedTicketCannotBeReservedAgain(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	earn(t, m, "cust-1", 100)

	_, err := m.Reserve(ctx, "cust-1", "ticket-1", 20)
	require.NoError(t, err)
	_, err = m.Confirm(ctx, "ticket-1")
	require.NoError(t, err)

	_, err = m.Reserve(ctx, "cust-1", "ticket-1", 20)

	var dup *loyalty.DuplicateReservationError
	require.True(t, errors.As(err, &dup))
	assert.True(t, dup.Confirmed)
}

func TestReserve_CustomHoldDuration(t *testing.T) {
	m, _, _ := newTestManager(t, loyalty.WithHoldDuration(5*time.Minute))
	earn(t, m, "cust-1", 100)

	r, err := m.Reserve(context.Background(), "cust-1", "ticket-1", 10)

	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, m.HoldDuration())
	assert.Equal(t, t0.Add(5*time.Minute), r.ExpiresAt)
}

func TestReserve_UsesIDGenerator(t *testing.T) {
	n := 0
	m, _, _ := newTestManager(t, loyalty.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}))
	earn(t, m, "cust-1", 100) // consumes id-1

	r, err := m.Reserve(context.Background(), "cust-1", "ticket-1", 10)

	require.NoError(t, err)
	assert.Equal(t, loyalty.ReservationID("id-2"), r.ID)
}

func TestReserve_ConcurrentRequestsNeverOverspend(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	// GIVEN: 100 points
	earn(t, m, "cust-1", 100)

	// WHEN: 50 checkouts race to hold 10 each
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Reserve(ctx, "cust-1", loyalty.TicketID(fmt.Sprintf("ticket-%d", i)), 10)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, loyalty.ErrInsufficientPoints)
		}(i)
	}
	wg.Wait()

	// THEN: Exactly ten fit
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, loyalty.Points(0), available(t, m, "cust-1"))
}

// =============================================================================
// EXPIRY
// =============================================================================

func TestExpiry_ExpiredHoldNoLongerCounts(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()

	// GIVEN: Earned 100, a hold of 30 that expired an hour ago, sweeper never ran
	earn(t, m, "cust-1", 100)
	_, err := m.Reserve(ctx, "cust-1", "ticket-1", 30)
	require.NoError(t, err)
	clk.Advance(loyalty.DefaultHoldDuration + time.Hour)

	// THEN: Available is 100, not 70
	assert.Equal(t, loyalty.Points(100), available(t, m, "cust-1"))

	// AND: The ticket has no visible reservation
	_, err = m.Lookup(ctx, "ticket-1")
	assert.ErrorIs(t, err, loyalty.ErrReservationNotFound)
	assert.ErrorIs(t, err, loyalty.ErrReservationExpired)
}

func TestExpiry_HoldActiveAtExactExpiryInstant(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()
	earn(t, m, "cust-1", 100)

	_, err := m.Reserve(ctx, "cust-1", "ticket-1", 30)
	require.NoError(t, err)

	clk.Advance(loyalty.DefaultHoldDuration)
	assert.Equal(t, loyalty.Points(70), available(t, m, "cust-1"))

	clk.Advance(time.Nanosecond)
	assert.Equal(t, loyalty.Points(100), available(t, m, "cust-1"))
}

// =============================================================================
// CONFIRM
// =============================================================================

func TestConfirm_TurnsHoldIntoRedemption(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()
	earn(t, m, "cust-1", 100)

	r, err := m.Reserve(ctx, "cust-1", "ticket-1", 30)
	require.NoError(t, err)
	clk.Advance(10 * time.Minute)

	// WHEN: Payment succeeds
	redemption, err := m.Confirm(ctx, "ticket-1")

	// THEN: The redemption mirrors the hold
	require.NoError(t, err)
	assert.Equal(t, r.ID, redemption.ReservationID)
	assert.Equal(t, loyalty.CustomerID("cust-1"), redemption.CustomerID)
	assert.Equal(t, loyalty.TicketID("ticket-1"), redemption.TicketID)
	assert.Equal(t, loyalty.Points(30), redemption.Points)
	assert.Equal(t, t0.Add(10*time.Minute), redemption.ConfirmedAt)

	// AND: The points are redeemed, no longer reserved
	b, err := m.Balance(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(100), b.Earned)
	assert.Equal(t, loyalty.Points(30), b.Redeemed)
	assert.Equal(t, loyalty.Points(0), b.Reserved)
	assert.Equal(t, loyalty.Points(70), b.Available())
}

func TestConfirm_ConfirmedRedemptionSurvivesHoldExpiry(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()
	earn(t, m, "cust-1", 100)

	_, err := m.Reserve(ctx, "cust-1", "ticket-1", 30)
	require.NoError(t, err)
	_, err = m.Confirm(ctx, "ticket-1")
	require.NoError(t, err)

	// WHEN: Long past the original expiry
	clk.Advance(48 * time.Hour)

	// THEN: Still deducted and still visible
	assert.Equal(t, loyalty.Points(70), available(t, m, "cust-1"))
	r, err := m.Lookup(ctx, "ticket-1")
	require.NoError(t, err)
	assert.True(t, r.Confirmed)
}

func TestConfirm_AfterExpiryFails(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()
	earn(t, m, "cust-1", 100)

	_, err := m.Reserve(ctx, "cust-1", "ticket-1", 30)
	require.NoError(t, err)
	clk.Advance(loyalty.DefaultHoldDuration + time.Second)

	_, err = m.Confirm(ctx, "ticket-1")

	assert.ErrorIs(t, err, loyalty.ErrReservationExpired)
	assert.ErrorIs(t, err, loyalty.ErrReservationNotFound, "expired still reads as not found")
	assert.Equal(t, loyalty.Points(100), available(t, m, "cust-1"))
}

func TestConfirm_Twice(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	earn(t, m, "cust-1", 100)

	_, err := m.Reserve(ctx, "cust-1", "ticket-1", 30)
	require.NoError(t, err)
	_, err = m.Confirm(ctx, "ticket-1")
	require.NoError(t, err)

	_, err = m.Confirm(ctx, "ticket-1")

	assert.ErrorIs(t, err, loyalty.ErrReservationAlreadyConfirmed)
	assert.Equal(t, loyalty.Points(70), available(t, m, "cust-1"))
}

func TestConfirm_UnknownTicket(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Confirm(context.Background(), "ticket-missing")

	assert.ErrorIs(t, err, loyalty.ErrReservationNotFound)
	assert.True(t, loyalty.IsNotFound(err))
}

// =============================================================================
// RELEASE
// =============================================================================

func TestRelease_ReturnsPoints(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	earn(t, m, "cust-1", 100)

	_, err := m.Reserve(ctx, "cust-1", "ticket-1", 30)
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, "ticket-1"))

	assert.Equal(t, loyalty.Points(100), available(t, m, "cust-1"))
	_, err = m.Lookup(ctx, "ticket-1")
	assert.ErrorIs(t, err, loyalty.ErrReservationNotFound)
}

func TestRelease_NothingToReleaseIsNoOp(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()
	earn(t, m, "cust-1", 100)

	// Unknown ticket
	assert.NoError(t, m.Release(ctx, "ticket-missing"))

	// Released twice
	_, err := m.Reserve(ctx, "cust-1", "ticket-1", 30)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "ticket-1"))
	assert.NoError(t, m.Release(ctx, "ticket-1"))

	// Expired
	_, err = m.Reserve(ctx, "cust-1", "ticket-2", 30)
	require.NoError(t, err)
	clk.Advance(loyalty.DefaultHoldDuration + time.Second)
	assert.NoError(t, m.Release(ctx, "ticket-2"))

	assert.Equal(t, loyalty.Points(100), available(t, m, "cust-1"))
}

func TestRelease_ConfirmedReservationIsKept(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	earn(t, m, "cust-1", 100)

	_, err := m.Reserve(ctx, "cust-1", "ticket-1", 30)
	require.NoError(t, err)
	_, err = m.Confirm(ctx, "ticket-1")
	require.NoError(t, err)

	err = m.Release(ctx, "ticket-1")

	assert.ErrorIs(t, err, loyalty.ErrReservationAlreadyConfirmed)
	assert.Equal(t, loyalty.Points(70), available(t, m, "cust-1"))
}

func TestRelease_EmptyTicket(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.ErrorIs(t, m.Release(context.Background(), ""), loyalty.ErrInvalidTicket)
}

// =============================================================================
// BALANCE INVARIANT
// =============================================================================

func TestBalance_NeverNegativeAcrossLifecycle(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()
	earn(t, m, "cust-1", 60)

	steps := []func() error{
		func() error { _, err := m.Reserve(ctx, "cust-1", "t-1", 20); return err },
		func() error { _, err := m.Reserve(ctx, "cust-1", "t-2", 40); return err },
		func() error { _, err := m.Confirm(ctx, "t-1"); return err },
		func() error { return m.Release(ctx, "t-2") },
		func() error { _, err := m.Reserve(ctx, "cust-1", "t-3", 40); return err },
		func() error { clk.Advance(time.Hour); return nil },
		func() error { _, err := m.Reserve(ctx, "cust-1", "t-4", 40); return err },
		func() error { _, err := m.Confirm(ctx, "t-4"); return err },
	}

	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
		b, err := m.Balance(ctx, "cust-1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, int64(b.Earned-b.Redeemed-b.Reserved), int64(0), "step %d", i)
	}

	b, err := m.Balance(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(60), b.Redeemed)
	assert.Equal(t, loyalty.Points(0), b.Available())
}

func TestBalance_CustomersAreIndependent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	earn(t, m, "cust-1", 100)
	earn(t, m, "cust-2", 10)

	_, err := m.Reserve(ctx, "cust-1", "ticket-1", 90)
	require.NoError(t, err)

	assert.Equal(t, loyalty.Points(10), available(t, m, "cust-1"))
	assert.Equal(t, loyalty.Points(10), available(t, m, "cust-2"))
}

// =============================================================================
// STORAGE FAILURES
// =============================================================================

// failingStore fails every call. Embedding the interface keeps it short:
// only the methods Reserve reaches are defined.
type failingStore struct {
	loyalty.TxStore
	err error
}

func (f failingStore) WithCustomerTx(ctx context.Context, _ loyalty.CustomerID, fn func(loyalty.Store) error) error {
	return fn(f)
}

func (f failingStore) ReservationByTicket(context.Context, loyalty.TicketID, time.Time) (loyalty.Reservation, error) {
	return loyalty.Reservation{}, f.err
}

func (f failingStore) TotalEarned(context.Context, loyalty.CustomerID) (loyalty.Points, error) {
	return 0, f.err
}

func TestReserve_StorageFailureSurfaces(t *testing.T) {
	storeErr := loyalty.NewStorageError("memory: read", errors.New("disk gone"))
	m := loyalty.NewManager(failingStore{err: storeErr}, clock.NewFixed(t0))

	_, err := m.Reserve(context.Background(), "cust-1", "ticket-1", 10)

	require.ErrorIs(t, err, loyalty.ErrStorageUnavailable)
	assert.True(t, loyalty.IsRetryable(err))
	assert.False(t, loyalty.IsClientError(err))

	_, err = m.Balance(context.Background(), "cust-1")
	assert.ErrorIs(t, err, loyalty.ErrStorageUnavailable)
}

// =============================================================================
// CONFIRM / RELEASE VS RESERVE
// =============================================================================

// statementStore behaves like a read-committed database: every read and
// write is its own statement against the shared state, and WithCustomerTx
// only holds a per-customer lock. afterRedeemed runs once, right after the
// next RedeemedTotal read.
type statementStore struct {
	*store.Memory
	locks         sync.Map
	afterRedeemed func()
}

func (s *statementStore) WithCustomerTx(_ context.Context, customerID loyalty.CustomerID, fn func(loyalty.Store) error) error {
	mu, _ := s.locks.LoadOrStore(customerID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()
	return fn(s)
}

func (s *statementStore) RedeemedTotal(ctx context.Context, customerID loyalty.CustomerID) (loyalty.Points, error) {
	total, err := s.Memory.RedeemedTotal(ctx, customerID)
	if hook := s.afterRedeemed; hook != nil {
		s.afterRedeemed = nil
		hook()
	}
	return total, err
}

func TestConfirm_CannotLandBetweenReserveBalanceReads(t *testing.T) {
	st := &statementStore{Memory: store.NewMemory()}
	m := loyalty.NewManager(st, clock.NewFixed(t0))
	ctx := context.Background()

	// GIVEN: 100 earned, 60 held by ticket-1
	earn(t, m, "cust-1", 100)
	_, err := m.Reserve(ctx, "cust-1", "ticket-1", 60)
	require.NoError(t, err)

	// WHEN: ticket-1 is confirmed while a second reserve sits between its
	// redeemed read and its active-holds read
	var confirmErr error
	done := make(chan struct{})
	st.afterRedeemed = func() {
		go func() {
			_, confirmErr = m.Confirm(ctx, "ticket-1")
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(50 * time.Millisecond):
		}
	}
	_, err = m.Reserve(ctx, "cust-1", "ticket-2", 60)
	<-done

	// THEN: The 60 points are seen exactly once
	require.NoError(t, confirmErr)
	assert.ErrorIs(t, err, loyalty.ErrInsufficientPoints)

	b, err := m.Balance(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(60), b.Redeemed)
	assert.Equal(t, loyalty.Points(0), b.Reserved)
	assert.LessOrEqual(t, int64(b.Redeemed+b.Reserved), int64(b.Earned))
}

// lockRecorder remembers which customers WithCustomerTx was called for.
type lockRecorder struct {
	*store.Memory
	mu     sync.Mutex
	locked []loyalty.CustomerID
}

func (l *lockRecorder) WithCustomerTx(ctx context.Context, customerID loyalty.CustomerID, fn func(loyalty.Store) error) error {
	l.mu.Lock()
	l.locked = append(l.locked, customerID)
	l.mu.Unlock()
	return l.Memory.WithCustomerTx(ctx, customerID, fn)
}

func TestConfirmAndRelease_TakeTheCustomerLock(t *testing.T) {
	rec := &lockRecorder{Memory: store.NewMemory()}
	m := loyalty.NewManager(rec, clock.NewFixed(t0))
	ctx := context.Background()
	earn(t, m, "cust-1", 100)

	_, err := m.Reserve(ctx, "cust-1", "ticket-1", 10)
	require.NoError(t, err)
	_, err = m.Reserve(ctx, "cust-1", "ticket-2", 10)
	require.NoError(t, err)

	_, err = m.Confirm(ctx, "ticket-1")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "ticket-2"))

	// Two reserves, one confirm, one release
	assert.Equal(t, []loyalty.CustomerID{"cust-1", "cust-1", "cust-1", "cust-1"}, rec.locked)
}
