// Package storetest is the conformance suite every loyalty.TxStore
// implementation runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/warp/points-engine/clock"
	"github.com/warp/points-engine/loyalty"
)

// Base is the reference instant used by the suite. Whole seconds keep it
// exact in every backend.
var Base = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite. newStore must return an empty store; it is
// called once per test.
func Run(t *testing.T, newStore func(t *testing.T) loyalty.TxStore) {
	suite.Run(t, &Suite{NewStore: newStore})
}

type Suite struct {
	suite.Suite
	NewStore func(t *testing.T) loyalty.TxStore

	store loyalty.TxStore
	ctx   context.Context
}

func (s *Suite) SetupTest() {
	s.store = s.NewStore(s.T())
	s.ctx = context.Background()
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Suite) grant(id string, customer loyalty.CustomerID, points loyalty.Points, at time.Time) loyalty.PointGrant {
	g := loyalty.PointGrant{
		ID:         loyalty.GrantID(id),
		CustomerID: customer,
		Points:     points,
		EarnedAt:   at,
		Reason:     "purchase",
	}
	s.Require().NoError(s.store.AppendGrant(s.ctx, g))
	return g
}

func (s *Suite) reservation(id string, customer loyalty.CustomerID, ticket loyalty.TicketID, points loyalty.Points, createdAt time.Time) loyalty.Reservation {
	return loyalty.Reservation{
		ID:         loyalty.ReservationID(id),
		CustomerID: customer,
		TicketID:   ticket,
		Points:     points,
		CreatedAt:  createdAt,
		ExpiresAt:  createdAt.Add(loyalty.DefaultHoldDuration),
	}
}

func (s *Suite) create(r loyalty.Reservation) loyalty.Reservation {
	s.Require().NoError(s.store.CreateReservation(s.ctx, r))
	return r
}

// =============================================================================
// GRANTS
// =============================================================================

func (s *Suite) TestGrants_TotalEarnedSumsAllGrants() {
	s.grant("g-1", "cust-1", 100, Base)
	s.grant("g-2", "cust-1", 50, Base.Add(time.Hour))
	s.grant("g-3", "cust-2", 7, Base)

	total, err := s.store.TotalEarned(s.ctx, "cust-1")
	s.Require().NoError(err)
	s.Equal(loyalty.Points(150), total)

	total, err = s.store.TotalEarned(s.ctx, "nobody")
	s.Require().NoError(err)
	s.Equal(loyalty.Points(0), total)
}

func (s *Suite) TestGrants_ListedInEarnedOrder() {
	s.grant("g-late", "cust-1", 10, Base.Add(2*time.Hour))
	s.grant("g-early", "cust-1", 20, Base)

	grants, err := s.store.Grants(s.ctx, "cust-1")
	s.Require().NoError(err)
	s.Require().Len(grants, 2)
	s.Equal(loyalty.GrantID("g-early"), grants[0].ID)
	s.Equal(loyalty.GrantID("g-late"), grants[1].ID)
	s.Equal("purchase", grants[0].Reason)
	s.WithinDuration(Base, grants[0].EarnedAt, 0)
}

func (s *Suite) TestGrants_DuplicateIdempotencyKeyRejected() {
	g := loyalty.PointGrant{ID: "g-1", CustomerID: "cust-1", Points: 10, EarnedAt: Base, IdempotencyKey: "purchase:t-1"}
	s.Require().NoError(s.store.AppendGrant(s.ctx, g))

	g.ID = "g-2"
	err := s.store.AppendGrant(s.ctx, g)
	s.ErrorIs(err, loyalty.ErrDuplicateIdempotencyKey)

	total, err := s.store.TotalEarned(s.ctx, "cust-1")
	s.Require().NoError(err)
	s.Equal(loyalty.Points(10), total, "duplicate grant must not be counted")
}

func (s *Suite) TestGrants_EmptyIdempotencyKeysDoNotCollide() {
	s.grant("g-1", "cust-1", 10, Base)
	s.grant("g-2", "cust-1", 10, Base)

	total, err := s.store.TotalEarned(s.ctx, "cust-1")
	s.Require().NoError(err)
	s.Equal(loyalty.Points(20), total)
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func (s *Suite) TestReservation_VisibleUntilExpiry() {
	r := s.create(s.reservation("r-1", "cust-1", "t-1", 30, Base))

	got, err := s.store.ReservationByTicket(s.ctx, "t-1", Base.Add(time.Minute))
	s.Require().NoError(err)
	s.Equal(r.ID, got.ID)
	s.Equal(loyalty.CustomerID("cust-1"), got.CustomerID)
	s.Equal(loyalty.Points(30), got.Points)
	s.False(got.Confirmed)
	s.WithinDuration(r.ExpiresAt, got.ExpiresAt, 0)

	// Exactly at expiry the hold is still active.
	_, err = s.store.ReservationByTicket(s.ctx, "t-1", r.ExpiresAt)
	s.NoError(err)

	_, err = s.store.ReservationByTicket(s.ctx, "t-1", r.ExpiresAt.Add(time.Second))
	s.ErrorIs(err, loyalty.ErrReservationExpired)
	s.ErrorIs(err, loyalty.ErrReservationNotFound)

	_, err = s.store.ReservationByTicket(s.ctx, "missing", Base)
	s.ErrorIs(err, loyalty.ErrReservationNotFound)
	s.NotErrorIs(err, loyalty.ErrReservationExpired)
}

func (s *Suite) TestReservation_DuplicateActiveRejected() {
	s.create(s.reservation("r-1", "cust-1", "t-1", 30, Base))

	err := s.store.CreateReservation(s.ctx, s.reservation("r-2", "cust-2", "t-1", 10, Base.Add(time.Minute)))
	s.ErrorIs(err, loyalty.ErrDuplicateActiveReservation)

	var dup *loyalty.DuplicateReservationError
	s.Require().ErrorAs(err, &dup)
	s.Equal(loyalty.TicketID("t-1"), dup.TicketID)
}

func (s *Suite) TestReservation_ExpiredRowReclaimedOnCreate() {
	old := s.create(s.reservation("r-1", "cust-1", "t-1", 30, Base))

	later := old.ExpiresAt.Add(time.Minute)
	s.create(s.reservation("r-2", "cust-1", "t-1", 20, later))

	got, err := s.store.ReservationByTicket(s.ctx, "t-1", later)
	s.Require().NoError(err)
	s.Equal(loyalty.ReservationID("r-2"), got.ID)

	expired, err := s.store.ListExpired(s.ctx, later, 10)
	s.Require().NoError(err)
	s.Empty(expired, "reclaimed row must be gone")
}

func (s *Suite) TestReservation_ConfirmedTicketCannotBeReservedAgain() {
	r := s.create(s.reservation("r-1", "cust-1", "t-1", 30, Base))
	_, err := s.store.ConfirmReservation(s.ctx, r.ID, Base.Add(time.Minute))
	s.Require().NoError(err)

	// Even long after the original expiry.
	err = s.store.CreateReservation(s.ctx, s.reservation("r-2", "cust-1", "t-1", 10, Base.Add(48*time.Hour)))
	var dup *loyalty.DuplicateReservationError
	s.Require().ErrorAs(err, &dup)
	s.True(dup.Confirmed)
}

func (s *Suite) TestReservation_ListActiveByCustomer() {
	now := Base.Add(time.Hour)

	s.create(s.reservation("r-active", "cust-1", "t-1", 10, now.Add(-time.Minute)))
	s.create(s.reservation("r-expired", "cust-1", "t-2", 20, now.Add(-2*loyalty.DefaultHoldDuration)))
	confirmed := s.create(s.reservation("r-confirmed", "cust-1", "t-3", 30, now.Add(-time.Minute)))
	s.create(s.reservation("r-other", "cust-2", "t-4", 40, now.Add(-time.Minute)))
	_, err := s.store.ConfirmReservation(s.ctx, confirmed.ID, now)
	s.Require().NoError(err)

	active, err := s.store.ListActiveByCustomer(s.ctx, "cust-1", now)
	s.Require().NoError(err)
	s.Require().Len(active, 1)
	s.Equal(loyalty.ReservationID("r-active"), active[0].ID)
}

func (s *Suite) TestReservation_RedeemedTotalCountsConfirmedOnly() {
	a := s.create(s.reservation("r-1", "cust-1", "t-1", 30, Base))
	b := s.create(s.reservation("r-2", "cust-1", "t-2", 15, Base))
	s.create(s.reservation("r-3", "cust-1", "t-3", 99, Base))

	_, err := s.store.ConfirmReservation(s.ctx, a.ID, Base.Add(time.Minute))
	s.Require().NoError(err)
	_, err = s.store.ConfirmReservation(s.ctx, b.ID, Base.Add(time.Minute))
	s.Require().NoError(err)

	redeemed, err := s.store.RedeemedTotal(s.ctx, "cust-1")
	s.Require().NoError(err)
	s.Equal(loyalty.Points(45), redeemed)
}

func (s *Suite) TestConfirm_Transitions() {
	r := s.create(s.reservation("r-1", "cust-1", "t-1", 30, Base))
	at := Base.Add(5 * time.Minute)

	confirmed, err := s.store.ConfirmReservation(s.ctx, r.ID, at)
	s.Require().NoError(err)
	s.True(confirmed.Confirmed)
	s.WithinDuration(at, confirmed.ConfirmedAt, 0)
	s.Equal(loyalty.Points(30), confirmed.Points)

	_, err = s.store.ConfirmReservation(s.ctx, r.ID, at)
	s.ErrorIs(err, loyalty.ErrReservationAlreadyConfirmed)

	_, err = s.store.ConfirmReservation(s.ctx, "missing", at)
	s.ErrorIs(err, loyalty.ErrReservationNotFound)

	// Confirmed rows stay visible past their expiry.
	got, err := s.store.ReservationByTicket(s.ctx, "t-1", r.ExpiresAt.Add(24*time.Hour))
	s.Require().NoError(err)
	s.True(got.Confirmed)
}

func (s *Suite) TestConfirm_ExpiredFails() {
	r := s.create(s.reservation("r-1", "cust-1", "t-1", 30, Base))

	_, err := s.store.ConfirmReservation(s.ctx, r.ID, r.ExpiresAt.Add(time.Second))
	s.ErrorIs(err, loyalty.ErrReservationExpired)
	s.ErrorIs(err, loyalty.ErrReservationNotFound)

	redeemed, err := s.store.RedeemedTotal(s.ctx, "cust-1")
	s.Require().NoError(err)
	s.Equal(loyalty.Points(0), redeemed)
}

func (s *Suite) TestDelete_Semantics() {
	r := s.create(s.reservation("r-1", "cust-1", "t-1", 30, Base))

	s.Require().NoError(s.store.DeleteReservation(s.ctx, r.ID))
	_, err := s.store.ReservationByTicket(s.ctx, "t-1", Base)
	s.ErrorIs(err, loyalty.ErrReservationNotFound)

	s.NoError(s.store.DeleteReservation(s.ctx, r.ID), "deleting an absent row is a no-op")

	// Ticket is free again.
	s.create(s.reservation("r-2", "cust-1", "t-1", 30, Base))

	_, err = s.store.ConfirmReservation(s.ctx, "r-2", Base)
	s.Require().NoError(err)
	s.ErrorIs(s.store.DeleteReservation(s.ctx, "r-2"), loyalty.ErrReservationAlreadyConfirmed)

	got, err := s.store.ReservationByTicket(s.ctx, "t-1", Base)
	s.Require().NoError(err)
	s.True(got.Confirmed, "confirmed history must survive a delete attempt")
}

func (s *Suite) TestListExpired_OrderAndLimit() {
	for i := 0; i < 5; i++ {
		createdAt := Base.Add(time.Duration(i) * time.Minute)
		s.create(s.reservation(fmt.Sprintf("r-%d", i), "cust-1", loyalty.TicketID(fmt.Sprintf("t-%d", i)), 10, createdAt))
	}
	fresh := s.create(s.reservation("r-fresh", "cust-1", "t-fresh", 10, Base.Add(2*time.Hour)))
	confirmed := s.create(s.reservation("r-confirmed", "cust-1", "t-confirmed", 10, Base))
	_, err := s.store.ConfirmReservation(s.ctx, confirmed.ID, Base)
	s.Require().NoError(err)

	now := Base.Add(2 * time.Hour)
	expired, err := s.store.ListExpired(s.ctx, now, 3)
	s.Require().NoError(err)
	s.Require().Len(expired, 3)
	s.Equal(loyalty.ReservationID("r-0"), expired[0].ID)
	s.Equal(loyalty.ReservationID("r-1"), expired[1].ID)
	s.Equal(loyalty.ReservationID("r-2"), expired[2].ID)

	all, err := s.store.ListExpired(s.ctx, now, 100)
	s.Require().NoError(err)
	s.Len(all, 5)
	for _, r := range all {
		s.NotEqual(fresh.ID, r.ID)
		s.NotEqual(confirmed.ID, r.ID)
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Suite) TestWithCustomerTx_CommitsOnSuccess() {
	err := s.store.WithCustomerTx(s.ctx, "cust-1", func(tx loyalty.Store) error {
		if err := tx.AppendGrant(s.ctx, loyalty.PointGrant{ID: "g-1", CustomerID: "cust-1", Points: 100, EarnedAt: Base}); err != nil {
			return err
		}
		earned, err := tx.TotalEarned(s.ctx, "cust-1")
		if err != nil {
			return err
		}
		s.Equal(loyalty.Points(100), earned, "writes are visible inside the transaction")
		return tx.CreateReservation(s.ctx, s.reservation("r-1", "cust-1", "t-1", 40, Base))
	})
	s.Require().NoError(err)

	earned, err := s.store.TotalEarned(s.ctx, "cust-1")
	s.Require().NoError(err)
	s.Equal(loyalty.Points(100), earned)

	_, err = s.store.ReservationByTicket(s.ctx, "t-1", Base)
	s.NoError(err)
}

func (s *Suite) TestWithCustomerTx_RollsBackOnError() {
	boom := errors.New("boom")
	err := s.store.WithCustomerTx(s.ctx, "cust-1", func(tx loyalty.Store) error {
		if err := tx.AppendGrant(s.ctx, loyalty.PointGrant{ID: "g-1", CustomerID: "cust-1", Points: 100, EarnedAt: Base}); err != nil {
			return err
		}
		if err := tx.CreateReservation(s.ctx, s.reservation("r-1", "cust-1", "t-1", 40, Base)); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	earned, err := s.store.TotalEarned(s.ctx, "cust-1")
	s.Require().NoError(err)
	s.Equal(loyalty.Points(0), earned)

	_, err = s.store.ReservationByTicket(s.ctx, "t-1", Base)
	s.ErrorIs(err, loyalty.ErrReservationNotFound)
}

// =============================================================================
// MANAGER ON THIS STORE
// =============================================================================

func (s *Suite) TestManager_ConcurrentReservesNeverOverspend() {
	// GIVEN: A customer with 100 points
	// WHEN: 25 checkouts race to reserve 10 points each
	// THEN: Exactly 10 succeed and the rest see insufficient points

	mgr := loyalty.NewManager(s.store, clock.NewFixed(Base))
	_, err := mgr.AddPoints(s.ctx, "cust-1", 100, "seed")
	s.Require().NoError(err)

	const attempts = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		short     int
		other     []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := mgr.Reserve(s.ctx, "cust-1", loyalty.TicketID(fmt.Sprintf("t-%d", i)), 10)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, loyalty.ErrInsufficientPoints):
				short++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	s.Empty(other)
	s.Equal(10, succeeded)
	s.Equal(attempts-10, short)

	available, err := mgr.AvailablePoints(s.ctx, "cust-1")
	s.Require().NoError(err)
	s.Equal(loyalty.Points(0), available)

	active, err := s.store.ListActiveByCustomer(s.ctx, "cust-1", Base)
	s.Require().NoError(err)
	var held loyalty.Points
	for _, r := range active {
		held += r.Points
	}
	s.LessOrEqual(held, loyalty.Points(100))
}

func (s *Suite) TestManager_ConfirmRacingReserveNeverOverspends() {
	// GIVEN: Per round, a customer with 100 points and 60 held by ticket "a"
	// WHEN: "a" is confirmed while ticket "b" tries to reserve 60
	// THEN: "b" always sees the 60 as spent, held or redeemed

	mgr := loyalty.NewManager(s.store, clock.NewFixed(Base))
	const rounds = 20
	for i := 0; i < rounds; i++ {
		customer := loyalty.CustomerID(fmt.Sprintf("cust-%d", i))
		a := loyalty.TicketID(fmt.Sprintf("t-%d-a", i))
		b := loyalty.TicketID(fmt.Sprintf("t-%d-b", i))
		_, err := mgr.AddPoints(s.ctx, customer, 100, "seed")
		s.Require().NoError(err)
		_, err = mgr.Reserve(s.ctx, customer, a, 60)
		s.Require().NoError(err)

		var (
			wg                     sync.WaitGroup
			confirmErr, reserveErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, confirmErr = mgr.Confirm(s.ctx, a)
		}()
		go func() {
			defer wg.Done()
			_, reserveErr = mgr.Reserve(s.ctx, customer, b, 60)
		}()
		wg.Wait()

		s.Require().NoError(confirmErr, "round %d", i)
		s.ErrorIs(reserveErr, loyalty.ErrInsufficientPoints, "round %d", i)
		s.committedWithinEarned(customer)
	}
}

func (s *Suite) TestManager_ReleaseRacingReserveNeverOverspends() {
	mgr := loyalty.NewManager(s.store, clock.NewFixed(Base))
	const rounds = 20
	for i := 0; i < rounds; i++ {
		customer := loyalty.CustomerID(fmt.Sprintf("cust-%d", i))
		a := loyalty.TicketID(fmt.Sprintf("t-%d-a", i))
		b := loyalty.TicketID(fmt.Sprintf("t-%d-b", i))
		_, err := mgr.AddPoints(s.ctx, customer, 100, "seed")
		s.Require().NoError(err)
		_, err = mgr.Reserve(s.ctx, customer, a, 60)
		s.Require().NoError(err)

		var (
			wg                     sync.WaitGroup
			releaseErr, reserveErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			releaseErr = mgr.Release(s.ctx, a)
		}()
		go func() {
			defer wg.Done()
			_, reserveErr = mgr.Reserve(s.ctx, customer, b, 60)
		}()
		wg.Wait()

		// b fits only if the release landed first
		s.Require().NoError(releaseErr, "round %d", i)
		if reserveErr != nil {
			s.ErrorIs(reserveErr, loyalty.ErrInsufficientPoints, "round %d", i)
		}
		s.committedWithinEarned(customer)
	}
}

// committedWithinEarned checks redeemed + active holds never exceed earned.
func (s *Suite) committedWithinEarned(customer loyalty.CustomerID) {
	s.T().Helper()
	earned, err := s.store.TotalEarned(s.ctx, customer)
	s.Require().NoError(err)
	redeemed, err := s.store.RedeemedTotal(s.ctx, customer)
	s.Require().NoError(err)
	active, err := s.store.ListActiveByCustomer(s.ctx, customer, Base)
	s.Require().NoError(err)
	var held loyalty.Points
	for _, r := range active {
		held += r.Points
	}
	s.LessOrEqual(int64(redeemed+held), int64(earned), "customer %s", customer)
}

func (s *Suite) TestManager_RoundTrip() {
	clk := clock.NewFake(Base)
	mgr := loyalty.NewManager(s.store, clk)

	_, err := mgr.AddPoints(s.ctx, "cust-1", 100, "x")
	s.Require().NoError(err)
	s.available(mgr, 100)

	_, err = mgr.Reserve(s.ctx, "cust-1", "t-1", 30)
	s.Require().NoError(err)
	s.available(mgr, 70)

	s.Require().NoError(mgr.Release(s.ctx, "t-1"))
	s.available(mgr, 100)

	_, err = mgr.Reserve(s.ctx, "cust-1", "t-2", 40)
	s.Require().NoError(err)
	redemption, err := mgr.Confirm(s.ctx, "t-2")
	s.Require().NoError(err)
	s.Equal(loyalty.Points(40), redemption.Points)
	s.available(mgr, 60)

	// Confirmed points stay spent forever.
	clk.Advance(24 * time.Hour)
	s.available(mgr, 60)
}

func (s *Suite) available(mgr *loyalty.Manager, want loyalty.Points) {
	s.T().Helper()
	got, err := mgr.AvailablePoints(s.ctx, "cust-1")
	s.Require().NoError(err)
	s.Equal(want, got)
}
