// Package store provides an in-memory loyalty.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/points-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements loyalty.TxStore. WithCustomerTx holds a store-wide
// lock, which is stricter than per-customer but satisfies the contract.
type Memory struct {
	mu sync.RWMutex
	st state
}

type state struct {
	grants       map[loyalty.CustomerID][]loyalty.PointGrant
	idempotency  map[string]bool
	reservations map[loyalty.ReservationID]loyalty.Reservation
	byTicket     map[loyalty.TicketID]loyalty.ReservationID
}

var _ loyalty.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{st: state{
		grants:       make(map[loyalty.CustomerID][]loyalty.PointGrant),
		idempotency:  make(map[string]bool),
		reservations: make(map[loyalty.ReservationID]loyalty.Reservation),
		byTicket:     make(map[loyalty.TicketID]loyalty.ReservationID),
	}}
}

// =============================================================================
// GRANTS
// =============================================================================

func (m *Memory) AppendGrant(_ context.Context, g loyalty.PointGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.appendGrant(g)
}

func (m *Memory) Grants(_ context.Context, customerID loyalty.CustomerID) ([]loyalty.PointGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listGrants(customerID), nil
}

func (m *Memory) TotalEarned(_ context.Context, customerID loyalty.CustomerID) (loyalty.Points, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.totalEarned(customerID), nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func (m *Memory) CreateReservation(_ context.Context, r loyalty.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.create(r)
}

func (m *Memory) ReservationByTicket(_ context.Context, ticketID loyalty.TicketID, now time.Time) (loyalty.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.byTicketID(ticketID, now)
}

func (m *Memory) ListActiveByCustomer(_ context.Context, customerID loyalty.CustomerID, now time.Time) ([]loyalty.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listActive(customerID, now), nil
}

func (m *Memory) RedeemedTotal(_ context.Context, customerID loyalty.CustomerID) (loyalty.Points, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.redeemed(customerID), nil
}

func (m *Memory) ConfirmReservation(_ context.Context, id loyalty.ReservationID, now time.Time) (loyalty.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.confirm(id, now)
}

func (m *Memory) DeleteReservation(_ context.Context, id loyalty.ReservationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.delete(id)
}

func (m *Memory) ListExpired(_ context.Context, now time.Time, limit int) ([]loyalty.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listExpired(now, limit), nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithCustomerTx runs fn under the store lock, simulated with a snapshot
// and rollback on error.
func (m *Memory) WithCustomerTx(_ context.Context, _ loyalty.CustomerID, fn func(loyalty.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&txView{st: &m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// txView is the Store handed to WithCustomerTx callbacks. The lock is
// already held, so it calls state directly.
type txView struct {
	st *state
}

func (v *txView) AppendGrant(_ context.Context, g loyalty.PointGrant) error {
	return v.st.appendGrant(g)
}

func (v *txView) Grants(_ context.Context, customerID loyalty.CustomerID) ([]loyalty.PointGrant, error) {
	return v.st.listGrants(customerID), nil
}

func (v *txView) TotalEarned(_ context.Context, customerID loyalty.CustomerID) (loyalty.Points, error) {
	return v.st.totalEarned(customerID), nil
}

func (v *txView) CreateReservation(_ context.Context, r loyalty.Reservation) error {
	return v.st.create(r)
}

func (v *txView) ReservationByTicket(_ context.Context, ticketID loyalty.TicketID, now time.Time) (loyalty.Reservation, error) {
	return v.st.byTicketID(ticketID, now)
}

func (v *txView) ListActiveByCustomer(_ context.Context, customerID loyalty.CustomerID, now time.Time) ([]loyalty.Reservation, error) {
	return v.st.listActive(customerID, now), nil
}

func (v *txView) RedeemedTotal(_ context.Context, customerID loyalty.CustomerID) (loyalty.Points, error) {
	return v.st.redeemed(customerID), nil
}

func (v *txView) ConfirmReservation(_ context.Context, id loyalty.ReservationID, now time.Time) (loyalty.Reservation, error) {
	return v.st.confirm(id, now)
}

func (v *txView) DeleteReservation(_ context.Context, id loyalty.ReservationID) error {
	return v.st.delete(id)
}

func (v *txView) ListExpired(_ context.Context, now time.Time, limit int) ([]loyalty.Reservation, error) {
	return v.st.listExpired(now, limit), nil
}

// =============================================================================
// STATE - Callers hold the lock
// =============================================================================

func (s *state) appendGrant(g loyalty.PointGrant) error {
	if g.IdempotencyKey != "" && s.idempotency[g.IdempotencyKey] {
		return loyalty.ErrDuplicateIdempotencyKey
	}

	grants := s.grants[g.CustomerID]
	i := sort.Search(len(grants), func(i int) bool {
		return grants[i].EarnedAt.After(g.EarnedAt)
	})
	grants = append(grants, loyalty.PointGrant{})
	copy(grants[i+1:], grants[i:])
	grants[i] = g
	s.grants[g.CustomerID] = grants

	if g.IdempotencyKey != "" {
		s.idempotency[g.IdempotencyKey] = true
	}
	return nil
}

func (s *state) listGrants(customerID loyalty.CustomerID) []loyalty.PointGrant {
	result := make([]loyalty.PointGrant, len(s.grants[customerID]))
	copy(result, s.grants[customerID])
	return result
}

func (s *state) totalEarned(customerID loyalty.CustomerID) loyalty.Points {
	var total loyalty.Points
	for _, g := range s.grants[customerID] {
		total += g.Points
	}
	return total
}

func (s *state) create(r loyalty.Reservation) error {
	if id, ok := s.byTicket[r.TicketID]; ok {
		existing := s.reservations[id]
		if !existing.IsExpired(r.CreatedAt) {
			return &loyalty.DuplicateReservationError{
				TicketID:   r.TicketID,
				ExistingID: existing.ID,
				Confirmed:  existing.Confirmed,
			}
		}
		delete(s.reservations, id)
	}
	s.reservations[r.ID] = r
	s.byTicket[r.TicketID] = r.ID
	return nil
}

func (s *state) byTicketID(ticketID loyalty.TicketID, now time.Time) (loyalty.Reservation, error) {
	id, ok := s.byTicket[ticketID]
	if !ok {
		return loyalty.Reservation{}, loyalty.ErrReservationNotFound
	}
	r := s.reservations[id]
	if r.IsExpired(now) {
		return loyalty.Reservation{}, loyalty.ErrReservationExpired
	}
	return r, nil
}

func (s *state) listActive(customerID loyalty.CustomerID, now time.Time) []loyalty.Reservation {
	var result []loyalty.Reservation
	for _, r := range s.reservations {
		if r.CustomerID == customerID && r.IsActive(now) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *state) redeemed(customerID loyalty.CustomerID) loyalty.Points {
	var total loyalty.Points
	for _, r := range s.reservations {
		if r.CustomerID == customerID && r.Confirmed {
			total += r.Points
		}
	}
	return total
}

func (s *state) confirm(id loyalty.ReservationID, now time.Time) (loyalty.Reservation, error) {
	r, ok := s.reservations[id]
	switch {
	case !ok:
		return loyalty.Reservation{}, loyalty.ErrReservationNotFound
	case r.Confirmed:
		return loyalty.Reservation{}, loyalty.ErrReservationAlreadyConfirmed
	case r.IsExpired(now):
		return loyalty.Reservation{}, loyalty.ErrReservationExpired
	}
	r.Confirmed = true
	r.ConfirmedAt = now
	s.reservations[id] = r
	return r, nil
}

func (s *state) delete(id loyalty.ReservationID) error {
	r, ok := s.reservations[id]
	if !ok {
		return nil
	}
	if r.Confirmed {
		return loyalty.ErrReservationAlreadyConfirmed
	}
	delete(s.reservations, id)
	if s.byTicket[r.TicketID] == id {
		delete(s.byTicket, r.TicketID)
	}
	return nil
}

func (s *state) listExpired(now time.Time, limit int) []loyalty.Reservation {
	var result []loyalty.Reservation
	for _, r := range s.reservations {
		if r.IsExpired(now) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ExpiresAt.Equal(result[j].ExpiresAt) {
			return result[i].ExpiresAt.Before(result[j].ExpiresAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (s *state) clone() state {
	c := state{
		grants:       make(map[loyalty.CustomerID][]loyalty.PointGrant, len(s.grants)),
		idempotency:  make(map[string]bool, len(s.idempotency)),
		reservations: make(map[loyalty.ReservationID]loyalty.Reservation, len(s.reservations)),
		byTicket:     make(map[loyalty.TicketID]loyalty.ReservationID, len(s.byTicket)),
	}
	for k, v := range s.grants {
		c.grants[k] = append([]loyalty.PointGrant{}, v...)
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.byTicket {
		c.byTicket[k] = v
	}
	return c
}
