package checkout

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/loyalty"
)

var (
	ErrTicketNotFound   = errors.New("ticket not found")
	ErrTicketNotPending = errors.New("ticket is not awaiting payment")
	ErrInvalidPrice     = errors.New("price must not be negative")

	// ErrTicketCustomerMismatch is returned when Begin names a different
	// customer than the pending ticket was started for.
	ErrTicketCustomerMismatch = errors.New("ticket belongs to another customer")
)

type TicketStatus string

const (
	TicketPending TicketStatus = "pending"
	TicketPaid    TicketStatus = "paid"
	TicketFailed  TicketStatus = "failed"
)

// Ticket is the purchase the points are redeemed against.
type Ticket struct {
	ID         loyalty.TicketID
	CustomerID loyalty.CustomerID
	Price      decimal.Decimal
	Status     TicketStatus

	// PointsRequested is what Begin reserved. PointsRedeemed is set from
	// the Redemption on Complete and is the ticket's record of the deduction.
	PointsRequested loyalty.Points
	PointsRedeemed  loyalty.Points
	PointsEarned    loyalty.Points

	CreatedAt   time.Time
	CompletedAt time.Time
}

// TicketStore persists tickets for the workflow.
type TicketStore interface {
	SaveTicket(ctx context.Context, t Ticket) error
	Ticket(ctx context.Context, id loyalty.TicketID) (Ticket, error)
	TicketsByCustomer(ctx context.Context, customerID loyalty.CustomerID) ([]Ticket, error)
}

// MemoryTickets is an in-memory TicketStore.
type MemoryTickets struct {
	mu      sync.RWMutex
	tickets map[loyalty.TicketID]Ticket
}

var _ TicketStore = (*MemoryTickets)(nil)

func NewMemoryTickets() *MemoryTickets {
	return &MemoryTickets{tickets: make(map[loyalty.TicketID]Ticket)}
}

func (m *MemoryTickets) SaveTicket(_ context.Context, t Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[t.ID] = t
	return nil
}

func (m *MemoryTickets) Ticket(_ context.Context, id loyalty.TicketID) (Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickets[id]
	if !ok {
		return Ticket{}, ErrTicketNotFound
	}
	return t, nil
}

func (m *MemoryTickets) TicketsByCustomer(_ context.Context, customerID loyalty.CustomerID) ([]Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Ticket
	for _, t := range m.tickets {
		if t.CustomerID == customerID {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}
