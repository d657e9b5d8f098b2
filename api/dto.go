/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for the RPC boundary. These types decouple
  the loyalty domain model from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers

TYPES:
  Customer:     BalanceDTO, GrantDTO, AddPointsRequest
  Reservation:  ReservationDTO, ReserveRequest, RedemptionDTO
  Checkout:     TicketDTO, BeginCheckoutRequest, CompleteCheckoutRequest
  Admin:        SweepResultDTO
  Scenarios:    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the domain (Manager, Workflow), not in DTOs.
  Handlers only reject bodies that do not decode.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/checkout"
	"github.com/warp/points-engine/loyalty"
)

// =============================================================================
// CUSTOMERS
// =============================================================================

// BalanceDTO is a customer's derived point position.
type BalanceDTO struct {
	CustomerID         string    `json:"customer_id"`
	AsOf               time.Time `json:"as_of"`
	Earned             int64     `json:"earned"`
	Redeemed           int64     `json:"redeemed"`
	Reserved           int64     `json:"reserved"`
	Available          int64     `json:"available"`
	ActiveReservations int       `json:"active_reservations"`
}

func toBalanceDTO(b loyalty.Balance) BalanceDTO {
	return BalanceDTO{
		CustomerID:         string(b.CustomerID),
		AsOf:               b.AsOf,
		Earned:             int64(b.Earned),
		Redeemed:           int64(b.Redeemed),
		Reserved:           int64(b.Reserved),
		Available:          int64(b.Available()),
		ActiveReservations: b.ActiveReservations,
	}
}

type GrantDTO struct {
	ID             string    `json:"id"`
	CustomerID     string    `json:"customer_id"`
	Points         int64     `json:"points"`
	EarnedAt       time.Time `json:"earned_at"`
	Reason         string    `json:"reason,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

func toGrantDTO(g loyalty.PointGrant) GrantDTO {
	return GrantDTO{
		ID:             string(g.ID),
		CustomerID:     string(g.CustomerID),
		Points:         int64(g.Points),
		EarnedAt:       g.EarnedAt,
		Reason:         g.Reason,
		IdempotencyKey: g.IdempotencyKey,
	}
}

// AddPointsRequest is the body of POST /api/customers/{id}/grants.
type AddPointsRequest struct {
	Points         int64  `json:"points"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// ReserveRequest is the body of POST /api/reservations.
type ReserveRequest struct {
	CustomerID string `json:"customer_id"`
	TicketID   string `json:"ticket_id"`
	Points     int64  `json:"points"`
}

type ReservationDTO struct {
	ID          string     `json:"id"`
	CustomerID  string     `json:"customer_id"`
	TicketID    string     `json:"ticket_id"`
	Points      int64      `json:"points"`
	State       string     `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

func toReservationDTO(r loyalty.Reservation, now time.Time) ReservationDTO {
	dto := ReservationDTO{
		ID:         string(r.ID),
		CustomerID: string(r.CustomerID),
		TicketID:   string(r.TicketID),
		Points:     int64(r.Points),
		State:      string(r.State(now)),
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
	}
	if r.Confirmed {
		confirmedAt := r.ConfirmedAt
		dto.ConfirmedAt = &confirmedAt
	}
	return dto
}

type RedemptionDTO struct {
	ReservationID string    `json:"reservation_id"`
	CustomerID    string    `json:"customer_id"`
	TicketID      string    `json:"ticket_id"`
	Points        int64     `json:"points"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}

func toRedemptionDTO(r loyalty.Redemption) RedemptionDTO {
	return RedemptionDTO{
		ReservationID: string(r.ReservationID),
		CustomerID:    string(r.CustomerID),
		TicketID:      string(r.TicketID),
		Points:        int64(r.Points),
		ConfirmedAt:   r.ConfirmedAt,
	}
}

// =============================================================================
// CHECKOUT
// =============================================================================

// BeginCheckoutRequest is the body of POST /api/tickets. Price accepts a
// JSON number or string.
type BeginCheckoutRequest struct {
	TicketID   string          `json:"ticket_id"`
	CustomerID string          `json:"customer_id"`
	Price      decimal.Decimal `json:"price"`
	Points     int64           `json:"points"`
}

// CompleteCheckoutRequest is the body of POST /api/tickets/{ticketID}/complete.
type CompleteCheckoutRequest struct {
	CashPaid decimal.Decimal `json:"cash_paid"`
}

type TicketDTO struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customer_id"`
	Price           decimal.Decimal `json:"price"`
	Status          string          `json:"status"`
	PointsRequested int64           `json:"points_requested"`
	PointsRedeemed  int64           `json:"points_redeemed"`
	PointsEarned    int64           `json:"points_earned"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

func toTicketDTO(t checkout.Ticket) TicketDTO {
	dto := TicketDTO{
		ID:              string(t.ID),
		CustomerID:      string(t.CustomerID),
		Price:           t.Price,
		Status:          string(t.Status),
		PointsRequested: int64(t.PointsRequested),
		PointsRedeemed:  int64(t.PointsRedeemed),
		PointsEarned:    int64(t.PointsEarned),
		CreatedAt:       t.CreatedAt,
	}
	if !t.CompletedAt.IsZero() {
		completedAt := t.CompletedAt
		dto.CompletedAt = &completedAt
	}
	return dto
}

// =============================================================================
// ADMIN / SCENARIOS
// =============================================================================

type SweepResultDTO struct {
	Scanned int `json:"scanned"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response. Available and
// Requested are set for insufficient_points.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Available *int64 `json:"available,omitempty"`
	Requested *int64 `json:"requested,omitempty"`
}
