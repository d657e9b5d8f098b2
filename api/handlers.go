/*
handlers.go - HTTP handlers for the points engine RPC boundary

PURPOSE:
  Exposes the reservation engine and the checkout workflow over HTTP.
  Handlers decode the request, call the Manager or Workflow, and map
  results and errors to JSON.

ENDPOINTS:
  Customers:
    GET    /api/customers/{id}/balance          Derived balance
    GET    /api/customers/{id}/grants           Earn history
    POST   /api/customers/{id}/grants           AddPoints

  Reservations:
    POST   /api/reservations                    Reserve
    GET    /api/reservations/{ticketID}         Lookup
    POST   /api/reservations/{ticketID}/confirm Confirm -> Redemption
    DELETE /api/reservations/{ticketID}         Release (204)

  Checkout:
    POST   /api/tickets                         Begin
    GET    /api/tickets/{ticketID}              Ticket
    POST   /api/tickets/{ticketID}/complete     Complete
    POST   /api/tickets/{ticketID}/fail         Fail

  Admin:
    POST   /api/admin/sweep                     Run one sweep now

ERROR HANDLING:
  See errors.go. Every error body is {"error": ..., "code": ...}:
  - 400: Invalid input
  - 404: No visible reservation / ticket
  - 409: Duplicate hold, already confirmed, idempotency conflict
  - 422: Insufficient points (with available and requested)
  - 503: Storage unavailable
  - 500: Anything else (logged)
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/points-engine/checkout"
	"github.com/warp/points-engine/clock"
	"github.com/warp/points-engine/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Manager  *loyalty.Manager
	Sweeper  *loyalty.Sweeper
	Checkout *checkout.Workflow
	Clock    clock.Clock
	Store    Pinger // optional
	Logger   *slog.Logger
}

// NewHandler wires a handler around manager. Sweeper, Checkout and Store
// can be set on the returned value.
func NewHandler(manager *loyalty.Manager, clk clock.Clock, logger *slog.Logger) *Handler {
	return &Handler{Manager: manager, Clock: clk, Logger: logger}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return h.Logger
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// GetBalance returns the customer's balance breakdown.
// GET /api/customers/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	customerID := loyalty.CustomerID(chi.URLParam(r, "id"))

	b, err := h.Manager.Balance(r.Context(), customerID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// ListGrants returns every grant for the customer, oldest first.
// GET /api/customers/{id}/grants
func (h *Handler) ListGrants(w http.ResponseWriter, r *http.Request) {
	customerID := loyalty.CustomerID(chi.URLParam(r, "id"))

	grants, err := h.Manager.Grants(r.Context(), customerID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]GrantDTO, len(grants))
	for i, g := range grants {
		dtos[i] = toGrantDTO(g)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AddPoints awards points to the customer.
// POST /api/customers/{id}/grants
func (h *Handler) AddPoints(w http.ResponseWriter, r *http.Request) {
	customerID := loyalty.CustomerID(chi.URLParam(r, "id"))

	var req AddPointsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var opts []loyalty.GrantOption
	if req.IdempotencyKey != "" {
		opts = append(opts, loyalty.WithIdempotencyKey(req.IdempotencyKey))
	}

	grant, err := h.Manager.AddPoints(r.Context(), customerID, loyalty.Points(req.Points), req.Reason, opts...)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGrantDTO(grant))
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// CreateReservation holds points for a ticket.
// POST /api/reservations
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.Manager.Reserve(r.Context(),
		loyalty.CustomerID(req.CustomerID), loyalty.TicketID(req.TicketID), loyalty.Points(req.Points))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationDTO(res, h.Clock.Now()))
}

// GetReservation returns the ticket's pending or confirmed reservation.
// GET /api/reservations/{ticketID}
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	ticketID := loyalty.TicketID(chi.URLParam(r, "ticketID"))

	res, err := h.Manager.Lookup(r.Context(), ticketID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res, h.Clock.Now()))
}

// ConfirmReservation turns the ticket's hold into a redemption.
// POST /api/reservations/{ticketID}/confirm
func (h *Handler) ConfirmReservation(w http.ResponseWriter, r *http.Request) {
	ticketID := loyalty.TicketID(chi.URLParam(r, "ticketID"))

	redemption, err := h.Manager.Confirm(r.Context(), ticketID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTO(redemption))
}

// ReleaseReservation cancels the ticket's hold. Releasing nothing is not an error.
// DELETE /api/reservations/{ticketID}
func (h *Handler) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	ticketID := loyalty.TicketID(chi.URLParam(r, "ticketID"))

	if err := h.Manager.Release(r.Context(), ticketID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CHECKOUT HANDLERS
// =============================================================================

// BeginCheckout starts a ticket purchase.
// POST /api/tickets
func (h *Handler) BeginCheckout(w http.ResponseWriter, r *http.Request) {
	if !h.checkoutEnabled(w) {
		return
	}
	var req BeginCheckoutRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ticket, err := h.Checkout.Begin(r.Context(), checkout.BeginRequest{
		TicketID:   loyalty.TicketID(req.TicketID),
		CustomerID: loyalty.CustomerID(req.CustomerID),
		Price:      req.Price,
		Points:     loyalty.Points(req.Points),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTicketDTO(ticket))
}

// GetTicket returns a ticket.
// GET /api/tickets/{ticketID}
func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	if !h.checkoutEnabled(w) {
		return
	}
	ticket, err := h.Checkout.Ticket(r.Context(), loyalty.TicketID(chi.URLParam(r, "ticketID")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTicketDTO(ticket))
}

// CompleteCheckout settles a paid ticket.
// POST /api/tickets/{ticketID}/complete
func (h *Handler) CompleteCheckout(w http.ResponseWriter, r *http.Request) {
	if !h.checkoutEnabled(w) {
		return
	}
	var req CompleteCheckoutRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ticket, err := h.Checkout.Complete(r.Context(), loyalty.TicketID(chi.URLParam(r, "ticketID")), req.CashPaid)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTicketDTO(ticket))
}

// FailCheckout abandons a ticket and releases its hold.
// POST /api/tickets/{ticketID}/fail
func (h *Handler) FailCheckout(w http.ResponseWriter, r *http.Request) {
	if !h.checkoutEnabled(w) {
		return
	}
	ticket, err := h.Checkout.Fail(r.Context(), loyalty.TicketID(chi.URLParam(r, "ticketID")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTicketDTO(ticket))
}

func (h *Handler) checkoutEnabled(w http.ResponseWriter) bool {
	if h.Checkout == nil {
		writeError(w, http.StatusServiceUnavailable, codeCheckoutUnavailable, "checkout workflow not configured")
		return false
	}
	return true
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs one sweep synchronously and reports what it did.
// POST /api/admin/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, codeSweeperUnavailable, "sweeper not configured")
		return
	}

	result, err := h.Sweeper.Sweep(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.logger().InfoContext(r.Context(), "manual sweep",
		"scanned", result.Scanned, "deleted", result.Deleted, "failed", result.Failed)
	writeJSON(w, http.StatusOK, SweepResultDTO{Scanned: result.Scanned, Deleted: result.Deleted, Failed: result.Failed})
}

// Health reports liveness, and storage reachability when a Pinger is set.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			h.logger().WarnContext(r.Context(), "health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, codeStorageUnavailable, "storage unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeBody decodes a JSON body into dst, rejecting unknown fields.
// On failure it writes a 400 and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		msg := "invalid request body"
		if !errors.Is(err, io.EOF) {
			msg += ": " + err.Error()
		}
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, msg)
		return false
	}
	return true
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorStatus(err)
	switch {
	case status >= http.StatusInternalServerError:
		h.logger().ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	case loyalty.IsClientError(err) || loyalty.IsNotFound(err):
		h.logger().DebugContext(r.Context(), "request rejected",
			"path", r.URL.Path, "code", body.Code, "error", err)
	}
	writeJSON(w, status, body)
}
