package api

import (
	"errors"
	"net/http"

	"github.com/warp/points-engine/checkout"
	"github.com/warp/points-engine/loyalty"
)

const (
	codeInvalidRequestBody   = "invalid_request_body"
	codeInvalidPoints        = "invalid_points"
	codeInvalidCustomer      = "invalid_customer"
	codeInvalidTicket        = "invalid_ticket"
	codeInvalidPrice         = "invalid_price"
	codeInsufficientPoints   = "insufficient_points"
	codeDuplicateReservation = "duplicate_reservation"
	codeAlreadyConfirmed     = "reservation_already_confirmed"
	codeReservationExpired   = "reservation_expired"
	codeReservationNotFound  = "reservation_not_found"
	codeIdempotencyConflict  = "idempotency_conflict"
	codeTicketNotFound       = "ticket_not_found"
	codeTicketNotPending     = "ticket_not_pending"
	codeTicketOtherCustomer  = "ticket_customer_mismatch"
	codeScenarioNotFound     = "scenario_not_found"
	codeSweeperUnavailable   = "sweeper_unavailable"
	codeCheckoutUnavailable  = "checkout_unavailable"
	codeStorageUnavailable   = "storage_unavailable"
	codeRouteNotFound        = "not_found"
	codeMethodNotAllowed     = "method_not_allowed"
	codeInternalError        = "internal_error"
)

// writeError writes {"error": msg, "code": code}.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// errorStatus maps an engine or workflow error to its HTTP status and
// response body. Order matters: the expired and already-confirmed
// sentinels also match ErrReservationNotFound.
func errorStatus(err error) (int, ErrorResponse) {
	var insufficient *loyalty.InsufficientPointsError
	if errors.As(err, &insufficient) {
		available, requested := int64(insufficient.Available), int64(insufficient.Requested)
		return http.StatusUnprocessableEntity, ErrorResponse{
			Error:     err.Error(),
			Code:      codeInsufficientPoints,
			Available: &available,
			Requested: &requested,
		}
	}

	status, code := http.StatusInternalServerError, codeInternalError
	switch {
	case errors.Is(err, loyalty.ErrInvalidPoints):
		status, code = http.StatusBadRequest, codeInvalidPoints
	case errors.Is(err, loyalty.ErrInvalidCustomer):
		status, code = http.StatusBadRequest, codeInvalidCustomer
	case errors.Is(err, loyalty.ErrInvalidTicket):
		status, code = http.StatusBadRequest, codeInvalidTicket
	case errors.Is(err, checkout.ErrInvalidPrice):
		status, code = http.StatusBadRequest, codeInvalidPrice
	case errors.Is(err, loyalty.ErrInsufficientPoints):
		status, code = http.StatusUnprocessableEntity, codeInsufficientPoints
	case errors.Is(err, loyalty.ErrReservationAlreadyConfirmed):
		status, code = http.StatusConflict, codeAlreadyConfirmed
	case errors.Is(err, loyalty.ErrReservationExpired):
		status, code = http.StatusNotFound, codeReservationExpired
	case errors.Is(err, loyalty.ErrDuplicateActiveReservation):
		status, code = http.StatusConflict, codeDuplicateReservation
	case errors.Is(err, loyalty.ErrDuplicateIdempotencyKey):
		status, code = http.StatusConflict, codeIdempotencyConflict
	case errors.Is(err, loyalty.ErrReservationNotFound):
		status, code = http.StatusNotFound, codeReservationNotFound
	case errors.Is(err, checkout.ErrTicketNotFound):
		status, code = http.StatusNotFound, codeTicketNotFound
	case errors.Is(err, checkout.ErrTicketNotPending):
		status, code = http.StatusConflict, codeTicketNotPending
	case errors.Is(err, checkout.ErrTicketCustomerMismatch):
		status, code = http.StatusConflict, codeTicketOtherCustomer
	case errors.Is(err, loyalty.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "storage unavailable", Code: codeStorageUnavailable}
	default:
		return status, ErrorResponse{Error: "internal error", Code: code}
	}
	return status, ErrorResponse{Error: err.Error(), Code: code}
}
