/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:
	Populates the store with realistic customers so the RPC surface can be
	explored without a ticketing frontend. Each scenario earns points and,
	where relevant, drives checkouts through the workflow.

AVAILABLE SCENARIOS:

	regular-customer:     A few purchases worth of points, nothing held
	checkout-in-progress: Points held by an unpaid ticket
	frequent-buyer:       Several paid tickets mixing points and cash

HOW SCENARIOS WORK:
 1. Grants use idempotency keys "scenario:<id>:<n>"
 2. Reservations and checkouts that already exist are left alone
 3. Loading a scenario twice is therefore a no-op

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "checkout-in-progress"}

NOTE:

	Scenario data lives next to real data. Only use in development.
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/checkout"
	"github.com/warp/points-engine/loyalty"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "regular-customer",
		Name:        "Regular Customer",
		Description: "Earned 1200 points over three purchases, nothing reserved",
	},
	{
		ID:          "checkout-in-progress",
		Name:        "Checkout In Progress",
		Description: "500 earned, 200 held by an unpaid ticket",
	},
	{
		ID:          "frequent-buyer",
		Name:        "Frequent Buyer",
		Description: "2000 earned, three paid tickets redeeming points and earning on cash",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds the named scenario and returns the affected
// customer's balance.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var (
		customer loyalty.CustomerID
		err      error
	)
	ctx := r.Context()
	switch req.ScenarioID {
	case "regular-customer":
		customer, err = h.loadRegularCustomerScenario(ctx)
	case "checkout-in-progress":
		customer, err = h.loadCheckoutInProgressScenario(ctx)
	case "frequent-buyer":
		customer, err = h.loadFrequentBuyerScenario(ctx)
	default:
		writeError(w, http.StatusNotFound, codeScenarioNotFound, fmt.Sprintf("unknown scenario %q", req.ScenarioID))
		return
	}
	if err != nil {
		h.writeDomainError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	b, err := h.Manager.Balance(ctx, customer)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.logger().InfoContext(ctx, "scenario loaded", "scenario", req.ScenarioID, "customer_id", customer)
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadRegularCustomerScenario(ctx context.Context) (loyalty.CustomerID, error) {
	const customer loyalty.CustomerID = "demo-regular"
	err := h.seedGrants(ctx, "regular-customer", customer, 400, 350, 450)
	return customer, err
}

func (h *Handler) loadCheckoutInProgressScenario(ctx context.Context) (loyalty.CustomerID, error) {
	const customer loyalty.CustomerID = "demo-checkout"
	if err := h.seedGrants(ctx, "checkout-in-progress", customer, 500); err != nil {
		return customer, err
	}

	const ticket loyalty.TicketID = "demo-checkout-ticket-1"
	var err error
	if h.Checkout != nil {
		_, err = h.Checkout.Begin(ctx, checkout.BeginRequest{
			TicketID: ticket, CustomerID: customer, Price: decimal.NewFromInt(45), Points: 200,
		})
	} else {
		_, err = h.Manager.Reserve(ctx, customer, ticket, 200)
	}
	if errors.Is(err, loyalty.ErrDuplicateActiveReservation) {
		err = nil
	}
	return customer, err
}

func (h *Handler) loadFrequentBuyerScenario(ctx context.Context) (loyalty.CustomerID, error) {
	const customer loyalty.CustomerID = "demo-frequent"
	if err := h.seedGrants(ctx, "frequent-buyer", customer, 1200, 800); err != nil {
		return customer, err
	}

	purchases := []struct {
		points loyalty.Points
		price  int64
		cash   int64
	}{
		{points: 300, price: 60, cash: 30},
		{points: 0, price: 25, cash: 25},
		{points: 500, price: 80, cash: 30},
	}

	for i, p := range purchases {
		ticket := loyalty.TicketID(fmt.Sprintf("demo-frequent-ticket-%d", i+1))
		if err := h.seedPurchase(ctx, customer, ticket, p.points, p.price, p.cash); err != nil {
			return customer, err
		}
	}
	return customer, nil
}

// seedGrants awards each amount once.
func (h *Handler) seedGrants(ctx context.Context, scenarioID string, customer loyalty.CustomerID, amounts ...loyalty.Points) error {
	for i, amount := range amounts {
		key := fmt.Sprintf("scenario:%s:%d", scenarioID, i)
		_, err := h.Manager.AddPoints(ctx, customer, amount, "scenario "+scenarioID, loyalty.WithIdempotencyKey(key))
		if err != nil && !errors.Is(err, loyalty.ErrDuplicateIdempotencyKey) {
			return err
		}
	}
	return nil
}

// seedPurchase runs a full checkout, or a bare reserve and confirm when
// no workflow is configured.
func (h *Handler) seedPurchase(ctx context.Context, customer loyalty.CustomerID, ticket loyalty.TicketID, points loyalty.Points, price, cash int64) error {
	if h.Checkout == nil {
		if points == 0 {
			return nil
		}
		_, err := h.Manager.Reserve(ctx, customer, ticket, points)
		if errors.Is(err, loyalty.ErrDuplicateActiveReservation) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = h.Manager.Confirm(ctx, ticket)
		return err
	}

	_, err := h.Checkout.Begin(ctx, checkout.BeginRequest{
		TicketID: ticket, CustomerID: customer, Price: decimal.NewFromInt(price), Points: points,
	})
	if errors.Is(err, checkout.ErrTicketNotPending) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = h.Checkout.Complete(ctx, ticket, decimal.NewFromInt(cash))
	return err
}
