/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario leaves the expected balance behind, runs
	against the SQLite store the dev server uses by default, and can be
	loaded twice without double counting.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/checkout"
	"github.com/warp/points-engine/clock"
	"github.com/warp/points-engine/loyalty"
	"github.com/warp/points-engine/store/sqlite"
)

func setupScenarioHandler(t *testing.T, withCheckout bool) *Handler {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFake(t0)
	manager := loyalty.NewManager(st, clk)
	h := NewHandler(manager, clk, nil)
	h.Store = st
	if withCheckout {
		h.Checkout = checkout.NewWorkflow(manager, checkout.NewMemoryTickets(), clk)
	}
	return h
}

func TestScenarios_Balances(t *testing.T) {
	tests := []struct {
		scenario     string
		withCheckout bool
		customer     loyalty.CustomerID
		wantEarned   loyalty.Points
		wantRedeemed loyalty.Points
		wantReserved loyalty.Points
	}{
		{"regular-customer", true, "demo-regular", 1200, 0, 0},
		{"checkout-in-progress", true, "demo-checkout", 500, 0, 200},
		{"checkout-in-progress", false, "demo-checkout", 500, 0, 200},
		// 2000 granted plus 30 + 25 + 30 earned on cash
		{"frequent-buyer", true, "demo-frequent", 2085, 800, 0},
		{"frequent-buyer", false, "demo-frequent", 2000, 800, 0},
	}

	loaders := map[string]func(h *Handler, ctx context.Context) (loyalty.CustomerID, error){
		"regular-customer":     (*Handler).loadRegularCustomerScenario,
		"checkout-in-progress": (*Handler).loadCheckoutInProgressScenario,
		"frequent-buyer":       (*Handler).loadFrequentBuyerScenario,
	}

	for _, tt := range tests {
		name := tt.scenario
		if !tt.withCheckout {
			name += "/without checkout"
		}
		t.Run(name, func(t *testing.T) {
			h := setupScenarioHandler(t, tt.withCheckout)
			ctx := context.Background()

			// WHEN: Loading the scenario twice
			for i := 0; i < 2; i++ {
				customer, err := loaders[tt.scenario](h, ctx)
				require.NoError(t, err)
				require.Equal(t, tt.customer, customer)
			}

			// THEN: Balance reflects a single load
			b, err := h.Manager.Balance(ctx, tt.customer)
			require.NoError(t, err)
			assert.Equal(t, tt.wantEarned, b.Earned)
			assert.Equal(t, tt.wantRedeemed, b.Redeemed)
			assert.Equal(t, tt.wantReserved, b.Reserved)
			assert.Equal(t, tt.wantEarned-tt.wantRedeemed-tt.wantReserved, b.Available())
		})
	}
}

func TestScenario_FrequentBuyerTicketsMatchLedger(t *testing.T) {
	h := setupScenarioHandler(t, true)
	ctx := context.Background()

	customer, err := h.loadFrequentBuyerScenario(ctx)
	require.NoError(t, err)

	onTickets, err := h.Checkout.RedeemedOnTickets(ctx, customer)
	require.NoError(t, err)
	b, err := h.Manager.Balance(ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, b.Redeemed, onTickets)
}

func TestLoadScenario_HTTP(t *testing.T) {
	h := setupScenarioHandler(t, true)
	router := NewRouter(h, nil)
	s := &testServer{handler: h, router: router}

	rec := s.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), 3)

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "checkout-in-progress"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b := decode[BalanceDTO](t, rec)
	assert.Equal(t, "demo-checkout", b.CustomerID)
	assert.Equal(t, int64(300), b.Available)

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeScenarioNotFound, decode[ErrorResponse](t, rec).Code)
}
