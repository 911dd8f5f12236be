package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/interest-engine/internal/api"
	"github.com/atmx/interest-engine/internal/interest"
	"github.com/atmx/interest-engine/internal/model"
	"github.com/atmx/interest-engine/internal/settlement"
	"github.com/atmx/interest-engine/internal/store"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func at(offset time.Duration) *time.Time {
	t := t0.Add(offset)
	return &t
}

// newTestEnv creates a handler backed by an in-memory store and mounts it
// on a chi router the way the server does.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	cfg := settlement.DefaultConfig()
	cfg.BaseBackoff = time.Millisecond
	svc := settlement.NewService(ms, interest.Gate{Enabled: true, Token: "MANA"}, cfg, nil)
	h := api.NewHandler(ms, svc, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)
	return ms, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// seedMarket registers a market through the API.
func seedMarket(t *testing.T, router chi.Router, id string) {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/markets", api.CreateMarketRequest{
		ID:         id,
		Question:   "Will it rain?",
		Token:      "MANA",
		Visibility: model.VisibilityPublic,
		CreatedAt:  at(0),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("failed to seed market: %d %s", w.Code, w.Body.String())
	}
}

func seedTrade(t *testing.T, router chi.Router, marketID string, req api.TradeEventRequest) {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/markets/"+marketID+"/trades", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("failed to seed trade: %d %s", w.Code, w.Body.String())
	}
}

// --- Markets ---

func TestCreateMarket(t *testing.T) {
	ms, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/markets", api.CreateMarketRequest{
		Token:      "MANA",
		Visibility: model.VisibilityPublic,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var m model.Market
	json.Unmarshal(w.Body.Bytes(), &m)
	if m.ID == "" {
		t.Error("expected generated market id")
	}
	if !m.Prob.Equal(d("0.5")) {
		t.Errorf("expected default prob 0.5, got %s", m.Prob)
	}
	if _, err := ms.GetMarket(context.Background(), m.ID); err != nil {
		t.Errorf("market not stored: %v", err)
	}
}

func TestCreateMarket_Validation(t *testing.T) {
	_, router := newTestEnv(t)
	bad := d("1.5")

	tests := []struct {
		name string
		req  api.CreateMarketRequest
	}{
		{"missing token", api.CreateMarketRequest{Visibility: model.VisibilityPublic}},
		{"bad visibility", api.CreateMarketRequest{Token: "MANA", Visibility: "secret"}},
		{"prob out of range", api.CreateMarketRequest{Token: "MANA", Visibility: model.VisibilityPublic, Prob: &bad}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", "/api/v1/markets", tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestCreateMarket_Duplicate(t *testing.T) {
	_, router := newTestEnv(t)
	seedMarket(t, router, "m1")

	w := doJSON(t, router, "POST", "/api/v1/markets", api.CreateMarketRequest{
		ID:         "m1",
		Token:      "MANA",
		Visibility: model.VisibilityPublic,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestGetMarket_NotFound(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/markets/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListMarkets_Empty(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/markets", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
		t.Errorf("expected empty array, got %s", got)
	}
}

// --- Trades ---

func TestAppendTrade_UpdatesProb(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, router, "m1")
	prob := d("0.64")

	seedTrade(t, router, "m1", api.TradeEventRequest{
		UserID:    "alice",
		Side:      model.SideYes,
		Shares:    d("200"),
		ProbAfter: &prob,
		CreatedAt: at(0),
	})

	m, _ := ms.GetMarket(context.Background(), "m1")
	if !m.Prob.Equal(prob) {
		t.Errorf("expected prob 0.64 after trade, got %s", m.Prob)
	}
	events, _ := ms.EventsFor(context.Background(), model.EventQuery{MarketID: "m1"})
	if len(events) != 1 || events[0].Seq == 0 {
		t.Errorf("expected one sequenced event, got %+v", events)
	}
}

func TestAppendTrade_Validation(t *testing.T) {
	_, router := newTestEnv(t)
	seedMarket(t, router, "m1")

	tests := []struct {
		name string
		req  api.TradeEventRequest
		code int
	}{
		{"invalid side", api.TradeEventRequest{UserID: "alice", Side: "MAYBE", Shares: d("1")}, http.StatusBadRequest},
		{"zero shares", api.TradeEventRequest{UserID: "alice", Side: model.SideYes, Shares: decimal.Zero}, http.StatusBadRequest},
		{"missing user", api.TradeEventRequest{Side: model.SideYes, Shares: d("1")}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", "/api/v1/markets/m1/trades", tt.req)
			if w.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
		})
	}

	w := doJSON(t, router, "POST", "/api/v1/markets/missing/trades",
		api.TradeEventRequest{UserID: "alice", Side: model.SideYes, Shares: d("1")})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown market, got %d", w.Code)
	}
}

// --- Settlement ---

func TestSellSettlement_ThenResolve(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, router, "m1")
	seedTrade(t, router, "m1", api.TradeEventRequest{
		UserID: "alice", Side: model.SideYes, Shares: d("200"), CreatedAt: at(0),
	})

	half := d("0.5")
	w := doJSON(t, router, "POST", "/api/v1/markets/m1/sell-settlement", api.SellSettlementRequest{
		UserID: "alice",
		Prob:   &half,
		Time:   at(182*day + 12*time.Hour),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sell settlement.SellResult
	json.Unmarshal(w.Body.Bytes(), &sell)
	if !sell.Amount.Equal(d("2.5")) {
		t.Errorf("expected sell payout 2.5, got %s", sell.Amount)
	}

	w = doJSON(t, router, "POST", "/api/v1/markets/m1/resolve", api.ResolveRequest{
		Kind: model.ResolutionYes,
		Time: at(365 * day),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res api.ResolveResponse
	json.Unmarshal(w.Body.Bytes(), &res)
	if len(res.Payouts) != 1 {
		t.Fatalf("expected 1 payout, got %d", len(res.Payouts))
	}
	// Alice held 200 YES all year: 10 gross, 2.5 already paid.
	if !res.Total.Equal(d("7.5")) {
		t.Errorf("expected resolution total 7.5, got %s", res.Total)
	}

	bal, _ := ms.GetBalance(context.Background(), "alice")
	if !bal.Equal(d("10")) {
		t.Errorf("expected balance 10, got %s", bal)
	}

	w = doJSON(t, router, "GET", "/api/v1/users/alice/balance", nil)
	var br api.BalanceResponse
	json.Unmarshal(w.Body.Bytes(), &br)
	if !br.Balance.Equal(d("10")) {
		t.Errorf("expected balance endpoint 10, got %s", br.Balance)
	}

	w = doJSON(t, router, "GET", "/api/v1/users/alice/payouts", nil)
	var payouts []model.Payout
	json.Unmarshal(w.Body.Bytes(), &payouts)
	if len(payouts) != 2 {
		t.Errorf("expected 2 payouts in ledger, got %d", len(payouts))
	}
}

func TestAccrual(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, router, "m1")
	seedTrade(t, router, "m1", api.TradeEventRequest{
		UserID: "alice", Side: model.SideYes, Shares: d("200"), CreatedAt: at(0),
	})

	path := "/api/v1/markets/m1/accrual?user_id=alice&prob=1&at=" + t0.Add(365*day).Format(time.RFC3339)
	w := doJSON(t, router, "GET", path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res settlement.SellResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Amount.Equal(d("10")) {
		t.Errorf("expected accrual 10, got %s", res.Amount)
	}

	bal, _ := ms.GetBalance(context.Background(), "alice")
	if !bal.IsZero() {
		t.Errorf("accrual preview must not pay, balance %s", bal)
	}

	w = doJSON(t, router, "GET", "/api/v1/markets/m1/accrual", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without user_id, got %d", w.Code)
	}
}

func TestResolutionPreview(t *testing.T) {
	_, router := newTestEnv(t)
	seedMarket(t, router, "m1")
	seedTrade(t, router, "m1", api.TradeEventRequest{
		UserID: "bob", Side: model.SideNo, Shares: d("100"), CreatedAt: at(0),
	})

	path := "/api/v1/markets/m1/resolution-preview?kind=NO&at=" + t0.Add(365*day).Format(time.RFC3339)
	w := doJSON(t, router, "GET", path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var owed []settlement.UserInterest
	json.Unmarshal(w.Body.Bytes(), &owed)
	if len(owed) != 1 || !owed[0].Amount.Equal(d("5")) {
		t.Errorf("expected bob owed 5, got %+v", owed)
	}

	w = doJSON(t, router, "GET", "/api/v1/markets/m1/resolution-preview?kind=DRAW", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad kind, got %d", w.Code)
	}
}

func TestResolve_Validation(t *testing.T) {
	_, router := newTestEnv(t)
	seedMarket(t, router, "m1")

	tests := []struct {
		name string
		req  api.ResolveRequest
	}{
		{"missing kind", api.ResolveRequest{}},
		{"bad kind", api.ResolveRequest{Kind: "DRAW"}},
		{"MKT without prob", api.ResolveRequest{Kind: model.ResolutionMkt}},
		{"answer without id", api.ResolveRequest{Answers: []api.AnswerResolutionRequest{{Kind: model.ResolutionYes}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", "/api/v1/markets/m1/resolve", tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestResolve_Answers(t *testing.T) {
	_, router := newTestEnv(t)
	seedMarket(t, router, "m1")
	seedTrade(t, router, "m1", api.TradeEventRequest{
		AnswerID: "a1", UserID: "alice", Side: model.SideYes, Shares: d("200"), CreatedAt: at(0),
	})
	seedTrade(t, router, "m1", api.TradeEventRequest{
		AnswerID: "a2", UserID: "bob", Side: model.SideNo, Shares: d("100"), CreatedAt: at(0),
	})

	w := doJSON(t, router, "POST", "/api/v1/markets/m1/resolve", api.ResolveRequest{
		Time: at(365 * day),
		Answers: []api.AnswerResolutionRequest{
			{AnswerID: "a1", Kind: model.ResolutionYes},
			{AnswerID: "a2", Kind: model.ResolutionNo},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res api.ResolveResponse
	json.Unmarshal(w.Body.Bytes(), &res)
	if len(res.Payouts) != 2 {
		t.Fatalf("expected 2 payouts, got %d", len(res.Payouts))
	}
	if !res.Total.Equal(d("15")) {
		t.Errorf("expected total 15, got %s", res.Total)
	}
}

func TestSettlementErrors(t *testing.T) {
	_, router := newTestEnv(t)
	seedMarket(t, router, "m1")

	w := doJSON(t, router, "POST", "/api/v1/markets/missing/sell-settlement", api.SellSettlementRequest{UserID: "alice"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown market, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/markets/m1/sell-settlement", api.SellSettlementRequest{
		UserID: "alice",
		Time:   at(-day),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for time before creation, got %d", w.Code)
	}
}

func TestListPayouts_Empty(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/users/nobody/payouts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
		t.Errorf("expected empty array, got %s", got)
	}
}
