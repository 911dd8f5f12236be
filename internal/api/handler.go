// Package api provides the HTTP handlers for registering markets,
// appending trade events, running settlements and querying the payout
// ledger.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/interest-engine/internal/interest"
	"github.com/atmx/interest-engine/internal/metrics"
	"github.com/atmx/interest-engine/internal/model"
	"github.com/atmx/interest-engine/internal/settlement"
	"github.com/atmx/interest-engine/internal/store"
)

// Handler serves the interest engine API.
type Handler struct {
	store    store.Store
	settle   *settlement.Service
	hub      *PayoutHub // optional
	validate *validator.Validate
}

// NewHandler creates the API handler.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewHandler(st store.Store, svc *settlement.Service, hub *PayoutHub) *Handler {
	return &Handler{
		store:    st,
		settle:   svc,
		hub:      hub,
		validate: validator.New(),
	}
}

// Routes mounts every endpoint under r.
func (h *Handler) Routes(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Get("/markets", h.ListMarkets)
	r.Post("/markets", h.CreateMarket)
	r.Get("/markets/{marketID}", h.GetMarket)
	r.Post("/markets/{marketID}/trades", h.AppendTrade)
	r.Get("/markets/{marketID}/accrual", h.GetAccrual)
	r.Get("/markets/{marketID}/resolution-preview", h.PreviewResolution)
	r.Post("/markets/{marketID}/resolve", h.Resolve)
	r.Post("/markets/{marketID}/sell-settlement", h.SettleSell)

	r.Get("/users/{userID}/payouts", h.ListPayouts)
	r.Get("/users/{userID}/balance", h.GetBalance)
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market registration.
type CreateMarketRequest struct {
	ID         string           `json:"id"` // generated when empty
	Question   string           `json:"question"`
	Token      string           `json:"token" validate:"required"`
	Visibility string           `json:"visibility" validate:"required,oneof=public unlisted private"`
	IsRanked   *bool            `json:"is_ranked"`
	Prob       *decimal.Decimal `json:"prob"` // 0.5 when omitted
	CreatedAt  *time.Time       `json:"created_at"`
}

// TradeEventRequest is the JSON body for POST /markets/{marketID}/trades.
type TradeEventRequest struct {
	ID              string           `json:"id"`
	AnswerID        string           `json:"answer_id"`
	UserID          string           `json:"user_id" validate:"required"`
	Side            string           `json:"side" validate:"required,oneof=YES NO"`
	Shares          decimal.Decimal  `json:"shares"` // positive = buy, negative = sell
	ProbAfter       *decimal.Decimal `json:"prob_after"`
	IsRedemption    bool             `json:"is_redemption"`
	IsFilled        *bool            `json:"is_filled"`
	IsCancelled     bool             `json:"is_cancelled"`
	IsInterestClaim bool             `json:"is_interest_claim"`
	CreatedAt       *time.Time       `json:"created_at"`
}

// AnswerResolutionRequest resolves one sub-answer.
type AnswerResolutionRequest struct {
	AnswerID string           `json:"answer_id" validate:"required"`
	Kind     string           `json:"kind" validate:"required,oneof=YES NO MKT CANCEL"`
	Prob     *decimal.Decimal `json:"prob"`
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
// With Answers set, each sub-answer is settled and Kind is ignored.
type ResolveRequest struct {
	AnswerID string                    `json:"answer_id"`
	Kind     string                    `json:"kind" validate:"omitempty,oneof=YES NO MKT CANCEL"`
	Prob     *decimal.Decimal          `json:"prob"`
	Time     *time.Time                `json:"time"`
	Answers  []AnswerResolutionRequest `json:"answers" validate:"omitempty,dive"`
}

// ResolveResponse lists the payouts written.
type ResolveResponse struct {
	MarketID string          `json:"market_id"`
	Payouts  []model.Payout  `json:"payouts"`
	Total    decimal.Decimal `json:"total"`
}

// SellSettlementRequest is the JSON body for POST /markets/{marketID}/sell-settlement.
type SellSettlementRequest struct {
	AnswerID string           `json:"answer_id"`
	UserID   string           `json:"user_id" validate:"required"`
	Prob     *decimal.Decimal `json:"prob"`
	Time     *time.Time       `json:"time"`
}

// BalanceResponse is the JSON body for GET /users/{userID}/balance.
type BalanceResponse struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	prob := decimal.NewFromFloat(0.5)
	if req.Prob != nil {
		if !validProb(*req.Prob) {
			writeError(w, "prob must be between 0 and 1", http.StatusBadRequest)
			return
		}
		prob = *req.Prob
	}

	market := &model.Market{
		ID:         req.ID,
		Question:   req.Question,
		Token:      req.Token,
		Visibility: req.Visibility,
		IsRanked:   req.IsRanked,
		Prob:       prob,
		Status:     model.StatusOpen,
		CreatedAt:  timeOrNow(req.CreatedAt),
	}
	if market.ID == "" {
		market.ID = uuid.New().String()
	}

	if err := h.store.CreateMarket(r.Context(), market); err != nil {
		if errors.Is(err, store.ErrMarketExists) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		writeError(w, "failed to create market", http.StatusInternalServerError)
		return
	}

	slog.Info("market registered",
		"id", market.ID,
		"token", market.Token,
		"visibility", market.Visibility,
	)

	writeJSON(w, http.StatusCreated, market)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := h.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// ListMarkets handles GET /api/v1/markets
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// AppendTrade handles POST /api/v1/markets/{marketID}/trades
// Appends an immutable trade event; prob_after updates the live probability.
func (h *Handler) AppendTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Shares.IsZero() {
		writeError(w, "shares must be non-zero", http.StatusBadRequest)
		return
	}
	if req.ProbAfter != nil && !validProb(*req.ProbAfter) {
		writeError(w, "prob_after must be between 0 and 1", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	event := &model.TradeEvent{
		ID:              req.ID,
		MarketID:        chi.URLParam(r, "marketID"),
		AnswerID:        req.AnswerID,
		UserID:          req.UserID,
		Side:            req.Side,
		Shares:          req.Shares,
		ProbAfter:       req.ProbAfter,
		IsRedemption:    req.IsRedemption,
		IsFilled:        req.IsFilled,
		IsCancelled:     req.IsCancelled,
		IsInterestClaim: req.IsInterestClaim,
		CreatedAt:       timeOrNow(req.CreatedAt),
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if err := h.store.InsertTradeEvent(ctx, event); err != nil {
		writeStoreError(w, err)
		return
	}
	metrics.TradeEventsTotal.WithLabelValues(event.Side).Inc()

	if event.ProbAfter != nil {
		if err := h.store.UpdateMarketProb(ctx, event.MarketID, *event.ProbAfter); err != nil {
			slog.Error("failed to update market prob", "market", event.MarketID, "err", err)
		}
	}

	writeJSON(w, http.StatusCreated, event)
}

// GetAccrual handles GET /api/v1/markets/{marketID}/accrual?user_id=&answer_id=&at=&prob=
// Previews claimable interest without paying it.
func (h *Handler) GetAccrual(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	at := time.Now().UTC()
	if s := q.Get("at"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, "at must be RFC3339", http.StatusBadRequest)
			return
		}
		at = t
	}

	var prob *decimal.Decimal
	if s := q.Get("prob"); s != "" {
		p, err := decimal.NewFromString(s)
		if err != nil || !validProb(p) {
			writeError(w, "prob must be between 0 and 1", http.StatusBadRequest)
			return
		}
		prob = &p
	}

	res, err := h.settle.Accrual(r.Context(), settlement.SellRequest{
		MarketID: chi.URLParam(r, "marketID"),
		AnswerID: q.Get("answer_id"),
		UserID:   userID,
		Time:     at,
		Prob:     prob,
	})
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PreviewResolution handles GET /api/v1/markets/{marketID}/resolution-preview?kind=&prob=&answer_id=&at=
// Lists what each holder would be paid if the market resolved now.
func (h *Handler) PreviewResolution(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := q.Get("kind")
	if err := h.validate.Var(kind, "required,oneof=YES NO MKT CANCEL"); err != nil {
		writeError(w, "kind must be one of YES, NO, MKT, CANCEL", http.StatusBadRequest)
		return
	}

	at := time.Now().UTC()
	if s := q.Get("at"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, "at must be RFC3339", http.StatusBadRequest)
			return
		}
		at = t
	}

	var prob *decimal.Decimal
	if s := q.Get("prob"); s != "" {
		p, err := decimal.NewFromString(s)
		if err != nil || !validProb(p) {
			writeError(w, "prob must be between 0 and 1", http.StatusBadRequest)
			return
		}
		prob = &p
	}

	owed, err := h.settle.SettleResolution(r.Context(), settlement.ResolutionRequest{
		MarketID: chi.URLParam(r, "marketID"),
		AnswerID: q.Get("answer_id"),
		Time:     at,
		Kind:     kind,
		Prob:     prob,
	})
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	if owed == nil {
		owed = []settlement.UserInterest{}
	}
	writeJSON(w, http.StatusOK, owed)
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve
// Records the resolution and pays resolution interest to every holder.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Kind == "" && len(req.Answers) == 0 {
		writeError(w, "kind or answers is required", http.StatusBadRequest)
		return
	}
	if req.Kind == model.ResolutionMkt && (req.Prob == nil || !validProb(*req.Prob)) {
		writeError(w, "MKT resolution requires prob between 0 and 1", http.StatusBadRequest)
		return
	}
	for _, a := range req.Answers {
		if a.Kind == model.ResolutionMkt && (a.Prob == nil || !validProb(*a.Prob)) {
			writeError(w, "MKT resolution requires prob between 0 and 1", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	marketID := chi.URLParam(r, "marketID")
	at := timeOrNow(req.Time)

	var payouts []model.Payout
	var err error
	if len(req.Answers) > 0 {
		answers := make([]settlement.AnswerResolution, len(req.Answers))
		for i, a := range req.Answers {
			answers[i] = settlement.AnswerResolution{AnswerID: a.AnswerID, Kind: a.Kind, Prob: a.Prob}
		}
		payouts, err = h.settle.ResolveAnswers(ctx, marketID, at, answers)
	} else {
		payouts, err = h.settle.Resolve(ctx, settlement.ResolutionRequest{
			MarketID: marketID,
			AnswerID: req.AnswerID,
			Time:     at,
			Kind:     req.Kind,
			Prob:     req.Prob,
		})
	}
	if err != nil {
		writeSettlementError(w, err)
		return
	}

	resp := ResolveResponse{MarketID: marketID, Payouts: payouts, Total: decimal.Zero}
	if resp.Payouts == nil {
		resp.Payouts = []model.Payout{}
	}
	for _, p := range payouts {
		resp.Total = resp.Total.Add(p.Amount)
	}
	writeJSON(w, http.StatusOK, resp)
}

// SettleSell handles POST /api/v1/markets/{marketID}/sell-settlement
// Pays interest accrued since the user's last settlement.
func (h *Handler) SettleSell(w http.ResponseWriter, r *http.Request) {
	var req SellSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Prob != nil && !validProb(*req.Prob) {
		writeError(w, "prob must be between 0 and 1", http.StatusBadRequest)
		return
	}

	res, err := h.settle.SettleOnSell(r.Context(), settlement.SellRequest{
		MarketID: chi.URLParam(r, "marketID"),
		AnswerID: req.AnswerID,
		UserID:   req.UserID,
		Time:     timeOrNow(req.Time),
		Prob:     req.Prob,
	})
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListPayouts handles GET /api/v1/users/{userID}/payouts
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	payouts, err := h.store.ListPayouts(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to list payouts", http.StatusInternalServerError)
		return
	}
	if payouts == nil {
		payouts = []model.Payout{}
	}
	writeJSON(w, http.StatusOK, payouts)
}

// GetBalance handles GET /api/v1/users/{userID}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	bal, err := h.store.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: bal})
}

// --- helpers ---

func validProb(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(decimal.NewFromInt(1))
}

func timeOrNow(t *time.Time) time.Time {
	if t == nil || t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrMarketNotFound) {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeError(w, "internal error", http.StatusInternalServerError)
}

func writeSettlementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrMarketNotFound):
		writeError(w, "market not found", http.StatusNotFound)
	case errors.Is(err, interest.ErrInvalidWindow):
		writeError(w, "settlement time precedes market creation", http.StatusBadRequest)
	case errors.Is(err, settlement.ErrRetriesExhausted):
		writeError(w, "settlement conflicted, retry later", http.StatusServiceUnavailable)
	default:
		writeError(w, "settlement failed", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
