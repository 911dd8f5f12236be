// Package model defines the core domain types shared across the interest engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome sides a position can be held in.
const (
	SideYes = "YES"
	SideNo  = "NO"
)

// Resolution kinds. MKT resolves to a probability rather than an outcome.
const (
	ResolutionYes    = "YES"
	ResolutionNo     = "NO"
	ResolutionMkt    = "MKT"
	ResolutionCancel = "CANCEL"
)

// Market visibility values.
const (
	VisibilityPublic   = "public"
	VisibilityUnlisted = "unlisted"
	VisibilityPrivate  = "private"
)

// Market status values.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Payout sources.
const (
	SourceResolution = "resolution"
	SourceSell       = "sell"
)

// TradeEvent is an immutable record of a fill produced by the trading
// subsystem. Once created, these are never modified or deleted.
type TradeEvent struct {
	ID       string          `json:"id" db:"id"`
	Seq      int64           `json:"seq" db:"seq"` // store-assigned tiebreak, monotonic
	MarketID string          `json:"market_id" db:"market_id"`
	AnswerID string          `json:"answer_id,omitempty" db:"answer_id"` // "" for binary markets
	UserID   string          `json:"user_id" db:"user_id"`
	Side     string          `json:"side" db:"side"`     // "YES" or "NO"
	Shares   decimal.Decimal `json:"shares" db:"shares"` // signed: +buy, -sell

	// ProbAfter is the market's YES probability after this fill, if known.
	ProbAfter *decimal.Decimal `json:"prob_after,omitempty" db:"prob_after"`

	IsRedemption    bool  `json:"is_redemption" db:"is_redemption"`
	IsFilled        *bool `json:"is_filled,omitempty" db:"is_filled"` // nil for market orders
	IsCancelled     bool  `json:"is_cancelled" db:"is_cancelled"`
	IsInterestClaim bool  `json:"is_interest_claim" db:"is_interest_claim"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// EventQuery filters trade events. Empty string fields match anything;
// a zero Until means no upper bound. Until is inclusive.
type EventQuery struct {
	MarketID string
	AnswerID string
	UserID   string
	Until    time.Time
}

// Market carries the attributes the interest engine needs from a
// prediction market record.
type Market struct {
	ID         string          `json:"id" db:"id"`
	Question   string          `json:"question" db:"question"`
	Token      string          `json:"token" db:"token"` // settlement token, e.g. "MANA"
	Visibility string          `json:"visibility" db:"visibility"`
	IsRanked   *bool           `json:"is_ranked,omitempty" db:"is_ranked"` // nil counts as ranked
	Prob       decimal.Decimal `json:"prob" db:"prob"`                     // live YES probability
	Status     string          `json:"status" db:"status"`                 // "open", "resolved"

	Resolution     string           `json:"resolution,omitempty" db:"resolution"`
	ResolutionProb *decimal.Decimal `json:"resolution_prob,omitempty" db:"resolution_prob"`
	ResolutionTime *time.Time       `json:"resolution_time,omitempty" db:"resolution_time"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Resolution fixes a market's outcome.
type Resolution struct {
	Kind string
	Prob *decimal.Decimal
	Time time.Time
}

// Scope identifies one user's position in one market (and sub-answer).
// It is the unit of "already paid" accounting.
type Scope struct {
	UserID   string
	MarketID string
	AnswerID string
}

// PayoutKey groups payouts within a market.
type PayoutKey struct {
	UserID   string
	AnswerID string
}

// Payout is an append-only interest disbursement. Its existence is the sole
// source of truth for what has already been paid for a scope.
type Payout struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	AnswerID    string          `json:"answer_id,omitempty" db:"answer_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Gross       decimal.Decimal `json:"gross" db:"gross"`               // interest accrued at settlement time
	AlreadyPaid decimal.Decimal `json:"already_paid" db:"already_paid"` // prior payouts for the scope

	YesShareDays decimal.Decimal `json:"yes_share_days" db:"yes_share_days"`
	NoShareDays  decimal.Decimal `json:"no_share_days" db:"no_share_days"`
	YesValue     decimal.Decimal `json:"yes_value" db:"yes_value"`
	NoValue      decimal.Decimal `json:"no_value" db:"no_value"`

	Source    string    `json:"source" db:"source"` // "resolution" or "sell"
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Scope returns the accounting scope the payout belongs to.
func (p *Payout) Scope() Scope {
	return Scope{UserID: p.UserID, MarketID: p.MarketID, AnswerID: p.AnswerID}
}
