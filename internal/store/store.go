// Package store defines the persistence interface for the interest engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/interest-engine/internal/model"
)

var (
	// ErrMarketNotFound is returned when a referenced market does not exist.
	ErrMarketNotFound = errors.New("store: market not found")

	// ErrMarketExists is returned when creating a market whose ID is taken.
	ErrMarketExists = errors.New("store: market already exists")

	// ErrSerialization is returned when a serializable transaction lost a
	// conflict and must be retried from scratch.
	ErrSerialization = errors.New("store: serialization conflict")
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Markets ---

	// CreateMarket registers a market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID. Returns ErrMarketNotFound
	// if it does not exist.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarketProb records the live YES probability.
	UpdateMarketProb(ctx context.Context, id string, prob decimal.Decimal) error

	// ResolveMarket records a market's resolution.
	ResolveMarket(ctx context.Context, id string, res model.Resolution) error

	// ResolveAnswer records one sub-answer's resolution. Recording it
	// again overwrites the previous outcome.
	ResolveAnswer(ctx context.Context, marketID, answerID string, res model.Resolution) error

	// GetAnswerResolution returns a sub-answer's resolution, or nil if the
	// answer is still open.
	GetAnswerResolution(ctx context.Context, marketID, answerID string) (*model.Resolution, error)

	// --- Trade events (append-only) ---

	// InsertTradeEvent appends an immutable trade event and assigns its Seq.
	InsertTradeEvent(ctx context.Context, event *model.TradeEvent) error

	// EventsFor returns matching events ordered by (created_at, seq).
	EventsFor(ctx context.Context, q model.EventQuery) ([]model.TradeEvent, error)

	// --- Payout ledger (append-only) ---

	// SumPaid totals prior payouts for exactly this scope. Outside a
	// transaction the result is advisory only.
	SumPaid(ctx context.Context, scope model.Scope) (decimal.Decimal, error)

	// ListPayouts returns a user's payouts, oldest first.
	ListPayouts(ctx context.Context, userID string) ([]model.Payout, error)

	// GetBalance returns a user's credited balance.
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// RunSerializable runs fn in one serializable unit of work. Either every
	// write fn made through tx commits or none does. Returns
	// ErrSerialization (wrapped) when the caller should retry.
	RunSerializable(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the ledger view inside a serializable unit of work.
type Tx interface {
	// LockScope makes concurrent settlements of the same scope wait for
	// each other. It only reduces conflicts: the read snapshot may predate
	// the lock, so lost updates are still caught as ErrSerialization.
	LockScope(ctx context.Context, scope model.Scope) error

	// SumPaid totals prior payouts for exactly this scope.
	SumPaid(ctx context.Context, scope model.Scope) (decimal.Decimal, error)

	// PaidByUser totals prior payouts per (user, sub-answer) in a market.
	// An empty answerID covers every sub-answer.
	PaidByUser(ctx context.Context, marketID, answerID string) (map[model.PayoutKey]decimal.Decimal, error)

	// CreditPayout credits the recipient's balance and appends the payout.
	CreditPayout(ctx context.Context, payout *model.Payout) error
}
