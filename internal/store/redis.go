package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/interest-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for market records and balances. Writes go to the primary store
// and invalidate the cache; reads check Redis first then fall back to the
// primary. Trade events and the payout ledger are never cached: the ledger
// is the idempotence source of truth.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarketProb(ctx context.Context, id string, prob decimal.Decimal) error {
	if err := s.primary.UpdateMarketProb(ctx, id, prob); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) ResolveMarket(ctx context.Context, id string, res model.Resolution) error {
	if err := s.primary.ResolveMarket(ctx, id, res); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

// RunSerializable delegates to the primary and, once the unit of work has
// committed, drops cached balances of every credited user.
func (s *CachedStore) RunSerializable(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var credited []string
	err := s.primary.RunSerializable(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &recordingTx{Tx: tx, credited: &credited})
	})
	if err != nil {
		return err
	}
	if len(credited) > 0 {
		keys := make([]string, len(credited))
		for i, uid := range credited {
			keys[i] = balanceKey(uid)
		}
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// recordingTx notes which balances a transaction touched.
type recordingTx struct {
	Tx
	credited *[]string
}

func (t *recordingTx) CreditPayout(ctx context.Context, p *model.Payout) error {
	if err := t.Tx.CreditPayout(ctx, p); err != nil {
		return err
	}
	*t.credited = append(*t.credited, p.UserID)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if cached, err := s.rdb.Get(ctx, balanceKey(userID)).Result(); err == nil {
		if bal, err := decimal.NewFromString(cached); err == nil {
			return bal, nil
		}
	}

	bal, err := s.primary.GetBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Set(ctx, balanceKey(userID), bal.String(), s.ttl)
	return bal, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) InsertTradeEvent(ctx context.Context, e *model.TradeEvent) error {
	return s.primary.InsertTradeEvent(ctx, e)
}

func (s *CachedStore) EventsFor(ctx context.Context, q model.EventQuery) ([]model.TradeEvent, error) {
	return s.primary.EventsFor(ctx, q)
}

func (s *CachedStore) SumPaid(ctx context.Context, scope model.Scope) (decimal.Decimal, error) {
	return s.primary.SumPaid(ctx, scope)
}

func (s *CachedStore) ResolveAnswer(ctx context.Context, marketID, answerID string, res model.Resolution) error {
	return s.primary.ResolveAnswer(ctx, marketID, answerID, res)
}

func (s *CachedStore) GetAnswerResolution(ctx context.Context, marketID, answerID string) (*model.Resolution, error) {
	return s.primary.GetAnswerResolution(ctx, marketID, answerID)
}

func (s *CachedStore) ListPayouts(ctx context.Context, userID string) ([]model.Payout, error) {
	return s.primary.ListPayouts(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string   { return fmt.Sprintf("interest:market:%s", id) }
func balanceKey(uid string) string { return fmt.Sprintf("interest:balance:%s", uid) }
