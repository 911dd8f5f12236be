package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/interest-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// RunSerializable holds the write lock for the whole unit of work, so
// transactions never conflict.
type MemoryStore struct {
	mu       sync.RWMutex
	markets  map[string]*model.Market
	answers  map[answerKey]model.Resolution
	events   []model.TradeEvent
	payouts  []model.Payout
	balances map[string]decimal.Decimal
	seq      int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:  make(map[string]*model.Market),
		answers:  make(map[answerKey]model.Resolution),
		balances: make(map[string]decimal.Decimal),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: %s", ErrMarketExists, m.ID)
	}

	// Store a copy to avoid external mutation.
	copy := *m
	s.markets[m.ID] = &copy
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) UpdateMarketProb(_ context.Context, id string, prob decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	m.Prob = prob
	return nil
}

func (s *MemoryStore) ResolveMarket(_ context.Context, id string, res model.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	at := res.Time
	m.Status = model.StatusResolved
	m.Resolution = res.Kind
	m.ResolutionProb = res.Prob
	m.ResolutionTime = &at
	return nil
}

type answerKey struct{ marketID, answerID string }

func (s *MemoryStore) ResolveAnswer(_ context.Context, marketID, answerID string, res model.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[marketID]; !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	s.answers[answerKey{marketID, answerID}] = res
	return nil
}

func (s *MemoryStore) GetAnswerResolution(_ context.Context, marketID, answerID string) (*model.Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.answers[answerKey{marketID, answerID}]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

func (s *MemoryStore) InsertTradeEvent(_ context.Context, e *model.TradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[e.MarketID]; !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, e.MarketID)
	}
	s.seq++
	e.Seq = s.seq
	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) EventsFor(_ context.Context, q model.EventQuery) ([]model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeEvent
	for _, e := range s.events {
		if e.MarketID != q.MarketID {
			continue
		}
		if q.AnswerID != "" && e.AnswerID != q.AnswerID {
			continue
		}
		if q.UserID != "" && e.UserID != q.UserID {
			continue
		}
		if !q.Until.IsZero() && e.CreatedAt.After(q.Until) {
			continue
		}
		result = append(result, e)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Seq < result[j].Seq
	})
	return result, nil
}

func (s *MemoryStore) SumPaid(_ context.Context, scope model.Scope) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sumPaid(s.payouts, scope), nil
}

func (s *MemoryStore) ListPayouts(_ context.Context, userID string) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Payout
	for _, p := range s.payouts {
		if p.UserID == userID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.balances[userID], nil
}

// RunSerializable stages writes and applies them only if fn succeeds.
func (s *MemoryStore) RunSerializable(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{s: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, p := range tx.staged {
		s.payouts = append(s.payouts, p)
		s.balances[p.UserID] = s.balances[p.UserID].Add(p.Amount)
	}
	return nil
}

// memoryTx runs under the store's write lock.
type memoryTx struct {
	s      *MemoryStore
	staged []model.Payout
}

func (tx *memoryTx) LockScope(context.Context, model.Scope) error { return nil }

func (tx *memoryTx) SumPaid(_ context.Context, scope model.Scope) (decimal.Decimal, error) {
	return sumPaid(tx.s.payouts, scope).Add(sumPaid(tx.staged, scope)), nil
}

func (tx *memoryTx) PaidByUser(_ context.Context, marketID, answerID string) (map[model.PayoutKey]decimal.Decimal, error) {
	paid := make(map[model.PayoutKey]decimal.Decimal)
	for _, list := range [][]model.Payout{tx.s.payouts, tx.staged} {
		for _, p := range list {
			if p.MarketID != marketID {
				continue
			}
			if answerID != "" && p.AnswerID != answerID {
				continue
			}
			k := model.PayoutKey{UserID: p.UserID, AnswerID: p.AnswerID}
			paid[k] = paid[k].Add(p.Amount)
		}
	}
	return paid, nil
}

func (tx *memoryTx) CreditPayout(_ context.Context, p *model.Payout) error {
	if !p.Amount.IsPositive() {
		return fmt.Errorf("store: payout %s has non-positive amount %s", p.ID, p.Amount)
	}
	tx.staged = append(tx.staged, *p)
	return nil
}

func sumPaid(payouts []model.Payout, scope model.Scope) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payouts {
		if p.Scope() == scope {
			total = total.Add(p.Amount)
		}
	}
	return total
}
