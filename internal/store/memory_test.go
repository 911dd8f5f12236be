package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/interest-engine/internal/model"
	"github.com/atmx/interest-engine/internal/store"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedMarket(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	m := &model.Market{
		ID:         id,
		Token:      "MANA",
		Visibility: model.VisibilityPublic,
		Prob:       decimal.NewFromFloat(0.5),
		Status:     model.StatusOpen,
		CreatedAt:  t0,
	}
	if err := ms.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
}

func payout(id, user, market, answer, amount string) *model.Payout {
	return &model.Payout{
		ID:       id,
		UserID:   user,
		MarketID: market,
		AnswerID: answer,
		Amount:   decimal.RequireFromString(amount),
		Source:   model.SourceSell,
	}
}

func TestMemoryStore_Markets(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedMarket(t, ms, "m1")

	if err := ms.CreateMarket(ctx, &model.Market{ID: "m1"}); !errors.Is(err, store.ErrMarketExists) {
		t.Fatalf("expected ErrMarketExists, got %v", err)
	}
	if _, err := ms.GetMarket(ctx, "missing"); !errors.Is(err, store.ErrMarketNotFound) {
		t.Fatalf("expected ErrMarketNotFound, got %v", err)
	}

	if err := ms.UpdateMarketProb(ctx, "m1", decimal.NewFromFloat(0.73)); err != nil {
		t.Fatal(err)
	}
	p := decimal.NewFromFloat(0.6)
	if err := ms.ResolveMarket(ctx, "m1", model.Resolution{Kind: model.ResolutionMkt, Prob: &p, Time: t0.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	m, err := ms.GetMarket(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Prob.String() != "0.73" {
		t.Errorf("expected prob 0.73, got %s", m.Prob)
	}
	if m.Status != model.StatusResolved || m.Resolution != model.ResolutionMkt {
		t.Errorf("unexpected resolution state: %s %s", m.Status, m.Resolution)
	}
	if m.ResolutionTime == nil || !m.ResolutionTime.Equal(t0.Add(time.Hour)) {
		t.Errorf("unexpected resolution time: %v", m.ResolutionTime)
	}

	// Returned markets are copies.
	m.Prob = decimal.Zero
	again, _ := ms.GetMarket(ctx, "m1")
	if again.Prob.IsZero() {
		t.Error("mutating a returned market changed the store")
	}
}

func TestMemoryStore_AnswerResolutions(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedMarket(t, ms, "m1")

	res, err := ms.GetAnswerResolution(ctx, "m1", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Fatalf("expected open answer, got %+v", res)
	}

	err = ms.ResolveAnswer(ctx, "missing", "a1", model.Resolution{Kind: model.ResolutionYes, Time: t0})
	if !errors.Is(err, store.ErrMarketNotFound) {
		t.Fatalf("expected ErrMarketNotFound, got %v", err)
	}

	if err := ms.ResolveAnswer(ctx, "m1", "a1", model.Resolution{Kind: model.ResolutionYes, Time: t0}); err != nil {
		t.Fatal(err)
	}
	if err := ms.ResolveAnswer(ctx, "m1", "a1", model.Resolution{Kind: model.ResolutionNo, Time: t0.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	res, err = ms.GetAnswerResolution(ctx, "m1", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || res.Kind != model.ResolutionNo || !res.Time.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected resolution: %+v", res)
	}
	if res, _ := ms.GetAnswerResolution(ctx, "m1", "a2"); res != nil {
		t.Fatalf("sibling answer should stay open, got %+v", res)
	}

	m, _ := ms.GetMarket(ctx, "m1")
	if m.Status != model.StatusOpen {
		t.Fatalf("market status = %s, want open", m.Status)
	}
}

func TestMemoryStore_EventsFor(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedMarket(t, ms, "m1")
	seedMarket(t, ms, "m2")

	insert := func(market, answer, user string, at time.Duration) *model.TradeEvent {
		e := &model.TradeEvent{
			MarketID:  market,
			AnswerID:  answer,
			UserID:    user,
			Side:      model.SideYes,
			Shares:    decimal.NewFromInt(1),
			CreatedAt: t0.Add(at),
		}
		if err := ms.InsertTradeEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
		return e
	}

	late := insert("m1", "", "alice", 2*time.Hour)
	early := insert("m1", "", "alice", time.Hour)
	insert("m1", "a1", "bob", time.Hour)
	insert("m2", "", "alice", time.Hour)

	if late.Seq >= early.Seq {
		t.Errorf("expected increasing seq, got %d then %d", late.Seq, early.Seq)
	}

	all, _ := ms.EventsFor(ctx, model.EventQuery{MarketID: "m1"})
	if len(all) != 3 {
		t.Fatalf("expected 3 events in m1, got %d", len(all))
	}
	if !all[len(all)-1].CreatedAt.Equal(t0.Add(2 * time.Hour)) {
		t.Error("expected events ordered by time")
	}

	byUser, _ := ms.EventsFor(ctx, model.EventQuery{MarketID: "m1", UserID: "alice"})
	if len(byUser) != 2 {
		t.Errorf("expected 2 events for alice, got %d", len(byUser))
	}

	byAnswer, _ := ms.EventsFor(ctx, model.EventQuery{MarketID: "m1", AnswerID: "a1"})
	if len(byAnswer) != 1 || byAnswer[0].UserID != "bob" {
		t.Errorf("unexpected answer filter result: %+v", byAnswer)
	}

	until, _ := ms.EventsFor(ctx, model.EventQuery{MarketID: "m1", Until: t0.Add(time.Hour)})
	if len(until) != 2 {
		t.Errorf("expected 2 events up to and including t0+1h, got %d", len(until))
	}

	err := ms.InsertTradeEvent(ctx, &model.TradeEvent{MarketID: "missing", Side: model.SideYes})
	if !errors.Is(err, store.ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
}

func TestMemoryStore_RunSerializable(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	scope := model.Scope{UserID: "alice", MarketID: "m1"}

	err := ms.RunSerializable(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreditPayout(ctx, payout("p1", "alice", "m1", "", "2.5")); err != nil {
			return err
		}
		// Staged writes are visible inside the unit of work.
		paid, _ := tx.SumPaid(ctx, scope)
		if paid.String() != "2.5" {
			t.Errorf("expected staged sum 2.5, got %s", paid)
		}
		return tx.CreditPayout(ctx, payout("p2", "alice", "m1", "a1", "1"))
	})
	if err != nil {
		t.Fatal(err)
	}

	paid, _ := ms.SumPaid(ctx, scope)
	if paid.String() != "2.5" {
		t.Errorf("expected 2.5 paid for binary scope, got %s", paid)
	}
	bal, _ := ms.GetBalance(ctx, "alice")
	if bal.String() != "3.5" {
		t.Errorf("expected balance 3.5, got %s", bal)
	}

	list, _ := ms.ListPayouts(ctx, "alice")
	if len(list) != 2 {
		t.Errorf("expected 2 payouts, got %d", len(list))
	}
}

func TestMemoryStore_RunSerializableRollsBack(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	boom := errors.New("boom")

	err := ms.RunSerializable(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreditPayout(ctx, payout("p1", "bob", "m1", "", "4")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	bal, _ := ms.GetBalance(ctx, "bob")
	if !bal.IsZero() {
		t.Errorf("expected rolled back balance, got %s", bal)
	}
	if list, _ := ms.ListPayouts(ctx, "bob"); len(list) != 0 {
		t.Errorf("expected no payouts, got %d", len(list))
	}
}

func TestMemoryStore_CreditPayoutRejectsNonPositive(t *testing.T) {
	ms := store.NewMemoryStore()
	err := ms.RunSerializable(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreditPayout(ctx, payout("p0", "carol", "m1", "", "0"))
	})
	if err == nil {
		t.Error("expected error for zero payout")
	}
}

func TestMemoryTx_PaidByUser(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	_ = ms.RunSerializable(ctx, func(ctx context.Context, tx store.Tx) error {
		_ = tx.CreditPayout(ctx, payout("p1", "alice", "m1", "a1", "1"))
		_ = tx.CreditPayout(ctx, payout("p2", "alice", "m1", "a1", "2"))
		_ = tx.CreditPayout(ctx, payout("p3", "alice", "m1", "a2", "5"))
		_ = tx.CreditPayout(ctx, payout("p4", "bob", "m2", "a1", "9"))
		return nil
	})

	_ = ms.RunSerializable(ctx, func(ctx context.Context, tx store.Tx) error {
		all, _ := tx.PaidByUser(ctx, "m1", "")
		if len(all) != 2 {
			t.Errorf("expected 2 keys in m1, got %d", len(all))
		}
		if got := all[model.PayoutKey{UserID: "alice", AnswerID: "a1"}]; got.String() != "3" {
			t.Errorf("expected 3 for alice/a1, got %s", got)
		}

		one, _ := tx.PaidByUser(ctx, "m1", "a2")
		if len(one) != 1 {
			t.Errorf("expected 1 key for a2, got %d", len(one))
		}
		return nil
	})
}
