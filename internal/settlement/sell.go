package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/interest-engine/internal/interest"
	"github.com/atmx/interest-engine/internal/metrics"
	"github.com/atmx/interest-engine/internal/model"
	"github.com/atmx/interest-engine/internal/store"
)

// SellRequest describes one user's sell action.
type SellRequest struct {
	MarketID string
	AnswerID string
	UserID   string
	Time     time.Time
	Prob     *decimal.Decimal // live YES probability; nil uses the market's
}

func (r SellRequest) scope() model.Scope {
	return model.Scope{UserID: r.UserID, MarketID: r.MarketID, AnswerID: r.AnswerID}
}

// SellResult is the outcome of a sell-time settlement. A zero Amount is a
// normal result, not a failure.
type SellResult struct {
	Amount      decimal.Decimal    `json:"amount"`
	ShareDays   interest.ShareDays `json:"share_days"`
	Valuation   interest.Valuation `json:"valuation"`
	Gross       decimal.Decimal    `json:"gross"`
	AlreadyPaid decimal.Decimal    `json:"already_paid"`
	Eligible    bool               `json:"eligible"`
	PayoutID    string             `json:"payout_id,omitempty"`
}

// accrueLive integrates the user's history up to the sell and values it
// at the live probability. Nothing is read from the ledger.
func (s *Service) accrueLive(ctx context.Context, req SellRequest) (*SellResult, error) {
	m, err := s.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, fmt.Errorf("sell settlement %s: %w", req.MarketID, err)
	}
	if !s.gate.IsEligible(m) || m.Status == model.StatusResolved {
		return &SellResult{}, nil
	}
	if req.AnswerID != "" {
		res, err := s.store.GetAnswerResolution(ctx, req.MarketID, req.AnswerID)
		if err != nil {
			return nil, fmt.Errorf("sell settlement %s/%s: %w", req.MarketID, req.AnswerID, err)
		}
		if res != nil {
			return &SellResult{}, nil
		}
	}

	prob := m.Prob
	if req.Prob != nil {
		prob = *req.Prob
	}
	v := interest.LiveValuation(prob)

	w := interest.Window{Start: m.CreatedAt, End: req.Time}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("sell settlement %s: %w", req.MarketID, err)
	}

	tl, err := s.builder.LoadOne(ctx, req.scope(), req.Time)
	if err != nil {
		return nil, fmt.Errorf("sell settlement %s: load timeline: %w", req.MarketID, err)
	}

	sd := interest.Accrue(tl, w)
	return &SellResult{
		ShareDays: sd,
		Valuation: v,
		Gross:     interest.Compute(sd, v, s.cfg.AnnualRate),
		Eligible:  true,
	}, nil
}

// SettleOnSell pays the interest a user has accrued but not yet been paid
// for one market scope. The "already paid" read, the balance credit and
// the ledger append happen in one serializable unit of work; conflicts
// re-run the whole call.
func (s *Service) SettleOnSell(ctx context.Context, req SellRequest) (*SellResult, error) {
	start := time.Now()
	defer metrics.ObserveSince(triggerSell, start)

	var result *SellResult
	var payout *model.Payout
	err := s.withRetry(ctx, triggerSell, func(ctx context.Context) error {
		payout = nil
		accrued, err := s.accrueLive(ctx, req)
		if err != nil {
			return err
		}
		result = accrued
		if accrued.Gross.IsZero() {
			return nil
		}

		return s.store.RunSerializable(ctx, func(ctx context.Context, tx store.Tx) error {
			r := *accrued
			scope := req.scope()
			if err := tx.LockScope(ctx, scope); err != nil {
				return err
			}
			paid, err := tx.SumPaid(ctx, scope)
			if err != nil {
				return err
			}
			r.AlreadyPaid = paid
			r.Amount = interest.Net(r.Gross, paid)

			if r.Amount.IsPositive() {
				p := newPayout(scope, r.ShareDays, r.Valuation, r.Gross, paid, r.Amount, model.SourceSell)
				if err := tx.CreditPayout(ctx, &p); err != nil {
					return err
				}
				r.PayoutID = p.ID
				payout = &p
			}
			result = &r
			return nil
		})
	})
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(triggerSell, "error").Inc()
		slog.Error("sell settlement failed",
			"market", req.MarketID, "answer", req.AnswerID, "user", req.UserID, "err", err)
		return nil, err
	}

	switch {
	case !result.Eligible:
		metrics.SettlementsTotal.WithLabelValues(triggerSell, "ineligible").Inc()
	case payout == nil:
		metrics.SettlementsTotal.WithLabelValues(triggerSell, "zero").Inc()
	default:
		metrics.SettlementsTotal.WithLabelValues(triggerSell, "paid").Inc()
		slog.Info("interest paid",
			"payout_id", payout.ID,
			"market", req.MarketID,
			"answer", req.AnswerID,
			"user", req.UserID,
			"amount", payout.Amount.String(),
			"gross", payout.Gross.String(),
			"already_paid", payout.AlreadyPaid.String(),
			"yes_share_days", payout.YesShareDays.String(),
			"no_share_days", payout.NoShareDays.String(),
		)
		s.committed(model.SourceSell, []model.Payout{*payout})
	}
	return result, nil
}

// Accrual previews what SettleOnSell would pay right now. It writes
// nothing and its "already paid" read is not isolated.
func (s *Service) Accrual(ctx context.Context, req SellRequest) (*SellResult, error) {
	r, err := s.accrueLive(ctx, req)
	if err != nil {
		return nil, err
	}
	if r.Gross.IsZero() {
		return r, nil
	}
	paid, err := s.store.SumPaid(ctx, req.scope())
	if err != nil {
		return nil, fmt.Errorf("accrual %s: %w", req.MarketID, err)
	}
	r.AlreadyPaid = paid
	r.Amount = interest.Net(r.Gross, paid)
	return r, nil
}
