package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/interest-engine/internal/interest"
	"github.com/atmx/interest-engine/internal/metrics"
	"github.com/atmx/interest-engine/internal/model"
	"github.com/atmx/interest-engine/internal/store"
)

// ResolutionRequest describes a market (or sub-answer) resolution.
type ResolutionRequest struct {
	MarketID string
	AnswerID string // "" settles every sub-answer of the market
	Time     time.Time
	Kind     string           // YES, NO, MKT, CANCEL
	Prob     *decimal.Decimal // required for MKT
}

// UserInterest is one holder's resolution interest.
type UserInterest struct {
	UserID      string             `json:"user_id"`
	AnswerID    string             `json:"answer_id,omitempty"`
	ShareDays   interest.ShareDays `json:"share_days"`
	Valuation   interest.Valuation `json:"valuation"`
	Gross       decimal.Decimal    `json:"gross"`
	AlreadyPaid decimal.Decimal    `json:"already_paid"`
	Amount      decimal.Decimal    `json:"amount"`
}

func (u *UserInterest) scope(marketID string) model.Scope {
	return model.Scope{UserID: u.UserID, MarketID: marketID, AnswerID: u.AnswerID}
}

// resolutionGross integrates every holder's history up to the resolution
// and values it at the outcome. Ineligible markets and cancellations
// yield nothing.
func (s *Service) resolutionGross(ctx context.Context, req ResolutionRequest) ([]UserInterest, error) {
	m, err := s.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, fmt.Errorf("resolution settlement %s: %w", req.MarketID, err)
	}
	if req.Kind == model.ResolutionCancel || !s.gate.IsEligible(m) {
		return nil, nil
	}

	v := interest.ResolutionValuation(req.Kind, req.Prob)
	if v.Yes.IsZero() && v.No.IsZero() {
		return nil, nil
	}

	w := interest.Window{Start: m.CreatedAt, End: req.Time}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("resolution settlement %s: %w", req.MarketID, err)
	}

	timelines, err := s.builder.Load(ctx, model.EventQuery{
		MarketID: req.MarketID,
		AnswerID: req.AnswerID,
		Until:    req.Time,
	})
	if err != nil {
		return nil, fmt.Errorf("resolution settlement %s: load timelines: %w", req.MarketID, err)
	}

	var gross []UserInterest
	for _, tl := range timelines {
		sd := interest.Accrue(tl, w)
		amount := interest.Compute(sd, v, s.cfg.AnnualRate)
		if amount.IsZero() {
			continue
		}
		gross = append(gross, UserInterest{
			UserID:    tl.UserID,
			AnswerID:  tl.AnswerID,
			ShareDays: sd,
			Valuation: v,
			Gross:     amount,
		})
	}
	return gross, nil
}

// applyPaid nets gross interest against prior payouts and drops holders
// with nothing left to pay.
func applyPaid(gross []UserInterest, paid map[model.PayoutKey]decimal.Decimal) []UserInterest {
	var owed []UserInterest
	for _, ui := range gross {
		ui.AlreadyPaid = paid[model.PayoutKey{UserID: ui.UserID, AnswerID: ui.AnswerID}]
		ui.Amount = interest.Net(ui.Gross, ui.AlreadyPaid)
		if ui.Amount.IsPositive() {
			owed = append(owed, ui)
		}
	}
	return owed
}

// SettleResolution returns what each holder is still owed at resolution,
// without paying it. The list is sorted by (AnswerID, UserID) and is
// empty for ineligible or cancelled markets.
func (s *Service) SettleResolution(ctx context.Context, req ResolutionRequest) ([]UserInterest, error) {
	var owed []UserInterest
	err := s.withRetry(ctx, triggerResolution, func(ctx context.Context) error {
		gross, err := s.resolutionGross(ctx, req)
		if err != nil || len(gross) == 0 {
			owed = nil
			return err
		}
		return s.store.RunSerializable(ctx, func(ctx context.Context, tx store.Tx) error {
			paid, err := tx.PaidByUser(ctx, req.MarketID, req.AnswerID)
			if err != nil {
				return err
			}
			owed = applyPaid(gross, paid)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return owed, nil
}

// DisburseResolution computes resolution interest and pays it in a single
// serializable write. Running it again pays only what is still owed, so
// every holder gets at most one resolution entry per outcome.
func (s *Service) DisburseResolution(ctx context.Context, req ResolutionRequest) ([]model.Payout, error) {
	start := time.Now()
	defer metrics.ObserveSince(triggerResolution, start)

	var payouts []model.Payout
	err := s.withRetry(ctx, triggerResolution, func(ctx context.Context) error {
		payouts = nil
		gross, err := s.resolutionGross(ctx, req)
		if err != nil || len(gross) == 0 {
			return err
		}

		return s.store.RunSerializable(ctx, func(ctx context.Context, tx store.Tx) error {
			var written []model.Payout
			// gross is sorted by (AnswerID, UserID), so locks are taken in a
			// stable order.
			for i := range gross {
				if err := tx.LockScope(ctx, gross[i].scope(req.MarketID)); err != nil {
					return err
				}
			}
			paid, err := tx.PaidByUser(ctx, req.MarketID, req.AnswerID)
			if err != nil {
				return err
			}
			for _, ui := range applyPaid(gross, paid) {
				p := newPayout(ui.scope(req.MarketID), ui.ShareDays, ui.Valuation,
					ui.Gross, ui.AlreadyPaid, ui.Amount, model.SourceResolution)
				if err := tx.CreditPayout(ctx, &p); err != nil {
					return err
				}
				written = append(written, p)
			}
			payouts = written
			return nil
		})
	})
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(triggerResolution, "error").Inc()
		slog.Error("resolution settlement failed",
			"market", req.MarketID, "answer", req.AnswerID, "err", err)
		return nil, err
	}

	outcome := "zero"
	if len(payouts) > 0 {
		outcome = "paid"
	}
	metrics.SettlementsTotal.WithLabelValues(triggerResolution, outcome).Inc()

	total := decimal.Zero
	for _, p := range payouts {
		total = total.Add(p.Amount)
	}
	slog.Info("resolution settled",
		"market", req.MarketID,
		"answer", req.AnswerID,
		"kind", req.Kind,
		"payouts", len(payouts),
		"total", total.String(),
	)

	s.committed(model.SourceResolution, payouts)
	return payouts, nil
}

// Resolve records the resolution, then disburses. A sub-answer resolution
// is recorded against the answer and leaves the market record open, so
// later sells on that answer stop accruing.
func (s *Service) Resolve(ctx context.Context, req ResolutionRequest) ([]model.Payout, error) {
	res := model.Resolution{Kind: req.Kind, Prob: req.Prob, Time: req.Time}
	if req.AnswerID == "" {
		if err := s.store.ResolveMarket(ctx, req.MarketID, res); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", req.MarketID, err)
		}
	} else {
		if err := s.store.ResolveAnswer(ctx, req.MarketID, req.AnswerID, res); err != nil {
			return nil, fmt.Errorf("resolve %s/%s: %w", req.MarketID, req.AnswerID, err)
		}
	}
	return s.DisburseResolution(ctx, req)
}

// AnswerResolution is the outcome of one sub-answer.
type AnswerResolution struct {
	AnswerID string
	Kind     string
	Prob     *decimal.Decimal
}

// ResolveAnswers records and disburses several sub-answer resolutions of
// one market concurrently. Each sub-answer is its own unit of work; a
// failure in one does not roll back the others, and re-running is safe.
func (s *Service) ResolveAnswers(ctx context.Context, marketID string, at time.Time, answers []AnswerResolution) ([]model.Payout, error) {
	for _, a := range answers {
		if a.AnswerID == "" {
			return nil, fmt.Errorf("resolve answers %s: empty answer id", marketID)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ResolveConcurrency)

	var mu sync.Mutex
	var all []model.Payout

	for _, a := range answers {
		a := a
		g.Go(func() error {
			payouts, err := s.Resolve(ctx, ResolutionRequest{
				MarketID: marketID,
				AnswerID: a.AnswerID,
				Time:     at,
				Kind:     a.Kind,
				Prob:     a.Prob,
			})
			if err != nil {
				return fmt.Errorf("answer %s: %w", a.AnswerID, err)
			}
			mu.Lock()
			all = append(all, payouts...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].AnswerID != all[j].AnswerID {
			return all[i].AnswerID < all[j].AnswerID
		}
		return all[i].UserID < all[j].UserID
	})
	return all, nil
}
