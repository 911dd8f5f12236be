// Package settlement pays time-weighted interest on held positions.
//
// Two triggers pay interest. Resolution settlement values every holder's
// full history at the final outcome; sell-time settlement values one
// user's history at the live probability when they exit. Both subtract
// what the payout ledger says was already paid for the scope, and both
// write inside a serializable unit of work, so neither trigger can pay
// the same share-days twice.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/interest-engine/internal/interest"
	"github.com/atmx/interest-engine/internal/metrics"
	"github.com/atmx/interest-engine/internal/model"
	"github.com/atmx/interest-engine/internal/store"
	"github.com/atmx/interest-engine/internal/timeline"
)

// ErrRetriesExhausted wraps the last serialization conflict once the retry
// budget is spent. Retrying later is safe.
var ErrRetriesExhausted = errors.New("settlement: retries exhausted")

// Trigger labels.
const (
	triggerResolution = "resolution"
	triggerSell       = "sell"
)

// Config holds the injected rate and retry policy.
type Config struct {
	AnnualRate         decimal.Decimal
	MaxRetries         int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	ResolveConcurrency int
}

// DefaultConfig returns a 5% annual rate with three attempts.
func DefaultConfig() Config {
	return Config{
		AnnualRate:         decimal.NewFromFloat(0.05),
		MaxRetries:         3,
		BaseBackoff:        50 * time.Millisecond,
		MaxBackoff:         time.Second,
		ResolveConcurrency: 4,
	}
}

// Notifier is told about payouts after they commit.
type Notifier interface {
	PayoutsCommitted(payouts []model.Payout)
}

// Service runs settlements against a Store.
type Service struct {
	store    store.Store
	builder  *timeline.Builder
	gate     interest.Gate
	cfg      Config
	notifier Notifier // optional
}

// NewService creates a settlement service.
// Pass nil for notifier if payout broadcasting is not needed.
func NewService(st store.Store, gate interest.Gate, cfg Config, notifier Notifier) *Service {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.ResolveConcurrency < 1 {
		cfg.ResolveConcurrency = 1
	}
	return &Service{
		store:    st,
		builder:  timeline.NewBuilder(st),
		gate:     gate,
		cfg:      cfg,
		notifier: notifier,
	}
}

// Gate returns the eligibility gate in use.
func (s *Service) Gate() interest.Gate { return s.gate }

// withRetry re-runs fn from scratch on serialization conflicts, backing
// off exponentially between attempts.
func (s *Service) withRetry(ctx context.Context, trigger string, fn func(ctx context.Context) error) error {
	backoff := s.cfg.BaseBackoff
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !errors.Is(err, store.ErrSerialization) {
			return err
		}
		if attempt >= s.cfg.MaxRetries {
			return fmt.Errorf("%w: %s settlement after %d attempts: %w",
				ErrRetriesExhausted, trigger, attempt, err)
		}

		metrics.SettlementRetries.WithLabelValues(trigger).Inc()
		slog.Warn("settlement conflict, retrying",
			"trigger", trigger,
			"attempt", attempt,
			"backoff", backoff.String(),
			"err", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

func newPayout(scope model.Scope, sd interest.ShareDays, v interest.Valuation,
	gross, paid, amount decimal.Decimal, source string) model.Payout {
	return model.Payout{
		ID:           uuid.New().String(),
		UserID:       scope.UserID,
		MarketID:     scope.MarketID,
		AnswerID:     scope.AnswerID,
		Amount:       amount,
		Gross:        gross,
		AlreadyPaid:  paid,
		YesShareDays: sd.Yes,
		NoShareDays:  sd.No,
		YesValue:     v.Yes,
		NoValue:      v.No,
		Source:       source,
		CreatedAt:    time.Now().UTC(),
	}
}

func (s *Service) committed(source string, payouts []model.Payout) {
	if len(payouts) == 0 {
		return
	}
	for _, p := range payouts {
		metrics.PayoutsTotal.WithLabelValues(source).Inc()
		metrics.PaidAmount.WithLabelValues(source).Add(p.Amount.InexactFloat64())
	}
	if s.notifier != nil {
		s.notifier.PayoutsCommitted(payouts)
	}
}
