// Package timeline reconstructs per-user position step functions from the
// immutable trade event log.
//
// A timeline holds, for one (sub-answer, user) pair, two checkpoint
// sequences (YES and NO). Each checkpoint is the cumulative share count
// right after a qualifying event; the value holds until the next
// checkpoint on the same side.
package timeline

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/interest-engine/internal/model"
)

// Checkpoint is the cumulative quantity held on one side after an event.
type Checkpoint struct {
	Time     time.Time       `json:"time"`
	Seq      int64           `json:"seq"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Key identifies a timeline within one market.
type Key struct {
	AnswerID string `json:"answer_id"`
	UserID   string `json:"user_id"`
}

// Timeline is the position history of one user in one market/sub-answer.
type Timeline struct {
	Key
	Yes []Checkpoint `json:"yes"`
	No  []Checkpoint `json:"no"`
}

// Side returns the checkpoints for the given side, or nil for an unknown side.
func (t *Timeline) Side(side string) []Checkpoint {
	switch side {
	case model.SideYes:
		return t.Yes
	case model.SideNo:
		return t.No
	}
	return nil
}

// EventSource is the read side of the trade event store.
type EventSource interface {
	EventsFor(ctx context.Context, q model.EventQuery) ([]model.TradeEvent, error)
}

// Qualifies reports whether an event moves a held position. Redemptions,
// cancelled or unfilled limit orders, and interest claims never do; the
// last exclusion keeps interest from compounding on its own payouts.
func Qualifies(e *model.TradeEvent) bool {
	if e.IsRedemption || e.IsCancelled || e.IsInterestClaim {
		return false
	}
	if e.IsFilled != nil && !*e.IsFilled {
		return false
	}
	return e.Side == model.SideYes || e.Side == model.SideNo
}

// Build groups qualifying events at or before until (zero = unbounded) into
// timelines, ordered by creation time with Seq as the tiebreak. The result
// is sorted by (AnswerID, UserID) and is empty when no event qualifies.
func Build(events []model.TradeEvent, until time.Time) []*Timeline {
	qualifying := make([]model.TradeEvent, 0, len(events))
	for i := range events {
		e := &events[i]
		if !Qualifies(e) {
			continue
		}
		if !until.IsZero() && e.CreatedAt.After(until) {
			continue
		}
		qualifying = append(qualifying, *e)
	}

	sort.SliceStable(qualifying, func(i, j int) bool {
		a, b := qualifying[i], qualifying[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})

	type running struct {
		tl      *Timeline
		yes, no decimal.Decimal
	}
	byKey := make(map[Key]*running)

	for _, e := range qualifying {
		k := Key{AnswerID: e.AnswerID, UserID: e.UserID}
		r, ok := byKey[k]
		if !ok {
			r = &running{tl: &Timeline{Key: k}}
			byKey[k] = r
		}
		if e.Side == model.SideYes {
			r.yes = r.yes.Add(e.Shares)
			r.tl.Yes = append(r.tl.Yes, Checkpoint{Time: e.CreatedAt, Seq: e.Seq, Quantity: r.yes})
		} else {
			r.no = r.no.Add(e.Shares)
			r.tl.No = append(r.tl.No, Checkpoint{Time: e.CreatedAt, Seq: e.Seq, Quantity: r.no})
		}
	}

	timelines := make([]*Timeline, 0, len(byKey))
	for _, r := range byKey {
		timelines = append(timelines, r.tl)
	}
	sort.Slice(timelines, func(i, j int) bool {
		if timelines[i].AnswerID != timelines[j].AnswerID {
			return timelines[i].AnswerID < timelines[j].AnswerID
		}
		return timelines[i].UserID < timelines[j].UserID
	})
	return timelines
}

// Builder loads events from a source and builds timelines.
type Builder struct {
	source EventSource
}

// NewBuilder creates a builder reading from source.
func NewBuilder(source EventSource) *Builder {
	return &Builder{source: source}
}

// Load returns the timelines for every (sub-answer, user) touched by
// qualifying events matching q.
func (b *Builder) Load(ctx context.Context, q model.EventQuery) ([]*Timeline, error) {
	events, err := b.source.EventsFor(ctx, q)
	if err != nil {
		return nil, err
	}
	return Build(events, q.Until), nil
}

// LoadOne returns the timeline for a single scope, or nil if the user has
// no qualifying history there.
func (b *Builder) LoadOne(ctx context.Context, scope model.Scope, until time.Time) (*Timeline, error) {
	timelines, err := b.Load(ctx, model.EventQuery{
		MarketID: scope.MarketID,
		AnswerID: scope.AnswerID,
		UserID:   scope.UserID,
		Until:    until,
	})
	if err != nil {
		return nil, err
	}
	for _, tl := range timelines {
		if tl.AnswerID == scope.AnswerID && tl.UserID == scope.UserID {
			return tl, nil
		}
	}
	return nil, nil
}
