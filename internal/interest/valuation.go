package interest

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/interest-engine/internal/model"
)

var one = decimal.NewFromInt(1)

// Valuation is the value of one share-day on each side.
type Valuation struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// BinaryValuation values a YES/NO resolution. CANCEL and unknown kinds
// value nothing.
func BinaryValuation(kind string) Valuation {
	switch kind {
	case model.ResolutionYes:
		return Valuation{Yes: one, No: decimal.Zero}
	case model.ResolutionNo:
		return Valuation{Yes: decimal.Zero, No: one}
	}
	return Valuation{Yes: decimal.Zero, No: decimal.Zero}
}

// ProbabilisticValuation values a MKT resolution at probability p,
// clamped to [0, 1].
func ProbabilisticValuation(p decimal.Decimal) Valuation {
	p = clampProb(p)
	return Valuation{Yes: p, No: one.Sub(p)}
}

// LiveValuation values open positions at the market's current YES
// probability.
func LiveValuation(p decimal.Decimal) Valuation {
	return ProbabilisticValuation(p)
}

// ResolutionValuation picks the valuation for a resolution kind. MKT
// without a probability values nothing.
func ResolutionValuation(kind string, p *decimal.Decimal) Valuation {
	if kind == model.ResolutionMkt {
		if p == nil {
			return BinaryValuation("")
		}
		return ProbabilisticValuation(*p)
	}
	return BinaryValuation(kind)
}

func clampProb(p decimal.Decimal) decimal.Decimal {
	if p.IsNegative() {
		return decimal.Zero
	}
	if p.GreaterThan(one) {
		return one
	}
	return p
}
