package interest

import "github.com/atmx/interest-engine/internal/model"

// Gate decides whether a market accrues interest at all.
type Gate struct {
	Enabled bool
	Token   string // the single interest-bearing settlement token
}

// IsEligible requires the feature flag, the interest-bearing token, public
// visibility and ranked status. Cancelled markets never qualify.
func (g Gate) IsEligible(m *model.Market) bool {
	if !g.Enabled || m == nil {
		return false
	}
	if m.Token != g.Token {
		return false
	}
	if m.Visibility != model.VisibilityPublic {
		return false
	}
	if m.IsRanked != nil && !*m.IsRanked {
		return false
	}
	return m.Resolution != model.ResolutionCancel
}
