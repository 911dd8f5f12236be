package interest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atmx/interest-engine/internal/interest"
	"github.com/atmx/interest-engine/internal/model"
)

func TestGate_IsEligible(t *testing.T) {
	ranked, unranked := true, false
	gate := interest.Gate{Enabled: true, Token: "MANA"}

	base := func() *model.Market {
		return &model.Market{ID: "m1", Token: "MANA", Visibility: model.VisibilityPublic}
	}

	tests := []struct {
		name   string
		gate   interest.Gate
		mutate func(m *model.Market)
		want   bool
	}{
		{"public ranked MANA market", gate, func(m *model.Market) { m.IsRanked = &ranked }, true},
		{"nil ranked counts as ranked", gate, func(*model.Market) {}, true},
		{"feature disabled", interest.Gate{Token: "MANA"}, func(*model.Market) {}, false},
		{"other token", gate, func(m *model.Market) { m.Token = "CASH" }, false},
		{"unlisted", gate, func(m *model.Market) { m.Visibility = model.VisibilityUnlisted }, false},
		{"private", gate, func(m *model.Market) { m.Visibility = model.VisibilityPrivate }, false},
		{"unranked", gate, func(m *model.Market) { m.IsRanked = &unranked }, false},
		{"cancelled", gate, func(m *model.Market) { m.Resolution = model.ResolutionCancel }, false},
		{"resolved YES stays eligible", gate, func(m *model.Market) { m.Resolution = model.ResolutionYes }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(m)
			assert.Equal(t, tt.want, tt.gate.IsEligible(m))
		})
	}

	assert.False(t, gate.IsEligible(nil))
}
