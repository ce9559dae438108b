package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opsforge/changeflow/modules/changes/domain/change"
)

func TestWeightedRiskScorer_Score(t *testing.T) {
	scorer := NewWeightedRiskScorer(DefaultRiskWeights())

	cases := []struct {
		name    string
		factors RiskFactors
		want    int
	}{
		{
			name:    "baseline standard low",
			factors: RiskFactors{Priority: change.PriorityLow, ChangeType: change.TypeStandard},
			want:    10,
		},
		{
			name: "asset contribution capped",
			factors: RiskFactors{
				Priority:   change.PriorityLow,
				ChangeType: change.TypeStandard,
				AssetCount: 500,
			},
			want: 30,
		},
		{
			name: "failure rate clamped to one",
			factors: RiskFactors{
				Priority:              change.PriorityLow,
				ChangeType:            change.TypeStandard,
				HistoricalFailureRate: 3.5,
			},
			want: 25,
		},
		{
			name: "negative failure rate ignored",
			factors: RiskFactors{
				Priority:              change.PriorityLow,
				ChangeType:            change.TypeStandard,
				HistoricalFailureRate: -1,
			},
			want: 10,
		},
		{
			name: "everything maxed stays within 100",
			factors: RiskFactors{
				Priority:              change.PriorityCritical,
				ChangeType:            change.TypeEmergency,
				AssetCount:            1000,
				HistoricalFailureRate: 1,
			},
			want: 100,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, scorer.Score(tc.factors))
		})
	}
}

func TestWeightedRiskScorer_Deterministic(t *testing.T) {
	scorer := NewWeightedRiskScorer(DefaultRiskWeights())
	factors := RiskFactors{
		Priority:              change.PriorityHigh,
		ChangeType:            change.TypeNetwork,
		AssetCount:            7,
		HistoricalFailureRate: 0.2,
	}
	first := scorer.Score(factors)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, scorer.Score(factors))
	}
}

func TestGovernanceSettings_Normalize(t *testing.T) {
	got := GovernanceSettings{}.normalize()
	defaults := DefaultGovernanceSettings()
	assert.Equal(t, defaults.CabQuorum, got.CabQuorum)
	assert.Equal(t, defaults.EmergencyCabQuorum, got.EmergencyCabQuorum)
	assert.Equal(t, defaults.BypassReasonMinLen, got.BypassReasonMinLen)

	custom := GovernanceSettings{CabQuorum: 5, EmergencyCabQuorum: 2, BypassReasonMinLen: 30}.normalize()
	assert.Equal(t, 5, custom.CabQuorum)
	assert.Equal(t, 2, custom.EmergencyCabQuorum)
	assert.Equal(t, 30, custom.BypassReasonMinLen)
}
