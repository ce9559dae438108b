package services

import (
	"github.com/opsforge/changeflow/modules/changes/domain/change"
)

// RiskFactors are the inputs to risk scoring. Contextual factors come from
// collaborator subsystems (asset inventory, change history) and default to
// zero when unknown.
type RiskFactors struct {
	Priority              change.Priority
	ChangeType            change.Type
	AssetCount            int
	HistoricalFailureRate float64 // 0..1
}

// RiskScorer computes a 0-100 risk score. Implementations must be
// deterministic for identical inputs; the exact weighting is a policy
// authoring concern, not fixed by the engine.
type RiskScorer interface {
	Score(factors RiskFactors) int
}

type RiskWeights struct {
	Priority          map[change.Priority]int
	ChangeType        map[change.Type]int
	PerAsset          int
	AssetCap          int
	FailureRateWeight int
}

func DefaultRiskWeights() RiskWeights {
	return RiskWeights{
		Priority: map[change.Priority]int{
			change.PriorityLow:      5,
			change.PriorityMedium:   15,
			change.PriorityHigh:     25,
			change.PriorityCritical: 35,
		},
		ChangeType: map[change.Type]int{
			change.TypeStandard:       5,
			change.TypeNormal:         10,
			change.TypeEmergency:      30,
			change.TypeNetwork:        20,
			change.TypeServerCloud:    20,
			change.TypeIdentityAccess: 25,
			change.TypeSecurityPatch:  15,
		},
		PerAsset:          2,
		AssetCap:          20,
		FailureRateWeight: 15,
	}
}

type WeightedRiskScorer struct {
	weights RiskWeights
}

func NewWeightedRiskScorer(weights RiskWeights) *WeightedRiskScorer {
	return &WeightedRiskScorer{weights: weights}
}

func (s *WeightedRiskScorer) Score(factors RiskFactors) int {
	score := s.weights.Priority[factors.Priority] + s.weights.ChangeType[factors.ChangeType]

	assetScore := factors.AssetCount * s.weights.PerAsset
	if assetScore > s.weights.AssetCap {
		assetScore = s.weights.AssetCap
	}
	score += assetScore

	rate := factors.HistoricalFailureRate
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	score += int(rate * float64(s.weights.FailureRateWeight))

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
