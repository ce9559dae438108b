package change

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusDraft, StatusSubmitted},
		{StatusDraft, StatusApproved},
		{StatusDraft, StatusCancelled},
		{StatusSubmitted, StatusPendingApproval},
		{StatusSubmitted, StatusRejected},
		{StatusPendingApproval, StatusApproved},
		{StatusApproved, StatusScheduled},
		{StatusApproved, StatusRejected},
		{StatusScheduled, StatusInProgress},
		{StatusInProgress, StatusCompleted},
		{StatusRejected, StatusDraft},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	refused := []struct{ from, to Status }{
		{StatusDraft, StatusScheduled},
		{StatusDraft, StatusInProgress},
		{StatusSubmitted, StatusDraft},
		{StatusApproved, StatusDraft},
		{StatusScheduled, StatusCompleted},
		{StatusCompleted, StatusDraft},
		{StatusCompleted, StatusCancelled},
		{StatusCancelled, StatusDraft},
		{StatusRejected, StatusApproved},
	}
	for _, tc := range refused {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusTerminalAndActive(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusRejected.Terminal())

	assert.True(t, StatusDraft.Active())
	assert.True(t, StatusInProgress.Active())
	assert.False(t, StatusRejected.Active())
	assert.False(t, StatusCompleted.Active())
	assert.False(t, StatusCancelled.Active())
}

func TestRiskLevelForScore(t *testing.T) {
	assert.Equal(t, RiskLow, RiskLevelForScore(0))
	assert.Equal(t, RiskLow, RiskLevelForScore(39))
	assert.Equal(t, RiskMedium, RiskLevelForScore(40))
	assert.Equal(t, RiskMedium, RiskLevelForScore(69))
	assert.Equal(t, RiskHigh, RiskLevelForScore(70))
	assert.Equal(t, RiskHigh, RiskLevelForScore(100))
}

func TestNeedsBackoutPlan(t *testing.T) {
	assert.False(t, NeedsBackoutPlan(BackoutPlanRiskThreshold-1))
	assert.True(t, NeedsBackoutPlan(BackoutPlanRiskThreshold))
}

func TestValidators(t *testing.T) {
	assert.True(t, ValidPriority(PriorityCritical))
	assert.False(t, ValidPriority(Priority("urgent")))
	assert.True(t, ValidType(TypeIdentityAccess))
	assert.False(t, ValidType(Type("firmware")))
}
