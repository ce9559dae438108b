package policy

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestChangePolicy_Matches(t *testing.T) {
	clientID := uuid.New()
	p := &ChangePolicy{
		Active:     true,
		ClientID:   &clientID,
		ChangeType: strPtr("network"),
		RiskMin:    20,
		RiskMax:    80,
	}

	attrs := MatchAttributes{ClientID: clientID, ChangeType: "network", Priority: "high", RiskScore: 50}
	assert.True(t, p.Matches(attrs))

	inactive := *p
	inactive.Active = false
	assert.False(t, inactive.Matches(attrs))

	wrongClient := attrs
	wrongClient.ClientID = uuid.New()
	assert.False(t, p.Matches(wrongClient))

	wrongType := attrs
	wrongType.ChangeType = "standard"
	assert.False(t, p.Matches(wrongType))

	belowRange := attrs
	belowRange.RiskScore = 19
	assert.False(t, p.Matches(belowRange))

	atBounds := attrs
	atBounds.RiskScore = 20
	assert.True(t, p.Matches(atBounds))
	atBounds.RiskScore = 80
	assert.True(t, p.Matches(atBounds))
}

func TestSelectBestMatch_SpecificityWins(t *testing.T) {
	clientID := uuid.New()
	global := &ChangePolicy{ID: uuid.New(), Name: "global", Active: true, RiskMax: 100}
	typed := &ChangePolicy{ID: uuid.New(), Name: "typed", Active: true, RiskMax: 100, ChangeType: strPtr("network")}
	clientScoped := &ChangePolicy{ID: uuid.New(), Name: "client", Active: true, RiskMax: 100, ClientID: &clientID}

	attrs := MatchAttributes{ClientID: clientID, ChangeType: "network", Priority: "low", RiskScore: 10}

	got := SelectBestMatch([]*ChangePolicy{global, typed, clientScoped}, attrs)
	require.NotNil(t, got)
	// Client scope outweighs any combination of attribute filters.
	assert.Equal(t, "client", got.Name)

	got = SelectBestMatch([]*ChangePolicy{global, typed}, attrs)
	require.NotNil(t, got)
	assert.Equal(t, "typed", got.Name)
}

func TestSelectBestMatch_TieBreaksByNewest(t *testing.T) {
	older := &ChangePolicy{ID: uuid.New(), Name: "older", Active: true, RiskMax: 100, CreatedAt: time.Now().Add(-time.Hour)}
	newer := &ChangePolicy{ID: uuid.New(), Name: "newer", Active: true, RiskMax: 100, CreatedAt: time.Now()}

	got := SelectBestMatch([]*ChangePolicy{older, newer}, MatchAttributes{ClientID: uuid.New(), RiskScore: 10})
	require.NotNil(t, got)
	assert.Equal(t, "newer", got.Name)
}

func TestSelectBestMatch_NoMatch(t *testing.T) {
	p := &ChangePolicy{ID: uuid.New(), Active: true, RiskMin: 90, RiskMax: 100}
	assert.Nil(t, SelectBestMatch([]*ChangePolicy{p}, MatchAttributes{RiskScore: 10}))
	assert.Nil(t, SelectBestMatch(nil, MatchAttributes{RiskScore: 10}))
}

func TestDefaultDecision_IsConservative(t *testing.T) {
	d := DefaultDecision(42)
	assert.Equal(t, 42, d.RiskScore)
	assert.True(t, d.RequiresClientApproval)
	assert.False(t, d.AutoApprove)
	assert.False(t, d.Empty())

	var nilDecision *Decision
	assert.True(t, nilDecision.Empty())
	assert.True(t, (&Decision{}).Empty())
}
