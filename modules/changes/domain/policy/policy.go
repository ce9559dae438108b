package policy

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ChangePolicy maps change attributes to required-approval flags. Policies
// are authored by governance admins and read-only for the workflow.
type ChangePolicy struct {
	TenantID uuid.UUID `json:"tenant_id"`
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`

	// ClientID scopes the policy to one client; nil means global.
	ClientID   *uuid.UUID `json:"client_id,omitempty"`
	ChangeType *string    `json:"change_type,omitempty"`
	Priority   *string    `json:"priority,omitempty"`

	RiskMin int `json:"risk_min"`
	RiskMax int `json:"risk_max"`

	RequiresClientApproval bool `json:"requires_client_approval"`
	RequiresCabApproval    bool `json:"requires_cab_approval"`
	RequiresSecurityReview bool `json:"requires_security_review"`
	AutoApprove            bool `json:"auto_approve"`

	MaxImplementationHours int             `json:"max_implementation_hours"`
	Rules                  json.RawMessage `json:"rules,omitempty"`
	Active                 bool            `json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MatchAttributes struct {
	ClientID   uuid.UUID
	ChangeType string
	Priority   string
	RiskScore  int
}

func (p *ChangePolicy) Matches(attrs MatchAttributes) bool {
	if !p.Active {
		return false
	}
	if p.ClientID != nil && *p.ClientID != attrs.ClientID {
		return false
	}
	if p.ChangeType != nil && *p.ChangeType != attrs.ChangeType {
		return false
	}
	if p.Priority != nil && *p.Priority != attrs.Priority {
		return false
	}
	return attrs.RiskScore >= p.RiskMin && attrs.RiskScore <= p.RiskMax
}

// specificity ranks matching policies: client scope dominates, then each
// non-null attribute filter adds a point.
func (p *ChangePolicy) specificity() int {
	score := 0
	if p.ClientID != nil {
		score += 4
	}
	if p.ChangeType != nil {
		score++
	}
	if p.Priority != nil {
		score++
	}
	return score
}

// SelectBestMatch returns the single best-matching policy for the given
// attributes, or nil when none matches. Ties on specificity break by most
// recently created.
func SelectBestMatch(policies []*ChangePolicy, attrs MatchAttributes) *ChangePolicy {
	matched := make([]*ChangePolicy, 0, len(policies))
	for _, p := range policies {
		if p.Matches(attrs) {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	sort.SliceStable(matched, func(i, j int) bool {
		si, sj := matched[i].specificity(), matched[j].specificity()
		if si != sj {
			return si > sj
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return matched[0]
}
