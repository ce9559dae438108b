package policy

import "time"

// Decision is the governance snapshot produced by policy evaluation and
// stored on the change request. It is re-usable at submit time without
// re-derivation as long as the draft attributes are unchanged.
type Decision struct {
	RiskScore              int    `json:"risk_score"`
	RequiresClientApproval bool   `json:"requires_client_approval"`
	RequiresCabApproval    bool   `json:"requires_cab_approval"`
	RequiresSecurityReview bool   `json:"requires_security_review"`
	AutoApprove            bool   `json:"auto_approve"`
	MatchedPolicyName      string `json:"matched_policy_name,omitempty"`
	// EvaluatedAt stamps when the snapshot was taken; it is the only field
	// that differs between two evaluations with identical inputs.
	EvaluatedAt time.Time      `json:"evaluated_at"`
	Extra       map[string]any `json:"extra,omitempty"`
}

func (d *Decision) Empty() bool {
	return d == nil || d.EvaluatedAt.IsZero()
}

// DefaultDecision is applied when no active policy matches a change.
func DefaultDecision(riskScore int) *Decision {
	return &Decision{
		RiskScore:              riskScore,
		RequiresClientApproval: true,
		RequiresCabApproval:    false,
		AutoApprove:            false,
		EvaluatedAt:            time.Now().UTC(),
	}
}
