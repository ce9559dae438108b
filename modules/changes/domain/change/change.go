package change

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/changeflow/modules/changes/domain/policy"
)

type Status string

const (
	StatusDraft           Status = "draft"
	StatusSubmitted       Status = "submitted"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusScheduled       Status = "scheduled"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type Type string

const (
	TypeStandard       Type = "standard"
	TypeNormal         Type = "normal"
	TypeEmergency      Type = "emergency"
	TypeNetwork        Type = "network"
	TypeServerCloud    Type = "server_cloud"
	TypeIdentityAccess Type = "identity_access"
	TypeSecurityPatch  Type = "security_patch"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// BackoutPlanRiskThreshold is the risk score at and above which a backout
// plan is mandatory before submission.
const BackoutPlanRiskThreshold = 60

// transitions is the full edge set of the workflow. Status never moves
// outside this graph; rejected -> draft is the revise-and-resubmit edge.
var transitions = map[Status][]Status{
	StatusDraft:           {StatusSubmitted, StatusPendingApproval, StatusApproved, StatusRejected, StatusCancelled},
	StatusSubmitted:       {StatusPendingApproval, StatusApproved, StatusRejected, StatusCancelled},
	StatusPendingApproval: {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:        {StatusScheduled, StatusRejected, StatusCancelled},
	StatusScheduled:       {StatusInProgress, StatusCancelled},
	StatusInProgress:      {StatusCompleted, StatusCancelled},
	StatusRejected:        {StatusDraft},
	StatusCompleted:       {},
	StatusCancelled:       {},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether a change in this status may still be cancelled.
func (s Status) Active() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusPendingApproval, StatusApproved, StatusScheduled, StatusInProgress:
		return true
	}
	return false
}

func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

func ValidType(t Type) bool {
	switch t {
	case TypeStandard, TypeNormal, TypeEmergency, TypeNetwork, TypeServerCloud, TypeIdentityAccess, TypeSecurityPatch:
		return true
	}
	return false
}

type ChangeRequest struct {
	TenantID uuid.UUID `json:"tenant_id"`
	ID       uuid.UUID `json:"id"`
	Code     string    `json:"code"`
	ClientID uuid.UUID `json:"client_id"`

	Title      string    `json:"title"`
	Priority   Priority  `json:"priority"`
	ChangeType Type      `json:"change_type"`
	RiskLevel  RiskLevel `json:"risk_level"`
	RiskScore  int       `json:"risk_score"`

	PolicyDecision *policy.Decision `json:"policy_decision,omitempty"`

	ImplementationPlan    string `json:"implementation_plan"`
	BackoutPlan           string `json:"backout_plan"`
	TestPlan              string `json:"test_plan"`
	BusinessJustification string `json:"business_justification"`

	// FormData and ExternalAssetIDs are attached by the form and asset
	// subsystems at creation and carried opaquely.
	FormData         json.RawMessage `json:"form_data,omitempty"`
	ExternalAssetIDs []string        `json:"external_asset_ids,omitempty"`

	Status Status `json:"status"`

	RequesterID        uuid.UUID  `json:"requester_id"`
	ApproverID         *uuid.UUID `json:"approver_id,omitempty"`
	AssignedEngineerID *uuid.UUID `json:"assigned_engineer_id,omitempty"`

	ConditionsPending bool       `json:"conditions_pending"`
	ConditionsAckAt   *time.Time `json:"conditions_ack_at,omitempty"`

	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`

	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RiskLevelForScore buckets a 0-100 risk score into the informational level.
func RiskLevelForScore(score int) RiskLevel {
	switch {
	case score >= 70:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

// NeedsBackoutPlan reports whether submission requires a backout plan for
// the given risk score.
func NeedsBackoutPlan(riskScore int) bool {
	return riskScore >= BackoutPlanRiskThreshold
}
