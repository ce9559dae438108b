package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkflowEvent records one workflow mutation. Append-only, never updated.
type WorkflowEvent struct {
	TenantID  uuid.UUID       `json:"tenant_id"`
	ID        uuid.UUID       `json:"id"`
	ChangeID  uuid.UUID       `json:"change_id"`
	ActorID   uuid.UUID       `json:"actor_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditEvent carries the old/new value diff for compliance reconstruction.
type AuditEvent struct {
	TenantID  uuid.UUID       `json:"tenant_id"`
	ID        uuid.UUID       `json:"id"`
	ChangeID  uuid.UUID       `json:"change_id"`
	ActorID   uuid.UUID       `json:"actor_id"`
	EventType string          `json:"event_type"`
	Reason    string          `json:"reason,omitempty"`
	OldValues json.RawMessage `json:"old_values,omitempty"`
	NewValues json.RawMessage `json:"new_values"`
	CreatedAt time.Time       `json:"created_at"`
}

const (
	EventStatusChanged    = "status_changed"
	EventDecisionCaptured = "decision_captured"
	EventApprovalRecorded = "approval_recorded"
	EventCabVoteRecorded  = "cab_vote_recorded"
	EventClientBypass     = "client_approval_bypassed"
	EventCabBypass        = "cab_voting_bypassed"
	EventConditionsAck    = "conditions_acknowledged"
	EventScheduled        = "scheduled"
	EventArchived         = "archived"
)

// TimelineEntry is one element of the merged, creation-ordered event trail.
type TimelineEntry struct {
	Kind      string          `json:"kind"` // "workflow" or "audit"
	ChangeID  uuid.UUID       `json:"change_id"`
	ActorID   uuid.UUID       `json:"actor_id"`
	EventType string          `json:"event_type"`
	Reason    string          `json:"reason,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	OldValues json.RawMessage `json:"old_values,omitempty"`
	NewValues json.RawMessage `json:"new_values,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
