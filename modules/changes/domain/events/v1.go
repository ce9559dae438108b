package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	TopicChangeStatusChangedV1 = "change.status_changed.v1"
	TopicChangeDecidedV1       = "change.decided.v1"
	TopicApprovalRequestedV1   = "change.approval_requested.v1"
	EventVersionV1             = 1
)

// ChangeStatusChangedV1 is published on the in-process bus after every
// committed workflow transition.
type ChangeStatusChangedV1 struct {
	EventID         uuid.UUID `json:"event_id"`
	EventVersion    int       `json:"event_version"`
	TenantID        uuid.UUID `json:"tenant_id"`
	ChangeID        uuid.UUID `json:"change_id"`
	ChangeCode      string    `json:"change_code"`
	ClientID        uuid.UUID `json:"client_id"`
	InitiatorID     uuid.UUID `json:"initiator_id"`
	OldStatus       string    `json:"old_status"`
	NewStatus       string    `json:"new_status"`
	Reason          string    `json:"reason,omitempty"`
	TransactionTime time.Time `json:"transaction_time"`
}

func (ChangeStatusChangedV1) Topic() string { return TopicChangeStatusChangedV1 }

// ChangeDecidedV1 is published when a policy decision is captured on a
// change.
type ChangeDecidedV1 struct {
	EventID       uuid.UUID `json:"event_id"`
	EventVersion  int       `json:"event_version"`
	TenantID      uuid.UUID `json:"tenant_id"`
	ChangeID      uuid.UUID `json:"change_id"`
	RiskScore     int       `json:"risk_score"`
	AutoApprove   bool      `json:"auto_approve"`
	MatchedPolicy string    `json:"matched_policy,omitempty"`
	DecidedAt     time.Time `json:"decided_at"`
}

func (ChangeDecidedV1) Topic() string { return TopicChangeDecidedV1 }

// ApprovalRequestedV1 is published when the client stage opens, once per
// invited contact.
type ApprovalRequestedV1 struct {
	EventID      uuid.UUID `json:"event_id"`
	EventVersion int       `json:"event_version"`
	TenantID     uuid.UUID `json:"tenant_id"`
	ChangeID     uuid.UUID `json:"change_id"`
	ApprovalID   uuid.UUID `json:"approval_id"`
	ContactID    uuid.UUID `json:"contact_id"`
	RequestedAt  time.Time `json:"requested_at"`
}

func (ApprovalRequestedV1) Topic() string { return TopicApprovalRequestedV1 }
