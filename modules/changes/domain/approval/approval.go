package approval

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Approval is one client stakeholder's sign-off row for a change. One row is
// created per active approver contact when the client stage opens; rows are
// never deleted.
type Approval struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	ID        uuid.UUID `json:"id"`
	ChangeID  uuid.UUID `json:"change_id"`
	ContactID uuid.UUID `json:"contact_id"`

	Status      Status     `json:"status"`
	Comments    *string    `json:"comments,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`

	// BypassedBy is set when a manager bypass forced this row to approved.
	BypassedBy *uuid.UUID `json:"bypassed_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Vote string

const (
	VoteApprove Vote = "approve"
	VoteReject  Vote = "reject"
	VoteAbstain Vote = "abstain"
)

// CabVote is one board member's ballot for a change. At most one live vote
// exists per (change, voter); "approve with conditions" is an approve vote
// with non-nil ConditionalTerms.
type CabVote struct {
	TenantID uuid.UUID `json:"tenant_id"`
	ID       uuid.UUID `json:"id"`
	ChangeID uuid.UUID `json:"change_id"`
	VoterID  uuid.UUID `json:"voter_id"`

	Vote             Vote    `json:"vote"`
	Comments         *string `json:"comments,omitempty"`
	ConditionalTerms *string `json:"conditional_terms,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contact is a client stakeholder from the directory collaborator.
type Contact struct {
	ID         uuid.UUID `json:"id"`
	ClientID   uuid.UUID `json:"client_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	IsApprover bool      `json:"is_approver"`
	Active     bool      `json:"active"`
}

func ValidVote(v Vote) bool {
	switch v {
	case VoteApprove, VoteReject, VoteAbstain:
		return true
	}
	return false
}
