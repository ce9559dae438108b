package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/changeflow/modules/changes/domain/change"
	"github.com/opsforge/changeflow/modules/changes/domain/policy"
)

type ConflictKind string

const (
	ConflictKindChange   ConflictKind = "change"
	ConflictKindBlackout ConflictKind = "blackout"
)

// Conflict is one entry of the advisory conflict set. Exactly one of Change
// and Blackout is populated, matching Kind.
type Conflict struct {
	Kind     ConflictKind           `json:"kind"`
	Change   *change.ChangeRequest  `json:"change,omitempty"`
	Blackout *policy.BlackoutWindow `json:"blackout,omitempty"`
}

// ConflictDetector finds overlapping implementation windows for a client.
// It performs no mutation; refusing to schedule on conflict is the
// workflow's call.
type ConflictDetector struct {
	changes  change.Repository
	policies policy.Repository
}

func NewConflictDetector(changes change.Repository, policies policy.Repository) *ConflictDetector {
	return &ConflictDetector{changes: changes, policies: policies}
}

func (d *ConflictDetector) FindConflicts(ctx context.Context, clientID uuid.UUID, start, end time.Time, excludeID uuid.UUID) ([]Conflict, error) {
	if clientID == uuid.Nil {
		return nil, validationError("client_id is required")
	}
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return nil, validationError("window end must be after window start")
	}

	overlapping, err := d.changes.ListScheduledOverlapping(ctx, clientID, start, end, excludeID)
	if err != nil {
		return nil, mapPgError(err)
	}

	conflicts := make([]Conflict, 0, len(overlapping))
	for _, cr := range overlapping {
		conflicts = append(conflicts, Conflict{Kind: ConflictKindChange, Change: cr})
	}

	windows, err := d.policies.ListBlackoutWindows(ctx, clientID)
	if err != nil {
		return nil, mapPgError(err)
	}
	for _, w := range windows {
		if w.Overlaps(start, end) {
			conflicts = append(conflicts, Conflict{Kind: ConflictKindBlackout, Blackout: w})
		}
	}
	return conflicts, nil
}
