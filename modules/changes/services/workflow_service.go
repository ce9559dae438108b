package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opsforge/changeflow/modules/changes/domain/actor"
	"github.com/opsforge/changeflow/modules/changes/domain/audit"
	"github.com/opsforge/changeflow/modules/changes/domain/change"
	"github.com/opsforge/changeflow/modules/changes/domain/events"
	"github.com/opsforge/changeflow/modules/changes/permissions"
	"github.com/opsforge/changeflow/pkg/composables"
	"github.com/opsforge/changeflow/pkg/eventbus"
)

// WorkflowService owns the change status field. Every transition runs under
// the per-change lock, applies a guarded status write, and records one
// workflow event plus one audit event before committing.
type WorkflowService struct {
	changes   change.Repository
	policies  *PolicyService
	approvals *ApprovalService
	detector  *ConflictDetector
	directory ContactDirectory
	auditor   *AuditWriter
	notifier  Notifier
	bus       eventbus.EventBus
	settings  GovernanceSettings
	locks     *keyedMutex
}

type CreateChangeInput struct {
	ClientID              uuid.UUID
	Title                 string
	Priority              change.Priority
	ChangeType            change.Type
	ImplementationPlan    string
	BackoutPlan           string
	TestPlan              string
	BusinessJustification string
	// FormData and ExternalAssetIDs come from the form and asset
	// collaborators; the workflow stores them untouched.
	FormData         json.RawMessage
	ExternalAssetIDs []string

	AssetCount            int
	HistoricalFailureRate float64
}

type SubmitResult struct {
	Status  change.Status `json:"status"`
	Message string        `json:"message"`
}

func (s *WorkflowService) Create(ctx context.Context, in CreateChangeInput, acting actor.Actor) (*change.ChangeRequest, error) {
	if !acting.Can(permissions.ChangeCreate) {
		return nil, s.denied(ctx, acting, "create", uuid.Nil)
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, validationError("title is required")
	}
	if in.ClientID == uuid.Nil {
		return nil, validationError("client_id is required")
	}
	if !change.ValidPriority(in.Priority) {
		return nil, validationError("unknown priority: " + string(in.Priority))
	}
	if !change.ValidType(in.ChangeType) {
		return nil, validationError("unknown change_type: " + string(in.ChangeType))
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	decision, err := s.policies.Evaluate(ctx, EvaluateInput{
		ClientID:              in.ClientID,
		ChangeType:            in.ChangeType,
		Priority:              in.Priority,
		AssetCount:            in.AssetCount,
		HistoricalFailureRate: in.HistoricalFailureRate,
	})
	if err != nil {
		return nil, err
	}

	cr := &change.ChangeRequest{
		TenantID:              tenantID,
		ID:                    uuid.New(),
		Code:                  generateCode(),
		ClientID:              in.ClientID,
		Title:                 in.Title,
		Priority:              in.Priority,
		ChangeType:            in.ChangeType,
		RiskLevel:             change.RiskLevelForScore(decision.RiskScore),
		RiskScore:             decision.RiskScore,
		PolicyDecision:        decision,
		ImplementationPlan:    in.ImplementationPlan,
		BackoutPlan:           in.BackoutPlan,
		TestPlan:              in.TestPlan,
		BusinessJustification: in.BusinessJustification,
		FormData:              in.FormData,
		ExternalAssetIDs:      in.ExternalAssetIDs,
		Status:                change.StatusDraft,
		RequesterID:           acting.ID,
	}

	created, err := inTx(ctx, func(txCtx context.Context) (*change.ChangeRequest, error) {
		created, err := s.changes.Create(txCtx, cr)
		if err != nil {
			return nil, mapPgError(err)
		}
		if err := s.auditor.Event(txCtx, created.TenantID, created.ID, acting.ID, audit.EventDecisionCaptured, "",
			nil, decision); err != nil {
			return nil, err
		}
		return created, nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.ChangeDecidedV1{
		EventID:       uuid.New(),
		EventVersion:  events.EventVersionV1,
		TenantID:      created.TenantID,
		ChangeID:      created.ID,
		RiskScore:     decision.RiskScore,
		AutoApprove:   decision.AutoApprove,
		MatchedPolicy: decision.MatchedPolicyName,
		DecidedAt:     decision.EvaluatedAt,
	})
	return created, nil
}

type UpdateDraftInput struct {
	Title                 *string
	Priority              *change.Priority
	ChangeType            *change.Type
	ImplementationPlan    *string
	BackoutPlan           *string
	TestPlan              *string
	BusinessJustification *string
	AssetCount            int
	HistoricalFailureRate float64
}

// UpdateDraft edits a draft in place and re-evaluates the policy decision,
// since changed attributes may change the risk score and routing.
func (s *WorkflowService) UpdateDraft(ctx context.Context, changeID uuid.UUID, in UpdateDraftInput, acting actor.Actor) (*change.ChangeRequest, error) {
	if !acting.Can(permissions.ChangeEdit) {
		return nil, s.denied(ctx, acting, "edit", changeID)
	}

	unlock := s.locks.Lock(changeID)
	defer unlock()

	return inTx(ctx, func(txCtx context.Context) (*change.ChangeRequest, error) {
		ch, err := s.changes.LockByID(txCtx, changeID)
		if err != nil {
			return nil, mapPgError(err)
		}
		if ch.Status != change.StatusDraft {
			return nil, stateConflictError("only draft changes can be edited")
		}

		if in.Title != nil {
			ch.Title = strings.TrimSpace(*in.Title)
		}
		if in.Priority != nil {
			if !change.ValidPriority(*in.Priority) {
				return nil, validationError("unknown priority: " + string(*in.Priority))
			}
			ch.Priority = *in.Priority
		}
		if in.ChangeType != nil {
			if !change.ValidType(*in.ChangeType) {
				return nil, validationError("unknown change_type: " + string(*in.ChangeType))
			}
			ch.ChangeType = *in.ChangeType
		}
		if in.ImplementationPlan != nil {
			ch.ImplementationPlan = *in.ImplementationPlan
		}
		if in.BackoutPlan != nil {
			ch.BackoutPlan = *in.BackoutPlan
		}
		if in.TestPlan != nil {
			ch.TestPlan = *in.TestPlan
		}
		if in.BusinessJustification != nil {
			ch.BusinessJustification = *in.BusinessJustification
		}

		decision, err := s.policies.Evaluate(txCtx, EvaluateInput{
			ClientID:              ch.ClientID,
			ChangeType:            ch.ChangeType,
			Priority:              ch.Priority,
			AssetCount:            in.AssetCount,
			HistoricalFailureRate: in.HistoricalFailureRate,
		})
		if err != nil {
			return nil, err
		}
		old := ch.PolicyDecision
		ch.PolicyDecision = decision
		ch.RiskScore = decision.RiskScore
		ch.RiskLevel = change.RiskLevelForScore(decision.RiskScore)

		updated, err := s.changes.Update(txCtx, ch)
		if err != nil {
			return nil, mapPgError(err)
		}
		if err := s.auditor.Event(txCtx, ch.TenantID, ch.ID, acting.ID, audit.EventDecisionCaptured, "", old, decision); err != nil {
			return nil, err
		}
		return updated, nil
	})
}

// Submit runs the routing decision table atomically: auto-approve, straight
// to the CAB stage, straight to approved, or out to client approvers.
func (s *WorkflowService) Submit(ctx context.Context, changeID uuid.UUID, acting actor.Actor) (*SubmitResult, error) {
	if !acting.Can(permissions.ChangeEdit) {
		return nil, s.denied(ctx, acting, "submit", changeID)
	}

	unlock := s.locks.Lock(changeID)
	defer unlock()

	type submitOut struct {
		result   *SubmitResult
		invited  []invitedContact
		resolved *change.ChangeRequest
	}

	out, err := inTx(ctx, func(txCtx context.Context) (submitOut, error) {
		ch, err := s.changes.LockByID(txCtx, changeID)
		if err != nil {
			return submitOut{}, mapPgError(err)
		}
		if ch.Status != change.StatusDraft {
			return submitOut{}, stateConflictError("only draft changes can be submitted")
		}

		decision := ch.PolicyDecision
		if decision.Empty() {
			decision, err = s.policies.Evaluate(txCtx, EvaluateInput{
				ClientID:   ch.ClientID,
				ChangeType: ch.ChangeType,
				Priority:   ch.Priority,
			})
			if err != nil {
				return submitOut{}, err
			}
			ch.PolicyDecision = decision
			ch.RiskScore = decision.RiskScore
			ch.RiskLevel = change.RiskLevelForScore(decision.RiskScore)
			if _, err := s.changes.Update(txCtx, ch); err != nil {
				return submitOut{}, mapPgError(err)
			}
		}

		if change.NeedsBackoutPlan(decision.RiskScore) && strings.TrimSpace(ch.BackoutPlan) == "" {
			return submitOut{}, validationError("backout plan is required for high-risk changes")
		}

		if decision.AutoApprove {
			if err := s.applyApprovalTx(txCtx, ch, acting.ID, "auto-approved by policy "+decision.MatchedPolicyName); err != nil {
				return submitOut{}, err
			}
			return submitOut{result: &SubmitResult{Status: ch.Status, Message: "auto-approved by policy"}, resolved: ch}, nil
		}

		contacts, err := s.directory.ActiveApprovers(txCtx, ch.ClientID)
		if err != nil {
			return submitOut{}, mapPgError(err)
		}
		requiresClient := decision.RequiresClientApproval && len(contacts) > 0

		if !requiresClient && decision.RequiresCabApproval {
			if s.settings.AutoPopulateCab {
				if _, err := s.approvals.openCabStage(txCtx, ch); err != nil {
					return submitOut{}, err
				}
			}
			if err := s.applyStatusTx(txCtx, ch, change.StatusPendingApproval, acting.ID, "submitted for CAB review"); err != nil {
				return submitOut{}, err
			}
			return submitOut{result: &SubmitResult{Status: ch.Status, Message: "awaiting CAB review"}}, nil
		}

		if !requiresClient {
			if err := s.applyApprovalTx(txCtx, ch, acting.ID, "no reviewer required"); err != nil {
				return submitOut{}, err
			}
			return submitOut{result: &SubmitResult{Status: ch.Status, Message: "approved, no reviewer required"}, resolved: ch}, nil
		}

		invited, err := s.approvals.openClientStage(txCtx, ch, contacts)
		if err != nil {
			return submitOut{}, err
		}
		if err := s.applyStatusTx(txCtx, ch, change.StatusSubmitted, acting.ID, "submitted for client approval"); err != nil {
			return submitOut{}, err
		}
		return submitOut{
			result:  &SubmitResult{Status: ch.Status, Message: "awaiting client approval"},
			invited: invited,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	for _, inv := range out.invited {
		dispatchNotification(ctx, s.notifier, inv.contactID, NotifyApprovalRequested, map[string]any{
			"change_id":   changeID.String(),
			"approval_id": inv.approvalID.String(),
		})
	}
	notifyDecision(ctx, s.notifier, out.resolved)
	return out.result, nil
}

// Transition applies the operator-driven edges. Approval and rejection of
// submitted/pending changes are owned by the approval aggregator and are
// refused here.
func (s *WorkflowService) Transition(ctx context.Context, changeID uuid.UUID, target change.Status, acting actor.Actor, reason string) (*change.ChangeRequest, error) {
	required := permissions.ChangeEdit
	if target == change.StatusApproved || target == change.StatusRejected {
		required = permissions.ChangeApprove
	}
	if !acting.Can(required) {
		return nil, s.denied(ctx, acting, "transition:"+string(target), changeID)
	}

	unlock := s.locks.Lock(changeID)
	defer unlock()

	return inTx(ctx, func(txCtx context.Context) (*change.ChangeRequest, error) {
		ch, err := s.changes.LockByID(txCtx, changeID)
		if err != nil {
			return nil, mapPgError(err)
		}

		switch target {
		case change.StatusCancelled:
			if !ch.Status.Active() {
				return nil, stateConflictError("change is not in a cancellable status")
			}
		case change.StatusInProgress, change.StatusCompleted:
			// plain operator edges, guarded by the graph below
		case change.StatusDraft:
			if ch.Status != change.StatusRejected {
				return nil, stateConflictError("only rejected changes can be reopened to draft")
			}
		case change.StatusRejected:
			if ch.Status != change.StatusApproved {
				return nil, stateConflictError("approval outcomes are driven by the approval workflow")
			}
		case change.StatusApproved, change.StatusSubmitted, change.StatusPendingApproval:
			return nil, stateConflictError("this transition is driven by the approval workflow")
		case change.StatusScheduled:
			return nil, stateConflictError("use the schedule operation to set an implementation window")
		default:
			return nil, validationError("unknown target status: " + string(target))
		}

		if err := s.applyStatusTx(txCtx, ch, target, acting.ID, reason); err != nil {
			return nil, err
		}
		return ch, nil
	})
}

// Schedule sets the implementation window after a conflict check. Change
// conflicts can be overridden with an explicit acknowledgment; blackout
// conflicts never can.
func (s *WorkflowService) Schedule(ctx context.Context, changeID uuid.UUID, start, end time.Time, acting actor.Actor, acknowledgeConflicts bool) (*change.ChangeRequest, error) {
	if !acting.Can(permissions.ChangeSchedule) {
		return nil, s.denied(ctx, acting, "schedule", changeID)
	}
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return nil, validationError("scheduled_end must be after scheduled_start")
	}

	unlock := s.locks.Lock(changeID)
	defer unlock()

	return inTx(ctx, func(txCtx context.Context) (*change.ChangeRequest, error) {
		ch, err := s.changes.LockByID(txCtx, changeID)
		if err != nil {
			return nil, mapPgError(err)
		}
		if ch.Status != change.StatusApproved {
			return nil, stateConflictError("only approved changes can be scheduled")
		}
		if ch.ConditionsPending {
			return nil, validationError("approval conditions must be acknowledged before scheduling")
		}

		conflicts, err := s.detector.FindConflicts(txCtx, ch.ClientID, start, end, ch.ID)
		if err != nil {
			return nil, err
		}
		blocking := conflicts
		if acknowledgeConflicts {
			blocking = nil
			for _, c := range conflicts {
				if c.Kind == ConflictKindBlackout {
					blocking = append(blocking, c)
				}
			}
		}
		if len(blocking) > 0 {
			return nil, scheduleConflictError(blocking)
		}

		startUTC, endUTC := start.UTC(), end.UTC()
		ch.ScheduledStart = &startUTC
		ch.ScheduledEnd = &endUTC
		if _, err := s.changes.Update(txCtx, ch); err != nil {
			return nil, mapPgError(err)
		}
		if err := s.applyStatusTx(txCtx, ch, change.StatusScheduled, acting.ID, "implementation window set"); err != nil {
			return nil, err
		}
		if err := s.auditor.Event(txCtx, ch.TenantID, ch.ID, acting.ID, audit.EventScheduled, "",
			nil, map[string]any{"scheduled_start": startUTC, "scheduled_end": endUTC}); err != nil {
			return nil, err
		}
		return ch, nil
	})
}

func (s *WorkflowService) FindSchedulingConflicts(ctx context.Context, clientID uuid.UUID, start, end time.Time, excludeID uuid.UUID) ([]Conflict, error) {
	return s.detector.FindConflicts(ctx, clientID, start, end, excludeID)
}

func (s *WorkflowService) Timeline(ctx context.Context, changeID uuid.UUID) ([]audit.TimelineEntry, error) {
	return s.auditor.Timeline(ctx, changeID)
}

func (s *WorkflowService) List(ctx context.Context, filter change.ListFilter) ([]*change.ChangeRequest, error) {
	out, err := s.changes.List(ctx, filter)
	if err != nil {
		return nil, mapPgError(err)
	}
	return out, nil
}

func (s *WorkflowService) Get(ctx context.Context, changeID uuid.UUID) (*change.ChangeRequest, error) {
	ch, err := s.changes.GetByID(ctx, changeID)
	if err != nil {
		return nil, mapPgError(err)
	}
	return ch, nil
}

// Archive soft-archives a terminal change; records are never hard-deleted.
func (s *WorkflowService) Archive(ctx context.Context, changeID uuid.UUID, acting actor.Actor) error {
	if !acting.Can(permissions.ChangeEdit) {
		return s.denied(ctx, acting, "archive", changeID)
	}

	unlock := s.locks.Lock(changeID)
	defer unlock()

	_, err := inTx(ctx, func(txCtx context.Context) (struct{}, error) {
		ch, err := s.changes.LockByID(txCtx, changeID)
		if err != nil {
			return struct{}{}, mapPgError(err)
		}
		if !ch.Status.Terminal() && ch.Status != change.StatusRejected {
			return struct{}{}, stateConflictError("only completed, cancelled or rejected changes can be archived")
		}
		if err := s.changes.Archive(txCtx, changeID); err != nil {
			return struct{}{}, mapPgError(err)
		}
		return struct{}{}, s.auditor.Event(txCtx, ch.TenantID, ch.ID, acting.ID, audit.EventArchived, "", nil, nil)
	})
	return err
}

// applyStatusTx performs one guarded edge inside the caller's transaction
// and mutates ch to the new status on success.
func (s *WorkflowService) applyStatusTx(txCtx context.Context, ch *change.ChangeRequest, target change.Status, actorID uuid.UUID, reason string) error {
	if !change.CanTransition(ch.Status, target) {
		return stateConflictError("illegal transition " + string(ch.Status) + " -> " + string(target))
	}
	if err := s.changes.UpdateStatusFrom(txCtx, ch.ID, ch.Status, target); err != nil {
		switch err {
		case change.ErrStaleStatus:
			return stateConflictError("change status was updated concurrently")
		case change.ErrNotFound:
			return notFoundError("change request not found", err)
		}
		return mapPgError(err)
	}
	old := ch.Status
	ch.Status = target
	if err := s.auditor.StatusChanged(txCtx, ch, old, target, actorID, reason); err != nil {
		return err
	}
	s.publish(txCtx, events.ChangeStatusChangedV1{
		EventID:         uuid.New(),
		EventVersion:    events.EventVersionV1,
		TenantID:        ch.TenantID,
		ChangeID:        ch.ID,
		ChangeCode:      ch.Code,
		ClientID:        ch.ClientID,
		InitiatorID:     actorID,
		OldStatus:       string(old),
		NewStatus:       string(target),
		Reason:          reason,
		TransactionTime: time.Now().UTC(),
	})
	return nil
}

// applyApprovalTx is applyStatusTx to approved plus the approver stamp.
func (s *WorkflowService) applyApprovalTx(txCtx context.Context, ch *change.ChangeRequest, approverID uuid.UUID, reason string) error {
	if err := s.applyStatusTx(txCtx, ch, change.StatusApproved, approverID, reason); err != nil {
		return err
	}
	now := time.Now().UTC()
	ch.ApproverID = &approverID
	ch.ApprovedAt = &now
	if _, err := s.changes.Update(txCtx, ch); err != nil {
		return mapPgError(err)
	}
	return nil
}

// publish defers the event to post-commit delivery when called inside inTx,
// and publishes immediately otherwise.
func (s *WorkflowService) publish(ctx context.Context, event eventbus.Event) {
	if s.bus == nil {
		return
	}
	if enqueueEvent(ctx, s.bus, event) {
		return
	}
	s.bus.Publish(event)
}

// denied logs the refused action for security review and returns the
// permission error. Denials are never written to the audit trail.
func (s *WorkflowService) denied(ctx context.Context, acting actor.Actor, action string, changeID uuid.UUID) error {
	fields := logrus.Fields{
		"actor_id": acting.ID.String(),
		"action":   action,
	}
	if changeID != uuid.Nil {
		fields["change_id"] = changeID.String()
	}
	logWithFields(ctx, logrus.WarnLevel, "changes.permission.denied", fields)
	return forbiddenError("missing permission for " + action)
}

// generateCode draws 12 hex chars (48 bits) from a fresh UUID. A collision
// surfaces as an integrity error on the unique code constraint.
func generateCode() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	return "CHG-" + raw[:12]
}
