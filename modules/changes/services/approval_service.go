package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/changeflow/modules/changes/domain/actor"
	"github.com/opsforge/changeflow/modules/changes/domain/approval"
	"github.com/opsforge/changeflow/modules/changes/domain/audit"
	"github.com/opsforge/changeflow/modules/changes/domain/change"
	"github.com/opsforge/changeflow/modules/changes/domain/events"
	"github.com/opsforge/changeflow/modules/changes/permissions"
	"github.com/opsforge/changeflow/pkg/eventbus"
)

// ApprovalService aggregates client sign-offs and CAB ballots into the
// approved/rejected edges of the workflow. It never moves a change itself;
// resolved stages hand off to the workflow service inside the same
// transaction.
type ApprovalService struct {
	approvals approval.Repository
	changes   change.Repository
	auditor   *AuditWriter
	notifier  Notifier
	bus       eventbus.EventBus
	settings  GovernanceSettings
	locks     *keyedMutex
	workflow  *WorkflowService
}

type invitedContact struct {
	approvalID uuid.UUID
	contactID  uuid.UUID
}

// openClientStage creates one pending sign-off row per active approver.
// Called inside the submit transaction, under the change lock.
func (s *ApprovalService) openClientStage(txCtx context.Context, ch *change.ChangeRequest, contacts []*approval.Contact) ([]invitedContact, error) {
	now := time.Now().UTC()
	rows := make([]*approval.Approval, 0, len(contacts))
	invited := make([]invitedContact, 0, len(contacts))
	for _, c := range contacts {
		row := &approval.Approval{
			TenantID:  ch.TenantID,
			ID:        uuid.New(),
			ChangeID:  ch.ID,
			ContactID: c.ID,
			Status:    approval.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		rows = append(rows, row)
		invited = append(invited, invitedContact{approvalID: row.ID, contactID: c.ID})
	}
	if err := s.approvals.CreateApprovals(txCtx, rows); err != nil {
		if err == approval.ErrStageOpen {
			return nil, stateConflictError("client approval stage already open")
		}
		return nil, mapPgError(err)
	}
	for _, row := range rows {
		s.publish(txCtx, events.ApprovalRequestedV1{
			EventID:      uuid.New(),
			EventVersion: events.EventVersionV1,
			TenantID:     ch.TenantID,
			ChangeID:     ch.ID,
			ApprovalID:   row.ID,
			ContactID:    row.ContactID,
			RequestedAt:  now,
		})
	}
	return invited, nil
}

// openCabStage finds or creates the single pending stage record. Safe to
// call twice; the second call returns the existing stage.
func (s *ApprovalService) openCabStage(txCtx context.Context, ch *change.ChangeRequest) (*approval.CabStage, error) {
	stage, err := s.approvals.EnsureCabStage(txCtx, ch.ID)
	if err != nil {
		return nil, mapPgError(err)
	}
	return stage, nil
}

// RespondClientApproval records one contact's sign-off. When the row is the
// last pending one the stage resolves and the change advances in the same
// transaction.
func (s *ApprovalService) RespondClientApproval(ctx context.Context, approvalID uuid.UUID, approve bool, comments string, acting actor.Actor) (*approval.Approval, error) {
	row, err := s.approvals.GetApproval(ctx, approvalID)
	if err != nil {
		if err == approval.ErrApprovalNotFound {
			return nil, notFoundError("approval not found", err)
		}
		return nil, mapPgError(err)
	}
	if acting.ID != row.ContactID && !acting.Can(permissions.ChangeApprove) {
		return nil, forbiddenError("only the invited contact can respond to this approval")
	}

	unlock := s.locks.Lock(row.ChangeID)
	defer unlock()

	type respondOut struct {
		row *approval.Approval
		ch  *change.ChangeRequest
	}

	out, err := inTx(ctx, func(txCtx context.Context) (respondOut, error) {
		ch, err := s.changes.LockByID(txCtx, row.ChangeID)
		if err != nil {
			return respondOut{}, mapPgError(err)
		}
		if ch.Status != change.StatusSubmitted {
			return respondOut{}, stateConflictError("change is not awaiting client approval")
		}
		row, err := s.approvals.GetApproval(txCtx, approvalID)
		if err != nil {
			return respondOut{}, mapPgError(err)
		}
		if row.Status != approval.StatusPending {
			return respondOut{}, stateConflictError("this approval has already been resolved")
		}

		now := time.Now().UTC()
		row.Status = approval.StatusApproved
		if !approve {
			row.Status = approval.StatusRejected
		}
		if comments != "" {
			row.Comments = &comments
		}
		row.RespondedAt = &now
		row.UpdatedAt = now
		row, err = s.approvals.UpdateApproval(txCtx, row)
		if err != nil {
			return respondOut{}, mapPgError(err)
		}
		if err := s.auditor.Event(txCtx, ch.TenantID, ch.ID, acting.ID, audit.EventApprovalRecorded, comments,
			map[string]any{"status": approval.StatusPending},
			map[string]any{"status": row.Status, "contact_id": row.ContactID},
		); err != nil {
			return respondOut{}, err
		}

		if err := s.resolveClientStageTx(txCtx, ch, acting.ID); err != nil {
			return respondOut{}, err
		}
		return respondOut{row: row, ch: ch}, nil
	})
	if err != nil {
		return nil, err
	}
	notifyDecision(ctx, s.notifier, out.ch)
	return out.row, nil
}

// resolveClientStageTx re-reads all sign-off rows and advances the change
// when the stage has resolved. A single rejection rejects immediately.
func (s *ApprovalService) resolveClientStageTx(txCtx context.Context, ch *change.ChangeRequest, actorID uuid.UUID) error {
	rows, err := s.approvals.ListApprovals(txCtx, ch.ID)
	if err != nil {
		return mapPgError(err)
	}
	summary := approval.SummarizeClientStage(rows)
	switch summary.Outcome() {
	case approval.StatusRejected:
		return s.workflow.applyStatusTx(txCtx, ch, change.StatusRejected, actorID, "rejected by client stakeholder")
	case approval.StatusApproved:
		if ch.PolicyDecision != nil && ch.PolicyDecision.RequiresCabApproval {
			if s.settings.AutoPopulateCab {
				if _, err := s.openCabStage(txCtx, ch); err != nil {
					return err
				}
			}
			return s.workflow.applyStatusTx(txCtx, ch, change.StatusPendingApproval, actorID, "client stage approved, CAB review required")
		}
		return s.workflow.applyApprovalTx(txCtx, ch, actorID, "all client stakeholders approved")
	}
	return nil
}

// BypassClientApprovals forces every pending sign-off to approved on a
// manager's authority. The mandatory reason is audited verbatim.
func (s *ApprovalService) BypassClientApprovals(ctx context.Context, changeID uuid.UUID, reason string, acting actor.Actor) error {
	if !acting.Can(permissions.ChangeApprove) {
		return forbiddenError("missing permission for client approval bypass")
	}
	reason = strings.TrimSpace(reason)
	if len(reason) < s.settings.BypassReasonMinLen {
		return validationError("bypass reason is required and must be meaningful")
	}

	unlock := s.locks.Lock(changeID)
	defer unlock()

	type bypassOut struct {
		bypassed []uuid.UUID
		ch       *change.ChangeRequest
	}

	out, err := inTx(ctx, func(txCtx context.Context) (bypassOut, error) {
		ch, err := s.changes.LockByID(txCtx, changeID)
		if err != nil {
			return bypassOut{}, mapPgError(err)
		}
		if ch.Status != change.StatusSubmitted {
			return bypassOut{}, stateConflictError("change is not awaiting client approval")
		}
		rows, err := s.approvals.ListApprovals(txCtx, ch.ID)
		if err != nil {
			return bypassOut{}, mapPgError(err)
		}

		now := time.Now().UTC()
		var bypassed []uuid.UUID
		for _, row := range rows {
			if row.Status != approval.StatusPending {
				continue
			}
			row.Status = approval.StatusApproved
			row.BypassedBy = &acting.ID
			row.RespondedAt = &now
			row.UpdatedAt = now
			if _, err := s.approvals.UpdateApproval(txCtx, row); err != nil {
				return bypassOut{}, mapPgError(err)
			}
			bypassed = append(bypassed, row.ContactID)
		}
		if err := s.auditor.Event(txCtx, ch.TenantID, ch.ID, acting.ID, audit.EventClientBypass, reason,
			nil, map[string]any{"bypassed_contacts": bypassed}); err != nil {
			return bypassOut{}, err
		}
		return bypassOut{bypassed: bypassed, ch: ch}, s.resolveClientStageTx(txCtx, ch, acting.ID)
	})
	if err != nil {
		return err
	}

	for _, contactID := range out.bypassed {
		dispatchNotification(ctx, s.notifier, contactID, NotifyApprovalBypassed, map[string]any{
			"change_id": changeID.String(),
			"reason":    reason,
		})
	}
	notifyDecision(ctx, s.notifier, out.ch)
	return nil
}

type CastVoteInput struct {
	Vote             approval.Vote
	Comments         string
	ConditionalTerms string
}

// CastCabVote records a board member's ballot. The stage closes in the same
// transaction as the ballot that meets quorum.
func (s *ApprovalService) CastCabVote(ctx context.Context, changeID uuid.UUID, in CastVoteInput, acting actor.Actor) (*approval.CabVote, error) {
	if !acting.HasRole(permissions.RoleCabMember) {
		return nil, forbiddenError("only CAB members can vote")
	}
	if !approval.ValidVote(in.Vote) {
		return nil, validationError("unknown vote: " + string(in.Vote))
	}

	unlock := s.locks.Lock(changeID)
	defer unlock()

	type voteOut struct {
		vote *approval.CabVote
		ch   *change.ChangeRequest
	}

	out, err := inTx(ctx, func(txCtx context.Context) (voteOut, error) {
		ch, err := s.changes.LockByID(txCtx, changeID)
		if err != nil {
			return voteOut{}, mapPgError(err)
		}
		if ch.Status != change.StatusPendingApproval {
			return voteOut{}, stateConflictError("change is not in CAB review")
		}
		if _, err := s.approvals.GetOpenCabStage(txCtx, ch.ID); err != nil {
			if err == approval.ErrNoCabStage {
				return voteOut{}, stateConflictError("no open CAB stage for this change")
			}
			return voteOut{}, mapPgError(err)
		}

		now := time.Now().UTC()
		vote := &approval.CabVote{
			TenantID:  ch.TenantID,
			ID:        uuid.New(),
			ChangeID:  ch.ID,
			VoterID:   acting.ID,
			Vote:      in.Vote,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if in.Comments != "" {
			vote.Comments = &in.Comments
		}
		if in.ConditionalTerms != "" {
			if in.Vote != approval.VoteApprove {
				return voteOut{}, validationError("conditional terms are only valid on an approve vote")
			}
			vote.ConditionalTerms = &in.ConditionalTerms
		}
		vote, err = s.approvals.SaveVote(txCtx, vote, s.settings.AllowVoteChanges)
		if err != nil {
			if err == approval.ErrDuplicateVote {
				return voteOut{}, duplicateVoteError()
			}
			return voteOut{}, mapPgError(err)
		}
		if err := s.auditor.Event(txCtx, ch.TenantID, ch.ID, acting.ID, audit.EventCabVoteRecorded, in.Comments,
			nil, map[string]any{"vote": vote.Vote, "conditional": vote.ConditionalTerms != nil}); err != nil {
			return voteOut{}, err
		}

		if err := s.resolveCabStageTx(txCtx, ch, acting.ID); err != nil {
			return voteOut{}, err
		}
		return voteOut{vote: vote, ch: ch}, nil
	})
	if err != nil {
		return nil, err
	}
	notifyDecision(ctx, s.notifier, out.ch)
	return out.vote, nil
}

// resolveCabStageTx tallies the live ballots and closes the stage once the
// quorum verdict is in. Conditional approvals leave ConditionsPending set on
// the change so scheduling is held until the requester acknowledges.
func (s *ApprovalService) resolveCabStageTx(txCtx context.Context, ch *change.ChangeRequest, actorID uuid.UUID) error {
	votes, err := s.approvals.ListVotes(txCtx, ch.ID)
	if err != nil {
		return mapPgError(err)
	}
	summary := approval.SummarizeCab(votes, s.quorumFor(ch))
	outcome := summary.Outcome()
	if outcome == approval.StatusPending {
		return nil
	}

	if err := s.approvals.CloseCabStage(txCtx, ch.ID, outcome, actorID); err != nil {
		return mapPgError(err)
	}
	if outcome == approval.StatusRejected {
		return s.workflow.applyStatusTx(txCtx, ch, change.StatusRejected, actorID, "rejected by CAB vote")
	}

	if summary.HasConditions {
		ch.ConditionsPending = true
		ch.ConditionsAckAt = nil
		if _, err := s.changes.Update(txCtx, ch); err != nil {
			return mapPgError(err)
		}
	}
	return s.workflow.applyApprovalTx(txCtx, ch, actorID, "approved by CAB vote")
}

// BypassCabVoting closes an open CAB stage as approved on a manager's
// authority without waiting for quorum.
func (s *ApprovalService) BypassCabVoting(ctx context.Context, changeID uuid.UUID, reason string, acting actor.Actor) error {
	if !acting.Can(permissions.ChangeApprove) {
		return forbiddenError("missing permission for CAB bypass")
	}
	reason = strings.TrimSpace(reason)
	if len(reason) < s.settings.BypassReasonMinLen {
		return validationError("bypass reason is required and must be meaningful")
	}

	unlock := s.locks.Lock(changeID)
	defer unlock()

	bypassedCh, err := inTx(ctx, func(txCtx context.Context) (*change.ChangeRequest, error) {
		ch, err := s.changes.LockByID(txCtx, changeID)
		if err != nil {
			return nil, mapPgError(err)
		}
		if ch.Status != change.StatusPendingApproval {
			return nil, stateConflictError("change is not in CAB review")
		}
		if _, err := s.approvals.GetOpenCabStage(txCtx, ch.ID); err != nil {
			if err == approval.ErrNoCabStage {
				return nil, stateConflictError("no open CAB stage for this change")
			}
			return nil, mapPgError(err)
		}
		if err := s.approvals.CloseCabStage(txCtx, ch.ID, approval.StatusApproved, acting.ID); err != nil {
			return nil, mapPgError(err)
		}
		if err := s.auditor.Event(txCtx, ch.TenantID, ch.ID, acting.ID, audit.EventCabBypass, reason, nil, nil); err != nil {
			return nil, err
		}
		return ch, s.workflow.applyApprovalTx(txCtx, ch, acting.ID, "CAB voting bypassed")
	})
	if err != nil {
		return err
	}
	notifyDecision(ctx, s.notifier, bypassedCh)
	return nil
}

// AcknowledgeConditions is the requester's confirmation of conditional
// approval terms. Scheduling is blocked until this runs.
func (s *ApprovalService) AcknowledgeConditions(ctx context.Context, changeID uuid.UUID, acting actor.Actor) (*change.ChangeRequest, error) {
	unlock := s.locks.Lock(changeID)
	defer unlock()

	return inTx(ctx, func(txCtx context.Context) (*change.ChangeRequest, error) {
		ch, err := s.changes.LockByID(txCtx, changeID)
		if err != nil {
			return nil, mapPgError(err)
		}
		if acting.ID != ch.RequesterID {
			return nil, forbiddenError("only the requester can acknowledge approval conditions")
		}
		if !ch.ConditionsPending {
			return nil, stateConflictError("no approval conditions are pending")
		}
		now := time.Now().UTC()
		ch.ConditionsPending = false
		ch.ConditionsAckAt = &now
		ch, err = s.changes.Update(txCtx, ch)
		if err != nil {
			return nil, mapPgError(err)
		}
		if err := s.auditor.Event(txCtx, ch.TenantID, ch.ID, acting.ID, audit.EventConditionsAck, "", nil, nil); err != nil {
			return nil, err
		}
		return ch, nil
	})
}

func (s *ApprovalService) ClientStageSummary(ctx context.Context, changeID uuid.UUID) (approval.ClientStageSummary, []*approval.Approval, error) {
	rows, err := s.approvals.ListApprovals(ctx, changeID)
	if err != nil {
		return approval.ClientStageSummary{}, nil, mapPgError(err)
	}
	return approval.SummarizeClientStage(rows), rows, nil
}

func (s *ApprovalService) CabSummary(ctx context.Context, changeID uuid.UUID) (approval.CabSummary, []*approval.CabVote, error) {
	ch, err := s.changes.GetByID(ctx, changeID)
	if err != nil {
		return approval.CabSummary{}, nil, mapPgError(err)
	}
	votes, err := s.approvals.ListVotes(ctx, changeID)
	if err != nil {
		return approval.CabSummary{}, nil, mapPgError(err)
	}
	return approval.SummarizeCab(votes, s.quorumFor(ch)), votes, nil
}

// quorumFor picks the emergency quorum for emergency changes, the standard
// one otherwise.
func (s *ApprovalService) quorumFor(ch *change.ChangeRequest) int {
	if ch.ChangeType == change.TypeEmergency {
		return s.settings.EmergencyCabQuorum
	}
	return s.settings.CabQuorum
}

// publish defers the event to post-commit delivery when called inside inTx,
// and publishes immediately otherwise.
func (s *ApprovalService) publish(ctx context.Context, event eventbus.Event) {
	if s.bus == nil {
		return
	}
	if enqueueEvent(ctx, s.bus, event) {
		return
	}
	s.bus.Publish(event)
}
