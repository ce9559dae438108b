package services_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/changeflow/modules/changes/domain/actor"
	"github.com/opsforge/changeflow/modules/changes/domain/approval"
	"github.com/opsforge/changeflow/modules/changes/domain/change"
	"github.com/opsforge/changeflow/modules/changes/domain/policy"
	"github.com/opsforge/changeflow/modules/changes/permissions"
	"github.com/opsforge/changeflow/modules/changes/services"
)

func clientStageFixture(t *testing.T, settings services.GovernanceSettings, contactCount int) (*fixture, *change.ChangeRequest, []*approval.Approval) {
	t.Helper()
	f := newFixture(t, settings)
	for i := 0; i < contactCount; i++ {
		f.directory.Contacts = append(f.directory.Contacts, f.contact())
	}

	created := f.createDraft(services.CreateChangeInput{})
	res := f.submit(created.ID)
	require.Equal(t, change.StatusSubmitted, res.Status)

	rows, err := f.approvals.ListApprovals(f.ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, rows, contactCount)
	return f, created, rows
}

func cabFixture(t *testing.T, settings services.GovernanceSettings, changeType change.Type) (*fixture, *change.ChangeRequest) {
	t.Helper()
	settings.AutoPopulateCab = true
	f := newFixture(t, settings)
	f.seedPolicy(&policy.ChangePolicy{
		Name:                "board-review",
		RequiresCabApproval: true,
	})

	created := f.createDraft(services.CreateChangeInput{ChangeType: changeType})
	res := f.submit(created.ID)
	require.Equal(t, change.StatusPendingApproval, res.Status)
	return f, created
}

func asContact(row *approval.Approval) actor.Actor {
	return actor.Actor{ID: row.ContactID, Email: "contact@client.example.com"}
}

func TestRespondClientApproval_SingleVetoRejects(t *testing.T) {
	f, created, rows := clientStageFixture(t, services.GovernanceSettings{}, 2)

	_, err := f.suite.Approvals.RespondClientApproval(f.ctx, rows[0].ID, false, "window clashes with quarter close", asContact(rows[0]))
	require.NoError(t, err)

	// One veto settles the stage; the second contact never gets a say.
	assert.Equal(t, change.StatusRejected, f.reload(created.ID).Status)

	_, err = f.suite.Approvals.RespondClientApproval(f.ctx, rows[1].ID, true, "", asContact(rows[1]))
	requireServiceCode(t, err, services.CodeStateConflict)
}

func TestRespondClientApproval_AllApprove(t *testing.T) {
	f, created, rows := clientStageFixture(t, services.GovernanceSettings{}, 2)

	_, err := f.suite.Approvals.RespondClientApproval(f.ctx, rows[0].ID, true, "", asContact(rows[0]))
	require.NoError(t, err)
	assert.Equal(t, change.StatusSubmitted, f.reload(created.ID).Status)

	_, err = f.suite.Approvals.RespondClientApproval(f.ctx, rows[1].ID, true, "looks good", asContact(rows[1]))
	require.NoError(t, err)
	assert.Equal(t, change.StatusApproved, f.reload(created.ID).Status)
}

func TestRespondClientApproval_HandsOffToCab(t *testing.T) {
	f := newFixture(t, services.GovernanceSettings{AutoPopulateCab: true})
	f.directory.Contacts = append(f.directory.Contacts, f.contact())
	f.seedPolicy(&policy.ChangePolicy{
		Name:                   "client-then-board",
		RequiresClientApproval: true,
		RequiresCabApproval:    true,
	})

	created := f.createDraft(services.CreateChangeInput{})
	f.submit(created.ID)
	rows, err := f.approvals.ListApprovals(f.ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = f.suite.Approvals.RespondClientApproval(f.ctx, rows[0].ID, true, "", asContact(rows[0]))
	require.NoError(t, err)

	assert.Equal(t, change.StatusPendingApproval, f.reload(created.ID).Status)
	_, err = f.approvals.GetOpenCabStage(f.ctx, created.ID)
	require.NoError(t, err)
}

func TestRespondClientApproval_NotifiesRequesterOfDecision(t *testing.T) {
	f, _, rows := clientStageFixture(t, services.GovernanceSettings{}, 1)
	require.Empty(t, f.notifier.byKind(services.NotifyDecision))

	_, err := f.suite.Approvals.RespondClientApproval(f.ctx, rows[0].ID, true, "", asContact(rows[0]))
	require.NoError(t, err)

	sent := f.notifier.byKind(services.NotifyDecision)
	require.Len(t, sent, 1)
	assert.Equal(t, f.requester.ID, sent[0].Recipient)
	assert.Equal(t, string(change.StatusApproved), sent[0].Payload["status"])
}

func TestRespondClientApproval_NotifiesRequesterOfRejection(t *testing.T) {
	f, _, rows := clientStageFixture(t, services.GovernanceSettings{}, 2)

	_, err := f.suite.Approvals.RespondClientApproval(f.ctx, rows[0].ID, false, "too risky this week", asContact(rows[0]))
	require.NoError(t, err)

	sent := f.notifier.byKind(services.NotifyDecision)
	require.Len(t, sent, 1)
	assert.Equal(t, f.requester.ID, sent[0].Recipient)
	assert.Equal(t, string(change.StatusRejected), sent[0].Payload["status"])
}

func TestRespondClientApproval_OnlyInvitedContact(t *testing.T) {
	f, _, rows := clientStageFixture(t, services.GovernanceSettings{}, 1)

	_, err := f.suite.Approvals.RespondClientApproval(f.ctx, rows[0].ID, true, "", newActor())
	requireServiceCode(t, err, services.CodeForbidden)

	// A manager with the approve permission may respond on the contact's
	// behalf.
	manager := newActor(permissions.ChangeApprove)
	_, err = f.suite.Approvals.RespondClientApproval(f.ctx, rows[0].ID, true, "", manager)
	require.NoError(t, err)
}

func TestRespondClientApproval_UnknownApproval(t *testing.T) {
	f := newFixture(t, services.GovernanceSettings{})
	_, err := f.suite.Approvals.RespondClientApproval(f.ctx, uuid.New(), true, "", newActor(permissions.ChangeApprove))
	requireServiceCode(t, err, services.CodeNotFound)
}

func TestBypassClientApprovals(t *testing.T) {
	f, created, _ := clientStageFixture(t, services.GovernanceSettings{BypassReasonMinLen: 10}, 2)
	manager := newActor(permissions.ChangeApprove)

	err := f.suite.Approvals.BypassClientApprovals(f.ctx, created.ID, "too short", manager)
	requireServiceCode(t, err, services.CodeValidation)

	err = f.suite.Approvals.BypassClientApprovals(f.ctx, created.ID, "client unreachable, outage window closing", f.requester)
	requireServiceCode(t, err, services.CodeForbidden)

	err = f.suite.Approvals.BypassClientApprovals(f.ctx, created.ID, "client unreachable, outage window closing", manager)
	require.NoError(t, err)

	assert.Equal(t, change.StatusApproved, f.reload(created.ID).Status)
	after, err := f.approvals.ListApprovals(f.ctx, created.ID)
	require.NoError(t, err)
	for _, row := range after {
		assert.Equal(t, approval.StatusApproved, row.Status)
		require.NotNil(t, row.BypassedBy)
		assert.Equal(t, manager.ID, *row.BypassedBy)
	}

	bypassed := f.notifier.byKind(services.NotifyApprovalBypassed)
	assert.Len(t, bypassed, 2)

	decided := f.notifier.byKind(services.NotifyDecision)
	require.Len(t, decided, 1)
	assert.Equal(t, f.requester.ID, decided[0].Recipient)
}

func TestBypassClientApprovals_KeepsExplicitResponses(t *testing.T) {
	f, created, rows := clientStageFixture(t, services.GovernanceSettings{}, 2)
	manager := newActor(permissions.ChangeApprove)

	_, err := f.suite.Approvals.RespondClientApproval(f.ctx, rows[0].ID, true, "", asContact(rows[0]))
	require.NoError(t, err)

	err = f.suite.Approvals.BypassClientApprovals(f.ctx, created.ID, "second approver on leave this week", manager)
	require.NoError(t, err)

	after, err := f.approvals.ListApprovals(f.ctx, created.ID)
	require.NoError(t, err)
	for _, row := range after {
		if row.ID == rows[0].ID {
			assert.Nil(t, row.BypassedBy)
		} else {
			assert.NotNil(t, row.BypassedBy)
		}
	}
	assert.Len(t, f.notifier.byKind(services.NotifyApprovalBypassed), 1)
}

func TestCastCabVote_RequiresRoleAndOpenStage(t *testing.T) {
	f, created := cabFixture(t, services.GovernanceSettings{}, change.TypeNormal)

	_, err := f.suite.Approvals.CastCabVote(f.ctx, created.ID, services.CastVoteInput{Vote: approval.VoteApprove}, newActor(permissions.ChangeApprove))
	requireServiceCode(t, err, services.CodeForbidden)

	_, err = f.suite.Approvals.CastCabVote(f.ctx, created.ID, services.CastVoteInput{Vote: approval.Vote("maybe")}, newCabMember())
	requireServiceCode(t, err, services.CodeValidation)
}

func TestCastCabVote_NoOpenStage(t *testing.T) {
	f := newFixture(t, services.GovernanceSettings{AutoPopulateCab: false, CabQuorum: 2})
	f.seedPolicy(&policy.ChangePolicy{
		Name:                "board-review",
		RequiresCabApproval: true,
	})
	created := f.createDraft(services.CreateChangeInput{})
	res := f.submit(created.ID)
	require.Equal(t, change.StatusPendingApproval, res.Status)

	_, err := f.suite.Approvals.CastCabVote(f.ctx, created.ID, services.CastVoteInput{Vote: approval.VoteApprove}, newCabMember())
	requireServiceCode(t, err, services.CodeStateConflict)
}

func TestCastCabVote_QuorumNotMetStaysPending(t *testing.T) {
	f, created := cabFixture(t, services.GovernanceSettings{CabQuorum: 3}, change.TypeNormal)

	for i := 0; i < 2; i++ {
		_, err := f.suite.Approvals.CastCabVote(f.ctx, created.ID, services.CastVoteInput{Vote: approval.VoteApprove}, newCabMember())
		require.NoError(t, err)
	}

	assert.Equal(t, change.StatusPendingApproval, f.reload(created.ID).Status)
	summary, _, err := f.suite.Approvals.CabSummary(f.ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, summary.QuorumMet)
}

func TestCastCabVote_MajorityApproves(t *testing.T) {
	f, created := cabFixture(t, services.GovernanceSettings{CabQuorum: 3}, change.TypeNormal)

	for _, vote := range []approval.Vote{approval.VoteApprove, approval.VoteApprove, approval.VoteAbstain} {
		_, err := f.suite.Approvals.CastCabVote(f.ctx, created.ID, services.CastVoteInput{Vote: vote}, newCabMember())
		require.NoError(t, err)
	}

	stored := f.reload(created.ID)
	assert.Equal(t, change.StatusApproved, stored.Status)
	assert.False(t, stored.ConditionsPending)

	_, err := f.approvals.GetOpenCabStage(f.ctx, created.ID)
	assert.ErrorIs(t, err, approval.ErrNoCabStage)
}

func TestCastCabVote_NotifiesRequesterOfDecision(t *testing.T) {
	f, created := cabFixture(t, services.GovernanceSettings{CabQuorum: 1}, change.TypeNormal)
	require.Empty(t, f.notifier.byKind(services.NotifyDecision))

	_, err := f.suite.Approvals.CastCabVote(f.ctx, created.ID, services.CastVoteInput{Vote: approval.VoteApprove}, newCabMember())
	require.NoError(t, err)

	sent := f.notifier.byKind(services.NotifyDecision)
	require.Len(t, sent, 1)
	assert.Equal(t, f.requester.ID, sent[0].Recipient)
	assert.Equal(t, string(change.StatusApproved), sent[0].Payload["status"])
}

func TestCastCabVote_TieRejects(t *testing.T) {
	f, created := cabFixture(t, services.GovernanceSettings{CabQuorum: 2}, change.TypeNormal)

	_, err := f.suite.Approvals.CastCabVote(f.ctx, created.ID, services.CastVoteInput{Vote: approval.VoteApprove}, newCabMember())
	require.NoError(t, err)
	_, err = f.suite.Approvals.CastCabVote(f.ctx, created.ID, services.CastVoteInput{Vote: approval.VoteReject, Comments: "needs a maintenance window"}, newCabMember())
	require.NoError(t, err)

	// Approves must strictly exceed rejects once quorum is met.
	assert.Equal(t, change.StatusRejected, f.reload(created.ID).Status)
}

func TestCastCabVote_EmergencyQuorum(t *testing.T) {
	f, created := cabFixture(t, services.GovernanceSettings{CabQuorum: 3, EmergencyCabQuorum: 1}, change.TypeEmergency)

	_, err := f.suite.Approvals.CastCabVote(f.ctx, created.ID, services.CastVoteInput{Vote: approval.VoteApprove}, newCabMember())
	require.NoError(t, err)

	assert.Equal(t, change.StatusApproved, f.reload(created.ID).Status)
}

func TestCastCabVote_DuplicateBallot(t *testing.T) {
	f, created := cabFixture(t, services.GovernanceSettings{CabQuorum: 3}, change.TypeNormal)
	member := newCabMember()

	_, err := f.suite.Approvals.CastCabVote(f.ctx, created.ID, services.CastVoteInput{Vote: approval.VoteApprove}, member)
	require.NoError(t, err)
	_, err = f.suite.Approvals.CastCabVote(f.ctx, created.ID, services.CastVoteInput{Vote: approval.VoteReject}, member)
	requireServiceCode(t, err, services.CodeDuplicateVote)
}

func TestCastCabVote_ReplacementWhenAllowed(t *testing.T) {
	f, created := cabFixture(t, services.GovernanceSettings{CabQuorum: 3, AllowVoteChanges: true}, change.TypeNormal)
	member := newCabMember()

	first, err := f.suite.Approvals.CastCabVote(f.ctx, created.ID, services.CastVoteInput{Vote: approval.VoteApprove}, member)
	require.NoError(t, err)
	second, err := f.suite.Approvals.CastCabVote(f.ctx, created.ID, services.CastVoteInput{Vote: approval.VoteReject}, member)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	votes, err := f.approvals.ListVotes(f.ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, approval.VoteReject, votes[0].Vote)
}

func TestCastCabVote_ConditionalTermsNeedApproveVote(t *testing.T) {
	f, created := cabFixture(t, services.GovernanceSettings{CabQuorum: 3}, change.TypeNormal)

	_, err := f.suite.Approvals.CastCabVote(f.ctx, created.ID, services.CastVoteInput{
		Vote:             approval.VoteReject,
		ConditionalTerms: "only outside business hours",
	}, newCabMember())
	requireServiceCode(t, err, services.CodeValidation)
}

func TestConditionalApproval_BlocksSchedulingUntilAcknowledged(t *testing.T) {
	f, created := cabFixture(t, services.GovernanceSettings{CabQuorum: 1}, change.TypeNormal)

	_, err := f.suite.Approvals.CastCabVote(f.ctx, created.ID, services.CastVoteInput{
		Vote:             approval.VoteApprove,
		ConditionalTerms: "run during the weekend window only",
	}, newCabMember())
	require.NoError(t, err)

	stored := f.reload(created.ID)
	require.Equal(t, change.StatusApproved, stored.Status)
	assert.True(t, stored.ConditionsPending)

	start := time.Date(2026, 9, 12, 2, 0, 0, 0, time.UTC)
	_, err = f.suite.Workflow.Schedule(f.ctx, created.ID, start, start.Add(2*time.Hour), f.requester, false)
	requireServiceCode(t, err, services.CodeValidation)

	// Only the requester can acknowledge the terms.
	_, err = f.suite.Approvals.AcknowledgeConditions(f.ctx, created.ID, newActor(permissions.ChangeApprove))
	requireServiceCode(t, err, services.CodeForbidden)

	acked, err := f.suite.Approvals.AcknowledgeConditions(f.ctx, created.ID, f.requester)
	require.NoError(t, err)
	assert.False(t, acked.ConditionsPending)
	assert.NotNil(t, acked.ConditionsAckAt)

	_, err = f.suite.Workflow.Schedule(f.ctx, created.ID, start, start.Add(2*time.Hour), f.requester, false)
	require.NoError(t, err)
}

func TestAcknowledgeConditions_NothingPending(t *testing.T) {
	f := newFixture(t, services.GovernanceSettings{})
	created := f.createDraft(services.CreateChangeInput{})

	_, err := f.suite.Approvals.AcknowledgeConditions(f.ctx, created.ID, f.requester)
	requireServiceCode(t, err, services.CodeStateConflict)
}

func TestBypassCabVoting(t *testing.T) {
	f, created := cabFixture(t, services.GovernanceSettings{CabQuorum: 3}, change.TypeNormal)
	manager := newActor(permissions.ChangeApprove)

	err := f.suite.Approvals.BypassCabVoting(f.ctx, created.ID, "short", manager)
	requireServiceCode(t, err, services.CodeValidation)

	err = f.suite.Approvals.BypassCabVoting(f.ctx, created.ID, "board cannot convene before the outage", manager)
	require.NoError(t, err)

	stored := f.reload(created.ID)
	assert.Equal(t, change.StatusApproved, stored.Status)
	_, err = f.approvals.GetOpenCabStage(f.ctx, created.ID)
	assert.ErrorIs(t, err, approval.ErrNoCabStage)

	sent := f.notifier.byKind(services.NotifyDecision)
	require.Len(t, sent, 1)
	assert.Equal(t, f.requester.ID, sent[0].Recipient)

	// A second bypass has no open stage left to close.
	err = f.suite.Approvals.BypassCabVoting(f.ctx, created.ID, "board cannot convene before the outage", manager)
	requireServiceCode(t, err, services.CodeStateConflict)
}

func TestCabSummary_Counts(t *testing.T) {
	f, created := cabFixture(t, services.GovernanceSettings{CabQuorum: 4}, change.TypeNormal)

	votes := []services.CastVoteInput{
		{Vote: approval.VoteApprove},
		{Vote: approval.VoteApprove, ConditionalTerms: "notify the service desk first"},
		{Vote: approval.VoteReject},
	}
	for _, v := range votes {
		_, err := f.suite.Approvals.CastCabVote(f.ctx, created.ID, v, newCabMember())
		require.NoError(t, err)
	}

	summary, rows, err := f.suite.Approvals.CabSummary(f.ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Ballots)
	assert.Equal(t, 2, summary.Approves)
	assert.Equal(t, 1, summary.Rejects)
	assert.True(t, summary.HasConditions)
	assert.False(t, summary.QuorumMet)
	assert.Len(t, rows, 3)
}
