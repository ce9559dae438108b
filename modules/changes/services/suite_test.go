package services_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/changeflow/modules/changes/domain/actor"
	"github.com/opsforge/changeflow/modules/changes/domain/approval"
	"github.com/opsforge/changeflow/modules/changes/domain/change"
	"github.com/opsforge/changeflow/modules/changes/domain/policy"
	"github.com/opsforge/changeflow/modules/changes/infrastructure/persistence"
	"github.com/opsforge/changeflow/modules/changes/permissions"
	"github.com/opsforge/changeflow/modules/changes/services"
	"github.com/opsforge/changeflow/pkg/composables"
)

type fixture struct {
	t   *testing.T
	ctx context.Context

	tenantID uuid.UUID
	clientID uuid.UUID

	suite     *services.Suite
	changes   *persistence.InmemChangeRepository
	policies  *persistence.InmemPolicyRepository
	approvals *persistence.InmemApprovalRepository
	audits    *persistence.InmemAuditRepository
	directory *persistence.InmemContactDirectory
	notifier  *recordingNotifier

	requester actor.Actor
}

func newFixture(t *testing.T, settings services.GovernanceSettings, contacts ...*approval.Contact) *fixture {
	t.Helper()

	f := &fixture{
		t:         t,
		tenantID:  uuid.New(),
		clientID:  uuid.New(),
		changes:   persistence.NewInmemChangeRepository(),
		policies:  persistence.NewInmemPolicyRepository(),
		approvals: persistence.NewInmemApprovalRepository(),
		audits:    persistence.NewInmemAuditRepository(),
		directory: &persistence.InmemContactDirectory{Contacts: contacts},
		notifier:  &recordingNotifier{},
	}
	f.ctx = composables.WithTenantID(context.Background(), f.tenantID)
	f.requester = newActor(
		permissions.ChangeCreate,
		permissions.ChangeEdit,
		permissions.ChangeSchedule,
	)
	f.suite = services.NewSuite(services.SuiteConfig{
		Changes:   f.changes,
		Policies:  f.policies,
		Approvals: f.approvals,
		Audit:     f.audits,
		Directory: f.directory,
		Notifier:  f.notifier,
		Settings:  settings,
	})
	return f
}

func newActor(perms ...string) actor.Actor {
	return actor.Actor{
		ID:          uuid.New(),
		Email:       "tester@example.com",
		Permissions: perms,
	}
}

func newCabMember() actor.Actor {
	return actor.Actor{
		ID:    uuid.New(),
		Email: "board@example.com",
		Roles: []string{permissions.RoleCabMember},
	}
}

func (f *fixture) contact() *approval.Contact {
	return &approval.Contact{
		ID:         uuid.New(),
		ClientID:   f.clientID,
		Name:       "Client Approver",
		Email:      "approver@client.example.com",
		IsApprover: true,
		Active:     true,
	}
}

func (f *fixture) seedPolicy(p *policy.ChangePolicy) *policy.ChangePolicy {
	f.t.Helper()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Active = true
	if p.RiskMax == 0 {
		p.RiskMax = 100
	}
	saved, err := f.policies.Save(f.ctx, p)
	require.NoError(f.t, err)
	return saved
}

func (f *fixture) seedBlackout(w *policy.BlackoutWindow) *policy.BlackoutWindow {
	f.t.Helper()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.Active = true
	if w.Recurrence == "" {
		w.Recurrence = policy.RecurrenceNone
	}
	saved, err := f.policies.SaveBlackoutWindow(f.ctx, w)
	require.NoError(f.t, err)
	return saved
}

func (f *fixture) createDraft(in services.CreateChangeInput) *change.ChangeRequest {
	f.t.Helper()
	if in.ClientID == uuid.Nil {
		in.ClientID = f.clientID
	}
	if in.Title == "" {
		in.Title = "Patch core switches"
	}
	if in.Priority == "" {
		in.Priority = change.PriorityLow
	}
	if in.ChangeType == "" {
		in.ChangeType = change.TypeStandard
	}
	created, err := f.suite.Workflow.Create(f.ctx, in, f.requester)
	require.NoError(f.t, err)
	return created
}

func (f *fixture) submit(changeID uuid.UUID) *services.SubmitResult {
	f.t.Helper()
	res, err := f.suite.Workflow.Submit(f.ctx, changeID, f.requester)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) reload(changeID uuid.UUID) *change.ChangeRequest {
	f.t.Helper()
	ch, err := f.suite.Workflow.Get(f.ctx, changeID)
	require.NoError(f.t, err)
	return ch
}

func requireServiceCode(t *testing.T, err error, code string) *services.ServiceError {
	t.Helper()
	var svcErr *services.ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, code, svcErr.Code)
	return svcErr
}

type sentNotification struct {
	Recipient uuid.UUID
	Kind      services.NotificationKind
	Payload   map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(ctx context.Context, recipient uuid.UUID, kind services.NotificationKind, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{Recipient: recipient, Kind: kind, Payload: payload})
	return nil
}

func (n *recordingNotifier) byKind(kind services.NotificationKind) []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentNotification
	for _, s := range n.sent {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}
