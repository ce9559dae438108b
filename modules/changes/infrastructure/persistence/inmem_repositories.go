package persistence

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/changeflow/modules/changes/domain/approval"
	"github.com/opsforge/changeflow/modules/changes/domain/audit"
	"github.com/opsforge/changeflow/modules/changes/domain/change"
	"github.com/opsforge/changeflow/modules/changes/domain/policy"
	"github.com/opsforge/changeflow/pkg/composables"
)

// The in-memory repositories back unit tests and local development. They
// enforce the same contracts as the pg implementations: tenant scoping,
// guarded status writes, single open CAB stage, one live ballot per voter.

type SafeMap[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{
		m: make(map[K]V),
	}
}

func (s *SafeMap[K, V]) Set(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

func (s *SafeMap[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, found := s.m[key]
	return val, found
}

func (s *SafeMap[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

func (s *SafeMap[K, V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Collect(maps.Values(s.m))
}

type changeKey struct {
	tenantID uuid.UUID
	changeID uuid.UUID
}

type InmemChangeRepository struct {
	mu      sync.Mutex
	storage *SafeMap[changeKey, change.ChangeRequest]
}

func NewInmemChangeRepository() *InmemChangeRepository {
	return &InmemChangeRepository{
		storage: NewSafeMap[changeKey, change.ChangeRequest](),
	}
}

func (r *InmemChangeRepository) Create(ctx context.Context, cr *change.ChangeRequest) (*change.ChangeRequest, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	stored := *cr
	stored.TenantID = tenantID
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.storage.Set(changeKey{tenantID: tenantID, changeID: cr.ID}, stored)
	out := stored
	return &out, nil
}

func (r *InmemChangeRepository) GetByID(ctx context.Context, id uuid.UUID) (*change.ChangeRequest, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}
	cr, found := r.storage.Get(changeKey{tenantID: tenantID, changeID: id})
	if !found {
		return nil, change.ErrNotFound
	}
	out := cr
	return &out, nil
}

func (r *InmemChangeRepository) GetByCode(ctx context.Context, code string) (*change.ChangeRequest, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}
	for _, cr := range r.storage.Values() {
		if cr.TenantID == tenantID && cr.Code == code {
			out := cr
			return &out, nil
		}
	}
	return nil, change.ErrNotFound
}

func (r *InmemChangeRepository) LockByID(ctx context.Context, id uuid.UUID) (*change.ChangeRequest, error) {
	return r.GetByID(ctx, id)
}

func (r *InmemChangeRepository) Update(ctx context.Context, cr *change.ChangeRequest) (*change.ChangeRequest, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}
	key := changeKey{tenantID: tenantID, changeID: cr.ID}

	r.mu.Lock()
	defer r.mu.Unlock()
	existing, found := r.storage.Get(key)
	if !found {
		return nil, change.ErrNotFound
	}
	stored := *cr
	stored.TenantID = tenantID
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	r.storage.Set(key, stored)
	out := stored
	return &out, nil
}

func (r *InmemChangeRepository) UpdateStatusFrom(ctx context.Context, id uuid.UUID, from, to change.Status) error {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}
	key := changeKey{tenantID: tenantID, changeID: id}

	r.mu.Lock()
	defer r.mu.Unlock()
	cr, found := r.storage.Get(key)
	if !found {
		return change.ErrNotFound
	}
	if cr.Status != from {
		return change.ErrStaleStatus
	}
	cr.Status = to
	cr.UpdatedAt = time.Now().UTC()
	r.storage.Set(key, cr)
	return nil
}

func (r *InmemChangeRepository) ListScheduledOverlapping(ctx context.Context, clientID uuid.UUID, start, end time.Time, excludeID uuid.UUID) ([]*change.ChangeRequest, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}
	var out []*change.ChangeRequest
	for _, cr := range r.storage.Values() {
		if cr.TenantID != tenantID || cr.ClientID != clientID || cr.ID == excludeID {
			continue
		}
		if cr.Status != change.StatusScheduled && cr.Status != change.StatusInProgress {
			continue
		}
		if cr.ScheduledStart == nil || cr.ScheduledEnd == nil {
			continue
		}
		if cr.ScheduledStart.Before(end) && start.Before(*cr.ScheduledEnd) {
			c := cr
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledStart.Before(*out[j].ScheduledStart) })
	return out, nil
}

func (r *InmemChangeRepository) List(ctx context.Context, filter change.ListFilter) ([]*change.ChangeRequest, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}
	var out []*change.ChangeRequest
	for _, cr := range r.storage.Values() {
		if cr.TenantID != tenantID || cr.ArchivedAt != nil {
			continue
		}
		if filter.ClientID != uuid.Nil && cr.ClientID != filter.ClientID {
			continue
		}
		if filter.Status != "" && cr.Status != filter.Status {
			continue
		}
		c := cr
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *InmemChangeRepository) Archive(ctx context.Context, id uuid.UUID) error {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}
	key := changeKey{tenantID: tenantID, changeID: id}

	r.mu.Lock()
	defer r.mu.Unlock()
	cr, found := r.storage.Get(key)
	if !found || cr.ArchivedAt != nil {
		return change.ErrNotFound
	}
	now := time.Now().UTC()
	cr.ArchivedAt = &now
	cr.UpdatedAt = now
	r.storage.Set(key, cr)
	return nil
}

type InmemPolicyRepository struct {
	policies *SafeMap[uuid.UUID, policy.ChangePolicy]
	windows  *SafeMap[uuid.UUID, policy.BlackoutWindow]
}

func NewInmemPolicyRepository() *InmemPolicyRepository {
	return &InmemPolicyRepository{
		policies: NewSafeMap[uuid.UUID, policy.ChangePolicy](),
		windows:  NewSafeMap[uuid.UUID, policy.BlackoutWindow](),
	}
}

func (r *InmemPolicyRepository) ListActive(ctx context.Context) ([]*policy.ChangePolicy, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}
	var out []*policy.ChangePolicy
	for _, p := range r.policies.Values() {
		if p.TenantID == tenantID && p.Active {
			cp := p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *InmemPolicyRepository) Save(ctx context.Context, p *policy.ChangePolicy) (*policy.ChangePolicy, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}
	stored := *p
	stored.TenantID = tenantID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = time.Now().UTC()
	r.policies.Set(stored.ID, stored)
	out := stored
	return &out, nil
}

func (r *InmemPolicyRepository) ListBlackoutWindows(ctx context.Context, clientID uuid.UUID) ([]*policy.BlackoutWindow, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}
	var out []*policy.BlackoutWindow
	for _, w := range r.windows.Values() {
		if w.TenantID != tenantID || !w.Active {
			continue
		}
		if w.ClientID != nil && *w.ClientID != clientID {
			continue
		}
		bw := w
		out = append(out, &bw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (r *InmemPolicyRepository) SaveBlackoutWindow(ctx context.Context, w *policy.BlackoutWindow) (*policy.BlackoutWindow, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}
	stored := *w
	stored.TenantID = tenantID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	r.windows.Set(stored.ID, stored)
	out := stored
	return &out, nil
}

type InmemApprovalRepository struct {
	mu        sync.Mutex
	approvals *SafeMap[uuid.UUID, approval.Approval]
	votes     *SafeMap[uuid.UUID, approval.CabVote]
	stages    *SafeMap[uuid.UUID, approval.CabStage]
}

func NewInmemApprovalRepository() *InmemApprovalRepository {
	return &InmemApprovalRepository{
		approvals: NewSafeMap[uuid.UUID, approval.Approval](),
		votes:     NewSafeMap[uuid.UUID, approval.CabVote](),
		stages:    NewSafeMap[uuid.UUID, approval.CabStage](),
	}
}

func (r *InmemApprovalRepository) CreateApprovals(ctx context.Context, approvals []*approval.Approval) error {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range approvals {
		for _, existing := range r.approvals.Values() {
			if existing.TenantID == tenantID && existing.ChangeID == a.ChangeID && existing.ContactID == a.ContactID {
				return approval.ErrStageOpen
			}
		}
	}
	for _, a := range approvals {
		stored := *a
		stored.TenantID = tenantID
		r.approvals.Set(stored.ID, stored)
	}
	return nil
}

func (r *InmemApprovalRepository) ListApprovals(ctx context.Context, changeID uuid.UUID) ([]*approval.Approval, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}
	var out []*approval.Approval
	for _, a := range r.approvals.Values() {
		if a.TenantID == tenantID && a.ChangeID == changeID {
			ap := a
			out = append(out, &ap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *InmemApprovalRepository) GetApproval(ctx context.Context, id uuid.UUID) (*approval.Approval, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}
	a, found := r.approvals.Get(id)
	if !found || a.TenantID != tenantID {
		return nil, approval.ErrApprovalNotFound
	}
	out := a
	return &out, nil
}

func (r *InmemApprovalRepository) UpdateApproval(ctx context.Context, a *approval.Approval) (*approval.Approval, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	existing, found := r.approvals.Get(a.ID)
	if !found || existing.TenantID != tenantID {
		return nil, approval.ErrApprovalNotFound
	}
	stored := *a
	stored.TenantID = tenantID
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	r.approvals.Set(stored.ID, stored)
	out := stored
	return &out, nil
}

func (r *InmemApprovalRepository) SaveVote(ctx context.Context, v *approval.CabVote, allowReplace bool) (*approval.CabVote, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.votes.Values() {
		if existing.TenantID != tenantID || existing.ChangeID != v.ChangeID || existing.VoterID != v.VoterID {
			continue
		}
		if !allowReplace {
			return nil, approval.ErrDuplicateVote
		}
		existing.Vote = v.Vote
		existing.Comments = v.Comments
		existing.ConditionalTerms = v.ConditionalTerms
		existing.UpdatedAt = time.Now().UTC()
		r.votes.Set(existing.ID, existing)
		out := existing
		return &out, nil
	}

	stored := *v
	stored.TenantID = tenantID
	r.votes.Set(stored.ID, stored)
	out := stored
	return &out, nil
}

func (r *InmemApprovalRepository) ListVotes(ctx context.Context, changeID uuid.UUID) ([]*approval.CabVote, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}
	var out []*approval.CabVote
	for _, v := range r.votes.Values() {
		if v.TenantID == tenantID && v.ChangeID == changeID {
			cv := v
			out = append(out, &cv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *InmemApprovalRepository) EnsureCabStage(ctx context.Context, changeID uuid.UUID) (*approval.CabStage, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.stages.Values() {
		if s.TenantID == tenantID && s.ChangeID == changeID && s.Status == approval.StatusPending {
			out := s
			return &out, nil
		}
	}
	stage := approval.CabStage{
		TenantID: tenantID,
		ID:       uuid.New(),
		ChangeID: changeID,
		Status:   approval.StatusPending,
		OpenedAt: time.Now().UTC(),
	}
	r.stages.Set(stage.ID, stage)
	out := stage
	return &out, nil
}

func (r *InmemApprovalRepository) GetOpenCabStage(ctx context.Context, changeID uuid.UUID) (*approval.CabStage, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range r.stages.Values() {
		if s.TenantID == tenantID && s.ChangeID == changeID && s.Status == approval.StatusPending {
			out := s
			return &out, nil
		}
	}
	return nil, approval.ErrNoCabStage
}

func (r *InmemApprovalRepository) CloseCabStage(ctx context.Context, changeID uuid.UUID, outcome approval.Status, closedBy uuid.UUID) error {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.stages.Values() {
		if s.TenantID != tenantID || s.ChangeID != changeID || s.Status != approval.StatusPending {
			continue
		}
		now := time.Now().UTC()
		s.Status = outcome
		s.ClosedAt = &now
		s.ClosedBy = &closedBy
		r.stages.Set(s.ID, s)
		return nil
	}
	return approval.ErrNoCabStage
}

type InmemAuditRepository struct {
	mu       sync.Mutex
	workflow []audit.WorkflowEvent
	audits   []audit.AuditEvent
}

func NewInmemAuditRepository() *InmemAuditRepository {
	return &InmemAuditRepository{}
}

func (r *InmemAuditRepository) AppendWorkflowEvent(ctx context.Context, e *audit.WorkflowEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflow = append(r.workflow, *e)
	return nil
}

func (r *InmemAuditRepository) AppendAuditEvent(ctx context.Context, e *audit.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, *e)
	return nil
}

func (r *InmemAuditRepository) Timeline(ctx context.Context, changeID uuid.UUID) ([]audit.TimelineEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []audit.TimelineEntry
	for _, e := range r.workflow {
		if e.ChangeID != changeID {
			continue
		}
		out = append(out, audit.TimelineEntry{
			Kind:      "workflow",
			ChangeID:  e.ChangeID,
			ActorID:   e.ActorID,
			EventType: e.EventType,
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt,
		})
	}
	for _, e := range r.audits {
		if e.ChangeID != changeID {
			continue
		}
		out = append(out, audit.TimelineEntry{
			Kind:      "audit",
			ChangeID:  e.ChangeID,
			ActorID:   e.ActorID,
			EventType: e.EventType,
			Reason:    e.Reason,
			OldValues: e.OldValues,
			NewValues: e.NewValues,
			CreatedAt: e.CreatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// InmemContactDirectory serves client approver lookups from a fixed list.
type InmemContactDirectory struct {
	Contacts []*approval.Contact
}

func (d *InmemContactDirectory) ActiveApprovers(ctx context.Context, clientID uuid.UUID) ([]*approval.Contact, error) {
	var out []*approval.Contact
	for _, c := range d.Contacts {
		if c.ClientID == clientID && c.IsApprover && c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}
