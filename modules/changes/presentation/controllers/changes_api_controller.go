package controllers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/opsforge/changeflow/modules/changes/domain/actor"
	"github.com/opsforge/changeflow/modules/changes/domain/approval"
	"github.com/opsforge/changeflow/modules/changes/domain/change"
	"github.com/opsforge/changeflow/modules/changes/domain/policy"
	"github.com/opsforge/changeflow/modules/changes/services"
	"github.com/opsforge/changeflow/pkg/composables"
	"github.com/opsforge/changeflow/pkg/httpapi"
)

// ChangesAPIController exposes the governance workflow over JSON. Identity
// and tenant scoping are established by middleware before any handler runs.
type ChangesAPIController struct {
	suite     *services.Suite
	validate  *validator.Validate
	apiPrefix string
}

func NewChangesAPIController(suite *services.Suite) *ChangesAPIController {
	return &ChangesAPIController{
		suite:     suite,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		apiPrefix: "/changes/api",
	}
}

func (c *ChangesAPIController) Key() string {
	return c.apiPrefix
}

func (c *ChangesAPIController) Register(r *mux.Router) {
	api := r.PathPrefix(c.apiPrefix).Subrouter()

	api.HandleFunc("/changes", c.CreateChange).Methods(http.MethodPost)
	api.HandleFunc("/changes", c.ListChanges).Methods(http.MethodGet)
	api.HandleFunc("/changes/{id}", c.GetChange).Methods(http.MethodGet)
	api.HandleFunc("/changes/{id}", c.UpdateDraft).Methods(http.MethodPatch)
	api.HandleFunc("/changes/{id}:submit", c.SubmitChange).Methods(http.MethodPost)
	api.HandleFunc("/changes/{id}:transition", c.TransitionChange).Methods(http.MethodPost)
	api.HandleFunc("/changes/{id}:schedule", c.ScheduleChange).Methods(http.MethodPost)
	api.HandleFunc("/changes/{id}:archive", c.ArchiveChange).Methods(http.MethodPost)
	api.HandleFunc("/changes/{id}/conflicts", c.GetConflicts).Methods(http.MethodGet)
	api.HandleFunc("/changes/{id}/timeline", c.GetTimeline).Methods(http.MethodGet)

	api.HandleFunc("/changes/{id}/approvals", c.GetClientStage).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id}:respond", c.RespondApproval).Methods(http.MethodPost)
	api.HandleFunc("/changes/{id}:bypass-client", c.BypassClientStage).Methods(http.MethodPost)

	api.HandleFunc("/changes/{id}/votes", c.GetCabStage).Methods(http.MethodGet)
	api.HandleFunc("/changes/{id}/votes", c.CastVote).Methods(http.MethodPost)
	api.HandleFunc("/changes/{id}:bypass-cab", c.BypassCabStage).Methods(http.MethodPost)
	api.HandleFunc("/changes/{id}:ack-conditions", c.AcknowledgeConditions).Methods(http.MethodPost)

	api.HandleFunc("/policies", c.SavePolicy).Methods(http.MethodPost)
	api.HandleFunc("/policies:evaluate", c.EvaluatePolicy).Methods(http.MethodPost)
	api.HandleFunc("/blackout-windows", c.SaveBlackoutWindow).Methods(http.MethodPost)
}

type createChangeRequest struct {
	ClientID              uuid.UUID       `json:"client_id" validate:"required"`
	Title                 string          `json:"title" validate:"required,max=500"`
	Priority              string          `json:"priority" validate:"required"`
	ChangeType            string          `json:"change_type" validate:"required"`
	ImplementationPlan    string          `json:"implementation_plan"`
	BackoutPlan           string          `json:"backout_plan"`
	TestPlan              string          `json:"test_plan"`
	BusinessJustification string          `json:"business_justification"`
	FormData              json.RawMessage `json:"form_data"`
	ExternalAssetIDs      []string        `json:"external_asset_ids" validate:"max=200"`
	AssetCount            int             `json:"asset_count" validate:"min=0"`
	HistoricalFailureRate float64         `json:"historical_failure_rate" validate:"min=0,max=1"`
}

func (c *ChangesAPIController) CreateChange(w http.ResponseWriter, r *http.Request) {
	acting, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req createChangeRequest
	if !c.decodeValid(w, r, &req) {
		return
	}

	created, err := c.suite.Workflow.Create(r.Context(), services.CreateChangeInput{
		ClientID:              req.ClientID,
		Title:                 req.Title,
		Priority:              change.Priority(req.Priority),
		ChangeType:            change.Type(req.ChangeType),
		ImplementationPlan:    req.ImplementationPlan,
		BackoutPlan:           req.BackoutPlan,
		TestPlan:              req.TestPlan,
		BusinessJustification: req.BusinessJustification,
		FormData:              req.FormData,
		ExternalAssetIDs:      req.ExternalAssetIDs,
		AssetCount:            req.AssetCount,
		HistoricalFailureRate: req.HistoricalFailureRate,
	}, acting)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusCreated, created)
}

func (c *ChangesAPIController) ListChanges(w http.ResponseWriter, r *http.Request) {
	filter := change.ListFilter{Limit: 100}
	if v := r.URL.Query().Get("client_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeAPIError(w, r, http.StatusBadRequest, "CHANGE_INVALID_QUERY", "client_id is invalid")
			return
		}
		filter.ClientID = id
	}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = change.Status(v)
	}

	out, err := c.suite.Workflow.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"changes": out})
}

func (c *ChangesAPIController) GetChange(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	ch, err := c.suite.Workflow.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, ch)
}

type updateDraftRequest struct {
	Title                 *string `json:"title" validate:"omitempty,max=500"`
	Priority              *string `json:"priority"`
	ChangeType            *string `json:"change_type"`
	ImplementationPlan    *string `json:"implementation_plan"`
	BackoutPlan           *string `json:"backout_plan"`
	TestPlan              *string `json:"test_plan"`
	BusinessJustification *string `json:"business_justification"`
	AssetCount            int     `json:"asset_count" validate:"min=0"`
	HistoricalFailureRate float64 `json:"historical_failure_rate" validate:"min=0,max=1"`
}

func (c *ChangesAPIController) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	acting, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateDraftRequest
	if !c.decodeValid(w, r, &req) {
		return
	}

	in := services.UpdateDraftInput{
		Title:                 req.Title,
		ImplementationPlan:    req.ImplementationPlan,
		BackoutPlan:           req.BackoutPlan,
		TestPlan:              req.TestPlan,
		BusinessJustification: req.BusinessJustification,
		AssetCount:            req.AssetCount,
		HistoricalFailureRate: req.HistoricalFailureRate,
	}
	if req.Priority != nil {
		p := change.Priority(*req.Priority)
		in.Priority = &p
	}
	if req.ChangeType != nil {
		t := change.Type(*req.ChangeType)
		in.ChangeType = &t
	}

	updated, err := c.suite.Workflow.UpdateDraft(r.Context(), id, in, acting)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, updated)
}

func (c *ChangesAPIController) SubmitChange(w http.ResponseWriter, r *http.Request) {
	acting, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	res, err := c.suite.Workflow.Submit(r.Context(), id, acting)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, res)
}

type transitionRequest struct {
	Target string `json:"target" validate:"required"`
	Reason string `json:"reason"`
}

func (c *ChangesAPIController) TransitionChange(w http.ResponseWriter, r *http.Request) {
	acting, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if !c.decodeValid(w, r, &req) {
		return
	}
	ch, err := c.suite.Workflow.Transition(r.Context(), id, change.Status(req.Target), acting, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, ch)
}

type scheduleRequest struct {
	ScheduledStart       time.Time `json:"scheduled_start" validate:"required"`
	ScheduledEnd         time.Time `json:"scheduled_end" validate:"required"`
	AcknowledgeConflicts bool      `json:"acknowledge_conflicts"`
}

func (c *ChangesAPIController) ScheduleChange(w http.ResponseWriter, r *http.Request) {
	acting, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req scheduleRequest
	if !c.decodeValid(w, r, &req) {
		return
	}
	ch, err := c.suite.Workflow.Schedule(r.Context(), id, req.ScheduledStart, req.ScheduledEnd, acting, req.AcknowledgeConflicts)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, ch)
}

func (c *ChangesAPIController) ArchiveChange(w http.ResponseWriter, r *http.Request) {
	acting, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := c.suite.Workflow.Archive(r.Context(), id, acting); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusNoContent, nil)
}

func (c *ChangesAPIController) GetConflicts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "CHANGE_INVALID_QUERY", "start is required in RFC3339 format")
		return
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "CHANGE_INVALID_QUERY", "end is required in RFC3339 format")
		return
	}

	ch, err := c.suite.Workflow.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	conflicts, err := c.suite.Workflow.FindSchedulingConflicts(r.Context(), ch.ClientID, start, end, ch.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (c *ChangesAPIController) GetTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	entries, err := c.suite.Workflow.Timeline(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"timeline": entries})
}

func (c *ChangesAPIController) GetClientStage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	summary, rows, err := c.suite.Approvals.ClientStageSummary(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"summary": summary, "approvals": rows})
}

type respondApprovalRequest struct {
	Approve  bool   `json:"approve"`
	Comments string `json:"comments"`
}

func (c *ChangesAPIController) RespondApproval(w http.ResponseWriter, r *http.Request) {
	acting, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req respondApprovalRequest
	if !c.decodeValid(w, r, &req) {
		return
	}
	row, err := c.suite.Approvals.RespondClientApproval(r.Context(), id, req.Approve, req.Comments, acting)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, row)
}

type bypassRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (c *ChangesAPIController) BypassClientStage(w http.ResponseWriter, r *http.Request) {
	acting, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req bypassRequest
	if !c.decodeValid(w, r, &req) {
		return
	}
	if err := c.suite.Approvals.BypassClientApprovals(r.Context(), id, req.Reason, acting); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusNoContent, nil)
}

func (c *ChangesAPIController) GetCabStage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	summary, votes, err := c.suite.Approvals.CabSummary(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"summary": summary, "votes": votes})
}

type castVoteRequest struct {
	Vote             string `json:"vote" validate:"required,oneof=approve reject abstain"`
	Comments         string `json:"comments"`
	ConditionalTerms string `json:"conditional_terms"`
}

func (c *ChangesAPIController) CastVote(w http.ResponseWriter, r *http.Request) {
	acting, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req castVoteRequest
	if !c.decodeValid(w, r, &req) {
		return
	}
	vote, err := c.suite.Approvals.CastCabVote(r.Context(), id, services.CastVoteInput{
		Vote:             approval.Vote(req.Vote),
		Comments:         req.Comments,
		ConditionalTerms: req.ConditionalTerms,
	}, acting)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusCreated, vote)
}

func (c *ChangesAPIController) BypassCabStage(w http.ResponseWriter, r *http.Request) {
	acting, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req bypassRequest
	if !c.decodeValid(w, r, &req) {
		return
	}
	if err := c.suite.Approvals.BypassCabVoting(r.Context(), id, req.Reason, acting); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusNoContent, nil)
}

func (c *ChangesAPIController) AcknowledgeConditions(w http.ResponseWriter, r *http.Request) {
	acting, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	ch, err := c.suite.Approvals.AcknowledgeConditions(r.Context(), id, acting)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, ch)
}

type savePolicyRequest struct {
	ID                     *uuid.UUID      `json:"id"`
	Name                   string          `json:"name" validate:"required,max=255"`
	ClientID               *uuid.UUID      `json:"client_id"`
	ChangeType             *string         `json:"change_type"`
	Priority               *string         `json:"priority"`
	RiskMin                int             `json:"risk_min" validate:"min=0,max=100"`
	RiskMax                int             `json:"risk_max" validate:"min=0,max=100"`
	RequiresClientApproval bool            `json:"requires_client_approval"`
	RequiresCabApproval    bool            `json:"requires_cab_approval"`
	RequiresSecurityReview bool            `json:"requires_security_review"`
	AutoApprove            bool            `json:"auto_approve"`
	MaxImplementationHours int             `json:"max_implementation_hours" validate:"min=0"`
	Rules                  json.RawMessage `json:"rules"`
	Active                 bool            `json:"active"`
}

func (c *ChangesAPIController) SavePolicy(w http.ResponseWriter, r *http.Request) {
	var req savePolicyRequest
	if !c.decodeValid(w, r, &req) {
		return
	}
	tenantID, err := composables.UseTenantID(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	p := &policy.ChangePolicy{
		TenantID:               tenantID,
		Name:                   req.Name,
		ClientID:               req.ClientID,
		ChangeType:             req.ChangeType,
		Priority:               req.Priority,
		RiskMin:                req.RiskMin,
		RiskMax:                req.RiskMax,
		RequiresClientApproval: req.RequiresClientApproval,
		RequiresCabApproval:    req.RequiresCabApproval,
		RequiresSecurityReview: req.RequiresSecurityReview,
		AutoApprove:            req.AutoApprove,
		MaxImplementationHours: req.MaxImplementationHours,
		Rules:                  req.Rules,
		Active:                 req.Active,
	}
	if req.ID != nil {
		p.ID = *req.ID
	}
	saved, err := c.suite.Policies.SavePolicy(r.Context(), p)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, saved)
}

type evaluatePolicyRequest struct {
	ClientID              uuid.UUID `json:"client_id" validate:"required"`
	ChangeType            string    `json:"change_type" validate:"required"`
	Priority              string    `json:"priority" validate:"required"`
	AssetCount            int       `json:"asset_count" validate:"min=0"`
	HistoricalFailureRate float64   `json:"historical_failure_rate" validate:"min=0,max=1"`
}

func (c *ChangesAPIController) EvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	var req evaluatePolicyRequest
	if !c.decodeValid(w, r, &req) {
		return
	}
	decision, err := c.suite.Policies.Evaluate(r.Context(), services.EvaluateInput{
		ClientID:              req.ClientID,
		ChangeType:            change.Type(req.ChangeType),
		Priority:              change.Priority(req.Priority),
		AssetCount:            req.AssetCount,
		HistoricalFailureRate: req.HistoricalFailureRate,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, decision)
}

type saveBlackoutRequest struct {
	ID         *uuid.UUID      `json:"id"`
	Name       string          `json:"name" validate:"required,max=255"`
	ClientID   *uuid.UUID      `json:"client_id"`
	StartsAt   time.Time       `json:"starts_at" validate:"required"`
	EndsAt     time.Time       `json:"ends_at" validate:"required"`
	Recurrence string          `json:"recurrence"`
	Rules      json.RawMessage `json:"rules"`
	Active     bool            `json:"active"`
}

func (c *ChangesAPIController) SaveBlackoutWindow(w http.ResponseWriter, r *http.Request) {
	var req saveBlackoutRequest
	if !c.decodeValid(w, r, &req) {
		return
	}
	tenantID, err := composables.UseTenantID(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	bw := &policy.BlackoutWindow{
		TenantID:   tenantID,
		Name:       req.Name,
		ClientID:   req.ClientID,
		StartsAt:   req.StartsAt,
		EndsAt:     req.EndsAt,
		Recurrence: policy.Recurrence(req.Recurrence),
		Rules:      req.Rules,
		Active:     req.Active,
	}
	if req.ID != nil {
		bw.ID = *req.ID
	}
	saved, err := c.suite.Policies.SaveBlackoutWindow(r.Context(), bw)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, saved)
}

func (c *ChangesAPIController) decodeValid(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := decodeJSON(r.Body, out); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "CHANGE_INVALID_BODY", "invalid json body")
		return false
	}
	if err := c.validate.Struct(out); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "CHANGE_VALIDATION", err.Error())
		return false
	}
	return true
}

func decodeJSON(body io.ReadCloser, out any) error {
	defer func() { _ = body.Close() }()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func requireActor(w http.ResponseWriter, r *http.Request) (actor.Actor, bool) {
	acting, err := composables.UseActor(r.Context())
	if err != nil {
		writeAPIError(w, r, http.StatusUnauthorized, "ACTOR_REQUIRED", "authenticated actor is required")
		return actor.Actor{}, false
	}
	return acting, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "CHANGE_INVALID_PATH", name+" is not a valid uuid")
		return uuid.Nil, false
	}
	return id, true
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var svcErr *services.ServiceError
	if errors.As(err, &svcErr) {
		env := &httpapi.ErrorEnvelope{
			Code:    svcErr.Code,
			Message: svcErr.Message,
			Meta:    requestMeta(r),
		}
		var conflicts *services.ScheduleConflictSet
		if errors.As(err, &conflicts) {
			env.Details = map[string]any{"conflicts": conflicts.Conflicts}
		}
		_ = httpapi.WriteJSON(w, svcErr.Status, env)
		return
	}
	writeAPIError(w, r, http.StatusInternalServerError, services.CodeInternal, "internal error")
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	_ = httpapi.WriteError(w, status, code, message, requestMeta(r))
}

func requestMeta(r *http.Request) map[string]string {
	meta := map[string]string{}
	if requestID := composables.UseRequestID(r.Context()); requestID != "" {
		meta["request_id"] = requestID
	}
	return meta
}
