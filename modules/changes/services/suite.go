package services

import (
	"github.com/opsforge/changeflow/modules/changes/domain/approval"
	"github.com/opsforge/changeflow/modules/changes/domain/audit"
	"github.com/opsforge/changeflow/modules/changes/domain/change"
	"github.com/opsforge/changeflow/modules/changes/domain/policy"
	"github.com/opsforge/changeflow/pkg/eventbus"
)

// SuiteConfig collects the collaborators for one wired service set. Only the
// repositories and the directory are required; the rest default.
type SuiteConfig struct {
	Changes   change.Repository
	Policies  policy.Repository
	Approvals approval.Repository
	Audit     audit.Repository
	Directory ContactDirectory

	Notifier Notifier
	Bus      eventbus.EventBus
	Scorer   RiskScorer
	Settings GovernanceSettings
}

// Suite is the wired service set. Workflow and Approvals share one keyed
// mutex and hold references to each other, so stage resolution and status
// transitions stay in a single transaction.
type Suite struct {
	Policies  *PolicyService
	Workflow  *WorkflowService
	Approvals *ApprovalService
	Detector  *ConflictDetector
	Auditor   *AuditWriter
}

func NewSuite(cfg SuiteConfig) *Suite {
	settings := cfg.Settings.normalize()
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{}
	}

	auditor := NewAuditWriter(cfg.Audit)
	policies := NewPolicyService(cfg.Policies, cfg.Scorer)
	detector := NewConflictDetector(cfg.Changes, cfg.Policies)
	locks := newKeyedMutex()

	workflow := &WorkflowService{
		changes:   cfg.Changes,
		policies:  policies,
		detector:  detector,
		directory: cfg.Directory,
		auditor:   auditor,
		notifier:  cfg.Notifier,
		bus:       cfg.Bus,
		settings:  settings,
		locks:     locks,
	}
	approvals := &ApprovalService{
		approvals: cfg.Approvals,
		changes:   cfg.Changes,
		auditor:   auditor,
		notifier:  cfg.Notifier,
		bus:       cfg.Bus,
		settings:  settings,
		locks:     locks,
		workflow:  workflow,
	}
	workflow.approvals = approvals

	return &Suite{
		Policies:  policies,
		Workflow:  workflow,
		Approvals: approvals,
		Detector:  detector,
		Auditor:   auditor,
	}
}
