package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opsforge/changeflow/modules/changes/domain/change"
)

type NotificationKind string

const (
	NotifyApprovalRequested NotificationKind = "approval_requested"
	NotifyApprovalBypassed  NotificationKind = "approval_bypassed"
	NotifyDecision          NotificationKind = "decision"
)

// Notifier delivers governance notifications. Dispatch is fire-and-forget:
// delivery failures are logged and never roll back a transition.
type Notifier interface {
	Notify(ctx context.Context, recipient uuid.UUID, kind NotificationKind, payload map[string]any) error
}

// LogNotifier is the default transport-less implementation.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, recipient uuid.UUID, kind NotificationKind, payload map[string]any) error {
	fields := logrus.Fields{
		"recipient": recipient.String(),
		"kind":      string(kind),
	}
	for k, v := range payload {
		fields[k] = v
	}
	logWithFields(ctx, logrus.InfoLevel, "changes.notification", fields)
	return nil
}

// notifyDecision tells the requester once their change has resolved to
// approved or rejected. Called after commit, fire-and-forget.
func notifyDecision(ctx context.Context, n Notifier, ch *change.ChangeRequest) {
	if ch == nil {
		return
	}
	if ch.Status != change.StatusApproved && ch.Status != change.StatusRejected {
		return
	}
	dispatchNotification(ctx, n, ch.RequesterID, NotifyDecision, map[string]any{
		"change_id": ch.ID.String(),
		"code":      ch.Code,
		"status":    string(ch.Status),
	})
}

func dispatchNotification(ctx context.Context, n Notifier, recipient uuid.UUID, kind NotificationKind, payload map[string]any) {
	if n == nil || shouldSkipNotifications(ctx) {
		return
	}
	if err := n.Notify(ctx, recipient, kind, payload); err != nil {
		logWithFields(ctx, logrus.WarnLevel, "changes.notification.failed", logrus.Fields{
			"recipient": recipient.String(),
			"kind":      string(kind),
			"error":     err.Error(),
		})
	}
}
