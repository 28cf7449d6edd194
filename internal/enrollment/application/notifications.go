package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
)

// Notifications turns published enrollment events into notifier calls. It
// runs outside the enrollment transaction; a failure here never affects the
// enrollment itself.
type Notifications struct {
	log      *slog.Logger
	notifier Notifier
}

func NewNotifications(log *slog.Logger, n Notifier) *Notifications {
	return &Notifications{log: log, notifier: n}
}

// HandleEvent returns an error only when the notifier failed and the event
// should be tried again.
func (n *Notifications) HandleEvent(ctx context.Context, eventType string, payload []byte) error {
	if eventType != domain.EventEnrollmentCreated && eventType != domain.EventEnrollmentReconciled {
		return nil
	}
	var ev domain.EnrollmentCreated
	if err := json.Unmarshal(payload, &ev); err != nil {
		n.log.Error("undecodable enrollment event, skipping", "err", err)
		return nil
	}
	if ev.Status != domain.StatusPaid && ev.Status != domain.StatusFree {
		n.log.Info("enrollment not confirmed, no notification", "enrollment_id", ev.EnrollmentID, "status", ev.Status)
		return nil
	}
	if err := n.notifier.EnrollmentConfirmed(ctx, ev); err != nil {
		return fmt.Errorf("notify enrollment %s: %w", ev.EnrollmentID, err)
	}
	return nil
}
