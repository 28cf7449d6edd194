package notify

import (
	"context"
	"log/slog"

	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
)

const templateEnrollmentConfirmed = "enrollment-confirmed"

// LogNotifier stands in for the mail service: it records the templated
// message that would be sent.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) EnrollmentConfirmed(_ context.Context, ev domain.EnrollmentCreated) error {
	n.log.Info("notification dispatched",
		"template", templateEnrollmentConfirmed,
		"student_id", ev.StudentID,
		"course_id", ev.CourseID,
		"enrollment_id", ev.EnrollmentID,
		"status", ev.Status,
	)
	return nil
}
