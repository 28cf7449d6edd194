package domain

import "time"

const (
	EventEnrollmentCreated    = "EnrollmentCreated"
	EventEnrollmentReconciled = "EnrollmentReconciled"
)

type EnrollmentCreated struct {
	EnrollmentID string        `json:"enrollment_id"`
	StudentID    string        `json:"student_id"`
	CourseID     string        `json:"course_id"`
	Status       PaymentStatus `json:"status"`
	AmountMinor  int64         `json:"amount_minor"`
	Currency     string        `json:"currency"`
	CouponID     string        `json:"coupon_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

func NewEnrollmentCreated(e Enrollment) EnrollmentCreated {
	return EnrollmentCreated{
		EnrollmentID: e.ID,
		StudentID:    e.StudentID,
		CourseID:     e.CourseID,
		Status:       e.Status,
		AmountMinor:  ToMinorUnits(e.AmountPaid),
		Currency:     e.Currency,
		CouponID:     e.CouponID,
		CreatedAt:    e.CreatedAt,
	}
}
