package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	StatusFree    PaymentStatus = "free"
	StatusPaid    PaymentStatus = "paid"
	StatusPending PaymentStatus = "pending"
	StatusFailed  PaymentStatus = "failed"
)

// Enrollment links a student to a course. There is at most one per
// (StudentID, CourseID).
type Enrollment struct {
	ID               string
	StudentID        string
	CourseID         string
	AmountPaid       decimal.Decimal
	Currency         string
	Status           PaymentStatus
	CouponID         string
	PaymentSessionID string
	CreatedAt        time.Time
}

func NewFreeEnrollment(id, studentID, courseID, currency, couponID string, now time.Time) Enrollment {
	return Enrollment{
		ID:         id,
		StudentID:  studentID,
		CourseID:   courseID,
		AmountPaid: decimal.Zero,
		Currency:   currency,
		Status:     StatusFree,
		CouponID:   couponID,
		CreatedAt:  now.UTC(),
	}
}

func NewPaidEnrollment(id, studentID, courseID string, amount decimal.Decimal, currency, couponID, sessionID string, now time.Time) Enrollment {
	return Enrollment{
		ID:               id,
		StudentID:        studentID,
		CourseID:         courseID,
		AmountPaid:       amount,
		Currency:         currency,
		Status:           StatusPaid,
		CouponID:         couponID,
		PaymentSessionID: sessionID,
		CreatedAt:        now.UTC(),
	}
}
