package application

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
	"github.com/coursehive/enrollment-service/pkg/outbox"
	"github.com/coursehive/enrollment-service/pkg/tracing"
	"github.com/google/uuid"
)

// reinvalidateDelay bounds how long a read racing the commit can keep a
// stale list cached.
const reinvalidateDelay = 2 * time.Second

type couponPolicy int

const (
	// couponStrict fails the enrollment when the coupon cannot be redeemed.
	couponStrict couponPolicy = iota
	// couponLenient enrolls anyway; used once the money has been taken.
	couponLenient
)

// enroller writes an enrollment, its coupon redemption and its outbox event
// in one transaction.
type enroller struct {
	log         *slog.Logger
	enrollments EnrollmentRepository
	coupons     *Coupons
	tx          Transactor
	outbox      OutboxWriter
	cache       Cache
	source      string
}

// enroll reports false, without error, when the student already had the
// course; nothing is written in that case.
func (e *enroller) enroll(ctx context.Context, en domain.Enrollment, couponCode string, policy couponPolicy) (bool, error) {
	err := e.tx.WithTx(ctx, func(ctx context.Context) error {
		exists, err := e.enrollments.Exists(ctx, en.StudentID, en.CourseID)
		if err != nil {
			return err
		}
		if exists {
			return domain.ErrAlreadyEnrolled
		}

		if err := e.enrollments.Create(ctx, en); err != nil {
			return err
		}

		if en.CouponID != "" {
			if err := e.coupons.Redeem(ctx, en.CouponID); err != nil {
				if policy == couponLenient && (errors.Is(err, domain.ErrCouponExhausted) || errors.Is(err, domain.ErrCouponNotFound)) {
					e.log.Warn("coupon not redeemable after payment, enrolling without redemption",
						"coupon_id", en.CouponID, "enrollment_id", en.ID, "err", err)
				} else {
					return err
				}
			}
		}

		ev, err := e.event(ctx, en)
		if err != nil {
			return err
		}
		return e.outbox.Enqueue(ctx, ev)
	})
	if errors.Is(err, domain.ErrAlreadyEnrolled) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	e.log.Info("enrollment created",
		"enrollment_id", en.ID, "student_id", en.StudentID, "course_id", en.CourseID,
		"status", en.Status, "amount", en.AmountPaid.String())

	patterns := enrollmentPatterns(en.StudentID, en.CourseID)
	e.cache.InvalidateAsync(ctx, patterns...)
	e.cache.InvalidateLater(ctx, reinvalidateDelay, patterns...)
	if en.CouponID != "" {
		e.coupons.AfterRedeem(ctx, couponCode)
	}
	return true, nil
}

func (e *enroller) event(ctx context.Context, en domain.Enrollment) (outbox.Event, error) {
	return enrollmentEvent(ctx, domain.EventEnrollmentCreated, e.source, en, en.CreatedAt)
}

func enrollmentEvent(ctx context.Context, eventType, source string, en domain.Enrollment, at time.Time) (outbox.Event, error) {
	payload, err := json.Marshal(domain.NewEnrollmentCreated(en))
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		ID:            uuid.NewString(),
		AggregateType: "enrollment",
		AggregateID:   en.ID,
		Type:          eventType,
		Payload:       payload,
		Headers:       map[string]string{"source": source},
		Traceparent:   tracing.Traceparent(ctx),
		CreatedAt:     at,
		Status:        outbox.StatusPending,
	}, nil
}
