package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coursehive/enrollment-service/internal/clock"
	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
	"github.com/coursehive/enrollment-service/pkg/cache"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type CheckoutRequest struct {
	StudentID  string
	CourseID   string
	CouponCode string
}

// CheckoutResult is either a free enrollment or a payment session to
// redirect the student to.
type CheckoutResult struct {
	Free         bool
	EnrollmentID string
	SessionID    string
	SessionURL   string
	Reused       bool
	Quote        domain.Quote
}

type pendingCheckout struct {
	SessionID   string `json:"session_id"`
	SessionURL  string `json:"session_url"`
	CouponID    string `json:"coupon_id"`
	AmountMinor int64  `json:"amount_minor"`
}

type CheckoutDeps struct {
	Log         *slog.Logger
	Enrollments EnrollmentRepository
	Courses     CourseCatalog
	Coupons     *Coupons
	Gateway     PaymentGateway
	Tx          Transactor
	Outbox      OutboxWriter
	Cache       Cache
	Clock       clock.Clock
	// PendingMinTTL is how long a remembered payment session must still be
	// valid to be handed out again.
	PendingMinTTL time.Duration
	QuoteTTL      time.Duration
}

type Checkout struct {
	log           *slog.Logger
	enrollments   EnrollmentRepository
	courses       CourseCatalog
	coupons       *Coupons
	gateway       PaymentGateway
	cache         Cache
	clock         clock.Clock
	enroller      *enroller
	tracer        trace.Tracer
	pendingMinTTL time.Duration
	quoteTTL      time.Duration
	newID         func() string
}

func NewCheckout(d CheckoutDeps) *Checkout {
	if d.PendingMinTTL <= 0 {
		d.PendingMinTTL = time.Minute
	}
	if d.QuoteTTL <= 0 {
		d.QuoteTTL = 5 * time.Minute
	}
	return &Checkout{
		log:         d.Log,
		enrollments: d.Enrollments,
		courses:     d.Courses,
		coupons:     d.Coupons,
		gateway:     d.Gateway,
		cache:       d.Cache,
		clock:       d.Clock,
		enroller: &enroller{
			log:         d.Log,
			enrollments: d.Enrollments,
			coupons:     d.Coupons,
			tx:          d.Tx,
			outbox:      d.Outbox,
			cache:       d.Cache,
			source:      "checkout",
		},
		tracer:        otel.Tracer("enrollment-checkout"),
		pendingMinTTL: d.PendingMinTTL,
		quoteTTL:      d.QuoteTTL,
		newID:         uuid.NewString,
	}
}

// Start prices the course and either enrolls the student right away (final
// price zero) or opens a hosted payment session. Paid enrollments are only
// written when the payment webhook confirms the session.
func (s *Checkout) Start(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	req.StudentID = strings.TrimSpace(req.StudentID)
	req.CourseID = strings.TrimSpace(req.CourseID)
	req.CouponCode = domain.NormalizeCode(req.CouponCode)

	ctx, span := s.tracer.Start(ctx, "Checkout.Start", trace.WithAttributes(
		attribute.String("student_id", req.StudentID),
		attribute.String("course_id", req.CourseID),
	))
	defer span.End()

	if req.StudentID == "" || req.CourseID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: student_id and course_id are required", domain.ErrInvalidRequest)
	}

	enrolled, err := s.enrollments.Exists(ctx, req.StudentID, req.CourseID)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("check enrollment: %w", err)
	}
	if enrolled {
		return CheckoutResult{}, domain.ErrAlreadyEnrolled
	}

	course, quote, err := s.price(ctx, req.CourseID, req.CouponCode)
	if err != nil {
		return CheckoutResult{}, err
	}

	if quote.Free() {
		return s.enrollFree(ctx, req, quote)
	}
	return s.startPayment(ctx, req, course, quote)
}

// Quote is a cached price preview. Start never relies on it.
func (s *Checkout) Quote(ctx context.Context, courseID, couponCode string) (domain.Quote, error) {
	courseID = strings.TrimSpace(courseID)
	couponCode = domain.NormalizeCode(couponCode)
	if courseID == "" {
		return domain.Quote{}, fmt.Errorf("%w: course_id is required", domain.ErrInvalidRequest)
	}
	return cache.Fetch(ctx, s.cache, pricingKey(courseID, couponCode), s.quoteTTL, func(ctx context.Context) (domain.Quote, error) {
		_, q, err := s.price(ctx, courseID, couponCode)
		return q, err
	})
}

func (s *Checkout) price(ctx context.Context, courseID, couponCode string) (domain.Course, domain.Quote, error) {
	course, err := s.courses.Get(ctx, courseID)
	if err != nil {
		if errors.Is(err, domain.ErrCourseNotFound) {
			return domain.Course{}, domain.Quote{}, err
		}
		return domain.Course{}, domain.Quote{}, fmt.Errorf("lookup course: %w", err)
	}

	var coupon *domain.Coupon
	if couponCode != "" {
		check, err := s.coupons.Validate(ctx, couponCode, courseID)
		if err != nil {
			return domain.Course{}, domain.Quote{}, err
		}
		if !check.Valid {
			return domain.Course{}, domain.Quote{}, &domain.CouponError{Reason: check.Reason}
		}
		coupon = check.Coupon
	}

	quote, err := domain.NewQuote(course, coupon)
	if err != nil {
		return domain.Course{}, domain.Quote{}, err
	}
	return course, quote, nil
}

func (s *Checkout) enrollFree(ctx context.Context, req CheckoutRequest, quote domain.Quote) (CheckoutResult, error) {
	en := domain.NewFreeEnrollment(s.newID(), req.StudentID, req.CourseID, quote.Currency, quote.CouponID, s.clock.Now())

	created, err := s.enroller.enroll(ctx, en, quote.CouponCode, couponStrict)
	if errors.Is(err, domain.ErrCouponExhausted) {
		return CheckoutResult{}, &domain.CouponError{Reason: domain.ReasonLimitExceeded}
	}
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("free enrollment: %w", err)
	}
	if !created {
		return CheckoutResult{}, domain.ErrAlreadyEnrolled
	}
	return CheckoutResult{Free: true, EnrollmentID: en.ID, Quote: quote}, nil
}

func (s *Checkout) startPayment(ctx context.Context, req CheckoutRequest, course domain.Course, quote domain.Quote) (CheckoutResult, error) {
	key := pendingCheckoutKey(req.StudentID, req.CourseID)
	amount := quote.MinorUnits()

	var pending pendingCheckout
	if ttl, ok := s.cache.GetWithTTL(ctx, key, &pending); ok {
		fresh := ttl < 0 || ttl >= s.pendingMinTTL
		if fresh && pending.CouponID == quote.CouponID && pending.AmountMinor == amount {
			s.log.Info("reusing pending payment session",
				"student_id", req.StudentID, "course_id", req.CourseID, "session_id", pending.SessionID)
			return CheckoutResult{SessionID: pending.SessionID, SessionURL: pending.SessionURL, Reused: true, Quote: quote}, nil
		}
	}

	sess, err := s.gateway.CreateCheckoutSession(ctx, CheckoutSessionInput{
		StudentID:   req.StudentID,
		CourseID:    req.CourseID,
		CourseTitle: course.Title,
		CouponID:    quote.CouponID,
		Currency:    quote.Currency,
		AmountMinor: amount,
	})
	if err != nil {
		s.log.Error("payment session creation failed", "course_id", req.CourseID, "err", err)
		return CheckoutResult{}, fmt.Errorf("%w: %w", domain.ErrPaymentProvider, err)
	}

	if ttl := sess.ExpiresAt.Sub(s.clock.Now()); ttl > 0 {
		_ = s.cache.Set(ctx, key, pendingCheckout{
			SessionID:   sess.ID,
			SessionURL:  sess.URL,
			CouponID:    quote.CouponID,
			AmountMinor: amount,
		}, ttl)
	}

	s.log.Info("payment session created",
		"student_id", req.StudentID, "course_id", req.CourseID, "session_id", sess.ID, "amount_minor", amount)
	return CheckoutResult{SessionID: sess.ID, SessionURL: sess.URL, Quote: quote}, nil
}
