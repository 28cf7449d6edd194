package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/coursehive/enrollment-service/internal/clock"
	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

const sessionPaid = "paid"

// Payment session metadata keys written at checkout and read back by the
// webhook.
const (
	MetaStudentID   = "student_id"
	MetaCourseID    = "course_id"
	MetaCouponID    = "coupon_id"
	MetaAmountMinor = "amount_minor"
)

type WebhookOutcome string

const (
	OutcomeEnrolled  WebhookOutcome = "enrolled"
	OutcomeDuplicate WebhookOutcome = "duplicate"
	OutcomeIgnored   WebhookOutcome = "ignored"
	// OutcomeHeld means a pending enrollment was written for a charge that
	// needs reconciliation.
	OutcomeHeld WebhookOutcome = "held"
	// OutcomeRejected is acknowledged to the provider but nothing is written.
	OutcomeRejected WebhookOutcome = "rejected"
)

type WebhookDeps struct {
	Log         *slog.Logger
	Gateway     PaymentGateway
	Enrollments EnrollmentRepository
	Courses     CourseCatalog
	Coupons     *Coupons
	Tx          Transactor
	Outbox      OutboxWriter
	Cache       Cache
	Events      EventLog
	Clock       clock.Clock
}

type Webhooks struct {
	log      *slog.Logger
	gateway  PaymentGateway
	courses  CourseCatalog
	coupons  *Coupons
	events   EventLog
	clock    clock.Clock
	enroller *enroller
	tracer   trace.Tracer
	newID    func() string
}

func NewWebhooks(d WebhookDeps) *Webhooks {
	return &Webhooks{
		log:     d.Log,
		gateway: d.Gateway,
		courses: d.Courses,
		coupons: d.Coupons,
		events:  d.Events,
		clock:   d.Clock,
		enroller: &enroller{
			log:         d.Log,
			enrollments: d.Enrollments,
			coupons:     d.Coupons,
			tx:          d.Tx,
			outbox:      d.Outbox,
			cache:       d.Cache,
			source:      "webhook",
		},
		tracer: otel.Tracer("enrollment-webhook"),
		newID:  uuid.NewString,
	}
}

// Handle verifies and applies one provider event. A nil error means the
// event may be acknowledged; domain.ErrInvalidSignature,
// domain.ErrMalformedEvent and domain.ErrProcessing mean it must not be.
func (w *Webhooks) Handle(ctx context.Context, payload []byte, signature string) (WebhookOutcome, error) {
	ev, err := w.gateway.ParseEvent(payload, signature)
	if errors.Is(err, domain.ErrMalformedEvent) {
		w.log.Error("verified webhook event undecodable", "err", err)
		return "", err
	}
	if err != nil {
		w.log.Warn("webhook signature rejected", "err", err)
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidSignature, err)
	}

	ctx, span := w.tracer.Start(ctx, "Webhooks.Handle", trace.WithAttributes(
		attribute.String("event_id", ev.ID),
		attribute.String("event_type", ev.Type),
	))
	defer span.End()

	if ev.Type != EventCheckoutCompleted && ev.Type != EventAsyncPaymentSucceeded {
		w.log.Debug("webhook event ignored", "event_id", ev.ID, "type", ev.Type)
		return OutcomeIgnored, nil
	}
	if ev.Session == nil || ev.Session.PaymentStatus != sessionPaid {
		w.log.Info("checkout completed without payment, waiting", "event_id", ev.ID)
		return OutcomeIgnored, nil
	}

	key := w.events.Key("stripe", ev.ID)
	if done, err := w.events.Done(ctx, key); err != nil {
		w.log.Warn("webhook dedupe lookup failed", "event_id", ev.ID, "err", err)
	} else if done {
		w.log.Info("webhook event already processed", "event_id", ev.ID)
		return OutcomeDuplicate, nil
	}

	en, couponCode, err := w.settle(ctx, ev.Session)
	if err != nil {
		if terminal(err) {
			w.log.Error("webhook event rejected", "event_id", ev.ID, "session_id", ev.Session.ID, "err", err)
			return OutcomeRejected, nil
		}
		return "", fmt.Errorf("%w: %w", domain.ErrProcessing, err)
	}

	created, err := w.enroller.enroll(ctx, en, couponCode, couponLenient)
	if err != nil {
		w.log.Error("webhook enrollment failed", "event_id", ev.ID, "session_id", en.PaymentSessionID, "err", err)
		return "", fmt.Errorf("%w: %w", domain.ErrProcessing, err)
	}

	if err := w.events.Mark(ctx, key); err != nil {
		w.log.Warn("webhook dedupe mark failed", "event_id", ev.ID, "err", err)
	}
	if !created {
		w.log.Info("enrollment already exists, acknowledging",
			"event_id", ev.ID, "student_id", en.StudentID, "course_id", en.CourseID)
		return OutcomeDuplicate, nil
	}
	if en.Status == domain.StatusPending {
		return OutcomeHeld, nil
	}
	return OutcomeEnrolled, nil
}

func terminal(err error) bool {
	return errors.Is(err, domain.ErrMissingMetadata)
}

// settle rebuilds the enrollment from the session. The signed amount_minor
// written at checkout is the price the student agreed to; when the provider
// charged exactly that, the enrollment is paid at that amount even if the
// course or coupon changed since. A charge that disagrees with the metadata
// is recorded as pending for reconciliation.
func (w *Webhooks) settle(ctx context.Context, sess *CompletedSession) (domain.Enrollment, string, error) {
	md := sess.Metadata
	studentID, courseID := md[MetaStudentID], md[MetaCourseID]
	if studentID == "" || courseID == "" {
		return domain.Enrollment{}, "", fmt.Errorf("%w: session %s", domain.ErrMissingMetadata, sess.ID)
	}
	agreed, err := strconv.ParseInt(md[MetaAmountMinor], 10, 64)
	if err != nil {
		return domain.Enrollment{}, "", fmt.Errorf("%w: amount_minor %q", domain.ErrMissingMetadata, md[MetaAmountMinor])
	}

	var coupon *domain.Coupon
	if id := md[MetaCouponID]; id != "" {
		c, err := w.coupons.Get(ctx, id)
		switch {
		case errors.Is(err, domain.ErrCouponNotFound):
			w.log.Warn("paid session references unknown coupon", "session_id", sess.ID, "coupon_id", id)
		case err != nil:
			return domain.Enrollment{}, "", fmt.Errorf("lookup coupon: %w", err)
		default:
			coupon = &c
		}
	}

	currency := strings.ToLower(sess.Currency)
	haveCourse := false
	course, err := w.courses.Get(ctx, courseID)
	switch {
	case errors.Is(err, domain.ErrCourseNotFound):
		w.log.Warn("paid session references unknown course", "session_id", sess.ID, "course_id", courseID)
	case err != nil:
		return domain.Enrollment{}, "", fmt.Errorf("lookup course: %w", err)
	default:
		haveCourse = true
		if currency == "" {
			currency = course.Currency
		}
		w.checkDrift(sess, course, coupon, agreed)
	}

	var couponID, couponCode string
	if coupon != nil {
		couponID, couponCode = coupon.ID, coupon.Code
	} else {
		couponID = md[MetaCouponID]
	}

	charged := domain.FromMinorUnits(sess.AmountTotal)
	en := domain.NewPaidEnrollment(w.newID(), studentID, courseID, charged, currency,
		couponID, sess.ID, w.clock.Now())

	if mismatch := chargeMismatch(sess, course, agreed, haveCourse); mismatch != nil {
		w.log.Error("paid session held for reconciliation",
			"session_id", sess.ID, "student_id", studentID, "course_id", courseID, "err", mismatch)
		en.Status = domain.StatusPending
	}
	return en, couponCode, nil
}

// chargeMismatch compares what the provider charged with what the session
// was created for.
func chargeMismatch(sess *CompletedSession, course domain.Course, agreed int64, haveCourse bool) error {
	if sess.AmountTotal != agreed {
		return fmt.Errorf("%w: agreed %d, charged %d", domain.ErrAmountMismatch, agreed, sess.AmountTotal)
	}
	if haveCourse && sess.Currency != "" && !strings.EqualFold(sess.Currency, course.Currency) {
		return fmt.Errorf("%w: currency %s, course priced in %s", domain.ErrAmountMismatch, sess.Currency, course.Currency)
	}
	return nil
}

// checkDrift logs when the current price no longer matches the agreed one.
func (w *Webhooks) checkDrift(sess *CompletedSession, course domain.Course, coupon *domain.Coupon, agreed int64) {
	quote, err := domain.NewQuote(course, coupon)
	if err != nil {
		w.log.Warn("cannot reprice paid session", "session_id", sess.ID, "err", err)
		return
	}
	if got := quote.MinorUnits(); got != agreed {
		w.log.Warn("price changed since checkout, keeping agreed amount",
			"session_id", sess.ID, "course_id", course.ID, "agreed", agreed, "current", got)
	}
}
