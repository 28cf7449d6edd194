package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
	"github.com/shopspring/decimal"
)

func TestCheckout_Start(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("paid course opens payment session for discounted amount", func(t *testing.T) {
		h := newHarness(t)

		res, err := h.checkout.Start(ctx, CheckoutRequest{StudentID: "s1", CourseID: "c1", CouponCode: " save20 "})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.Free {
			t.Fatalf("expected payment to be required")
		}
		if res.SessionID == "" || res.SessionURL == "" {
			t.Fatalf("expected session id and url, got %+v", res)
		}
		if !res.Quote.Final.Equal(decimal.NewFromInt(800)) {
			t.Fatalf("expected final 800, got %s", res.Quote.Final)
		}

		if h.gateway.sessions() != 1 {
			t.Fatalf("expected 1 payment session, got %d", h.gateway.sessions())
		}
		in := h.gateway.inputs[0]
		if in.AmountMinor != 80000 {
			t.Fatalf("expected 80000 minor units, got %d", in.AmountMinor)
		}
		if in.StudentID != "s1" || in.CourseID != "c1" || in.CouponID != "cp-20" {
			t.Fatalf("unexpected session input %+v", in)
		}

		if h.db.enrollmentCount() != 0 {
			t.Fatalf("expected no enrollment before payment")
		}
		if h.db.coupon("cp-20").UsageCount != 0 {
			t.Fatalf("expected coupon usage untouched before payment")
		}
	})

	t.Run("full discount enrolls for free without payment session", func(t *testing.T) {
		h := newHarness(t)

		res, err := h.checkout.Start(ctx, CheckoutRequest{StudentID: "s1", CourseID: "c1", CouponCode: "FREE100"})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !res.Free || res.EnrollmentID == "" {
			t.Fatalf("expected free enrollment, got %+v", res)
		}
		if h.gateway.sessions() != 0 {
			t.Fatalf("expected no payment session")
		}

		en, ok := h.db.enrollment("s1", "c1")
		if !ok {
			t.Fatalf("expected enrollment persisted")
		}
		if en.Status != domain.StatusFree || !en.AmountPaid.IsZero() || en.CouponID != "cp-100" {
			t.Fatalf("unexpected enrollment %+v", en)
		}
		if h.db.coupon("cp-100").UsageCount != 1 {
			t.Fatalf("expected coupon usage 1, got %d", h.db.coupon("cp-100").UsageCount)
		}
		if h.db.outboxLen() != 1 {
			t.Fatalf("expected 1 outbox event, got %d", h.db.outboxLen())
		}
		if !h.cache.wasInvalidated(studentEnrollmentsKey("s1")) || !h.cache.wasInvalidated(courseRosterPattern("c1")) {
			t.Fatalf("expected student and course keys invalidated, got %v", h.cache.invalidated)
		}
	})

	t.Run("coupon at its limit is rejected", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.checkout.Start(ctx, CheckoutRequest{StudentID: "s1", CourseID: "c1", CouponCode: "FULL"})
		var cerr *domain.CouponError
		if !errors.As(err, &cerr) || cerr.Reason != domain.ReasonLimitExceeded {
			t.Fatalf("expected limit_exceeded, got %v", err)
		}
		if !errors.Is(err, domain.ErrCouponInvalid) {
			t.Fatalf("expected ErrCouponInvalid, got %v", err)
		}
	})

	t.Run("coupon one below its limit is accepted once", func(t *testing.T) {
		h := newHarness(t)

		if _, err := h.checkout.Start(ctx, CheckoutRequest{StudentID: "s1", CourseID: "c1", CouponCode: "LASTONE"}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got := h.db.coupon("cp-limit").UsageCount; got != 5 {
			t.Fatalf("expected usage 5, got %d", got)
		}

		_, err := h.checkout.Start(ctx, CheckoutRequest{StudentID: "s2", CourseID: "c1", CouponCode: "LASTONE"})
		var cerr *domain.CouponError
		if !errors.As(err, &cerr) || cerr.Reason != domain.ReasonLimitExceeded {
			t.Fatalf("expected limit_exceeded for second student, got %v", err)
		}
	})

	t.Run("rejection reasons", func(t *testing.T) {
		cases := []struct {
			name   string
			course string
			code   string
			want   domain.CouponReason
		}{
			{"unknown code", "c1", "NOPE", domain.ReasonNotFound},
			{"expired", "c1", "OLD", domain.ReasonExpired},
			{"other course", "c1", "ONLYC2", domain.ReasonWrongCourse},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				h := newHarness(t)
				_, err := h.checkout.Start(ctx, CheckoutRequest{StudentID: "s1", CourseID: tc.course, CouponCode: tc.code})
				var cerr *domain.CouponError
				if !errors.As(err, &cerr) || cerr.Reason != tc.want {
					t.Fatalf("expected %s, got %v", tc.want, err)
				}
				if h.gateway.sessions() != 0 || h.tx.calls != 0 {
					t.Fatalf("expected no side effects")
				}
			})
		}
	})

	t.Run("already enrolled", func(t *testing.T) {
		h := newHarness(t)
		h.db.enrollments[pairKey("s1", "c1")] = domain.NewFreeEnrollment("e0", "s1", "c1", "usd", "", testNow)

		_, err := h.checkout.Start(ctx, CheckoutRequest{StudentID: "s1", CourseID: "c1"})
		if !errors.Is(err, domain.ErrAlreadyEnrolled) {
			t.Fatalf("expected ErrAlreadyEnrolled, got %v", err)
		}
		if h.gateway.sessions() != 0 {
			t.Fatalf("expected no payment session")
		}
	})

	t.Run("invalid request", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.checkout.Start(ctx, CheckoutRequest{StudentID: " ", CourseID: "c1"})
		if !errors.Is(err, domain.ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest, got %v", err)
		}
	})

	t.Run("unknown course", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.checkout.Start(ctx, CheckoutRequest{StudentID: "s1", CourseID: "missing"})
		if !errors.Is(err, domain.ErrCourseNotFound) {
			t.Fatalf("expected ErrCourseNotFound, got %v", err)
		}
	})

	t.Run("payment provider failure", func(t *testing.T) {
		h := newHarness(t)
		h.gateway.err = errors.New("stripe down")

		_, err := h.checkout.Start(ctx, CheckoutRequest{StudentID: "s1", CourseID: "c1"})
		if !errors.Is(err, domain.ErrPaymentProvider) {
			t.Fatalf("expected ErrPaymentProvider, got %v", err)
		}
		if h.cache.has(pendingCheckoutKey("s1", "c1")) {
			t.Fatalf("expected no pending checkout remembered")
		}
	})

	t.Run("failed outbox write rolls back enrollment and redemption", func(t *testing.T) {
		h := newHarness(t)
		h.db.enqueueErr = errors.New("write conflict")

		_, err := h.checkout.Start(ctx, CheckoutRequest{StudentID: "s1", CourseID: "c1", CouponCode: "FREE100"})
		if err == nil {
			t.Fatalf("expected error")
		}
		if h.db.enrollmentCount() != 0 {
			t.Fatalf("expected no enrollment after rollback")
		}
		if got := h.db.coupon("cp-100").UsageCount; got != 0 {
			t.Fatalf("expected coupon usage 0 after rollback, got %d", got)
		}
	})

	t.Run("coupon exhausted inside transaction is reported as limit", func(t *testing.T) {
		h := newHarness(t)
		h.coupons.incrFailed = domain.ErrCouponExhausted

		_, err := h.checkout.Start(ctx, CheckoutRequest{StudentID: "s1", CourseID: "c1", CouponCode: "FREE100"})
		var cerr *domain.CouponError
		if !errors.As(err, &cerr) || cerr.Reason != domain.ReasonLimitExceeded {
			t.Fatalf("expected limit_exceeded, got %v", err)
		}
		if h.db.enrollmentCount() != 0 {
			t.Fatalf("expected no enrollment")
		}
	})
}

func TestCheckout_PendingSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	req := CheckoutRequest{StudentID: "s1", CourseID: "c1", CouponCode: "SAVE20"}

	t.Run("repeated checkout reuses live session", func(t *testing.T) {
		h := newHarness(t)

		first, err := h.checkout.Start(ctx, req)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		second, err := h.checkout.Start(ctx, req)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !second.Reused || second.SessionID != first.SessionID {
			t.Fatalf("expected session %s reused, got %+v", first.SessionID, second)
		}
		if h.gateway.sessions() != 1 {
			t.Fatalf("expected 1 payment session, got %d", h.gateway.sessions())
		}
	})

	t.Run("session close to expiry is replaced", func(t *testing.T) {
		h := newHarness(t)

		first, err := h.checkout.Start(ctx, req)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		h.cache.setTTL(pendingCheckoutKey("s1", "c1"), 30*time.Second)

		second, err := h.checkout.Start(ctx, req)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if second.Reused || second.SessionID == first.SessionID {
			t.Fatalf("expected a new session, got %+v", second)
		}
	})

	t.Run("different coupon opens a new session", func(t *testing.T) {
		h := newHarness(t)

		if _, err := h.checkout.Start(ctx, req); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		res, err := h.checkout.Start(ctx, CheckoutRequest{StudentID: "s1", CourseID: "c1"})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.Reused {
			t.Fatalf("expected new session for a different price")
		}
		if h.gateway.sessions() != 2 {
			t.Fatalf("expected 2 payment sessions, got %d", h.gateway.sessions())
		}
	})
}

func TestCheckout_Quote(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	q, err := h.checkout.Quote(ctx, "c2", "onlyc2")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !q.Final.Equal(decimal.RequireFromString("17.99")) {
		t.Fatalf("expected 17.99, got %s", q.Final)
	}

	again, err := h.checkout.Quote(ctx, "c2", "ONLYC2")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !again.Final.Equal(q.Final) {
		t.Fatalf("expected cached quote %s, got %s", q.Final, again.Final)
	}
	if h.courses.calls != 1 {
		t.Fatalf("expected one course lookup, got %d", h.courses.calls)
	}
	if !h.cache.has(pricingKey("c2", "ONLYC2")) {
		t.Fatalf("expected quote cached")
	}

	if _, err := h.checkout.Quote(ctx, "c1", "NOPE"); !errors.Is(err, domain.ErrCouponInvalid) {
		t.Fatalf("expected ErrCouponInvalid, got %v", err)
	}
	if h.cache.has(pricingKey("c1", "NOPE")) {
		t.Fatalf("expected rejected quote not cached")
	}
}
