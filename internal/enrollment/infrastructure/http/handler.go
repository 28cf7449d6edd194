package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coursehive/enrollment-service/internal/enrollment/application"
	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
	"github.com/coursehive/enrollment-service/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	studentHeader   = "X-Student-ID"
	signatureHeader = "Stripe-Signature"
	// maxWebhookBody is the payload size Stripe documents as the upper bound.
	maxWebhookBody = 64 << 10
	maxRequestBody = 1 << 20
)

type CheckoutService interface {
	Start(ctx context.Context, req application.CheckoutRequest) (application.CheckoutResult, error)
	Quote(ctx context.Context, courseID, couponCode string) (domain.Quote, error)
}

type WebhookService interface {
	Handle(ctx context.Context, payload []byte, signature string) (application.WebhookOutcome, error)
}

type EnrollmentQueries interface {
	ListForStudent(ctx context.Context, studentID string) ([]domain.Enrollment, error)
	CountForCourse(ctx context.Context, courseID string) (int64, error)
	ForSession(ctx context.Context, studentID, sessionID string) (domain.Enrollment, error)
}

// Check is a named readiness check, e.g. a database ping.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Handler struct {
	log         *slog.Logger
	checkout    CheckoutService
	webhooks    WebhookService
	enrollments EnrollmentQueries
	metrics     *metrics.Metrics
	checks      []Check
	tracer      trace.Tracer
}

func NewHandler(log *slog.Logger, checkout CheckoutService, webhooks WebhookService, enrollments EnrollmentQueries, m *metrics.Metrics, checks ...Check) *Handler {
	return &Handler{
		log:         log,
		checkout:    checkout,
		webhooks:    webhooks,
		enrollments: enrollments,
		metrics:     m,
		checks:      checks,
		tracer:      otel.Tracer("enrollment-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observe(h.log, h.metrics))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", h.health)
	r.Get("/readyz", h.ready)
	r.Handle("/metrics", h.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/checkout", h.startCheckout)
		r.Get("/checkout/{sessionID}", h.checkoutStatus)
		r.Get("/quotes", h.quote)
		r.Get("/enrollments", h.listEnrollments)
		r.Get("/courses/{courseID}/enrollments/count", h.countEnrollments)
		r.Post("/webhooks/stripe", h.stripeWebhook)
	})
	return r
}

type checkoutReq struct {
	StudentID  string `json:"student_id"`
	CourseID   string `json:"course_id"`
	CouponCode string `json:"coupon_code"`
}

type checkoutResp struct {
	Status       string `json:"status"`
	EnrollmentID string `json:"enrollment_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	SessionURL   string `json:"session_url,omitempty"`
	Reused       bool   `json:"reused,omitempty"`
	Price        price  `json:"price"`
}

type price struct {
	Currency        string `json:"currency"`
	Base            string `json:"base"`
	DiscountPercent int    `json:"discount_percent"`
	Discount        string `json:"discount"`
	Final           string `json:"final"`
	FinalMinor      int64  `json:"final_minor"`
	CouponCode      string `json:"coupon_code,omitempty"`
}

func toPrice(q domain.Quote) price {
	return price{
		Currency:        q.Currency,
		Base:            q.Price.StringFixed(2),
		DiscountPercent: q.DiscountPercent,
		Discount:        q.Discount.StringFixed(2),
		Final:           q.Final.StringFixed(2),
		FinalMinor:      q.MinorUnits(),
		CouponCode:      q.CouponCode,
	}
}

// studentID prefers the identity set by the auth gateway over the body.
func studentID(r *http.Request, fallback string) string {
	if id := strings.TrimSpace(r.Header.Get(studentHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(fallback)
}

func (h *Handler) startCheckout(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "StartCheckout")
	defer span.End()

	var req checkoutReq
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.metrics.Checkouts.WithLabelValues(codeInvalidRequest).Inc()
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid body")
		return
	}

	res, err := h.checkout.Start(ctx, application.CheckoutRequest{
		StudentID:  studentID(r, req.StudentID),
		CourseID:   req.CourseID,
		CouponCode: req.CouponCode,
	})
	if err != nil {
		code := writeDomainError(w, err)
		h.metrics.Checkouts.WithLabelValues(code).Inc()
		if code == codeInternalError || code == codePaymentProvider {
			h.log.Error("checkout failed", "course_id", req.CourseID, "err", err)
		}
		return
	}

	resp := checkoutResp{Price: toPrice(res.Quote)}
	switch {
	case res.Free:
		resp.Status = "free"
		resp.EnrollmentID = res.EnrollmentID
	default:
		resp.Status = "payment_required"
		resp.SessionID = res.SessionID
		resp.SessionURL = res.SessionURL
		resp.Reused = res.Reused
	}
	outcome := resp.Status
	if res.Reused {
		outcome = "reused"
	}
	h.metrics.Checkouts.WithLabelValues(outcome).Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) quote(w http.ResponseWriter, r *http.Request) {
	q, err := h.checkout.Quote(r.Context(), r.URL.Query().Get("course_id"), r.URL.Query().Get("coupon_code"))
	if err != nil {
		if writeDomainError(w, err) == codeInternalError {
			h.log.Error("quote failed", "err", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, toPrice(q))
}

type enrollmentResp struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	CourseID  string    `json:"course_id"`
	Status    string    `json:"status"`
	Amount    string    `json:"amount_paid"`
	Currency  string    `json:"currency"`
	CouponID  string    `json:"coupon_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toEnrollmentResp(e domain.Enrollment) enrollmentResp {
	return enrollmentResp{
		ID:        e.ID,
		StudentID: e.StudentID,
		CourseID:  e.CourseID,
		Status:    string(e.Status),
		Amount:    e.AmountPaid.StringFixed(2),
		Currency:  e.Currency,
		CouponID:  e.CouponID,
		CreatedAt: e.CreatedAt,
	}
}

func (h *Handler) checkoutStatus(w http.ResponseWriter, r *http.Request) {
	sid := studentID(r, "")
	if sid == "" {
		writeError(w, http.StatusBadRequest, codeMissingStudent, "X-Student-ID header is required")
		return
	}
	// 404 until the payment webhook has written the enrollment
	en, err := h.enrollments.ForSession(r.Context(), sid, chi.URLParam(r, "sessionID"))
	if err != nil {
		if writeDomainError(w, err) == codeInternalError {
			h.log.Error("checkout status failed", "err", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": sessionState(en.Status), "enrollment": toEnrollmentResp(en)})
}

func sessionState(s domain.PaymentStatus) string {
	switch s {
	case domain.StatusPending:
		return "held"
	case domain.StatusFailed:
		return "failed"
	default:
		return "enrolled"
	}
}

func (h *Handler) listEnrollments(w http.ResponseWriter, r *http.Request) {
	sid := studentID(r, "")
	if sid == "" {
		writeError(w, http.StatusBadRequest, codeMissingStudent, "X-Student-ID header is required")
		return
	}
	list, err := h.enrollments.ListForStudent(r.Context(), sid)
	if err != nil {
		if writeDomainError(w, err) == codeInternalError {
			h.log.Error("list enrollments failed", "err", err)
		}
		return
	}
	out := make([]enrollmentResp, 0, len(list))
	for _, e := range list {
		out = append(out, toEnrollmentResp(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"enrollments": out})
}

func (h *Handler) countEnrollments(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseID")
	n, err := h.enrollments.CountForCourse(r.Context(), courseID)
	if err != nil {
		if writeDomainError(w, err) == codeInternalError {
			h.log.Error("count enrollments failed", "err", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"course_id": courseID, "count": n})
}

// stripeWebhook answers 200 for anything that must not be redelivered, 400
// for unverifiable payloads and 500 when processing should be retried.
func (h *Handler) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.metrics.Webhooks.WithLabelValues(codeInvalidRequest).Inc()
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "unreadable body")
		return
	}

	outcome, err := h.webhooks.Handle(r.Context(), payload, r.Header.Get(signatureHeader))
	switch {
	case errors.Is(err, domain.ErrInvalidSignature):
		h.metrics.Webhooks.WithLabelValues(codeInvalidSignature).Inc()
		writeError(w, http.StatusBadRequest, codeInvalidSignature, "signature verification failed")
	case errors.Is(err, domain.ErrMalformedEvent):
		h.metrics.Webhooks.WithLabelValues(codeMalformedEvent).Inc()
		h.log.Error("webhook event undecodable", "err", err)
		writeError(w, http.StatusBadRequest, codeMalformedEvent, "event payload could not be decoded")
	case err != nil:
		h.metrics.Webhooks.WithLabelValues(codeProcessingFailed).Inc()
		h.log.Error("webhook processing failed", "err", err)
		writeError(w, http.StatusInternalServerError, codeProcessingFailed, "processing failed")
	default:
		h.metrics.Webhooks.WithLabelValues(string(outcome)).Inc()
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": outcome})
	}
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for _, c := range h.checks {
		if err := c.Fn(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		h.log.Warn("readiness check failed", "failed", failed)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": codeUnavailable, "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
