package application

import (
	"context"
	"time"

	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
	"github.com/coursehive/enrollment-service/pkg/outbox"
)

type EnrollmentRepository interface {
	Exists(ctx context.Context, studentID, courseID string) (bool, error)
	// Create returns domain.ErrAlreadyEnrolled when the (student, course)
	// pair is taken.
	Create(ctx context.Context, e domain.Enrollment) error
	ListByStudent(ctx context.Context, studentID string) ([]domain.Enrollment, error)
	CountByCourse(ctx context.Context, courseID string) (int64, error)
	// GetBySession returns domain.ErrEnrollmentNotFound until the payment
	// for the session has been confirmed.
	GetBySession(ctx context.Context, sessionID string) (domain.Enrollment, error)
	ListByStatus(ctx context.Context, status domain.PaymentStatus, limit int64) ([]domain.Enrollment, error)
	// SetStatus moves an enrollment from one status to another and returns
	// it; domain.ErrEnrollmentNotFound when no enrollment with id has status
	// from.
	SetStatus(ctx context.Context, id string, from, to domain.PaymentStatus) (domain.Enrollment, error)
}

type CouponRepository interface {
	// FindActiveByCode expects a normalized code and returns
	// domain.ErrCouponNotFound when no active coupon has it.
	FindActiveByCode(ctx context.Context, code string) (domain.Coupon, error)
	Get(ctx context.Context, id string) (domain.Coupon, error)
	// IncrementUsage returns domain.ErrCouponExhausted when the usage limit
	// is already reached.
	IncrementUsage(ctx context.Context, id string) error
	DeactivateStale(ctx context.Context, now time.Time) ([]domain.Coupon, error)
}

type CourseCatalog interface {
	Get(ctx context.Context, id string) (domain.Course, error)
}

type CheckoutSessionInput struct {
	StudentID   string
	CourseID    string
	CourseTitle string
	CouponID    string
	Currency    string
	AmountMinor int64
}

type PaymentSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

type CompletedSession struct {
	ID            string
	PaymentStatus string
	AmountTotal   int64
	Currency      string
	Metadata      map[string]string
}

type PaymentEvent struct {
	ID      string
	Type    string
	Session *CompletedSession
}

type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (PaymentSession, error)
	// ParseEvent verifies the signature before decoding anything.
	ParseEvent(payload []byte, signature string) (PaymentEvent, error)
}

type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, e outbox.Event) error
}

type Cache interface {
	Get(ctx context.Context, key string, dest any) bool
	GetWithTTL(ctx context.Context, key string, dest any) (time.Duration, bool)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) int
	InvalidateMany(ctx context.Context, patterns ...string) int
	InvalidateAsync(ctx context.Context, patterns ...string)
	InvalidateLater(ctx context.Context, delay time.Duration, patterns ...string)
	LongTTL() time.Duration
}

// EventLog remembers provider events that were fully handled.
type EventLog interface {
	Done(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
	Key(parts ...string) string
}

type Notifier interface {
	EnrollmentConfirmed(ctx context.Context, ev domain.EnrollmentCreated) error
}
