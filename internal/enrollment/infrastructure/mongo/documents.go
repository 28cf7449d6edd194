package mongo

import (
	"fmt"
	"time"

	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
	"github.com/coursehive/enrollment-service/pkg/outbox"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type enrollmentDoc struct {
	ID               string          `bson:"_id"`
	StudentID        string          `bson:"student_id"`
	CourseID         string          `bson:"course_id"`
	AmountPaid       bson.Decimal128 `bson:"amount_paid"`
	Currency         string          `bson:"currency"`
	Status           string          `bson:"status"`
	CouponID         string          `bson:"coupon_id,omitempty"`
	PaymentSessionID string          `bson:"payment_session_id,omitempty"`
	CreatedAt        time.Time       `bson:"created_at"`
}

type couponDoc struct {
	ID            string     `bson:"_id"`
	Code          string     `bson:"code"`
	DiscountValue int        `bson:"discount_value"`
	Scope         string     `bson:"scope"`
	ExpiresAt     *time.Time `bson:"expires_at"`
	Active        bool       `bson:"active"`
	UsageLimit    *int       `bson:"usage_limit"`
	UsageCount    int        `bson:"usage_count"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

type courseDoc struct {
	ID        string          `bson:"_id"`
	Title     string          `bson:"title"`
	Price     bson.Decimal128 `bson:"price"`
	Currency  string          `bson:"currency"`
	Published bool            `bson:"published"`
}

type outboxDoc struct {
	ID            string            `bson:"_id"`
	AggregateType string            `bson:"aggregate_type"`
	AggregateID   string            `bson:"aggregate_id"`
	Type          string            `bson:"type"`
	Payload       []byte            `bson:"payload"`
	Headers       map[string]string `bson:"headers,omitempty"`
	Traceparent   string            `bson:"traceparent,omitempty"`
	CreatedAt     time.Time         `bson:"created_at"`
	Status        string            `bson:"status"`
	RelayID       string            `bson:"relay_id,omitempty"`
	LeaseUntil    time.Time         `bson:"lease_until"`
	RetryCount    int               `bson:"retry_count"`
	LastError     *string           `bson:"last_error,omitempty"`
	SentAt        *time.Time        `bson:"sent_at,omitempty"`
}

func toDecimal128(d decimal.Decimal) (bson.Decimal128, error) {
	v, err := bson.ParseDecimal128(d.String())
	if err != nil {
		return bson.Decimal128{}, fmt.Errorf("encode amount %s: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v bson.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode amount %s: %w", v, err)
	}
	return d, nil
}

func toEnrollmentDoc(e domain.Enrollment) (enrollmentDoc, error) {
	amount, err := toDecimal128(e.AmountPaid)
	if err != nil {
		return enrollmentDoc{}, err
	}
	return enrollmentDoc{
		ID:               e.ID,
		StudentID:        e.StudentID,
		CourseID:         e.CourseID,
		AmountPaid:       amount,
		Currency:         e.Currency,
		Status:           string(e.Status),
		CouponID:         e.CouponID,
		PaymentSessionID: e.PaymentSessionID,
		CreatedAt:        e.CreatedAt,
	}, nil
}

func (d enrollmentDoc) toDomain() (domain.Enrollment, error) {
	amount, err := fromDecimal128(d.AmountPaid)
	if err != nil {
		return domain.Enrollment{}, err
	}
	return domain.Enrollment{
		ID:               d.ID,
		StudentID:        d.StudentID,
		CourseID:         d.CourseID,
		AmountPaid:       amount,
		Currency:         d.Currency,
		Status:           domain.PaymentStatus(d.Status),
		CouponID:         d.CouponID,
		PaymentSessionID: d.PaymentSessionID,
		CreatedAt:        d.CreatedAt.UTC(),
	}, nil
}

func toCouponDoc(c domain.Coupon) couponDoc {
	return couponDoc{
		ID:            c.ID,
		Code:          domain.NormalizeCode(c.Code),
		DiscountValue: c.DiscountValue,
		Scope:         c.Scope,
		ExpiresAt:     c.ExpiresAt,
		Active:        c.Active,
		UsageLimit:    c.UsageLimit,
		UsageCount:    c.UsageCount,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func (d couponDoc) toDomain() domain.Coupon {
	c := domain.Coupon{
		ID:            d.ID,
		Code:          d.Code,
		DiscountValue: d.DiscountValue,
		Scope:         d.Scope,
		Active:        d.Active,
		UsageLimit:    d.UsageLimit,
		UsageCount:    d.UsageCount,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
	if d.ExpiresAt != nil {
		t := d.ExpiresAt.UTC()
		c.ExpiresAt = &t
	}
	return c
}

func (d courseDoc) toDomain() (domain.Course, error) {
	price, err := fromDecimal128(d.Price)
	if err != nil {
		return domain.Course{}, err
	}
	return domain.Course{
		ID:        d.ID,
		Title:     d.Title,
		Price:     price,
		Currency:  d.Currency,
		Published: d.Published,
	}, nil
}

func toOutboxDoc(e outbox.Event) outboxDoc {
	status := e.Status
	if status == "" {
		status = outbox.StatusPending
	}
	return outboxDoc{
		ID:            e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Type:          e.Type,
		Payload:       e.Payload,
		Headers:       e.Headers,
		Traceparent:   e.Traceparent,
		CreatedAt:     e.CreatedAt,
		Status:        string(status),
		LeaseUntil:    e.CreatedAt,
	}
}

func (d outboxDoc) event() outbox.Event {
	return outbox.Event{
		ID:            d.ID,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		Type:          d.Type,
		Payload:       d.Payload,
		Headers:       d.Headers,
		Traceparent:   d.Traceparent,
		CreatedAt:     d.CreatedAt.UTC(),
		Status:        outbox.Status(d.Status),
		RelayID:       d.RelayID,
		LeaseUntil:    d.LeaseUntil.UTC(),
		RetryCount:    d.RetryCount,
		LastError:     d.LastError,
	}
}
