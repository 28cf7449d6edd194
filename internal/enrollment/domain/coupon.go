package domain

import (
	"strings"
	"time"
)

// ScopeAll marks a coupon valid for every course.
const ScopeAll = "all"

type Coupon struct {
	ID            string
	Code          string
	DiscountValue int
	Scope         string
	ExpiresAt     *time.Time
	Active        bool
	UsageLimit    *int
	UsageCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (c Coupon) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

func (c Coupon) Exhausted() bool {
	return c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit
}

func (c Coupon) AppliesTo(courseID string) bool {
	return c.Scope == ScopeAll || c.Scope == courseID
}

// Check runs the expiry, usage and scope rules in that order and returns
// the first failing reason, or "" when the coupon can be used.
func (c Coupon) Check(now time.Time, courseID string) CouponReason {
	switch {
	case c.Expired(now):
		return ReasonExpired
	case c.Exhausted():
		return ReasonLimitExceeded
	case !c.AppliesTo(courseID):
		return ReasonWrongCourse
	default:
		return ""
	}
}

type CouponReason string

const (
	ReasonNotFound      CouponReason = "not_found"
	ReasonExpired       CouponReason = "expired"
	ReasonLimitExceeded CouponReason = "limit_exceeded"
	ReasonWrongCourse   CouponReason = "wrong_course"
)

func (r CouponReason) Message() string {
	switch r {
	case ReasonNotFound:
		return "coupon not found"
	case ReasonExpired:
		return "coupon has expired"
	case ReasonLimitExceeded:
		return "coupon usage limit exceeded"
	case ReasonWrongCourse:
		return "coupon is not valid for this course"
	default:
		return "coupon is invalid"
	}
}

// CouponCheck is the outcome of validating a code for a course.
type CouponCheck struct {
	Valid  bool
	Coupon *Coupon
	Reason CouponReason
}

// CouponError carries the rejection reason of a coupon to callers that
// work with errors.
type CouponError struct {
	Reason CouponReason
}

func (e *CouponError) Error() string {
	return e.Reason.Message()
}

func (e *CouponError) Is(target error) bool {
	return target == ErrCouponInvalid
}
