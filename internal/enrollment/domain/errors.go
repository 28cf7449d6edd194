package domain

import "errors"

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrAlreadyEnrolled    = errors.New("student already enrolled in course")
	ErrCourseNotFound     = errors.New("course not found")
	ErrCouponInvalid      = errors.New("coupon invalid")
	ErrCouponNotFound     = errors.New("coupon not found")
	ErrCouponExhausted    = errors.New("coupon usage limit reached")
	ErrPricing            = errors.New("pricing failure")
	ErrPaymentProvider    = errors.New("payment provider failure")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrMalformedEvent     = errors.New("payment event undecodable")
	ErrMissingMetadata    = errors.New("payment session metadata incomplete")
	ErrAmountMismatch     = errors.New("paid amount does not match price")
	ErrProcessing         = errors.New("payment event processing failed")
	ErrEnrollmentNotFound = errors.New("enrollment not found")
)
