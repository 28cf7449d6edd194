package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Quote is the server-side price of a course for one checkout.
type Quote struct {
	CourseID        string
	Currency        string
	Price           decimal.Decimal
	DiscountPercent int
	Discount        decimal.Decimal
	Final           decimal.Decimal
	CouponID        string
	CouponCode      string
}

func (q Quote) Free() bool {
	return !q.Final.IsPositive()
}

// MinorUnits is the final price in the currency's smallest unit.
func (q Quote) MinorUnits() int64 {
	return ToMinorUnits(q.Final)
}

func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// ApplyDiscount returns the discount and final price for a percentage
// coupon. The discount is floor(price × percent / 100); the final price is
// clamped at zero and rounded half-up to cents once, at the end.
func ApplyDiscount(price decimal.Decimal, percent int) (discount, final decimal.Decimal, err error) {
	if price.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: negative price %s", ErrPricing, price)
	}
	if percent < 0 || percent > 100 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: discount %d%% out of range", ErrPricing, percent)
	}

	discount = price.Mul(decimal.NewFromInt(int64(percent))).Div(hundred).Floor()
	final = price.Sub(discount)
	if final.IsNegative() {
		final = decimal.Zero
	}
	return discount, final.Round(2), nil
}

// NewQuote prices a course with an optional coupon.
func NewQuote(course Course, coupon *Coupon) (Quote, error) {
	q := Quote{
		CourseID: course.ID,
		Currency: course.Currency,
		Price:    course.Price,
	}
	if coupon != nil {
		q.DiscountPercent = coupon.DiscountValue
		q.CouponID = coupon.ID
		q.CouponCode = coupon.Code
	}

	discount, final, err := ApplyDiscount(course.Price, q.DiscountPercent)
	if err != nil {
		return Quote{}, err
	}
	q.Discount = discount
	q.Final = final
	return q, nil
}
