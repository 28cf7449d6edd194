package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coursehive/enrollment-service/internal/clock"
	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
	"github.com/coursehive/enrollment-service/pkg/cache"
)

// CouponTTL bounds how long a cached coupon may lag behind its usage count.
const CouponTTL = time.Minute

type Coupons struct {
	log   *slog.Logger
	repo  CouponRepository
	cache Cache
	clock clock.Clock
}

func NewCoupons(log *slog.Logger, repo CouponRepository, cache Cache, clk clock.Clock) *Coupons {
	return &Coupons{log: log, repo: repo, cache: cache, clock: clk}
}

func (c *Coupons) findActive(ctx context.Context, code string) (domain.Coupon, error) {
	return cache.Fetch(ctx, c.cache, couponKey(code), CouponTTL, func(ctx context.Context) (domain.Coupon, error) {
		return c.repo.FindActiveByCode(ctx, code)
	})
}

// Validate decides whether code can be used for courseID. Rejections are
// reported in the result, not as errors; it never changes the coupon.
func (c *Coupons) Validate(ctx context.Context, code, courseID string) (domain.CouponCheck, error) {
	coupon, err := c.findActive(ctx, domain.NormalizeCode(code))
	if errors.Is(err, domain.ErrCouponNotFound) {
		return domain.CouponCheck{Reason: domain.ReasonNotFound}, nil
	}
	if err != nil {
		return domain.CouponCheck{}, fmt.Errorf("lookup coupon: %w", err)
	}

	if reason := coupon.Check(c.clock.Now(), courseID); reason != "" {
		return domain.CouponCheck{Reason: reason}, nil
	}
	return domain.CouponCheck{Valid: true, Coupon: &coupon}, nil
}

// Redeem counts one use of the coupon. Call it inside the transaction
// that records the enrollment.
func (c *Coupons) Redeem(ctx context.Context, couponID string) error {
	if err := c.repo.IncrementUsage(ctx, couponID); err != nil {
		return fmt.Errorf("redeem coupon %s: %w", couponID, err)
	}
	return nil
}

// Get loads a coupon by id whatever its state.
func (c *Coupons) Get(ctx context.Context, couponID string) (domain.Coupon, error) {
	return c.repo.Get(ctx, couponID)
}

// AfterRedeem drops cached price views that used the coupon.
func (c *Coupons) AfterRedeem(ctx context.Context, code string) {
	if code == "" {
		return
	}
	c.cache.Delete(ctx, couponKey(code))
	c.cache.InvalidateAsync(ctx, couponPricingPattern(code))
}

// DeactivateStale switches off expired and exhausted coupons and returns
// how many were changed.
func (c *Coupons) DeactivateStale(ctx context.Context) (int, error) {
	stale, err := c.repo.DeactivateStale(ctx, c.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("deactivate coupons: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(stale))
	patterns := make([]string, 0, len(stale))
	for _, cp := range stale {
		keys = append(keys, couponKey(cp.Code))
		patterns = append(patterns, couponPricingPattern(cp.Code))
		c.log.Info("coupon deactivated", "coupon_id", cp.ID, "code", cp.Code,
			"expired", cp.Expired(c.clock.Now()), "exhausted", cp.Exhausted())
	}
	c.cache.Delete(ctx, keys...)
	c.cache.InvalidateMany(ctx, patterns...)
	return len(stale), nil
}

// RunSweeper calls DeactivateStale every interval until ctx is done.
func (c *Coupons) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("coupon sweeper stopping")
			return nil
		case <-t.C:
			if n, err := c.DeactivateStale(ctx); err != nil {
				c.log.Error("coupon sweep failed", "err", err)
			} else if n > 0 {
				c.log.Info("coupon sweep done", "deactivated", n)
			}
		}
	}
}
