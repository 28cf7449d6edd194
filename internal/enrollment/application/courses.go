package application

import (
	"context"
	"time"

	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
	"github.com/coursehive/enrollment-service/pkg/cache"
)

// CachedCourses reads courses through the cache. Course edits happen in
// another service, which is expected to call Forget.
type CachedCourses struct {
	next  CourseCatalog
	cache Cache
	ttl   time.Duration
}

func NewCachedCourses(next CourseCatalog, c Cache, ttl time.Duration) *CachedCourses {
	return &CachedCourses{next: next, cache: c, ttl: ttl}
}

func (c *CachedCourses) Get(ctx context.Context, id string) (domain.Course, error) {
	return cache.Fetch(ctx, c.cache, courseKey(id), c.ttl, func(ctx context.Context) (domain.Course, error) {
		return c.next.Get(ctx, id)
	})
}

// Forget drops the course and every price derived from it.
func (c *CachedCourses) Forget(ctx context.Context, id string) int {
	n := c.cache.Delete(ctx, courseKey(id))
	return n + c.cache.InvalidateMany(ctx, coursePricingPattern(id))
}
