package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL               = time.Hour
	DefaultLongTTL           = 24 * time.Hour
	DefaultInvalidateTimeout = 5 * time.Second
	DefaultOpTimeout         = 2 * time.Second
	DefaultScanCount         = 100
	DefaultDeleteBatch       = 500
)

type Options struct {
	// Namespace is prepended to every key, e.g. "prod" becomes "prod:".
	Namespace         string
	DefaultTTL        time.Duration
	LongTTL           time.Duration
	InvalidateTimeout time.Duration
	OpTimeout         time.Duration
	ScanCount         int64
	DeleteBatch       int
	// OnInvalidate, when set, observes every finished pattern sweep.
	OnInvalidate func(pattern string, deleted int, err error)
}

func (o Options) withDefaults() Options {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = DefaultTTL
	}
	if o.LongTTL <= 0 {
		o.LongTTL = DefaultLongTTL
	}
	if o.InvalidateTimeout <= 0 {
		o.InvalidateTimeout = DefaultInvalidateTimeout
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	if o.ScanCount <= 0 {
		o.ScanCount = DefaultScanCount
	}
	if o.DeleteBatch <= 0 {
		o.DeleteBatch = DefaultDeleteBatch
	}
	o.Namespace = normalizeNamespace(o.Namespace)
	return o
}

// Store is a namespaced cache-aside layer over redis. It never returns
// infrastructure errors from reads or invalidations: a broken cache behaves
// like an empty one.
type Store struct {
	rdb  *redis.Client
	log  *slog.Logger
	opts Options

	pending sync.WaitGroup
}

func NewStore(log *slog.Logger, rdb *redis.Client, opts Options) *Store {
	return &Store{rdb: rdb, log: log, opts: opts.withDefaults()}
}

func normalizeNamespace(ns string) string {
	ns = strings.TrimSpace(ns)
	if ns == "" || strings.HasSuffix(ns, ":") {
		return ns
	}
	return ns + ":"
}

// Key returns the namespaced form of key as stored in redis.
func (s *Store) Key(key string) string {
	return s.opts.Namespace + key
}

func (s *Store) LongTTL() time.Duration { return s.opts.LongTTL }

// Get decodes the cached value into dest and reports whether it was found.
func (s *Store) Get(ctx context.Context, key string, dest any) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	raw, err := s.rdb.Get(ctx, s.Key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("cache get failed", "key", key, "err", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		s.log.Warn("cache entry undecodable, dropping", "key", key, "err", err)
		s.Delete(ctx, key)
		return false
	}
	return true
}

// GetWithTTL is Get plus the remaining lifetime of the entry. Entries
// without expiry report a TTL of -1.
func (s *Store) GetWithTTL(ctx context.Context, key string, dest any) (time.Duration, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	nk := s.Key(key)
	pipe := s.rdb.Pipeline()
	get := pipe.Get(ctx, nk)
	ttl := pipe.PTTL(ctx, nk)
	if _, err := pipe.Exec(ctx); err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("cache get with ttl failed", "key", key, "err", err)
		}
		return 0, false
	}

	raw, err := get.Bytes()
	if err != nil {
		return 0, false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		s.log.Warn("cache entry undecodable, dropping", "key", key, "err", err)
		s.Delete(ctx, key)
		return 0, false
	}

	remaining := ttl.Val()
	if remaining < 0 {
		// redis reports -1 for keys without expiry
		return -1, true
	}
	return remaining, true
}

// Set stores value under key for ttl, or the default TTL when ttl <= 0.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	if err := s.rdb.Set(ctx, s.Key(key), raw, ttl).Err(); err != nil {
		s.log.Warn("cache set failed", "key", key, "err", err)
		return err
	}
	return nil
}

// SetLong stores per-user data that rarely changes.
func (s *Store) SetLong(ctx context.Context, key string, value any) error {
	return s.Set(ctx, key, value, s.opts.LongTTL)
}

// Delete removes exact keys and returns how many existed.
func (s *Store) Delete(ctx context.Context, keys ...string) int {
	if len(keys) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.OpTimeout)
	defer cancel()

	nks := make([]string, 0, len(keys))
	for _, k := range keys {
		nks = append(nks, s.Key(k))
	}
	n, err := s.rdb.Del(ctx, nks...).Result()
	if err != nil {
		s.log.Warn("cache delete failed", "keys", keys, "err", err)
		return 0
	}
	return int(n)
}

// Invalidate deletes every key starting with pattern and returns the number
// of deleted keys. The sweep is bounded by InvalidateTimeout regardless of
// the caller's context; on timeout or error the count so far is returned.
func (s *Store) Invalidate(ctx context.Context, pattern string) int {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.InvalidateTimeout)
	defer cancel()

	deleted, err := s.sweep(ctx, s.Key(pattern)+"*")
	if err != nil {
		s.log.Warn("cache invalidation incomplete", "pattern", pattern, "deleted", deleted, "err", err)
	} else {
		s.log.Debug("cache invalidated", "pattern", pattern, "deleted", deleted)
	}
	if s.opts.OnInvalidate != nil {
		s.opts.OnInvalidate(pattern, deleted, err)
	}
	return deleted
}

func (s *Store) sweep(ctx context.Context, match string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		keys, next, err := s.scan(ctx, cursor, match)
		if err != nil {
			return deleted, err
		}

		for start := 0; start < len(keys); start += s.opts.DeleteBatch {
			end := min(start+s.opts.DeleteBatch, len(keys))
			n, err := s.del(ctx, keys[start:end])
			deleted += n
			if err != nil {
				return deleted, err
			}
		}

		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (s *Store) scan(ctx context.Context, cursor uint64, match string) ([]string, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	return s.rdb.Scan(ctx, cursor, match, s.opts.ScanCount).Result()
}

func (s *Store) del(ctx context.Context, keys []string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	n, err := s.rdb.Del(ctx, keys...).Result()
	return int(n), err
}

// InvalidateMany sweeps all patterns concurrently and sums the deletions.
// A failing pattern only loses its own contribution.
func (s *Store) InvalidateMany(ctx context.Context, patterns ...string) int {
	var (
		wg    sync.WaitGroup
		total atomic.Int64
	)
	for _, p := range patterns {
		wg.Add(1)
		go func(pattern string) {
			defer wg.Done()
			total.Add(int64(s.Invalidate(ctx, pattern)))
		}(p)
	}
	wg.Wait()
	return int(total.Load())
}

// InvalidateAsync schedules the sweep without waiting for it.
func (s *Store) InvalidateAsync(ctx context.Context, patterns ...string) {
	if len(patterns) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.InvalidateMany(ctx, patterns...)
	}()
}

// InvalidateLater sweeps patterns once more after delay. A read that
// started before a write committed can repopulate a key after the first
// sweep; the second sweep removes that entry.
func (s *Store) InvalidateLater(ctx context.Context, delay time.Duration, patterns ...string) {
	if len(patterns) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		<-t.C
		s.InvalidateMany(ctx, patterns...)
	}()
}

// Wait blocks until scheduled async invalidations have finished.
func (s *Store) Wait() {
	s.pending.Wait()
}

// ReadThrough is the subset of Store used by Fetch.
type ReadThrough interface {
	Get(ctx context.Context, key string, dest any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Fetch is a read-through helper: it returns the cached value for key, or
// loads it, caches it for ttl and returns it. Load errors are returned and
// nothing is cached.
func Fetch[T any](ctx context.Context, s ReadThrough, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	var v T
	if s.Get(ctx, key, &v) {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	_ = s.Set(ctx, key, v, ttl)
	return v, nil
}
