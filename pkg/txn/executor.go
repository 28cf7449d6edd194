package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultMaxDuration = 120 * time.Second
	DefaultRetries     = 2
	DefaultRetryDelay  = time.Second
)

var ErrRetriesExhausted = errors.New("txn: retries exhausted")

// Session is a single database session able to run one transaction.
type Session interface {
	Begin() error
	// Bind returns a context that makes every database call made with it
	// part of the session's transaction.
	Bind(ctx context.Context) context.Context
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
	End(ctx context.Context)
}

type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}

type Options struct {
	MaxDuration time.Duration
	Retries     int
	RetryDelay  time.Duration
}

type Option func(*Options)

func WithMaxDuration(d time.Duration) Option { return func(o *Options) { o.MaxDuration = d } }
func WithRetries(n int) Option               { return func(o *Options) { o.Retries = n } }
func WithRetryDelay(d time.Duration) Option  { return func(o *Options) { o.RetryDelay = d } }

type Executor struct {
	log         *slog.Logger
	sessions    SessionFactory
	defaults    Options
	sleep       func(ctx context.Context, d time.Duration) error
	isTransient func(error) bool
	observe     func(attempt int, err error)
}

type ExecutorOption func(*Executor)

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = fn }
}

func WithClassifier(fn func(error) bool) ExecutorOption {
	return func(e *Executor) { e.isTransient = fn }
}

// WithObserver is called after every attempt; err is nil for a committed one.
func WithObserver(fn func(attempt int, err error)) ExecutorOption {
	return func(e *Executor) { e.observe = fn }
}

func WithDefaults(o Options) ExecutorOption {
	return func(e *Executor) { e.defaults = o }
}

func NewExecutor(log *slog.Logger, sessions SessionFactory, opts ...ExecutorOption) *Executor {
	e := &Executor{
		log:      log,
		sessions: sessions,
		defaults: Options{
			MaxDuration: DefaultMaxDuration,
			Retries:     DefaultRetries,
			RetryDelay:  DefaultRetryDelay,
		},
		sleep:       sleepCtx,
		isTransient: IsTransient,
		observe:     func(int, error) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type activeKey struct{}

// InTransaction reports whether ctx was produced by Run.
func InTransaction(ctx context.Context) bool {
	active, _ := ctx.Value(activeKey{}).(bool)
	return active
}

// Run executes fn inside a transaction, retrying transient failures with a
// linearly growing delay (RetryDelay × attempt). A call made with a context
// that is already inside a transaction joins it instead of starting another.
func Run[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	o := e.defaults
	for _, opt := range opts {
		opt(&o)
	}
	if o.Retries < 0 {
		o.Retries = 0
	}

	// Once started, a transaction runs to commit or abort even if the
	// caller goes away.
	ctx = context.WithoutCancel(ctx)

	var (
		zero     T
		lastErr  error
		attempts = o.Retries + 1
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := runAttempt(ctx, e, fn, o)
		e.observe(attempt, err)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !e.isTransient(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := o.RetryDelay * time.Duration(attempt)
		e.log.Warn("transaction conflict, retrying", "attempt", attempt, "delay", delay, "err", err)
		if err := e.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("txn: wait before retry: %w", err)
		}
	}

	e.log.Error("transaction failed after retries", "attempts", attempts, "err", lastErr)
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

func runAttempt[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error), o Options) (T, error) {
	var zero T

	sess, err := e.sessions.NewSession(ctx)
	if err != nil {
		return zero, fmt.Errorf("txn: start session: %w", err)
	}
	defer sess.End(ctx)

	if err := sess.Begin(); err != nil {
		return zero, fmt.Errorf("txn: begin: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.MaxDuration)
	defer cancel()

	txCtx := context.WithValue(sess.Bind(attemptCtx), activeKey{}, true)
	res, err := fn(txCtx)
	if err != nil {
		if abortErr := sess.Abort(ctx); abortErr != nil {
			e.log.Warn("transaction abort failed", "err", abortErr)
		}
		return zero, err
	}

	if err := sess.Commit(attemptCtx); err != nil {
		if abortErr := sess.Abort(ctx); abortErr != nil {
			e.log.Debug("abort after failed commit", "err", abortErr)
		}
		return zero, err
	}
	return res, nil
}

// WithTx runs fn through Run with the executor defaults.
func (e *Executor) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Run(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
