package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func WithSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// Hook is a named cleanup step run during shutdown.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Run executes hooks in order within a shared timeout. Every hook runs even
// if an earlier one failed; the errors are joined.
func Run(log *slog.Logger, timeout time.Duration, hooks ...Hook) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, h := range hooks {
		if err := h.Fn(ctx); err != nil {
			log.Error("shutdown hook failed", "hook", h.Name, "err", err)
			errs = append(errs, err)
			continue
		}
		log.Info("shutdown hook done", "hook", h.Name)
	}
	return errors.Join(errs...)
}
