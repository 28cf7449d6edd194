package application

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coursehive/enrollment-service/internal/clock"
	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
)

const defaultHeldLimit = 100

// Reconciler settles enrollments the webhook held as pending because the
// provider's charge did not match the checkout.
type Reconciler struct {
	log    *slog.Logger
	repo   EnrollmentRepository
	tx     Transactor
	outbox OutboxWriter
	cache  Cache
	clock  clock.Clock
}

func NewReconciler(log *slog.Logger, repo EnrollmentRepository, tx Transactor, ob OutboxWriter, c Cache, clk clock.Clock) *Reconciler {
	return &Reconciler{log: log, repo: repo, tx: tx, outbox: ob, cache: c, clock: clk}
}

func (r *Reconciler) Held(ctx context.Context, limit int64) ([]domain.Enrollment, error) {
	if limit <= 0 {
		limit = defaultHeldLimit
	}
	list, err := r.repo.ListByStatus(ctx, domain.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list held enrollments: %w", err)
	}
	return list, nil
}

// Resolve moves a held enrollment to paid or failed and publishes
// EnrollmentReconciled in the same transaction.
func (r *Reconciler) Resolve(ctx context.Context, enrollmentID string, to domain.PaymentStatus) (domain.Enrollment, error) {
	enrollmentID = strings.TrimSpace(enrollmentID)
	if enrollmentID == "" {
		return domain.Enrollment{}, fmt.Errorf("%w: enrollment id is required", domain.ErrInvalidRequest)
	}
	if to != domain.StatusPaid && to != domain.StatusFailed {
		return domain.Enrollment{}, fmt.Errorf("%w: cannot resolve to %q", domain.ErrInvalidRequest, to)
	}

	var en domain.Enrollment
	err := r.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		en, err = r.repo.SetStatus(ctx, enrollmentID, domain.StatusPending, to)
		if err != nil {
			return err
		}
		ev, err := enrollmentEvent(ctx, domain.EventEnrollmentReconciled, "reconcile", en, r.clock.Now())
		if err != nil {
			return err
		}
		return r.outbox.Enqueue(ctx, ev)
	})
	if err != nil {
		return domain.Enrollment{}, fmt.Errorf("resolve enrollment %s: %w", enrollmentID, err)
	}

	r.log.Info("held enrollment resolved", "enrollment_id", en.ID, "status", en.Status,
		"student_id", en.StudentID, "course_id", en.CourseID)
	patterns := enrollmentPatterns(en.StudentID, en.CourseID)
	r.cache.InvalidateMany(ctx, patterns...)
	r.cache.InvalidateLater(ctx, reinvalidateDelay, patterns...)
	return en, nil
}
