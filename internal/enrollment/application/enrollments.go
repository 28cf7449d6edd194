package application

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
	"github.com/coursehive/enrollment-service/pkg/cache"
)

// Enrollments answers read queries. Results are cached and dropped whenever
// an enrollment for the student or course is created.
type Enrollments struct {
	log   *slog.Logger
	repo  EnrollmentRepository
	cache Cache
}

func NewEnrollments(log *slog.Logger, repo EnrollmentRepository, c Cache) *Enrollments {
	return &Enrollments{log: log, repo: repo, cache: c}
}

func (q *Enrollments) ListForStudent(ctx context.Context, studentID string) ([]domain.Enrollment, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return nil, fmt.Errorf("%w: student_id is required", domain.ErrInvalidRequest)
	}
	list, err := cache.Fetch(ctx, q.cache, studentEnrollmentsKey(studentID), q.cache.LongTTL(), func(ctx context.Context) ([]domain.Enrollment, error) {
		return q.repo.ListByStudent(ctx, studentID)
	})
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	return list, nil
}

func (q *Enrollments) CountForCourse(ctx context.Context, courseID string) (int64, error) {
	courseID = strings.TrimSpace(courseID)
	if courseID == "" {
		return 0, fmt.Errorf("%w: course_id is required", domain.ErrInvalidRequest)
	}
	n, err := cache.Fetch(ctx, q.cache, courseEnrollmentCountKey(courseID), 0, func(ctx context.Context) (int64, error) {
		return q.repo.CountByCourse(ctx, courseID)
	})
	if err != nil {
		return 0, fmt.Errorf("count enrollments: %w", err)
	}
	return n, nil
}

// ForSession reports the enrollment a payment session produced. A session
// that belongs to another student is reported as not found.
func (q *Enrollments) ForSession(ctx context.Context, studentID, sessionID string) (domain.Enrollment, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.Enrollment{}, fmt.Errorf("%w: session_id is required", domain.ErrInvalidRequest)
	}
	en, err := q.repo.GetBySession(ctx, sessionID)
	if err != nil {
		return domain.Enrollment{}, err
	}
	if studentID != "" && en.StudentID != studentID {
		return domain.Enrollment{}, domain.ErrEnrollmentNotFound
	}
	return en, nil
}
