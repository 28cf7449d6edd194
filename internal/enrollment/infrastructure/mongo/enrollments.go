package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// EnrollmentRepository stores enrollments. Calls made with a transaction
// context join that transaction.
type EnrollmentRepository struct {
	log *slog.Logger
	col *mongo.Collection
}

func NewEnrollmentRepository(log *slog.Logger, db *mongo.Database) *EnrollmentRepository {
	return &EnrollmentRepository{log: log, col: db.Collection(colEnrollments)}
}

func (r *EnrollmentRepository) Exists(ctx context.Context, studentID, courseID string) (bool, error) {
	n, err := r.col.CountDocuments(ctx,
		bson.D{{Key: "student_id", Value: studentID}, {Key: "course_id", Value: courseID}},
		options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("mongo: enrollment exists: %w", err)
	}
	return n > 0, nil
}

func (r *EnrollmentRepository) Create(ctx context.Context, e domain.Enrollment) error {
	doc, err := toEnrollmentDoc(e)
	if err != nil {
		return err
	}
	if _, err := r.col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrAlreadyEnrolled
		}
		return fmt.Errorf("mongo: create enrollment: %w", err)
	}
	return nil
}

func (r *EnrollmentRepository) ListByStudent(ctx context.Context, studentID string) ([]domain.Enrollment, error) {
	cur, err := r.col.Find(ctx,
		bson.D{{Key: "student_id", Value: studentID}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: list enrollments: %w", err)
	}

	var docs []enrollmentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode enrollments: %w", err)
	}
	return toEnrollments(docs)
}

func (r *EnrollmentRepository) CountByCourse(ctx context.Context, courseID string) (int64, error) {
	n, err := r.col.CountDocuments(ctx, bson.D{{Key: "course_id", Value: courseID}})
	if err != nil {
		return 0, fmt.Errorf("mongo: count enrollments: %w", err)
	}
	return n, nil
}

// GetBySession finds the enrollment created for a payment session.
func (r *EnrollmentRepository) GetBySession(ctx context.Context, sessionID string) (domain.Enrollment, error) {
	var d enrollmentDoc
	err := r.col.FindOne(ctx, bson.D{{Key: "payment_session_id", Value: sessionID}}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Enrollment{}, domain.ErrEnrollmentNotFound
	}
	if err != nil {
		return domain.Enrollment{}, fmt.Errorf("mongo: enrollment by session: %w", err)
	}
	return d.toDomain()
}

func (r *EnrollmentRepository) ListByStatus(ctx context.Context, status domain.PaymentStatus, limit int64) ([]domain.Enrollment, error) {
	cur, err := r.col.Find(ctx,
		bson.D{{Key: "status", Value: string(status)}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("mongo: list enrollments by status: %w", err)
	}
	var docs []enrollmentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode enrollments: %w", err)
	}
	return toEnrollments(docs)
}

// SetStatus is a conditional update so two operators cannot resolve the
// same enrollment twice.
func (r *EnrollmentRepository) SetStatus(ctx context.Context, id string, from, to domain.PaymentStatus) (domain.Enrollment, error) {
	var d enrollmentDoc
	err := r.col.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "status", Value: string(from)}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: string(to)}}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Enrollment{}, domain.ErrEnrollmentNotFound
	}
	if err != nil {
		return domain.Enrollment{}, fmt.Errorf("mongo: set enrollment status: %w", err)
	}
	return d.toDomain()
}

func toEnrollments(docs []enrollmentDoc) ([]domain.Enrollment, error) {
	out := make([]domain.Enrollment, 0, len(docs))
	for _, d := range docs {
		e, err := d.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
