package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// CourseCatalog reads published courses from the catalog's collection. It
// never writes to it.
type CourseCatalog struct {
	col *mongo.Collection
}

func NewCourseCatalog(db *mongo.Database) *CourseCatalog {
	return &CourseCatalog{col: db.Collection(colCourses)}
}

func (c *CourseCatalog) Get(ctx context.Context, id string) (domain.Course, error) {
	var d courseDoc
	err := c.col.FindOne(ctx, bson.D{{Key: "_id", Value: id}, {Key: "published", Value: true}}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Course{}, domain.ErrCourseNotFound
	}
	if err != nil {
		return domain.Course{}, fmt.Errorf("mongo: find course: %w", err)
	}
	return d.toDomain()
}
