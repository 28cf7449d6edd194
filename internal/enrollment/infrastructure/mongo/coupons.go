package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

type CouponRepository struct {
	log *slog.Logger
	col *mongo.Collection
	now func() time.Time
}

func NewCouponRepository(log *slog.Logger, db *mongo.Database) *CouponRepository {
	return &CouponRepository{
		log: log,
		col: db.Collection(colCoupons),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Insert stores a new coupon; the code is stored upper-case.
func (r *CouponRepository) Insert(ctx context.Context, c domain.Coupon) error {
	if _, err := r.col.InsertOne(ctx, toCouponDoc(c)); err != nil {
		return fmt.Errorf("mongo: insert coupon: %w", err)
	}
	return nil
}

func (r *CouponRepository) FindActiveByCode(ctx context.Context, code string) (domain.Coupon, error) {
	return r.findOne(ctx, bson.D{{Key: "code", Value: code}, {Key: "active", Value: true}})
}

func (r *CouponRepository) Get(ctx context.Context, id string) (domain.Coupon, error) {
	return r.findOne(ctx, bson.D{{Key: "_id", Value: id}})
}

func (r *CouponRepository) findOne(ctx context.Context, filter bson.D) (domain.Coupon, error) {
	var d couponDoc
	err := r.col.FindOne(ctx, filter).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Coupon{}, domain.ErrCouponNotFound
	}
	if err != nil {
		return domain.Coupon{}, fmt.Errorf("mongo: find coupon: %w", err)
	}
	return d.toDomain(), nil
}

// underLimit matches coupons without a usage limit or with uses left.
var underLimit = bson.D{{Key: "$or", Value: bson.A{
	bson.D{{Key: "usage_limit", Value: nil}},
	bson.D{{Key: "$expr", Value: bson.D{{Key: "$lt", Value: bson.A{"$usage_count", "$usage_limit"}}}}},
}}}

// IncrementUsage adds one use only while the coupon is under its limit, so
// concurrent redemptions can never push usage_count past usage_limit.
func (r *CouponRepository) IncrementUsage(ctx context.Context, id string) error {
	filter := bson.D{{Key: "_id", Value: id}}
	filter = append(filter, underLimit...)

	res, err := r.col.UpdateOne(ctx, filter, bson.D{
		{Key: "$inc", Value: bson.D{{Key: "usage_count", Value: 1}}},
		{Key: "$set", Value: bson.D{{Key: "updated_at", Value: r.now()}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: increment coupon usage: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrCouponExhausted
}

// DeactivateStale switches off active coupons that expired before now or
// used up their limit, and returns them.
func (r *CouponRepository) DeactivateStale(ctx context.Context, now time.Time) ([]domain.Coupon, error) {
	filter := bson.D{
		{Key: "active", Value: true},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: now}}}},
			bson.D{
				{Key: "usage_limit", Value: bson.D{{Key: "$ne", Value: nil}}},
				{Key: "$expr", Value: bson.D{{Key: "$gte", Value: bson.A{"$usage_count", "$usage_limit"}}}},
			},
		}},
	}

	cur, err := r.col.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongo: find stale coupons: %w", err)
	}
	var docs []couponDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode stale coupons: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	ids := make(bson.A, 0, len(docs))
	out := make([]domain.Coupon, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
		c := d.toDomain()
		c.Active = false
		c.UpdatedAt = now
		out = append(out, c)
	}

	_, err = r.col.UpdateMany(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}, {Key: "active", Value: true}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "active", Value: false}, {Key: "updated_at", Value: now}}}})
	if err != nil {
		return nil, fmt.Errorf("mongo: deactivate coupons: %w", err)
	}
	return out, nil
}
