package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coursehive/enrollment-service/pkg/outbox"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultMaxOutboxRetries is how often an event may fail to publish before
// it is parked as failed.
const DefaultMaxOutboxRetries = 10

// OutboxStore keeps events written next to enrollments until the relay has
// published them.
type OutboxStore struct {
	log        *slog.Logger
	col        *mongo.Collection
	maxRetries int
	now        func() time.Time
}

func NewOutboxStore(log *slog.Logger, db *mongo.Database) *OutboxStore {
	return &OutboxStore{
		log:        log,
		col:        db.Collection(colOutbox),
		maxRetries: DefaultMaxOutboxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue inserts the event. Use the transaction context of the write it
// belongs to.
func (s *OutboxStore) Enqueue(ctx context.Context, e outbox.Event) error {
	if _, err := s.col.InsertOne(ctx, toOutboxDoc(e)); err != nil {
		return fmt.Errorf("mongo: enqueue outbox event: %w", err)
	}
	return nil
}

// LockBatch leases up to batchSize publishable events to relayID, oldest
// first. Pending events and in-progress events whose lease ran out are both
// publishable. Each claim is a single atomic update, so relays never share
// an event while its lease holds.
func (s *OutboxStore) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]outbox.Event, error) {
	events := make([]outbox.Event, 0, batchSize)
	for len(events) < batchSize {
		now := s.now()
		filter := bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "status", Value: string(outbox.StatusPending)}},
			bson.D{
				{Key: "status", Value: string(outbox.StatusInProgress)},
				{Key: "lease_until", Value: bson.D{{Key: "$lt", Value: now}}},
			},
		}}}
		update := bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(outbox.StatusInProgress)},
			{Key: "relay_id", Value: relayID},
			{Key: "lease_until", Value: now.Add(lease)},
		}}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "created_at", Value: 1}}).
			SetReturnDocument(options.After)

		var d outboxDoc
		err := s.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&d)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			if len(events) > 0 {
				s.log.Warn("outbox lock stopped early", "locked", len(events), "err", err)
				break
			}
			return nil, fmt.Errorf("mongo: lock outbox batch: %w", err)
		}
		events = append(events, d.event())
	}
	return events, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.col.UpdateMany(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(outbox.StatusSent)},
			{Key: "sent_at", Value: s.now()},
		}}})
	if err != nil {
		return fmt.Errorf("mongo: mark outbox sent: %w", err)
	}
	return nil
}

// MarkFailed returns the event to pending for another attempt, or parks it
// as failed once it has used up its retries.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	var d outboxDoc
	err := s.col.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{
			{Key: "$inc", Value: bson.D{{Key: "retry_count", Value: 1}}},
			{Key: "$set", Value: bson.D{
				{Key: "status", Value: string(outbox.StatusPending)},
				{Key: "last_error", Value: errMsg},
			}},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err != nil {
		return fmt.Errorf("mongo: mark outbox failed: %w", err)
	}

	if d.RetryCount < s.maxRetries {
		return nil
	}
	s.log.Error("outbox event parked after retries", "event_id", id, "retries", d.RetryCount, "err", errMsg)
	_, err = s.col.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: string(outbox.StatusFailed)}}}})
	if err != nil {
		return fmt.Errorf("mongo: park outbox event: %w", err)
	}
	return nil
}
