package kafka

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/coursehive/enrollment-service/pkg/tracing"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultHandleAttempts = 3

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Deduper claims message keys so a redelivered message is handled once.
type Deduper interface {
	Key(parts ...string) string
	Seen(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type EventHandler interface {
	HandleEvent(ctx context.Context, eventType string, payload []byte) error
}

// Consumer feeds enrollment events to the notification handler.
type Consumer struct {
	log      *slog.Logger
	reader   MessageReader
	handler  EventHandler
	idem     Deduper
	tracer   trace.Tracer
	attempts int
	backoff  time.Duration
}

func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
}

func NewConsumer(log *slog.Logger, reader MessageReader, handler EventHandler, idem Deduper) *Consumer {
	return &Consumer{
		log:      log,
		reader:   reader,
		handler:  handler,
		idem:     idem,
		tracer:   otel.Tracer("enrollment-consumer"),
		attempts: defaultHandleAttempts,
		backoff:  500 * time.Millisecond,
	}
}

// Run consumes until ctx is cancelled. Every fetched message is committed,
// including ones whose handling kept failing; those are logged.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.log.Info("consumer stopping")
				return nil
			}
			return err
		}
		c.consume(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("commit failed", "offset", msg.Offset, "err", err)
		}
	}
}

func (c *Consumer) consume(ctx context.Context, msg kafka.Message) {
	key := c.messageKey(msg)
	seen, err := c.idem.Seen(ctx, key)
	if err != nil {
		c.log.Warn("idempotency check failed, handling anyway", "key", key, "err", err)
	} else if seen {
		c.log.Info("duplicate message skipped", "key", key)
		return
	}

	eventType := headerValue(msg.Headers, "event_type")
	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumeEnrollmentEvent", trace.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("event_id", headerValue(msg.Headers, "event_id")),
	))
	defer span.End()

	for attempt := 1; attempt <= c.attempts; attempt++ {
		err = c.handler.HandleEvent(msgCtx, eventType, msg.Value)
		if err == nil {
			return
		}
		c.log.Warn("event handling failed", "key", key, "attempt", attempt, "err", err)
		if attempt < c.attempts {
			select {
			case <-ctx.Done():
				attempt = c.attempts
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}
	}

	c.log.Error("event dropped after retries", "key", key, "err", err)
	if relErr := c.idem.Release(context.WithoutCancel(ctx), key); relErr != nil {
		c.log.Warn("idempotency release failed", "key", key, "err", relErr)
	}
}

func (c *Consumer) messageKey(msg kafka.Message) string {
	if id := headerValue(msg.Headers, "event_id"); id != "" {
		return c.idem.Key("event", id)
	}
	return c.idem.Key(msg.Topic, strconv.Itoa(msg.Partition), strconv.FormatInt(msg.Offset, 10))
}

func headerValue(h []kafka.Header, key string) string {
	for _, hh := range h {
		if hh.Key == key {
			return string(hh.Value)
		}
	}
	return ""
}
