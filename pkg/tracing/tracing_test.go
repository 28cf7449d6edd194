package tracing

import (
	"context"
	"strings"
	"testing"

	"github.com/coursehive/enrollment-service/pkg/logging"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceparentRoundTrip(t *testing.T) {
	ctx := context.Background()
	tp, err := Init(ctx, "test", "", logging.Discard())
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	if got := Traceparent(ctx); got != "" {
		t.Fatalf("expected no traceparent without a span, got %q", got)
	}

	spanCtx, span := tp.Tracer("test").Start(ctx, "checkout")
	defer span.End()

	tpHeader := Traceparent(spanCtx)
	if !strings.HasPrefix(tpHeader, "00-"+span.SpanContext().TraceID().String()) {
		t.Fatalf("unexpected traceparent %q", tpHeader)
	}

	extracted := ExtractKafkaHeaders(ctx, []kafka.Header{{Key: TraceparentHeader, Value: []byte(tpHeader)}})
	if got := trace.SpanContextFromContext(extracted).TraceID(); got != span.SpanContext().TraceID() {
		t.Fatalf("expected trace id %s, got %s", span.SpanContext().TraceID(), got)
	}
}
