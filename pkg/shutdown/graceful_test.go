package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coursehive/enrollment-service/pkg/logging"
)

func TestRunExecutesAllHooks(t *testing.T) {
	t.Parallel()

	var order []string
	boom := errors.New("boom")
	err := Run(logging.Discard(), time.Second,
		Hook{Name: "http", Fn: func(context.Context) error { order = append(order, "http"); return nil }},
		Hook{Name: "kafka", Fn: func(context.Context) error { order = append(order, "kafka"); return boom }},
		Hook{Name: "mongo", Fn: func(context.Context) error { order = append(order, "mongo"); return nil }},
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error to contain boom, got %v", err)
	}
	if len(order) != 3 || order[0] != "http" || order[2] != "mongo" {
		t.Fatalf("unexpected hook order %v", order)
	}
}

func TestRunPassesDeadline(t *testing.T) {
	t.Parallel()

	err := Run(logging.Discard(), time.Minute, Hook{Name: "check", Fn: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("missing deadline")
		}
		return nil
	}})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
