package shutdown

import (
	"context"
	"fmt"
	"sync"
)

// Workers tracks background loops that must return before the clients they
// use are closed.
type Workers struct {
	wg sync.WaitGroup
}

func (w *Workers) Go(fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Wait blocks until every worker returned or ctx is done. It has the Hook
// signature so it can sit between the server and the client hooks.
func (w *Workers) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workers still running: %w", ctx.Err())
	}
}
