// ABOUTME: StartTracker counts background conversation starts so shutdown can wait for them
// ABOUTME: Abort cancels the starts still running; each one then records its ERROR status

package conversation

import (
	"context"
	"sync"
)

// StartTracker follows the background part of every Start that shares it.
// The zero value is not usable; create one with NewStartTracker.
type StartTracker struct {
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewStartTracker creates a tracker with no starts in flight.
func NewStartTracker() *StartTracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &StartTracker{ctx: ctx, cancel: cancel}
}

// Go runs f as a tracked start.
func (t *StartTracker) Go(f func()) {
	t.wg.Go(f)
}

// Abort cancels every tracked start.
func (t *StartTracker) Abort() {
	t.cancel()
}

// Wait blocks until every tracked start has returned or ctx ends.
func (t *StartTracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		select {
		case <-done:
			return nil
		default:
			return ctx.Err()
		}
	}
}

// Shutdown waits for in-flight starts until ctx ends, then aborts the rest
// and waits for them to record their final status. It returns ctx's error
// when starts had to be aborted.
func (t *StartTracker) Shutdown(ctx context.Context) error {
	err := t.Wait(ctx)
	if err == nil {
		return nil
	}
	t.Abort()
	t.wg.Wait()
	return err
}
