package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Dispatcher runs request-triggered work in tracked background goroutines,
// each with its own deadline
type Dispatcher struct {
	timeout time.Duration
	base    context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher whose jobs time out after timeout
func NewDispatcher(timeout time.Duration) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{timeout: timeout, base: ctx, cancel: cancel}
}

// Submit starts fn in the background
func (d *Dispatcher) Submit(name string, fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("job", name).Errorf("Background job panicked: %v", r)
			}
		}()

		ctx, cancel := context.WithTimeout(d.base, d.timeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until every submitted job has returned
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown waits for running jobs until ctx expires, then cancels them
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("background jobs still running: %w", ctx.Err())
	}
}
