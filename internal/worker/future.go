package worker

import (
	"context"
	"sync"

	"github.com/conneroisu/pagerender/internal/errors"
)

// Future is the pending result of a submitted task. It remembers the route
// it was submitted for so results can be aggregated in any order.
type Future struct {
	route  string
	done   chan struct{}
	once   sync.Once
	result Result
	err    error
}

func newFuture(route string) *Future {
	return &Future{route: route, done: make(chan struct{})}
}

func (f *Future) resolve(result Result, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// Route returns the route the task was submitted for.
func (f *Future) Route() string {
	return f.route
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task resolves or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Result{Route: f.route}, errors.NewCancelledError(context.Cause(ctx)).WithRoute(f.route)
	}
}
