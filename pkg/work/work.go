// Package work provides the bounded task-parallel executor injected into
// the discovery passes.
package work

import (
	"context"
	"runtime"

	"github.com/sourcegraph/conc/pool"
)

// Workers runs independent tasks on a bounded goroutine pool. The zero
// value is not usable; construct with New.
type Workers struct {
	maxGoroutines int
}

// New returns a Workers running at most n tasks concurrently. n <= 0
// selects the number of CPUs.
func New(n int) Workers {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return Workers{maxGoroutines: n}
}

// Size returns the concurrency bound.
func (w Workers) Size() int {
	return w.maxGoroutines
}

// Map runs fn for every task index in [0, tasks). The first error
// cancels the remaining tasks and is returned; a nil return means every
// task completed.
func (w Workers) Map(ctx context.Context, tasks int, fn func(i int) error) error {
	p := pool.New().
		WithMaxGoroutines(w.maxGoroutines).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	for i := 0; i < tasks; i++ {
		i := i
		p.Go(func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fn(i)
		})
	}
	return p.Wait()
}
