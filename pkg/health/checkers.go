package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck fails when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// GoroutineCountCheck fails when the goroutine count exceeds threshold,
// which usually means handlers are stuck on a dependency.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// BacklogCheck fails when a queue is filled beyond ratio of its capacity.
func BacklogCheck(backlog func() (queued, capacity int), ratio float64) CheckFunc {
	return func(context.Context) error {
		queued, capacity := backlog()
		if capacity > 0 && float64(queued) > ratio*float64(capacity) {
			return errors.Errorf("backlog %d/%d above %.0f%%", queued, capacity, ratio*100)
		}
		return nil
	}
}
