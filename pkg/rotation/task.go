package rotation

import (
	"context"
	"sync"
	"time"
)

// Task calls a function on a fixed period until it is stopped.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Repeat calls fn every period, starting one period from now, until ctx is canceled or the
// returned Task is stopped. fn receives a context that is canceled when the Task stops.
func Repeat(ctx context.Context, period time.Duration, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.run(ctx, period, fn)
	return t
}

func (t *Task) run(ctx context.Context, period time.Duration, fn func(ctx context.Context)) {
	defer close(t.done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Both cases may be ready at once; cancellation wins.
			if ctx.Err() != nil {
				return
			}
			fn(ctx)
		}
	}
}

// Stop cancels the task and waits for any in-progress call to return. Once Stop returns, fn is
// never called again. Stop may be called more than once.
func (t *Task) Stop() {
	t.once.Do(t.cancel)
	<-t.done
}

// Done is closed after the task has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
