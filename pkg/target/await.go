package target

import (
	"context"
)

// Awaitable is returned by suspending targets. The executor awaits it under
// the invocation context.
type Awaitable interface {
	Await(ctx context.Context) (any, error)
}

// Future is an Awaitable backed by a goroutine.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

// Go starts fn and returns a Future for its result.
func Go(ctx context.Context, fn func(ctx context.Context) (any, error)) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.value, f.err = fn(ctx)
	}()
	return f
}

func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Await resolves v if it is an Awaitable, chaining until a plain value is
// produced. Other values are returned unchanged.
func Await(ctx context.Context, v any) (any, error) {
	for {
		a, ok := v.(Awaitable)
		if !ok {
			return v, nil
		}
		next, err := a.Await(ctx)
		if err != nil {
			return nil, err
		}
		v = next
	}
}
