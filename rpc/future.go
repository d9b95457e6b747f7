package rpc

import (
	"context"
	"sync"

	"mini-sync/codec"
)

// Future is the eventual outcome of an outgoing call. It settles exactly once.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// settle reports whether this call was the one that settled f.
func (f *Future) settle(value any, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value, f.err = value, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the call has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future) Result() (any, error) {
	return f.value, f.err
}

// Wait blocks until the call settles or ctx ends. Giving up on ctx does not cancel the
// call; the future still settles later.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode waits for the result and converts it into the value pointed to by into.
func (f *Future) Decode(ctx context.Context, into any) error {
	v, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	return codec.Convert(v, into)
}
