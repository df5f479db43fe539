package shutdown

import (
	"context"
	"io"
)

// FuncComponent adapts a stop function to Component. The broker's servers and session
// manager plug in through their Shutdown or Stop method values.
type FuncComponent struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncComponent creates a component that runs fn on shutdown.
func NewFuncComponent(name string, fn func(ctx context.Context) error) *FuncComponent {
	return &FuncComponent{name: name, fn: fn}
}

// Name returns the component name.
func (c *FuncComponent) Name() string { return c.name }

// Shutdown runs the stop function.
func (c *FuncComponent) Shutdown(ctx context.Context) error { return c.fn(ctx) }

// NewCloserComponent creates a component that closes a resource such as the store or cache.
func NewCloserComponent(name string, closer io.Closer) *FuncComponent {
	return NewFuncComponent(name, func(context.Context) error {
		return closer.Close()
	})
}

// Stopper is a background loop with a blocking Stop.
type Stopper interface {
	Stop()
}

// NewLoopComponent creates a component for a background loop such as the matchmaker or the
// registry reaper. Stop has no deadline of its own, so the component stops waiting when
// ctx expires and leaves the loop to finish on its own.
func NewLoopComponent(name string, loop Stopper) *FuncComponent {
	return NewFuncComponent(name, func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			loop.Stop()
			close(done)
		}()

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
