package session

import (
	"context"
	"time"
)

// valueOnlyContext keeps the parent's values but drops its deadline and
// cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }

func (valueOnlyContext) Done() <-chan struct{} { return nil }

func (valueOnlyContext) Err() error { return nil }

// Detach returns a context carrying ctx's values (request IDs, loggers) that
// is never canceled by ctx. A run started from an HTTP request uses it so the
// run outlives a dropped connection; abort is the only way to stop it.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
