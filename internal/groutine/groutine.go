// Package groutine starts goroutines labelled for pprof so session
// workers (battery refresh, event routing, link monitors) can be told
// apart in goroutine dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey struct{}

// Go runs fn in a new goroutine carrying the pprof label
// goroutine_name=name. A nil parent is treated as context.Background().
//
//	groutine.Go(ctx, "battery-refresh-"+addr, func(ctx context.Context) {
//	    <-ctx.Done()
//	})
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	labels := pprof.Labels("goroutine_name", name)
	go pprof.Do(parent, labels, func(ctx context.Context) {
		fn(context.WithValue(ctx, ctxKey{}, name))
	})
}

// Name returns the name a goroutine was started with, or "" outside Go.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(ctxKey{}).(string)
	return name
}
