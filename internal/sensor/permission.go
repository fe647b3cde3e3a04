package sensor

import "context"

// Permission acquires the platform's runtime scan permission. Platforms
// that need none pass a nil Permission to NewDiscovery.
type Permission interface {
	Acquire(ctx context.Context) (bool, error)
}

// PermissionFunc adapts a function to Permission.
type PermissionFunc func(ctx context.Context) (bool, error)

func (f PermissionFunc) Acquire(ctx context.Context) (bool, error) {
	return f(ctx)
}

// AlwaysGranted is a Permission that never prompts.
var AlwaysGranted Permission = PermissionFunc(func(context.Context) (bool, error) { return true, nil })
