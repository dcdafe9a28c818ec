package ctxutil

import "context"

// Default returns context.Background() when ctx is nil.
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// Detached keeps the values of ctx (trace ids, request data) but drops its
// cancellation, for work that must outlive the HTTP request.
func Detached(ctx context.Context) context.Context {
	return context.WithoutCancel(Default(ctx))
}
