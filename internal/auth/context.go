package auth

import "context"

type keyContextKey struct{}

// WithKey returns a context carrying the authenticated key.
func WithKey(ctx context.Context, k *Key) context.Context {
	return context.WithValue(ctx, keyContextKey{}, k)
}

// KeyFromContext returns the authenticated key from the context, or nil.
func KeyFromContext(ctx context.Context) *Key {
	k, _ := ctx.Value(keyContextKey{}).(*Key)
	return k
}
