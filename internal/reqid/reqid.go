// Package reqid threads a request-scoped identifier through contexts. The ID
// ties together trace spans, forwarded backend calls, and the HTTP response
// header belonging to one request.
package reqid

import (
	"context"

	"github.com/google/uuid"
)

// key is the context key for the request ID.
type key struct{}

// NewContext returns a copy of parent with a fresh request ID stored. It also
// returns the generated ID.
func NewContext(parent context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(parent, key{}, id), id
}

// WithID returns a copy of parent carrying an externally supplied request ID,
// such as one forwarded by an upstream proxy.
func WithID(parent context.Context, id string) context.Context {
	return context.WithValue(parent, key{}, id)
}

// FromContext extracts the request ID from ctx. It returns the ID and whether
// it was present.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(key{}).(string)
	return id, ok
}
