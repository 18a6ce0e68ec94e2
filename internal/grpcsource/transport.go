package grpcsource

import (
	"context"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// Transport handles the actual gRPC communication.
// Implementations MUST be safe for concurrent use: the collector flushes
// loader batches from separate goroutines within one pass.
//
// Provided implementations:
// - internal/grpctp.Transport: production client with pooling and timeouts
// - MockTransport: test fake that replays seeded responses
type Transport interface {
	// Call executes a single gRPC method call.
	Call(ctx context.Context, method protoreflect.MethodDescriptor, request protoreflect.Message) (protoreflect.Message, error)
}

// Registry resolves (source, op) pairs to batch-load method descriptors.
// loaderproto.Registry is the production implementation.
type Registry interface {
	Method(source, op string) protoreflect.MethodDescriptor
	Ops() [][2]string
}
