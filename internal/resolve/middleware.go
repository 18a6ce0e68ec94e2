package resolve

import "context"

// Middleware is one unit of composable resolution logic attachable to a
// field. Steps run in registration order; each receives the state left by the
// previous step and returns the state for the next one.
type Middleware interface {
	ResolveField(ctx context.Context, s State) State
}

// MiddlewareFunc adapts a function to the Middleware interface.
type MiddlewareFunc func(ctx context.Context, s State) State

func (f MiddlewareFunc) ResolveField(ctx context.Context, s State) State { return f(ctx, s) }

// Resolver adapts a conventional resolver function into a single middleware
// step that resolves with the returned value or fails with the returned
// error.
func Resolver(fn func(ctx context.Context, parent any, args map[string]any) (any, error)) Middleware {
	return MiddlewareFunc(func(ctx context.Context, s State) State {
		value, err := fn(ctx, s.Parent(), s.Args())
		if err != nil {
			return s.Fail(err)
		}
		return s.Resolve(value)
	})
}

// AttributeGetter exposes named attributes of a parent value to the default
// property accessor.
type AttributeGetter interface {
	Attribute(name string) (any, bool)
}

// AccessProperty is the default middleware used when no chain is registered
// for a field: it reads the identically named attribute off the parent value.
// Parents may be map[string]any or implement AttributeGetter; a missing
// attribute or an unsupported parent resolves to nil rather than failing.
var AccessProperty Middleware = MiddlewareFunc(func(ctx context.Context, s State) State {
	switch parent := s.Parent().(type) {
	case AttributeGetter:
		value, ok := parent.Attribute(s.Field())
		if !ok {
			return s.Resolve(nil)
		}
		return s.Resolve(value)
	case map[string]any:
		return s.Resolve(parent[s.Field()])
	}
	return s.Resolve(nil)
})

// runChain threads the state through steps in order. A failed state stops the
// chain; a suspended state pauses it, returning the steps that have not run
// yet so re-entry picks up where the chain left off. A resolved state keeps
// going: later steps may observe or replace the value.
func runChain(ctx context.Context, s State, steps []Middleware) (State, []Middleware) {
	for i, mw := range steps {
		s = mw.ResolveField(ctx, s)
		switch s.stage {
		case StageFailed:
			return s, nil
		case StageSuspended:
			return s, steps[i+1:]
		}
	}
	return s, nil
}
