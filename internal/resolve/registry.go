package resolve

import "fmt"

type fieldKey struct {
	typeName string
	field    string
}

// Registry maps (type, field) pairs to the middleware chain that resolves the
// field. Registration happens at wiring time, before any execution; lookups
// are read-only afterwards.
type Registry struct {
	global []Middleware
	chains map[fieldKey][]Middleware
}

func NewRegistry() *Registry {
	return &Registry{chains: make(map[fieldKey][]Middleware)}
}

// Use appends middleware that runs ahead of every field's own chain,
// registered or defaulted.
func (r *Registry) Use(mw ...Middleware) {
	r.global = append(r.global, mw...)
}

// Register attaches a chain to typeName.field. An empty chain is a wiring
// defect and is rejected here rather than at execution time.
func (r *Registry) Register(typeName, field string, chain ...Middleware) error {
	if len(chain) == 0 {
		return fmt.Errorf("register %s.%s: empty middleware chain", typeName, field)
	}
	r.chains[fieldKey{typeName, field}] = chain
	return nil
}

// MustRegister is Register, panicking on a wiring defect.
func (r *Registry) MustRegister(typeName, field string, chain ...Middleware) {
	if err := r.Register(typeName, field, chain...); err != nil {
		panic(err)
	}
}

// Lookup returns the ordered chain for typeName.field. Absence never fails:
// unregistered fields fall back to the property accessor default.
func (r *Registry) Lookup(typeName, field string) []Middleware {
	chain, ok := r.chains[fieldKey{typeName, field}]
	if !ok {
		chain = []Middleware{AccessProperty}
	}
	out := make([]Middleware, 0, len(r.global)+len(chain))
	out = append(out, r.global...)
	out = append(out, chain...)
	return out
}
