package resolve

import "sync"

// Request carries per-request shared state to every middleware step without
// threading extra parameters through the document shape: opaque cross-cutting
// values (the authenticated principal, locale, and similar) plus the batch
// collector. One Request exists per execution; every field holds a non-owning
// reference to it.
type Request struct {
	mu      sync.Mutex
	values  map[any]any
	batch   *Collector
	plugins []Plugin
}

func newRequest(batch *Collector, opts ...RequestOption) *Request {
	req := &Request{values: make(map[any]any), batch: batch}
	for _, opt := range opts {
		opt(req)
	}
	return req
}

// Get returns the value stored under key, or nil.
func (r *Request) Get(key any) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[key]
}

// Set stores a cross-cutting value under key.
func (r *Request) Set(key, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
}

// Batch returns the request's batch collector.
func (r *Request) Batch() *Collector { return r.batch }

// RequestOption configures one execution.
type RequestOption func(*Request)

// WithValue seeds a cross-cutting value before the walk starts.
func WithValue(key, value any) RequestOption {
	return func(r *Request) { r.values[key] = value }
}

// WithPlugin attaches an additional plugin to be flushed at each pass
// boundary, after the batch collector.
func WithPlugin(p Plugin) RequestOption {
	return func(r *Request) { r.plugins = append(r.plugins, p) }
}
