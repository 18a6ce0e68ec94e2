package eventbus

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
)

// Handler consumes events of type T.
type Handler[T any] func(context.Context, T)

// Bus is an in-process event dispatcher fanning events out to handlers
// subscribed by event type.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[reflect.Type][]handler
}

type handler struct {
	id int
	fn func(context.Context, any)
}

// New creates an empty Bus.
func New() *Bus { return &Bus{handlers: make(map[reflect.Type][]handler)} }

func (b *Bus) subscribe(t reflect.Type, fn func(context.Context, any)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], handler{id: id, fn: fn})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[t]
		for i, h := range hs {
			if h.id == id {
				b.handlers[t] = append(hs[:i:i], hs[i+1:]...)
				break
			}
		}
		if len(b.handlers[t]) == 0 {
			delete(b.handlers, t)
		}
	}
}

func (b *Bus) publish(ctx context.Context, t reflect.Type, e any) {
	b.mu.RLock()
	hs := append([]handler(nil), b.handlers[t]...)
	b.mu.RUnlock()
	for _, h := range hs {
		h.fn(ctx, e)
	}
}

var global atomic.Pointer[Bus]

// Use installs b as the process bus. Passing nil disables event publishing.
func Use(b *Bus) { global.Store(b) }

// Subscribe registers h for events of type T on the process bus and returns
// its unsubscribe function. With no bus installed it registers nothing.
func Subscribe[T any](h Handler[T]) (unsubscribe func()) {
	b := global.Load()
	if b == nil {
		return func() {}
	}
	t := reflect.TypeOf((*T)(nil)).Elem()
	return b.subscribe(t, func(ctx context.Context, e any) { h(ctx, e.(T)) })
}

// Publish delivers e to every subscriber of its type. With no bus installed
// publishing costs a single atomic load.
func Publish[T any](ctx context.Context, e T) {
	b := global.Load()
	if b == nil {
		return
	}
	b.publish(ctx, reflect.TypeOf((*T)(nil)).Elem(), e)
}
