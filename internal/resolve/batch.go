package resolve

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/hanpama/lazygraph/internal/eventbus"
	"github.com/hanpama/lazygraph/internal/events"
)

// LoaderKey identifies one kind of deferred bulk operation: a backing source,
// an operation on it, and an extra discriminator (serialized arguments,
// locale) for loads that must not share a batch. Item keys registered under
// equal LoaderKeys coalesce into a single bulk call per pass.
type LoaderKey struct {
	Source string
	Op     string
	Extra  string
}

func (k LoaderKey) String() string {
	s := k.Source + "/" + k.Op
	if k.Extra != "" {
		s += ":" + k.Extra
	}
	return s
}

// BulkFunc executes one deferred bulk operation: a single call receiving the
// deduplicated item keys accumulated for key during a pass, returning a value
// per item key. Item keys absent from the returned map resolve to nil.
type BulkFunc func(ctx context.Context, key LoaderKey, itemKeys []any) (map[any]any, error)

// Plugin receives a flush opportunity at every pass boundary. Flush must not
// return until every piece of work it dispatched has settled: suspended
// fields re-enter right after the flush and must never observe a partially
// populated result.
type Plugin interface {
	Pending() bool
	Flush(ctx context.Context) error
}

type loadKey struct {
	key  LoaderKey
	item any
}

type pendingBatch struct {
	key   LoaderKey
	items []any
	seen  map[any]struct{}
}

// Collector aggregates pending loads across sibling and cousin fields so that
// each distinct loader key executes a single bulk operation per pass. It also
// owns the request-scoped dedupe cache: an item key loaded once under a
// loader key is never requested from the bulk executor again within the same
// request. It is the canonical Plugin.
type Collector struct {
	mu      sync.Mutex
	loaders map[[2]string]BulkFunc
	pending []*pendingBatch
	index   map[LoaderKey]*pendingBatch
	cache   map[loadKey]any
	failed  map[LoaderKey]error
	tasks   []*Task
	config  error
}

func newCollector(loaders map[[2]string]BulkFunc) *Collector {
	return &Collector{
		loaders: loaders,
		index:   make(map[LoaderKey]*pendingBatch),
		cache:   make(map[loadKey]any),
		failed:  make(map[LoaderKey]error),
	}
}

// Load registers item under key for the next flush and returns the
// continuation the calling middleware step parks itself with:
//
//	return s.Suspend(s.Request().Batch().Load(key, item, onLoaded))
//
// On re-entry the continuation invokes on with item's entry from the bulk
// result, or with the bulk operation's error. The same item key registered by
// many fields is included once in the bulk call; each field's own callback
// still runs. A previously cached item resolves from cache without
// registering anything. An item key whose type is not comparable (a slice or
// map off an untrusted root) fails the field instead of loading.
//
// Registering a loader key whose (source, op) pair has no bulk executor is a
// wiring defect: the whole request is aborted.
func (c *Collector) Load(key LoaderKey, item any, on func(ctx context.Context, s State, value any, err error) State) Continuation {
	if !comparableKey(item) {
		err := fmt.Errorf("item key of type %T for loader %s is not comparable", item, key)
		return func(ctx context.Context, s State) State { return s.Fail(err) }
	}
	c.mu.Lock()
	if _, ok := c.loaders[[2]string{key.Source, key.Op}]; !ok {
		if c.config == nil {
			c.config = Fatal(fmt.Errorf("no bulk executor registered for loader %s", key))
		}
		err := c.config
		c.mu.Unlock()
		return func(ctx context.Context, s State) State { return s.Fail(err) }
	}
	if value, ok := c.cache[loadKey{key: key, item: item}]; ok {
		c.mu.Unlock()
		return func(ctx context.Context, s State) State { return on(ctx, s, value, nil) }
	}
	b := c.index[key]
	if b == nil {
		b = &pendingBatch{key: key, seen: make(map[any]struct{})}
		c.index[key] = b
		c.pending = append(c.pending, b)
	}
	if _, ok := b.seen[item]; !ok {
		b.seen[item] = struct{}{}
		b.items = append(b.items, item)
	}
	c.mu.Unlock()
	return func(ctx context.Context, s State) State {
		value, err := c.result(key, item)
		return on(ctx, s, value, err)
	}
}

// LoadValue is the common case of Load: resolve the field with the loaded
// value, or fail it with the bulk operation's error.
func (c *Collector) LoadValue(key LoaderKey, item any) Continuation {
	return c.Load(key, item, func(ctx context.Context, s State, value any, err error) State {
		if err != nil {
			return s.Fail(err)
		}
		return s.Resolve(value)
	})
}

// Go starts fn immediately on its own goroutine and returns its handle. The
// flush at the end of the pass waits for every handle started during that
// pass, so a continuation reading the task at re-entry does not block.
func (c *Collector) Go(ctx context.Context, fn func(ctx context.Context) (any, error)) *Task {
	t := &Task{done: make(chan struct{})}
	c.mu.Lock()
	c.tasks = append(c.tasks, t)
	c.mu.Unlock()
	go func() {
		defer close(t.done)
		t.value, t.err = fn(ctx)
	}()
	return t
}

// comparableKey reports whether item can serve as a dedupe-cache map key.
// Hashing an uncomparable dynamic type panics.
func comparableKey(item any) bool {
	return item == nil || reflect.TypeOf(item).Comparable()
}

// Cached returns the value previously loaded for item under key, if any.
func (c *Collector) Cached(key LoaderKey, item any) (any, bool) {
	if !comparableKey(item) {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.cache[loadKey{key: key, item: item}]
	return value, ok
}

// Pending reports whether any loads or tasks await a flush.
func (c *Collector) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0 || len(c.tasks) > 0
}

// Flush executes every pending batch, one bulk call per distinct loader key,
// and waits for the pass's async tasks. Bulk calls run concurrently; Flush
// returns only after all of them have written their results, so re-entered
// fields observe fully populated batches. Bulk errors are not returned here:
// they fan out to the registered fields at re-entry. A bulk call still
// running when ctx expires is abandoned and its fields fail with the
// context's error.
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	tasks := c.tasks
	c.pending = nil
	c.tasks = nil
	c.index = make(map[LoaderKey]*pendingBatch)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range pending {
		fn := c.loaders[[2]string{b.key.Source, b.key.Op}]
		wg.Add(1)
		go func(b *pendingBatch) {
			defer wg.Done()
			start := time.Now()
			type outcome struct {
				values map[any]any
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				values, err := fn(ctx, b.key, b.items)
				done <- outcome{values: values, err: err}
			}()
			var out outcome
			select {
			case out = <-done:
			case <-ctx.Done():
				select {
				case out = <-done:
					// Finished on the same tick; keep the real outcome.
				default:
					out.err = ctx.Err()
				}
			}
			c.mu.Lock()
			if out.err != nil {
				c.failed[b.key] = out.err
			} else {
				delete(c.failed, b.key)
				for _, item := range b.items {
					c.cache[loadKey{key: b.key, item: item}] = out.values[item]
				}
			}
			c.mu.Unlock()
			eventbus.Publish(ctx, events.BatchFlush{
				Source:   b.key.Source,
				Op:       b.key.Op,
				Extra:    b.key.Extra,
				Keys:     len(b.items),
				Duration: time.Since(start),
				Err:      out.err,
			})
		}(b)
	}
	for _, t := range tasks {
		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			select {
			case <-t.done:
			case <-ctx.Done():
			}
		}(t)
	}
	wg.Wait()
	return nil
}

func (c *Collector) result(key LoaderKey, item any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failed[key]; err != nil {
		return nil, err
	}
	return c.cache[loadKey{key: key, item: item}], nil
}

func (c *Collector) configErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Task is a handle to one asynchronous unit of work started during a pass.
type Task struct {
	done  chan struct{}
	value any
	err   error
}

// Result returns the task's outcome, waiting for completion or for ctx,
// whichever comes first.
func (t *Task) Result(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
