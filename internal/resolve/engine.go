package resolve

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/hanpama/lazygraph/internal/eventbus"
	"github.com/hanpama/lazygraph/internal/events"
)

// DefaultMaxPasses bounds the suspend/flush/resume rounds of one execution.
const DefaultMaxPasses = 32

// Engine executes selection trees against a Registry of middleware chains
// and a set of bulk loaders. Wiring happens up front; once serving, an Engine
// is safe for concurrent use.
type Engine struct {
	registry  *Registry
	loaders   map[[2]string]BulkFunc
	maxPasses int
}

type Option func(*Engine)

// WithMaxPasses overrides the pass ceiling.
func WithMaxPasses(n int) Option {
	return func(e *Engine) { e.maxPasses = n }
}

func NewEngine(registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:  registry,
		loaders:   make(map[[2]string]BulkFunc),
		maxPasses: DefaultMaxPasses,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterLoader binds the bulk executor for every loader key carrying the
// given source and op, whatever its Extra discriminator.
func (e *Engine) RegisterLoader(source, op string, fn BulkFunc) error {
	if fn == nil {
		return fmt.Errorf("register loader %s/%s: nil bulk executor", source, op)
	}
	k := [2]string{source, op}
	if _, ok := e.loaders[k]; ok {
		return fmt.Errorf("register loader %s/%s: already registered", source, op)
	}
	e.loaders[k] = fn
	return nil
}

// MustRegisterLoader is RegisterLoader, panicking on a wiring defect.
func (e *Engine) MustRegisterLoader(source, op string, fn BulkFunc) {
	if err := e.RegisterLoader(source, op, fn); err != nil {
		panic(err)
	}
}

// Execute resolves the selection tree against root and returns the ordered
// data tree plus every error recorded along the way. Suspended fields are
// flushed and re-entered between passes until the tree settles. A fatal
// error yields a single top-level error and no data.
func (e *Engine) Execute(ctx context.Context, root any, selections []*Selection, opts ...RequestOption) *Result {
	r := &run{
		engine: e,
		ctx:    ctx,
		req:    newRequest(newCollector(e.loaders), opts...),
		errors: []Error{},
	}
	r.roots = r.fieldNodes(selections, root, Path{})

	pass := 0
	for {
		pass++
		if pass > e.maxPasses {
			r.fatal = fmt.Errorf("%w: %d passes with fields still suspended", ErrMaxPasses, e.maxPasses)
			break
		}
		start := time.Now()
		r.walk(r.roots)
		if r.fatal != nil || len(r.suspended) == 0 {
			break
		}
		for _, p := range r.plugins() {
			if !p.Pending() {
				continue
			}
			if err := p.Flush(r.ctx); err != nil {
				r.fatal = err
				break
			}
		}
		if r.fatal != nil {
			break
		}
		parked := r.suspended
		r.suspended = nil
		for _, n := range parked {
			r.reenter(n)
			if r.fatal != nil {
				break
			}
		}
		eventbus.Publish(r.ctx, events.PassFinish{Pass: pass, Suspended: len(parked), Duration: time.Since(start)})
		if r.fatal != nil {
			break
		}
	}

	if r.fatal != nil {
		return &Result{Errors: []Error{{Message: r.fatal.Error()}}}
	}
	return &Result{Data: r.outputObject(r.roots), Errors: r.errors}
}

type nodeShape int

const (
	shapeLeaf nodeShape = iota
	shapeObject
	shapeList
)

// node is the walker's per-request record of one field instance. List
// elements are interposed as already-resolved nodes carrying the element
// value, so nested lists and objects expand uniformly.
type node struct {
	sel       *Selection
	key       string
	path      Path
	parent    any
	stage     Stage
	value     any
	cont      Continuation
	remaining []Middleware
	shape     nodeShape
	children  []*node
}

// run owns the mutable state of one execution.
type run struct {
	engine    *Engine
	ctx       context.Context
	req       *Request
	roots     []*node
	errors    []Error
	suspended []*node
	fatal     error
}

func (r *run) plugins() []Plugin {
	return append([]Plugin{r.req.batch}, r.req.plugins...)
}

func (r *run) fieldNodes(selections []*Selection, parent any, path Path) []*node {
	nodes := make([]*node, 0, len(selections))
	for _, sel := range selections {
		key := sel.responseKey()
		nodes = append(nodes, &node{
			sel:    sel,
			key:    key,
			path:   appendPath(path, key),
			parent: parent,
			stage:  StageUnresolved,
		})
	}
	return nodes
}

// walk visits every node reachable this pass, entering chains for unresolved
// fields and descending through resolved ones. Suspended nodes wait for the
// pass boundary; settled nodes never run again.
func (r *run) walk(nodes []*node) {
	for _, n := range nodes {
		if r.fatal != nil {
			return
		}
		switch n.stage {
		case StageUnresolved:
			r.enter(n)
			if n.stage == StageResolved {
				r.walk(n.children)
			}
		case StageResolved:
			r.walk(n.children)
		}
	}
}

func (r *run) enter(n *node) {
	chain := r.engine.registry.Lookup(n.sel.On, n.sel.Field)
	s := State{
		req:    r.req,
		parent: n.parent,
		field:  n.sel.Field,
		args:   n.sel.Args,
		path:   n.path,
	}
	s, remaining := runChain(r.ctx, s, chain)
	r.settle(n, s, remaining)
}

// reenter resumes a parked field: the stored continuation runs first, then
// whatever chain steps had not run yet.
func (r *run) reenter(n *node) {
	if n.stage != StageSuspended {
		return
	}
	cont := n.cont
	remaining := n.remaining
	n.cont = nil
	s := State{
		req:    r.req,
		parent: n.parent,
		field:  n.sel.Field,
		args:   n.sel.Args,
		path:   n.path,
	}
	s = cont(r.ctx, s)
	if s.stage != StageSuspended && s.stage != StageFailed {
		s, remaining = runChain(r.ctx, s, remaining)
	}
	r.settle(n, s, remaining)
}

func (r *run) settle(n *node, s State, remaining []Middleware) {
	switch s.stage {
	case StageResolved:
		n.stage = StageResolved
		n.value = s.value
		n.cont = nil
		n.remaining = nil
		r.expand(n)
	case StageFailed:
		r.failNode(n, s.err)
	case StageSuspended:
		if s.cont == nil {
			r.failNode(n, fmt.Errorf("field %s.%s suspended without continuation", n.sel.On, n.sel.Field))
			break
		}
		n.stage = StageSuspended
		n.cont = s.cont
		n.remaining = remaining
		r.suspended = append(r.suspended, n)
	default:
		r.failNode(n, fmt.Errorf("no middleware resolved %s.%s", n.sel.On, n.sel.Field))
	}
	if err := r.req.batch.configErr(); err != nil && r.fatal == nil {
		r.fatal = err
	}
}

func (r *run) failNode(n *node, err error) {
	n.stage = StageFailed
	n.value = nil
	n.cont = nil
	n.remaining = nil
	n.children = nil
	r.errors = append(r.errors, Error{Message: err.Error(), Path: n.path})
	if IsFatal(err) && r.fatal == nil {
		r.fatal = err
	}
}

// expand materializes a resolved node's subtree: object values get one child
// node per sub-selection, list values get one element node per item with the
// index appended to the path. Element fields enter their chains when the walk
// reaches them.
func (r *run) expand(n *node) {
	if isNullish(n.value) {
		n.value = nil
		n.shape = shapeLeaf
		return
	}
	if len(n.sel.Children) == 0 {
		n.shape = shapeLeaf
		return
	}
	if items, ok := listValue(n.value); ok {
		n.shape = shapeList
		n.children = make([]*node, len(items))
		for i, item := range items {
			elem := &node{
				sel:   n.sel,
				path:  appendPath(n.path, i),
				stage: StageResolved,
				value: item,
			}
			r.expand(elem)
			n.children[i] = elem
		}
		return
	}
	n.shape = shapeObject
	n.children = r.fieldNodes(n.sel.Children, n.value, n.path)
}

func (r *run) outputObject(nodes []*node) *Object {
	obj := NewObject()
	for _, n := range nodes {
		obj.Set(n.key, r.outputNode(n))
	}
	return obj
}

func (r *run) outputNode(n *node) any {
	if n.stage != StageResolved {
		return nil
	}
	switch n.shape {
	case shapeObject:
		return r.outputObject(n.children)
	case shapeList:
		items := make([]any, len(n.children))
		for i, c := range n.children {
			items[i] = r.outputNode(c)
		}
		return items
	default:
		if isNullish(n.value) {
			return nil
		}
		return n.value
	}
}

// isNullish returns true for nil interfaces and typed nils (map, slice, ptr, interface)
func isNullish(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}

// listValue converts slice and array values to []any. Byte slices stay
// scalar.
func listValue(v any) ([]any, bool) {
	if direct, ok := v.([]any); ok {
		return direct, true
	}
	if _, ok := v.([]byte); ok {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}
