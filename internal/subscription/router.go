// Package subscription delivers published root values into resolution
// passes. Topic matching and message delivery ride on gocloud.dev/pubsub, so
// the bus behind a router can be in-process memory, Kafka, NATS, or any other
// supported provider; the engine only ever sees one Execute call per
// delivered message.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/pubsub"

	"github.com/hanpama/lazygraph/internal/eventbus"
	"github.com/hanpama/lazygraph/internal/events"
	"github.com/hanpama/lazygraph/internal/reqid"
	"github.com/hanpama/lazygraph/internal/resolve"
)

// Router fans published root values out to the active subscriptions of a
// topic. Each subscription holds its own selection tree; each delivery runs
// exactly one engine execution with the decoded root as the request root.
type Router struct {
	engine *resolve.Engine
	bus    string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]map[string]*Subscription // topic -> id -> sub
	closed bool
}

// Option configures a Router.
type Option func(*Router)

// WithBusURL sets the pubsub URL prefix topics are opened under. The topic
// name is appended to it, so "mem://" yields "mem://orders" for topic
// "orders". Defaults to "mem://".
func WithBusURL(base string) Option {
	return func(r *Router) { r.bus = base }
}

func NewRouter(engine *resolve.Engine, opts ...Option) *Router {
	r := &Router{
		engine: engine,
		bus:    "mem://",
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) url(topic string) string {
	return strings.TrimSuffix(r.bus, "/") + "/" + topic
}

// topicFor opens the pubsub topic on first use. The in-memory provider
// requires the topic to exist before a subscription can attach to it, so
// both Subscribe and Publish go through here.
func (r *Router) topicFor(ctx context.Context, topic string) (*pubsub.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("subscription: router closed")
	}
	if t, ok := r.topics[topic]; ok {
		return t, nil
	}
	t, err := pubsub.OpenTopic(ctx, r.url(topic))
	if err != nil {
		return nil, fmt.Errorf("subscription: open topic %q: %w", topic, err)
	}
	r.topics[topic] = t
	return t, nil
}

// Subscribe attaches a selection tree to topic and starts delivering one
// *resolve.Result per published root value on the returned subscription's C.
// The request options are applied to every delivery's execution. The receive
// loop outlives ctx; it stops when the subscription or the router closes.
func (r *Router) Subscribe(ctx context.Context, topic string, selections []*resolve.Selection, opts ...resolve.RequestOption) (*Subscription, error) {
	if _, err := r.topicFor(ctx, topic); err != nil {
		return nil, err
	}
	ps, err := pubsub.OpenSubscription(ctx, r.url(topic))
	if err != nil {
		return nil, fmt.Errorf("subscription: open subscription on %q: %w", topic, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch := make(chan *resolve.Result, 1)
	sub := &Subscription{
		ID:     uuid.NewString(),
		Topic:  topic,
		C:      ch,
		router: r,
		ps:     ps,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		_ = ps.Shutdown(ctx)
		return nil, fmt.Errorf("subscription: router closed")
	}
	if r.subs[topic] == nil {
		r.subs[topic] = make(map[string]*Subscription)
	}
	r.subs[topic][sub.ID] = sub
	r.mu.Unlock()

	go sub.receive(loopCtx, r.engine, selections, opts, ch)
	return sub, nil
}

// Publish JSON-encodes root and sends it on topic. Every active subscription
// of the topic independently resolves its own selection tree against the
// decoded root. Publishing to a topic with no subscribers is not an error.
func (r *Router) Publish(ctx context.Context, topic string, root any) error {
	body, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("subscription: encode root for %q: %w", topic, err)
	}
	t, err := r.topicFor(ctx, topic)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := t.Send(ctx, &pubsub.Message{Body: body}); err != nil {
		return fmt.Errorf("subscription: publish to %q: %w", topic, err)
	}
	r.mu.Lock()
	n := len(r.subs[topic])
	r.mu.Unlock()
	eventbus.Publish(ctx, events.SubscriptionPublish{
		Topic:       topic,
		Subscribers: n,
		Duration:    time.Since(start),
	})
	return nil
}

// Close shuts down every subscription and topic. Publish and Subscribe fail
// afterwards.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var subs []*Subscription
	for _, byID := range r.subs {
		for _, s := range byID {
			subs = append(subs, s)
		}
	}
	topics := r.topics
	r.topics = nil
	r.subs = nil
	r.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		if err := s.close(ctx, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, t := range topics {
		if err := t.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Subscription is one live attachment of a selection tree to a topic.
type Subscription struct {
	ID    string
	Topic string
	// C carries one Result per root value published while the subscription
	// is active. It closes when the subscription does.
	C <-chan *resolve.Result

	router    *Router
	ps        *pubsub.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *Subscription) receive(ctx context.Context, engine *resolve.Engine, selections []*resolve.Selection, opts []resolve.RequestOption, ch chan<- *resolve.Result) {
	defer close(ch)
	defer close(s.done)
	for {
		msg, err := s.ps.Receive(ctx)
		if err != nil {
			// Receive fails only when the subscription shuts down or ctx
			// is cancelled; both mean this loop is over.
			return
		}
		var root any
		if err := json.Unmarshal(msg.Body, &root); err != nil {
			msg.Ack()
			continue
		}
		rctx, _ := reqid.NewContext(ctx)
		res := engine.Execute(rctx, root, selections, opts...)
		msg.Ack()
		select {
		case ch <- res:
		case <-ctx.Done():
			return
		}
	}
}

// Close detaches the subscription from its topic and closes C. Safe to call
// more than once.
func (s *Subscription) Close(ctx context.Context) error {
	return s.close(ctx, true)
}

func (s *Subscription) close(ctx context.Context, detach bool) error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.closeErr = s.ps.Shutdown(ctx)
		if detach {
			s.router.mu.Lock()
			if byID := s.router.subs[s.Topic]; byID != nil {
				delete(byID, s.ID)
			}
			s.router.mu.Unlock()
		}
	})
	return s.closeErr
}
