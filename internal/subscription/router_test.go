package subscription_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/hanpama/lazygraph/internal/resolve"
	"github.com/hanpama/lazygraph/internal/subscription"
)

func testEngine(t *testing.T) *resolve.Engine {
	t.Helper()
	reg := resolve.NewRegistry()
	reg.MustRegister("Order", "summary", resolve.Resolver(func(ctx context.Context, parent any, args map[string]any) (any, error) {
		root, ok := parent.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unexpected root %T", parent)
		}
		return fmt.Sprintf("%v:%v", root["id"], root["status"]), nil
	}))
	return resolve.NewEngine(reg)
}

func orderSelections() []*resolve.Selection {
	return []*resolve.Selection{
		{On: "Order", Field: "summary"},
		{On: "Order", Field: "status"},
	}
}

func receiveResult(t *testing.T, sub *subscription.Subscription) *resolve.Result {
	t.Helper()
	select {
	case res, ok := <-sub.C:
		require.True(t, ok, "subscription channel closed before delivery")
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func resultJSON(t *testing.T, res *resolve.Result) string {
	t.Helper()
	raw, err := json.Marshal(res.Data)
	require.NoError(t, err)
	return string(raw)
}

func TestPublishDeliversOneResultPerSubscription(t *testing.T) {
	ctx := context.Background()
	r := subscription.NewRouter(testEngine(t))
	defer r.Close(ctx)

	sub, err := r.Subscribe(ctx, "orders.created", orderSelections())
	require.NoError(t, err)

	require.NoError(t, r.Publish(ctx, "orders.created", map[string]any{"id": "o1", "status": "placed"}))

	res := receiveResult(t, sub)
	assert.Empty(t, res.Errors)
	assert.Equal(t, `{"summary":"o1:placed","status":"placed"}`, resultJSON(t, res))
}

func TestEachSubscriberResolvesIndependently(t *testing.T) {
	ctx := context.Background()
	r := subscription.NewRouter(testEngine(t))
	defer r.Close(ctx)

	full, err := r.Subscribe(ctx, "orders.updated", orderSelections())
	require.NoError(t, err)
	statusOnly, err := r.Subscribe(ctx, "orders.updated", []*resolve.Selection{
		{On: "Order", Field: "status"},
	})
	require.NoError(t, err)
	require.NotEqual(t, full.ID, statusOnly.ID)

	require.NoError(t, r.Publish(ctx, "orders.updated", map[string]any{"id": "o2", "status": "shipped"}))

	assert.Equal(t, `{"summary":"o2:shipped","status":"shipped"}`, resultJSON(t, receiveResult(t, full)))
	assert.Equal(t, `{"status":"shipped"}`, resultJSON(t, receiveResult(t, statusOnly)))
}

func TestPublishWithoutSubscribersSucceeds(t *testing.T) {
	ctx := context.Background()
	r := subscription.NewRouter(testEngine(t))
	defer r.Close(ctx)

	require.NoError(t, r.Publish(ctx, "orders.silent", map[string]any{"id": "o3"}))
}

func TestTopicsAreIsolated(t *testing.T) {
	ctx := context.Background()
	r := subscription.NewRouter(testEngine(t))
	defer r.Close(ctx)

	created, err := r.Subscribe(ctx, "orders.created", orderSelections())
	require.NoError(t, err)
	updated, err := r.Subscribe(ctx, "orders.updated", orderSelections())
	require.NoError(t, err)

	require.NoError(t, r.Publish(ctx, "orders.updated", map[string]any{"id": "o4", "status": "packed"}))

	res := receiveResult(t, updated)
	assert.Equal(t, `{"summary":"o4:packed","status":"packed"}`, resultJSON(t, res))

	select {
	case res := <-created.C:
		t.Fatalf("created topic received %v", res)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestOptionsApplyPerDelivery(t *testing.T) {
	ctx := context.Background()
	type principalKey struct{}

	reg := resolve.NewRegistry()
	reg.MustRegister("Order", "viewer", resolve.MiddlewareFunc(func(ctx context.Context, s resolve.State) resolve.State {
		return s.Resolve(s.Request().Get(principalKey{}))
	}))
	r := subscription.NewRouter(resolve.NewEngine(reg))
	defer r.Close(ctx)

	sub, err := r.Subscribe(ctx, "orders.created", []*resolve.Selection{
		{On: "Order", Field: "viewer"},
	}, resolve.WithValue(principalKey{}, "alice"))
	require.NoError(t, err)

	require.NoError(t, r.Publish(ctx, "orders.created", map[string]any{"id": "o5"}))
	assert.Equal(t, `{"viewer":"alice"}`, resultJSON(t, receiveResult(t, sub)))
}

func TestCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	r := subscription.NewRouter(testEngine(t))
	defer r.Close(ctx)

	sub, err := r.Subscribe(ctx, "orders.created", orderSelections())
	require.NoError(t, err)
	require.NoError(t, sub.Close(ctx))

	_, ok := <-sub.C
	assert.False(t, ok, "channel should close with the subscription")

	// A publish after close still succeeds; nothing receives it.
	require.NoError(t, r.Publish(ctx, "orders.created", map[string]any{"id": "o6"}))
}

func TestRouterCloseRejectsFurtherUse(t *testing.T) {
	ctx := context.Background()
	r := subscription.NewRouter(testEngine(t))
	require.NoError(t, r.Close(ctx))

	_, err := r.Subscribe(ctx, "orders.created", orderSelections())
	assert.Error(t, err)
	assert.Error(t, r.Publish(ctx, "orders.created", map[string]any{}))
}
