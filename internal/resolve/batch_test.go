package resolve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// bulkSpy records every batch it receives. Concurrent flushes share it, so
// access is guarded.
type bulkSpy struct {
	mu     sync.Mutex
	calls  [][]any
	values map[any]any
	err    error
}

func (b *bulkSpy) fn(ctx context.Context, key LoaderKey, itemKeys []any) (map[any]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, append([]any(nil), itemKeys...))
	if b.err != nil {
		return nil, b.err
	}
	out := make(map[any]any, len(itemKeys))
	for _, k := range itemKeys {
		if v, ok := b.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (b *bulkSpy) callLog() [][]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]any(nil), b.calls...)
}

// loadField suspends on the batched value for item and resolves the field
// with it.
func loadField(key LoaderKey, item any) Middleware {
	return MiddlewareFunc(func(ctx context.Context, s State) State {
		return s.Suspend(s.Request().Batch().LoadValue(key, item))
	})
}

func TestBatch_SiblingLoadsCoalesce(t *testing.T) {
	spy := &bulkSpy{values: map[any]any{1: "Soups", 2: "Salads"}}
	key := LoaderKey{Source: "menu", Op: "category"}

	reg := NewRegistry()
	reg.MustRegister("Query", "first", loadField(key, 1))
	reg.MustRegister("Query", "second", loadField(key, 2))
	reg.MustRegister("Query", "firstAgain", loadField(key, 1))
	e := NewEngine(reg)
	e.MustRegisterLoader("menu", "category", spy.fn)

	res := e.Execute(context.Background(), nil, []*Selection{
		sel("Query", "first"),
		sel("Query", "second"),
		sel("Query", "firstAgain"),
	})

	if diff := cmp.Diff([][]any{{1, 2}}, spy.callLog()); diff != "" {
		t.Fatalf("bulk calls mismatch (-want +got):\n%s", diff)
	}
	want := `{"first":"Soups","second":"Salads","firstAgain":"Soups"}`
	if got := dataJSON(t, res); got != want {
		t.Fatalf("data = %s, want %s", got, want)
	}
	if diff := cmp.Diff([]Error{}, res.Errors); diff != "" {
		t.Fatalf("errors mismatch (-want +got):\n%s", diff)
	}
}

func TestBatch_ErrorFansOutToEveryField(t *testing.T) {
	spy := &bulkSpy{err: errors.New("backend unavailable")}
	key := LoaderKey{Source: "menu", Op: "category"}

	reg := NewRegistry()
	reg.MustRegister("Query", "a", loadField(key, 1))
	reg.MustRegister("Query", "b", loadField(key, 2))
	e := NewEngine(reg)
	e.MustRegisterLoader("menu", "category", spy.fn)

	res := e.Execute(context.Background(), nil, []*Selection{
		sel("Query", "a"),
		sel("Query", "b"),
	})

	wantErrs := []Error{
		{Message: "backend unavailable", Path: Path{"a"}},
		{Message: "backend unavailable", Path: Path{"b"}},
	}
	if diff := cmp.Diff(wantErrs, res.Errors); diff != "" {
		t.Fatalf("errors mismatch (-want +got):\n%s", diff)
	}
	if got, want := dataJSON(t, res), `{"a":null,"b":null}`; got != want {
		t.Fatalf("data = %s, want %s", got, want)
	}
}

func TestBatch_CacheSkipsSecondFlush(t *testing.T) {
	spy := &bulkSpy{values: map[any]any{7: "Entrees"}}
	key := LoaderKey{Source: "menu", Op: "category"}

	// "late" waits out one pass before loading the same item, so its load
	// happens after the cache is already warm.
	reg := NewRegistry()
	reg.MustRegister("Query", "early", loadField(key, 7))
	reg.MustRegister("Query", "late", MiddlewareFunc(func(ctx context.Context, s State) State {
		return s.Suspend(func(ctx context.Context, s State) State {
			return s.Suspend(s.Request().Batch().LoadValue(key, 7))
		})
	}))
	e := NewEngine(reg)
	e.MustRegisterLoader("menu", "category", spy.fn)

	res := e.Execute(context.Background(), nil, []*Selection{
		sel("Query", "early"),
		sel("Query", "late"),
	})

	if diff := cmp.Diff([][]any{{7}}, spy.callLog()); diff != "" {
		t.Fatalf("bulk calls mismatch (-want +got):\n%s", diff)
	}
	if got, want := dataJSON(t, res), `{"early":"Entrees","late":"Entrees"}`; got != want {
		t.Fatalf("data = %s, want %s", got, want)
	}
}

func TestBatch_ExtraSegregatesBatches(t *testing.T) {
	spy := &bulkSpy{values: map[any]any{1: "one", 2: "two"}}

	reg := NewRegistry()
	reg.MustRegister("Query", "en", loadField(LoaderKey{Source: "menu", Op: "category", Extra: "en"}, 1))
	reg.MustRegister("Query", "ko", loadField(LoaderKey{Source: "menu", Op: "category", Extra: "ko"}, 2))
	e := NewEngine(reg)
	e.MustRegisterLoader("menu", "category", spy.fn)

	res := e.Execute(context.Background(), nil, []*Selection{
		sel("Query", "en"),
		sel("Query", "ko"),
	})

	if calls := spy.callLog(); len(calls) != 2 {
		t.Fatalf("bulk calls = %d, want 2 (one per extra)", len(calls))
	}
	if got, want := dataJSON(t, res), `{"en":"one","ko":"two"}`; got != want {
		t.Fatalf("data = %s, want %s", got, want)
	}
}

func TestBatch_UnknownLoaderIsFatal(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("Query", "a", loadField(LoaderKey{Source: "nowhere", Op: "nothing"}, 1))
	reg.MustRegister("Query", "b", MiddlewareFunc(func(ctx context.Context, s State) State {
		return s.Resolve("ok")
	}))
	e := NewEngine(reg)

	res := e.Execute(context.Background(), nil, []*Selection{
		sel("Query", "a"),
		sel("Query", "b"),
	})

	if res.Data != nil {
		t.Fatalf("data = %v, want nil on configuration error", res.Data)
	}
	wantErrs := []Error{{Message: "no bulk executor registered for loader nowhere/nothing"}}
	if diff := cmp.Diff(wantErrs, res.Errors); diff != "" {
		t.Fatalf("errors mismatch (-want +got):\n%s", diff)
	}
}

func TestBatch_UncomparableItemKeyFailsField(t *testing.T) {
	spy := &bulkSpy{values: map[any]any{1: "Soups"}}
	key := LoaderKey{Source: "menu", Op: "category"}

	reg := NewRegistry()
	reg.MustRegister("Query", "bad", loadField(key, []any{1, 2}))
	reg.MustRegister("Query", "good", loadField(key, 1))
	e := NewEngine(reg)
	e.MustRegisterLoader("menu", "category", spy.fn)

	res := e.Execute(context.Background(), nil, []*Selection{
		sel("Query", "bad"),
		sel("Query", "good"),
	})

	wantErrs := []Error{{
		Message: "item key of type []interface {} for loader menu/category is not comparable",
		Path:    Path{"bad"},
	}}
	if diff := cmp.Diff(wantErrs, res.Errors); diff != "" {
		t.Fatalf("errors mismatch (-want +got):\n%s", diff)
	}
	if got, want := dataJSON(t, res), `{"bad":null,"good":"Soups"}`; got != want {
		t.Fatalf("data = %s, want %s", got, want)
	}
	if diff := cmp.Diff([][]any{{1}}, spy.callLog()); diff != "" {
		t.Fatalf("bulk calls mismatch (-want +got):\n%s", diff)
	}
}

func TestBatch_FlushDeadlineFailsPendingFields(t *testing.T) {
	key := LoaderKey{Source: "menu", Op: "category"}
	block := make(chan struct{})
	defer close(block)
	// stuck never reads its context, the way a misbehaving bulk executor
	// would not.
	stuck := func(ctx context.Context, key LoaderKey, itemKeys []any) (map[any]any, error) {
		<-block
		return nil, nil
	}

	reg := NewRegistry()
	reg.MustRegister("Query", "a", loadField(key, 1))
	reg.MustRegister("Query", "b", loadField(key, 2))
	e := NewEngine(reg)
	e.MustRegisterLoader("menu", "category", stuck)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := e.Execute(ctx, nil, []*Selection{
		sel("Query", "a"),
		sel("Query", "b"),
	})

	wantErrs := []Error{
		{Message: context.DeadlineExceeded.Error(), Path: Path{"a"}},
		{Message: context.DeadlineExceeded.Error(), Path: Path{"b"}},
	}
	if diff := cmp.Diff(wantErrs, res.Errors); diff != "" {
		t.Fatalf("errors mismatch (-want +got):\n%s", diff)
	}
	if got, want := dataJSON(t, res), `{"a":null,"b":null}`; got != want {
		t.Fatalf("data = %s, want %s", got, want)
	}
}

func TestBatch_MissingItemResolvesNil(t *testing.T) {
	spy := &bulkSpy{values: map[any]any{1: "one"}}
	key := LoaderKey{Source: "menu", Op: "category"}

	reg := NewRegistry()
	reg.MustRegister("Query", "present", loadField(key, 1))
	reg.MustRegister("Query", "gone", loadField(key, 99))
	e := NewEngine(reg)
	e.MustRegisterLoader("menu", "category", spy.fn)

	res := e.Execute(context.Background(), nil, []*Selection{
		sel("Query", "present"),
		sel("Query", "gone"),
	})

	if got, want := dataJSON(t, res), `{"present":"one","gone":null}`; got != want {
		t.Fatalf("data = %s, want %s", got, want)
	}
	if diff := cmp.Diff([]Error{}, res.Errors); diff != "" {
		t.Fatalf("errors mismatch (-want +got):\n%s", diff)
	}
}

func TestBatch_PerFieldCallbacksOnSharedItem(t *testing.T) {
	spy := &bulkSpy{values: map[any]any{1: "Soups"}}
	key := LoaderKey{Source: "menu", Op: "category"}

	shout := MiddlewareFunc(func(ctx context.Context, s State) State {
		return s.Suspend(s.Request().Batch().Load(key, 1, func(ctx context.Context, s State, value any, err error) State {
			if err != nil {
				return s.Fail(err)
			}
			return s.Resolve(fmt.Sprintf("%v!", value))
		}))
	})

	reg := NewRegistry()
	reg.MustRegister("Query", "plain", loadField(key, 1))
	reg.MustRegister("Query", "shouty", shout)
	e := NewEngine(reg)
	e.MustRegisterLoader("menu", "category", spy.fn)

	res := e.Execute(context.Background(), nil, []*Selection{
		sel("Query", "plain"),
		sel("Query", "shouty"),
	})

	if diff := cmp.Diff([][]any{{1}}, spy.callLog()); diff != "" {
		t.Fatalf("bulk calls mismatch (-want +got):\n%s", diff)
	}
	if got, want := dataJSON(t, res), `{"plain":"Soups","shouty":"Soups!"}`; got != want {
		t.Fatalf("data = %s, want %s", got, want)
	}
}

func TestTask_ResultHonorsContext(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("Query", "slow", MiddlewareFunc(func(ctx context.Context, s State) State {
		task := s.Request().Batch().Go(ctx, func(ctx context.Context) (any, error) {
			select {
			case <-time.After(time.Second):
				return "too late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
		return s.Suspend(func(ctx context.Context, s State) State {
			v, err := task.Result(ctx)
			if err != nil {
				return s.Fail(err)
			}
			return s.Resolve(v)
		})
	}))
	e := NewEngine(reg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := e.Execute(ctx, nil, []*Selection{sel("Query", "slow")})

	wantErrs := []Error{{Message: context.DeadlineExceeded.Error(), Path: Path{"slow"}}}
	if diff := cmp.Diff(wantErrs, res.Errors); diff != "" {
		t.Fatalf("errors mismatch (-want +got):\n%s", diff)
	}
}
