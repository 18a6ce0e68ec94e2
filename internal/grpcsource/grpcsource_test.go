package grpcsource_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hanpama/lazygraph/internal/grpcsource"
	"github.com/hanpama/lazygraph/internal/loaderproto"
	"github.com/hanpama/lazygraph/internal/resolve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

func testRegistry(t *testing.T) *loaderproto.Registry {
	t.Helper()
	reg, err := loaderproto.Build(loaderproto.Config{
		Sources: []loaderproto.Source{
			{Name: "menu", Ops: []loaderproto.Op{
				{Name: "byId", Key: loaderproto.KindString, Result: loaderproto.KindJSON},
				{Name: "itemsByMenu", Key: loaderproto.KindString, Result: loaderproto.KindJSON, RepeatedResult: true},
			}},
			{Name: "pricing", Ops: []loaderproto.Op{
				{Name: "totalCents", Key: loaderproto.KindInt, Result: loaderproto.KindInt},
			}},
		},
	})
	require.NoError(t, err)
	return reg
}

// jsonBatchResponse builds a batch response whose data fields carry the given
// JSON payloads. An empty payload leaves the entry's data unset.
func jsonBatchResponse(t *testing.T, md protoreflect.MethodDescriptor, payloads ...string) protoreflect.Message {
	t.Helper()
	omd := md.Output()
	batches := omd.Fields().ByName("batches")
	require.NotNil(t, batches)
	entryDesc := batches.Message()
	data := entryDesc.Fields().ByName("data")
	require.NotNil(t, data)

	resp := dynamicpb.NewMessage(omd)
	list := resp.Mutable(batches).List()
	for _, p := range payloads {
		entry := dynamicpb.NewMessage(entryDesc)
		if p != "" {
			entry.Set(data, protoreflect.ValueOfBytes([]byte(p)))
		}
		list.Append(protoreflect.ValueOfMessage(entry))
	}
	resp.Set(batches, protoreflect.ValueOfList(list))
	return resp
}

func jsonListBatchResponse(t *testing.T, md protoreflect.MethodDescriptor, entries ...[]string) protoreflect.Message {
	t.Helper()
	omd := md.Output()
	batches := omd.Fields().ByName("batches")
	require.NotNil(t, batches)
	entryDesc := batches.Message()
	data := entryDesc.Fields().ByName("data")
	require.NotNil(t, data)

	resp := dynamicpb.NewMessage(omd)
	list := resp.Mutable(batches).List()
	for _, payloads := range entries {
		entry := dynamicpb.NewMessage(entryDesc)
		dl := entry.Mutable(data).List()
		for _, p := range payloads {
			dl.Append(protoreflect.ValueOfBytes([]byte(p)))
		}
		entry.Set(data, protoreflect.ValueOfList(dl))
		list.Append(protoreflect.ValueOfMessage(entry))
	}
	resp.Set(batches, protoreflect.ValueOfList(list))
	return resp
}

func intBatchResponse(t *testing.T, md protoreflect.MethodDescriptor, vals ...int64) protoreflect.Message {
	t.Helper()
	omd := md.Output()
	batches := omd.Fields().ByName("batches")
	require.NotNil(t, batches)
	entryDesc := batches.Message()
	data := entryDesc.Fields().ByName("data")
	require.NotNil(t, data)

	resp := dynamicpb.NewMessage(omd)
	list := resp.Mutable(batches).List()
	for _, v := range vals {
		entry := dynamicpb.NewMessage(entryDesc)
		entry.Set(data, protoreflect.ValueOfInt64(v))
		list.Append(protoreflect.ValueOfMessage(entry))
	}
	resp.Set(batches, protoreflect.ValueOfList(list))
	return resp
}

func TestBindPacksKeysInOrder(t *testing.T) {
	reg := testRegistry(t)
	md := reg.Method("menu", "byId")
	mock := grpcsource.NewMockTransport(jsonBatchResponse(t, md,
		`{"id":"m1","name":"Lunch"}`, `{"id":"m2","name":"Dinner"}`))
	src := grpcsource.New(mock, reg)

	fn, err := src.Bind("menu", "byId")
	require.NoError(t, err)

	values, err := fn(context.Background(), resolve.LoaderKey{Source: "menu", Op: "byId"}, []any{"m1", "m2"})
	require.NoError(t, err)

	want := map[any]any{
		"m1": map[string]any{"id": "m1", "name": "Lunch"},
		"m2": map[string]any{"id": "m2", "name": "Dinner"},
	}
	if diff := cmp.Diff(want, values); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/lazygraph.MenuService/BatchLoadById", calls[0].FullMethod)

	req := calls[0].Request.ProtoReflect()
	batches := req.Descriptor().Fields().ByName("batches")
	list := req.Get(batches).List()
	require.Equal(t, 2, list.Len())
	keyField := batches.Message().Fields().ByName("key")
	assert.Equal(t, "m1", list.Get(0).Message().Get(keyField).String())
	assert.Equal(t, "m2", list.Get(1).Message().Get(keyField).String())
}

func TestMissingEntryLeavesKeyUnresolved(t *testing.T) {
	reg := testRegistry(t)
	md := reg.Method("menu", "byId")
	mock := grpcsource.NewMockTransport(jsonBatchResponse(t, md, `{"id":"m1"}`, ""))
	src := grpcsource.New(mock, reg)

	fn, err := src.Bind("menu", "byId")
	require.NoError(t, err)

	values, err := fn(context.Background(), resolve.LoaderKey{Source: "menu", Op: "byId"}, []any{"m1", "m2"})
	require.NoError(t, err)
	assert.Contains(t, values, "m1")
	assert.NotContains(t, values, "m2")
}

func TestRepeatedResultDecodesAsList(t *testing.T) {
	reg := testRegistry(t)
	md := reg.Method("menu", "itemsByMenu")
	mock := grpcsource.NewMockTransport(jsonListBatchResponse(t, md,
		[]string{`{"name":"Soup"}`, `{"name":"Bread"}`},
	))
	src := grpcsource.New(mock, reg)

	fn, err := src.Bind("menu", "itemsByMenu")
	require.NoError(t, err)

	values, err := fn(context.Background(), resolve.LoaderKey{Source: "menu", Op: "itemsByMenu"}, []any{"m1"})
	require.NoError(t, err)

	want := map[any]any{
		"m1": []any{
			map[string]any{"name": "Soup"},
			map[string]any{"name": "Bread"},
		},
	}
	if diff := cmp.Diff(want, values); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestScalarPayloadKinds(t *testing.T) {
	reg := testRegistry(t)
	md := reg.Method("pricing", "totalCents")
	mock := grpcsource.NewMockTransport(intBatchResponse(t, md, 420, 980))
	src := grpcsource.New(mock, reg)

	fn, err := src.Bind("pricing", "totalCents")
	require.NoError(t, err)

	values, err := fn(context.Background(), resolve.LoaderKey{Source: "pricing", Op: "totalCents"}, []any{7, 11})
	require.NoError(t, err)
	assert.Equal(t, map[any]any{7: int64(420), 11: int64(980)}, values)

	req := mock.Calls()[0].Request.ProtoReflect()
	batches := req.Descriptor().Fields().ByName("batches")
	keyField := batches.Message().Fields().ByName("key")
	assert.Equal(t, int64(7), req.Get(batches).List().Get(0).Message().Get(keyField).Int())
}

func TestBatchCountMismatchFails(t *testing.T) {
	reg := testRegistry(t)
	md := reg.Method("menu", "byId")
	mock := grpcsource.NewMockTransport(jsonBatchResponse(t, md, `{"id":"m1"}`))
	src := grpcsource.New(mock, reg)

	fn, err := src.Bind("menu", "byId")
	require.NoError(t, err)

	_, err = fn(context.Background(), resolve.LoaderKey{Source: "menu", Op: "byId"}, []any{"m1", "m2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 1 batches for 2 keys")
}

func TestTransportErrorPropagates(t *testing.T) {
	reg := testRegistry(t)
	mock := grpcsource.NewMockTransportWithErrors(
		[]protoreflect.Message{nil},
		[]error{errors.New("menu service down")},
	)
	src := grpcsource.New(mock, reg)

	fn, err := src.Bind("menu", "byId")
	require.NoError(t, err)

	_, err = fn(context.Background(), resolve.LoaderKey{Source: "menu", Op: "byId"}, []any{"m1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "menu service down")
}

func TestBindUnknownOp(t *testing.T) {
	src := grpcsource.New(grpcsource.NewMockTransport(), testRegistry(t))

	_, err := src.Bind("menu", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no method for loader menu/nope")
}

func TestKeyKindMismatchFails(t *testing.T) {
	reg := testRegistry(t)
	src := grpcsource.New(grpcsource.NewMockTransport(), reg)

	fn, err := src.Bind("pricing", "totalCents")
	require.NoError(t, err)

	_, err = fn(context.Background(), resolve.LoaderKey{Source: "pricing", Op: "totalCents"}, []any{"not-a-number"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not fit")
}

func TestEngineRoundTrip(t *testing.T) {
	lpReg := testRegistry(t)
	md := lpReg.Method("menu", "byId")
	mock := grpcsource.NewMockTransport(jsonBatchResponse(t, md, `{"name":"Lunch"}`))

	reg := resolve.NewRegistry()
	reg.MustRegister("Query", "menu", resolve.MiddlewareFunc(func(ctx context.Context, s resolve.State) resolve.State {
		key := resolve.LoaderKey{Source: "menu", Op: "byId"}
		return s.Suspend(s.Request().Batch().LoadValue(key, "m1"))
	}))
	reg.MustRegister("Menu", "name", resolve.MiddlewareFunc(func(ctx context.Context, s resolve.State) resolve.State {
		return s.Resolve(s.Parent().(map[string]any)["name"])
	}))

	eng := resolve.NewEngine(reg)
	require.NoError(t, grpcsource.New(mock, lpReg).Register(eng))

	res := eng.Execute(context.Background(), nil, []*resolve.Selection{
		{Field: "menu", On: "Query", Children: []*resolve.Selection{{Field: "name", On: "Menu"}}},
	})
	require.Empty(t, res.Errors)

	raw, err := json.Marshal(res.Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"menu":{"name":"Lunch"}}`, string(raw))
	assert.Len(t, mock.Calls(), 1)
}
