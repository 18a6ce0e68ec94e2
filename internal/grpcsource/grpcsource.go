// Package grpcsource bridges the engine's bulk loading onto gRPC loader
// services. Each (source, op) pair maps to one BatchLoad method: the bridge
// packs the deduplicated item keys into the request's repeated batches field
// in registration order, invokes the transport, and maps response entries
// back to item keys by position.
package grpcsource

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/hanpama/lazygraph/internal/resolve"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Source turns registry method descriptors into resolve.BulkFuncs.
type Source struct {
	transport Transport
	reg       Registry
}

func New(transport Transport, reg Registry) *Source {
	return &Source{transport: transport, reg: reg}
}

// Bind returns the BulkFunc for (source, op). It fails when the registry
// never declared the operation.
func (s *Source) Bind(source, op string) (resolve.BulkFunc, error) {
	md := s.reg.Method(source, op)
	if md == nil {
		return nil, fmt.Errorf("grpcsource: no method for loader %s/%s", source, op)
	}
	return func(ctx context.Context, key resolve.LoaderKey, itemKeys []any) (map[any]any, error) {
		return s.load(ctx, md, itemKeys)
	}, nil
}

// Register binds every operation in the registry onto the engine.
func (s *Source) Register(eng *resolve.Engine) error {
	for _, key := range s.reg.Ops() {
		fn, err := s.Bind(key[0], key[1])
		if err != nil {
			return err
		}
		if err := eng.RegisterLoader(key[0], key[1], fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) load(ctx context.Context, md protoreflect.MethodDescriptor, itemKeys []any) (map[any]any, error) {
	imd := md.Input()
	batchesIn := imd.Fields().ByName("batches")
	if batchesIn == nil {
		return nil, fmt.Errorf("grpcsource: request %s has no batches field", imd.FullName())
	}
	entryDesc := batchesIn.Message()
	keyField := entryDesc.Fields().ByName("key")
	if keyField == nil {
		return nil, fmt.Errorf("grpcsource: request entry %s has no key field", entryDesc.FullName())
	}

	req := dynamicpb.NewMessage(imd)
	list := req.Mutable(batchesIn).List()
	for _, ik := range itemKeys {
		entry := dynamicpb.NewMessage(entryDesc)
		kv, err := encodeKey(keyField, ik)
		if err != nil {
			return nil, err
		}
		entry.Set(keyField, kv)
		list.Append(protoreflect.ValueOfMessage(entry))
	}
	req.Set(batchesIn, protoreflect.ValueOfList(list))

	resp, err := s.transport.Call(ctx, md, req)
	if err != nil {
		return nil, err
	}

	omd := md.Output()
	batchesOut := omd.Fields().ByName("batches")
	if batchesOut == nil {
		return nil, fmt.Errorf("grpcsource: response %s has no batches field", omd.FullName())
	}
	out := resp.Get(batchesOut).List()
	if out.Len() != len(itemKeys) {
		return nil, fmt.Errorf("grpcsource: %s returned %d batches for %d keys", md.FullName(), out.Len(), len(itemKeys))
	}
	dataField := batchesOut.Message().Fields().ByName("data")
	if dataField == nil {
		return nil, fmt.Errorf("grpcsource: response entry %s has no data field", batchesOut.Message().FullName())
	}

	values := make(map[any]any, len(itemKeys))
	for i, ik := range itemKeys {
		entry := out.Get(i).Message()
		v, err := decodeData(dataField, entry)
		if err != nil {
			return nil, fmt.Errorf("grpcsource: decode batch %d of %s: %w", i, md.FullName(), err)
		}
		if v == nil {
			// absent entry: the collector resolves the item to null
			continue
		}
		values[ik] = v
	}
	return values, nil
}

func encodeKey(fd protoreflect.FieldDescriptor, key any) (protoreflect.Value, error) {
	switch fd.Kind() {
	case protoreflect.StringKind:
		if s, ok := key.(string); ok {
			return protoreflect.ValueOfString(s), nil
		}
	case protoreflect.Int64Kind:
		switch n := key.(type) {
		case int:
			return protoreflect.ValueOfInt64(int64(n)), nil
		case int32:
			return protoreflect.ValueOfInt64(int64(n)), nil
		case int64:
			return protoreflect.ValueOfInt64(n), nil
		case float64:
			// JSON-decoded roots carry integers as float64.
			if n == math.Trunc(n) {
				return protoreflect.ValueOfInt64(int64(n)), nil
			}
		}
	case protoreflect.DoubleKind:
		switch n := key.(type) {
		case float32:
			return protoreflect.ValueOfFloat64(float64(n)), nil
		case float64:
			return protoreflect.ValueOfFloat64(n), nil
		}
	case protoreflect.BoolKind:
		if b, ok := key.(bool); ok {
			return protoreflect.ValueOfBool(b), nil
		}
	case protoreflect.BytesKind:
		raw, err := json.Marshal(key)
		if err != nil {
			return protoreflect.Value{}, fmt.Errorf("grpcsource: encode key %v: %w", key, err)
		}
		return protoreflect.ValueOfBytes(raw), nil
	}
	return protoreflect.Value{}, fmt.Errorf("grpcsource: key %v (%T) does not fit %s field %s", key, key, fd.Kind(), fd.FullName())
}

func decodeData(fd protoreflect.FieldDescriptor, entry protoreflect.Message) (any, error) {
	if entry == nil {
		return nil, nil
	}
	if fd.IsList() {
		lst := entry.Get(fd).List()
		out := make([]any, 0, lst.Len())
		for i := 0; i < lst.Len(); i++ {
			v, err := scalarValue(fd, lst.Get(i))
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	if !entry.Has(fd) {
		return nil, nil
	}
	return scalarValue(fd, entry.Get(fd))
}

func scalarValue(fd protoreflect.FieldDescriptor, v protoreflect.Value) (any, error) {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		return v.Bool(), nil
	case protoreflect.Int64Kind:
		return v.Int(), nil
	case protoreflect.DoubleKind:
		return v.Float(), nil
	case protoreflect.StringKind:
		return v.String(), nil
	case protoreflect.BytesKind:
		raw := v.Bytes()
		if len(raw) == 0 {
			return nil, nil
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, err
		}
		return decoded, nil
	}
	return nil, fmt.Errorf("unsupported payload kind %s", fd.Kind())
}
