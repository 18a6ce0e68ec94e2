// Package binding turns @load directives declared in an SDL schema into the
// engine wiring a gateway needs: a middleware chain per annotated field and a
// loader service configuration covering every (source, op) the schema refers
// to. Fields without a directive keep the engine's property-accessor default.
package binding

import (
	"context"
	"fmt"
	"sort"

	"github.com/hanpama/lazygraph/internal/document"
	"github.com/hanpama/lazygraph/internal/language"
	"github.com/hanpama/lazygraph/internal/loaderproto"
	"github.com/hanpama/lazygraph/internal/resolve"
)

// DirectiveSDL declares the @load directive. Schemas that do not declare it
// themselves should have this prepended before loading.
const DirectiveSDL = `directive @load(source: String!, op: String!, key: String!, extra: String) on FIELD_DEFINITION

`

// fieldBinding is one @load use: resolve the field by batch-loading the
// parent's key attribute from (source, op).
type fieldBinding struct {
	typeName string
	field    string
	source   string
	op       string
	extra    string
	keyAttr  string
	repeated bool
	keyKind  loaderproto.Kind
}

// Bind scans schema for @load directives and returns the registry and the
// loader configuration they imply. The registry also carries __typename
// chains for every composite type. Conflicting uses of the same (source, op)
// are a wiring error.
func Bind(schema *language.Schema) (*resolve.Registry, loaderproto.Config, error) {
	// Scan types in name order so the derived loader configuration, and the
	// .proto files rendered from it, are stable across runs.
	names := make([]string, 0, len(schema.Types))
	for name := range schema.Types {
		names = append(names, name)
	}
	sort.Strings(names)

	var bindings []fieldBinding
	for _, name := range names {
		def := schema.Types[name]
		if def.Kind != language.Object || def.BuiltIn {
			continue
		}
		for _, fd := range def.Fields {
			dir := fd.Directives.ForName("load")
			if dir == nil {
				continue
			}
			b, err := bindField(schema, def, fd, dir)
			if err != nil {
				return nil, loaderproto.Config{}, err
			}
			bindings = append(bindings, b)
		}
	}

	reg := resolve.NewRegistry()
	document.BindTypeNames(reg, schema)
	for _, b := range bindings {
		if err := reg.Register(b.typeName, b.field, loadMiddleware(b)); err != nil {
			return nil, loaderproto.Config{}, err
		}
	}

	cfg, err := loaderConfig(bindings)
	if err != nil {
		return nil, loaderproto.Config{}, err
	}
	return reg, cfg, nil
}

func bindField(schema *language.Schema, def *language.Definition, fd *language.FieldDefinition, dir *language.Directive) (fieldBinding, error) {
	b := fieldBinding{typeName: def.Name, field: fd.Name}
	for _, arg := range dir.Arguments {
		switch arg.Name {
		case "source":
			b.source = arg.Value.Raw
		case "op":
			b.op = arg.Value.Raw
		case "key":
			b.keyAttr = arg.Value.Raw
		case "extra":
			b.extra = arg.Value.Raw
		default:
			return b, fmt.Errorf("binding: %s.%s: unknown @load argument %q", def.Name, fd.Name, arg.Name)
		}
	}
	if b.source == "" || b.op == "" || b.keyAttr == "" {
		return b, fmt.Errorf("binding: %s.%s: @load requires source, op and key", def.Name, fd.Name)
	}

	b.repeated = isList(fd.Type)
	b.keyKind = keyKind(schema, def, b.keyAttr)
	return b, nil
}

// isList reports whether t is a list type; non-null is a flag on the type,
// not a wrapper, so a single Elem check suffices.
func isList(t *language.Type) bool {
	return t != nil && t.Elem != nil
}

// keyKind infers the wire kind of the key attribute from the declaring
// type's own field of that name. Unknown or non-scalar key fields travel as
// JSON.
func keyKind(schema *language.Schema, def *language.Definition, keyAttr string) loaderproto.Kind {
	kf := def.Fields.ForName(keyAttr)
	if kf == nil {
		return loaderproto.KindJSON
	}
	t := kf.Type
	for t != nil && t.NamedType == "" {
		t = t.Elem
	}
	if t == nil {
		return loaderproto.KindJSON
	}
	switch t.NamedType {
	case "ID", "String":
		return loaderproto.KindString
	case "Int":
		return loaderproto.KindInt
	case "Float":
		return loaderproto.KindFloat
	case "Boolean":
		return loaderproto.KindBool
	}
	return loaderproto.KindJSON
}

// loadMiddleware resolves the field by reading the key attribute off the
// parent and registering it with the batch collector. A nil key resolves the
// field to null without issuing a load.
func loadMiddleware(b fieldBinding) resolve.Middleware {
	key := resolve.LoaderKey{Source: b.source, Op: b.op, Extra: b.extra}
	return resolve.MiddlewareFunc(func(ctx context.Context, s resolve.State) resolve.State {
		item := attribute(s.Parent(), b.keyAttr)
		if item == nil {
			return s.Resolve(nil)
		}
		return s.Suspend(s.Request().Batch().LoadValue(key, item))
	})
}

func attribute(parent any, name string) any {
	switch p := parent.(type) {
	case resolve.AttributeGetter:
		v, _ := p.Attribute(name)
		return v
	case map[string]any:
		return p[name]
	}
	return nil
}

func loaderConfig(bindings []fieldBinding) (loaderproto.Config, error) {
	type opID struct{ source, op string }
	ops := make(map[opID]loaderproto.Op)
	var sourceOrder []string
	bySource := make(map[string][]string)

	for _, b := range bindings {
		id := opID{b.source, b.op}
		op := loaderproto.Op{
			Name:           b.op,
			Key:            b.keyKind,
			Result:         loaderproto.KindJSON,
			RepeatedResult: b.repeated,
		}
		if prev, ok := ops[id]; ok {
			if prev != op {
				return loaderproto.Config{}, fmt.Errorf("binding: loader %s/%s bound with conflicting shapes", b.source, b.op)
			}
			continue
		}
		ops[id] = op
		if _, ok := bySource[b.source]; !ok {
			sourceOrder = append(sourceOrder, b.source)
		}
		bySource[b.source] = append(bySource[b.source], b.op)
	}

	cfg := loaderproto.Config{}
	for _, src := range sourceOrder {
		s := loaderproto.Source{Name: src}
		for _, opName := range bySource[src] {
			s.Ops = append(s.Ops, ops[opID{src, opName}])
		}
		cfg.Sources = append(cfg.Sources, s)
	}
	return cfg, nil
}
