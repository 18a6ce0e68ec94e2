// Package document translates parsed GraphQL documents into the selection
// trees the resolution engine executes.
//
// The translation is static: fragments flatten at build time against the
// schema's type relationships, response keys merge in first-occurrence order,
// and @skip/@include evaluate against the supplied variables. The engine
// itself never sees the schema or the document, only the resulting tree.
package document

import (
	"context"
	"fmt"

	"github.com/hanpama/lazygraph/internal/language"
	"github.com/hanpama/lazygraph/internal/resolve"
)

// Build compiles one operation of doc into root selections for the engine.
// It returns the selections, the operation type, and an error for anything
// that makes the document unexecutable as wired: a missing operation, an
// unknown field or fragment, or a fragment that cannot be placed statically.
func Build(schema *language.Schema, doc *language.QueryDocument, operationName string, variables map[string]any) ([]*resolve.Selection, language.Operation, error) {
	op := doc.Operations.ForName(operationName)
	if op == nil {
		if operationName == "" {
			return nil, "", fmt.Errorf("document declares %d operations and no operation name was given", len(doc.Operations))
		}
		return nil, "", fmt.Errorf("operation %q not found in document", operationName)
	}

	var root *language.Definition
	switch op.Operation {
	case language.Mutation:
		root = schema.Mutation
	case language.Subscription:
		root = schema.Subscription
	default:
		root = schema.Query
	}
	if root == nil {
		return nil, "", fmt.Errorf("schema declares no %s type", op.Operation)
	}

	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	for _, vd := range op.VariableDefinitions {
		if vd.DefaultValue == nil || vars[vd.Variable] != nil {
			continue
		}
		value, err := vd.DefaultValue.Value(vars)
		if err != nil {
			return nil, "", fmt.Errorf("default value for $%s: %w", vd.Variable, err)
		}
		vars[vd.Variable] = value
	}

	b := &builder{
		schema:    schema,
		fragments: make(map[string]*language.FragmentDefinition, len(doc.Fragments)),
		visiting:  make(map[string]bool),
		vars:      vars,
	}
	for _, frag := range doc.Fragments {
		b.fragments[frag.Name] = frag
	}

	selections, err := b.selectionSet(root, op.SelectionSet)
	if err != nil {
		return nil, "", err
	}
	return selections, op.Operation, nil
}

type builder struct {
	schema    *language.Schema
	fragments map[string]*language.FragmentDefinition
	visiting  map[string]bool
	vars      map[string]any
}

// fieldGroup accumulates every document field sharing one response key at one
// level. Child selection sets merge before recursing so duplicate keys
// deduplicate all the way down.
type fieldGroup struct {
	key      string
	name     string
	def      *language.FieldDefinition
	args     map[string]any
	sets     []language.SelectionSet
	typename bool
}

func (b *builder) selectionSet(parent *language.Definition, set language.SelectionSet) ([]*resolve.Selection, error) {
	var groups []*fieldGroup
	index := make(map[string]*fieldGroup)
	if err := b.collect(parent, set, &groups, index); err != nil {
		return nil, err
	}

	out := make([]*resolve.Selection, 0, len(groups))
	for _, g := range groups {
		rs := &resolve.Selection{Field: g.name, Key: g.key, On: parent.Name, Args: g.args}
		if g.typename {
			out = append(out, rs)
			continue
		}
		if len(g.sets) > 0 {
			childName := g.def.Type.Name()
			child := b.schema.Types[childName]
			if child == nil {
				return nil, fmt.Errorf("field %s.%s has unknown type %s", parent.Name, g.name, childName)
			}
			var merged language.SelectionSet
			for _, s := range g.sets {
				merged = append(merged, s...)
			}
			children, err := b.selectionSet(child, merged)
			if err != nil {
				return nil, err
			}
			rs.Children = children
		}
		out = append(out, rs)
	}
	return out, nil
}

func (b *builder) collect(parent *language.Definition, set language.SelectionSet, groups *[]*fieldGroup, index map[string]*fieldGroup) error {
	for _, s := range set {
		switch f := s.(type) {
		case *language.Field:
			skip, err := b.skipped(f.Directives)
			if err != nil {
				return err
			}
			if skip {
				continue
			}
			key := f.Alias
			if key == "" {
				key = f.Name
			}
			g := index[key]
			if g == nil {
				g = &fieldGroup{key: key, name: f.Name}
				if f.Name == "__typename" {
					g.typename = true
				} else {
					g.def = parent.Fields.ForName(f.Name)
					if g.def == nil {
						return fmt.Errorf("field %s not defined on %s", f.Name, parent.Name)
					}
				}
				index[key] = g
				*groups = append(*groups, g)
			} else if g.name != f.Name {
				return fmt.Errorf("response key %q selects both %s and %s on %s", key, g.name, f.Name, parent.Name)
			}
			if g.args == nil {
				args, err := b.argumentValues(g.def, f)
				if err != nil {
					return fmt.Errorf("field %s.%s: %w", parent.Name, f.Name, err)
				}
				g.args = args
			}
			if len(f.SelectionSet) > 0 {
				g.sets = append(g.sets, f.SelectionSet)
			}

		case *language.FragmentSpread:
			skip, err := b.skipped(f.Directives)
			if err != nil {
				return err
			}
			if skip {
				continue
			}
			frag := b.fragments[f.Name]
			if frag == nil {
				return fmt.Errorf("unknown fragment %s", f.Name)
			}
			ok, err := b.placeable(parent, frag.TypeCondition)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if b.visiting[f.Name] {
				return fmt.Errorf("fragment %s spreads itself", f.Name)
			}
			b.visiting[f.Name] = true
			err = b.collect(parent, frag.SelectionSet, groups, index)
			delete(b.visiting, f.Name)
			if err != nil {
				return err
			}

		case *language.InlineFragment:
			skip, err := b.skipped(f.Directives)
			if err != nil {
				return err
			}
			if skip {
				continue
			}
			ok, err := b.placeable(parent, f.TypeCondition)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := b.collect(parent, f.SelectionSet, groups, index); err != nil {
				return err
			}
		}
	}
	return nil
}

// placeable decides whether a fragment with the given type condition applies
// to every value of the parent type. Conditions naming the parent itself or a
// supertype of it (an implemented interface, a containing union) always
// apply. A condition naming a strict subtype would need the runtime type of
// each value, which a statically built tree does not observe, so it is
// rejected rather than silently dropped.
func (b *builder) placeable(parent *language.Definition, condition string) (bool, error) {
	if condition == "" || condition == parent.Name {
		return true, nil
	}
	cond := b.schema.Types[condition]
	if cond == nil {
		return false, fmt.Errorf("fragment condition on unknown type %s", condition)
	}
	for _, iface := range parent.Interfaces {
		if iface == condition {
			return true, nil
		}
	}
	for _, possible := range b.schema.PossibleTypes[condition] {
		if possible.Name == parent.Name {
			return true, nil
		}
	}
	if parent.Kind == language.Interface || parent.Kind == language.Union {
		return false, fmt.Errorf("fragment on %s inside a %s selection needs runtime type dispatch", condition, parent.Name)
	}
	return false, nil
}

// argumentValues resolves the document's argument list against def, filling
// in declared defaults for arguments the document leaves out. A nil def means
// the field takes no arguments (the __typename meta field).
func (b *builder) argumentValues(def *language.FieldDefinition, f *language.Field) (map[string]any, error) {
	args := make(map[string]any, len(f.Arguments))
	for _, a := range f.Arguments {
		value, err := a.Value.Value(b.vars)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", a.Name, err)
		}
		args[a.Name] = value
	}
	if def == nil {
		return args, nil
	}
	for _, ad := range def.Arguments {
		if _, ok := args[ad.Name]; ok || ad.DefaultValue == nil {
			continue
		}
		value, err := ad.DefaultValue.Value(nil)
		if err != nil {
			return nil, fmt.Errorf("default for argument %s: %w", ad.Name, err)
		}
		args[ad.Name] = value
	}
	return args, nil
}

func (b *builder) skipped(directives language.DirectiveList) (bool, error) {
	for _, d := range directives {
		switch d.Name {
		case "skip", "include":
			var cond, found bool
			for _, a := range d.Arguments {
				if a.Name != "if" {
					continue
				}
				value, err := a.Value.Value(b.vars)
				if err != nil {
					return false, fmt.Errorf("directive @%s: %w", d.Name, err)
				}
				cond, found = value.(bool)
				if !found {
					return false, fmt.Errorf("directive @%s needs a boolean 'if' argument", d.Name)
				}
			}
			if !found {
				return false, fmt.Errorf("directive @%s needs a boolean 'if' argument", d.Name)
			}
			if (d.Name == "skip") == cond {
				return true, nil
			}
		}
	}
	return false, nil
}

// BindTypeNames registers a __typename chain for every composite type in
// schema, resolving the meta field to the statically selected type name.
func BindTypeNames(reg *resolve.Registry, schema *language.Schema) {
	for name, def := range schema.Types {
		switch def.Kind {
		case language.Object, language.Interface, language.Union:
			typeName := name
			reg.MustRegister(typeName, "__typename", resolve.Resolver(
				func(ctx context.Context, parent any, args map[string]any) (any, error) {
					return typeName, nil
				}))
		}
	}
}
