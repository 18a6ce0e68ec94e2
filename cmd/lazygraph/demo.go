package main

import (
	"context"

	"github.com/hanpama/lazygraph/internal/binding"
	"github.com/hanpama/lazygraph/internal/language"
	"github.com/hanpama/lazygraph/internal/resolve"
)

// The demo serves a small menu catalog from process memory. Category and tag
// lookups go through @load bindings backed by in-process bulk executors, so
// batching behaves exactly as it would against real loader services:
//
//	{ items { name category { name } } }
//
// resolves every item's category in one bulk call per pass.
const demoSDL = binding.DirectiveSDL + `
type Query {
  items: [MenuItem]
  item(id: ID!): MenuItem
}
type MenuItem {
  id: ID
  name: String
  priceCents: Int
  categoryId: Int
  category: Category @load(source: "menu", op: "category", key: "categoryId")
  tags: [String] @load(source: "menu", op: "tags", key: "id")
}
type Category {
  id: Int
  name: String
}
type Subscription {
  itemUpdated: MenuItem
}
`

var demoItems = []map[string]any{
	{"id": "espresso", "name": "Espresso", "priceCents": int64(250), "categoryId": int64(1)},
	{"id": "latte", "name": "Latte", "priceCents": int64(420), "categoryId": int64(1)},
	{"id": "bagel", "name": "Bagel", "priceCents": int64(380), "categoryId": int64(2)},
	{"id": "croissant", "name": "Croissant", "priceCents": int64(410), "categoryId": int64(2)},
}

var demoCategories = map[int64]map[string]any{
	1: {"id": int64(1), "name": "Drinks"},
	2: {"id": int64(2), "name": "Bakery"},
}

var demoTags = map[string][]any{
	"espresso":  {"hot", "classic"},
	"latte":     {"hot", "milk"},
	"bagel":     {"vegan"},
	"croissant": {"butter"},
}

func demoEngine() (*language.Schema, *resolve.Engine) {
	schema := language.MustLoadSchema("demo.graphql", demoSDL)
	reg, _, err := binding.Bind(schema)
	if err != nil {
		panic(err)
	}

	reg.MustRegister("Query", "items", resolve.Resolver(func(ctx context.Context, parent any, args map[string]any) (any, error) {
		out := make([]any, len(demoItems))
		for i, item := range demoItems {
			out[i] = item
		}
		return out, nil
	}))
	reg.MustRegister("Query", "item", resolve.Resolver(func(ctx context.Context, parent any, args map[string]any) (any, error) {
		id, _ := args["id"].(string)
		for _, item := range demoItems {
			if item["id"] == id {
				return item, nil
			}
		}
		return nil, nil
	}))
	// Subscription roots arrive as published values; pass them through.
	reg.MustRegister("Subscription", "itemUpdated", resolve.MiddlewareFunc(func(ctx context.Context, s resolve.State) resolve.State {
		return s.Resolve(s.Parent())
	}))

	engine := resolve.NewEngine(reg)
	engine.MustRegisterLoader("menu", "category", func(ctx context.Context, key resolve.LoaderKey, itemKeys []any) (map[any]any, error) {
		out := make(map[any]any, len(itemKeys))
		for _, ik := range itemKeys {
			id, ok := toInt64(ik)
			if !ok {
				continue
			}
			if cat, found := demoCategories[id]; found {
				out[ik] = cat
			}
		}
		return out, nil
	})
	engine.MustRegisterLoader("menu", "tags", func(ctx context.Context, key resolve.LoaderKey, itemKeys []any) (map[any]any, error) {
		out := make(map[any]any, len(itemKeys))
		for _, ik := range itemKeys {
			if id, ok := ik.(string); ok {
				out[ik] = demoTags[id]
			}
		}
		return out, nil
	})
	return schema, engine
}

// toInt64 accepts the integer shapes a key attribute can arrive in: typed
// demo data or JSON-decoded published roots.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
