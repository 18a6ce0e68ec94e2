// Package language wraps the gqlparser surface the rest of the module uses:
// parsing, schema loading, and request validation.
package language

import (
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"
)

// Error is one located GraphQL error.
type Error = gqlerror.Error

// ErrorList is an ordered list of located GraphQL errors.
type ErrorList = gqlerror.List

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func ParseSchema(name, source string) (*SchemaDocument, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: name, Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadSchema parses and validates an SDL document into a usable schema,
// including the standard prelude types and directives.
func LoadSchema(name, source string) (*Schema, error) {
	return gqlparser.LoadSchema(&ast.Source{Name: name, Input: source})
}

// MustLoadSchema is LoadSchema, panicking on invalid SDL. Meant for wiring
// code and tests where the schema is a compile-time constant.
func MustLoadSchema(name, source string) *Schema {
	schema, err := LoadSchema(name, source)
	if err != nil {
		panic(err)
	}
	return schema
}

// Validate runs the standard validation rules for doc against schema. A nil
// result means the document is executable.
func Validate(schema *Schema, doc *QueryDocument) ErrorList {
	return validator.Validate(schema, doc)
}
