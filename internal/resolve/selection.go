package resolve

// Selection is one field invocation within a validated request document.
//
// The engine does not parse or validate documents itself; it executes any
// selection tree handed to it. Children keep document declaration order, and
// that order is preserved in the response. A Selection carries no per-request
// state and may be shared across concurrent executions.
type Selection struct {
	// Field is the schema field name used for registry lookup.
	Field string
	// Key is the response key: the alias when the document uses one,
	// otherwise the field name. Empty defaults to Field.
	Key string
	// On is the name of the type declaring the field.
	On string
	// Args maps argument names to already coerced values.
	Args map[string]any
	// Children are the sub-selections applied to this field's value.
	Children []*Selection
}

func (s *Selection) responseKey() string {
	if s.Key != "" {
		return s.Key
	}
	return s.Field
}
