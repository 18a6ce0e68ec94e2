package resolve

import (
	"bytes"
	"encoding/json"
)

// Error is one located resolution error.
type Error struct {
	Message string `json:"message"`
	Path    Path   `json:"path,omitempty"`
}

func (e Error) Error() string {
	if len(e.Path) == 0 {
		return e.Message
	}
	return e.Message + " (at " + pathToString(e.Path) + ")"
}

// Result is the outcome of one execution: the resolved data tree plus every
// error recorded along the way. Data is nil when a fatal error aborted the
// request.
type Result struct {
	Data   any     `json:"data"`
	Errors []Error `json:"errors,omitempty"`
}

// ObjectField is one key/value entry of an Object.
type ObjectField struct {
	Key   string
	Value any
}

// Object is a response object that preserves field declaration order, which
// Go maps do not. It marshals to a JSON object with keys in insertion order.
type Object struct {
	fields []ObjectField
	index  map[string]int
}

func NewObject() *Object {
	return &Object{index: make(map[string]int)}
}

// Set appends the field, or replaces its value in place when the key is
// already present.
func (o *Object) Set(key string, value any) {
	if i, ok := o.index[key]; ok {
		o.fields[i].Value = value
		return
	}
	o.index[key] = len(o.fields)
	o.fields = append(o.fields, ObjectField{Key: key, Value: value})
}

// Field returns the value stored under key.
func (o *Object) Field(key string) (any, bool) {
	i, ok := o.index[key]
	if !ok {
		return nil, false
	}
	return o.fields[i].Value, true
}

// Len returns the number of fields.
func (o *Object) Len() int { return len(o.fields) }

// Fields returns the entries in insertion order. The slice is shared; treat
// it as read-only.
func (o *Object) Fields() []ObjectField { return o.fields }

func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
