package resolve

import (
	"encoding/json"
	"testing"
)

func TestObject_MarshalKeepsInsertionOrder(t *testing.T) {
	obj := NewObject()
	obj.Set("zebra", 1)
	obj.Set("apple", 2)
	obj.Set("mango", nil)

	raw, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(raw), `{"zebra":1,"apple":2,"mango":null}`; got != want {
		t.Fatalf("json = %s, want %s", got, want)
	}
}

func TestObject_SetReplacesInPlace(t *testing.T) {
	obj := NewObject()
	obj.Set("a", 1)
	obj.Set("b", 2)
	obj.Set("a", 3)

	if obj.Len() != 2 {
		t.Fatalf("len = %d, want 2", obj.Len())
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(raw), `{"a":3,"b":2}`; got != want {
		t.Fatalf("json = %s, want %s", got, want)
	}
	if v, ok := obj.Field("a"); !ok || v != 3 {
		t.Fatalf("Field(a) = %v, %v, want 3, true", v, ok)
	}
}

func TestError_StringIncludesPath(t *testing.T) {
	err := Error{Message: "boom", Path: Path{"categories", 1, "name"}}
	if got, want := err.Error(), "boom (at categories[1].name)"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	bare := Error{Message: "boom"}
	if got, want := bare.Error(), "boom"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
