package app

import "encoding/json"

// Opt is a tri-state JSON field for partial updates: absent from the payload
// leaves the target untouched, an explicit null clears it, and a value sets
// it. Plain pointers cannot express the difference between absent and null.
type Opt[T any] struct {
	Set   bool
	Null  bool
	Value T
}

func (o *Opt[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Null = true
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

// Ptr returns the value for a nullable column: nil when the field was set to
// null, the new value otherwise. Only meaningful when Set is true.
func (o Opt[T]) Ptr() *T {
	if o.Null {
		return nil
	}
	value := o.Value
	return &value
}
