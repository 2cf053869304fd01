package ir

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind identifies the type of an attribute value.
type Kind string

const (
	KindString    Kind = "string"
	KindNumber    Kind = "number"
	KindBool      Kind = "bool"
	KindReference Kind = "reference"
)

// Value is a typed attribute value. Exactly one of the payload fields is
// meaningful, selected by Kind. References point at another resource's
// attribute and are resolved by the executor against the working snapshot.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Bool bool
	Ref  *Reference
}

// Reference addresses another resource's attribute, e.g. mem.Network.core + "id".
type Reference struct {
	Address   string `json:"address"`
	Attribute string `json:"attribute"`
}

func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }
func Bool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }

func RefTo(address, attribute string) Value {
	return Value{Kind: KindReference, Ref: &Reference{Address: address, Attribute: attribute}}
}

// Equal reports whether two values are identical in kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindNumber:
		return v.Num == o.Num
	case KindBool:
		return v.Bool == o.Bool
	case KindReference:
		return v.Ref != nil && o.Ref != nil && *v.Ref == *o.Ref
	}
	return false
}

// Interface returns the value as a plain Go value for handler consumption.
// References have no plain form and return their display string.
func (v Value) Interface() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindReference:
		return v.GoString()
	}
	return nil
}

// GoString renders the value for plan output and diagnostics.
func (v Value) GoString() string {
	switch v.Kind {
	case KindString:
		return strconv.Quote(v.Str)
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindReference:
		if v.Ref == nil {
			return "${}"
		}
		return fmt.Sprintf("${%s.%s}", v.Ref.Address, v.Ref.Attribute)
	}
	return "<invalid>"
}

// FromGo converts a plain Go scalar (as returned by handlers or decoded from
// JSON/YAML) into a typed Value.
func FromGo(raw any) (Value, error) {
	switch val := raw.(type) {
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Number(float64(val)), nil
	case int64:
		return Number(float64(val)), nil
	case float64:
		return Number(val), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", val.String(), err)
		}
		return Number(f), nil
	default:
		return Value{}, fmt.Errorf("unsupported attribute value type %T", raw)
	}
}

type valueJSON struct {
	Kind Kind       `json:"kind"`
	Str  *string    `json:"string,omitempty"`
	Num  *float64   `json:"number,omitempty"`
	Bool *bool      `json:"bool,omitempty"`
	Ref  *Reference `json:"reference,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Kind: v.Kind}
	switch v.Kind {
	case KindString:
		out.Str = &v.Str
	case KindNumber:
		out.Num = &v.Num
	case KindBool:
		out.Bool = &v.Bool
	case KindReference:
		out.Ref = v.Ref
	default:
		return nil, fmt.Errorf("cannot marshal value of kind %q", v.Kind)
	}
	return json.Marshal(out)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Kind {
	case KindString:
		if in.Str == nil {
			return fmt.Errorf("string value missing payload")
		}
		*v = String(*in.Str)
	case KindNumber:
		if in.Num == nil {
			return fmt.Errorf("number value missing payload")
		}
		*v = Number(*in.Num)
	case KindBool:
		if in.Bool == nil {
			return fmt.Errorf("bool value missing payload")
		}
		*v = Bool(*in.Bool)
	case KindReference:
		if in.Ref == nil {
			return fmt.Errorf("reference value missing payload")
		}
		*v = Value{Kind: KindReference, Ref: in.Ref}
	default:
		return fmt.Errorf("unknown value kind %q", in.Kind)
	}
	return nil
}

// AttrsEqual compares two attribute maps key by key.
func AttrsEqual(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}

// CloneAttrs returns a shallow copy of an attribute map.
func CloneAttrs(attrs map[string]Value) map[string]Value {
	if attrs == nil {
		return nil
	}
	out := make(map[string]Value, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
