package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Value is a node of the nested data carried in payloads: user, context,
// request input and session data. It is one of String, Number, Bool, List
// or Map. A nil Value encodes as JSON null.
type Value interface {
	isValue()
}

// String is a string leaf.
type String string

// Number is a numeric leaf kept in its decimal text form.
type Number json.Number

// Bool is a boolean leaf.
type Bool bool

// List is an ordered sequence of values.
type List []Value

// Map is a string-keyed mapping of values.
type Map map[string]Value

func (String) isValue() {}
func (Number) isValue() {}
func (Bool) isValue()   {}
func (List) isValue()   {}
func (Map) isValue()    {}

// MarshalJSON writes the number verbatim, falling back to 0 for text that is
// not a valid JSON number.
func (n Number) MarshalJSON() ([]byte, error) {
	b := []byte(n)
	if len(b) == 0 || (b[0] != '-' && (b[0] < '0' || b[0] > '9')) || !json.Valid(b) {
		return []byte("0"), nil
	}
	return b, nil
}

// Int returns a Number for an integer.
func Int(i int64) Number {
	return Number(strconv.FormatInt(i, 10))
}

// Float returns a Number for a float.
func Float(f float64) Number {
	return Number(strconv.FormatFloat(f, 'g', -1, 64))
}

// FromAny converts host data into a Value. Maps with string keys, slices of
// any, scalars, time.Time, error and fmt.Stringer are understood; anything
// else is rendered with %v.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return nil
	case Value:
		return t
	case string:
		return String(t)
	case []byte:
		return String(t)
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int8:
		return Int(int64(t))
	case int16:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint:
		return Number(strconv.FormatUint(uint64(t), 10))
	case uint8:
		return Number(strconv.FormatUint(uint64(t), 10))
	case uint16:
		return Number(strconv.FormatUint(uint64(t), 10))
	case uint32:
		return Number(strconv.FormatUint(uint64(t), 10))
	case uint64:
		return Number(strconv.FormatUint(t, 10))
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case json.Number:
		return Number(t)
	case time.Time:
		return String(t.UTC().Format(time.RFC3339))
	case time.Duration:
		return String(t.String())
	case map[string]any:
		m := make(Map, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return m
	case map[string]string:
		m := make(Map, len(t))
		for k, e := range t {
			m[k] = String(e)
		}
		return m
	case map[string][]string:
		m := make(Map, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return m
	case []any:
		l := make(List, len(t))
		for i, e := range t {
			l[i] = FromAny(e)
		}
		return l
	case []string:
		l := make(List, len(t))
		for i, e := range t {
			l[i] = String(e)
		}
		return l
	case []Value:
		return List(t)
	case map[string]Value:
		return Map(t)
	case error:
		return String(t.Error())
	case fmt.Stringer:
		return String(t.String())
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// MapOf converts a host map into a Map.
func MapOf(m map[string]any) Map {
	if m == nil {
		return nil
	}
	return FromAny(m).(Map)
}

// DecodeJSON parses JSON text into a Value, keeping numbers exact.
func DecodeJSON(data []byte) (Value, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromAny(raw), nil
}

// Clone returns a deep copy of v.
func Clone(v Value) Value {
	switch t := v.(type) {
	case Map:
		if t == nil {
			return Map(nil)
		}
		m := make(Map, len(t))
		for k, e := range t {
			m[k] = Clone(e)
		}
		return m
	case List:
		if t == nil {
			return List(nil)
		}
		l := make(List, len(t))
		for i, e := range t {
			l[i] = Clone(e)
		}
		return l
	default:
		return v
	}
}

// Merge returns a copy of base with every key of over written on top.
func Merge(base, over Map) Map {
	out := make(Map, len(base)+len(over))
	for k, v := range base {
		out[k] = Clone(v)
	}
	for k, v := range over {
		out[k] = Clone(v)
	}
	return out
}
