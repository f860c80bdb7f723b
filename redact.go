package monitor

import (
	"strings"
)

// Filtered replaces the value of every redacted field.
const Filtered = "[FILTERED]"

// sensitiveHeaders are replaced wholesale in captured request headers,
// regardless of the configured field names.
var sensitiveHeaders = FieldSetOf([]string{"authorization", "cookie", "x-api-key", "x-auth-token"})

// FieldSet is a case-insensitive set of field names.
type FieldSet map[string]struct{}

// FieldSetOf builds a FieldSet from names.
func FieldSetOf(names []string) FieldSet {
	fs := make(FieldSet, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		fs[strings.ToLower(n)] = struct{}{}
	}
	return fs
}

// Has reports whether key is in the set, ignoring case.
func (fs FieldSet) Has(key string) bool {
	_, ok := fs[strings.ToLower(key)]
	return ok
}

// Redact returns a deep copy of v in which every map entry whose key is in
// fields has its leaf values replaced with Filtered. Containers under a
// matching key keep their shape and have each leaf masked, whatever the
// nested keys are, so {"token": {"id": 1}} becomes {"token": {"id":
// "[FILTERED]"}}. A scalar-only walk would leave "id" readable. The input is
// never modified.
func Redact(v Value, fields FieldSet) Value {
	return redact(v, fields, false)
}

// RedactMap is Redact for a Map.
func RedactMap(m Map, fields FieldSet) Map {
	if m == nil {
		return nil
	}
	return redact(m, fields, false).(Map)
}

func redact(v Value, fields FieldSet, masked bool) Value {
	switch t := v.(type) {
	case Map:
		if t == nil {
			return Map(nil)
		}
		out := make(Map, len(t))
		for k, e := range t {
			out[k] = redact(e, fields, masked || fields.Has(k))
		}
		return out
	case List:
		if t == nil {
			return List(nil)
		}
		out := make(List, len(t))
		for i, e := range t {
			out[i] = redact(e, fields, masked)
		}
		return out
	default:
		if masked {
			return String(Filtered)
		}
		return v
	}
}

// FilterHeaders copies headers, replacing sensitive headers with a single
// Filtered entry and lower-casing names.
func FilterHeaders(headers map[string][]string) Map {
	out := make(Map, len(headers))
	for name, values := range headers {
		key := strings.ToLower(name)
		if sensitiveHeaders.Has(key) {
			out[key] = List{String(Filtered)}
			continue
		}
		l := make(List, len(values))
		for i, v := range values {
			l[i] = String(v)
		}
		out[key] = l
	}
	return out
}
