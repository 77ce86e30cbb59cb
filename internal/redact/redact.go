// Package redact bounds the size of payloads before they are persisted.
package redact

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// DefaultCap is the default per-string limit, in characters.
const DefaultCap = 10000

// TruncateString returns s cut to at most limit characters (runes).
// Strings already within the limit are returned unchanged.
func TruncateString(s string, limit int) string {
	if limit < 0 {
		limit = 0
	}
	if len(s) <= limit || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

// Clean makes s storable as Postgres text or jsonb: NUL bytes and invalid
// UTF-8 sequences become U+FFFD. Clean strings are returned unchanged.
func Clean(s string) string {
	if utf8.ValidString(s) && !strings.Contains(s, "\x00") {
		return s
	}
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "\uFFFD")
}

func leaf(s string, limit int) string {
	return TruncateString(Clean(s), limit)
}

// TruncateStrings walks v, cleans every string leaf and map key, and truncates
// every string leaf to limit characters. Maps and slices are copied, never
// mutated in place; numbers, booleans and nil pass through untouched. Composite values of other types are normalized
// through their JSON form first, which is how they are persisted anyway.
// Applying it twice gives the same result as applying it once.
func TruncateStrings(v any, limit int) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return leaf(t, limit)
	case map[string]any:
		return TruncateMap(t, limit)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = TruncateStrings(e, limit)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, e := range t {
			out[Clean(k)] = leaf(e, limit)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = leaf(e, limit)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			out[i] = TruncateMap(e, limit)
		}
		return out
	case bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return t
	case json.RawMessage:
		return TruncateStrings(decode(t), limit)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return TruncateStrings(decode(raw), limit)
	}
}

// TruncateMap is TruncateStrings specialized for the common map case.
// A nil map stays nil.
func TruncateMap(m map[string]any, limit int) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, e := range m {
		out[Clean(k)] = TruncateStrings(e, limit)
	}
	return out
}

func decode(raw []byte) any {
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return leaf(string(raw), DefaultCap)
	}
	return out
}
