// Package tomljson converts TOML-decoded values (as produced by
// BurntSushi/toml into map[string]any) into canonical JSON, with a depth
// cap to defuse pathological configs (spec.md §4.7). It is the single
// shared converter used by both the template context (§4.6) and the
// context checksum (§4.6), per SPEC_FULL.md §C.2.
package tomljson

import (
	"fmt"
	"time"

	"github.com/agpm-dev/agpm/internal/model"
)

// MaxDepth is the recursion cap; exceeding it is a fatal error rather
// than a silent truncation (spec.md §4.7: "reject > 100").
const MaxDepth = 100

// Convert normalizes a TOML-decoded value tree into JSON-safe Go values
// (map[string]any / []any / string / float64 / bool / nil), converting
// TOML's time.Time into RFC-3339 strings, and enforces MaxDepth.
func Convert(v any) (any, error) {
	return convert(v, 0)
}

// ToCanonicalJSON converts then marshals via model.CanonicalJSON, for
// callers that want bytes directly (the context checksum, for instance).
func ToCanonicalJSON(v any) ([]byte, error) {
	normalized, err := Convert(v)
	if err != nil {
		return nil, err
	}
	return model.CanonicalJSON(normalized)
}

func convert(v any, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("tomljson: value nesting exceeds max depth %d", MaxDepth)
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			c, err := convert(vv, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(val))
		for i, vv := range val {
			c, err := convert(vv, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			c, err := convert(vv, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case time.Time:
		return val.Format(time.RFC3339), nil
	case int64:
		return float64(val), nil
	default:
		return val, nil
	}
}
