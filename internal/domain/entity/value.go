package entity

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Tree is a partial nested payload: creation data, a patch tree or a
// delete tree. Values are scalars, []any, nested Trees or *Entity.
type Tree = map[string]any

// ValueType is the storage type of a scalar field.
type ValueType int

const (
	String ValueType = iota
	Int
	Float
	Bool
	Date
	DateTime
	Object
)

func (t ValueType) String() string {
	switch t {
	case String:
		return "string"
	case Int:
		return "integer"
	case Float:
		return "number"
	case Bool:
		return "boolean"
	case Date:
		return "date"
	case DateTime:
		return "datetime"
	case Object:
		return "object"
	}
	return "unknown"
}

const dateLayout = "2006-01-02"

// coerce converts a decoded JSON/YAML value into the canonical Go
// representation for t. nil is always accepted.
func coerce(t ValueType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case String:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case Int:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == math.Trunc(n) {
				return int64(n), nil
			}
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
		}
	case Float:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, nil
			}
		}
	case Bool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case Date:
		switch d := v.(type) {
		case string:
			if _, err := time.Parse(dateLayout, d); err == nil {
				return d, nil
			}
			if ts, err := time.Parse(time.RFC3339Nano, d); err == nil {
				return ts.Format(dateLayout), nil
			}
		case time.Time:
			return d.Format(dateLayout), nil
		}
	case DateTime:
		switch d := v.(type) {
		case string:
			if _, err := time.Parse(time.RFC3339Nano, d); err == nil {
				return d, nil
			}
			if ts, err := time.Parse(dateLayout, d); err == nil {
				return ts.UTC().Format(time.RFC3339Nano), nil
			}
		case time.Time:
			return d.UTC().Format(time.RFC3339Nano), nil
		}
	case Object:
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", t, v)
}

// coerceStrings accepts []string or []any of strings.
func coerceStrings(v any) ([]string, bool) {
	switch l := v.(type) {
	case []string:
		return append([]string(nil), l...), true
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// asList normalises the list shapes a tree may carry.
func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []Tree:
		out := make([]any, len(l))
		for i, t := range l {
			out[i] = t
		}
		return out, true
	case []*Entity:
		out := make([]any, len(l))
		for i, e := range l {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

// isEmpty reports whether a relationship value carries nothing to apply.
func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(x) == 0
	}
	if l, ok := asList(v); ok {
		return len(l) == 0
	}
	return false
}
