package entity

import (
	"reflect"
	"sort"
	"time"
)

// Patch applies a partial update tree to e and everything below it.
//
// Each level is validated in full before anything at that level changes:
// forbidden fields, then unknown fields, then the updatable contract and
// value shapes. The kind's OnPatch hook then sees the raw tree before any
// assignment, so it can diff against the current state.
func (s *Session) Patch(e *Entity, updates Tree) error {
	sc := e.schema
	keys := sortedKeys(updates)

	var apply []string
	for _, k := range keys {
		v := updates[k]
		if forbidden[k] {
			if echoes(e, k, v) {
				continue
			}
			return rejected(e.Kind, k)
		}
		f := sc.Field(k)
		if f == nil {
			if sc.computed(k) != nil {
				continue
			}
			if k == KeyCreatedBy || k == KeyModifiedBy {
				continue
			}
			return unknownField(e.Kind, k)
		}
		if f.Output {
			continue
		}
		if !sc.Contract.allowsPatch(k) {
			if echoes(e, k, v) {
				continue
			}
			return invalid(e.Kind, k, "%s is not an updatable field for %s", k, e.Kind)
		}
		if err := checkPatchShape(e.Kind, f, v); err != nil {
			return err
		}
		apply = append(apply, k)
	}

	if sc.OnPatch != nil {
		if err := sc.OnPatch(s, e, updates); err != nil {
			return err
		}
	}

	for i := range sc.Fields {
		f := &sc.Fields[i]
		if !contains(apply, f.Name) {
			continue
		}
		v := updates[f.Name]
		switch f.Kind {
		case Scalar:
			e.attrs[f.Name] = scalarValue(f, v)
		case ScalarList:
			if v == nil {
				e.attrs[f.Name] = []string{}
				continue
			}
			incoming, _ := coerceStrings(v)
			e.attrs[f.Name] = unionStrings(e.Strings(f.Name), incoming)
		case ToOne:
			if isEmpty(v) {
				continue
			}
			if err := s.patchOne(e, f, v); err != nil {
				return err
			}
		case ToMany:
			if isEmpty(v) {
				continue
			}
			items, _ := asList(v)
			if err := s.reconcile(e, f, items); err != nil {
				return err
			}
		}
	}

	s.Touch(e)
	return nil
}

// patchOne patches an existing to-one child or constructs a missing one.
func (s *Session) patchOne(e *Entity, f *Field, v any) error {
	child := e.one[f.Name]
	if child == nil {
		return s.constructChild(e, f, v)
	}
	data, ok := v.(map[string]any)
	if !ok {
		return invalid(e.Kind, f.Name, "%s must be an object", f.Name)
	}
	return s.Patch(child, data)
}

func checkPatchShape(kind Kind, f *Field, v any) error {
	switch f.Kind {
	case ScalarList:
		if v == nil {
			return nil
		}
		if _, ok := coerceStrings(v); !ok {
			if _, isList := asList(v); isList {
				return malformed(kind, f.Name, "list elements should be strings")
			}
			return invalid(kind, f.Name, "%s must be a list of strings", f.Name)
		}
		return nil
	case ToMany:
		if v == nil {
			return nil
		}
		if _, ok := asList(v); !ok {
			return invalid(kind, f.Name, "%s must be a list", f.Name)
		}
		return nil
	}
	return checkShape(kind, f, v)
}

// echoes reports whether v equals the current value of a forbidden field,
// which lets clients send back a structure they fetched.
func echoes(e *Entity, name string, v any) bool {
	switch name {
	case KeyID:
		id, ok := v.(string)
		return ok && id == e.ID
	case KeyCreated:
		return sameInstant(e.Created, v)
	case KeyModified:
		return sameInstant(e.Modified, v)
	}
	if c := e.schema.computed(name); c != nil {
		return reflect.DeepEqual(c.Func(e), v)
	}
	if f := e.schema.Field(name); f != nil && f.Kind == Scalar {
		cv, err := coerce(f.Type, v)
		return err == nil && reflect.DeepEqual(cv, e.attrs[name])
	}
	return false
}

// Differs reports whether v, read as a value of the named scalar field,
// differs from the current value. Hooks use it to diff a patch tree.
func (e *Entity) Differs(name string, v any) bool {
	f := e.schema.Field(name)
	if f == nil || f.Kind != Scalar {
		return true
	}
	return !reflect.DeepEqual(scalarValue(f, v), e.attrs[name])
}

func scalarValue(f *Field, v any) any {
	if v == nil && f.NonNull && f.Default != nil {
		return f.Default()
	}
	cv, _ := coerce(f.Type, v)
	return cv
}

func sameInstant(t time.Time, v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	return err == nil && parsed.Equal(t)
}

// unionStrings keeps existing order and appends unseen incoming values.
func unionStrings(existing, incoming []string) []string {
	out := append([]string{}, existing...)
	seen := make(map[string]bool, len(out))
	for _, s := range out {
		seen[s] = true
	}
	for _, s := range incoming {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(t Tree) []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
