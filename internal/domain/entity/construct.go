package entity

import (
	"sort"
)

// New constructs a detached root entity of kind from data, validating it
// against the kind's own contract and recursively constructing nested
// children.
func (s *Session) New(kind Kind, data Tree) (*Entity, error) {
	sc := s.reg.mustSchema(kind)
	return s.construct(sc, sc.Contract, data, nil, nil)
}

// NewWith is New with a caller-supplied creation contract, for kinds whose
// required fields depend on context (for example the product a patient is
// created under).
func (s *Session) NewWith(kind Kind, contract Contract, data Tree) (*Entity, error) {
	sc := s.reg.mustSchema(kind)
	return s.construct(sc, contract, data, nil, nil)
}

// Append constructs a new child in parent's field. Hooks use it to write
// history records; services use it for append-only collections.
func (s *Session) Append(parent *Entity, field string, data Tree) (*Entity, error) {
	f := parent.schema.Field(field)
	if f == nil || (f.Kind != ToMany && f.Kind != ToOne) {
		return nil, unknownField(parent.Kind, field)
	}
	sc := s.reg.mustSchema(f.Target)
	child, err := s.construct(sc, sc.Contract, data, parent, f)
	if err != nil {
		return nil, err
	}
	s.Touch(parent)
	return child, nil
}

func (s *Session) construct(sc *Schema, contract Contract, data Tree, parent *Entity, via *Field) (*Entity, error) {
	if err := validateCreate(sc, contract, data); err != nil {
		return nil, err
	}

	e := newEntity(sc, s.newID())
	s.stamp(e)
	if parent != nil {
		parent.attach(via, e)
	}

	for _, f := range sc.Fields {
		if f.Kind == Scalar || f.Kind == ScalarList {
			if _, ok := data[f.Name]; !ok && f.Default != nil {
				e.attrs[f.Name] = f.Default()
			}
		}
	}

	for i := range sc.Fields {
		f := &sc.Fields[i]
		v, ok := data[f.Name]
		if !ok {
			continue
		}
		switch f.Kind {
		case Scalar:
			e.attrs[f.Name] = scalarValue(f, v)
		case ScalarList:
			l, _ := coerceStrings(v)
			if v == nil {
				l = []string{}
			}
			e.attrs[f.Name] = l
		case ToOne:
			if v == nil {
				continue
			}
			if err := s.constructChild(e, f, v); err != nil {
				return nil, err
			}
		case ToMany:
			items, _ := asList(v)
			for _, item := range items {
				if err := s.constructChild(e, f, item); err != nil {
					return nil, err
				}
			}
		}
	}

	if sc.OnCreate != nil {
		if err := sc.OnCreate(s, e, data); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// constructChild accepts either creation data or an already built entity.
func (s *Session) constructChild(parent *Entity, f *Field, v any) error {
	switch c := v.(type) {
	case *Entity:
		if c.Kind != f.Target {
			return invalid(parent.Kind, f.Name, "%s expects %s, got %s", f.Name, f.Target, c.Kind)
		}
		if c.parent != nil && f.Link == "" {
			c.parent.detach(c.parentField, c)
		}
		parent.attach(f, c)
		return nil
	case map[string]any:
		sc := s.reg.mustSchema(f.Target)
		_, err := s.construct(sc, sc.Contract, c, parent, f)
		return err
	}
	return invalid(parent.Kind, f.Name, "%s must be an object", f.Name)
}

func validateCreate(sc *Schema, contract Contract, data Tree) error {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		f := sc.Field(k)
		if f == nil || !contract.allowsCreate(k) {
			return invalid(sc.Kind, k, "%s is not an allowed field for %s", k, sc.Kind)
		}
		if err := checkShape(sc.Kind, f, data[k]); err != nil {
			return err
		}
	}
	for _, k := range contract.Required {
		if data[k] == nil {
			return invalid(sc.Kind, k, "%s is required", k)
		}
	}
	return nil
}

// checkShape validates a creation value against a field declaration.
func checkShape(kind Kind, f *Field, v any) error {
	if v == nil {
		return nil
	}
	switch f.Kind {
	case Scalar:
		if _, err := coerce(f.Type, v); err != nil {
			return invalid(kind, f.Name, "%s: %v", f.Name, err)
		}
	case ScalarList:
		if _, ok := coerceStrings(v); !ok {
			return invalid(kind, f.Name, "%s must be a list of strings", f.Name)
		}
	case ToOne:
		switch v.(type) {
		case map[string]any, *Entity:
		default:
			return invalid(kind, f.Name, "%s must be an object", f.Name)
		}
	case ToMany:
		if _, ok := asList(v); !ok {
			return invalid(kind, f.Name, "%s must be a list", f.Name)
		}
	}
	return nil
}
