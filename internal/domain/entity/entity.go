package entity

import (
	"time"
)

// Entity is one node of a loaded patient graph.
type Entity struct {
	ID         string
	Kind       Kind
	Created    time.Time
	CreatedBy  string
	Modified   time.Time
	ModifiedBy string

	schema      *Schema
	parent      *Entity
	parentField string
	attrs       map[string]any
	one         map[string]*Entity
	many        map[string][]*Entity
	dirty       bool
}

func newEntity(s *Schema, id string) *Entity {
	return &Entity{
		ID:     id,
		Kind:   s.Kind,
		schema: s,
		attrs:  make(map[string]any),
		one:    make(map[string]*Entity),
		many:   make(map[string][]*Entity),
	}
}

func (e *Entity) Schema() *Schema { return e.schema }

// Parent returns the owning entity, nil for roots and reference targets.
func (e *Entity) Parent() *Entity { return e.parent }

func (e *Entity) ParentField() string { return e.parentField }

// Root walks owners up to the top of the graph.
func (e *Entity) Root() *Entity {
	n := e
	for n.parent != nil {
		n = n.parent
	}
	return n
}

// Dirty reports whether the entity changed since it was loaded.
func (e *Entity) Dirty() bool { return e.dirty }

// MarkClean is called by stores after a successful save.
func (e *Entity) MarkClean() { e.dirty = false }

// Get returns a scalar attribute, nil when unset.
func (e *Entity) Get(name string) any { return e.attrs[name] }

// Has reports whether the attribute holds a non-nil value.
func (e *Entity) Has(name string) bool { return e.attrs[name] != nil }

func (e *Entity) Str(name string) (string, bool) {
	s, ok := e.attrs[name].(string)
	return s, ok
}

func (e *Entity) Int(name string) (int64, bool) {
	i, ok := e.attrs[name].(int64)
	return i, ok
}

func (e *Entity) Float(name string) (float64, bool) {
	f, ok := e.attrs[name].(float64)
	return f, ok
}

func (e *Entity) Bool(name string) (bool, bool) {
	b, ok := e.attrs[name].(bool)
	return b, ok
}

func (e *Entity) Strings(name string) []string {
	l, _ := e.attrs[name].([]string)
	return l
}

// Set assigns an attribute directly. It is meant for hooks and services
// that maintain managed fields; value must already be canonical.
func (e *Entity) Set(name string, value any) {
	e.attrs[name] = value
	e.dirty = true
}

// Child returns the to-one child (or referenced entity) held in name.
func (e *Entity) Child(name string) *Entity { return e.one[name] }

// Children returns a copy of the to-many collection in output order.
func (e *Entity) Children(name string) []*Entity {
	items := append([]*Entity(nil), e.many[name]...)
	if f := e.schema.Field(name); f != nil && f.Order != nil {
		f.Order(items)
	}
	return items
}

// Attrs returns a shallow copy of the scalar attributes.
func (e *Entity) Attrs() map[string]any {
	out := make(map[string]any, len(e.attrs))
	for k, v := range e.attrs {
		out[k] = v
	}
	return out
}

func (e *Entity) attach(field *Field, child *Entity) {
	switch field.Kind {
	case ToOne:
		e.one[field.Name] = child
		if field.Link != "" {
			e.attrs[field.Link] = child.ID
			e.dirty = true
			return
		}
	case ToMany:
		e.many[field.Name] = append(e.many[field.Name], child)
	}
	child.parent = e
	child.parentField = field.Name
	child.dirty = true
}

// detach removes child from e's collection field, reporting whether it was present.
func (e *Entity) detach(field string, child *Entity) bool {
	items := e.many[field]
	for i, c := range items {
		if c == child {
			e.many[field] = append(items[:i:i], items[i+1:]...)
			child.parent = nil
			child.parentField = ""
			return true
		}
	}
	if e.one[field] == child {
		delete(e.one, field)
		child.parent = nil
		child.parentField = ""
		return true
	}
	return false
}

func (e *Entity) findChild(field, id string) *Entity {
	for _, c := range e.many[field] {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Walk visits e and every owned and referenced descendant once, parents
// before children.
func (e *Entity) Walk(fn func(*Entity) bool) {
	seen := make(map[*Entity]bool)
	var visit func(n *Entity) bool
	visit = func(n *Entity) bool {
		if n == nil || seen[n] {
			return true
		}
		seen[n] = true
		if !fn(n) {
			return false
		}
		for _, f := range n.schema.Fields {
			switch f.Kind {
			case ToOne:
				if !visit(n.one[f.Name]) {
					return false
				}
			case ToMany:
				for _, c := range n.many[f.Name] {
					if !visit(c) {
						return false
					}
				}
			}
		}
		return true
	}
	visit(e)
}

// Find locates an entity by id anywhere below e.
func (e *Entity) Find(id string) *Entity {
	var found *Entity
	e.Walk(func(n *Entity) bool {
		if n.ID == id {
			found = n
			return false
		}
		return true
	})
	return found
}
