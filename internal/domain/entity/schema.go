package entity

import (
	"fmt"
	"sort"
)

// Kind tags an entity type.
type Kind string

// FieldKind is the variant of a schema field.
type FieldKind int

const (
	Scalar FieldKind = iota
	ScalarList
	ToOne
	ToMany
)

// Field describes one attribute or relationship of a kind.
type Field struct {
	Name   string
	Kind   FieldKind
	Type   ValueType // Scalar only
	Target Kind      // ToOne and ToMany

	// Link names the attribute holding the referenced id for a ToOne that
	// is a reference rather than an owned child.
	Link string

	// Output fields appear in responses but are maintained by the service
	// itself. Patch trees may echo them; they are skipped.
	Output bool

	Default func() any
	// NonNull fields store Default() when a tree supplies null.
	NonNull bool
	Order   Ordering
}

// Contract lists which fields may appear at creation and in a patch.
type Contract struct {
	Required  []string
	Optional  []string
	Updatable []string
}

func (c Contract) allowsCreate(name string) bool {
	return contains(c.Required, name) || contains(c.Optional, name)
}

func (c Contract) allowsPatch(name string) bool { return contains(c.Updatable, name) }

// Merge returns the union of c and others.
func (c Contract) Merge(others ...Contract) Contract {
	out := Contract{
		Required:  append([]string(nil), c.Required...),
		Optional:  append([]string(nil), c.Optional...),
		Updatable: append([]string(nil), c.Updatable...),
	}
	for _, o := range others {
		out.Required = union(out.Required, o.Required)
		out.Optional = union(out.Optional, o.Optional)
		out.Updatable = union(out.Updatable, o.Updatable)
	}
	return out
}

// Computed is a derived read-only value included in responses.
type Computed struct {
	Name string
	Func func(e *Entity) any
}

// Hooks.
type (
	CreateHook func(s *Session, e *Entity, data Tree) error
	PatchHook  func(s *Session, e *Entity, updates Tree) error
	DeleteHook func(s *Session, e, parent *Entity) error
)

// Schema is the full declaration of an entity kind.
type Schema struct {
	Kind     Kind
	Fields   []Field
	Contract Contract
	Computed []Computed

	// Survives marks a kind whose rows outlive a cascading delete of their
	// owner; they are orphaned instead.
	Survives bool

	OnCreate CreateHook
	OnPatch  PatchHook
	OnDelete DeleteHook

	index map[string]int
}

// Field returns the declaration for name, or nil.
func (s *Schema) Field(name string) *Field {
	if i, ok := s.index[name]; ok {
		return &s.Fields[i]
	}
	return nil
}

func (s *Schema) computed(name string) *Computed {
	for i := range s.Computed {
		if s.Computed[i].Name == name {
			return &s.Computed[i]
		}
	}
	return nil
}

func (s *Schema) build() error {
	s.index = make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		if _, dup := s.index[f.Name]; dup {
			return fmt.Errorf("%s: duplicate field %q", s.Kind, f.Name)
		}
		if forbidden[f.Name] && f.Name != "closed_date" {
			return fmt.Errorf("%s: field %q is reserved", s.Kind, f.Name)
		}
		s.index[f.Name] = i
	}
	names := append(append(append([]string(nil), s.Contract.Required...), s.Contract.Optional...), s.Contract.Updatable...)
	for _, n := range names {
		if _, ok := s.index[n]; !ok {
			return fmt.Errorf("%s: contract names undeclared field %q", s.Kind, n)
		}
	}
	return nil
}

// forbidden fields can never be changed by a patch tree on any kind.
var forbidden = map[string]bool{
	"uuid":        true,
	"created":     true,
	"modified":    true,
	"bookmarked":  true,
	"closed_date": true,
}

// Identity and audit keys used on the wire.
const (
	KeyID         = "uuid"
	KeyCreated    = "created"
	KeyCreatedBy  = "created_by"
	KeyModified   = "modified"
	KeyModifiedBy = "modified_by"
)

// Ordering sorts a to-many collection for output.
type Ordering func(items []*Entity)

// NewestFirst orders by creation time descending; later insertions win ties.
func NewestFirst(items []*Entity) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Created.After(items[j].Created) })
}

// OldestFirst orders by creation time ascending.
func OldestFirst(items []*Entity) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Created.Before(items[j].Created) })
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func union(a, b []string) []string {
	for _, v := range b {
		if !contains(a, v) {
			a = append(a, v)
		}
	}
	return a
}
