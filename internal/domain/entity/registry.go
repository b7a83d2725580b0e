package entity

import "fmt"

// Registry maps each kind to its schema. Nested construction looks kinds up
// here, so kinds never reference each other's constructors directly.
type Registry struct {
	schemas map[Kind]*Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[Kind]*Schema)}
}

// Register adds s. It panics on an inconsistent or duplicate schema since
// registration happens once at start-up.
func (r *Registry) Register(s *Schema) {
	if _, dup := r.schemas[s.Kind]; dup {
		panic(fmt.Sprintf("entity: kind %q registered twice", s.Kind))
	}
	if err := s.build(); err != nil {
		panic("entity: " + err.Error())
	}
	r.schemas[s.Kind] = s
}

// Schema returns the schema registered for k.
func (r *Registry) Schema(k Kind) (*Schema, bool) {
	s, ok := r.schemas[k]
	return s, ok
}

func (r *Registry) mustSchema(k Kind) *Schema {
	s, ok := r.schemas[k]
	if !ok {
		panic(fmt.Sprintf("entity: kind %q is not registered", k))
	}
	return s
}

// Verify checks that every relationship targets a registered kind.
func (r *Registry) Verify() error {
	for k, s := range r.schemas {
		for _, f := range s.Fields {
			if f.Kind != ToOne && f.Kind != ToMany {
				continue
			}
			if _, ok := r.schemas[f.Target]; !ok {
				return fmt.Errorf("%s.%s targets unregistered kind %q", k, f.Name, f.Target)
			}
		}
	}
	return nil
}
