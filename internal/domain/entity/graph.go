package entity

import (
	"fmt"
	"sort"
	"time"
)

// Row is the storage shape of one entity.
type Row struct {
	ID          string
	Kind        Kind
	ParentID    string
	ParentField string
	Attrs       map[string]any
	Created     time.Time
	CreatedBy   string
	Modified    time.Time
	ModifiedBy  string
}

// Row returns the storage shape of e.
func (e *Entity) Row() Row {
	r := Row{
		ID:         e.ID,
		Kind:       e.Kind,
		Attrs:      e.Attrs(),
		Created:    e.Created,
		CreatedBy:  e.CreatedBy,
		Modified:   e.Modified,
		ModifiedBy: e.ModifiedBy,
	}
	if e.parent != nil {
		r.ParentID = e.parent.ID
		r.ParentField = e.parentField
	}
	return r
}

// Assemble builds entities from rows, links owned children to their
// parents and resolves reference links whose targets are present. Rows
// should be ordered by creation time so collections keep insertion order.
func (r *Registry) Assemble(rows []Row) (map[string]*Entity, error) {
	byID := make(map[string]*Entity, len(rows))
	order := make([]string, 0, len(rows))
	for _, row := range rows {
		if _, dup := byID[row.ID]; dup {
			continue
		}
		sc, ok := r.schemas[row.Kind]
		if !ok {
			return nil, fmt.Errorf("row %s: unknown kind %q", row.ID, row.Kind)
		}
		e := newEntity(sc, row.ID)
		e.Created, e.CreatedBy = row.Created, row.CreatedBy
		e.Modified, e.ModifiedBy = row.Modified, row.ModifiedBy
		if err := loadAttrs(sc, e, row.Attrs); err != nil {
			return nil, fmt.Errorf("row %s: %w", row.ID, err)
		}
		byID[row.ID] = e
		order = append(order, row.ID)
	}

	parents := make(map[string]Row, len(rows))
	for _, row := range rows {
		parents[row.ID] = row
	}
	for _, id := range order {
		row := parents[id]
		if row.ParentID == "" {
			continue
		}
		parent, ok := byID[row.ParentID]
		if !ok {
			continue
		}
		f := parent.schema.Field(row.ParentField)
		if f == nil || f.Link != "" {
			return nil, fmt.Errorf("row %s: %s has no owned field %q", id, parent.Kind, row.ParentField)
		}
		child := byID[id]
		if f.Kind == ToOne {
			parent.one[f.Name] = child
		} else {
			parent.many[f.Name] = append(parent.many[f.Name], child)
		}
		child.parent = parent
		child.parentField = f.Name
	}

	for _, e := range byID {
		for _, f := range e.schema.Fields {
			if f.Link == "" {
				continue
			}
			if id, ok := e.attrs[f.Link].(string); ok {
				if target, ok := byID[id]; ok {
					e.one[f.Name] = target
				}
			}
		}
	}
	return byID, nil
}

// MissingLinks returns referenced ids that are not present in graph.
func MissingLinks(graph map[string]*Entity) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range graph {
		for _, f := range e.schema.Fields {
			if f.Link == "" {
				continue
			}
			id, ok := e.attrs[f.Link].(string)
			if !ok || id == "" {
				continue
			}
			if _, present := graph[id]; present || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func loadAttrs(sc *Schema, e *Entity, attrs map[string]any) error {
	for k, v := range attrs {
		f := sc.Field(k)
		if f == nil {
			// link ids and attributes of retired fields
			e.attrs[k] = v
			continue
		}
		switch f.Kind {
		case Scalar:
			cv, err := coerce(f.Type, v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			e.attrs[k] = cv
		case ScalarList:
			if v == nil {
				e.attrs[k] = []string{}
				continue
			}
			l, ok := coerceStrings(v)
			if !ok {
				return fmt.Errorf("%s: expected list of strings", k)
			}
			e.attrs[k] = l
		}
	}
	return nil
}
