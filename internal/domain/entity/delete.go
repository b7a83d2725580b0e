package entity

// Delete applies a partial delete tree to e.
//
// A nested object recurses into a to-one child. A list removes strings, or
// the id of {id}-only objects, from a scalar-list field, or for a to-many field detaches children named by
// bare id or {id}-only objects and recurses into children named by larger
// objects. Detached children have their OnDelete hook called after removal.
func (s *Session) Delete(e *Entity, deletions Tree) error {
	for _, k := range sortedKeys(deletions) {
		v := deletions[k]
		f := e.schema.Field(k)
		if f == nil {
			return unknownField(e.Kind, k)
		}
		if f.Output {
			return &FieldError{Kind: e.Kind, Field: k, Msg: "Cannot delete from " + k, Err: ErrPatchRejected}
		}

		if obj, ok := v.(map[string]any); ok {
			if f.Kind != ToOne {
				return malformed(e.Kind, k, k+" is not a single child")
			}
			child := e.one[k]
			if child == nil {
				continue
			}
			if err := s.Delete(child, obj); err != nil {
				return err
			}
			continue
		}

		items, ok := asList(v)
		if !ok {
			s.log.Debug().Str("kind", string(e.Kind)).Str("field", k).Msg("ignoring non-list delete value")
			continue
		}

		switch f.Kind {
		case ScalarList:
			if err := s.deleteStrings(e, f, items); err != nil {
				return err
			}
		case ToMany:
			if err := s.deleteChildren(e, f, items); err != nil {
				return err
			}
		default:
			return malformed(e.Kind, k, "Can only delete from a list of strings or objects with a uuid")
		}
	}
	return nil
}

func (s *Session) deleteStrings(e *Entity, f *Field, items []any) error {
	drop := make(map[string]bool, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			drop[v] = true
		case map[string]any:
			id, ok := v[KeyID].(string)
			if !ok || len(v) != 1 {
				return malformed(e.Kind, f.Name, "Cannot delete dict from an array column")
			}
			drop[id] = true
		default:
			return malformed(e.Kind, f.Name, "list elements should be strings")
		}
	}
	current := e.Strings(f.Name)
	kept := make([]string, 0, len(current))
	for _, v := range current {
		if !drop[v] {
			kept = append(kept, v)
		}
	}
	if len(kept) != len(current) {
		e.attrs[f.Name] = kept
		s.Touch(e)
	}
	return nil
}

func (s *Session) deleteChildren(e *Entity, f *Field, items []any) error {
	var (
		detach []string
		nested []Tree
	)
	for _, item := range items {
		switch v := item.(type) {
		case string:
			detach = append(detach, v)
		case map[string]any:
			id, ok := v[KeyID].(string)
			if !ok {
				return malformed(e.Kind, f.Name, "Can only delete from a list of strings or objects with a uuid")
			}
			if len(v) == 1 {
				detach = append(detach, id)
			} else {
				nested = append(nested, v)
			}
		default:
			return malformed(e.Kind, f.Name, "Can only delete from a list of strings or objects with a uuid")
		}
	}

	var removed []*Entity
	for _, id := range detach {
		child := e.findChild(f.Name, id)
		if child == nil {
			continue
		}
		e.detach(f.Name, child)
		removed = append(removed, child)
	}
	if len(removed) > 0 {
		s.Touch(e)
	}
	for _, child := range removed {
		if hook := child.schema.OnDelete; hook != nil {
			if err := hook(s, child, e); err != nil {
				return err
			}
		}
		s.remove(child)
	}

	for _, n := range nested {
		id := n[KeyID].(string)
		child := e.findChild(f.Name, id)
		if child == nil {
			continue
		}
		rest := make(Tree, len(n)-1)
		for k, v := range n {
			if k != KeyID {
				rest[k] = v
			}
		}
		if err := s.Delete(child, rest); err != nil {
			return err
		}
	}
	return nil
}
