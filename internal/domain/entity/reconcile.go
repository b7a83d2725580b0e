package entity

import "fmt"

// reconcile applies an incoming list to parent's to-many field f.
//
// Elements are bucketed once, before anything is applied:
//   - bare id string: re-parent an existing entity under parent
//   - object without an id: construct a new child
//   - object with an id: patch the existing child with the remaining keys
//
// An element that fits no bucket, or an id named by two objects, fails the
// whole list. An object whose id is not a child of parent is skipped.
func (s *Session) reconcile(parent *Entity, f *Field, items []any) error {
	var (
		refs    []string
		fresh   []any
		updates []Tree
		seen    = map[string]bool{}
	)
	for _, item := range items {
		switch v := item.(type) {
		case string:
			refs = append(refs, v)
		case *Entity:
			fresh = append(fresh, v)
		case map[string]any:
			raw, hasID := v[KeyID]
			if !hasID {
				fresh = append(fresh, v)
				continue
			}
			id, ok := raw.(string)
			if !ok {
				return malformed(parent.Kind, f.Name, "list elements should be either dicts or uuid strings")
			}
			if seen[id] {
				return malformed(parent.Kind, f.Name, "duplicate uuid "+id+" in list")
			}
			seen[id] = true
			updates = append(updates, v)
		default:
			return malformed(parent.Kind, f.Name, "list elements should be either dicts or uuid strings")
		}
	}

	if len(refs) > 0 {
		if err := s.adopt(parent, f, refs); err != nil {
			return err
		}
	}

	for _, item := range fresh {
		if err := s.constructChild(parent, f, item); err != nil {
			return err
		}
	}

	for _, u := range updates {
		id := u[KeyID].(string)
		child := parent.findChild(f.Name, id)
		if child == nil {
			s.log.Warn().Str("id", id).Str("kind", string(f.Target)).Str("parent", parent.ID).Msg("update target is not a child, skipping")
			continue
		}
		rest := make(Tree, len(u)-1)
		for k, v := range u {
			if k != KeyID {
				rest[k] = v
			}
		}
		// An {id}-only element in a patch list changes nothing.
		if len(rest) == 0 {
			continue
		}
		if err := s.Patch(child, rest); err != nil {
			return err
		}
	}
	return nil
}

// adopt re-parents entities named by id. Entities already in the loaded
// graph are moved in memory; others are fetched through the loader. Ids
// that resolve to nothing of the target kind are skipped.
func (s *Session) adopt(parent *Entity, f *Field, ids []string) error {
	root := parent.Root()
	var missing []string
	for _, id := range ids {
		if parent.findChild(f.Name, id) != nil {
			continue
		}
		if n := root.Find(id); n != nil && n.Kind == f.Target {
			s.move(parent, f, n)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return nil
	}
	if s.loader == nil {
		s.log.Warn().Strs("ids", missing).Str("kind", string(f.Target)).Msg("no loader configured, skipping re-parent")
		return nil
	}
	loaded, err := s.loader.LoadEntities(s.ctx, f.Target, missing)
	if err != nil {
		return fmt.Errorf("load %s for re-parent: %w", f.Target, err)
	}
	found := make(map[string]bool, len(loaded))
	for _, n := range loaded {
		if n.Kind != f.Target {
			continue
		}
		found[n.ID] = true
		s.move(parent, f, n)
	}
	for _, id := range missing {
		if !found[id] {
			s.log.Warn().Str("id", id).Str("kind", string(f.Target)).Msg("re-parent target not found")
		}
	}
	return nil
}

func (s *Session) move(parent *Entity, f *Field, n *Entity) {
	if n.parent != nil {
		n.parent.detach(n.parentField, n)
	}
	parent.attach(f, n)
	s.Touch(n)
}
