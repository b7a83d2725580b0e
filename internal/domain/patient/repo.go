package patient

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"

	"github.com/dhos/services-api/internal/domain/entity"
)

// Node is the stored identity of one entity without its subtree.
type Node struct {
	ID       string
	Kind     entity.Kind
	ParentID string
	Attrs    map[string]any
}

// Match selects patients holding an open product and, optionally, exact
// attribute values.
type Match struct {
	Product string
	Attrs   map[string]any
}

// Repository persists entity graphs. Calls made with the context handed to
// InTx's callback join that transaction.
type Repository interface {
	entity.Loader

	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Load returns the entity with its owned subtree and every entity it
	// references, or a *entity.NotFoundError.
	Load(ctx context.Context, kind entity.Kind, id string) (*entity.Entity, error)

	// Locate returns the stored node for id, or a *entity.NotFoundError.
	Locate(ctx context.Context, id string) (*Node, error)

	// Save writes the session's removals and every dirty entity reachable
	// from root.
	Save(ctx context.Context, s *entity.Session, root *entity.Entity) error

	// FindPatients returns the ids of patients satisfying m.
	FindPatients(ctx context.Context, m Match) ([]string, error)

	Ping(ctx context.Context) error
}

// writePlan splits a session's changes into the statements a store runs:
// orphans are detached, dirty rows upserted parents first, then destroyed
// subtrees removed. Upserting before deleting keeps rows that were moved
// out of a destroyed subtree.
type writePlan struct {
	orphans  []*entity.Entity
	upserts  []*entity.Entity
	destroys []string
}

func planWrites(s *entity.Session, root *entity.Entity) writePlan {
	var p writePlan
	orphaned := make(map[*entity.Entity]bool)
	for _, r := range s.Removals() {
		if r.Mode == entity.Orphan {
			p.orphans = append(p.orphans, r.Entity)
			orphaned[r.Entity] = true
		}
	}
	for _, r := range s.Removals() {
		if r.Mode == entity.Destroy {
			p.destroys = append(p.destroys, r.Entity.ID)
		}
	}
	root.Walk(func(e *entity.Entity) bool {
		if e.Dirty() && !(orphaned[e] && e.Parent() == nil) {
			p.upserts = append(p.upserts, e)
		}
		return true
	})
	return p
}

// markClean resets dirty flags after a successful write.
func (p writePlan) markClean() {
	for _, e := range p.orphans {
		e.MarkClean()
	}
	for _, e := range p.upserts {
		e.MarkClean()
	}
}

// orphanRow is e's row with no owner.
func orphanRow(e *entity.Entity) entity.Row {
	row := e.Row()
	row.ParentID, row.ParentField = "", ""
	return row
}

// sortRows orders rows by creation time so collections assemble in
// insertion order.
func sortRows(rows []entity.Row) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Created.Before(rows[j].Created) })
}

// attrsMatch reports whether stored attrs hold every wanted value. Values
// are compared in their JSON form so stored and canonical values agree.
func attrsMatch(stored, want map[string]any) bool {
	for k, v := range want {
		if !reflect.DeepEqual(jsonForm(stored[k]), jsonForm(v)) {
			return false
		}
	}
	return true
}

func jsonForm(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
