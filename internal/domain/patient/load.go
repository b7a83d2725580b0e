package patient

import (
	"context"
	"fmt"

	"github.com/dhos/services-api/internal/domain/entity"
)

// fetchFunc returns the rows of the given entities and all of their owned
// descendants.
type fetchFunc func(ctx context.Context, ids []string) ([]entity.Row, error)

// loadClosure fetches the subtrees rooted at ids, then keeps fetching the
// subtrees of referenced entities until every reference resolves or is
// known to be missing.
func loadClosure(ctx context.Context, reg *entity.Registry, fetch fetchFunc, ids []string) (map[string]*entity.Entity, error) {
	rows, err := fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	tried := make(map[string]bool, len(ids))
	for _, id := range ids {
		tried[id] = true
	}
	for {
		sortRows(rows)
		graph, err := reg.Assemble(rows)
		if err != nil {
			return nil, fmt.Errorf("assemble graph: %w", err)
		}
		var next []string
		for _, id := range entity.MissingLinks(graph) {
			if !tried[id] {
				tried[id] = true
				next = append(next, id)
			}
		}
		if len(next) == 0 {
			return graph, nil
		}
		more, err := fetch(ctx, next)
		if err != nil {
			return nil, err
		}
		rows = append(rows, more...)
	}
}

func loadOne(ctx context.Context, reg *entity.Registry, fetch fetchFunc, kind entity.Kind, id string) (*entity.Entity, error) {
	graph, err := loadClosure(ctx, reg, fetch, []string{id})
	if err != nil {
		return nil, err
	}
	e, ok := graph[id]
	if !ok || e.Kind != kind {
		return nil, &entity.NotFoundError{Kind: kind, ID: id}
	}
	return e, nil
}

func loadMany(ctx context.Context, reg *entity.Registry, fetch fetchFunc, kind entity.Kind, ids []string) ([]*entity.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	graph, err := loadClosure(ctx, reg, fetch, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*entity.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := graph[id]; ok && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

// duplicateMessages maps store unique constraints to user-facing text.
var duplicateMessages = map[string]string{
	"nhs_number_unique_index":      "a patient already exists with that NHS number",
	"hospital_number_unique_index": "a patient already exists with that hospital number",
	"open_product_unique_index":    "patient already has an open product with that name",
}

func duplicateError(constraint string, cause error) error {
	msg, ok := duplicateMessages[constraint]
	if !ok {
		msg = "duplicate value violates " + constraint
	}
	return &entity.DuplicateError{Constraint: constraint, Msg: msg, Cause: cause}
}
