package patient

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dhos/services-api/internal/domain/entity"
	"github.com/dhos/services-api/internal/domain/records"
	"github.com/dhos/services-api/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
	reg  *entity.Registry
}

// NewRepoPG returns a Repository backed by the Postgres entity table.
func NewRepoPG(pool *pgxpool.Pool, reg *entity.Registry) Repository {
	return &repoPG{pool: pool, reg: reg}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const entityCols = `id, kind, parent_id, parent_field, attrs, created, created_by, modified, modified_by`

func (r *repoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, r.pool, fn)
}

func (r *repoPG) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// fetch returns ids and their owned descendants in one recursive query.
func (r *repoPG) fetch(ctx context.Context, ids []string) ([]entity.Row, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		WITH RECURSIVE tree AS (
			SELECT `+entityCols+` FROM entity WHERE id = ANY($1)
			UNION ALL
			SELECT e.id, e.kind, e.parent_id, e.parent_field, e.attrs, e.created, e.created_by, e.modified, e.modified_by
			FROM entity e JOIN tree t ON e.parent_id = t.id
		)
		SELECT `+entityCols+` FROM tree ORDER BY created, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch entities: %w", err)
	}
	defer rows.Close()

	var out []entity.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanRow(rows pgx.Rows) (entity.Row, error) {
	var (
		row         entity.Row
		kind        string
		parentID    *string
		parentField *string
	)
	if err := rows.Scan(&row.ID, &kind, &parentID, &parentField, &row.Attrs,
		&row.Created, &row.CreatedBy, &row.Modified, &row.ModifiedBy); err != nil {
		return row, fmt.Errorf("scan entity: %w", err)
	}
	row.Kind = entity.Kind(kind)
	if parentID != nil {
		row.ParentID = *parentID
	}
	if parentField != nil {
		row.ParentField = *parentField
	}
	return row, nil
}

func (r *repoPG) Load(ctx context.Context, kind entity.Kind, id string) (*entity.Entity, error) {
	return loadOne(ctx, r.reg, r.fetch, kind, id)
}

func (r *repoPG) LoadEntities(ctx context.Context, kind entity.Kind, ids []string) ([]*entity.Entity, error) {
	return loadMany(ctx, r.reg, r.fetch, kind, ids)
}

func (r *repoPG) Locate(ctx context.Context, id string) (*Node, error) {
	var (
		n        Node
		kind     string
		parentID *string
	)
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, kind, parent_id, attrs FROM entity WHERE id = $1`, id,
	).Scan(&n.ID, &kind, &parentID, &n.Attrs)
	if db.NoRows(err) {
		return nil, &entity.NotFoundError{Kind: "entity", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("locate %s: %w", id, err)
	}
	n.Kind = entity.Kind(kind)
	if parentID != nil {
		n.ParentID = *parentID
	}
	return &n, nil
}

func (r *repoPG) Save(ctx context.Context, s *entity.Session, root *entity.Entity) error {
	plan := planWrites(s, root)
	q := r.conn(ctx)

	for _, e := range plan.orphans {
		if err := r.upsert(ctx, q, orphanRow(e)); err != nil {
			return err
		}
	}
	for _, e := range plan.upserts {
		if err := r.upsert(ctx, q, e.Row()); err != nil {
			return err
		}
	}
	if len(plan.destroys) > 0 {
		if _, err := q.Exec(ctx, `DELETE FROM entity WHERE id = ANY($1)`, plan.destroys); err != nil {
			return fmt.Errorf("delete entities: %w", err)
		}
	}
	plan.markClean()
	return nil
}

func (r *repoPG) upsert(ctx context.Context, q db.Querier, row entity.Row) error {
	attrs := row.Attrs
	if attrs == nil {
		attrs = map[string]any{}
	}
	_, err := q.Exec(ctx, `
		INSERT INTO entity (`+entityCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			parent_field = EXCLUDED.parent_field,
			attrs = EXCLUDED.attrs,
			modified = EXCLUDED.modified,
			modified_by = EXCLUDED.modified_by`,
		row.ID, string(row.Kind), nullString(row.ParentID), nullString(row.ParentField), attrs,
		row.Created, row.CreatedBy, row.Modified, row.ModifiedBy,
	)
	if err != nil {
		if constraint, ok := db.UniqueViolation(err); ok {
			return duplicateError(constraint, err)
		}
		return fmt.Errorf("save %s %s: %w", row.Kind, row.ID, err)
	}
	return nil
}

func (r *repoPG) FindPatients(ctx context.Context, m Match) ([]string, error) {
	var (
		where = []string{"p.kind = $1"}
		args  = []any{string(records.Patient)}
		want  = map[string]any{}
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	for k, v := range m.Attrs {
		if v == nil {
			where = append(where, "p.attrs ->> "+arg(k)+" IS NULL")
			continue
		}
		want[k] = v
	}
	if len(want) > 0 {
		where = append(where, "p.attrs @> "+arg(want))
	}
	if m.Product != "" {
		where = append(where, `EXISTS (
			SELECT 1 FROM entity d
			WHERE d.parent_id = p.id
			  AND d.kind = `+arg(string(records.Product))+`
			  AND d.attrs ->> 'product_name' = `+arg(m.Product)+`
			  AND d.attrs ->> 'closed_date' IS NULL)`)
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT p.id FROM entity p WHERE `+strings.Join(where, " AND ")+` ORDER BY p.created`, args...)
	if err != nil {
		return nil, fmt.Errorf("find patients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan patient id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
