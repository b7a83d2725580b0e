package patient

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dhos/services-api/internal/domain/entity"
	"github.com/dhos/services-api/internal/domain/records"
)

//go:embed sqlite_migrations/*.sql
var sqliteMigrations embed.FS

// sqliteTime keeps a fixed width so text timestamps sort chronologically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

type sqliteTxKey struct{}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteRepo is a Repository in a single SQLite file, for development and
// single-node deployments.
type SQLiteRepo struct {
	db  *sql.DB
	reg *entity.Registry
}

// OpenSQLite opens (creating if needed) the database at path and applies
// its migrations. ":memory:" gives a private in-memory store.
func OpenSQLite(path string, reg *entity.Registry) (*SQLiteRepo, error) {
	if dir := filepath.Dir(path); path != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serialises writers and keeps an in-memory database
	// shared between calls.
	conn.SetMaxOpenConns(1)

	if err := migrateSQLite(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &SQLiteRepo{db: conn, reg: reg}, nil
}

func migrateSQLite(conn *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(sqliteMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(conn, "sqlite_migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) Close() error { return r.db.Close() }

func (r *SQLiteRepo) conn(ctx context.Context) sqlQuerier {
	if tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return r.db
}

// InTx joins an enclosing transaction when there is one.
func (r *SQLiteRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, sqliteTxKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepo) fetch(ctx context.Context, ids []string) ([]entity.Row, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.conn(ctx).QueryContext(ctx, `
		WITH RECURSIVE tree(id) AS (
			SELECT id FROM entity WHERE id IN (`+placeholders+`)
			UNION
			SELECT e.id FROM entity e JOIN tree t ON e.parent_id = t.id
		)
		SELECT e.id, e.kind, e.parent_id, e.parent_field, e.attrs, e.created, e.created_by, e.modified, e.modified_by
		FROM entity e JOIN tree USING (id)
		ORDER BY e.created, e.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch entities: %w", err)
	}
	defer rows.Close()

	var out []entity.Row
	for rows.Next() {
		var (
			row                 entity.Row
			kind, attrs         string
			created, modified   string
			parentID, parentFld sql.NullString
		)
		if err := rows.Scan(&row.ID, &kind, &parentID, &parentFld, &attrs,
			&created, &row.CreatedBy, &modified, &row.ModifiedBy); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		row.Kind = entity.Kind(kind)
		row.ParentID, row.ParentField = parentID.String, parentFld.String
		if err := json.Unmarshal([]byte(attrs), &row.Attrs); err != nil {
			return nil, fmt.Errorf("decode attrs of %s: %w", row.ID, err)
		}
		if row.Created, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse created of %s: %w", row.ID, err)
		}
		if row.Modified, err = time.Parse(time.RFC3339Nano, modified); err != nil {
			return nil, fmt.Errorf("parse modified of %s: %w", row.ID, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) Load(ctx context.Context, kind entity.Kind, id string) (*entity.Entity, error) {
	return loadOne(ctx, r.reg, r.fetch, kind, id)
}

func (r *SQLiteRepo) LoadEntities(ctx context.Context, kind entity.Kind, ids []string) ([]*entity.Entity, error) {
	return loadMany(ctx, r.reg, r.fetch, kind, ids)
}

func (r *SQLiteRepo) Locate(ctx context.Context, id string) (*Node, error) {
	var (
		n        Node
		kind     string
		attrs    string
		parentID sql.NullString
	)
	err := r.conn(ctx).QueryRowContext(ctx,
		`SELECT id, kind, parent_id, attrs FROM entity WHERE id = ?`, id,
	).Scan(&n.ID, &kind, &parentID, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &entity.NotFoundError{Kind: "entity", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("locate %s: %w", id, err)
	}
	n.Kind = entity.Kind(kind)
	n.ParentID = parentID.String
	if err := json.Unmarshal([]byte(attrs), &n.Attrs); err != nil {
		return nil, fmt.Errorf("decode attrs of %s: %w", id, err)
	}
	return &n, nil
}

func (r *SQLiteRepo) Save(ctx context.Context, s *entity.Session, root *entity.Entity) error {
	return r.InTx(ctx, func(ctx context.Context) error {
		plan := planWrites(s, root)
		q := r.conn(ctx)

		for _, e := range plan.orphans {
			if err := upsertSQLite(ctx, q, orphanRow(e)); err != nil {
				return err
			}
		}
		for _, e := range plan.upserts {
			if err := upsertSQLite(ctx, q, e.Row()); err != nil {
				return err
			}
		}
		for _, id := range plan.destroys {
			if _, err := q.ExecContext(ctx, `DELETE FROM entity WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
		}
		plan.markClean()
		return nil
	})
}

func upsertSQLite(ctx context.Context, q sqlQuerier, row entity.Row) error {
	attrs := row.Attrs
	if attrs == nil {
		attrs = map[string]any{}
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attrs of %s: %w", row.ID, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO entity (id, kind, parent_id, parent_field, attrs, created, created_by, modified, modified_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			parent_id = excluded.parent_id,
			parent_field = excluded.parent_field,
			attrs = excluded.attrs,
			modified = excluded.modified,
			modified_by = excluded.modified_by`,
		row.ID, string(row.Kind), nullString(row.ParentID), nullString(row.ParentField), string(raw),
		row.Created.UTC().Format(sqliteTime), row.CreatedBy,
		row.Modified.UTC().Format(sqliteTime), row.ModifiedBy,
	)
	if err != nil {
		if constraint, ok := sqliteUniqueViolation(err); ok {
			return duplicateError(constraint, err)
		}
		return fmt.Errorf("save %s %s: %w", row.Kind, row.ID, err)
	}
	return nil
}

// sqliteUniqueViolation extracts the index named in a UNIQUE failure.
func sqliteUniqueViolation(err error) (string, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) || se.Code() != sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return "", false
	}
	msg := se.Error()
	if _, rest, ok := strings.Cut(msg, "index '"); ok {
		if name, _, ok := strings.Cut(rest, "'"); ok {
			return name, true
		}
	}
	return "", true
}

// FindPatients narrows by product in SQL and compares attributes in Go.
func (r *SQLiteRepo) FindPatients(ctx context.Context, m Match) ([]string, error) {
	query := `SELECT p.id, p.attrs FROM entity p WHERE p.kind = ?`
	args := []any{string(records.Patient)}
	if m.Product != "" {
		query += ` AND EXISTS (
			SELECT 1 FROM entity d
			WHERE d.parent_id = p.id
			  AND d.kind = ?
			  AND json_extract(d.attrs, '$.product_name') = ?
			  AND json_extract(d.attrs, '$.closed_date') IS NULL)`
		args = append(args, string(records.Product), m.Product)
	}
	rows, err := r.conn(ctx).QueryContext(ctx, query+` ORDER BY p.created`, args...)
	if err != nil {
		return nil, fmt.Errorf("find patients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		var attrs map[string]any
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			return nil, fmt.Errorf("decode attrs of %s: %w", id, err)
		}
		if attrsMatch(attrs, m.Attrs) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}
