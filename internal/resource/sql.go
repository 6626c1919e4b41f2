package resource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// dialect captures the few places SQLite and PostgreSQL disagree.
type dialect struct {
	name        string
	placeholder func(n int) string
	types       map[ColumnType]string
}

// SQLRepository stores each kind in its own table and projects owners with a
// join on the owners table.
type SQLRepository struct {
	db      *sql.DB
	dialect dialect
}

var (
	_ Repository     = (*SQLRepository)(nil)
	_ OwnerDirectory = (*SQLRepository)(nil)
)

func (r *SQLRepository) migrate(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS owners (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT ''
		)`,
	}
	timeType := r.dialect.types[ColumnTime]
	for _, h := range Handlers() {
		cols := []string{
			"id TEXT PRIMARY KEY",
			"owner_id TEXT NOT NULL DEFAULT ''",
			"created_at " + timeType + " NOT NULL",
			"updated_at " + timeType + " NOT NULL",
		}
		for _, c := range h.Columns() {
			cols = append(cols, c.Name+" "+r.dialect.types[c.Type])
		}
		stmts = append(stmts,
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t\t\t%s\n\t\t)", h.Table(), strings.Join(cols, ",\n\t\t\t")),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s(created_at DESC)", h.Table(), h.Table()),
		)
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate %s schema: %w", r.dialect.name, err)
		}
	}
	return nil
}

func (r *SQLRepository) selectFrom(h Handler) string {
	cols := []string{"t.id", "t.owner_id", "t.created_at", "t.updated_at"}
	for _, c := range h.Columns() {
		cols = append(cols, "t."+c.Name)
	}
	cols = append(cols, "o.name", "o.email")
	return fmt.Sprintf("SELECT %s FROM %s t LEFT JOIN owners o ON o.id = t.owner_id", strings.Join(cols, ", "), h.Table())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scan(h Handler, row rowScanner) (*Record, error) {
	rec := Record{Kind: h.Kind()}
	payload := h.NewPayload()
	targets, finish := h.Targets(payload)

	var ownerName, ownerEmail sql.NullString
	dest := append([]any{&rec.ID, &rec.OwnerID, &rec.CreatedAt, &rec.UpdatedAt}, targets...)
	dest = append(dest, &ownerName, &ownerEmail)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := finish(); err != nil {
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.Payload = payload
	rec.Owner = ownerSummary(rec.OwnerID, ownerName.String, ownerEmail.String)
	return &rec, nil
}

func (r *SQLRepository) List(ctx context.Context, kind Kind, offset, limit int) ([]Record, error) {
	h, err := Resolve(kind)
	if err != nil {
		return nil, err
	}
	if offset < 0 || limit < 1 {
		return []Record{}, nil
	}
	query := fmt.Sprintf("%s ORDER BY t.created_at DESC LIMIT %s OFFSET %s",
		r.selectFrom(h), r.dialect.placeholder(1), r.dialect.placeholder(2))
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", h.Table(), err)
	}
	defer rows.Close()

	result := []Record{}
	for rows.Next() {
		rec, err := r.scan(h, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}

func (r *SQLRepository) Count(ctx context.Context, kind Kind) (int, error) {
	h, err := Resolve(kind)
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+h.Table()).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", h.Table(), err)
	}
	return n, nil
}

func (r *SQLRepository) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	h, err := Resolve(kind)
	if err != nil {
		return nil, err
	}
	return r.get(ctx, r.db, h, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SQLRepository) get(ctx context.Context, q queryer, h Handler, id string) (*Record, error) {
	row := q.QueryRowContext(ctx, r.selectFrom(h)+" WHERE t.id = "+r.dialect.placeholder(1), id)
	rec, err := r.scan(h, row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s %s", ErrNotFound, h.Kind(), id)
		}
		return nil, fmt.Errorf("failed to read %s: %w", h.Kind(), err)
	}
	return rec, nil
}

func (r *SQLRepository) Create(ctx context.Context, kind Kind, rec Record) (*Record, error) {
	h, err := Resolve(kind)
	if err != nil {
		return nil, err
	}
	if rec.Payload == nil || rec.Payload.Kind() != h.Kind() {
		return nil, fmt.Errorf("%w: payload does not match kind %s", ErrInvalidInput, kind)
	}
	values, err := h.Values(rec.Payload)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := timeNow()
	names := []string{"id", "owner_id", "created_at", "updated_at"}
	for _, c := range h.Columns() {
		names = append(names, c.Name)
	}
	args := append([]any{id, rec.OwnerID, now, now}, values...)
	marks := make([]string, len(args))
	for i := range marks {
		marks[i] = r.dialect.placeholder(i + 1)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", h.Table(), strings.Join(names, ", "), strings.Join(marks, ", "))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to insert %s: %w", kind, err)
	}
	return r.get(ctx, r.db, h, id)
}

func (r *SQLRepository) Update(ctx context.Context, kind Kind, id string, fields Fields) (*Record, error) {
	h, err := Resolve(kind)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := r.get(ctx, tx, h, id)
	if err != nil {
		return nil, err
	}
	payload, err := h.Merge(current.Payload, fields)
	if err != nil {
		return nil, err
	}
	values, err := h.Values(payload)
	if err != nil {
		return nil, err
	}

	sets := []string{"updated_at = " + r.dialect.placeholder(1)}
	args := []any{timeNow()}
	for i, c := range h.Columns() {
		sets = append(sets, c.Name+" = "+r.dialect.placeholder(i+2))
	}
	args = append(args, values...)
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s", h.Table(), strings.Join(sets, ", "), r.dialect.placeholder(len(args)))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", kind, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit %s update: %w", kind, err)
	}
	return r.get(ctx, r.db, h, id)
}

func (r *SQLRepository) Delete(ctx context.Context, kind Kind, id string) error {
	h, err := Resolve(kind)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, "DELETE FROM "+h.Table()+" WHERE id = "+r.dialect.placeholder(1), id)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}

func (r *SQLRepository) PutOwner(ctx context.Context, owner Owner) error {
	if owner.ID == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	p := r.dialect.placeholder
	query := fmt.Sprintf(`INSERT INTO owners (id, name, email) VALUES (%s, %s, %s)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, email = excluded.email`, p(1), p(2), p(3))
	if _, err := r.db.ExecContext(ctx, query, owner.ID, owner.Name, owner.Email); err != nil {
		return fmt.Errorf("failed to upsert owner: %w", err)
	}
	return nil
}

// Close closes the database connection
func (r *SQLRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
