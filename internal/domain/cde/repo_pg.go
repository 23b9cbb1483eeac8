package cde

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rdrf/rdrf/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const cdeCols = `code, name, description, datatype, instructions, max_length,
	min_value, max_value, is_required, pattern, widget_name, calculation_inputs,
	created_at, updated_at`

func scanCDE(row pgx.Row) (*CommonDataElement, error) {
	var c CommonDataElement
	err := row.Scan(&c.Code, &c.Name, &c.Desc, &c.Datatype, &c.Instructions, &c.MaxLength,
		&c.MinValue, &c.MaxValue, &c.IsRequired, &c.Pattern, &c.Widget, &c.CalculationInputs,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func collect(rows pgx.Rows) ([]*CommonDataElement, error) {
	defer rows.Close()
	var out []*CommonDataElement
	for rows.Next() {
		c, err := scanCDE(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func inputs(c *CommonDataElement) []string {
	if c.CalculationInputs == nil {
		return []string{}
	}
	return c.CalculationInputs
}

func (r *repoPG) Create(ctx context.Context, c *CommonDataElement) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO rdrf_cde (code, name, description, datatype, instructions, max_length,
			min_value, max_value, is_required, pattern, widget_name, calculation_inputs)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		c.Code, c.Name, c.Desc, c.Datatype, c.Instructions, c.MaxLength,
		c.MinValue, c.MaxValue, c.IsRequired, c.Pattern, c.Widget, inputs(c),
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *repoPG) GetByCode(ctx context.Context, code string) (*CommonDataElement, error) {
	return scanCDE(r.conn(ctx).QueryRow(ctx, `SELECT `+cdeCols+` FROM rdrf_cde WHERE code = $1`, code))
}

func (r *repoPG) Update(ctx context.Context, c *CommonDataElement) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE rdrf_cde SET name=$2, description=$3, datatype=$4, instructions=$5, max_length=$6,
			min_value=$7, max_value=$8, is_required=$9, pattern=$10, widget_name=$11,
			calculation_inputs=$12, updated_at=NOW()
		WHERE code = $1
		RETURNING created_at, updated_at`,
		c.Code, c.Name, c.Desc, c.Datatype, c.Instructions, c.MaxLength,
		c.MinValue, c.MaxValue, c.IsRequired, c.Pattern, c.Widget, inputs(c),
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *repoPG) Delete(ctx context.Context, code string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM rdrf_cde WHERE code = $1`, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*CommonDataElement, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM rdrf_cde`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count cdes: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cdeCols+` FROM rdrf_cde ORDER BY code LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collect(rows)
	return items, total, err
}

func (r *repoPG) ListByCodes(ctx context.Context, codes []string) ([]*CommonDataElement, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cdeCols+` FROM rdrf_cde WHERE code = ANY($1)`, codes)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *repoPG) ListCalculated(ctx context.Context) ([]*CommonDataElement, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cdeCols+` FROM rdrf_cde WHERE cardinality(calculation_inputs) > 0 ORDER BY code`)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}
