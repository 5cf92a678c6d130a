package thirdparties

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ledgerdesk/ledgerdesk/internal/platform/db"
)

// Repository persists third parties. Every call first confirms the company is
// still active and returns ErrCompanyInactive otherwise.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	List(ctx context.Context, filter ListFilter) ([]ThirdParty, int, error)
	Get(ctx context.Context, companyID, id string) (*ThirdParty, error)
	GetByCode(ctx context.Context, companyID, code string) (*ThirdParty, error)
	Create(ctx context.Context, tp ThirdParty) error
	Update(ctx context.Context, tp ThirdParty) error
	Delete(ctx context.Context, companyID, id string) error
}

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type repository struct {
	db   dbtx
	pool db.TxBeginner
}

// NewRepository returns a pgx backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool})
	})
}

func (r *repository) checkCompany(ctx context.Context, companyID string) error {
	var status string
	err := r.db.QueryRow(ctx, `SELECT status FROM companies WHERE id = $1`, companyID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrCompanyInactive
	}
	if err != nil {
		return err
	}
	if status != "active" {
		return ErrCompanyInactive
	}
	return nil
}

const columns = `id::text, company_id::text, code, name, COALESCE(tax_id, ''), kind, COALESCE(email, ''), COALESCE(phone, ''),
       credit_limit::text, COALESCE(created_by::text, ''), created_at, updated_at`

func buildListQuery(f ListFilter) (count string, list string, args []any) {
	conditions := []string{"company_id = $1"}
	args = []any{f.CompanyID}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		conditions = append(conditions, fmt.Sprintf("(kind = $%d OR kind = 'both')", len(args)))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		args = append(args, "%"+s+"%")
		n := len(args)
		conditions = append(conditions, fmt.Sprintf("(code ILIKE $%d OR name ILIKE $%d OR tax_id ILIKE $%d)", n, n, n))
	}
	where := "WHERE " + strings.Join(conditions, " AND ")
	count = "SELECT COUNT(*) FROM third_parties " + where
	list = fmt.Sprintf("SELECT %s FROM third_parties %s ORDER BY name, code LIMIT $%d OFFSET $%d",
		columns, where, len(args)+1, len(args)+2)
	return count, list, args
}

func (r *repository) List(ctx context.Context, f ListFilter) ([]ThirdParty, int, error) {
	if err := r.checkCompany(ctx, f.CompanyID); err != nil {
		return nil, 0, err
	}
	countQuery, listQuery, args := buildListQuery(f)
	var total int
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, listQuery, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []ThirdParty
	for rows.Next() {
		tp, err := scan(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, tp)
	}
	return out, total, rows.Err()
}

func (r *repository) Get(ctx context.Context, companyID, id string) (*ThirdParty, error) {
	if err := r.checkCompany(ctx, companyID); err != nil {
		return nil, err
	}
	return r.one(ctx, `SELECT `+columns+` FROM third_parties WHERE company_id = $1 AND id::text = $2`, companyID, id)
}

func (r *repository) GetByCode(ctx context.Context, companyID, code string) (*ThirdParty, error) {
	if err := r.checkCompany(ctx, companyID); err != nil {
		return nil, err
	}
	return r.one(ctx, `SELECT `+columns+` FROM third_parties WHERE company_id = $1 AND code = $2`, companyID, code)
}

func (r *repository) one(ctx context.Context, query string, args ...any) (*ThirdParty, error) {
	tp, err := scan(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tp, nil
}

func (r *repository) Create(ctx context.Context, tp ThirdParty) error {
	if err := r.checkCompany(ctx, tp.CompanyID); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx, `INSERT INTO third_parties
    (id, company_id, code, name, tax_id, kind, email, phone, credit_limit, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), NULLIF($8, ''), $9::numeric, NULLIF($10, '')::uuid, $11, $11)`,
		tp.ID, tp.CompanyID, tp.Code, tp.Name, tp.TaxID, string(tp.Kind), tp.Email, tp.Phone,
		tp.CreditLimit.String(), tp.CreatedBy, tp.CreatedAt)
	return uniqueViolation(err)
}

func (r *repository) Update(ctx context.Context, tp ThirdParty) error {
	if err := r.checkCompany(ctx, tp.CompanyID); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `UPDATE third_parties
SET code = $3, name = $4, tax_id = NULLIF($5, ''), kind = $6, email = NULLIF($7, ''), phone = NULLIF($8, ''),
    credit_limit = $9::numeric, updated_at = $10
WHERE company_id = $1 AND id::text = $2`,
		tp.CompanyID, tp.ID, tp.Code, tp.Name, tp.TaxID, string(tp.Kind), tp.Email, tp.Phone,
		tp.CreditLimit.String(), tp.UpdatedAt)
	if err != nil {
		return uniqueViolation(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) Delete(ctx context.Context, companyID, id string) error {
	if err := r.checkCompany(ctx, companyID); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM third_parties WHERE company_id = $1 AND id::text = $2`, companyID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scan(row pgx.Row) (ThirdParty, error) {
	var (
		tp    ThirdParty
		kind  string
		limit string
	)
	err := row.Scan(&tp.ID, &tp.CompanyID, &tp.Code, &tp.Name, &tp.TaxID, &kind, &tp.Email, &tp.Phone,
		&limit, &tp.CreatedBy, &tp.CreatedAt, &tp.UpdatedAt)
	if err != nil {
		return ThirdParty{}, err
	}
	tp.Kind = Kind(kind)
	tp.CreditLimit, err = decimal.NewFromString(limit)
	if err != nil {
		return ThirdParty{}, fmt.Errorf("credit limit %q: %w", limit, err)
	}
	return tp, nil
}

func uniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrCodeTaken
	}
	return err
}
