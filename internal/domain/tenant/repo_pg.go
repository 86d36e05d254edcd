package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odonto/odonto/internal/platform/apierr"
	"github.com/odonto/odonto/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the Postgres-backed directory repository. Tables are
// referenced schema-qualified so lookups work on connections whose
// search_path already points at a tenant schema.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const tenantCols = `id, key, name, ruc, phone, email, address, plan,
	max_users, max_patients, schema_name, active, created_at, updated_at`

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Key, &t.Name, &t.RUC, &t.Phone, &t.Email, &t.Address, &t.Plan,
		&t.MaxUsers, &t.MaxPatients, &t.SchemaName, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.NotFound("tenant")
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func mapPGError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apierr.DuplicateKey("a tenant with that key or RUC already exists")
	}
	return err
}

func (r *repoPG) Create(ctx context.Context, t *Tenant) error {
	t.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO public.tenants (id, key, name, ruc, phone, email, address, plan,
			max_users, max_patients, schema_name, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, t.Key, t.Name, t.RUC, t.Phone, t.Email, t.Address, t.Plan,
		t.MaxUsers, t.MaxPatients, t.SchemaName, t.Active)
	return mapPGError(err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	return scanTenant(r.conn(ctx).QueryRow(ctx,
		`SELECT `+tenantCols+` FROM public.tenants WHERE id = $1`, id))
}

func (r *repoPG) GetByKey(ctx context.Context, key string) (*Tenant, error) {
	return scanTenant(r.conn(ctx).QueryRow(ctx,
		`SELECT `+tenantCols+` FROM public.tenants WHERE key = $1`, key))
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Tenant, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM public.tenants`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+tenantCols+` FROM public.tenants ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, 0, err
		}
		tenants = append(tenants, t)
	}
	return tenants, total, rows.Err()
}

func (r *repoPG) Update(ctx context.Context, t *Tenant) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE public.tenants
		SET name = $2, phone = $3, email = $4, address = $5, plan = $6,
			max_users = $7, max_patients = $8, updated_at = NOW()
		WHERE id = $1`,
		t.ID, t.Name, t.Phone, t.Email, t.Address, t.Plan, t.MaxUsers, t.MaxPatients)
	if err != nil {
		return mapPGError(err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("tenant")
	}
	return nil
}

func (r *repoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE public.tenants SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("tenant")
	}
	return nil
}

func (r *repoPG) CreateAlias(ctx context.Context, a *DomainAlias) error {
	a.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO public.domain_aliases (id, tenant_id, domain, is_primary)
		VALUES ($1,$2,$3,$4)`,
		a.ID, a.TenantID, a.Domain, a.IsPrimary)
	return mapPGError(err)
}

func (r *repoPG) GetAliasByDomain(ctx context.Context, domain string) (*DomainAlias, error) {
	var a DomainAlias
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, tenant_id, domain, is_primary, created_at
		FROM public.domain_aliases WHERE domain = $1`, domain).
		Scan(&a.ID, &a.TenantID, &a.Domain, &a.IsPrimary, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.NotFound("domain alias")
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *repoPG) ListAliases(ctx context.Context, tenantID uuid.UUID) ([]*DomainAlias, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, tenant_id, domain, is_primary, created_at
		FROM public.domain_aliases WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aliases []*DomainAlias
	for rows.Next() {
		var a DomainAlias
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Domain, &a.IsPrimary, &a.CreatedAt); err != nil {
			return nil, err
		}
		aliases = append(aliases, &a)
	}
	return aliases, rows.Err()
}

func (r *repoPG) DeleteAlias(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM public.domain_aliases WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("domain alias")
	}
	return nil
}
