package tenant

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists the tenant directory. All rows live in the public
// schema regardless of the search_path bound to the calling request.
type Repository interface {
	Create(ctx context.Context, t *Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetByKey(ctx context.Context, key string) (*Tenant, error)
	List(ctx context.Context, limit, offset int) ([]*Tenant, int, error)
	Update(ctx context.Context, t *Tenant) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error

	CreateAlias(ctx context.Context, a *DomainAlias) error
	GetAliasByDomain(ctx context.Context, domain string) (*DomainAlias, error)
	ListAliases(ctx context.Context, tenantID uuid.UUID) ([]*DomainAlias, error)
	DeleteAlias(ctx context.Context, id uuid.UUID) error
}
