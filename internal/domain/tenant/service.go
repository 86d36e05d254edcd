package tenant

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/odonto/odonto/internal/platform/apierr"
	"github.com/odonto/odonto/internal/platform/db"
)

// MigrationSource supplies the schema migrations applied when provisioning a
// new tenant. Satisfied by db.Migrator.
type MigrationSource interface {
	TenantMigrations() ([]db.Migration, error)
}

type cacheEntry struct {
	info    *db.TenantInfo
	expires time.Time
}

// Service manages the tenant directory and provisions tenant schemas. It
// implements db.DirectoryResolver; resolutions are cached for a short TTL
// because every request passes through the resolver.
type Service struct {
	repo       Repository
	pool       *pgxpool.Pool
	migrations MigrationSource
	logger     zerolog.Logger

	ttl   time.Duration
	mu    sync.RWMutex
	cache map[string]cacheEntry

	// overridable in tests
	runTx     func(ctx context.Context, fn func(ctx context.Context) error) error
	provision func(ctx context.Context, key string) error
}

func NewService(repo Repository, pool *pgxpool.Pool, migrations MigrationSource, ttl time.Duration, logger zerolog.Logger) *Service {
	s := &Service{
		repo:       repo,
		pool:       pool,
		migrations: migrations,
		logger:     logger.With().Str("component", "tenant_directory").Logger(),
		ttl:        ttl,
		cache:      make(map[string]cacheEntry),
	}
	s.runTx = func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.RunInTx(ctx, s.pool, fn)
	}
	s.provision = s.provisionSchema
	return s
}

func (s *Service) provisionSchema(ctx context.Context, key string) error {
	tx := db.TxFromContext(ctx)
	if tx == nil {
		return apierr.Internal(errNoTx)
	}
	migrations, err := s.migrations.TenantMigrations()
	if err != nil {
		return err
	}
	return db.CreateTenantSchema(ctx, tx, key, migrations)
}

// Register creates the directory row and provisions the tenant schema in one
// transaction, so a failed provisioning leaves no half-registered tenant.
func (s *Service) Register(ctx context.Context, t *Tenant) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.SchemaName = db.SchemaForKey(t.Key)
	t.Active = true

	err := s.runTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, t); err != nil {
			return err
		}
		return s.provision(ctx, t.Key)
	})
	if err != nil {
		return err
	}

	s.invalidate(t.Key)
	s.logger.Info().Str("tenant", t.Key).Str("schema", t.SchemaName).Msg("tenant registered")
	return nil
}

// ResolveKey implements db.DirectoryResolver.
func (s *Service) ResolveKey(ctx context.Context, key string) (*db.TenantInfo, error) {
	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.info, nil
	}

	t, err := s.repo.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	info := t.Info()
	s.mu.Lock()
	s.cache[key] = cacheEntry{info: info, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return info, nil
}

// ResolveDomain maps a custom hostname to its tenant.
func (s *Service) ResolveDomain(ctx context.Context, domain string) (*Tenant, error) {
	alias, err := s.repo.GetAliasByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, alias.TenantID)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByKey(ctx context.Context, key string) (*Tenant, error) {
	return s.repo.GetByKey(ctx, key)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Tenant, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) Update(ctx context.Context, t *Tenant) error {
	if t.Plan != "" {
		if _, ok := planLimits[t.Plan]; !ok {
			return apierr.FieldError("plan", "must be one of basico, profesional, empresarial")
		}
	}
	if err := s.repo.Update(ctx, t); err != nil {
		return err
	}
	s.invalidate(t.Key)
	return nil
}

// Deactivate suspends a tenant. Already-inactive tenants are left untouched,
// so repeated calls succeed.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.SetActive(ctx, id, false); err != nil {
		return err
	}
	s.invalidate(t.Key)
	s.logger.Info().Str("tenant", t.Key).Msg("tenant deactivated")
	return nil
}

// Activate reinstates a suspended tenant. Idempotent like Deactivate.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) error {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.SetActive(ctx, id, true); err != nil {
		return err
	}
	s.invalidate(t.Key)
	return nil
}

func (s *Service) AddAlias(ctx context.Context, a *DomainAlias) error {
	if a.Domain == "" {
		return apierr.FieldError("domain", "is required")
	}
	if _, err := s.repo.GetByID(ctx, a.TenantID); err != nil {
		return err
	}
	return s.repo.CreateAlias(ctx, a)
}

func (s *Service) ListAliases(ctx context.Context, tenantID uuid.UUID) ([]*DomainAlias, error) {
	return s.repo.ListAliases(ctx, tenantID)
}

func (s *Service) RemoveAlias(ctx context.Context, id uuid.UUID) error {
	return s.repo.DeleteAlias(ctx, id)
}

func (s *Service) invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

var errNoTx = errors.New("tenant provisioning requires a transaction")
