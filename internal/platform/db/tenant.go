package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/odonto/odonto/internal/platform/apierr"
)

type contextKey string

const (
	// TenantKeyHeader carries the partition key selected by the frontend.
	TenantKeyHeader = "X-Tenant-Subdomain"

	tenantKeyCtx contextKey = "tenant_key"
	dbConnCtx    contextKey = "db_conn"
	dbTxCtx      contextKey = "db_tx"
)

var tenantKeyPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// TenantInfo is the minimal view of a tenant the routing layer needs. The
// tenant directory package owns the full record.
type TenantInfo struct {
	Key        string
	SchemaName string
	Active     bool
}

// DirectoryResolver resolves a partition key to a tenant. Implementations
// must return apierr.NotFound for unknown keys; the middleware never falls
// back to a default partition on a lookup miss.
type DirectoryResolver interface {
	ResolveKey(ctx context.Context, key string) (*TenantInfo, error)
}

// TenantMiddleware binds every request to the data partition of the tenant
// named by the X-Tenant-Subdomain header (defaultTenant when absent). The
// tenant-scoped connection lives only in the request context and the
// search_path is reset before the connection returns to the pool, so no
// partition state can leak between requests.
func TenantMiddleware(pool *pgxpool.Pool, directory DirectoryResolver, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := extractTenantKey(c, defaultTenant)

			if !tenantKeyPattern.MatchString(key) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx := c.Request().Context()

			tenant, err := directory.ResolveKey(ctx, key)
			if err != nil {
				return err
			}
			if !tenant.Active {
				return apierr.Forbidden("tenant is deactivated")
			}

			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer func() {
				// Always clear the search_path before the conn goes back
				// to the pool; a failed RESET poisons the connection, so
				// destroy it rather than reuse it.
				if _, rerr := conn.Exec(context.Background(), "RESET search_path"); rerr != nil {
					conn.Conn().Close(context.Background())
				}
				conn.Release()
			}()

			if _, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", tenant.SchemaName)); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			}

			bindTenant(c, tenant.Key, conn)

			return next(c)
		}
	}
}

// bindTenant attaches the resolved partition key and its connection to the
// request context. Nothing is stored outside the request, so concurrent
// requests for different tenants cannot observe each other's partition.
func bindTenant(c echo.Context, key string, conn *pgxpool.Conn) {
	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, tenantKeyCtx, key)
	ctx = context.WithValue(ctx, dbConnCtx, conn)
	c.SetRequest(c.Request().WithContext(ctx))
}

func extractTenantKey(c echo.Context, defaultTenant string) string {
	if key := strings.ToLower(strings.TrimSpace(c.Request().Header.Get(TenantKeyHeader))); key != "" {
		return key
	}
	return defaultTenant
}

// ConnFromContext retrieves the tenant-scoped database connection.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(dbConnCtx).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the partition key bound to this request.
func TenantFromContext(ctx context.Context) string {
	key, _ := ctx.Value(tenantKeyCtx).(string)
	return key
}

// WithConn returns a context carrying the given connection. Used by the CLI
// and background jobs that operate outside the HTTP middleware chain.
func WithConn(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, dbConnCtx, conn)
}

// WithTenant acquires a connection bound to the given schema and runs fn
// with it in context. Background jobs and CLI commands use this to enter a
// tenant's partition outside the HTTP middleware chain; the same reset
// discipline applies before the connection returns to the pool.
func WithTenant(ctx context.Context, pool *pgxpool.Pool, schema string, fn func(ctx context.Context) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() {
		if _, rerr := conn.Exec(context.Background(), "RESET search_path"); rerr != nil {
			conn.Conn().Close(context.Background())
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
		return fmt.Errorf("set search_path to %s: %w", schema, err)
	}
	return fn(WithConn(ctx, conn))
}

// Beginner abstracts pgx transaction starters (pool or acquired conn).
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxFromContext retrieves the transaction bound by RunInTx, if any.
// Repositories check this first so that every query issued inside a unit of
// work rides the same transaction.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(dbTxCtx).(pgx.Tx)
	return tx
}

// RunInTx executes fn inside a transaction on the request's tenant-scoped
// connection, falling back to the pool when no connection is bound. The
// transaction is carried in the context handed to fn; nested calls join the
// surrounding transaction. Rolled back when fn returns an error.
func RunInTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var beginner Beginner = pool
	if conn := ConnFromContext(ctx); conn != nil {
		beginner = conn
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(context.WithValue(ctx, dbTxCtx, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ValidTenantKey reports whether key is usable as a partition identifier.
func ValidTenantKey(key string) bool {
	return tenantKeyPattern.MatchString(key)
}

// SchemaForKey derives the Postgres schema name for a partition key. The
// default "public" key maps to the shared schema itself.
func SchemaForKey(key string) string {
	if key == "public" {
		return "public"
	}
	return "tenant_" + key
}

// CreateTenantSchema creates the schema for a tenant and runs all tenant
// migrations against it. Runs inside the caller's transaction when tx is
// not nil so that tenant registration and provisioning commit atomically.
func CreateTenantSchema(ctx context.Context, tx pgx.Tx, key string, migrations []Migration) error {
	if !ValidTenantKey(key) {
		return fmt.Errorf("invalid tenant identifier: %s", key)
	}
	schema := SchemaForKey(key)

	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", schema)); err != nil {
		return fmt.Errorf("set search_path for %s: %w", schema, err)
	}
	trackingTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.schema_migrations (
	version INTEGER PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, schema)
	if _, err := tx.Exec(ctx, trackingTable); err != nil {
		return fmt.Errorf("create schema_migrations in %s: %w", schema, err)
	}
	for _, m := range migrations {
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("apply %s to %s: %w", m.Name, schema, err)
		}
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s.schema_migrations (version, name) VALUES ($1, $2)", schema),
			m.Version, m.Name); err != nil {
			return fmt.Errorf("record %s in %s: %w", m.Name, schema, err)
		}
	}
	return nil
}
