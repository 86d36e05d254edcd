package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/odonto/odonto/internal/platform/auth"
	"github.com/odonto/odonto/internal/platform/db"
)

// AuditEntry captures who changed what, when, from where, and for which
// tenant. Entries are produced only for mutating requests.
type AuditEntry struct {
	UserID    string
	UserRole  string
	Tenant    string
	Resource  string
	Action    string // create, update, delete
	Path      string
	Method    string
	IPAddress string
	RequestID string
	Status    int
	Timestamp time.Time
}

// AuditRecorder persists audit entries. The middleware falls back to
// structured logging when no recorder is provided, so tests can supply a
// mock implementation.
type AuditRecorder interface {
	Record(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) Record(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every mutating request under /api/v1 after the handler runs,
// so the recorded status reflects the actual outcome.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditable(req.Method, req.URL.Path) {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			rid, _ := c.Get("request_id").(string)
			entry := AuditEntry{
				UserID:    auth.UserIDFromContext(ctx),
				UserRole:  string(auth.RoleFromContext(ctx)),
				Tenant:    db.TenantFromContext(ctx),
				Resource:  resourceFromPath(req.URL.Path),
				Action:    actionForMethod(req.Method),
				Path:      req.URL.Path,
				Method:    req.Method,
				IPAddress: c.RealIP(),
				RequestID: rid,
				Status:    c.Response().Status,
				Timestamp: time.Now().UTC(),
			}

			if len(recorders) > 0 {
				for _, r := range recorders {
					if rerr := r.Record(entry); rerr != nil {
						logger.Error().Err(rerr).Msg("audit record failed")
					}
				}
			} else {
				logger.Info().
					Str("user_id", entry.UserID).
					Str("role", entry.UserRole).
					Str("tenant", entry.Tenant).
					Str("resource", entry.Resource).
					Str("action", entry.Action).
					Str("path", entry.Path).
					Int("status", entry.Status).
					Str("request_id", entry.RequestID).
					Msg("audit")
			}

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return strings.HasPrefix(path, "/api/v1/")
	}
	return false
}

// resourceFromPath extracts the first path segment after /api/v1, e.g.
// "/api/v1/treatment-plans/42/items" -> "treatment-plans".
func resourceFromPath(path string) string {
	rest := strings.TrimPrefix(path, "/api/v1/")
	if rest == path {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

func actionForMethod(method string) string {
	switch method {
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	}
	return strings.ToLower(method)
}
