package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/odonto/odonto/internal/platform/apierr"
)

func TestExtractTenantKey_FromHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantKeyHeader, "clinica_norte")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if key := extractTenantKey(c, "public"); key != "clinica_norte" {
		t.Errorf("expected clinica_norte, got %s", key)
	}
}

func TestExtractTenantKey_NormalizesCase(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantKeyHeader, "  Clinica_Sur  ")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if key := extractTenantKey(c, "public"); key != "clinica_sur" {
		t.Errorf("expected clinica_sur, got %s", key)
	}
}

func TestExtractTenantKey_Default(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if key := extractTenantKey(c, "public"); key != "public" {
		t.Errorf("expected public, got %s", key)
	}
}

func TestValidTenantKey(t *testing.T) {
	valid := []string{"abc", "clinica_1", "tenant_abc_123", "public"}
	for _, v := range valid {
		if !ValidTenantKey(v) {
			t.Errorf("expected %q to be valid", v)
		}
	}
	invalid := []string{"", "has space", "semi;colon", "drop--table", "UPPER", "acc.ent"}
	for _, v := range invalid {
		if ValidTenantKey(v) {
			t.Errorf("expected %q to be invalid", v)
		}
	}
}

func TestSchemaForKey(t *testing.T) {
	if s := SchemaForKey("public"); s != "public" {
		t.Errorf("public key should map to public schema, got %s", s)
	}
	if s := SchemaForKey("clinica_norte"); s != "tenant_clinica_norte" {
		t.Errorf("got %s", s)
	}
}

func TestTenantFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if key := TenantFromContext(req.Context()); key != "" {
		t.Errorf("expected empty tenant key, got %q", key)
	}
	if conn := ConnFromContext(req.Context()); conn != nil {
		t.Error("expected nil conn outside middleware")
	}
}

type stubDirectory struct {
	tenants map[string]*TenantInfo
}

func (d *stubDirectory) ResolveKey(_ context.Context, key string) (*TenantInfo, error) {
	t, ok := d.tenants[key]
	if !ok {
		return nil, apierr.NotFound("tenant")
	}
	return t, nil
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{tenants: map[string]*TenantInfo{
		"clinica_norte": {Key: "clinica_norte", SchemaName: "tenant_clinica_norte", Active: true},
		"clinica_sur":   {Key: "clinica_sur", SchemaName: "tenant_clinica_sur", Active: true},
		"clinica_baja":  {Key: "clinica_baja", SchemaName: "tenant_clinica_baja", Active: false},
	}}
}

// Every rejection below happens before a connection is acquired, so the
// middleware runs without a database and the handler must never be reached.
func runTenantMiddleware(t *testing.T, key string) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantKeyHeader, key)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := TenantMiddleware(nil, newStubDirectory(), "public")(func(c echo.Context) error {
		t.Errorf("handler ran for tenant key %q", key)
		return nil
	})
	return handler(c)
}

func TestTenantMiddleware_UnknownKeyRejectedBeforeHandler(t *testing.T) {
	err := runTenantMiddleware(t, "clinica_fantasma")
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindNotFound {
		t.Fatalf("expected not-found for unknown tenant, got %v", err)
	}
}

func TestTenantMiddleware_DeactivatedTenantForbidden(t *testing.T) {
	err := runTenantMiddleware(t, "clinica_baja")
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindForbidden {
		t.Fatalf("expected forbidden for deactivated tenant, got %v", err)
	}
}

func TestTenantMiddleware_InvalidKeyRejected(t *testing.T) {
	err := runTenantMiddleware(t, "drop;table")
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed tenant key, got %v", err)
	}
}

// Concurrent requests for different clinics must each see only their own
// partition key; the binding lives in the request context and nowhere else.
func TestTenantBinding_ConcurrentRequestsStayIsolated(t *testing.T) {
	directory := newStubDirectory()
	e := echo.New()
	keys := []string{"clinica_norte", "clinica_sur"}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		key := keys[i%len(keys)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(TenantKeyHeader, key)
			c := e.NewContext(req, httptest.NewRecorder())

			resolved, err := directory.ResolveKey(c.Request().Context(), extractTenantKey(c, "public"))
			if err != nil {
				t.Error(err)
				return
			}
			bindTenant(c, resolved.Key, nil)

			if got := TenantFromContext(c.Request().Context()); got != key {
				t.Errorf("request for %s saw tenant %s", key, got)
			}
		}()
	}
	wg.Wait()
}
