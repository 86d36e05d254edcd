package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func requestWithRole(role Role) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if role != "" {
		ctx := context.WithValue(req.Context(), UserRoleKey, role)
		req = req.WithContext(ctx)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func invoke(t *testing.T, mw echo.MiddlewareFunc, role Role) int {
	t.Helper()
	c, rec := requestWithRole(role)
	handler := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	if err := handler(c); err != nil {
		c.Echo().HTTPErrorHandler(err, c)
	}
	return rec.Code
}

func TestRequireRoleAllowsListed(t *testing.T) {
	mw := RequireRole(RoleDentist)
	if code := invoke(t, mw, RoleDentist); code != http.StatusOK {
		t.Errorf("dentist: status = %d, want 200", code)
	}
}

func TestRequireRoleAdminAlwaysPasses(t *testing.T) {
	mw := RequireRole(RoleDentist)
	if code := invoke(t, mw, RoleAdmin); code != http.StatusOK {
		t.Errorf("admin: status = %d, want 200", code)
	}
}

func TestRequireRoleRejectsOthers(t *testing.T) {
	mw := RequireRole(RoleDentist)
	if code := invoke(t, mw, RolePatient); code != http.StatusForbidden {
		t.Errorf("patient: status = %d, want 403", code)
	}
}

func TestRequireRoleRejectsUnauthenticated(t *testing.T) {
	mw := RequireRole(RoleDentist)
	if code := invoke(t, mw, ""); code != http.StatusUnauthorized {
		t.Errorf("anonymous: status = %d, want 401", code)
	}
}

func TestRequireStaff(t *testing.T) {
	mw := RequireStaff()
	if code := invoke(t, mw, RoleReceptionist); code != http.StatusOK {
		t.Errorf("receptionist: status = %d, want 200", code)
	}
	if code := invoke(t, mw, RolePatient); code != http.StatusForbidden {
		t.Errorf("patient: status = %d, want 403", code)
	}
}
