package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testKey = []byte("test-signing-key")

func signToken(t *testing.T, role string) string {
	t.Helper()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "odonto-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name: "Ana Quiroga",
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func runAuth(t *testing.T, mw echo.MiddlewareFunc, authHeader string) (*httptest.ResponseRecorder, Role) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var captured Role
	handler := mw(func(c echo.Context) error {
		captured = RoleFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec, captured
}

func TestJWTMiddlewareResolvesRole(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{Issuer: "odonto-test", SigningKey: testKey})
	rec, role := runAuth(t, mw, "Bearer "+signToken(t, "dentist"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if role != RoleDentist {
		t.Errorf("role = %q, want dentist", role)
	}
}

func TestJWTMiddlewareRejectsMissingHeader(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey})
	rec, _ := runAuth(t, mw, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestJWTMiddlewareRejectsUnknownRole(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey})
	rec, _ := runAuth(t, mw, "Bearer "+signToken(t, "superuser"))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestJWTMiddlewareRejectsBadSignature(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: []byte("other-key")})
	rec, _ := runAuth(t, mw, "Bearer "+signToken(t, "admin"))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestDevAuthMiddlewareGrantsAdmin(t *testing.T) {
	rec, role := runAuth(t, DevAuthMiddleware(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if role != RoleAdmin {
		t.Errorf("role = %q, want admin", role)
	}
}

func TestParseRole(t *testing.T) {
	for _, valid := range []string{"admin", "dentist", "receptionist", "patient"} {
		if _, err := ParseRole(valid); err != nil {
			t.Errorf("ParseRole(%q) failed: %v", valid, err)
		}
	}
	if _, err := ParseRole("odontologo"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestRoleStaff(t *testing.T) {
	if RolePatient.Staff() {
		t.Error("patient is not staff")
	}
	if !RoleReceptionist.Staff() {
		t.Error("receptionist is staff")
	}
}
