package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	os.Unsetenv("DATABASE_URL")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestLoadDefaults(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/odonto_test")
	defer os.Unsetenv("DATABASE_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("Port = %q, want 8000", cfg.Port)
	}
	if cfg.DefaultTenant != "public" {
		t.Errorf("DefaultTenant = %q, want public", cfg.DefaultTenant)
	}
	if cfg.TenantCacheTTL != 30*time.Second {
		t.Errorf("TenantCacheTTL = %v, want 30s", cfg.TenantCacheTTL)
	}
	if !cfg.IsDev() {
		t.Error("expected development mode by default")
	}
}

func TestValidateRequiresJWTSecretOutsideDev(t *testing.T) {
	cfg := &Config{Env: "production"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for production without JWT_SECRET")
	}

	cfg.JWTSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateGatewayKey(t *testing.T) {
	cfg := &Config{Env: "development", GatewayBaseURL: "https://pay.example.com"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when gateway URL is set without API key")
	}
	cfg.GatewayAPIKey = "sk_test"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
