package config

import (
	"testing"
	"time"
)

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":18090")
	t.Setenv("GRPC_ADDR", ":19090")
	t.Setenv("API_BASE_URL", "https://api.example.com/user/v1")
	t.Setenv("API_TIMEOUT", "3s")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("ALLOWED_ROLES", "user, admin ,")
	t.Setenv("LOCATION_ACCURACY", "balanced")
	t.Setenv("LOCATION_TIMEOUT_SECONDS", "4")
	t.Setenv("LOCATION_MAX_AGE", "2m")
	t.Setenv("SESSION_SWEEP_ENABLED", "false")

	cfg := Load()
	if cfg.HTTPAddr != ":18090" {
		t.Fatalf("expected HTTP_ADDR override, got %s", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":19090" {
		t.Fatalf("expected GRPC_ADDR override, got %s", cfg.GRPCAddr)
	}
	if cfg.APIBaseURL != "https://api.example.com/user/v1" {
		t.Fatalf("expected API_BASE_URL override, got %s", cfg.APIBaseURL)
	}
	if cfg.APITimeout != 3*time.Second {
		t.Fatalf("expected API_TIMEOUT 3s, got %s", cfg.APITimeout)
	}
	if cfg.JWTSecret != "test-secret" {
		t.Fatalf("expected JWT_SECRET override, got %s", cfg.JWTSecret)
	}
	if len(cfg.AllowedRoles) != 2 || cfg.AllowedRoles[0] != "user" || cfg.AllowedRoles[1] != "admin" {
		t.Fatalf("expected trimmed roles, got %v", cfg.AllowedRoles)
	}
	if cfg.LocationAccuracy != "balanced" {
		t.Fatalf("expected LOCATION_ACCURACY override, got %s", cfg.LocationAccuracy)
	}
	if cfg.LocationTimeout != 4*time.Second {
		t.Fatalf("expected LOCATION_TIMEOUT_SECONDS 4, got %s", cfg.LocationTimeout)
	}
	if cfg.LocationMaxAge != 2*time.Minute {
		t.Fatalf("expected LOCATION_MAX_AGE 2m, got %s", cfg.LocationMaxAge)
	}
	if cfg.SessionSweepEnabled {
		t.Fatalf("expected sweep disabled")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := Load()
	if cfg.HTTPAddr != ":8090" || cfg.GRPCAddr != ":9090" {
		t.Fatalf("unexpected default addrs %s %s", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	if cfg.LocationTimeout != 10*time.Second || cfg.LocationMaxAge != 5*time.Minute {
		t.Fatalf("unexpected location defaults %s %s", cfg.LocationTimeout, cfg.LocationMaxAge)
	}
	if cfg.PermissionTimeout != 30*time.Second {
		t.Fatalf("unexpected permission timeout default %s", cfg.PermissionTimeout)
	}
	if len(cfg.AllowedRoles) != 1 || cfg.AllowedRoles[0] != "user" {
		t.Fatalf("expected default role user, got %v", cfg.AllowedRoles)
	}
	if !cfg.SessionSweepEnabled || cfg.SessionIdleTTL != 30*time.Minute {
		t.Fatalf("unexpected sweep defaults")
	}
}

func TestEmptyGRPCAddrDisables(t *testing.T) {
	t.Setenv("GRPC_ADDR", "")
	if cfg := Load(); cfg.GRPCAddr != "" {
		t.Fatalf("expected empty GRPC_ADDR to disable grpc, got %q", cfg.GRPCAddr)
	}
}
