package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pdfpage/pkg/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
port: "8080"
databaseURL: "postgres://file"
redisAddr: "127.0.0.1:6379"
jwtSecret: "file-secret-0123456789"
freeDailyLimit: 7
`)
	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("JWT_EXPIRE", "7d")
	t.Setenv("FRONTEND_URL", "https://app.example.com")
	t.Setenv("ANON_DAILY_LIMIT", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.DatabaseURL != "postgres://env" || cfg.FrontendURL != "https://app.example.com" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	ttl, err := ParseTokenTTL(cfg.JWTExpire)
	if err != nil || ttl != 7*24*time.Hour {
		t.Fatalf("ttl = %v err=%v", ttl, err)
	}
	ps, err := cfg.Policies()
	if err != nil {
		t.Fatalf("policies: %v", err)
	}
	if ps.Anonymous.MaxDailyUploads != 5 || ps.Free.MaxDailyUploads != 7 || ps.Promo != nil {
		t.Fatalf("unexpected policies %+v", ps)
	}
	if cfg.IPRateLimitPerWindow != 100 || cfg.IPRateWindow() != 15*time.Minute {
		t.Fatalf("unexpected ip rate defaults %d %v", cfg.IPRateLimitPerWindow, cfg.IPRateWindow())
	}
}

func TestLoadWithoutFileUsesEnv(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("MONGODB_URI", "memory://")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("JWT_SECRET", "env-secret-0123456789")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "5000" || cfg.DatabaseURL != "memory://" || cfg.JWTExpire != "30d" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("explicit missing path must fail")
	}
}

func TestValidateConfig(t *testing.T) {
	base := FileConfig{
		Port:              "5000",
		DatabaseURL:       "memory://",
		RedisAddr:         "x:1",
		JWTSecret:         "0123456789abcdef",
		JWTExpire:         "30d",
		IPRateLimitWindow: "15m",
	}
	if err := validateConfig(base); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}
	cases := map[string]func(*FileConfig){
		"short secret":  func(c *FileConfig) { c.JWTSecret = "short" },
		"no database":   func(c *FileConfig) { c.DatabaseURL = "" },
		"no redis":      func(c *FileConfig) { c.RedisAddr = "" },
		"bad ttl":       func(c *FileConfig) { c.JWTExpire = "forever" },
		"bad promo":     func(c *FileConfig) { c.PromoUntil = "soon" },
		"bad limit":     func(c *FileConfig) { c.FreeDailyLimit = -3 },
		"minio bucket":  func(c *FileConfig) { c.MinioEndpoint = "minio:9000" },
		"bad ip window": func(c *FileConfig) { c.IPRateLimitWindow = "0s" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			if err := validateConfig(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseTokenTTL(t *testing.T) {
	cases := map[string]time.Duration{
		"30d": 30 * 24 * time.Hour,
		"12h": 12 * time.Hour,
		"":    0,
	}
	for in, want := range cases {
		got, err := ParseTokenTTL(in)
		if err != nil || got != want {
			t.Fatalf("ParseTokenTTL(%q) = %v, %v", in, got, err)
		}
	}
	for _, bad := range []string{"0d", "-1h", "xd"} {
		if _, err := ParseTokenTTL(bad); err == nil {
			t.Fatalf("ParseTokenTTL(%q) should fail", bad)
		}
	}
}

func TestPromoPolicy(t *testing.T) {
	cfg := FileConfig{PromoUntil: "2025-04-01"}
	ps, err := cfg.Policies()
	if err != nil {
		t.Fatalf("policies: %v", err)
	}
	before := time.Date(2025, 3, 31, 23, 0, 0, 0, time.UTC)
	if got := ps.For(domain.TierAnonymous, before); got.Name != "promo" || !got.UnlimitedDaily() {
		t.Fatalf("promo should apply before until, got %+v", got)
	}
	after := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	if got := ps.For(domain.TierAnonymous, after); got.Name != "anonymous" {
		t.Fatalf("promo should end at until, got %+v", got)
	}
}

func TestPathHonorsEnv(t *testing.T) {
	t.Setenv("PDFPAGE_CONFIG", "/etc/pdfpage/api.yaml")
	if Path() != "/etc/pdfpage/api.yaml" {
		t.Fatalf("path = %q", Path())
	}
}
