package store

import (
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef-test-secret"

func TestJWTSessionStoreRoundTrip(t *testing.T) {
	s, err := NewJWTHS256SessionStore(testSecret, time.Hour, JWTOptions{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	userID, ok, err := s.GetUserIDByToken(token)
	if err != nil || !ok {
		t.Fatalf("verify token: ok=%v err=%v", ok, err)
	}
	if userID != "user-1" {
		t.Fatalf("subject = %q, want user-1", userID)
	}
}

func TestJWTSessionStoreRejectsExpired(t *testing.T) {
	issuedAt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := issuedAt
	s, err := NewJWTHS256SessionStore(testSecret, time.Hour, JWTOptions{
		Leeway: time.Second,
		Now:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	now = issuedAt.Add(2 * time.Hour)
	if _, ok, err := s.GetUserIDByToken(token); err == nil || ok {
		t.Fatalf("expected expired token to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreRejectsTampered(t *testing.T) {
	s, err := NewJWTHS256SessionStore(testSecret, time.Hour, JWTOptions{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape %q", token)
	}
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, ok, err := s.GetUserIDByToken(tampered); err == nil || ok {
		t.Fatalf("expected tampered signature to fail")
	}

	other, err := NewJWTHS256SessionStore("another-secret-of-16+", time.Hour, JWTOptions{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, _, err := other.GetUserIDByToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to fail")
	}
}

func TestJWTSessionStoreRejectsAlgNone(t *testing.T) {
	s, err := NewJWTHS256SessionStore(testSecret, time.Hour, JWTOptions{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    defaultJWTIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, _, err := s.GetUserIDByToken(unsigned); err == nil {
		t.Fatalf("expected alg=none token to fail")
	}
}

func TestNewJWTHS256SessionStoreRequiresSecret(t *testing.T) {
	if _, err := NewJWTHS256SessionStore("short", time.Hour, JWTOptions{}); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
	s, err := NewJWTHS256SessionStore(testSecret, 0, JWTOptions{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if s.TTL() != 30*24*time.Hour {
		t.Fatalf("default ttl = %v, want 720h", s.TTL())
	}
}
