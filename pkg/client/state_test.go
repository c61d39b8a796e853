package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"pdfpage/pkg/domain"
	"pdfpage/pkg/quota"
	"pdfpage/pkg/registry"
)

func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: sub, ExpiresAt: jwt.NewNumericDate(exp)}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("client-test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestStateSessionIDStableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	first, err := OpenState(path).SessionID()
	if err != nil {
		t.Fatalf("session id: %v", err)
	}
	second, err := OpenState(path).SessionID()
	if err != nil {
		t.Fatalf("session id: %v", err)
	}
	if first == "" || first != second {
		t.Fatalf("session id changed: %q vs %q", first, second)
	}
	if err := OpenState(path).ClearAuth(); err != nil {
		t.Fatalf("clear auth: %v", err)
	}
	third, _ := OpenState(path).SessionID()
	if third != first {
		t.Fatalf("logout must keep the session id")
	}
}

func TestStateDropsExpiredToken(t *testing.T) {
	s := OpenState(filepath.Join(t.TempDir(), "state.json"))
	live := signedToken(t, "u-1", time.Now().Add(time.Hour))
	if err := s.SetAuth(live, domain.UserView{ID: "u-1"}); err != nil {
		t.Fatalf("set auth: %v", err)
	}
	if s.Token() != live {
		t.Fatalf("live token should be returned")
	}
	if err := s.SetAuth(signedToken(t, "u-1", time.Now().Add(-time.Minute)), domain.UserView{ID: "u-1"}); err != nil {
		t.Fatalf("set auth: %v", err)
	}
	if s.Token() != "" {
		t.Fatalf("expired token should be dropped")
	}
	st, _ := s.Load()
	if st.Token != "" || st.User != nil {
		t.Fatalf("expired token should be removed from disk, got %+v", st)
	}
}

func TestStateEventLogIsBounded(t *testing.T) {
	s := OpenState(filepath.Join(t.TempDir(), "state.json"))
	ctx := context.Background()
	for i := 0; i < MaxStoredEvents+5; i++ {
		if err := s.AppendUsage(ctx, domain.UsageEvent{ID: fmt.Sprintf("e%d", i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	st, _ := s.Load()
	if len(st.Events) != MaxStoredEvents || st.Events[0].ID != "e5" {
		t.Fatalf("events = %d first=%s", len(st.Events), st.Events[0].ID)
	}
}

func TestStateBacksLocalQuota(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	policies := quota.DefaultPolicies()
	policies.Anonymous.MaxDailyUploads = 1
	desc, _ := registry.Default().Lookup("rotate")
	p := domain.AnonymousPrincipal("sess-offline-1")
	inputs := []domain.Input{{Name: "a.pdf", Size: 10}}

	state := OpenState(path)
	gate := quota.NewGate(quota.NewStore(state, state), policies)
	if adm, err := gate.Admit(context.Background(), p, desc, inputs); err != nil || !adm.Admitted {
		t.Fatalf("first admit: %+v %v", adm, err)
	}
	reopened := OpenState(path)
	gate = quota.NewGate(quota.NewStore(reopened, reopened), policies)
	adm, err := gate.Admit(context.Background(), p, desc, inputs)
	if err != nil || adm.Admitted || adm.Reason != domain.ReasonDailyLimit {
		t.Fatalf("usage must persist across runs: %+v %v", adm, err)
	}
}

func TestIdentityResolve(t *testing.T) {
	tok := signedToken(t, "u-7", time.Now().Add(time.Hour))
	premiumUntil := time.Now().Add(72 * time.Hour).UTC()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": map[string]any{
			"id": "u-7", "email": "p@example.com", "isPremium": true, "premiumExpiryDate": premiumUntil,
		}})
	}))
	defer srv.Close()

	state := OpenState(filepath.Join(t.TempDir(), "state.json"))
	id := NewIdentity(New(srv.URL, srv.Client()), state)
	ctx := context.Background()

	anon, err := id.Resolve(ctx)
	if err != nil || anon.Kind != domain.TierAnonymous || anon.SessionID == "" {
		t.Fatalf("no token must resolve anonymous: %+v %v", anon, err)
	}

	if err := state.SetAuth(tok, domain.UserView{ID: "u-7"}); err != nil {
		t.Fatalf("set auth: %v", err)
	}
	p, err := id.Resolve(ctx)
	if err != nil || p.Kind != domain.TierPremium || p.UserID != "u-7" {
		t.Fatalf("valid token must resolve premium: %+v %v", p, err)
	}

	srv.Close()
	offline, err := id.Resolve(ctx)
	if err != nil || offline.Kind != domain.TierPremium {
		t.Fatalf("offline must use cached profile: %+v %v", offline, err)
	}
}

func TestIdentityClearsRejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "Not authorized, token failed"})
	}))
	defer srv.Close()
	state := OpenState(filepath.Join(t.TempDir(), "state.json"))
	_ = state.SetAuth(signedToken(t, "u-1", time.Now().Add(time.Hour)), domain.UserView{ID: "u-1"})

	if _, err := NewIdentity(New(srv.URL, srv.Client()), state).Resolve(context.Background()); !domain.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if state.Token() != "" {
		t.Fatalf("rejected token must be cleared")
	}
}
