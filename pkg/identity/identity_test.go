package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"pdfpage/pkg/domain"
)

var now = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeTokens map[string]string

func (f fakeTokens) GetUserIDByToken(token string) (string, bool, error) {
	id, ok := f[token]
	if !ok {
		return "", false, errors.New("signature is invalid")
	}
	return id, true, nil
}

type fakeUsers map[string]domain.User

func (f fakeUsers) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	u, ok := f[id]
	return u, ok, nil
}

func newResolver() *Resolver {
	users := fakeUsers{
		"u-premium": {ID: "u-premium", PremiumExpiry: now.Add(48 * time.Hour)},
		"u-lapsed":  {ID: "u-lapsed", PremiumExpiry: now.Add(-time.Hour)},
		"u-free":    {ID: "u-free"},
	}
	tokens := fakeTokens{"tp": "u-premium", "tl": "u-lapsed", "tf": "u-free", "tghost": "u-ghost"}
	return New(TokenUsers{Tokens: tokens, Users: users}).WithClock(func() time.Time { return now })
}

func TestResolveTokenYieldsUserPrincipal(t *testing.T) {
	r := newResolver()
	cases := []struct {
		token string
		kind  domain.Tier
		user  string
	}{
		{"tp", domain.TierPremium, "u-premium"},
		{"tl", domain.TierFree, "u-lapsed"},
		{"tf", domain.TierFree, "u-free"},
	}
	for _, tc := range cases {
		t.Run(tc.token, func(t *testing.T) {
			p, err := r.Resolve(context.Background(), tc.token, "sess-ignored-123")
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if p.Kind != tc.kind || p.UserID != tc.user || p.SessionID != "" {
				t.Fatalf("got %+v, want kind=%s user=%s", p, tc.kind, tc.user)
			}
		})
	}
}

func TestResolveBadTokenIsAuthError(t *testing.T) {
	r := newResolver()
	for _, token := range []string{"tampered", "tghost"} {
		if _, err := r.Resolve(context.Background(), token, ""); !domain.IsAuth(err) {
			t.Fatalf("token %q: expected auth error, got %v", token, err)
		}
	}
}

func TestResolveAnonymousKeepsSession(t *testing.T) {
	r := newResolver()
	p, err := r.Resolve(context.Background(), "", "device-session-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Kind != domain.TierAnonymous || p.SessionID != "device-session-1" {
		t.Fatalf("unexpected principal %+v", p)
	}
	again, _ := r.Resolve(context.Background(), "   ", "device-session-1")
	if again.Key() != p.Key() {
		t.Fatalf("session id must be stable: %q vs %q", again.Key(), p.Key())
	}
}

func TestResolveAnonymousGeneratesSession(t *testing.T) {
	r := newResolver()
	for _, sid := range []string{"", "short", "has space in it"} {
		p, err := r.Resolve(context.Background(), "", sid)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if p.SessionID == sid || !ValidSessionID(p.SessionID) {
			t.Fatalf("expected generated session for %q, got %q", sid, p.SessionID)
		}
	}
	if NewSessionID() == NewSessionID() {
		t.Fatalf("session ids must be random")
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"":             "",
		"Bearer":       "",
	}
	for in, want := range cases {
		if got := BearerToken(in); got != want {
			t.Fatalf("BearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
