// Package identity maps request credentials to a quota principal.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"pdfpage/pkg/domain"
)

// MinSessionIDLen is the shortest session id accepted from a caller.
const MinSessionIDLen = 8

// UserSource resolves a bearer token to the current user record.
type UserSource interface {
	UserForToken(ctx context.Context, token string) (domain.User, error)
}

// TokenVerifier validates a bearer token and returns its subject.
type TokenVerifier interface {
	GetUserIDByToken(token string) (string, bool, error)
}

// UserLookup loads a user by id.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
}

// TokenUsers is a UserSource that trusts the token only for the user id
// and reloads the record so plan changes apply immediately.
type TokenUsers struct {
	Tokens TokenVerifier
	Users  UserLookup
}

func (t TokenUsers) UserForToken(ctx context.Context, token string) (domain.User, error) {
	userID, ok, err := t.Tokens.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, &domain.AuthError{Message: "Not authorized, token failed"}
	}
	u, ok, err := t.Users.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, &domain.AuthError{Message: "User not found"}
	}
	return u, nil
}

// Resolver produces principals. A zero value is not usable; build with New.
type Resolver struct {
	users UserSource
	now   func() time.Time
}

func New(users UserSource) *Resolver {
	return &Resolver{users: users, now: time.Now}
}

// WithClock returns a copy of r reading time from now.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	cp := *r
	cp.now = now
	return &cp
}

// Resolve returns the user principal when token is set and the anonymous
// principal for sessionID otherwise. A missing or short session id is
// replaced by a fresh one. Only a bad token yields an error.
func (r *Resolver) Resolve(ctx context.Context, token, sessionID string) (domain.Principal, error) {
	token = strings.TrimSpace(token)
	if token != "" {
		if r.users == nil {
			return domain.Principal{}, &domain.AuthError{Message: "Not authorized"}
		}
		u, err := r.users.UserForToken(ctx, token)
		if err != nil {
			var authErr *domain.AuthError
			if errors.As(err, &authErr) {
				return domain.Principal{}, authErr
			}
			return domain.Principal{}, err
		}
		return FromUser(u, r.now()), nil
	}
	return domain.AnonymousPrincipal(SessionOrNew(sessionID)), nil
}

// FromUser picks Premium while the plan is active, FreeUser otherwise.
func FromUser(u domain.User, now time.Time) domain.Principal {
	if u.IsPremium(now) {
		return domain.PremiumPrincipal(u.ID, u.PremiumExpiry)
	}
	return domain.FreePrincipal(u.ID)
}

// SessionOrNew keeps a usable session id or generates a replacement.
func SessionOrNew(sessionID string) string {
	sessionID = strings.TrimSpace(sessionID)
	if ValidSessionID(sessionID) {
		return sessionID
	}
	return NewSessionID()
}

// ValidSessionID reports whether id is long enough and printable.
func ValidSessionID(id string) bool {
	if len(id) < MinSessionIDLen || len(id) > 128 {
		return false
	}
	for _, c := range id {
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

// NewSessionID returns a random anonymous session id.
func NewSessionID() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
