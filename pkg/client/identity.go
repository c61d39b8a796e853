package client

import (
	"context"
	"log/slog"
	"time"

	"pdfpage/pkg/domain"
	"pdfpage/pkg/identity"
)

// Identity resolves the device principal from the state file, refreshing
// the profile through /auth/me.
type Identity struct {
	client *Client
	state  *StateFile
	now    func() time.Time
}

func NewIdentity(c *Client, state *StateFile) *Identity {
	return &Identity{client: c, state: state, now: time.Now}
}

// Resolve returns the user principal when a token is stored, otherwise the
// anonymous principal for the persisted session id. If the server is
// unreachable the cached profile decides the tier. A rejected token is
// cleared and reported as an AuthError.
func (i *Identity) Resolve(ctx context.Context) (domain.Principal, error) {
	token := i.state.Token()
	if token == "" {
		sid, err := i.state.SessionID()
		if err != nil {
			return domain.Principal{}, err
		}
		return domain.AnonymousPrincipal(sid), nil
	}
	view, err := i.client.Me(ctx, token)
	switch {
	case err == nil:
		if cerr := i.state.CacheUser(view); cerr != nil {
			slog.Warn("cache profile failed", "error", cerr)
		}
		return identity.FromUser(domain.UserFromView(view), i.now()), nil
	case domain.IsAuth(err):
		if cerr := i.state.ClearAuth(); cerr != nil {
			slog.Warn("clear token failed", "error", cerr)
		}
		return domain.Principal{}, err
	case IsTransport(err):
		return i.offline(token)
	default:
		return domain.Principal{}, err
	}
}

func (i *Identity) offline(token string) (domain.Principal, error) {
	st, err := i.state.Load()
	if err != nil {
		return domain.Principal{}, err
	}
	if st.User != nil {
		return identity.FromUser(domain.UserFromView(*st.User), i.now()), nil
	}
	if sub := tokenSubject(token); sub != "" {
		return domain.FreePrincipal(sub), nil
	}
	return domain.Principal{}, &domain.AuthError{Message: "Stored token is unreadable, please log in again"}
}
