package store

import (
	"context"

	"pdfpage/pkg/domain"
)

// UserStore persists user accounts.
type UserStore interface {
	SaveUser(ctx context.Context, u domain.User) error
	HasUserEmail(ctx context.Context, email string) (bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
}

// UsageStore persists usage counters and the usage append log.
type UsageStore interface {
	LoadUsage(ctx context.Context, key string) (domain.UsageRecord, bool, error)
	SaveUsage(ctx context.Context, rec domain.UsageRecord) error
	AppendUsage(ctx context.Context, ev domain.UsageEvent) error
}

// Store defines persistence operations for users and usage accounting.
type Store interface {
	UserStore
	UsageStore
}

// SessionStore issues and verifies bearer tokens. Logout is a client-side
// discard, so there is no server-side session to delete.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
}
