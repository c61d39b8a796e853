package storage

import (
	"bytes"
	"context"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultShareTTL is how long a shared download link stays valid.
const DefaultShareTTL = 24 * time.Hour

// SharedFile is an uploaded share with its download link.
type SharedFile struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	ExpiresAt time.Time `json:"expiresAt"`
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ShareKey builds the object key for a user's upload.
func ShareKey(userID, name string) string {
	return path.Join("shares", userID, uuid.NewString(), SafeName(name))
}

// SafeName strips directories and characters unsafe in object keys.
func SafeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeName.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "file"
	}
	return name
}

// Share uploads data and presigns a GET link. The object is removed again
// when presigning fails.
func Share(ctx context.Context, store ObjectStore, userID, name, contentType string, data []byte, ttl time.Duration, now time.Time) (SharedFile, error) {
	if ttl <= 0 {
		ttl = DefaultShareTTL
	}
	key := ShareKey(userID, name)
	if err := store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return SharedFile{}, err
	}
	url, err := store.PresignGet(ctx, key, ttl)
	if err != nil {
		if derr := store.Delete(context.WithoutCancel(ctx), key); derr != nil {
			slog.Warn("cleanup unshared object failed", "key", key, "error", derr)
		}
		return SharedFile{}, err
	}
	return SharedFile{
		URL:       url,
		Key:       key,
		Name:      SafeName(name),
		Size:      int64(len(data)),
		ExpiresAt: now.Add(ttl).UTC(),
	}, nil
}
