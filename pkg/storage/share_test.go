package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type presignFailStore struct {
	*MemoryStore
}

func (presignFailStore) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", errors.New("presign unavailable")
}

func TestShareUploadsAndPresigns(t *testing.T) {
	store := NewMemoryStore("https://files.test")
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	f, err := Share(context.Background(), store, "u-1", "../../My Report (final).pdf", "application/pdf", []byte("%PDF"), 0, now)
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if !strings.HasPrefix(f.Key, "shares/u-1/") || !strings.HasSuffix(f.Key, "/My_Report_final_.pdf") {
		t.Fatalf("unexpected key %q", f.Key)
	}
	if f.Name != "My_Report_final_.pdf" || f.Size != 4 || !f.ExpiresAt.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("unexpected share %+v", f)
	}
	if !strings.Contains(f.URL, "expires=86400") {
		t.Fatalf("unexpected url %q", f.URL)
	}
	data, ct, ok := store.Get(f.Key)
	if !ok || string(data) != "%PDF" || ct != "application/pdf" {
		t.Fatalf("object not stored")
	}
}

func TestShareRemovesObjectWhenPresignFails(t *testing.T) {
	store := presignFailStore{NewMemoryStore("https://files.test")}
	if _, err := Share(context.Background(), store, "u-1", "a.pdf", "application/pdf", []byte("x"), time.Hour, time.Now()); err == nil {
		t.Fatalf("expected presign error")
	}
	if store.Len() != 0 {
		t.Fatalf("object should be cleaned up, have %d", store.Len())
	}
}

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"a.pdf":             "a.pdf",
		`C:\docs\b c.pdf`:   "b_c.pdf",
		"...":               "file",
		"":                  "file",
		"résumé 2025.docx":  "r_sum_2025.docx",
	}
	for in, want := range cases {
		if got := SafeName(in); got != want {
			t.Fatalf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}
