package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"pdfpage/pkg/domain"
	"pdfpage/pkg/identity"
)

// MaxStoredEvents bounds the device-local usage log.
const MaxStoredEvents = 200

// State is the device-local persisted state.
type State struct {
	Token     string                        `json:"token,omitempty"`
	User      *domain.UserView              `json:"user,omitempty"`
	SessionID string                        `json:"sessionId,omitempty"`
	Usage     map[string]domain.UsageRecord `json:"usage,omitempty"`
	Events    []domain.UsageEvent           `json:"events,omitempty"`
}

// StateFile persists State as JSON. It implements quota.Backend and
// quota.UsageLog so the offline gate and the recorder can share it.
type StateFile struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// DefaultStatePath is $PDFPAGE_STATE or <user config dir>/pdfpage/state.json.
func DefaultStatePath() string {
	if p := strings.TrimSpace(os.Getenv("PDFPAGE_STATE")); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "pdfpage", "state.json")
}

func OpenState(path string) *StateFile {
	return &StateFile{path: path, now: time.Now}
}

// Path returns the backing file path.
func (s *StateFile) Path() string {
	return s.path
}

// Load returns the current state. A missing file is an empty state.
func (s *StateFile) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Update applies fn to the state and writes it back atomically.
func (s *StateFile) Update(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(&st); err != nil {
		return err
	}
	return s.write(st)
}

// Token returns the stored bearer token. A token past its exp claim is
// dropped from the file and reported as absent.
func (s *StateFile) Token() string {
	st, err := s.Load()
	if err != nil || st.Token == "" {
		return ""
	}
	if exp, ok := tokenExpiry(st.Token); ok && !exp.After(s.now()) {
		_ = s.ClearAuth()
		return ""
	}
	return st.Token
}

// SessionID returns the device session id, creating and persisting one on
// first use.
func (s *StateFile) SessionID() (string, error) {
	var sid string
	err := s.Update(func(st *State) error {
		if !identity.ValidSessionID(st.SessionID) {
			st.SessionID = identity.NewSessionID()
		}
		sid = st.SessionID
		return nil
	})
	return sid, err
}

// SetAuth stores a fresh login.
func (s *StateFile) SetAuth(token string, user domain.UserView) error {
	return s.Update(func(st *State) error {
		st.Token = token
		st.User = &user
		return nil
	})
}

// CacheUser refreshes the cached profile.
func (s *StateFile) CacheUser(user domain.UserView) error {
	return s.Update(func(st *State) error {
		st.User = &user
		return nil
	})
}

// ClearAuth forgets the token and profile. The session id is kept.
func (s *StateFile) ClearAuth() error {
	return s.Update(func(st *State) error {
		st.Token = ""
		st.User = nil
		return nil
	})
}

func (s *StateFile) LoadUsage(_ context.Context, key string) (domain.UsageRecord, bool, error) {
	st, err := s.Load()
	if err != nil {
		return domain.UsageRecord{}, false, err
	}
	rec, ok := st.Usage[key]
	return rec, ok, nil
}

func (s *StateFile) SaveUsage(_ context.Context, rec domain.UsageRecord) error {
	return s.Update(func(st *State) error {
		if st.Usage == nil {
			st.Usage = make(map[string]domain.UsageRecord)
		}
		st.Usage[rec.Key] = rec
		return nil
	})
}

// AppendUsage keeps the most recent MaxStoredEvents events.
func (s *StateFile) AppendUsage(_ context.Context, ev domain.UsageEvent) error {
	return s.Update(func(st *State) error {
		st.Events = append(st.Events, ev)
		if n := len(st.Events); n > MaxStoredEvents {
			st.Events = append([]domain.UsageEvent(nil), st.Events[n-MaxStoredEvents:]...)
		}
		return nil
	})
}

func (s *StateFile) Name() string { return "state-file" }

func (s *StateFile) read() (State, error) {
	var st State
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read state: %w", err)
	}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parse state %s: %w", s.path, err)
	}
	return st, nil
}

func (s *StateFile) write(st State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.json")
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature;
// the server still verifies every request.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// tokenSubject returns the unverified sub claim.
func tokenSubject(token string) string {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return claims.Subject
}
