package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nexusgate/nexusgate/internal/model"
)

// Session is the signed-in identity shared by every request a Client makes.
// When it has a path it is persisted there, so CLI invocations share it.
type Session struct {
	mu        sync.RWMutex
	path      string
	token     string
	user      *model.User
	expiresAt time.Time
}

type sessionFile struct {
	Token     string      `json:"token"`
	User      *model.User `json:"user"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// NewSession returns an empty in-memory session.
func NewSession() *Session {
	return &Session{}
}

// LoadSession reads the session stored at path. A missing file yields an
// empty session bound to path. An expired stored token is discarded.
func LoadSession(path string) (*Session, error) {
	s := &Session{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	var f sessionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", path, err)
	}
	if !f.ExpiresAt.IsZero() && time.Now().After(f.ExpiresAt) {
		return s, nil
	}
	s.token, s.user, s.expiresAt = f.Token, f.User, f.ExpiresAt
	return s, nil
}

// Token returns the bearer token, or "" when signed out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// User returns the signed-in user, or nil.
func (s *Session) User() *model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Authenticated reports whether a token is held.
func (s *Session) Authenticated() bool {
	return s.Token() != ""
}

// Set stores a new identity and persists it.
func (s *Session) Set(token string, user *model.User, expiresAt time.Time) error {
	s.mu.Lock()
	s.token, s.user, s.expiresAt = token, user, expiresAt
	s.mu.Unlock()
	return s.save()
}

// Clear drops the identity and removes the session file.
func (s *Session) Clear() error {
	s.mu.Lock()
	s.token, s.user, s.expiresAt = "", nil, time.Time{}
	path := s.path
	s.mu.Unlock()

	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

func (s *Session) save() error {
	s.mu.RLock()
	f := sessionFile{Token: s.token, User: s.user, ExpiresAt: s.expiresAt}
	path := s.path
	s.mu.RUnlock()

	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}
