// Package session persists the signed-in user's token and profile between
// runs, the way the web client keeps them in local storage.
package session

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"
)

// Role is the platform role of the signed-in account.
type Role string

const (
	RoleAdmin    Role = "Admin"
	RoleStaff    Role = "Staff"
	RoleFamily   Role = "Family"
	RoleResident Role = "Resident"
)

// Profile is the user record returned by the login endpoint.
type Profile struct {
	UserID        string `yaml:"user_id" json:"user_id"`
	Email         string `yaml:"email" json:"email"`
	FullName      string `yaml:"full_name" json:"full_name"`
	Role          Role   `yaml:"role" json:"role"`
	InstitutionID string `yaml:"institution_id,omitempty" json:"institution_id,omitempty"`
}

// Session is what survives a restart.
type Session struct {
	AccessToken  string    `yaml:"access_token"`
	RefreshToken string    `yaml:"refresh_token,omitempty"`
	Profile      Profile   `yaml:"profile"`
	SavedAt      time.Time `yaml:"saved_at"`
	// ExpiresAt comes from the token's exp claim; zero when absent.
	ExpiresAt time.Time `yaml:"expires_at,omitempty"`
}

// Expired reports whether the access token is past its exp claim.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Store is a file-backed session holder safe for concurrent use.
type Store struct {
	path string

	mu      sync.Mutex
	current *Session
	loaded  bool
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the session file. A missing file is not an error; it yields
// a nil session.
func (s *Store) Load() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*Session, error) {
	if s.loaded {
		return s.current, nil
	}
	if s.path == "" {
		s.loaded = true
		return nil, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.loaded = true
			return nil, nil
		}
		return nil, err
	}

	var sess Session
	if err := yaml.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	if sess.AccessToken == "" {
		s.current = nil
	} else {
		s.current = &sess
	}
	s.loaded = true
	return s.current, nil
}

// Save replaces the current session and writes it to disk with 0600
// permissions. An empty path keeps the session in memory only.
func (s *Store) Save(sess Session) error {
	if sess.AccessToken == "" {
		return errors.New("session: access token is empty")
	}
	if sess.SavedAt.IsZero() {
		sess.SavedAt = time.Now().UTC()
	}
	if exp, ok := TokenExpiry(sess.AccessToken); ok {
		sess.ExpiresAt = exp
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path != "" {
		data, err := yaml.Marshal(&sess)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(s.path, data); err != nil {
			return err
		}
	}

	s.current = &sess
	s.loaded = true
	return nil
}

// Clear drops the session from memory and disk. It is the logout path and
// also runs when the backend rejects the token.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = nil
	s.loaded = true

	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Token returns the bearer token to send, or "" when there is no session
// or its token has expired.
func (s *Store) Token(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.loadLocked()
	if err != nil || sess == nil || sess.Expired(now) {
		return ""
	}
	return sess.AccessToken
}

// Current returns a copy of the current session, if any.
func (s *Store) Current() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.loadLocked()
	if err != nil || sess == nil {
		return Session{}, false
	}
	return *sess, true
}

// TokenExpiry reads the exp claim of a JWT without verifying its
// signature; the signing key belongs to the backend.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".helicare-session-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
