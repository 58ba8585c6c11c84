package supportchat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialProvider supplies the bearer token for REST calls and the
// realtime handshake. It is the only place the chat layer reads auth state.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a CredentialProvider for a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoCredentials
	}
	return string(t), nil
}

// SessionCredentials holds a token with an explicit lifecycle: Load at
// session start, Clear at logout.
//
//	creds := supportchat.NewSessionCredentials(readToken, forgetToken)
//	if err := creds.Load(); err != nil { ... }
//	defer creds.Clear()
type SessionCredentials struct {
	mu     sync.RWMutex
	token  string
	loader func() (string, error)
	clear  func() error
}

// NewSessionCredentials creates credentials backed by the given load and
// clear hooks. Either hook may be nil.
func NewSessionCredentials(loader func() (string, error), clear func() error) *SessionCredentials {
	return &SessionCredentials{loader: loader, clear: clear}
}

// Load reads the token from the backing store.
func (s *SessionCredentials) Load() error {
	if s.loader == nil {
		return nil
	}
	token, err := s.loader()
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// Set replaces the in-memory token.
func (s *SessionCredentials) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Token implements CredentialProvider.
func (s *SessionCredentials) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoCredentials
	}
	return s.token, nil
}

// Clear forgets the token in memory and in the backing store.
func (s *SessionCredentials) Clear() error {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	if s.clear == nil {
		return nil
	}
	if err := s.clear(); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// TokenClaims is the subset of the session token the chat layer reads.
type TokenClaims struct {
	Subject   string
	Name      string
	Email     string
	Role      Role
	ExpiresAt time.Time
}

// Identity builds the realtime identity announced for this token.
func (c TokenClaims) Identity() Identity {
	return Identity{ParticipantID: c.Subject, DisplayName: c.Name, Role: c.Role}
}

// Expired reports whether the token expiry has passed.
func (c TokenClaims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// ParseTokenClaims decodes the claims of a JWT without verifying its
// signature. Verification belongs to the server; the client only needs to
// know who it is and when the token runs out.
func ParseTokenClaims(token string) (*TokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	out := &TokenClaims{}
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if out.Subject == "" {
		out.Subject = claimString(claims, "userId")
	}
	out.Name = claimString(claims, "name")
	if out.Name == "" {
		out.Name = claimString(claims, "username")
	}
	out.Email = claimString(claims, "email")

	switch claimString(claims, "role") {
	case "admin", "staff":
		out.Role = RoleStaff
	default:
		out.Role = RoleShopper
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}
