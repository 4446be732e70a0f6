package login

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"vypar.app/internal/token"
)

// CredentialChecker verifies a phone/password pair against the user store
// owned by the user-management layer.
type CredentialChecker interface {
	Check(ctx context.Context, phone, password string) (token.Identity, error)
}

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("login: password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// StaticCredentials is an in-memory credential checker for tests and local
// development seeding.
type StaticCredentials struct {
	mu    sync.RWMutex
	users map[string]staticUser
}

type staticUser struct {
	id   string
	hash string
	role string
}

// NewStaticCredentials creates an empty checker.
func NewStaticCredentials() *StaticCredentials {
	return &StaticCredentials{users: make(map[string]staticUser)}
}

// Add registers a user under phone with a bcrypt-hashed password.
func (s *StaticCredentials) Add(id, phone, password, role string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return errors.New("login: phone is required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[phone] = staticUser{id: id, hash: hash, role: role}
	return nil
}

func (s *StaticCredentials) Check(ctx context.Context, phone, password string) (token.Identity, error) {
	s.mu.RLock()
	u, ok := s.users[strings.TrimSpace(phone)]
	s.mu.RUnlock()
	if !ok {
		return token.Identity{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.hash), []byte(password)) != nil {
		return token.Identity{}, ErrInvalidCredentials
	}
	return token.Identity{UserID: u.id, Phone: phone, Role: u.role}, nil
}
