package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethrdev/cognitive-memory-sub001/internal/store"
	"github.com/ethrdev/cognitive-memory-sub001/internal/util"

	"golang.org/x/crypto/bcrypt"
)

// PrincipalStore is the slice of storage the auth service needs.
type PrincipalStore interface {
	GetPrincipal(ctx context.Context, name string) (store.Principal, error)
	EnsurePrincipal(ctx context.Context, name, passwordHash string) error
}

// Service authenticates the fixed set of governance principals and issues
// bearer tokens for them.
type Service struct {
	store     PrincipalStore
	secret    []byte
	accessTTL time.Duration
}

func NewService(store PrincipalStore, secret string, accessTTL time.Duration) *Service {
	return &Service{
		store:     store,
		secret:    []byte(secret),
		accessTTL: accessTTL,
	}
}

// Bootstrap creates a principal if it does not exist yet. Passwords are
// bcrypt-hashed; an existing principal is left untouched.
func (s *Service) Bootstrap(ctx context.Context, name, password string) error {
	if name == "" || password == "" {
		return errors.New("principal name and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.EnsurePrincipal(ctx, name, string(hash)); err != nil {
		return fmt.Errorf("ensure principal %s: %w", name, err)
	}
	return nil
}

// Login verifies credentials and returns a signed token for the principal.
func (s *Service) Login(ctx context.Context, name, password string) (string, error) {
	if name == "" || password == "" {
		return "", errors.New("name and password are required")
	}

	principal, err := s.store.GetPrincipal(ctx, name)
	if err != nil {
		return "", errors.New("invalid name or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(principal.PasswordHash), []byte(password)); err != nil {
		return "", errors.New("invalid name or password")
	}

	claims := Claims{
		Sub: principal.Name,
		JTI: util.ShortToken(),
		Exp: time.Now().Add(s.accessTTL).Unix(),
	}
	return IssueToken(s.secret, claims)
}

// Verify parses a bearer token and returns the principal name it carries.
func (s *Service) Verify(token string) (string, error) {
	claims, err := ParseToken(s.secret, token)
	if err != nil {
		return "", err
	}
	return claims.Sub, nil
}
