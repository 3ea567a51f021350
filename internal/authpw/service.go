// Package authpw provides username/password authentication backed by bcrypt.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"printflow/api/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// DefaultPassword is assigned to new accounts saved without a password.
const DefaultPassword = "1234"

var (
	ErrMissingCredentials = errors.New("username and password are required")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// Service provides username/password authentication
type Service struct {
	store UserStore
	cost  int
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error
}

// NewService creates a new auth service
func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Username string
	Password string
}

// SignIn authenticates a user. Unknown users and wrong passwords are
// reported with the same error.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return store.User{}, ErrMissingCredentials
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// ChangePassword replaces the stored hash after checking the current password.
func (s *Service) ChangePassword(ctx context.Context, username, current, next string) error {
	if next == "" {
		return ErrMissingCredentials
	}
	user, err := s.SignIn(ctx, SignInRequest{Username: username, Password: current})
	if err != nil {
		return err
	}
	hash, err := s.Hash(next)
	if err != nil {
		return err
	}
	if err := s.store.UpdateUserPassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// Hash returns the bcrypt hash of password using the service cost.
func (s *Service) Hash(password string) (string, error) {
	return hashWithCost(password, s.cost)
}

// HashPassword hashes with the default bcrypt cost.
func HashPassword(password string) (string, error) {
	return hashWithCost(password, bcrypt.DefaultCost)
}

func hashWithCost(password string, cost int) (string, error) {
	if password == "" {
		return "", ErrMissingCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
