// Package service provides the identity directory business logic,
// delegating persistence to a DirectoryRepository.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/atinyakov/GophChat/internal/models"
)

var (
	// ErrUserExists is returned when registering a login that is already taken.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound is returned by Lookup for an unknown login.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidLogin is returned for an empty login.
	ErrInvalidLogin = errors.New("invalid login")
)

const (
	// DefaultSearchLimit applies when a search passes a non-positive limit.
	DefaultSearchLimit = 20
	// MaxSearchLimit caps a single search page.
	MaxSearchLimit = 100
)

// DirectoryRepository defines the persistence operations
// required by the directory service.
type DirectoryRepository interface {
	// UserExists returns true if a user with the given login exists.
	UserExists(ctx context.Context, login string) (bool, error)
	// RegisterUser creates a user record and reports whether it was new.
	RegisterUser(ctx context.Context, login string) (bool, error)
	// GetUser loads one user; false when absent.
	GetUser(ctx context.Context, login string) (models.User, bool, error)
	// SearchUsers lists users whose login contains query.
	SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error)
}

// Directory is the registry of known user ids. The relay consults it only to
// validate joins; it never stores presence or messages.
type Directory struct {
	repo DirectoryRepository
}

// NewDirectory constructs a Directory using the provided repository.
func NewDirectory(repo DirectoryRepository) *Directory {
	return &Directory{repo: repo}
}

// UserExists checks whether a user with the specified login exists.
func (d *Directory) UserExists(ctx context.Context, login string) (bool, error) {
	return d.repo.UserExists(ctx, login)
}

// Register adds login to the directory. It fails with ErrUserExists when the
// login is taken, including when a concurrent registration won the race.
func (d *Directory) Register(ctx context.Context, login string) error {
	login = strings.TrimSpace(login)
	if login == "" {
		return ErrInvalidLogin
	}

	exists, err := d.repo.UserExists(ctx, login)
	if err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if exists {
		return ErrUserExists
	}

	created, err := d.repo.RegisterUser(ctx, login)
	if err != nil {
		return fmt.Errorf("register user: %w", err)
	}
	if !created {
		return ErrUserExists
	}
	return nil
}

// Lookup returns the user with the given login or ErrUserNotFound.
func (d *Directory) Lookup(ctx context.Context, login string) (models.User, error) {
	u, ok, err := d.repo.GetUser(ctx, login)
	if err != nil {
		return models.User{}, fmt.Errorf("get user: %w", err)
	}
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	return u, nil
}

// Search lists users whose login contains query. limit is clamped to
// (0, MaxSearchLimit], with DefaultSearchLimit for non-positive values.
func (d *Directory) Search(ctx context.Context, query string, limit int) ([]models.User, error) {
	switch {
	case limit <= 0:
		limit = DefaultSearchLimit
	case limit > MaxSearchLimit:
		limit = MaxSearchLimit
	}
	users, err := d.repo.SearchUsers(ctx, strings.TrimSpace(query), limit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return users, nil
}
