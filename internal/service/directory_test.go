package service

import (
	"context"
	"errors"
	"testing"

	"github.com/atinyakov/GophChat/internal/models"
)

type mockDirectoryRepo struct {
	UserExistsFunc   func(ctx context.Context, login string) (bool, error)
	RegisterUserFunc func(ctx context.Context, login string) (bool, error)
	GetUserFunc      func(ctx context.Context, login string) (models.User, bool, error)
	SearchUsersFunc  func(ctx context.Context, query string, limit int) ([]models.User, error)
}

func (m *mockDirectoryRepo) UserExists(ctx context.Context, login string) (bool, error) {
	return m.UserExistsFunc(ctx, login)
}
func (m *mockDirectoryRepo) RegisterUser(ctx context.Context, login string) (bool, error) {
	return m.RegisterUserFunc(ctx, login)
}
func (m *mockDirectoryRepo) GetUser(ctx context.Context, login string) (models.User, bool, error) {
	return m.GetUserFunc(ctx, login)
}
func (m *mockDirectoryRepo) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	return m.SearchUsersFunc(ctx, query, limit)
}

func TestUserExists_Success(t *testing.T) {
	repo := &mockDirectoryRepo{
		UserExistsFunc: func(ctx context.Context, login string) (bool, error) {
			if login != "bob" {
				t.Errorf("UserExists received login = %q; want %q", login, "bob")
			}
			return true, nil
		},
	}
	svc := NewDirectory(repo)

	got, err := svc.UserExists(context.Background(), "bob")
	if err != nil {
		t.Fatalf("UserExists returned error: %v", err)
	}
	if !got {
		t.Error("UserExists = false; want true")
	}
}

func TestRegister(t *testing.T) {
	dbErr := errors.New("db error")
	cases := []struct {
		name     string
		login    string
		exists   bool
		existErr error
		created  bool
		regErr   error
		wantErr  error
		wantCall bool
	}{
		{name: "new user", login: "carol", created: true, wantCall: true},
		{name: "taken", login: "carol", exists: true, wantErr: ErrUserExists},
		{name: "lost race", login: "carol", created: false, wantErr: ErrUserExists, wantCall: true},
		{name: "blank", login: "  ", wantErr: ErrInvalidLogin},
		{name: "exists fails", login: "carol", existErr: dbErr, wantErr: dbErr},
		{name: "insert fails", login: "carol", regErr: dbErr, wantErr: dbErr, wantCall: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			repo := &mockDirectoryRepo{
				UserExistsFunc: func(ctx context.Context, login string) (bool, error) {
					return tc.exists, tc.existErr
				},
				RegisterUserFunc: func(ctx context.Context, login string) (bool, error) {
					called = true
					if login != "carol" {
						t.Errorf("RegisterUser received login = %q; want %q", login, "carol")
					}
					return tc.created, tc.regErr
				},
			}
			err := NewDirectory(repo).Register(context.Background(), tc.login)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Register error = %v; want %v", err, tc.wantErr)
			}
			if called != tc.wantCall {
				t.Errorf("RegisterUser called = %v; want %v", called, tc.wantCall)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	repo := &mockDirectoryRepo{
		GetUserFunc: func(ctx context.Context, login string) (models.User, bool, error) {
			switch login {
			case "alice":
				return models.User{ID: "alice"}, true, nil
			case "broken":
				return models.User{}, false, errors.New("db down")
			}
			return models.User{}, false, nil
		},
	}
	svc := NewDirectory(repo)

	u, err := svc.Lookup(context.Background(), "alice")
	if err != nil || u.ID != "alice" {
		t.Fatalf("Lookup(alice) = %+v, %v", u, err)
	}
	if _, err := svc.Lookup(context.Background(), "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Lookup(ghost) error = %v; want ErrUserNotFound", err)
	}
	if _, err := svc.Lookup(context.Background(), "broken"); err == nil || errors.Is(err, ErrUserNotFound) {
		t.Errorf("Lookup(broken) error = %v; want wrapped db error", err)
	}
}

func TestSearch_ClampsLimit(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, DefaultSearchLimit},
		{-3, DefaultSearchLimit},
		{5, 5},
		{MaxSearchLimit + 1, MaxSearchLimit},
	}
	for _, tc := range cases {
		var gotLimit int
		var gotQuery string
		repo := &mockDirectoryRepo{
			SearchUsersFunc: func(ctx context.Context, query string, limit int) ([]models.User, error) {
				gotQuery, gotLimit = query, limit
				return nil, nil
			},
		}
		if _, err := NewDirectory(repo).Search(context.Background(), " al ", tc.in); err != nil {
			t.Fatalf("Search returned error: %v", err)
		}
		if gotLimit != tc.want {
			t.Errorf("Search(limit=%d) passed %d; want %d", tc.in, gotLimit, tc.want)
		}
		if gotQuery != "al" {
			t.Errorf("Search passed query %q; want trimmed %q", gotQuery, "al")
		}
	}
}
