package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func setupDirectoryMock(t *testing.T) (*PostgresDirectoryRepository, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	repo := NewPostgresDirectoryRepository(db)
	cleanup := func() { db.Close() }
	return repo, mock, cleanup
}

func TestUserExists(t *testing.T) {
	cases := []struct {
		name  string
		login string
		rows  *sqlmock.Rows
		err   error
		want  bool
	}{
		{"exists", "user1", sqlmock.NewRows([]string{"exists"}).AddRow(true), nil, true},
		{"missing", "user2", sqlmock.NewRows([]string{"exists"}).AddRow(false), nil, false},
		{"query error", "user3", nil, errors.New("query failed"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock, cleanup := setupDirectoryMock(t)
			defer cleanup()

			exp := mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM users WHERE login = $1)`)).
				WithArgs(tc.login)
			if tc.err != nil {
				exp.WillReturnError(tc.err)
			} else {
				exp.WillReturnRows(tc.rows)
			}

			got, err := repo.UserExists(context.Background(), tc.login)
			if (err != nil) != (tc.err != nil) {
				t.Fatalf("UserExists error = %v; want %v", err, tc.err)
			}
			if got != tc.want {
				t.Errorf("UserExists = %v; want %v", got, tc.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestRegisterUser_Created(t *testing.T) {
	repo, mock, cleanup := setupDirectoryMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users (login) VALUES ($1)`)).
		WithArgs("newuser").
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := repo.RegisterUser(context.Background(), "newuser")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Error("expected created=true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRegisterUser_Conflict(t *testing.T) {
	repo, mock, cleanup := setupDirectoryMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users (login) VALUES ($1)`)).
		WithArgs("dupuser").
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := repo.RegisterUser(context.Background(), "dupuser")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("expected created=false for an existing login")
	}
}

func TestRegisterUser_Error(t *testing.T) {
	repo, mock, cleanup := setupDirectoryMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users (login) VALUES ($1)`)).
		WithArgs("broken").
		WillReturnError(errors.New("insert failed"))

	if _, err := repo.RegisterUser(context.Background(), "broken"); err == nil {
		t.Error("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetUser(t *testing.T) {
	repo, mock, cleanup := setupDirectoryMock(t)
	defer cleanup()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	query := regexp.QuoteMeta(`SELECT login, created_at FROM users WHERE login = $1`)
	mock.ExpectQuery(query).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"login", "created_at"}).AddRow("alice", created))
	mock.ExpectQuery(query).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"login", "created_at"}))

	u, ok, err := repo.GetUser(context.Background(), "alice")
	if err != nil || !ok {
		t.Fatalf("GetUser(alice) = %v, %v", ok, err)
	}
	if u.ID != "alice" || !u.CreatedAt.Equal(created) {
		t.Errorf("GetUser(alice) = %+v", u)
	}

	_, ok, err = repo.GetUser(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetUser(ghost) error: %v", err)
	}
	if ok {
		t.Error("expected ghost to be missing")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSearchUsers(t *testing.T) {
	repo, mock, cleanup := setupDirectoryMock(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT login, created_at FROM users WHERE login ILIKE $1`)).
		WithArgs(`%a\_b%`, 10).
		WillReturnRows(sqlmock.NewRows([]string{"login", "created_at"}).
			AddRow("a_b", now).
			AddRow("xa_bx", now))

	users, err := repo.SearchUsers(context.Background(), "a_b", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 2 || users[0].ID != "a_b" || users[1].ID != "xa_bx" {
		t.Errorf("SearchUsers = %+v", users)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSearchUsers_ScanError(t *testing.T) {
	repo, mock, cleanup := setupDirectoryMock(t)
	defer cleanup()

	mock.ExpectQuery("SELECT login, created_at FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"login", "created_at"}).
			AddRow("alice", "not-a-time"))

	if _, err := repo.SearchUsers(context.Background(), "", 5); err == nil {
		t.Error("expected scan error, got nil")
	}
}

func TestEscapeLike(t *testing.T) {
	cases := map[string]string{
		"plain": "plain",
		"50%":   `50\%`,
		"a_b":   `a\_b`,
		`c:\`:   `c:\\`,
	}
	for in, want := range cases {
		if got := escapeLike(in); got != want {
			t.Errorf("escapeLike(%q) = %q; want %q", in, got, want)
		}
	}
}

