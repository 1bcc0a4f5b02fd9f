// Package repository provides persistence implementations for the identity
// directory.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/atinyakov/GophChat/internal/models"
)

// PostgresDirectoryRepository stores known user ids in PostgreSQL.
type PostgresDirectoryRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresDirectoryRepository creates a repository over db.
// db must be a valid *sql.DB connected to a PostgreSQL instance.
func NewPostgresDirectoryRepository(db *sql.DB) *PostgresDirectoryRepository {
	return &PostgresDirectoryRepository{DB: db}
}

// UserExists checks whether a user with the specified login exists in the database.
func (r *PostgresDirectoryRepository) UserExists(ctx context.Context, login string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(
		ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE login = $1)`,
		login,
	).Scan(&exists)
	return exists, err
}

// RegisterUser inserts login and reports whether a row was created.
// An existing login is left untouched by ON CONFLICT DO NOTHING.
func (r *PostgresDirectoryRepository) RegisterUser(ctx context.Context, login string) (bool, error) {
	res, err := r.DB.ExecContext(
		ctx,
		`INSERT INTO users (login) VALUES ($1) ON CONFLICT DO NOTHING`,
		login,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetUser loads a single user. The boolean is false when no such user exists.
func (r *PostgresDirectoryRepository) GetUser(ctx context.Context, login string) (models.User, bool, error) {
	var u models.User
	err := r.DB.QueryRowContext(
		ctx,
		`SELECT login, created_at FROM users WHERE login = $1`,
		login,
	).Scan(&u.ID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, false, nil
	}
	if err != nil {
		return models.User{}, false, err
	}
	return u, true, nil
}

// SearchUsers returns up to limit users whose login contains query,
// case-insensitively, ordered by login.
func (r *PostgresDirectoryRepository) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	rows, err := r.DB.QueryContext(
		ctx,
		`SELECT login, created_at FROM users WHERE login ILIKE $1 ESCAPE '\' ORDER BY login LIMIT $2`,
		"%"+escapeLike(query)+"%", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]models.User, 0)
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
