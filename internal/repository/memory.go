package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atinyakov/GophChat/internal/models"
)

// MemoryDirectoryRepository keeps the directory in process memory. It backs
// the server when no database is configured; its contents are lost on restart.
type MemoryDirectoryRepository struct {
	mu    sync.RWMutex
	users map[string]models.User
	now   func() time.Time
}

// NewMemoryDirectoryRepository returns an empty directory.
func NewMemoryDirectoryRepository() *MemoryDirectoryRepository {
	return &MemoryDirectoryRepository{
		users: make(map[string]models.User),
		now:   time.Now,
	}
}

func (r *MemoryDirectoryRepository) UserExists(_ context.Context, login string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[login]
	return ok, nil
}

func (r *MemoryDirectoryRepository) RegisterUser(_ context.Context, login string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[login]; ok {
		return false, nil
	}
	r.users[login] = models.User{ID: login, CreatedAt: r.now().UTC()}
	return true, nil
}

func (r *MemoryDirectoryRepository) GetUser(_ context.Context, login string) (models.User, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[login]
	return u, ok, nil
}

func (r *MemoryDirectoryRepository) SearchUsers(_ context.Context, query string, limit int) ([]models.User, error) {
	q := strings.ToLower(query)

	r.mu.RLock()
	users := make([]models.User, 0)
	for id, u := range r.users {
		if strings.Contains(strings.ToLower(id), q) {
			users = append(users, u)
		}
	}
	r.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	if limit >= 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}
