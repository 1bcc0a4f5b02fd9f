package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryDirectoryRepository()

	created, err := r.RegisterUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = r.RegisterUser(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, created, "second registration is a no-op")

	for _, id := range []string{"bob", "Alicia", "carol"} {
		_, err := r.RegisterUser(ctx, id)
		require.NoError(t, err)
	}

	ok, err := r.UserExists(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	u, ok, err := r.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", u.ID)
	assert.False(t, u.CreatedAt.IsZero())

	_, ok, err = r.GetUser(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	users, err := r.SearchUsers(ctx, "ALI", 10)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Alicia", users[0].ID)
	assert.Equal(t, "alice", users[1].ID)

	users, err = r.SearchUsers(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}
