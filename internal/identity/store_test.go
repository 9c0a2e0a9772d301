package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_StoresCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s := &Session{AccessToken: "a"}
	require.NoError(t, store.Save(ctx, s))
	s.AccessToken = "mutated"

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", got.AccessToken)

	require.NoError(t, store.Clear(ctx))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	store := NewFileStore(path)

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	exp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, store.Save(ctx, &Session{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "bearer",
		ExpiresAt:    exp,
		User:         &User{ID: "user-1", Email: "a@b.com"},
	}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err = store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "refresh", got.RefreshToken)
	assert.True(t, exp.Equal(got.ExpiresAt))
	assert.Equal(t, "user-1", got.UserID())

	require.NoError(t, store.Clear(ctx))
	require.NoError(t, store.Clear(ctx))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileStore(path).Load(context.Background())
	assert.ErrorContains(t, err, "decode session file")
}
