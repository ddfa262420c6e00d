package sessionstore

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wa_sync/internal/config"
	"wa_sync/internal/database"
)

// exerciseStore runs the contract every backend must satisfy
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx, "tenant-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, "tenant-1", []byte("first")))
	require.NoError(t, store.Save(ctx, "tenant-1", []byte("second")))
	require.NoError(t, store.Save(ctx, "tenant-2", []byte("other")))

	data, err := store.Load(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	require.NoError(t, store.Delete(ctx, "tenant-1"))
	_, err = store.Load(ctx, "tenant-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting twice is fine
	assert.NoError(t, store.Delete(ctx, "tenant-1"))

	data, err = store.Load(ctx, "tenant-2")
	require.NoError(t, err)
	assert.Equal(t, []byte("other"), data)
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestFileStore_RejectsPathTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, store.Save(context.Background(), "../escape", []byte("x")))
	_, err = store.Load(context.Background(), "a/b")
	assert.Error(t, err)
}

func TestDatabaseStore(t *testing.T) {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := database.Open(config.DatabaseConfig{
		Type: "sqlite",
		URL:  fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	})
	require.NoError(t, err)
	defer database.Close(db)

	store, err := NewDatabaseStore(db)
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := NewRedisStore(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)
	assert.True(t, mr.Exists(redisKeyPrefix+"tenant-2"))
}

func TestSealedStore(t *testing.T) {
	inner, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	sealed, err := NewSealedStore(inner, "correct horse battery staple")
	require.NoError(t, err)

	exerciseStore(t, sealed)

	ctx := context.Background()
	require.NoError(t, sealed.Save(ctx, "tenant-3", []byte("secret device keys")))

	raw, err := inner.Load(ctx, "tenant-3")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret device keys")

	// A different key cannot open the blob
	other, err := NewSealedStore(inner, "another passphrase")
	require.NoError(t, err)
	_, err = other.Load(ctx, "tenant-3")
	assert.ErrorIs(t, err, errSealedCorrupt)

	// Truncated blobs are rejected
	require.NoError(t, inner.Save(ctx, "tenant-4", []byte("short")))
	_, err = sealed.Load(ctx, "tenant-4")
	assert.ErrorIs(t, err, errSealedCorrupt)
}

func TestSealedStore_EmptyKey(t *testing.T) {
	_, err := NewSealedStore(NewNoopStore(), "")
	assert.Error(t, err)
}

func TestNoopStore(t *testing.T) {
	store := NewNoopStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "tenant-1", []byte("x")))
	_, err := store.Load(ctx, "tenant-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := New(ctx, config.SessionConfig{Backend: "file"}, nil, dir)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	store, err = New(ctx, config.SessionConfig{Backend: "none"}, nil, dir)
	require.NoError(t, err)
	assert.IsType(t, &NoopStore{}, store)

	store, err = New(ctx, config.SessionConfig{Backend: "file", EncryptionKey: "k"}, nil, dir)
	require.NoError(t, err)
	assert.IsType(t, &SealedStore{}, store)

	_, err = New(ctx, config.SessionConfig{Backend: "database"}, nil, dir)
	assert.Error(t, err, "database backend needs a connection")

	_, err = New(ctx, config.SessionConfig{Backend: "s3"}, nil, dir)
	assert.Error(t, err, "s3 backend needs a bucket")

	_, err = New(ctx, config.SessionConfig{Backend: "floppy"}, nil, dir)
	assert.Error(t, err)
}

func TestNew_Redis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := New(context.Background(), config.SessionConfig{Backend: "redis", RedisURL: "redis://" + mr.Addr()}, nil, t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	assert.IsType(t, &RedisStore{}, store)
}

func TestValidKey(t *testing.T) {
	assert.True(t, ValidKey("default"))
	assert.True(t, ValidKey("3f2a9c1e-8d7b-4e6f-9a0b-1c2d3e4f5a6b"))
	assert.False(t, ValidKey(""))
	assert.False(t, ValidKey("../etc"))
	assert.False(t, ValidKey(strings.Repeat("a", 65)))
}
