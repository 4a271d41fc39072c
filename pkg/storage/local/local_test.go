package local_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clxdb/clxdb/pkg/storage"
	"github.com/clxdb/clxdb/pkg/storage/local"
)

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()

	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, backend.Write(ctx, "shards/shard_abc.clx", []byte("hello")))

	got, err := backend.Read(ctx, "shards/shard_abc.clx", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestWriteConflictsOnExisting(t *testing.T) {
	ctx := context.Background()

	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, backend.Write(ctx, "f", []byte("a")))

	err = backend.Write(ctx, "f", []byte("b"))
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestStatMissingReturnsNilNil(t *testing.T) {
	ctx := context.Background()

	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	info, err := backend.Stat(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestAtomicUpdateCreateThenCAS(t *testing.T) {
	ctx := context.Background()

	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	res, err := backend.AtomicUpdate(ctx, "manifest.json", []byte(`{"v":1}`), "")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.NewETag)

	res2, err := backend.AtomicUpdate(ctx, "manifest.json", []byte(`{"v":2}`), "stale-etag")
	require.NoError(t, err)
	assert.False(t, res2.Success)

	res3, err := backend.AtomicUpdate(ctx, "manifest.json", []byte(`{"v":2}`), res.NewETag)
	require.NoError(t, err)
	assert.True(t, res3.Success)

	data, err := backend.Read(ctx, "manifest.json", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))
}

func TestAtomicUpdateRequiresEmptyEtagWhenAbsent(t *testing.T) {
	ctx := context.Background()

	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	res, err := backend.AtomicUpdate(ctx, "manifest.json", []byte("x"), "some-etag")
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestReadRange(t *testing.T) {
	ctx := context.Background()

	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, backend.Write(ctx, "f", []byte("0123456789")))

	got, err := backend.Read(ctx, "f", &storage.Range{Offset: 2, Length: 3})
	require.NoError(t, err)
	assert.Equal(t, []byte("234"), got)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()

	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, backend.Delete(ctx, "never-existed"))

	require.NoError(t, backend.Write(ctx, "f", []byte("x")))
	require.NoError(t, backend.Delete(ctx, "f"))
	require.NoError(t, backend.Delete(ctx, "f"))

	_, err = backend.Read(ctx, "f", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestList(t *testing.T) {
	ctx := context.Background()

	root := t.TempDir()

	backend, err := local.New(root)
	require.NoError(t, err)

	require.NoError(t, backend.Write(ctx, "shards/shard_a.clx", []byte("a")))
	require.NoError(t, backend.Write(ctx, "shards/shard_b.clx", []byte("b")))

	names, err := backend.List(ctx, "shards")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shard_a.clx", "shard_b.clx"}, names)

	_ = filepath.Join(root, "shards")
}

func TestEnsureDirectoryIdempotent(t *testing.T) {
	ctx := context.Background()

	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, backend.EnsureDirectory(ctx, "blobs/ab"))
	require.NoError(t, backend.EnsureDirectory(ctx, "blobs/ab"))
}

func TestNewRejectsRelativePath(t *testing.T) {
	_, err := local.New("relative/path")
	assert.ErrorIs(t, err, local.ErrPathMustBeAbsolute)
}
