package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guestmem/internal/fs"
)

func TestLocalStore_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalStore(tmpDir)
	ctx := context.Background()

	const blobName = "slots/0001.gmss"
	content := []byte("hello world, this is a test blob")

	w, err := store.Create(ctx, blobName)
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Sync())

	// Not visible before Close.
	_, err = store.Open(ctx, blobName)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, w.Close())

	blob, err := store.Open(ctx, blobName)
	require.NoError(t, err)
	defer blob.Close()

	assert.Equal(t, int64(len(content)), blob.Size())

	buf := make([]byte, 5)
	n, err := blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(buf))

	r, err := blob.ReadRange(ctx, 13, 4)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "this", string(got))

	m, ok := blob.(Mappable)
	require.True(t, ok)
	data, err := m.Bytes()
	require.NoError(t, err)
	assert.Equal(t, content, data)

	require.NoError(t, store.Put(ctx, "slots/0002.gmss", []byte("second")))

	names, err := store.List(ctx, "slots/")
	require.NoError(t, err)
	assert.Equal(t, []string{"slots/0001.gmss", "slots/0002.gmss"}, names)

	require.NoError(t, store.Delete(ctx, "slots/0002.gmss"))
	require.NoError(t, store.Delete(ctx, "slots/0002.gmss"), "deleting twice is not an error")

	names, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{blobName}, names)
}

func TestLocalStore_ReadRangeBoundaries(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	data := []byte("0123456789")
	require.NoError(t, store.Put(ctx, "boundary.bin", data))

	blob, err := store.Open(ctx, "boundary.bin")
	require.NoError(t, err)
	defer blob.Close()

	r, err := NewReader(ctx, blob)
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, content)

	r, err = blob.ReadRange(ctx, 8, 5)
	require.NoError(t, err)
	content, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "89", string(content))

	_, err = blob.ReadRange(ctx, 20, 5)
	require.ErrorIs(t, err, io.EOF)

	_, err = blob.ReadRange(ctx, -1, 5)
	require.Error(t, err)
}

func TestLocalStore_EmptyBlob(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "empty", nil))

	blob, err := store.Open(ctx, "empty")
	require.NoError(t, err)
	defer blob.Close()

	assert.Zero(t, blob.Size())
	r, err := NewReader(ctx, blob)
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestLocalStore_ListSkipsInternalFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a", []byte("x")))
	require.NoError(t, store.Commit(ctx, "head", 0, "a"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-b-123"), []byte("partial"), 0o600))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)
}

func TestLocalStore_ListMissingRoot(t *testing.T) {
	store := NewLocalStore(filepath.Join(t.TempDir(), "missing"))

	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalStore_Commit(t *testing.T) {
	testCommitter(t, NewLocalStore(t.TempDir()))
}

func TestMemoryStore_Commit(t *testing.T) {
	testCommitter(t, NewMemoryStore())
}

func testCommitter(t *testing.T, c Committer) {
	t.Helper()
	ctx := context.Background()

	_, _, err := c.Current(ctx, "head")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Commit(ctx, "head", 0, "snap-1"))
	value, version, err := c.Current(ctx, "head")
	require.NoError(t, err)
	assert.Equal(t, "snap-1", value)
	assert.Equal(t, uint64(1), version)

	// Stale writer loses.
	require.ErrorIs(t, c.Commit(ctx, "head", 0, "snap-x"), ErrConflict)

	require.NoError(t, c.Commit(ctx, "head", 1, "snap-2"))
	value, version, err = c.Current(ctx, "head")
	require.NoError(t, err)
	assert.Equal(t, "snap-2", value)
	assert.Equal(t, uint64(2), version)

	// Keys are independent.
	require.NoError(t, c.Commit(ctx, "other", 0, "v"))
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Open(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	w, err := store.Create(ctx, "b")
	require.NoError(t, err)
	_, err = w.Write([]byte("abcdef"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	src := []byte("zz")
	require.NoError(t, store.Put(ctx, "a", src))
	src[0] = 'y'

	blob, err := store.Open(ctx, "a")
	require.NoError(t, err)
	r, err := NewReader(ctx, blob)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "zz", string(got), "Put copies its input")

	blob, err = store.Open(ctx, "b")
	require.NoError(t, err)
	r, err = blob.ReadRange(ctx, 2, 100)
	require.NoError(t, err)
	got, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "cdef", string(got))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	require.NoError(t, store.Delete(ctx, "a"))
	names, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)
}

func TestLocalStore_FailedWriteLeavesNoTrace(t *testing.T) {
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(".tmp-broken", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	ffs.AddRule(".tmp-short", fs.Fault{FailAfterBytes: 4})
	store := newLocalStore(dir, ffs)
	ctx := context.Background()

	require.ErrorIs(t, store.Put(ctx, "broken", []byte("payload")), fs.ErrInjected)
	require.ErrorIs(t, store.Put(ctx, "short", []byte("payload")), fs.ErrInjected)
	require.NoError(t, store.Put(ctx, "fine", []byte("payload")))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"fine"}, names)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are removed")
}

func TestLocalStore_FailedRenameKeepsOldContent(t *testing.T) {
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(nil)
	store := newLocalStore(dir, ffs)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "state.gmss", []byte("old")))
	ffs.AddRule(string(filepath.Separator)+"state.gmss", fs.Fault{FailAfterBytes: -1, FailOnRename: true})

	w, err := store.Create(ctx, "state.gmss")
	require.NoError(t, err)
	_, err = w.Write([]byte("new"))
	require.NoError(t, err)
	require.ErrorIs(t, w.Close(), fs.ErrInjected)

	blob, err := store.Open(ctx, "state.gmss")
	require.NoError(t, err)
	defer blob.Close()
	r, err := NewReader(ctx, blob)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
