package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
)

var (
	// ErrNotFound is returned when a blob or commit key does not exist.
	ErrNotFound = os.ErrNotExist
	// ErrConflict is returned by Commit when the expected version is stale.
	ErrConflict = errors.New("blobstore: concurrent commit")
)

// Store is the storage abstraction for save-state blobs.
// Implementations must be safe for concurrent use.
type Store interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create creates a blob for streaming writes. The blob becomes visible on Close.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Put writes a blob atomically.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the names of all blobs with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a readable blob.
type Blob interface {
	io.Closer
	// ReadAt reads len(p) bytes at off.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// ReadRange returns a reader over [off, off+length), truncated at the blob end.
	// An offset at or past the end returns io.EOF.
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
	// Size returns the blob size in bytes.
	Size() int64
}

// Mappable is implemented by blobs whose content is already in host memory.
type Mappable interface {
	Bytes() ([]byte, error)
}

// WritableBlob is a blob being written.
type WritableBlob interface {
	io.WriteCloser
	// Sync flushes buffered data to durable storage.
	Sync() error
}

// Aborter is implemented by writable blobs that can discard a partial write
// instead of publishing it.
type Aborter interface {
	Abort() error
}

// Abort discards w if it supports it and closes it otherwise.
func Abort(w WritableBlob) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort()
	}
	return w.Close()
}

// Committer is implemented by stores that can swap a small named pointer
// with compare-and-swap semantics. Versions start at 1; a key that was never
// committed has version 0.
type Committer interface {
	// Current returns the value and version of key, or ErrNotFound.
	Current(ctx context.Context, key string) (value string, version uint64, err error)
	// Commit stores value as version expected+1 if the current version is
	// still expected. Otherwise it returns ErrConflict.
	Commit(ctx context.Context, key string, expected uint64, value string) error
}

// NewReader returns a sequential reader over the whole blob.
func NewReader(ctx context.Context, b Blob) (io.ReadCloser, error) {
	if b.Size() == 0 {
		return io.NopCloser(eofReader{}), nil
	}
	return b.ReadRange(ctx, 0, b.Size())
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// sectionReadCloser adapts a bounded section of an io.ReaderAt.
type sectionReadCloser struct {
	*io.SectionReader
}

func (sectionReadCloser) Close() error { return nil }

// clampRange validates a range against size and returns its truncated length.
func clampRange(size, off, length int64) (int64, error) {
	if off < 0 || length < 0 {
		return 0, errors.New("blobstore: invalid range")
	}
	if off >= size {
		return 0, io.EOF
	}
	if off+length > size || off+length < off {
		length = size - off
	}
	return length, nil
}
