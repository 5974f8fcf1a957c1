package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/guestmem/internal/fs"
	"github.com/hupe1980/guestmem/internal/mmap"
)

const (
	commitSuffix = ".commit"
	tmpPrefix    = ".tmp-"
)

var tmpSeq atomic.Uint64

// LocalStore implements Store and Committer on the local file system.
// Writes go to a temporary file that is renamed into place, so readers
// never observe a partial blob.
type LocalStore struct {
	root string
	fsys fs.FileSystem
	// commitMu serializes Commit within the process.
	commitMu sync.Mutex
}

// NewLocalStore creates a LocalStore rooted at dir.
func NewLocalStore(dir string) *LocalStore {
	return newLocalStore(dir, fs.Default)
}

func newLocalStore(dir string, fsys fs.FileSystem) *LocalStore {
	return &LocalStore{root: dir, fsys: fsys}
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Open maps the blob read-only.
func (s *LocalStore) Open(_ context.Context, name string) (Blob, error) {
	m, err := mmap.Open(s.path(name))
	if err != nil {
		return nil, err
	}
	// Save states are streamed front to back.
	_ = m.Advise(mmap.AccessSequential)
	return &localBlob{m: m}, nil
}

// Create creates a blob that is renamed into place on Close.
func (s *LocalStore) Create(_ context.Context, name string) (WritableBlob, error) {
	path := s.path(name)
	dir := filepath.Dir(path)
	if err := s.fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmp := filepath.Join(dir, fmt.Sprintf("%s%s-%d-%d", tmpPrefix, filepath.Base(path), os.Getpid(), tmpSeq.Add(1)))
	f, err := s.fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &localWritableBlob{fsys: s.fsys, f: f, path: path}, nil
}

// Put writes data atomically.
func (s *LocalStore) Put(ctx context.Context, name string, data []byte) error {
	w, err := s.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.(Aborter).Abort()
		return err
	}
	if err := w.Sync(); err != nil {
		_ = w.(Aborter).Abort()
		return err
	}
	return w.Close()
}

// Delete removes a blob.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	err := s.fsys.Remove(s.path(name))
	if errors.Is(err, iofs.ErrNotExist) {
		return nil
	}
	return err
}

// List returns the sorted slash-separated names of all blobs with the prefix.
// Commit pointers and temporary files are not listed.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	if err := s.walk("", prefix, &names); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// walk collects the blobs below the slash-separated directory rel.
func (s *LocalStore) walk(rel, prefix string, names *[]string) error {
	entries, err := s.fsys.ReadDir(s.path(rel))
	if errors.Is(err, iofs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, e := range entries {
		name := e.Name()
		if rel != "" {
			name = rel + "/" + name
		}
		if e.IsDir() {
			// Skip directories that cannot hold a match.
			if strings.HasPrefix(name+"/", prefix) || strings.HasPrefix(prefix, name+"/") {
				if err := s.walk(name, prefix, names); err != nil {
					return err
				}
			}
			continue
		}
		if strings.HasPrefix(e.Name(), tmpPrefix) || strings.HasSuffix(name, commitSuffix) {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			*names = append(*names, name)
		}
	}
	return nil
}

// Current implements Committer. The pointer is stored as "<version>\n<value>".
func (s *LocalStore) Current(_ context.Context, key string) (string, uint64, error) {
	data, err := fs.ReadFile(s.fsys, s.path(key+commitSuffix))
	if err != nil {
		return "", 0, err
	}
	ver, value, ok := strings.Cut(string(data), "\n")
	if !ok {
		return "", 0, fmt.Errorf("blobstore: corrupt commit pointer %q", key)
	}
	v, err := strconv.ParseUint(ver, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("blobstore: corrupt commit pointer %q: %w", key, err)
	}
	return value, v, nil
}

// Commit implements Committer. Compare-and-swap only holds within one process.
func (s *LocalStore) Commit(ctx context.Context, key string, expected uint64, value string) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	_, cur, err := s.Current(ctx, key)
	if err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return err
	}
	if cur != expected {
		return ErrConflict
	}
	payload := strconv.FormatUint(expected+1, 10) + "\n" + value
	return s.Put(ctx, key+commitSuffix, []byte(payload))
}

type localBlob struct {
	m *mmap.Mapping
}

func (b *localBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return b.m.ReadAt(p, off)
}

func (b *localBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	n, err := clampRange(b.Size(), off, length)
	if err != nil {
		return nil, err
	}
	return sectionReadCloser{io.NewSectionReader(b.m, off, n)}, nil
}

func (b *localBlob) Size() int64 { return int64(b.m.Size()) }

func (b *localBlob) Bytes() ([]byte, error) {
	data := b.m.Bytes()
	if data == nil && b.m.Size() > 0 {
		return nil, mmap.ErrClosed
	}
	return data, nil
}

func (b *localBlob) Close() error { return b.m.Close() }

type localWritableBlob struct {
	fsys fs.FileSystem
	f    fs.File
	path string
}

func (w *localWritableBlob) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *localWritableBlob) Sync() error {
	return w.f.Sync()
}

func (w *localWritableBlob) Close() error {
	if err := w.f.Close(); err != nil {
		_ = w.fsys.Remove(w.f.Name())
		return err
	}
	if err := w.fsys.Rename(w.f.Name(), w.path); err != nil {
		_ = w.fsys.Remove(w.f.Name())
		return err
	}
	return nil
}

// Abort discards the temporary file.
func (w *localWritableBlob) Abort() error {
	_ = w.f.Close()
	return w.fsys.Remove(w.f.Name())
}
