package fastmem

import (
	"errors"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// Window is one reserved 4 GiB placeholder region.
type Window struct {
	base uintptr

	mu        sync.Mutex
	committed *roaring.Bitmap  // chunk indices with a live view
	offsets   map[uint32]int64 // arena offset each live view starts at
	released  bool
}

// NewWindow reserves a window and splits it into chunk placeholders.
func (m *Mapper) NewWindow() (*Window, error) {
	size := uintptr(windowSpan)
	base, err := m.platform.Reserve(size)
	if err != nil {
		return nil, err
	}
	if err := m.platform.Split(base, size, ChunkSize); err != nil {
		if rerr := m.platform.Release(base, size, ChunkSize); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return nil, err
	}
	return &Window{base: base, committed: roaring.New(), offsets: make(map[uint32]int64)}, nil
}

// Base returns the host address of guest address 0.
func (w *Window) Base() uintptr {
	return w.base
}

// ViewOffset returns the arena offset backing the chunk containing vaddr.
func (w *Window) ViewOffset(vaddr uint32) (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	off, ok := w.offsets[vaddr>>ChunkBits]
	return off, ok
}

// IsMapped reports whether the chunk containing vaddr has a live view.
func (w *Window) IsMapped(vaddr uint32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed.Contains(vaddr >> ChunkBits)
}

// Committed returns the number of chunks with a live view.
func (w *Window) Committed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.committed.GetCardinality())
}

// Released reports whether Release has completed on the window.
func (w *Window) Released() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.released
}

func (w *Window) chunkAddr(chunk uint32) uintptr {
	return w.base + uintptr(chunk)<<ChunkBits
}

// Map brings the chunks covering [vaddr, vaddr+size) in line with the page
// table: each chunk that had a view is reverted first, then committed again
// if it is mappable. The walk stops at the first host failure; chunks
// already processed keep their new state.
func (m *Mapper) Map(w *Window, pt PointerTable, vaddr uint32, size uint64) (Result, error) {
	var res Result
	if size == 0 {
		return res, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return res, ErrReleased
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	start, end := chunkRange(vaddr, size)
	for a := start; a < end; a += ChunkSize {
		r, err := m.remapChunkLocked(w, pt, uint32(a))
		res.add(r)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (m *Mapper) remapChunkLocked(w *Window, pt PointerTable, vaddr uint32) (Result, error) {
	var res Result
	chunk := vaddr >> ChunkBits
	addr := w.chunkAddr(chunk)

	if w.committed.Contains(chunk) {
		if err := m.platform.Revert(addr, ChunkSize); err != nil {
			return res, err
		}
		w.committed.Remove(chunk)
		delete(w.offsets, chunk)
		res.Reverted++
	}

	off, ok := m.mappableLocked(pt, vaddr)
	if !ok {
		res.Indirect++
		return res, nil
	}
	if err := m.platform.Commit(m.shared, addr, off, ChunkSize); err != nil {
		return res, err
	}
	w.committed.Add(chunk)
	w.offsets[chunk] = off
	res.Committed++
	return res, nil
}

// Unmap reverts every committed chunk overlapping [vaddr, vaddr+size).
func (m *Mapper) Unmap(w *Window, vaddr uint32, size uint64) (Result, error) {
	var res Result
	if size == 0 {
		return res, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return res, ErrReleased
	}

	start, end := chunkRange(vaddr, size)
	for a := start; a < end; a += ChunkSize {
		chunk := uint32(a >> ChunkBits)
		if !w.committed.Contains(chunk) {
			continue
		}
		if err := m.platform.Revert(w.chunkAddr(chunk), ChunkSize); err != nil {
			return res, err
		}
		w.committed.Remove(chunk)
		delete(w.offsets, chunk)
		res.Reverted++
	}
	return res, nil
}

// RevertOwnedBy reverts every committed chunk whose view lies inside the
// arena slice [start, end). It is used before an allocation is released so
// no window keeps a view of memory that may be handed out again.
func (m *Mapper) RevertOwnedBy(w *Window, start, end int64) (Result, error) {
	var res Result

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return res, nil
	}

	for _, chunk := range w.committed.ToArray() {
		off := w.offsets[chunk]
		if off < start || off >= end {
			continue
		}
		if err := m.platform.Revert(w.chunkAddr(chunk), ChunkSize); err != nil {
			return res, err
		}
		w.committed.Remove(chunk)
		delete(w.offsets, chunk)
		res.Reverted++
	}
	return res, nil
}

// Release reverts every committed chunk and returns the window to the host.
// Releasing twice is a no-op.
func (m *Mapper) Release(w *Window) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return nil
	}

	var errs []error
	for _, chunk := range w.committed.ToArray() {
		if err := m.platform.Revert(w.chunkAddr(chunk), ChunkSize); err != nil {
			errs = append(errs, err)
			continue
		}
		w.committed.Remove(chunk)
		delete(w.offsets, chunk)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if err := m.platform.Release(w.base, uintptr(windowSpan), ChunkSize); err != nil {
		return err
	}
	w.released = true
	return nil
}
