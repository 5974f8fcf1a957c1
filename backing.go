package guestmem

import (
	"sync"

	"github.com/hupe1980/guestmem/internal/mmap"
)

// BackingMemory is one allocation carved from the arena.
type BackingMemory struct {
	mgr    *Manager
	offset int64
	size   int

	mu       sync.Mutex
	released bool
}

// Pointer returns the host address of the first byte.
func (b *BackingMemory) Pointer() uintptr {
	return b.mgr.base + uintptr(b.offset)
}

// Ref returns the arena offset of the first byte.
func (b *BackingMemory) Ref() MemoryRef {
	return MemoryRef(b.offset)
}

// Size returns the size of the allocation, a multiple of PageSize.
func (b *BackingMemory) Size() int {
	return b.size
}

// Bytes returns the allocation's memory, or nil once it is released.
func (b *BackingMemory) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil
	}
	arena := b.mgr.backend.arena().Bytes()
	return arena[b.offset : b.offset+int64(b.size) : b.offset+int64(b.size)]
}

// Released reports whether Release has been called.
func (b *BackingMemory) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Release gives the allocation up. Direct views of it are torn down, later
// Map calls over it fall back to the page-table path, and the host is told
// the pages are no longer needed. The arena range is not reused. Release is
// idempotent.
func (b *BackingMemory) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil
	}

	m := b.mgr
	m.mu.Lock()
	windows := m.windowsLocked()
	m.mu.Unlock()

	start, end := b.offset, b.offset+int64(b.size)
	if err := m.backend.untrack(start, end, windows); err != nil {
		return m.fail(err)
	}
	b.released = true

	if r, err := m.backend.arena().Region(int(b.offset), b.size); err == nil {
		if err := r.Advise(mmap.AccessDontNeed); err != nil {
			m.opts.logger.Debug("advise failed", "offset", b.offset, "size", b.size, "error", err)
		}
	}

	m.mu.Lock()
	m.allocs--
	m.mu.Unlock()

	return m.unref()
}
