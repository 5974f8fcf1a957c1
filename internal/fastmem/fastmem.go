package fastmem

import (
	"errors"
	"sort"
	"sync"

	"github.com/hupe1980/guestmem/internal/vmem"
)

const (
	// PageBits is the guest page shift.
	PageBits = 12
	// PageSize is the guest page size.
	PageSize = 1 << PageBits
	// ChunkBits is the chunk shift.
	ChunkBits = 16
	// ChunkSize is the commit granularity of a window.
	ChunkSize = 1 << ChunkBits
	// ChunkMask masks the offset inside a chunk.
	ChunkMask = ChunkSize - 1
	// PagesPerChunk is the number of guest pages sharing one chunk.
	PagesPerChunk = ChunkSize / PageSize
	// WindowSize spans the whole 32-bit guest address space.
	WindowSize uint64 = 1 << 32
	// NumChunks is the number of chunks in a window.
	NumChunks = WindowSize / ChunkSize
)

// windowSpan keeps WindowSize out of constant uintptr conversions.
var windowSpan = WindowSize

var (
	// ErrUnsupported is returned by New when the platform lacks the
	// placeholder primitives.
	ErrUnsupported = errors.New("fastmem: unsupported on this host")
	// ErrReleased is returned when a released window is used.
	ErrReleased = errors.New("fastmem: window released")
)

// PointerTable gives read access to a page table's per-page host pointers.
// A zero pointer means the page has no backing.
type PointerTable interface {
	Pointer(page uint32) uintptr
}

// Result summarizes one Map or Unmap walk.
type Result struct {
	// Committed counts chunks that received a view.
	Committed int
	// Reverted counts chunks whose previous view was torn down.
	Reverted int
	// Indirect counts chunks left on the per-page pointer path.
	Indirect int
}

func (r *Result) add(o Result) {
	r.Committed += o.Committed
	r.Reverted += o.Reverted
	r.Indirect += o.Indirect
}

// allocation is a live arena slice [start, end) in arena offsets.
type allocation struct {
	start int64
	end   int64
}

// Mapper commits and reverts window chunks onto views of the arena's shared
// object.
type Mapper struct {
	platform    vmem.Platform
	shared      vmem.Shared
	arenaBase   uintptr
	arenaSize   int64
	granularity uintptr

	mu     sync.RWMutex
	allocs []allocation // sorted by start, non-overlapping
}

// New creates a Mapper for an arena mapped at arenaBase that is a view of
// shared. It fails with ErrUnsupported when the platform probe failed.
func New(platform vmem.Platform, shared vmem.Shared, arenaBase uintptr, arenaSize int) (*Mapper, error) {
	if !platform.Capability().Supported() {
		return nil, ErrUnsupported
	}
	g := platform.Granularity()
	if g == 0 {
		g = PageSize
	}
	return &Mapper{
		platform:    platform,
		shared:      shared,
		arenaBase:   arenaBase,
		arenaSize:   int64(arenaSize),
		granularity: g,
	}, nil
}

// Granularity returns the view-offset alignment in effect.
func (m *Mapper) Granularity() uintptr {
	return m.granularity
}

// Track registers the arena slice [start, end) as a live allocation.
func (m *Mapper) Track(start, end int64) error {
	if start < 0 || end <= start || end > m.arenaSize {
		return errors.New("fastmem: allocation outside arena")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.Search(len(m.allocs), func(i int) bool { return m.allocs[i].start >= start })
	if i > 0 && m.allocs[i-1].end > start {
		return errors.New("fastmem: overlapping allocation")
	}
	if i < len(m.allocs) && m.allocs[i].start < end {
		return errors.New("fastmem: overlapping allocation")
	}
	m.allocs = append(m.allocs, allocation{})
	copy(m.allocs[i+1:], m.allocs[i:])
	m.allocs[i] = allocation{start: start, end: end}
	return nil
}

// Untrack removes the allocation starting at start. It reports whether one
// was found; untracking twice is harmless.
func (m *Mapper) Untrack(start int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.Search(len(m.allocs), func(i int) bool { return m.allocs[i].start >= start })
	if i == len(m.allocs) || m.allocs[i].start != start {
		return false
	}
	m.allocs = append(m.allocs[:i], m.allocs[i+1:]...)
	return true
}

// Tracked returns the number of live allocations.
func (m *Mapper) Tracked() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.allocs)
}

// lookupLocked returns the allocation containing arena offset off.
func (m *Mapper) lookupLocked(off int64) (allocation, bool) {
	i := sort.Search(len(m.allocs), func(i int) bool { return m.allocs[i].end > off })
	if i < len(m.allocs) && m.allocs[i].start <= off {
		return m.allocs[i], true
	}
	return allocation{}, false
}

// offset converts a host pointer into an arena offset.
func (m *Mapper) offset(p uintptr) (int64, bool) {
	if p < m.arenaBase || uint64(p-m.arenaBase) >= uint64(m.arenaSize) {
		return 0, false
	}
	return int64(p - m.arenaBase), true
}

// Owns reports whether p lies inside a tracked allocation.
func (m *Mapper) Owns(p uintptr) bool {
	off, ok := m.offset(p)
	if !ok {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok = m.lookupLocked(off)
	return ok
}

// IsMappable reports whether the chunk containing vaddr can be committed
// given the current page-table contents.
func (m *Mapper) IsMappable(pt PointerTable, vaddr uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.mappableLocked(pt, vaddr)
	return ok
}

// mappableLocked applies the mappability predicate and returns the arena
// offset the chunk's view must start at.
func (m *Mapper) mappableLocked(pt PointerTable, vaddr uint32) (int64, bool) {
	page := (vaddr &^ ChunkMask) >> PageBits
	first := pt.Pointer(page)
	if first == 0 {
		return 0, false
	}
	for i := uint32(1); i < PagesPerChunk; i++ {
		if pt.Pointer(page+i) != first+uintptr(i)*PageSize {
			return 0, false
		}
	}

	off, ok := m.offset(first)
	if !ok || uintptr(off)%m.granularity != 0 {
		return 0, false
	}
	a, ok := m.lookupLocked(off)
	if !ok || off+ChunkSize > a.end {
		return 0, false
	}
	return off, true
}

// chunkRange rounds [vaddr, vaddr+size) out to chunk boundaries, clamped to
// the window.
func chunkRange(vaddr uint32, size uint64) (uint64, uint64) {
	start := uint64(vaddr) &^ ChunkMask
	end := windowSpan
	if size < windowSpan-uint64(vaddr) {
		end = uint64(vaddr) + size
	}
	end = (end + ChunkMask) &^ ChunkMask
	return start, end
}
