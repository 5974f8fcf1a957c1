package guestmem

import (
	"fmt"
	"sync"
	"unsafe"
)

// PointerTable holds one host pointer per guest page. Zero means the page
// has no backing.
type PointerTable [PageTableNumEntries]uintptr

// Pointer returns the host pointer of a guest page.
func (t *PointerTable) Pointer(page uint32) uintptr {
	return t[page]
}

// OffsetTable is the portable form of a PointerTable: one MemoryRef per
// guest page, InvalidMemoryRef where the page has no backing.
type OffsetTable [PageTableNumEntries]MemoryRef

// PageTable is the per-address-space translation structure shared with the
// CPU cores. The memory layer only ever touches the pointer entries and the
// attached fastmem region.
//
// Pointers may be read directly, for example by a core's translation cache.
// Writers must go through SetPages, ClearPages or Manager.UnserializeTable,
// which serialize with Map and Remap.
type PageTable struct {
	Pointers PointerTable

	mu     sync.RWMutex
	region *FastmemRegion
}

// NewPageTable returns an empty page table. The pointer array is 8 MiB on
// 64-bit hosts, so page tables should be created once per address space.
func NewPageTable() *PageTable {
	return &PageTable{}
}

// Attach sets the fastmem region the table uses. Passing nil detaches it.
func (pt *PageTable) Attach(r *FastmemRegion) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.region = r
}

// Region returns the attached fastmem region, if any.
func (pt *PageTable) Region() *FastmemRegion {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.region
}

// FastmemBase returns the host address of guest address 0 inside the
// attached window, or 0 when the table has none.
func (pt *PageTable) FastmemBase() uintptr {
	r := pt.Region()
	if r == nil {
		return 0
	}
	return r.Base()
}

// SetPages points the pages of [vaddr, vaddr+size) at consecutive host pages
// starting at backing. vaddr and backing should be page aligned.
func (pt *PageTable) SetPages(vaddr VAddr, size uint64, backing uintptr) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	for off := uint64(0); off < size; off += PageSize {
		a := uint64(vaddr) + off
		if a >= FastmemRegionSize {
			break
		}
		pt.Pointers[a>>PageBits] = backing + uintptr(off)
	}
}

// ClearPages removes the backing of the pages in [vaddr, vaddr+size).
func (pt *PageTable) ClearPages(vaddr VAddr, size uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	for off := uint64(0); off < size; off += PageSize {
		a := uint64(vaddr) + off
		if a >= FastmemRegionSize {
			break
		}
		pt.Pointers[a>>PageBits] = 0
	}
}

// HostPointer translates a guest address through the pointer array. It
// returns 0 for an unbacked page.
func (pt *PageTable) HostPointer(vaddr VAddr) uintptr {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	p := pt.Pointers[pageIndex(vaddr)]
	if p == 0 {
		return 0
	}
	return p + uintptr(vaddr&PageMask)
}

// Read copies guest memory at vaddr into p through the pointer array.
func (pt *PageTable) Read(vaddr VAddr, p []byte) error {
	return pt.access(vaddr, p, false)
}

// Write copies p into guest memory at vaddr through the pointer array.
func (pt *PageTable) Write(vaddr VAddr, p []byte) error {
	return pt.access(vaddr, p, true)
}

func (pt *PageTable) access(vaddr VAddr, p []byte, write bool) error {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	addr := uint64(vaddr)
	for len(p) > 0 {
		if addr >= FastmemRegionSize {
			return fmt.Errorf("%w at %#x", ErrUnmappedAccess, addr)
		}
		host := pt.Pointers[addr>>PageBits]
		if host == 0 {
			return fmt.Errorf("%w at %#x", ErrUnmappedAccess, addr)
		}

		inPage := addr & PageMask
		n := min(uint64(len(p)), PageSize-inPage)
		page := hostBytes(host+uintptr(inPage), int(n))
		if write {
			copy(page, p[:n])
		} else {
			copy(p[:n], page)
		}

		p = p[n:]
		addr += n
	}
	return nil
}

// FastmemBytes returns n bytes at vaddr as seen through the fastmem window.
// Every chunk the range touches must have a committed view.
func (pt *PageTable) FastmemBytes(vaddr VAddr, n int) ([]byte, error) {
	if n <= 0 {
		return nil, ErrInvalidSize
	}
	end := uint64(vaddr) + uint64(n)
	if end > FastmemRegionSize {
		return nil, fmt.Errorf("%w at %#x", ErrUnmappedAccess, end-1)
	}

	r := pt.Region()
	if r == nil || r.Empty() {
		return nil, fmt.Errorf("%w at %#x: no fastmem window", ErrUnmappedAccess, uint32(vaddr))
	}
	for a := uint64(vaddr) &^ ChunkMask; a < end; a += ChunkSize {
		if !r.IsMapped(VAddr(a)) {
			return nil, fmt.Errorf("%w at %#x: chunk not committed", ErrUnmappedAccess, a)
		}
	}
	return hostBytes(r.Base()+uintptr(vaddr), n), nil
}

// Close releases the attached fastmem region. The region stays attached
// when the release fails, so Close may be retried. It is idempotent.
func (pt *PageTable) Close() error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.region == nil {
		return nil
	}
	if err := pt.region.Release(); err != nil {
		return err
	}
	pt.region = nil
	return nil
}

// hostBytes views n bytes of off-heap memory at p.
func hostBytes(p uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n) //nolint:govet,gosec // p is arena or window memory
}
