package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/guestmem"
)

// Core is a CPU core as seen by the System. PageTableChanged is called
// whenever translations the core may have cached are no longer valid.
type Core interface {
	ID() int
	PageTableChanged()
}

// PageTableBinder is implemented by cores that translate through the page
// table of their current process. SetCurrentPageTable hands the new table
// over before calling PageTableChanged.
type PageTableBinder interface {
	BindPageTable(pt *guestmem.PageTable)
}

// CacheStats counts translation cache activity of a CachedCore.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushes   uint64
	Entries   int
}

// CachedCore is a Core with an LRU translation cache in front of the page
// table of its current process.
type CachedCore struct {
	id int

	mu  sync.Mutex
	pt  *guestmem.PageTable
	tlb *tlb

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	flushes   atomic.Uint64
}

var (
	_ Core            = (*CachedCore)(nil)
	_ PageTableBinder = (*CachedCore)(nil)
)

// NewCachedCore creates a core with DefaultTLBEntries cached translations
// and no page table.
func NewCachedCore(id int) *CachedCore {
	return NewCachedCoreSize(id, DefaultTLBEntries)
}

// NewCachedCoreSize creates a core caching at most entries translations.
func NewCachedCoreSize(id, entries int) *CachedCore {
	return &CachedCore{id: id, tlb: newTLB(entries)}
}

// ID implements Core.
func (c *CachedCore) ID() int { return c.id }

// BindPageTable implements PageTableBinder.
func (c *CachedCore) BindPageTable(pt *guestmem.PageTable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pt = pt
}

// PageTableChanged drops every cached translation.
func (c *CachedCore) PageTableChanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tlb.flush()
	c.flushes.Add(1)
}

// Translate returns the host address backing vaddr.
func (c *CachedCore) Translate(vaddr guestmem.VAddr) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.translate(vaddr)
}

func (c *CachedCore) translate(vaddr guestmem.VAddr) (uintptr, error) {
	if c.pt == nil {
		return 0, ErrNoPageTable
	}

	page := uint32(vaddr >> guestmem.PageBits)
	off := uintptr(vaddr & guestmem.PageMask)
	if p, ok := c.tlb.get(page); ok {
		c.hits.Add(1)
		return p + off, nil
	}

	c.misses.Add(1)
	p := c.pt.HostPointer(vaddr &^ guestmem.PageMask)
	if p == 0 {
		return 0, fmt.Errorf("%w at %#x", guestmem.ErrUnmappedAccess, uint32(vaddr))
	}
	if c.tlb.put(page, p) {
		c.evictions.Add(1)
	}
	return p + off, nil
}

// Read copies guest memory at vaddr into p through the cache.
func (c *CachedCore) Read(vaddr guestmem.VAddr, p []byte) error {
	return c.access(vaddr, p, false)
}

// Write copies p into guest memory at vaddr through the cache.
func (c *CachedCore) Write(vaddr guestmem.VAddr, p []byte) error {
	return c.access(vaddr, p, true)
}

func (c *CachedCore) access(vaddr guestmem.VAddr, p []byte, write bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(p) > 0 {
		host, err := c.translate(vaddr)
		if err != nil {
			return err
		}
		n := min(len(p), int(guestmem.PageSize-uint64(vaddr&guestmem.PageMask)))
		mem := unsafe.Slice((*byte)(unsafe.Pointer(host)), n) //nolint:govet,gosec // host is arena memory
		if write {
			copy(mem, p[:n])
		} else {
			copy(p[:n], mem)
		}
		p = p[n:]
		vaddr += guestmem.VAddr(n)
	}
	return nil
}

// Stats returns the cache counters.
func (c *CachedCore) Stats() CacheStats {
	c.mu.Lock()
	entries := c.tlb.len()
	c.mu.Unlock()

	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Flushes:   c.flushes.Load(),
		Entries:   entries,
	}
}
