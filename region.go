package guestmem

import (
	"sync"

	"github.com/hupe1980/guestmem/internal/fastmem"
)

// FastmemRegion is the 4 GiB fastmem window of one guest address space.
// Under StrategyGeneric it is empty.
type FastmemRegion struct {
	mgr    *Manager
	window *fastmem.Window // nil when empty

	mu       sync.Mutex
	released bool
}

// Base returns the host address of guest address 0, or 0 for an empty
// region.
func (r *FastmemRegion) Base() uintptr {
	if r.window == nil {
		return 0
	}
	return r.window.Base()
}

// Empty reports whether the region has no window.
func (r *FastmemRegion) Empty() bool {
	return r.window == nil
}

// IsMapped reports whether the chunk containing vaddr has a direct view.
func (r *FastmemRegion) IsMapped(vaddr VAddr) bool {
	if r.window == nil {
		return false
	}
	return r.window.IsMapped(uint32(vaddr))
}

// Committed returns the number of chunks with a direct view.
func (r *FastmemRegion) Committed() int {
	if r.window == nil {
		return 0
	}
	return r.window.Committed()
}

// Release reverts every direct view and returns the window to the host. If
// a revert fails the region stays live and Release may be retried.
// Release is idempotent.
func (r *FastmemRegion) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released || r.window == nil {
		r.released = true
		return nil
	}

	m := r.mgr
	if err := m.backend.releaseWindow(r.window); err != nil {
		return m.fail(err)
	}
	r.released = true

	m.mu.Lock()
	delete(m.regions, r)
	m.mu.Unlock()

	m.opts.controller.ReleaseMemory(int64(FastmemRegionSize))
	m.opts.metricsCollector.RecordRegion(-1)
	m.opts.logger.WithRegion(r.window.Base()).Debug("fastmem region released")

	return m.unref()
}
