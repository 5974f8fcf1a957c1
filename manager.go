package guestmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/guestmem/internal/fastmem"
	"github.com/hupe1980/guestmem/internal/vmem"
)

// Manager owns the backing arena and hands out allocations and fastmem
// regions from it.
//
// The Manager and every handle it returns share one reference count. Close
// drops the Manager's own reference; the arena is unmapped only once every
// BackingMemory and FastmemRegion has been released as well.
type Manager struct {
	opts       options
	backend    backend
	capability vmem.Capability
	platform   string

	base uintptr // arena address, fixed for the Manager's lifetime
	size int

	mu      sync.Mutex
	used    int
	refs    int
	closed  bool
	allocs  int
	regions map[*FastmemRegion]struct{}
}

// Stats is a point-in-time view of a Manager.
type Stats struct {
	Strategy    Strategy
	ArenaSize   int
	Used        int
	Allocations int
	Regions     int
	// CommittedChunks is the number of live direct views across all
	// regions.
	CommittedChunks int
}

// New creates a Manager with an arena of totalSize bytes, rounded up to a
// whole page.
func New(totalSize int, optFns ...Option) (*Manager, error) {
	if totalSize <= 0 || totalSize > maxArenaSize() {
		return nil, fmt.Errorf("%w: arena of %d bytes", ErrInvalidSize, totalSize)
	}

	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	size := roundUpPage(totalSize)
	if !opts.controller.TryAcquireMemory(int64(size)) {
		return nil, fmt.Errorf("%w: arena of %d bytes", ErrBudgetExceeded, size)
	}

	platform := opts.platform
	if platform == nil {
		platform = vmem.Probe()
	}
	capability := platform.Capability()

	b, err := newBackend(opts, platform, capability, size)
	if err != nil {
		opts.controller.ReleaseMemory(int64(size))
		return nil, err
	}

	m := &Manager{
		opts:       opts,
		backend:    b,
		capability: capability,
		platform:   platform.Name(),
		base:       b.arena().Addr(),
		size:       size,
		refs:       1,
		regions:    make(map[*FastmemRegion]struct{}),
	}

	opts.logger.Info("guestmem manager created",
		"strategy", b.kind().String(),
		"platform", m.platform,
		"arena_size", size,
		"capability", capability.String(),
	)

	return m, nil
}

func newBackend(opts options, p vmem.Platform, capability vmem.Capability, size int) (backend, error) {
	switch opts.strategy {
	case StrategyGeneric:
		return genericOrError(size)

	case StrategyNative:
		if !capability.Supported() {
			return nil, fmt.Errorf("%w: %s", ErrFastmemUnsupported, capability)
		}
		b, err := newNativeBackend(p, opts.sharedName, size)
		if err != nil {
			return nil, translateError(err)
		}
		return b, nil

	case StrategyAuto:
		if capability.Supported() {
			b, err := newNativeBackend(p, opts.sharedName, size)
			if err == nil {
				return b, nil
			}
			opts.logger.Warn("fastmem unsupported, using generic strategy",
				"platform", p.Name(),
				"error", err,
			)
		} else {
			opts.logger.Warn("fastmem unsupported, using generic strategy",
				"platform", p.Name(),
				"reason", capability.Reason,
			)
		}
		return genericOrError(size)

	default:
		return nil, fmt.Errorf("guestmem: unknown strategy %d", opts.strategy)
	}
}

func genericOrError(size int) (backend, error) {
	b, err := newGenericBackend(size)
	if err != nil {
		return nil, translateError(err)
	}
	return b, nil
}

func maxArenaSize() int {
	// MemoryRef is signed and the arena must fit the address space.
	return int(^uint(0)>>1) - PageSize
}

// Strategy returns the strategy in effect. It is never StrategyAuto.
func (m *Manager) Strategy() Strategy {
	return m.backend.kind()
}

// Capability returns the result of the host probe done by New.
func (m *Manager) Capability() vmem.Capability {
	return m.capability
}

// Size returns the arena size in bytes.
func (m *Manager) Size() int {
	return m.size
}

// Used returns the number of arena bytes handed out so far.
func (m *Manager) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Bytes returns the whole arena. The slice is valid until the arena is torn
// down, which happens only after Close and the release of every handle.
func (m *Manager) Bytes() []byte {
	return m.backend.arena().Bytes()
}

// Stats returns a snapshot of the Manager's bookkeeping.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{
		Strategy:    m.backend.kind(),
		ArenaSize:   m.size,
		Used:        m.used,
		Allocations: m.allocs,
		Regions:     len(m.regions),
	}
	windows := m.windowsLocked()
	m.mu.Unlock()

	for _, w := range windows {
		st.CommittedChunks += w.Committed()
	}
	return st
}

// Allocate bump-allocates size bytes, rounded up to a whole page, from the
// arena. Arena space is never reused, even after the allocation is
// released.
func (m *Manager) Allocate(size int) (*BackingMemory, error) {
	bm, err := m.allocate(size)
	m.opts.metricsCollector.RecordAllocate(size, err)
	return bm, err
}

func (m *Manager) allocate(size int) (*BackingMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: allocation of %d bytes", ErrInvalidSize, size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if size > m.size-m.used {
		err := &CapacityError{Requested: size, Used: m.used, Total: m.size}
		m.opts.logger.Error("arena exhausted",
			"requested", size,
			"used", m.used,
			"total", m.size,
		)
		return nil, err
	}

	rounded := roundUpPage(size)
	start := int64(m.used)
	if err := m.backend.track(start, start+int64(rounded)); err != nil {
		return nil, translateError(err)
	}

	m.used += rounded
	m.refs++
	m.allocs++

	return &BackingMemory{mgr: m, offset: start, size: rounded}, nil
}

// AllocateFastmemRegion creates the fastmem window for one guest address
// space. Under StrategyGeneric the region is empty: Base returns 0 and Map
// never commits anything into it.
func (m *Manager) AllocateFastmemRegion() (*FastmemRegion, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if m.backend.kind() != StrategyNative {
		return &FastmemRegion{mgr: m}, nil
	}

	if !m.opts.controller.TryAcquireMemory(int64(FastmemRegionSize)) {
		return nil, fmt.Errorf("%w: fastmem window", ErrBudgetExceeded)
	}

	w, err := m.backend.newWindow()
	if err != nil {
		m.opts.controller.ReleaseMemory(int64(FastmemRegionSize))
		return nil, m.fail(err)
	}

	r := &FastmemRegion{mgr: m, window: w}

	m.mu.Lock()
	m.refs++
	m.regions[r] = struct{}{}
	m.mu.Unlock()

	m.opts.metricsCollector.RecordRegion(1)
	m.opts.logger.WithRegion(w.Base()).Debug("fastmem region reserved")

	return r, nil
}

// RefForPointer converts a host pointer into an arena offset. It returns
// InvalidMemoryRef for pointers outside the arena.
func (m *Manager) RefForPointer(p uintptr) MemoryRef {
	if p < m.base || uint64(p-m.base) >= uint64(m.size) {
		return InvalidMemoryRef
	}
	return MemoryRef(p - m.base)
}

// PointerForRef converts an arena offset into a host pointer. It returns 0
// for refs outside the arena.
func (m *Manager) PointerForRef(ref MemoryRef) uintptr {
	if !ref.Valid(m.size) {
		return 0
	}
	return m.base + uintptr(ref)
}

// Map brings the fastmem window of pt in line with pt's pointers for the
// guest range [vaddr, vaddr+size), which the caller has just pointed at
// backing. Chunks that cannot be direct mapped silently stay on the
// page-table path; an error is returned only for host failures, which
// callers should treat as fatal.
func (m *Manager) Map(pt *PageTable, vaddr VAddr, backing uintptr, size uint64) error {
	start := time.Now()

	res, err := m.walk(pt, func(w *fastmem.Window) (fastmem.Result, error) {
		return m.backend.mapRange(w, &pt.Pointers, vaddr, backing, size)
	})

	m.opts.logger.LogMap(context.Background(), "map", vaddr, size, res.Committed, res.Reverted, res.Indirect, err)
	m.opts.metricsCollector.RecordMap(res.Committed, res.Indirect, time.Since(start), err)
	return err
}

// Unmap tears down every direct view in [vaddr, vaddr+size).
func (m *Manager) Unmap(pt *PageTable, vaddr VAddr, size uint64) error {
	start := time.Now()

	res, err := m.walk(pt, func(w *fastmem.Window) (fastmem.Result, error) {
		return m.backend.unmapRange(w, vaddr, size)
	})

	m.opts.logger.LogMap(context.Background(), "unmap", vaddr, size, res.Committed, res.Reverted, res.Indirect, err)
	m.opts.metricsCollector.RecordUnmap(res.Reverted, time.Since(start), err)
	return err
}

// Remap re-derives the whole fastmem window of pt from its pointer array.
// It is used after Unserialize, since window state is never persisted.
func (m *Manager) Remap(pt *PageTable) error {
	start := time.Now()

	res, err := m.walk(pt, func(w *fastmem.Window) (fastmem.Result, error) {
		return m.backend.remap(w, &pt.Pointers)
	})

	m.opts.logger.LogMap(context.Background(), "remap", 0, FastmemRegionSize, res.Committed, res.Reverted, res.Indirect, err)
	m.opts.metricsCollector.RecordMap(res.Committed, res.Indirect, time.Since(start), err)
	return err
}

// walk runs fn against pt's window with pt's pointers held stable and the
// arena pinned.
func (m *Manager) walk(pt *PageTable, fn func(w *fastmem.Window) (fastmem.Result, error)) (fastmem.Result, error) {
	if err := m.pin(); err != nil {
		return fastmem.Result{}, err
	}
	defer m.unpin()

	pt.mu.RLock()
	defer pt.mu.RUnlock()

	var w *fastmem.Window
	if r := pt.region; r != nil {
		if r.mgr != m {
			return fastmem.Result{}, ErrForeignRegion
		}
		w = r.window
	}

	res, err := fn(w)
	return res, m.fail(err)
}

// IsMapped reports whether the chunk of pt's window containing vaddr has a
// direct view. It is false when the window belongs to another Manager.
func (m *Manager) IsMapped(pt *PageTable, vaddr VAddr) bool {
	r := pt.Region()
	return r != nil && r.mgr == m && r.IsMapped(vaddr)
}

// IsMappable reports whether the chunk containing vaddr could be direct
// mapped with pt's current pointers. It is always false under
// StrategyGeneric.
func (m *Manager) IsMappable(pt *PageTable, vaddr VAddr) bool {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return m.backend.isMappable(&pt.Pointers, vaddr)
}

// Close drops the Manager's reference. New allocations and regions fail
// afterwards; the arena itself lives until the last handle is released.
// Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.unref()
}

// pin takes a temporary reference for the duration of one operation.
func (m *Manager) pin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.refs++
	return nil
}

func (m *Manager) unpin() {
	if err := m.unref(); err != nil {
		m.opts.logger.Error("arena teardown failed", "error", err)
	}
}

// unref drops one reference and tears the arena down when none remain.
func (m *Manager) unref() error {
	m.mu.Lock()
	m.refs--
	last := m.refs == 0
	m.mu.Unlock()

	if !last {
		return nil
	}

	err := m.backend.close()
	m.opts.controller.ReleaseMemory(int64(m.size))
	m.opts.logger.Info("guestmem arena released", "arena_size", m.size)
	return translateError(err)
}

func (m *Manager) windowsLocked() []*fastmem.Window {
	out := make([]*fastmem.Window, 0, len(m.regions))
	for r := range m.regions {
		out = append(out, r.window)
	}
	return out
}

// fail translates an internal error and reports host failures.
func (m *Manager) fail(err error) error {
	if err == nil {
		return nil
	}
	err = translateError(err)

	var se *SyscallError
	if errors.As(err, &se) {
		m.opts.logger.LogSyscall(context.Background(), se)
		m.opts.metricsCollector.RecordSyscallError(se.Op)
	}
	return err
}
