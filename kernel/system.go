package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/guestmem"
	"github.com/hupe1980/guestmem/savestate"
)

// Process is one guest address space.
type Process struct {
	ID        uint32
	PageTable *guestmem.PageTable

	sys *System
}

type options struct {
	logger *guestmem.Logger
	cores  []Core
}

// Option configures a System.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *guestmem.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCores registers cores at construction. Cores with a duplicate ID are
// ignored.
func WithCores(cores ...Core) Option {
	return func(o *options) {
		o.cores = append(o.cores, cores...)
	}
}

// System ties processes and cores to one guestmem.Manager.
type System struct {
	mgr    *guestmem.Manager
	logger *guestmem.Logger

	mu        sync.RWMutex
	nextID    uint32
	processes map[uint32]*Process
	cores     map[int]Core
	current   map[int]*Process
}

// NewSystem creates a System on top of m. The System does not own m.
func NewSystem(m *guestmem.Manager, opts ...Option) *System {
	o := options{logger: guestmem.NoopLogger()}
	for _, fn := range opts {
		fn(&o)
	}

	s := &System{
		mgr:       m,
		logger:    o.logger,
		nextID:    1,
		processes: make(map[uint32]*Process),
		cores:     make(map[int]Core),
		current:   make(map[int]*Process),
	}
	for _, c := range o.cores {
		_ = s.AddCore(c)
	}
	return s
}

// Manager returns the underlying manager.
func (s *System) Manager() *guestmem.Manager { return s.mgr }

// AddCore registers c. A new core runs no process.
func (s *System) AddCore(c Core) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cores[c.ID()]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateCore, c.ID())
	}
	s.cores[c.ID()] = c
	return nil
}

// CreateProcess creates a process with an empty page table. A fastmem
// window is attached when the manager can provide one; running out of
// window budget leaves the process on the page-table path.
func (s *System) CreateProcess() (*Process, error) {
	pt := guestmem.NewPageTable()

	region, err := s.mgr.AllocateFastmemRegion()
	switch {
	case errors.Is(err, guestmem.ErrBudgetExceeded):
		s.logger.Warn("process created without fastmem window", "error", err)
	case err != nil:
		return nil, err
	default:
		pt.Attach(region)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := &Process{ID: s.nextID, PageTable: pt, sys: s}
	s.nextID++
	s.processes[p.ID] = p

	s.logger.Debug("process created", "pid", p.ID, "fastmem", pt.FastmemBase() != 0)
	return p, nil
}

// Process returns the live process with the given ID.
func (s *System) Process(id uint32) (*Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[id]
	return p, ok
}

// Processes returns the live processes ordered by ID.
func (s *System) Processes() []*Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processesLocked()
}

func (s *System) processesLocked() []*Process {
	out := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *Process) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (s *System) checkProcessLocked(p *Process) error {
	if p == nil || p.sys != s || s.processes[p.ID] != p {
		return ErrUnknownProcess
	}
	return nil
}

// SetCurrentPageTable makes p the process running on c and invalidates the
// translations c has cached. A nil p leaves the core idle.
func (s *System) SetCurrentPageTable(c Core, p *Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cores[c.ID()] != c {
		return fmt.Errorf("%w: %d", ErrUnknownCore, c.ID())
	}

	var pt *guestmem.PageTable
	if p != nil {
		if err := s.checkProcessLocked(p); err != nil {
			return err
		}
		pt = p.PageTable
		s.current[c.ID()] = p
	} else {
		delete(s.current, c.ID())
	}

	if b, ok := c.(PageTableBinder); ok {
		b.BindPageTable(pt)
	}
	c.PageTableChanged()
	return nil
}

// CurrentProcess returns the process running on c, or nil.
func (s *System) CurrentProcess(c Core) *Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current[c.ID()]
}

// MapRegion backs the guest range [vaddr, vaddr+size) of p with mem starting
// at offset, then brings p's fastmem window in line. Cores running p are
// invalidated.
func (s *System) MapRegion(p *Process, vaddr guestmem.VAddr, mem *guestmem.BackingMemory, offset, size uint64) error {
	if uint64(vaddr)&guestmem.PageMask != 0 || offset&guestmem.PageMask != 0 || size&guestmem.PageMask != 0 {
		return fmt.Errorf("%w: vaddr %#x offset %#x size %#x", ErrUnaligned, uint32(vaddr), offset, size)
	}
	if size == 0 || offset+size < offset || offset+size > uint64(mem.Size()) ||
		uint64(vaddr)+size > guestmem.FastmemRegionSize {
		return fmt.Errorf("%w: offset %#x size %#x of %#x", ErrOutOfBounds, offset, size, mem.Size())
	}
	if mem.Released() {
		return guestmem.ErrReleased
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkProcessLocked(p); err != nil {
		return err
	}

	backing := mem.Pointer() + uintptr(offset)
	p.PageTable.SetPages(vaddr, size, backing)
	err := s.mgr.Map(p.PageTable, vaddr, backing, size)
	s.invalidateLocked(p)
	return err
}

// UnmapRegion removes the backing of [vaddr, vaddr+size) from p and tears
// down any direct views over it. Cores running p are invalidated.
func (s *System) UnmapRegion(p *Process, vaddr guestmem.VAddr, size uint64) error {
	if uint64(vaddr)&guestmem.PageMask != 0 || size&guestmem.PageMask != 0 {
		return fmt.Errorf("%w: vaddr %#x size %#x", ErrUnaligned, uint32(vaddr), size)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkProcessLocked(p); err != nil {
		return err
	}

	p.PageTable.ClearPages(vaddr, size)
	err := s.mgr.Unmap(p.PageTable, vaddr, size)
	s.invalidateLocked(p)
	return err
}

// invalidateLocked notifies the cores running p.
func (s *System) invalidateLocked(p *Process) {
	for id, cur := range s.current {
		if cur == p {
			s.cores[id].PageTableChanged()
		}
	}
}

// DestroyProcess removes p, idles the cores running it and releases its
// fastmem window. If the window cannot be released p stays registered, with
// its cores idle, and DestroyProcess may be retried.
func (s *System) DestroyProcess(p *Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkProcessLocked(p); err != nil {
		return err
	}
	return s.destroyLocked(p)
}

func (s *System) destroyLocked(p *Process) error {
	for id, cur := range s.current {
		if cur != p {
			continue
		}
		delete(s.current, id)
		c := s.cores[id]
		if b, ok := c.(PageTableBinder); ok {
			b.BindPageTable(nil)
		}
		c.PageTableChanged()
	}

	if err := p.PageTable.Close(); err != nil {
		s.logger.Error("process teardown failed", "pid", p.ID, "error", err)
		return fmt.Errorf("kernel: destroy process %d: %w", p.ID, err)
	}
	delete(s.processes, p.ID)
	s.logger.Debug("process destroyed", "pid", p.ID)
	return nil
}

// InvalidateAll tells every core that its cached translations are stale.
// Cores are notified concurrently.
func (s *System) InvalidateAll(ctx context.Context) error {
	s.mu.RLock()
	cores := make([]Core, 0, len(s.cores))
	for _, c := range s.cores {
		cores = append(cores, c)
	}
	s.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range cores {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.PageTableChanged()
			return nil
		})
	}
	return g.Wait()
}

func (s *System) tables() []savestate.Table {
	procs := s.processesLocked()
	tables := make([]savestate.Table, len(procs))
	for i, p := range procs {
		tables[i] = savestate.Table{ID: p.ID, PageTable: p.PageTable}
	}
	return tables
}

// SaveState writes guest memory and the page table of every live process
// to w.
func (s *System) SaveState(ctx context.Context, w io.Writer, opts savestate.Options) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return savestate.Save(ctx, w, s.mgr, s.tables(), opts)
}

// LoadState restores a state written by SaveState. Every live process must
// have a page table in the state under its ID; the caller recreates the
// processes of the saved run first. Mapping and process changes wait for
// the load to finish. All cores are invalidated afterwards.
func (s *System) LoadState(ctx context.Context, r io.Reader, opts savestate.Options) error {
	s.mu.Lock()
	err := savestate.Load(ctx, r, s.mgr, s.tables(), opts)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.InvalidateAll(ctx)
}

// SaveSlot is SaveState into a named slot.
func (s *System) SaveSlot(ctx context.Context, slots *savestate.Slots, slot string, opts savestate.Options) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slots.Save(ctx, slot, s.mgr, s.tables(), opts)
}

// LoadSlot is LoadState from a named slot.
func (s *System) LoadSlot(ctx context.Context, slots *savestate.Slots, slot string, opts savestate.Options) error {
	s.mu.Lock()
	err := slots.Load(ctx, slot, s.mgr, s.tables(), opts)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.InvalidateAll(ctx)
}

// Close destroys every process. The manager is left open.
func (s *System) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, p := range s.processesLocked() {
		errs = append(errs, s.destroyLocked(p))
	}
	return errors.Join(errs...)
}
