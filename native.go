package guestmem

import (
	"errors"

	"github.com/hupe1980/guestmem/internal/fastmem"
	"github.com/hupe1980/guestmem/internal/mmap"
	"github.com/hupe1980/guestmem/internal/vmem"
)

// nativeBackend keeps the arena in a host shared-memory object. The arena
// itself is one read-write view of the object; fastmem windows receive
// further views of it chunk by chunk.
type nativeBackend struct {
	shared  vmem.Shared
	mapping *mmap.Mapping
	mapper  *fastmem.Mapper
}

func newNativeBackend(p vmem.Platform, name string, size int) (*nativeBackend, error) {
	shared, err := p.CreateShared(name, size)
	if err != nil {
		return nil, err
	}
	addr, err := shared.Map(size)
	if err != nil {
		return nil, errors.Join(err, shared.Close())
	}

	mapper, err := fastmem.New(p, shared, addr, size)
	if err != nil {
		return nil, errors.Join(err, shared.Unmap(addr, size), shared.Close())
	}

	mapping := mmap.Adopt(addr, size, func() error {
		return errors.Join(shared.Unmap(addr, size), shared.Close())
	})

	return &nativeBackend{shared: shared, mapping: mapping, mapper: mapper}, nil
}

func (b *nativeBackend) kind() Strategy { return StrategyNative }

func (b *nativeBackend) arena() *mmap.Mapping { return b.mapping }

func (b *nativeBackend) track(start, end int64) error {
	return b.mapper.Track(start, end)
}

// untrack drops the allocation record and tears down every view of it so
// that no window keeps a direct path into released memory.
func (b *nativeBackend) untrack(start, end int64, windows []*fastmem.Window) error {
	b.mapper.Untrack(start)

	var errs []error
	for _, w := range windows {
		if _, err := b.mapper.RevertOwnedBy(w, start, end); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *nativeBackend) newWindow() (*fastmem.Window, error) {
	return b.mapper.NewWindow()
}

func (b *nativeBackend) releaseWindow(w *fastmem.Window) error {
	return b.mapper.Release(w)
}

func (b *nativeBackend) mapRange(w *fastmem.Window, pt *PointerTable, vaddr VAddr, backing uintptr, size uint64) (fastmem.Result, error) {
	if w == nil {
		return fastmem.Result{}, nil
	}
	// A backing pointer outside every live allocation cannot be direct
	// mapped; clear whatever views the range had instead.
	if !b.mapper.Owns(backing) {
		return b.mapper.Unmap(w, uint32(vaddr), size)
	}
	return b.mapper.Map(w, pt, uint32(vaddr), size)
}

func (b *nativeBackend) unmapRange(w *fastmem.Window, vaddr VAddr, size uint64) (fastmem.Result, error) {
	if w == nil {
		return fastmem.Result{}, nil
	}
	return b.mapper.Unmap(w, uint32(vaddr), size)
}

func (b *nativeBackend) remap(w *fastmem.Window, pt *PointerTable) (fastmem.Result, error) {
	if w == nil {
		return fastmem.Result{}, nil
	}
	return b.mapper.Map(w, pt, 0, FastmemRegionSize)
}

func (b *nativeBackend) isMappable(pt *PointerTable, vaddr VAddr) bool {
	return b.mapper.IsMappable(pt, uint32(vaddr))
}

func (b *nativeBackend) close() error {
	return b.mapping.Close()
}
