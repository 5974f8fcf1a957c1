package guestmem

import (
	"github.com/hupe1980/guestmem/internal/fastmem"
	"github.com/hupe1980/guestmem/internal/mmap"
)

// genericBackend keeps the arena in private anonymous memory. It never
// creates windows, so Map only checks that the backing range is inside the
// arena.
type genericBackend struct {
	mapping *mmap.Mapping
}

func newGenericBackend(size int) (*genericBackend, error) {
	m, err := mmap.MapAnon(size)
	if err != nil {
		return nil, err
	}
	return &genericBackend{mapping: m}, nil
}

func (b *genericBackend) kind() Strategy { return StrategyGeneric }

func (b *genericBackend) arena() *mmap.Mapping { return b.mapping }

func (b *genericBackend) track(int64, int64) error { return nil }

func (b *genericBackend) untrack(int64, int64, []*fastmem.Window) error { return nil }

func (b *genericBackend) newWindow() (*fastmem.Window, error) { return nil, nil }

func (b *genericBackend) releaseWindow(*fastmem.Window) error { return nil }

func (b *genericBackend) mapRange(_ *fastmem.Window, _ *PointerTable, vaddr VAddr, backing uintptr, size uint64) (fastmem.Result, error) {
	if size == 0 {
		return fastmem.Result{}, nil
	}
	base := b.mapping.Addr()
	limit := uint64(b.mapping.Size())
	if backing < base || uint64(backing-base) >= limit || size > limit-uint64(backing-base) {
		return fastmem.Result{}, &PointerError{Index: int(pageIndex(vaddr)), Pointer: backing}
	}
	return fastmem.Result{}, nil
}

func (b *genericBackend) unmapRange(*fastmem.Window, VAddr, uint64) (fastmem.Result, error) {
	return fastmem.Result{}, nil
}

func (b *genericBackend) remap(*fastmem.Window, *PointerTable) (fastmem.Result, error) {
	return fastmem.Result{}, nil
}

func (b *genericBackend) isMappable(*PointerTable, VAddr) bool { return false }

func (b *genericBackend) close() error {
	return b.mapping.Close()
}
