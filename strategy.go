package guestmem

import (
	"github.com/hupe1980/guestmem/internal/fastmem"
	"github.com/hupe1980/guestmem/internal/mmap"
)

// Strategy selects how guest memory is exposed to the host.
type Strategy int

const (
	// StrategyAuto uses StrategyNative when the host supports it and
	// StrategyGeneric otherwise.
	StrategyAuto Strategy = iota
	// StrategyGeneric serves every access through page-table pointers.
	StrategyGeneric
	// StrategyNative commits direct views into per-address-space windows.
	StrategyNative
)

func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyGeneric:
		return "generic"
	case StrategyNative:
		return "native"
	default:
		return "unknown"
	}
}

// backend is one mapping strategy. Both variants share the Manager's
// bookkeeping and differ only in what Map and Unmap do to a window.
type backend interface {
	kind() Strategy
	arena() *mmap.Mapping

	// track and untrack maintain the set of live allocations, given as
	// arena offsets.
	track(start, end int64) error
	untrack(start, end int64, windows []*fastmem.Window) error

	// newWindow returns nil when the strategy has no windows.
	newWindow() (*fastmem.Window, error)
	releaseWindow(w *fastmem.Window) error

	mapRange(w *fastmem.Window, pt *PointerTable, vaddr VAddr, backing uintptr, size uint64) (fastmem.Result, error)
	unmapRange(w *fastmem.Window, vaddr VAddr, size uint64) (fastmem.Result, error)
	remap(w *fastmem.Window, pt *PointerTable) (fastmem.Result, error)
	isMappable(pt *PointerTable, vaddr VAddr) bool

	close() error
}
