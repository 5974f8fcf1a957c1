package guestmem

import (
	"errors"
	"fmt"

	"github.com/hupe1980/guestmem/internal/fastmem"
	"github.com/hupe1980/guestmem/internal/mmap"
	"github.com/hupe1980/guestmem/internal/vmem"
)

var (
	// ErrCapacityExceeded is returned when an allocation does not fit in the
	// arena. The arena size is fixed at boot, so this is a logic error.
	ErrCapacityExceeded = errors.New("guestmem: arena capacity exceeded")

	// ErrFastmemUnsupported is returned by New when StrategyNative was
	// requested but the host lacks the primitives. StrategyAuto never
	// returns it.
	ErrFastmemUnsupported = errors.New("guestmem: fastmem unsupported on this host")

	// ErrSyscall matches every *SyscallError.
	ErrSyscall = errors.New("guestmem: host virtual memory call failed")

	// ErrPointerOutsideArena is returned when a host pointer cannot be
	// expressed as an arena offset.
	ErrPointerOutsideArena = errors.New("guestmem: pointer outside backing arena")

	// ErrInvalidSize is returned for zero, negative or overflowing sizes.
	ErrInvalidSize = errors.New("guestmem: invalid size")

	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("guestmem: manager closed")

	// ErrReleased is returned by operations on a released handle.
	ErrReleased = errors.New("guestmem: handle released")

	// ErrRefOutsideArena is returned by Unserialize for an offset that is
	// neither InvalidMemoryRef nor inside the arena.
	ErrRefOutsideArena = errors.New("guestmem: memory ref outside backing arena")

	// ErrBudgetExceeded is returned when the resource controller has no room
	// left for an arena or a fastmem window.
	ErrBudgetExceeded = errors.New("guestmem: resource budget exceeded")

	// ErrForeignRegion is returned when a page table's fastmem region was
	// created by a different Manager.
	ErrForeignRegion = errors.New("guestmem: fastmem region belongs to another manager")

	// ErrUnmappedAccess is returned by PageTable.Read and Write when a guest
	// page has no backing.
	ErrUnmappedAccess = errors.New("guestmem: access to unmapped guest page")
)

// CapacityError describes a failed bump allocation.
type CapacityError struct {
	Requested int
	Used      int
	Total     int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("guestmem: cannot allocate %d bytes: %d of %d in use", e.Requested, e.Used, e.Total)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// SyscallError describes a failed host primitive. A commit or revert failure
// means an invariant was broken; callers should treat it as fatal.
type SyscallError struct {
	Op   string
	Addr uintptr
	Err  error
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("guestmem: %s at %#x: %v", e.Op, e.Addr, e.Err)
}

func (e *SyscallError) Unwrap() []error { return []error{ErrSyscall, e.Err} }

// PointerError reports a page-table entry that points outside the arena.
type PointerError struct {
	Index   int
	Pointer uintptr
}

func (e *PointerError) Error() string {
	return fmt.Sprintf("guestmem: entry %d: pointer %#x outside backing arena", e.Index, e.Pointer)
}

func (e *PointerError) Unwrap() error { return ErrPointerOutsideArena }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var ve *vmem.Error
	if errors.As(err, &ve) {
		return &SyscallError{Op: ve.Op, Addr: ve.Addr, Err: ve.Err}
	}
	if errors.Is(err, vmem.ErrUnsupported) || errors.Is(err, fastmem.ErrUnsupported) {
		return fmt.Errorf("%w: %w", ErrFastmemUnsupported, err)
	}
	if errors.Is(err, fastmem.ErrReleased) {
		return fmt.Errorf("%w: %w", ErrReleased, err)
	}
	if errors.Is(err, mmap.ErrInvalidSize) {
		return fmt.Errorf("%w: %w", ErrInvalidSize, err)
	}
	if errors.Is(err, mmap.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return err
}
