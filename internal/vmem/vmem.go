package vmem

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned by every operation of a platform whose
// capability probe failed.
var ErrUnsupported = errors.New("vmem: native placeholder mapping unsupported on this host")

// Capability records what the host offers. It is computed once by Probe.
type Capability struct {
	// SharedMemory reports whether a shared-memory object can be created.
	SharedMemory bool
	// Placeholders reports whether reserve/commit/revert are available.
	Placeholders bool
	// Reason describes why the capability is missing, if it is.
	Reason string
}

// Supported reports whether the native strategy can run.
func (c Capability) Supported() bool {
	return c.SharedMemory && c.Placeholders
}

func (c Capability) String() string {
	if c.Supported() {
		return "native"
	}
	if c.Reason == "" {
		return "unsupported"
	}
	return "unsupported: " + c.Reason
}

// Shared is a host shared-memory object.
type Shared interface {
	// Map maps the first size bytes of the object read-write and returns the
	// address of the view.
	Map(size int) (uintptr, error)
	// Unmap removes a view returned by Map.
	Unmap(addr uintptr, size int) error
	// Close releases the object. Views stay valid until unmapped.
	Close() error
}

// Platform is the set of host primitives the native strategy consumes.
type Platform interface {
	// Name identifies the implementation in logs.
	Name() string
	// Capability returns the result of the probe.
	Capability() Capability
	// Granularity is the alignment required of shared-object offsets passed
	// to Commit.
	Granularity() uintptr
	// CreateShared creates a shared-memory object of size bytes.
	CreateShared(name string, size int) (Shared, error)
	// Reserve reserves size bytes of address space without backing memory.
	Reserve(size uintptr) (uintptr, error)
	// Split subdivides a reserved window into placeholders of chunk bytes.
	Split(base, size, chunk uintptr) error
	// Commit replaces the placeholder at addr with a read-write view of
	// size bytes of s starting at offset.
	Commit(s Shared, addr uintptr, offset int64, size uintptr) error
	// Revert turns a committed view at addr back into a placeholder.
	Revert(addr, size uintptr) error
	// Release returns a window to the host. All chunks must be placeholders.
	Release(base, size, chunk uintptr) error
}

// Error describes a failed primitive.
type Error struct {
	Op   string
	Addr uintptr
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("vmem: %s at %#x: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op string, addr uintptr, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Addr: addr, Err: err}
}
