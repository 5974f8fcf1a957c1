package kernel

import "errors"

var (
	// ErrNoPageTable is returned by CachedCore when no process is current.
	ErrNoPageTable = errors.New("kernel: core has no page table")

	// ErrUnknownProcess is returned for processes that were destroyed or
	// belong to another System.
	ErrUnknownProcess = errors.New("kernel: unknown process")

	// ErrUnknownCore is returned for cores that were never added.
	ErrUnknownCore = errors.New("kernel: unknown core")

	// ErrDuplicateCore is returned by AddCore for a core ID already in use.
	ErrDuplicateCore = errors.New("kernel: duplicate core id")

	// ErrUnaligned is returned when a region's address, offset or size is
	// not page aligned.
	ErrUnaligned = errors.New("kernel: region not page aligned")

	// ErrOutOfBounds is returned when a region runs past its backing memory.
	ErrOutOfBounds = errors.New("kernel: region exceeds backing memory")
)
