// Package mmap provides host memory mappings owned as byte slices.
//
// # Overview
//
// Guest memory lives outside the Go heap so that its host addresses are
// stable for the lifetime of a session and can be stored in page tables as
// plain uintptr values. This package owns those mappings.
//
// # Usage
//
//	// Anonymous read-write memory (generic arena).
//	m, err := mmap.MapAnon(128 << 20)
//	if err != nil { ... }
//	defer m.Close()
//
//	// Adopt a mapping created elsewhere (native shared-memory view).
//	m := mmap.Adopt(addr, size, func() error { return unmapView(addr, size) })
//
//	// Read-only file mapping.
//	f, _ := mmap.Open("slot0.gmss")
//
//	// A view into a sub-range, with kernel hints.
//	r, _ := m.Region(offset, size)
//	r.Advise(mmap.AccessDontNeed)
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) with madvise(2) for access hints
//   - Windows: VirtualAlloc / CreateFileMapping+MapViewOfFile (advice is a no-op)
//
// # Thread Safety
//
// Mapping and Region are safe for concurrent access. Close is idempotent and
// protected by atomic operations; callers must ensure no goroutine touches
// Bytes() after Close returns.
package mmap
