// Package fastmem implements direct guest-memory mapping over placeholder
// windows.
//
// Every guest address space owns a 4 GiB Window whose layout mirrors the
// 32-bit guest address space. The window is split into 64 KiB chunks. A
// chunk is either a placeholder (guest accesses fall back to the page
// table's per-page pointers) or a committed view of the shared-memory object
// that backs the arena, in which case loads and stores hit host memory
// directly.
//
// # Mappability
//
// A chunk covers 16 guest pages but can only be committed as a unit, so it is
// mappable only when all 16 pages agree: each page pointer is the first
// page's pointer plus its page offset, the whole range lies inside one
// tracked allocation, and the arena offset honours the host's view
// granularity. Anything else leaves the chunk on the indirect path.
//
// # Concurrency
//
// Mapper.mu guards the allocation set. Each Window has its own mutex that
// serializes the revert/commit sequence for that window. Lock order is
// window first, then allocation set. Map and Unmap may block briefly under
// contention but never wait on anything except these locks.
package fastmem
