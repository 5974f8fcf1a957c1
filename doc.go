// Package guestmem maps a 32-bit emulated address space onto host memory.
//
// A Manager owns one contiguous backing arena, sized once at construction and
// carved up by a bump allocator. Guest page tables hold one host pointer per
// 4 KiB guest page; accesses through those pointers always work (the
// indirect path). When the host supports it, the Manager also maintains a
// 4 GiB fastmem window per address space whose layout mirrors guest memory,
// so emulated loads and stores can hit host memory directly.
//
// # Quick Start
//
//	m, _ := guestmem.New(128 << 20)
//	defer m.Close()
//
//	ram, _ := m.Allocate(64 << 20)
//	region, _ := m.AllocateFastmemRegion()
//
//	pt := guestmem.NewPageTable()
//	pt.Attach(region)
//	pt.SetPages(0x00100000, 0x10000, ram.Pointer())
//	_ = m.Map(pt, 0x00100000, ram.Pointer(), 0x10000)
//
// # Strategies
//
// StrategyNative backs the arena with a host shared-memory object and commits
// 64 KiB views of it into the fastmem window. A chunk is committed only when
// all 16 of its guest pages point at one contiguous range of a live
// allocation; every other chunk stays a placeholder and guest accesses there
// use the page table. StrategyGeneric never commits anything: Map only
// validates its arguments. StrategyAuto (the default) picks native when the
// host probe succeeds and falls back to generic otherwise.
//
// # Save states
//
// Host pointers change from run to run. Serialize turns a page table's
// pointer array into arena offsets (MemoryRef) and Unserialize rebuilds it
// against the current arena. Fastmem window state is never persisted: after
// Unserialize, Remap re-derives it from the restored pointers. The savestate
// package builds a complete container on top of this.
package guestmem
