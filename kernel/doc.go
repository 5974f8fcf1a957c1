// Package kernel is the process and core glue on top of guestmem.
//
// A System owns one guestmem.Manager, the processes created against it and
// the CPU cores that run them. Each process has its own page table with a
// fastmem window attached when the manager provides one. The System keeps
// page-table pointers and fastmem windows in step when regions are mapped or
// unmapped, and tells every core whose cached translations went stale.
//
//	sys := kernel.NewSystem(mgr, kernel.WithCores(kernel.NewCachedCore(0)))
//	proc, err := sys.CreateProcess()
//	...
//	err = sys.MapRegion(proc, 0x00400000, ram, 0, ram.Size())
//	err = sys.SetCurrentPageTable(core, proc)
//
// Cores are notified synchronously and must not call back into the System
// from PageTableChanged.
package kernel
