// Package vmem is the host virtual-memory primitive layer used by the native
// fastmem strategy.
//
// A Platform exposes exactly the operations the strategy needs:
//
//   - a shared-memory object that backs the arena and every window view
//   - reserving a placeholder VA window that holds no memory
//   - splitting the window into independently replaceable chunks
//   - committing a chunk onto a view of the shared object
//   - reverting a committed chunk back to a placeholder
//   - releasing the whole window
//
// Probe inspects the host once and returns a Platform together with an
// immutable Capability. Callers must check Capability().Supported() and fall
// back to indirect access when it is false.
//
// Fake is an in-memory Platform for tests. Its shared object is real memory,
// but windows are synthetic address ranges that are never dereferenced.
package vmem
