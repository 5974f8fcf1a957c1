// Package fs abstracts the file system calls of the local blob store so that
// tests can inject I/O failures.
//
// Production code uses [Default]. Tests wrap it in a [FaultyFS]:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".tmp-", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
//
// Calls take no context: local file operations cannot be interrupted at the
// syscall level.
package fs
