// Package blobstore provides the storage abstraction save states are written to.
//
// Store is the interface for reading and writing blobs. Implementations must
// be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem, blobs are read through mmap
//   - MemoryStore: in-memory, for tests
//   - s3.Store: Amazon S3 with range reads and multipart uploads
//   - minio.Store: any S3-compatible server through minio-go
//
// # Commit pointers
//
// Stores that implement Committer can swap a small named pointer with
// compare-and-swap semantics. Save-state slots use it to publish a new
// snapshot only after the snapshot blob is completely written.
package blobstore
