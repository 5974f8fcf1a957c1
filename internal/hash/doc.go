// Package hash provides the CRC32-Castagnoli checksum used by save-state
// frames and S3 uploads. Go's hash/crc32 uses SSE4.2 or the ARM CRC
// extension for this polynomial when available.
package hash
