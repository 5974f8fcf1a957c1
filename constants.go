package guestmem

import "github.com/hupe1980/guestmem/internal/fastmem"

const (
	// PageBits is the guest page shift.
	PageBits = fastmem.PageBits
	// PageSize is the guest page size in bytes.
	PageSize = fastmem.PageSize
	// PageMask masks the offset inside a guest page.
	PageMask = PageSize - 1
	// PageTableNumEntries is the number of guest pages in the address space.
	PageTableNumEntries = 1 << (32 - PageBits)

	// FastmemRegionSize is the size of one fastmem window.
	FastmemRegionSize uint64 = fastmem.WindowSize
	// ChunkSize is the granularity at which a window is committed.
	ChunkSize = fastmem.ChunkSize
	// ChunkMask masks the offset inside a chunk.
	ChunkMask = ChunkSize - 1
	// PagesPerChunk is the number of guest pages sharing one chunk.
	PagesPerChunk = fastmem.PagesPerChunk
	// NumChunks is the number of chunks in a window.
	NumChunks = FastmemRegionSize / ChunkSize
)

// VAddr is a guest virtual address.
type VAddr uint32

func pageIndex(vaddr VAddr) uint32 {
	return uint32(vaddr) >> PageBits
}

func roundUpPage(n int) int {
	return (n + PageMask) &^ PageMask
}
