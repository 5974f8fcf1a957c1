package guestmem

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guestmem/internal/vmem"
	"github.com/hupe1980/guestmem/testutil"
)

type mapFixture struct {
	m      *Manager
	fake   *vmem.Fake
	ram    *BackingMemory
	region *FastmemRegion
	pt     *PageTable
}

func newMapFixture(t *testing.T, opts ...Option) *mapFixture {
	t.Helper()

	m, fake := newNative(t, opts...)
	ram, err := m.Allocate(ramSize)
	require.NoError(t, err)
	region, err := m.AllocateFastmemRegion()
	require.NoError(t, err)

	pt := NewPageTable()
	pt.Attach(region)
	t.Cleanup(func() { _ = pt.Close() })

	return &mapFixture{m: m, fake: fake, ram: ram, region: region, pt: pt}
}

func TestMap_ContiguousChunk(t *testing.T) {
	f := newMapFixture(t)

	f.pt.SetPages(testVAddr, ChunkSize, f.ram.Pointer())
	require.True(t, f.m.IsMappable(f.pt, testVAddr))

	require.NoError(t, f.m.Map(f.pt, testVAddr, f.ram.Pointer(), ChunkSize))
	assert.True(t, f.m.IsMapped(f.pt, testVAddr))
	assert.Equal(t, 1, f.fake.Views())
	assert.Equal(t, 1, f.m.Stats().CommittedChunks)

	off, ok := f.fake.View(f.region.Base() + uintptr(testVAddr))
	require.True(t, ok)
	assert.Equal(t, int64(f.ram.Ref()), off)

	require.NoError(t, f.m.Unmap(f.pt, testVAddr, ChunkSize))
	assert.False(t, f.m.IsMapped(f.pt, testVAddr))
	assert.Zero(t, f.fake.Views())
}

func TestMap_MismatchedPage(t *testing.T) {
	f := newMapFixture(t)
	other, err := f.m.Allocate(ChunkSize)
	require.NoError(t, err)

	f.pt.SetPages(testVAddr, ChunkSize, f.ram.Pointer())
	f.pt.SetPages(testVAddr+3*PageSize, PageSize, other.Pointer())

	assert.False(t, f.m.IsMappable(f.pt, testVAddr))
	require.NoError(t, f.m.Map(f.pt, testVAddr, f.ram.Pointer(), ChunkSize))
	assert.False(t, f.m.IsMapped(f.pt, testVAddr))
	assert.Zero(t, f.fake.Views())
	assert.Zero(t, f.fake.CountCalls("commit"))
}

func TestMap_GenericIsValidationOnly(t *testing.T) {
	m := newGeneric(t)
	ram, err := m.Allocate(ramSize)
	require.NoError(t, err)
	other, err := m.Allocate(ChunkSize)
	require.NoError(t, err)
	region, err := m.AllocateFastmemRegion()
	require.NoError(t, err)
	assert.True(t, region.Empty())
	assert.Zero(t, region.Base())

	pt := NewPageTable()
	pt.Attach(region)
	pt.SetPages(testVAddr, ChunkSize, ram.Pointer())
	pt.SetPages(testVAddr+3*PageSize, PageSize, other.Pointer())
	before := pt.Pointers

	require.NoError(t, m.Map(pt, testVAddr, ram.Pointer(), ChunkSize))
	assert.Equal(t, before, pt.Pointers)
	assert.False(t, m.IsMapped(pt, testVAddr))
	assert.False(t, m.IsMappable(pt, testVAddr))
	require.NoError(t, m.Unmap(pt, testVAddr, ChunkSize))
	require.NoError(t, pt.Close())

	err = m.Map(pt, testVAddr, 0x1000, ChunkSize)
	require.ErrorIs(t, err, ErrPointerOutsideArena)
	var pe *PointerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, int(testVAddr>>PageBits), pe.Index)

	// A range running past the end of the arena is rejected as well.
	last := m.PointerForRef(MemoryRef(m.Size() - PageSize))
	assert.ErrorIs(t, m.Map(pt, testVAddr, last, ChunkSize), ErrPointerOutsideArena)
	assert.NoError(t, m.Map(pt, testVAddr, last, PageSize))
}

func TestMap_Idempotent(t *testing.T) {
	f := newMapFixture(t)
	f.pt.SetPages(testVAddr, 4*ChunkSize, f.ram.Pointer())

	require.NoError(t, f.m.Map(f.pt, testVAddr, f.ram.Pointer(), 4*ChunkSize))
	pointers := f.pt.Pointers
	views := f.fake.Views()

	require.NoError(t, f.m.Map(f.pt, testVAddr, f.ram.Pointer(), 4*ChunkSize))
	assert.Equal(t, pointers, f.pt.Pointers)
	assert.Equal(t, views, f.fake.Views())
	assert.Equal(t, 4, f.region.Committed())
	for i := VAddr(0); i < 4; i++ {
		off, ok := f.fake.View(f.region.Base() + uintptr(testVAddr+i*ChunkSize))
		require.True(t, ok)
		assert.Equal(t, int64(i*ChunkSize), off)
	}
}

func TestMap_NoRegionIsNoop(t *testing.T) {
	m, fake := newNative(t)
	ram, err := m.Allocate(ramSize)
	require.NoError(t, err)

	pt := NewPageTable()
	pt.SetPages(testVAddr, ChunkSize, ram.Pointer())
	require.NoError(t, m.Map(pt, testVAddr, ram.Pointer(), ChunkSize))
	assert.Zero(t, fake.CountCalls("commit"))
	assert.Zero(t, pt.FastmemBase())
}

func TestMap_UnownedBackingClearsViews(t *testing.T) {
	f := newMapFixture(t)
	f.pt.SetPages(testVAddr, ChunkSize, f.ram.Pointer())
	require.NoError(t, f.m.Map(f.pt, testVAddr, f.ram.Pointer(), ChunkSize))
	require.True(t, f.m.IsMapped(f.pt, testVAddr))

	// Device memory outside the arena takes over the range.
	f.pt.SetPages(testVAddr, ChunkSize, 0x7000_0000)
	require.NoError(t, f.m.Map(f.pt, testVAddr, 0x7000_0000, ChunkSize))
	assert.False(t, f.m.IsMapped(f.pt, testVAddr))
	assert.Zero(t, f.fake.Views())
}

func TestMap_ForeignRegion(t *testing.T) {
	f := newMapFixture(t)
	other, _ := newNative(t)

	f.pt.SetPages(testVAddr, ChunkSize, f.ram.Pointer())
	require.NoError(t, f.m.Map(f.pt, testVAddr, f.ram.Pointer(), ChunkSize))

	assert.ErrorIs(t, other.Map(f.pt, testVAddr, f.ram.Pointer(), ChunkSize), ErrForeignRegion)
	assert.True(t, f.m.IsMapped(f.pt, testVAddr))
	assert.False(t, other.IsMapped(f.pt, testVAddr))
}

func TestBackingMemory_ReleaseRevertsViews(t *testing.T) {
	f := newMapFixture(t)
	scratch, err := f.m.Allocate(ChunkSize)
	require.NoError(t, err)

	f.pt.SetPages(testVAddr, ChunkSize, f.ram.Pointer())
	f.pt.SetPages(testVAddr+ChunkSize, ChunkSize, scratch.Pointer())
	require.NoError(t, f.m.Map(f.pt, testVAddr, f.ram.Pointer(), 2*ChunkSize))
	require.Equal(t, 2, f.region.Committed())

	require.NoError(t, scratch.Release())
	assert.True(t, f.m.IsMapped(f.pt, testVAddr))
	assert.False(t, f.m.IsMapped(f.pt, testVAddr+ChunkSize))

	// Later maps leave the released range on the indirect path.
	assert.False(t, f.m.IsMappable(f.pt, testVAddr+ChunkSize))
	require.NoError(t, f.m.Map(f.pt, testVAddr+ChunkSize, scratch.Pointer(), ChunkSize))
	assert.False(t, f.m.IsMapped(f.pt, testVAddr+ChunkSize))
}

func TestFastmemRegion_Release(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	f := newMapFixture(t, WithMetricsCollector(metrics))
	f.pt.SetPages(testVAddr, 3*ChunkSize, f.ram.Pointer())
	require.NoError(t, f.m.Map(f.pt, testVAddr, f.ram.Pointer(), 3*ChunkSize))
	assert.Equal(t, int64(1), metrics.GetStats().RegionsLive)

	require.NoError(t, f.pt.Close())
	require.NoError(t, f.pt.Close())
	assert.Zero(t, f.fake.Views())
	assert.Zero(t, f.fake.Windows())
	assert.Zero(t, f.m.Stats().Regions)
	assert.Zero(t, metrics.GetStats().RegionsLive)

	require.NoError(t, f.region.Release())
	assert.Equal(t, 1, f.fake.CountCalls("release"))
}

func TestMap_SyscallFailure(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	f := newMapFixture(t, WithMetricsCollector(metrics))
	f.pt.SetPages(testVAddr, ChunkSize, f.ram.Pointer())

	f.fake.FailNext("commit", errors.New("EINVAL"))
	err := f.m.Map(f.pt, testVAddr, f.ram.Pointer(), ChunkSize)
	require.ErrorIs(t, err, ErrSyscall)

	var se *SyscallError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "commit", se.Op)
	assert.Equal(t, f.region.Base()+uintptr(testVAddr), se.Addr)
	assert.EqualError(t, se.Err, "EINVAL")

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.SyscallErrors)
	assert.Equal(t, int64(1), stats.MapErrors)

	// The window is still consistent, so a retry converges.
	require.NoError(t, f.m.Map(f.pt, testVAddr, f.ram.Pointer(), ChunkSize))
	assert.True(t, f.m.IsMapped(f.pt, testVAddr))
}

func TestAllocateFastmemRegion_SyscallFailure(t *testing.T) {
	m, fake := newNative(t)

	fake.FailNext("reserve", errors.New("ENOMEM"))
	_, err := m.AllocateFastmemRegion()
	require.ErrorIs(t, err, ErrSyscall)
	assert.Zero(t, m.Stats().Regions)
}

func TestMetrics(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	f := newMapFixture(t, WithMetricsCollector(metrics))

	f.pt.SetPages(testVAddr, 2*ChunkSize, f.ram.Pointer())
	f.pt.SetPages(testVAddr+ChunkSize+PageSize, PageSize, 0)
	require.NoError(t, f.m.Map(f.pt, testVAddr, f.ram.Pointer(), 2*ChunkSize))
	require.NoError(t, f.m.Unmap(f.pt, testVAddr, 2*ChunkSize))

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.AllocateCount)
	assert.Equal(t, int64(ramSize), stats.AllocatedBytes)
	assert.Equal(t, int64(1), stats.MapCount)
	assert.Equal(t, int64(1), stats.ChunksCommitted)
	assert.Equal(t, int64(1), stats.ChunksIndirect)
	assert.Equal(t, int64(1), stats.UnmapCount)
	assert.Equal(t, int64(1), stats.ChunksReverted)
	assert.Zero(t, stats.MapErrors)
}

func TestMap_ScatteredPagesStayIndirect(t *testing.T) {
	f := newMapFixture(t)
	rng := testutil.NewRNG(7)

	pages := rng.ScatterPages(f.ram.Pointer(), PagesPerChunk)
	for i, p := range pages {
		f.pt.SetPages(testVAddr+VAddr(i*PageSize), PageSize, p)
	}

	assert.False(t, f.m.IsMappable(f.pt, testVAddr))
	require.NoError(t, f.m.Map(f.pt, testVAddr, f.ram.Pointer(), ChunkSize))
	assert.False(t, f.m.IsMapped(f.pt, testVAddr))
	assert.Zero(t, f.fake.CountCalls("commit"))

	// Every page still resolves through its own pointer.
	for i, p := range pages {
		assert.Equal(t, p+0x10, f.pt.HostPointer(testVAddr+VAddr(i*PageSize)+0x10))
	}
}

func TestMap_OrderIndependent(t *testing.T) {
	const chunks = 8
	f := newMapFixture(t)
	rng := testutil.NewRNG(11)
	f.pt.SetPages(testVAddr, chunks*ChunkSize, f.ram.Pointer())

	for _, i := range rng.Permutation(chunks) {
		vaddr := testVAddr + VAddr(i*ChunkSize)
		require.NoError(t, f.m.Map(f.pt, vaddr, f.ram.Pointer()+uintptr(i*ChunkSize), ChunkSize))
	}

	assert.Equal(t, chunks, f.region.Committed())
	for i := 0; i < chunks; i++ {
		off, ok := f.fake.View(f.region.Base() + uintptr(testVAddr) + uintptr(i*ChunkSize))
		require.True(t, ok)
		assert.Equal(t, int64(f.ram.Ref())+int64(i*ChunkSize), off)
	}
}

func TestMap_Concurrent(t *testing.T) {
	const workers = 8
	f := newMapFixture(t)
	scratch, err := f.m.Allocate(workers * ChunkSize)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		vaddr := testVAddr + VAddr(w*ChunkSize)
		ram := f.ram.Pointer() + uintptr(w*ChunkSize)
		other := scratch.Pointer() + uintptr(w*ChunkSize)

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				backing := ram
				if i%3 == 1 {
					backing = other
				}
				f.pt.SetPages(vaddr, ChunkSize, backing)
				assert.NoError(t, f.m.Map(f.pt, vaddr, backing, ChunkSize))
				if i%5 == 4 {
					f.pt.ClearPages(vaddr, ChunkSize)
					assert.NoError(t, f.m.Unmap(f.pt, vaddr, ChunkSize))
				}
			}
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			assert.NoError(t, f.m.Remap(f.pt))
		}
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, scratch.Release())
	}()
	wg.Wait()

	// Converge every worker range onto the arena and check the result.
	f.pt.SetPages(testVAddr, workers*ChunkSize, f.ram.Pointer())
	require.NoError(t, f.m.Map(f.pt, testVAddr, f.ram.Pointer(), workers*ChunkSize))
	assert.Equal(t, workers, f.region.Committed())
	assert.Equal(t, workers, f.fake.Views())
	for w := 0; w < workers; w++ {
		assert.True(t, f.m.IsMapped(f.pt, testVAddr+VAddr(w*ChunkSize)))
	}
}

func TestPageTable_CloseRetriesAfterFailure(t *testing.T) {
	f := newMapFixture(t)
	f.pt.SetPages(testVAddr, ChunkSize, f.ram.Pointer())
	require.NoError(t, f.m.Map(f.pt, testVAddr, f.ram.Pointer(), ChunkSize))

	f.fake.FailNext("revert", errors.New("EBUSY"))
	require.Error(t, f.pt.Close())
	assert.Same(t, f.region, f.pt.Region())
	assert.Equal(t, 1, f.fake.Windows())
	assert.Equal(t, 1, f.m.Stats().Regions)

	require.NoError(t, f.pt.Close())
	assert.Nil(t, f.pt.Region())
	assert.Zero(t, f.fake.Windows())
	assert.Zero(t, f.fake.Views())
	assert.Zero(t, f.m.Stats().Regions)
}
