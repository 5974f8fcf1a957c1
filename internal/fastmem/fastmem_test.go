package fastmem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guestmem/internal/vmem"
)

const (
	testArena = 128 << 20
	testAlloc = 64 << 20
	testVAddr = 0x00100000
)

type pageTable map[uint32]uintptr

func (t pageTable) Pointer(page uint32) uintptr { return t[page] }

// mapRange points the pages of [vaddr, vaddr+size) at consecutive pages
// starting at p.
func (t pageTable) mapRange(vaddr uint32, size uint64, p uintptr) {
	for off := uint64(0); off < size; off += PageSize {
		t[(vaddr+uint32(off))>>PageBits] = p + uintptr(off)
	}
}

type fixture struct {
	fake   *vmem.Fake
	shared vmem.Shared
	base   uintptr
	m      *Mapper
	w      *Window
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fake := vmem.NewFake()
	shared, err := fake.CreateShared("test", testArena)
	require.NoError(t, err)
	base, err := shared.Map(testArena)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shared.Unmap(base, testArena) })

	m, err := New(fake, shared, base, testArena)
	require.NoError(t, err)
	w, err := m.NewWindow()
	require.NoError(t, err)

	return &fixture{fake: fake, shared: shared, base: base, m: m, w: w}
}

func TestNew_Unsupported(t *testing.T) {
	fake := vmem.NewUnsupportedFake("no placeholders")
	_, err := New(fake, nil, 0, testArena)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestNewWindow_ReservesAndSplits(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, 1, f.fake.Windows())
	assert.Equal(t, 1, f.fake.CountCalls("reserve"))
	assert.Equal(t, 1, f.fake.CountCalls("split"))
	assert.NotZero(t, f.w.Base())
	assert.Zero(t, f.w.Committed())
}

func TestNewWindow_SplitFailureReleases(t *testing.T) {
	fake := vmem.NewFake()
	m, err := New(fake, nil, 0x10000, testArena)
	require.NoError(t, err)

	fake.FailNext("split", errors.New("boom"))
	_, err = m.NewWindow()
	require.Error(t, err)
	assert.Equal(t, 0, fake.Windows())
}

func TestTrack(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.m.Track(0, testAlloc))
	assert.Error(t, f.m.Track(testAlloc-PageSize, testAlloc+PageSize), "overlap")
	assert.Error(t, f.m.Track(testArena-PageSize, testArena+PageSize), "past arena")
	require.NoError(t, f.m.Track(testAlloc, testAlloc+PageSize))
	assert.Equal(t, 2, f.m.Tracked())

	assert.True(t, f.m.Owns(f.base+testAlloc))
	assert.False(t, f.m.Owns(f.base+testAlloc+PageSize))
	assert.False(t, f.m.Owns(0))

	assert.True(t, f.m.Untrack(0))
	assert.False(t, f.m.Untrack(0))
	assert.Equal(t, 1, f.m.Tracked())
}

func TestMap_ContiguousChunkIsCommitted(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Track(0, testAlloc))

	pt := pageTable{}
	pt.mapRange(testVAddr, ChunkSize, f.base)

	assert.True(t, f.m.IsMappable(pt, testVAddr))

	res, err := f.m.Map(f.w, pt, testVAddr, ChunkSize)
	require.NoError(t, err)
	assert.Equal(t, Result{Committed: 1}, res)
	assert.True(t, f.w.IsMapped(testVAddr))
	assert.True(t, f.w.IsMapped(testVAddr+ChunkSize-1))
	assert.False(t, f.w.IsMapped(testVAddr+ChunkSize))

	off, ok := f.fake.View(f.w.Base() + testVAddr)
	require.True(t, ok)
	assert.Equal(t, int64(0), off)

	off, ok = f.w.ViewOffset(testVAddr)
	require.True(t, ok)
	assert.Equal(t, int64(0), off)
}

func TestMap_UsesChunkArenaOffset(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Track(0, testAlloc))

	pt := pageTable{}
	pt.mapRange(testVAddr, ChunkSize, f.base+0x30000)

	_, err := f.m.Map(f.w, pt, testVAddr, ChunkSize)
	require.NoError(t, err)

	off, ok := f.fake.View(f.w.Base() + testVAddr)
	require.True(t, ok)
	assert.Equal(t, int64(0x30000), off)
}

func TestMap_NonContiguousPageIsIndirect(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Track(0, testAlloc))

	pt := pageTable{}
	pt.mapRange(testVAddr, ChunkSize, f.base)
	pt[(testVAddr>>PageBits)+3] = f.base + 0x100000

	assert.False(t, f.m.IsMappable(pt, testVAddr))

	res, err := f.m.Map(f.w, pt, testVAddr, ChunkSize)
	require.NoError(t, err)
	assert.Equal(t, Result{Indirect: 1}, res)
	assert.False(t, f.w.IsMapped(testVAddr))
	assert.Zero(t, f.fake.Views())
}

func TestMap_MissingPageIsIndirect(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Track(0, testAlloc))

	pt := pageTable{}
	pt.mapRange(testVAddr, ChunkSize, f.base)
	delete(pt, (testVAddr>>PageBits)+PagesPerChunk-1)

	assert.False(t, f.m.IsMappable(pt, testVAddr))
}

func TestMap_Idempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Track(0, testAlloc))

	pt := pageTable{}
	pt.mapRange(testVAddr, ChunkSize, f.base)

	_, err := f.m.Map(f.w, pt, testVAddr, ChunkSize)
	require.NoError(t, err)

	res, err := f.m.Map(f.w, pt, testVAddr, ChunkSize)
	require.NoError(t, err)
	assert.Equal(t, Result{Committed: 1, Reverted: 1}, res)
	assert.Equal(t, 1, f.fake.Views())
	assert.Equal(t, 1, f.w.Committed())
}

func TestMap_RemapAfterPageTableChange(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Track(0, testAlloc))

	pt := pageTable{}
	pt.mapRange(testVAddr, ChunkSize, f.base)
	_, err := f.m.Map(f.w, pt, testVAddr, ChunkSize)
	require.NoError(t, err)

	// The guest now scatters one page; the stale view must go.
	pt[testVAddr>>PageBits] = f.base + 0x200000
	res, err := f.m.Map(f.w, pt, testVAddr, ChunkSize)
	require.NoError(t, err)
	assert.Equal(t, Result{Reverted: 1, Indirect: 1}, res)
	assert.False(t, f.w.IsMapped(testVAddr))
	assert.Zero(t, f.fake.Views())
}

func TestMap_RoundsToChunks(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Track(0, testAlloc))

	pt := pageTable{}
	pt.mapRange(testVAddr, 2*ChunkSize, f.base)

	// A single page maps its whole chunk.
	res, err := f.m.Map(f.w, pt, testVAddr+ChunkSize+PageSize, PageSize)
	require.NoError(t, err)
	assert.Equal(t, Result{Committed: 1}, res)
	assert.False(t, f.w.IsMapped(testVAddr))
	assert.True(t, f.w.IsMapped(testVAddr+ChunkSize))

	// A range ending one byte into a chunk covers that chunk as well.
	res, err = f.m.Map(f.w, pt, testVAddr, ChunkSize+1)
	require.NoError(t, err)
	assert.Equal(t, Result{Committed: 2, Reverted: 1}, res)
}

func TestMap_ZeroSizeIsNoop(t *testing.T) {
	f := newFixture(t)

	res, err := f.m.Map(f.w, pageTable{}, testVAddr, 0)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Zero(t, f.fake.CountCalls("commit"))
}

func TestMap_TopOfAddressSpace(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Track(0, testAlloc))

	top := uint32(0xFFFF0000)
	pt := pageTable{}
	pt.mapRange(top, ChunkSize, f.base)

	res, err := f.m.Map(f.w, pt, top, 1<<40)
	require.NoError(t, err)
	assert.Equal(t, Result{Committed: 1}, res)
	assert.True(t, f.w.IsMapped(0xFFFFFFFF))
}

func TestMap_GranularityMisaligned(t *testing.T) {
	f := newFixture(t)
	f.fake.SetGranularity(0x10000)
	m, err := New(f.fake, f.shared, f.base, testArena)
	require.NoError(t, err)
	require.NoError(t, m.Track(0, testAlloc))

	pt := pageTable{}
	pt.mapRange(testVAddr, ChunkSize, f.base+PageSize)
	assert.False(t, m.IsMappable(pt, testVAddr))

	pt.mapRange(testVAddr, ChunkSize, f.base+0x10000)
	assert.True(t, m.IsMappable(pt, testVAddr))
}

func TestMap_ChunkMustStayInsideOneAllocation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Track(0, 0x8000))
	require.NoError(t, f.m.Track(0x8000, 0x20000))

	pt := pageTable{}
	pt.mapRange(testVAddr, ChunkSize, f.base)
	assert.False(t, f.m.IsMappable(pt, testVAddr))

	pt.mapRange(testVAddr, ChunkSize, f.base+0x10000)
	assert.True(t, f.m.IsMappable(pt, testVAddr))
}

func TestMap_PointerOutsideArena(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Track(0, testAlloc))

	pt := pageTable{}
	pt.mapRange(testVAddr, ChunkSize, f.base+testArena)
	assert.False(t, f.m.IsMappable(pt, testVAddr))
}

func TestMap_UntrackedAllocation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Track(0, testAlloc))
	require.True(t, f.m.Untrack(0))

	pt := pageTable{}
	pt.mapRange(testVAddr, ChunkSize, f.base)
	assert.False(t, f.m.IsMappable(pt, testVAddr))
}

func TestMap_CommitFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Track(0, testAlloc))

	pt := pageTable{}
	pt.mapRange(testVAddr, 2*ChunkSize, f.base)

	f.fake.FailNext("commit", errors.New("boom"))
	res, err := f.m.Map(f.w, pt, testVAddr, 2*ChunkSize)
	require.Error(t, err)

	var verr *vmem.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "commit", verr.Op)
	assert.Equal(t, Result{}, res)
	assert.False(t, f.w.IsMapped(testVAddr))
	assert.False(t, f.w.IsMapped(testVAddr+ChunkSize))
}

func TestUnmap(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Track(0, testAlloc))

	pt := pageTable{}
	pt.mapRange(testVAddr, 4*ChunkSize, f.base)
	_, err := f.m.Map(f.w, pt, testVAddr, 4*ChunkSize)
	require.NoError(t, err)
	require.Equal(t, 4, f.w.Committed())

	res, err := f.m.Unmap(f.w, testVAddr+ChunkSize, 2*ChunkSize)
	require.NoError(t, err)
	assert.Equal(t, Result{Reverted: 2}, res)
	assert.True(t, f.w.IsMapped(testVAddr))
	assert.False(t, f.w.IsMapped(testVAddr+ChunkSize))
	assert.False(t, f.w.IsMapped(testVAddr+2*ChunkSize))
	assert.True(t, f.w.IsMapped(testVAddr+3*ChunkSize))
	assert.Equal(t, 2, f.fake.Views())

	// Unmapping chunks without views touches nothing.
	before := f.fake.CountCalls("revert")
	res, err = f.m.Unmap(f.w, testVAddr+ChunkSize, 2*ChunkSize)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, before, f.fake.CountCalls("revert"))
}

func TestRevertOwnedBy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Track(0, 0x100000))
	require.NoError(t, f.m.Track(0x100000, 0x200000))

	pt := pageTable{}
	pt.mapRange(testVAddr, ChunkSize, f.base)
	pt.mapRange(testVAddr+ChunkSize, ChunkSize, f.base+0x100000)
	_, err := f.m.Map(f.w, pt, testVAddr, 2*ChunkSize)
	require.NoError(t, err)
	require.Equal(t, 2, f.w.Committed())

	res, err := f.m.RevertOwnedBy(f.w, 0x100000, 0x200000)
	require.NoError(t, err)
	assert.Equal(t, Result{Reverted: 1}, res)
	assert.True(t, f.w.IsMapped(testVAddr))
	assert.False(t, f.w.IsMapped(testVAddr+ChunkSize))
}

func TestRelease(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Track(0, testAlloc))

	pt := pageTable{}
	pt.mapRange(testVAddr, 3*ChunkSize, f.base)
	_, err := f.m.Map(f.w, pt, testVAddr, 3*ChunkSize)
	require.NoError(t, err)

	require.NoError(t, f.m.Release(f.w))
	assert.True(t, f.w.Released())
	assert.Zero(t, f.fake.Views())
	assert.Zero(t, f.fake.Windows())

	require.NoError(t, f.m.Release(f.w))
	assert.Equal(t, 1, f.fake.CountCalls("release"))

	_, err = f.m.Map(f.w, pt, testVAddr, ChunkSize)
	assert.ErrorIs(t, err, ErrReleased)
	_, err = f.m.Unmap(f.w, testVAddr, ChunkSize)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestRelease_RevertFailureKeepsWindow(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Track(0, testAlloc))

	pt := pageTable{}
	pt.mapRange(testVAddr, ChunkSize, f.base)
	_, err := f.m.Map(f.w, pt, testVAddr, ChunkSize)
	require.NoError(t, err)

	f.fake.FailNext("revert", errors.New("boom"))
	require.Error(t, f.m.Release(f.w))
	assert.False(t, f.w.Released())
	assert.Equal(t, 1, f.fake.Windows())

	require.NoError(t, f.m.Release(f.w))
	assert.Zero(t, f.fake.Windows())
}
