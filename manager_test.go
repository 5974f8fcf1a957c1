package guestmem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guestmem/internal/vmem"
	"github.com/hupe1980/guestmem/resource"
	"github.com/hupe1980/guestmem/testutil"
)

const (
	arenaSize = 128 << 20
	ramSize   = 64 << 20
	testVAddr = VAddr(0x00100000)
)

func newNative(t *testing.T, opts ...Option) (*Manager, *vmem.Fake) {
	t.Helper()

	fake := vmem.NewFake()
	opts = append([]Option{WithStrategy(StrategyNative), WithPlatform(fake)}, opts...)
	m, err := New(arenaSize, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, fake
}

func newGeneric(t *testing.T, opts ...Option) *Manager {
	t.Helper()

	opts = append([]Option{WithStrategy(StrategyGeneric)}, opts...)
	m, err := New(arenaSize, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNew_InvalidSize(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = New(-1)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestNew_RoundsToPage(t *testing.T) {
	m, err := New(PageSize+1, WithStrategy(StrategyGeneric))
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 2*PageSize, m.Size())
	assert.Len(t, m.Bytes(), 2*PageSize)
}

func TestNew_StrategySelection(t *testing.T) {
	t.Run("auto downgrades without capability", func(t *testing.T) {
		m, err := New(arenaSize, WithPlatform(vmem.NewUnsupportedFake("old host")))
		require.NoError(t, err)
		defer m.Close()

		assert.Equal(t, StrategyGeneric, m.Strategy())
		assert.False(t, m.Capability().Supported())
		assert.Equal(t, "unsupported: old host", m.Capability().String())
	})

	t.Run("auto downgrades when setup fails", func(t *testing.T) {
		fake := vmem.NewFake()
		fake.FailNext("create", errors.New("no memfd"))

		m, err := New(arenaSize, WithPlatform(fake))
		require.NoError(t, err)
		defer m.Close()

		assert.Equal(t, StrategyGeneric, m.Strategy())
		assert.True(t, m.Capability().Supported())
	})

	t.Run("native requires capability", func(t *testing.T) {
		_, err := New(arenaSize,
			WithStrategy(StrategyNative),
			WithPlatform(vmem.NewUnsupportedFake("old host")),
		)
		assert.ErrorIs(t, err, ErrFastmemUnsupported)
	})

	t.Run("native", func(t *testing.T) {
		m, _ := newNative(t)
		assert.Equal(t, StrategyNative, m.Strategy())
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := New(arenaSize, WithStrategy(Strategy(42)))
		assert.Error(t, err)
	})
}

func TestStrategy_String(t *testing.T) {
	assert.Equal(t, "auto", StrategyAuto.String())
	assert.Equal(t, "generic", StrategyGeneric.String())
	assert.Equal(t, "native", StrategyNative.String())
	assert.Equal(t, "unknown", Strategy(9).String())
}

func TestAllocate_NonOverlappingAndOrdered(t *testing.T) {
	native, _ := newNative(t)
	for _, m := range []*Manager{newGeneric(t), native} {
		t.Run(m.Strategy().String(), func(t *testing.T) {
			rng := testutil.NewRNG(4711)

			var prev *BackingMemory
			for _, size := range rng.AllocationSizes(64, 32) {
				bm, err := m.Allocate(size)
				require.NoError(t, err)

				assert.GreaterOrEqual(t, bm.Size(), size)
				assert.Zero(t, bm.Size()%PageSize)
				assert.Zero(t, bm.Pointer()%PageSize)
				if prev != nil {
					assert.Equal(t, prev.Ref()+MemoryRef(prev.Size()), bm.Ref())
				}
				prev = bm
			}
			assert.Equal(t, int(prev.Ref())+prev.Size(), m.Used())
			assert.Equal(t, 64, m.Stats().Allocations)
		})
	}
}

func TestAllocate_Capacity(t *testing.T) {
	m := newGeneric(t)

	_, err := m.Allocate(ramSize)
	require.NoError(t, err)
	_, err = m.Allocate(ramSize)
	require.NoError(t, err)

	_, err = m.Allocate(1)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	var ce *CapacityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Requested)
	assert.Equal(t, arenaSize, ce.Used)
	assert.Equal(t, arenaSize, ce.Total)

	_, err = m.Allocate(0)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestBackingMemory_Bytes(t *testing.T) {
	m := newGeneric(t)

	_, err := m.Allocate(PageSize)
	require.NoError(t, err)
	bm, err := m.Allocate(2 * PageSize)
	require.NoError(t, err)

	b := bm.Bytes()
	require.Len(t, b, 2*PageSize)
	copy(b, testutil.Pattern(len(b), 7))

	arena := m.Bytes()
	assert.True(t, testutil.IsPattern(arena[PageSize:3*PageSize], 7))

	require.NoError(t, bm.Release())
	require.NoError(t, bm.Release())
	assert.True(t, bm.Released())
	assert.Nil(t, bm.Bytes())
}

func TestRefForPointer_RoundTrip(t *testing.T) {
	m := newGeneric(t)
	base := m.PointerForRef(0)
	require.NotZero(t, base)

	rng := testutil.NewRNG(1)
	seen := make(map[MemoryRef]bool)
	for range 1000 {
		p := base + uintptr(rng.Intn(arenaSize))
		ref := m.RefForPointer(p)
		require.True(t, ref.Valid(arenaSize))
		assert.Equal(t, p, m.PointerForRef(ref))
		seen[ref] = true
	}
	assert.Equal(t, MemoryRef(0), m.RefForPointer(base))
	assert.Equal(t, MemoryRef(arenaSize-1), m.RefForPointer(base+arenaSize-1))

	assert.Equal(t, InvalidMemoryRef, m.RefForPointer(base+arenaSize))
	assert.Equal(t, InvalidMemoryRef, m.RefForPointer(base-1))
	assert.Equal(t, InvalidMemoryRef, m.RefForPointer(0))

	assert.Zero(t, m.PointerForRef(InvalidMemoryRef))
	assert.Zero(t, m.PointerForRef(arenaSize))
}

func TestClose_WaitsForHandles(t *testing.T) {
	m, err := New(arenaSize, WithStrategy(StrategyGeneric))
	require.NoError(t, err)

	bm, err := m.Allocate(PageSize)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	// The handle still sees live memory.
	b := bm.Bytes()
	require.Len(t, b, PageSize)
	b[0] = 0xAB
	assert.NotNil(t, m.Bytes())

	_, err = m.Allocate(PageSize)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.AllocateFastmemRegion()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Map(NewPageTable(), 0, bm.Pointer(), PageSize), ErrClosed)

	require.NoError(t, bm.Release())
	assert.Nil(t, m.Bytes())
}

func TestClose_NativeRegionOutlivesManager(t *testing.T) {
	fake := vmem.NewFake()
	m, err := New(arenaSize, WithStrategy(StrategyNative), WithPlatform(fake))
	require.NoError(t, err)

	r, err := m.AllocateFastmemRegion()
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.Equal(t, 1, fake.Windows())
	assert.NotNil(t, m.Bytes())

	require.NoError(t, r.Release())
	assert.Zero(t, fake.Windows())
	assert.Nil(t, m.Bytes())
}

func TestResourceController(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: arenaSize})

	m, err := New(arenaSize, WithStrategy(StrategyNative), WithPlatform(vmem.NewFake()), WithResourceController(rc))
	require.NoError(t, err)
	assert.Equal(t, int64(arenaSize), rc.MemoryUsage())

	_, err = m.AllocateFastmemRegion()
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	_, err = New(arenaSize, WithStrategy(StrategyGeneric), WithResourceController(rc))
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	require.NoError(t, m.Close())
	assert.Zero(t, rc.MemoryUsage())
}

func TestResourceController_ChargesRegions(t *testing.T) {
	rc := resource.NewController(resource.Config{})
	m, _ := newNative(t, WithResourceController(rc))

	r, err := m.AllocateFastmemRegion()
	require.NoError(t, err)
	assert.Equal(t, int64(arenaSize)+int64(FastmemRegionSize), rc.MemoryUsage())

	require.NoError(t, r.Release())
	assert.Equal(t, int64(arenaSize), rc.MemoryUsage())
}

func TestMemoryRef(t *testing.T) {
	assert.Equal(t, "MemoryRef(invalid)", InvalidMemoryRef.String())
	assert.Equal(t, "MemoryRef(0x1000)", MemoryRef(0x1000).String())

	b, err := MemoryRef(0x1234).MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x34, 0x12, 0, 0, 0, 0, 0, 0}, b)

	var r MemoryRef
	require.NoError(t, r.UnmarshalBinary(b))
	assert.Equal(t, MemoryRef(0x1234), r)

	b, _ = InvalidMemoryRef.MarshalBinary()
	require.NoError(t, r.UnmarshalBinary(b))
	assert.Equal(t, InvalidMemoryRef, r)

	assert.Error(t, r.UnmarshalBinary([]byte{1, 2, 3}))

	assert.True(t, MemoryRef(0).Valid(1))
	assert.False(t, MemoryRef(1).Valid(1))
	assert.False(t, InvalidMemoryRef.Valid(1))
}
