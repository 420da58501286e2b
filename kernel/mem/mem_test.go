package mem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/machine"
)

const testMiB = 16

func testinfo() *defs.Bootinfo_t {
	total := uint64(testMiB) << 20
	return &defs.Bootinfo_t{
		MemorySizeKiB: testMiB * 1024,
		Memblocks: []defs.Memblock_t{
			{Base: 0x0, Length: 0x9F000, Type: defs.MEM_AVAILABLE},
			{Base: 0x9F000, Length: 0x61000, Type: defs.MEM_RESERVED},
			{Base: 0x100000, Length: 0x400000, Type: defs.MEM_RESERVED},
			{Base: 0x500000, Length: total - 0x500000, Type: defs.MEM_AVAILABLE},
		},
	}
}

func mkphys(t *testing.T) (*machine.Machine_t, *Physmem_t) {
	t.Helper()
	m := machine.MkMachine(testMiB * 1024)
	require.Equal(t, defs.Err_t(0), Phys_init(m, testinfo()))
	return m, Physmem
}

func TestInitCounts(t *testing.T) {
	_, phys := mkphys(t)
	require.Equal(t, uint32(testMiB*1024/4), phys.TotalFrames())
	require.Equal(t, phys.TotalFrames(), phys.FreeCount()+phys.UsedCount())
	// the bitmap landed in the first available region and reserved
	// itself
	require.Equal(t, defs.Pa_t(0), phys.BitmapBase())
}

func TestInitNoRoom(t *testing.T) {
	m := machine.MkMachine(testMiB * 1024)
	bi := testinfo()
	for i := range bi.Memblocks {
		bi.Memblocks[i].Type = defs.MEM_RESERVED
	}
	require.Equal(t, -defs.ENOMEM, Phys_init(m, bi))
}

func TestBitmapReservedAppended(t *testing.T) {
	m := machine.MkMachine(testMiB * 1024)
	bi := testinfo()
	n := len(bi.Memblocks)
	require.Equal(t, defs.Err_t(0), Phys_init(m, bi))
	require.Len(t, bi.Memblocks, n+1)
	require.Equal(t, defs.MEM_RESERVED, bi.Memblocks[n].Type)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	_, phys := mkphys(t)
	free0 := phys.FreeCount()

	p, ok := phys.AllocOne()
	require.True(t, ok)
	require.Zero(t, uint32(p)%defs.PGSIZE)
	require.Equal(t, free0-1, phys.FreeCount())

	phys.FreeOne(p)
	require.Equal(t, free0, phys.FreeCount())
	require.Equal(t, phys.TotalFrames(), phys.FreeCount()+phys.UsedCount())

	// the next allocation hands out the same frame again
	p2, ok := phys.AllocOne()
	require.True(t, ok)
	require.Equal(t, p, p2)
}

func TestDoubleFreeIsIgnored(t *testing.T) {
	_, phys := mkphys(t)
	p, ok := phys.AllocOne()
	require.True(t, ok)
	phys.FreeOne(p)
	free0 := phys.FreeCount()
	phys.FreeOne(p)
	require.Equal(t, free0, phys.FreeCount())
	require.Equal(t, phys.TotalFrames(), phys.FreeCount()+phys.UsedCount())
}

func TestAllocContiguous(t *testing.T) {
	_, phys := mkphys(t)
	free0 := phys.FreeCount()

	p, ok := phys.AllocContiguous(8)
	require.True(t, ok)
	require.Equal(t, free0-8, phys.FreeCount())
	for i := uint32(0); i < 8; i++ {
		require.True(t, phys.used(uint32(p)/defs.PGSIZE+i))
	}
	phys.FreeMany(p, 8)
	require.Equal(t, free0, phys.FreeCount())
}

func TestAllocContiguousRestartsAfterHole(t *testing.T) {
	_, phys := mkphys(t)
	a, ok := phys.AllocOne()
	require.True(t, ok)
	hole, ok := phys.AllocOne()
	require.True(t, ok)
	b, ok := phys.AllocOne()
	require.True(t, ok)
	_ = a
	_ = b
	phys.FreeOne(hole)

	// a single-frame hole cannot satisfy a two-frame run
	p, ok := phys.AllocContiguous(2)
	require.True(t, ok)
	require.NotEqual(t, hole, p)
}

func TestSingleRegionRoundTrip(t *testing.T) {
	// one available megabyte at 0x100000, bitmap placed at its base
	m := machine.MkMachine(2 * 1024)
	bi := &defs.Bootinfo_t{
		MemorySizeKiB: 2 * 1024,
		Memblocks: []defs.Memblock_t{
			{Base: 0x100000, Length: 0x100000, Type: defs.MEM_AVAILABLE},
		},
	}
	require.Equal(t, defs.Err_t(0), Phys_init(m, bi))
	phys := Physmem
	require.Equal(t, defs.Pa_t(0x100000), phys.BitmapBase())

	before := make([]uint8, phys.bitmapBytes)
	copy(before, m.Phys(phys.bitmap, int(phys.bitmapBytes)))
	free0 := phys.FreeCount()

	p, ok := phys.AllocOne()
	require.True(t, ok)
	phys.FreeOne(p)

	require.Equal(t, free0, phys.FreeCount())
	require.Equal(t, before, []uint8(m.Phys(phys.bitmap, int(phys.bitmapBytes))))
}

func TestAllocContiguousBounds(t *testing.T) {
	_, phys := mkphys(t)
	free0 := phys.FreeCount()

	// zero frames: an address comes back, nothing changes
	_, ok := phys.AllocContiguous(0)
	require.True(t, ok)
	require.Equal(t, free0, phys.FreeCount())

	_, ok = phys.AllocContiguous(phys.FreeCount() + 1)
	require.False(t, ok)
	require.Equal(t, free0, phys.FreeCount())
}
