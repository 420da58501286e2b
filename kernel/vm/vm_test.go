package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/machine"
	"github.com/ZanovelloAlberto/Novix/kernel/mem"
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

func mkvm(t *testing.T) (*machine.Machine_t, *Vmem_t) {
	t.Helper()
	m := machine.MkMachine(testMiB * 1024)
	require.Equal(t, defs.Err_t(0), mem.Phys_init(m, testinfo()))
	require.Equal(t, defs.Err_t(0), Vm_init(m, mem.Physmem))
	return m, Kvm
}

func TestRecursiveSelfView(t *testing.T) {
	m, kvm := mkvm(t)
	require.True(t, m.PagingEnabled())
	// the directory self-view resolves to the active directory
	self := m.ReadVirt32(defs.PDSELF + 1023*4)
	require.Equal(t, uint32(kvm.KernPdbr()), self&machine.PTE_ADDR)
}

func TestIdentityAndKernelWindows(t *testing.T) {
	m, _ := mkvm(t)
	pa, ok := m.Translate(0x1234)
	require.True(t, ok)
	require.Equal(t, defs.Pa_t(0x1234), pa)

	pa, ok = m.Translate(defs.KERNBASE + 0x42)
	require.True(t, ok)
	require.Equal(t, defs.KERNPHYSLO+0x42, pa)
}

func TestMapUnmapPage(t *testing.T) {
	m, kvm := mkvm(t)
	const va defs.Va_t = 0x10000000
	free0 := mem.Physmem.FreeCount()

	require.False(t, kvm.Mapped(va))
	require.Equal(t, defs.Err_t(0), kvm.MapPage(va, true))
	require.True(t, kvm.Mapped(va))

	// the mapping is usable memory
	want := []uint8{0xDE, 0xAD, 0xBE, 0xEF}
	require.True(t, m.WriteVirt(va+8, want))
	got := make([]uint8, 4)
	require.True(t, m.ReadVirt(va+8, got))
	require.Equal(t, want, got)

	// mapping twice is the same as once
	pa0, _ := m.Translate(va)
	require.Equal(t, defs.Err_t(0), kvm.MapPage(va, true))
	pa1, _ := m.Translate(va)
	require.Equal(t, pa0, pa1)

	require.Equal(t, defs.Err_t(0), kvm.UnmapPage(va))
	require.False(t, kvm.Mapped(va))
	require.Equal(t, defs.Err_t(0), kvm.UnmapTable(va, true))
	require.Equal(t, free0, mem.Physmem.FreeCount())
}

func TestRefusesRecursiveWindow(t *testing.T) {
	_, kvm := mkvm(t)
	require.Equal(t, -defs.EINVAL, kvm.MapPage(defs.RECWIN, true))
	require.Equal(t, -defs.EINVAL, kvm.MapPage(defs.PDSELF, true))
	require.Equal(t, -defs.EINVAL, kvm.MapTable(0xFFD00000, true))
	require.Equal(t, -defs.EINVAL, kvm.UnmapPage(0xFFFFF000))
}

func TestAddressSpaceLifecycle(t *testing.T) {
	m, kvm := mkvm(t)
	free0 := mem.Physmem.FreeCount()

	dir, err := kvm.CreateAddressSpace()
	require.Equal(t, defs.Err_t(0), err)
	require.NotEqual(t, kvm.KernPdbr(), dir)

	// the new directory shares the kernel half and maps itself
	// recursively
	require.Equal(t, m.ReadPhys32(kvm.KernPdbr()), m.ReadPhys32(dir))
	require.Equal(t, m.ReadPhys32(kvm.KernPdbr()+768*4), m.ReadPhys32(dir+768*4))
	require.Equal(t, uint32(dir)|0x3, m.ReadPhys32(dir+1023*4))

	kvm.DestroyAddressSpace(dir)
	require.Equal(t, free0, mem.Physmem.FreeCount())
}

func TestAddressSpaceWithUserPages(t *testing.T) {
	m, kvm := mkvm(t)
	free0 := mem.Physmem.FreeCount()

	dir, err := kvm.CreateAddressSpace()
	require.Equal(t, defs.Err_t(0), err)

	// switch in, stage a user page, switch back out
	boot := m.GetPDBR()
	m.SetPDBR(dir)
	require.Equal(t, defs.Err_t(0), kvm.MapPage(defs.USERSTAGE, false))
	require.True(t, m.WriteVirt(defs.USERSTAGE, []uint8("payload")))
	m.SetPDBR(boot)

	// destruction frees the user table and its page
	kvm.DestroyAddressSpace(dir)
	require.Equal(t, free0, mem.Physmem.FreeCount())
}
