package fdc_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/fat12"
	"github.com/ZanovelloAlberto/Novix/kernel/fdc"
	"github.com/ZanovelloAlberto/Novix/kernel/machine"
	"github.com/ZanovelloAlberto/Novix/kernel/mem"
	"github.com/ZanovelloAlberto/Novix/kernel/proc"
	"github.com/ZanovelloAlberto/Novix/kernel/valloc"
	"github.com/ZanovelloAlberto/Novix/kernel/vm"
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

func mkfdc(t *testing.T, img []byte) (*machine.Machine_t, *fdc.Fdc_t) {
	t.Helper()
	m := machine.MkMachine(testMiB * 1024)
	machine.AttachFdc(m, bytes.NewReader(img))
	require.Equal(t, defs.Err_t(0), mem.Phys_init(m, testinfo()))
	require.Equal(t, defs.Err_t(0), vm.Vm_init(m, mem.Physmem))
	require.Equal(t, defs.Err_t(0), valloc.Valloc_init(vm.Kvm))
	s := proc.InitMultitasking(m, vm.Kvm, valloc.Kvalloc)
	m.RegisterIRQ(0, func(*defs.Registers) { s.OnTick() })
	m.Sti()
	require.Equal(t, defs.Err_t(0), fdc.Fdc_init(m, s, mem.Physmem))
	return m, fdc.Fdc
}

func testimg() []byte {
	data := make([]byte, 4000)
	for i := range data {
		data[i] = uint8(i * 7)
	}
	return fat12.MkImage([]fat12.Mkfile_t{
		{Name: "DATA.BIN", Data: data},
	}, nil)
}

func TestReadBootSector(t *testing.T) {
	img := testimg()
	_, f := mkfdc(t, img)

	buf := make([]uint8, 512)
	require.Equal(t, defs.Err_t(0), f.ReadSectors(buf, 0, 1))
	require.Equal(t, img[:512], []byte(buf))
	require.Equal(t, uint8(0x55), buf[510])
	require.Equal(t, uint8(0xAA), buf[511])
}

func TestReadSpansTrackAndHead(t *testing.T) {
	img := testimg()
	_, f := mkfdc(t, img)

	// lba 16..20 crosses the head-0 to head-1 boundary at lba 18
	buf := make([]uint8, 5*512)
	require.Equal(t, defs.Err_t(0), f.ReadSectors(buf, 16, 5))
	require.Equal(t, img[16*512:21*512], []byte(buf))
}

func TestReadRejectsBadRequests(t *testing.T) {
	img := testimg()
	_, f := mkfdc(t, img)

	buf := make([]uint8, 512)
	canary := uint8(0xA5)
	for i := range buf {
		buf[i] = canary
	}

	require.Equal(t, -defs.EINVAL, f.ReadSectors(buf, 2880, 1))
	require.Equal(t, -defs.EINVAL, f.ReadSectors(buf, 2879, 2))
	require.Equal(t, -defs.EINVAL, f.ReadSectors(make([]uint8, 129*512), 0, 129))
	require.Equal(t, -defs.EINVAL, f.ReadSectors(buf, 0, 2))

	for _, b := range buf {
		require.Equal(t, canary, b)
	}
}

func TestReadFromProcessContext(t *testing.T) {
	img := testimg()
	m, f := mkfdc(t, img)
	s := proc.Sched
	s.EnableMultitasking()

	done := false
	s.CreateKernel(func() {
		buf := make([]uint8, 512)
		require.Equal(t, defs.Err_t(0), f.ReadSectors(buf, 1, 1))
		require.Equal(t, img[512:1024], []byte(buf))
		done = true
	})
	s.Yield()
	for i := 0; i < 10000 && !done; i++ {
		m.Tick()
	}
	require.True(t, done)
}
