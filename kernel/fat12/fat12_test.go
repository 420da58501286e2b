package fat12_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ZanovelloAlberto/Novix/kernel/boot"
	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/fat12"
	"github.com/ZanovelloAlberto/Novix/kernel/machine"
	"github.com/ZanovelloAlberto/Novix/kernel/ustr"
	"github.com/ZanovelloAlberto/Novix/kernel/vfs"
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

func kernelData() []byte {
	data := make([]byte, 5000)
	for i := range data {
		data[i] = uint8(i*13 + 7)
	}
	return data
}

func testimg() []byte {
	return fat12.MkImage(
		[]fat12.Mkfile_t{
			{Name: "MOTD.TXT", Data: []byte("hello from the floppy\n")},
			{Name: "KERNEL.BIN", Data: kernelData()},
			{Name: "FOO.TXT", Data: []byte("second filesystem speaking")},
		},
		[]fat12.Mkdir_t{
			{Name: "MNT", Files: nil},
			{Name: "BOOT", Files: []fat12.Mkfile_t{
				{Name: "README.TXT", Data: []byte("boot directory readme")},
			}},
		})
}

func bootimg(t *testing.T, img []byte) *boot.Kernel_t {
	t.Helper()
	m := machine.MkMachine(testMiB * 1024)
	machine.AttachE9(m, nil)
	machine.AttachKbd(m)
	machine.AttachFdc(m, bytes.NewReader(img))
	k, err := boot.Start(m, testinfo())
	require.Equal(t, defs.Err_t(0), err)
	require.NotNil(t, k.Fat)
	return k
}

func TestToFatName(t *testing.T) {
	got := fat12.ToFatName(ustr.Ustr("kernel.bin"))
	require.Equal(t, "KERNEL  BIN", string(got[:]))
	got = fat12.ToFatName(ustr.Ustr("a.b"))
	require.Equal(t, "A       B  ", string(got[:]))
	got = fat12.ToFatName(ustr.Ustr("NOEXT"))
	require.Equal(t, "NOEXT      ", string(got[:]))
	got = fat12.ToFatName(ustr.Ustr("longerthan8.txt"))
	require.Equal(t, "LONGERTHTXT", string(got[:]))
}

func TestLookupCachesVnodes(t *testing.T) {
	k := bootimg(t, testimg())

	vn, err := k.Vfs.Namei(ustr.Ustr("/kernel.bin"))
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, vfs.VREG, vn.Vtype)
	require.NotZero(t, k.Fat.InodeFirstCluster(vn))

	again, err := k.Vfs.Namei(ustr.Ustr("/KERNEL.BIN"))
	require.Equal(t, defs.Err_t(0), err)
	require.Same(t, vn, again)
}

func TestLookupMissing(t *testing.T) {
	k := bootimg(t, testimg())
	_, err := k.Vfs.Namei(ustr.Ustr("/nope.txt"))
	require.Equal(t, -defs.ENOENT, err)
	_, err = k.Vfs.Namei(ustr.Ustr("relative"))
	require.Equal(t, -defs.ENOENT, err)
}

func TestReadWholeFile(t *testing.T) {
	k := bootimg(t, testimg())
	want := kernelData()

	fd := k.Vfs.Open(ustr.Ustr("/kernel.bin"), vfs.O_RDONLY)
	require.GreaterOrEqual(t, fd, 4)

	var got []byte
	buf := make([]uint8, 700)
	for {
		n := k.Vfs.Read(fd, buf)
		require.GreaterOrEqual(t, n, 0)
		if n == 0 {
			break
		}
		got = append(got, buf[:n]...)
	}
	require.Equal(t, defs.Err_t(0), k.Vfs.Close(fd))

	require.Equal(t, len(want), len(got))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("file contents differ (-want +got):\n%s", diff)
	}
}

func TestReadPastEOF(t *testing.T) {
	k := bootimg(t, testimg())
	fd := k.Vfs.Open(ustr.Ustr("/motd.txt"), vfs.O_RDONLY)
	require.GreaterOrEqual(t, fd, 4)
	buf := make([]uint8, 4096)
	n := k.Vfs.Read(fd, buf)
	require.Equal(t, len("hello from the floppy\n"), n)
	require.Zero(t, k.Vfs.Read(fd, buf))
	k.Vfs.Close(fd)
}

func TestDirectoriesAreNotFiles(t *testing.T) {
	k := bootimg(t, testimg())

	vn, err := k.Vfs.Namei(ustr.Ustr("/boot"))
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, vfs.VDIR, vn.Vtype)

	require.Equal(t, int(-defs.EISDIR), k.Vfs.Open(ustr.Ustr("/boot"), vfs.O_RDONLY))

	// reading a directory vnode directly is refused too
	buf := make([]uint8, 16)
	require.Equal(t, int(-defs.EISDIR), vn.Ops.Read(vn, buf, 16, 0))
}

func TestLookupInSubdirectory(t *testing.T) {
	k := bootimg(t, testimg())
	fd := k.Vfs.Open(ustr.Ustr("/boot/readme.txt"), vfs.O_RDONLY)
	require.GreaterOrEqual(t, fd, 4)
	buf := make([]uint8, 64)
	n := k.Vfs.Read(fd, buf)
	require.Equal(t, "boot directory readme", string(buf[:n]))
	k.Vfs.Close(fd)

	_, err := k.Vfs.Namei(ustr.Ustr("/boot/missing.txt"))
	require.Equal(t, -defs.ENOENT, err)
}

func TestWriteNotImplemented(t *testing.T) {
	k := bootimg(t, testimg())
	fd := k.Vfs.Open(ustr.Ustr("/motd.txt"), vfs.O_RDWR)
	require.GreaterOrEqual(t, fd, 4)
	require.Zero(t, k.Vfs.Write(fd, []uint8("new content")))
	k.Vfs.Close(fd)
}

func TestMountCrossing(t *testing.T) {
	k := bootimg(t, testimg())

	// stack a second fat12 instance over /mnt
	require.Equal(t, defs.Err_t(0), k.Vfs.Mount("fat12", ustr.Ustr("/mnt")))
	require.Equal(t, []string{"fat12", "fat12"}, k.Vfs.MountList())

	// resolution crosses into the second mount's root before looking
	// up foo.txt
	fd := k.Vfs.Open(ustr.Ustr("/mnt/foo.txt"), vfs.O_RDONLY)
	require.GreaterOrEqual(t, fd, 4)
	buf := make([]uint8, 64)
	n := k.Vfs.Read(fd, buf)
	require.Equal(t, "second filesystem speaking", string(buf[:n]))
	k.Vfs.Close(fd)

	// the /mnt path now resolves to the second filesystem's root
	vn, err := k.Vfs.Namei(ustr.Ustr("/mnt"))
	require.Equal(t, defs.Err_t(0), err)
	require.NotZero(t, vn.Flags&vfs.VNODE_ROOT)

	require.Equal(t, defs.Err_t(0), k.Vfs.Unmount(ustr.Ustr("/mnt")))
	require.Equal(t, []string{"fat12"}, k.Vfs.MountList())

	vn, err = k.Vfs.Namei(ustr.Ustr("/mnt"))
	require.Equal(t, defs.Err_t(0), err)
	require.Zero(t, vn.Flags&vfs.VNODE_ROOT)
	require.Zero(t, vn.Refcount)
}

func TestUnmountRefusals(t *testing.T) {
	k := bootimg(t, testimg())
	// the root mount cannot go away
	require.Equal(t, -defs.EINVAL, k.Vfs.Unmount(ustr.Ustr("/")))
	// a plain directory is not a mount root
	require.Equal(t, -defs.EINVAL, k.Vfs.Unmount(ustr.Ustr("/boot")))
}

func TestMountRefusals(t *testing.T) {
	k := bootimg(t, testimg())
	require.Equal(t, -defs.ENOENT, k.Vfs.Mount("ext2", ustr.Ustr("/mnt")))
	require.Equal(t, -defs.ENOTDIR, k.Vfs.Mount("fat12", ustr.Ustr("/motd.txt")))
	require.Equal(t, defs.Err_t(0), k.Vfs.Mount("fat12", ustr.Ustr("/mnt")))
	// already covered
	require.Equal(t, -defs.EEXIST, k.Vfs.Mount("fat12", ustr.Ustr("/mnt")))
	k.Vfs.Unmount(ustr.Ustr("/mnt"))
}
