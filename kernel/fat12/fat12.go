// Package fat12 reads FAT12 floppies for the VFS: boot sector and FAT
// are pulled in at mount, vnodes are resolved by walking the root
// directory and cluster chains, and file contents stream through the
// per-mount cluster buffer. Writing is not implemented.
package fat12

import (
	"github.com/sirupsen/logrus"

	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/fdc"
	"github.com/ZanovelloAlberto/Novix/kernel/heap"
	"github.com/ZanovelloAlberto/Novix/kernel/limits"
	"github.com/ZanovelloAlberto/Novix/kernel/machine"
	"github.com/ZanovelloAlberto/Novix/kernel/ustr"
	"github.com/ZanovelloAlberto/Novix/kernel/util"
	"github.com/ZanovelloAlberto/Novix/kernel/valloc"
	"github.com/ZanovelloAlberto/Novix/kernel/vfs"
)

var flog = logrus.WithField("sub", "fat12")

const (
	attrDirectory uint8 = 0x10
	attrVolumeID  uint8 = 0x08

	direntSize = 32

	// cluster chain terminator
	chainEnd = 0xFF8
)

// 32-byte directory entry offsets
const (
	deName     = 0
	deAttr     = 11
	deFirstClu = 26
	deSize     = 28
)

// boot-sector BPB offsets
const (
	bpbBytesPerSector = 11
	bpbSecPerCluster  = 13
	bpbReserved       = 14
	bpbFatCount       = 16
	bpbRootEntries    = 17
	bpbTotalSectors   = 19
	bpbFatSize        = 22
)

// inode_t points at the heap-owned copy of the on-disk directory
// entry.
type inode_t struct {
	va defs.Va_t
}

type fsinfo_t struct {
	vnodes []*vfs.Vnode_t
	root   *vfs.Vnode_t

	bootsect   defs.Va_t // heap copy of sector 0
	fat        defs.Va_t // vmalloc'd file allocation table
	clusterbuf defs.Va_t // heap scratch, one cluster

	bps         uint32
	spc         uint32
	reserved    uint32
	fats        uint32
	rootEntries uint32
	fatSize     uint32
}

func (fi *fsinfo_t) clusterBytes() uint32 {
	return fi.spc * fi.bps
}

func (fi *fsinfo_t) rootDirSectors() uint32 {
	return fi.rootEntries * direntSize / fi.bps
}

func (fi *fsinfo_t) rootDirLba() uint32 {
	return fi.reserved + fi.fatSize*fi.fats
}

func (fi *fsinfo_t) clusterToLba(cluster uint32) uint32 {
	return fi.rootDirLba() + fi.rootDirSectors() + (cluster-2)*fi.spc
}

// / Fat12_t is the driver; one instance can back several mounts, each
// / with its own fsinfo in the mount's private slot.
type Fat12_t struct {
	m    *machine.Machine_t
	h    *heap.Heap_t
	kva  *valloc.Valloc_t
	disk *fdc.Fdc_t
}

// / MkFat12 builds a driver over the floppy.
func MkFat12(m *machine.Machine_t, h *heap.Heap_t, kva *valloc.Valloc_t, disk *fdc.Fdc_t) *Fat12_t {
	return &Fat12_t{m: m, h: h, kva: kva, disk: disk}
}

func (fs *Fat12_t) Fsname() string {
	return "fat12"
}

// / Mount reads the boot sector and the whole FAT into kernel memory
// / and builds the root vnode.
func (fs *Fat12_t) Mount(mnt *vfs.Mount_t) defs.Err_t {
	fi := &fsinfo_t{
		vnodes: make([]*vfs.Vnode_t, limits.Syslimit.VnodesPerFS),
	}

	sec := make([]uint8, 512)
	if err := fs.disk.ReadSectors(sec, 0, 1); err != 0 {
		flog.Errorf("mount: boot sector read failed: %v", err)
		return -defs.EERROR
	}
	fi.bps = uint32(util.Readn(sec, 2, bpbBytesPerSector))
	fi.spc = uint32(util.Readn(sec, 1, bpbSecPerCluster))
	fi.reserved = uint32(util.Readn(sec, 2, bpbReserved))
	fi.fats = uint32(util.Readn(sec, 1, bpbFatCount))
	fi.rootEntries = uint32(util.Readn(sec, 2, bpbRootEntries))
	fi.fatSize = uint32(util.Readn(sec, 2, bpbFatSize))
	if fi.bps == 0 || fi.spc == 0 || fi.fatSize == 0 {
		flog.Error("mount: boot sector is not FAT12")
		return -defs.EERROR
	}

	fi.bootsect = fs.h.Kmalloc(512)
	if fi.bootsect == 0 {
		return -defs.ENOMEM
	}
	fs.m.WriteVirt(fi.bootsect, sec)

	fatBytes := fi.fatSize * fi.bps
	fi.fat = fs.kva.VmallocBytes(fatBytes)
	if fi.fat == 0 {
		fs.h.Kfree(fi.bootsect)
		return -defs.ENOMEM
	}
	fatbuf := make([]uint8, fatBytes)
	if err := fs.disk.ReadSectors(fatbuf, fi.reserved, fi.fatSize); err != 0 {
		fs.h.Kfree(fi.bootsect)
		fs.kva.Vfree(fi.fat)
		flog.Errorf("mount: FAT read failed: %v", err)
		return -defs.EERROR
	}
	fs.m.WriteVirt(fi.fat, fatbuf)

	fi.clusterbuf = fs.h.Kmalloc(fi.clusterBytes())
	if fi.clusterbuf == 0 {
		fs.h.Kfree(fi.bootsect)
		fs.kva.Vfree(fi.fat)
		return -defs.ENOMEM
	}

	fi.root = &vfs.Vnode_t{
		Vtype: vfs.VDIR,
		Flags: vfs.VNODE_ROOT,
		Ops:   fs,
		Mount: mnt,
	}

	mnt.Private = fi
	return 0
}

// / Unmount drops every buffer and cached vnode of the mount.
func (fs *Fat12_t) Unmount(mnt *vfs.Mount_t) defs.Err_t {
	fi := mnt.Private.(*fsinfo_t)
	for i, vn := range fi.vnodes {
		if vn != nil {
			fs.h.Kfree(vn.Private.(*inode_t).va)
			fi.vnodes[i] = nil
		}
	}
	fs.h.Kfree(fi.bootsect)
	fs.h.Kfree(fi.clusterbuf)
	fs.kva.Vfree(fi.fat)
	mnt.Private = nil
	return 0
}

func (fs *Fat12_t) GetRoot(mnt *vfs.Mount_t) (*vfs.Vnode_t, defs.Err_t) {
	fi := mnt.Private.(*fsinfo_t)
	return fi.root, 0
}

//
// cluster chain
//

// nextCluster decodes the 12-bit FAT entry for cluster.
func (fs *Fat12_t) nextCluster(fi *fsinfo_t, cluster uint32) uint32 {
	idx := cluster * 3 / 2
	var pair [2]uint8
	if !fs.m.ReadVirt(fi.fat+defs.Va_t(idx), pair[:]) {
		panic("FAT buffer unmapped")
	}
	word := uint32(pair[0]) | uint32(pair[1])<<8
	if cluster%2 == 0 {
		return word & 0x0FFF
	}
	return word >> 4
}

// loadCluster pulls one cluster into the per-mount scratch buffer.
func (fs *Fat12_t) loadCluster(fi *fsinfo_t, cluster uint32) defs.Err_t {
	buf := make([]uint8, fi.clusterBytes())
	if err := fs.disk.ReadSectors(buf, fi.clusterToLba(cluster), fi.spc); err != 0 {
		return err
	}
	fs.m.WriteVirt(fi.clusterbuf, buf)
	return 0
}

//
// inode access through the heap copies
//

func (fs *Fat12_t) entryName(va defs.Va_t) [11]uint8 {
	var name [11]uint8
	fs.m.ReadVirt(va+deName, name[:])
	return name
}

func (fs *Fat12_t) entryAttr(va defs.Va_t) uint8 {
	var b [1]uint8
	fs.m.ReadVirt(va+deAttr, b[:])
	return b[0]
}

func (fs *Fat12_t) entryFirstCluster(va defs.Va_t) uint32 {
	var b [2]uint8
	fs.m.ReadVirt(va+deFirstClu, b[:])
	return uint32(b[0]) | uint32(b[1])<<8
}

func (fs *Fat12_t) entryFileSize(va defs.Va_t) uint32 {
	var b [4]uint8
	fs.m.ReadVirt(va+deSize, b[:])
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// / InodeFirstCluster exposes the first cluster of a vnode's inode,
// / for the tests.
func (fs *Fat12_t) InodeFirstCluster(vn *vfs.Vnode_t) uint32 {
	return fs.entryFirstCluster(vn.Private.(*inode_t).va)
}

//
// name handling
//

// / ToFatName converts a path component to the 11-byte padded
// / uppercase 8.3 form.
func ToFatName(name ustr.Ustr) [11]uint8 {
	var out [11]uint8
	for i := range out {
		out[i] = ' '
	}
	dot := name.IndexByte('.')
	base := name
	var ext ustr.Ustr
	if dot >= 0 {
		base = name[:dot]
		ext = name[dot+1:]
	}
	up := func(c uint8) uint8 {
		if c >= 'a' && c <= 'z' {
			return c - 'a' + 'A'
		}
		return c
	}
	for i := 0; i < len(base) && i < 8; i++ {
		out[i] = up(base[i])
	}
	for i := 0; i < len(ext) && i < 3; i++ {
		out[8+i] = up(ext[i])
	}
	return out
}

//
// vnode cache
//

// createVnode returns the cached vnode for the directory entry, or
// caches a fresh one with a heap-owned copy of the entry. A full
// cache evicts the first unreferenced slot; nil when every slot is
// pinned.
func (fs *Fat12_t) createVnode(mnt *vfs.Mount_t, entry []uint8) *vfs.Vnode_t {
	fi := mnt.Private.(*fsinfo_t)

	var want [11]uint8
	copy(want[:], entry[deName:deName+11])
	for _, vn := range fi.vnodes {
		if vn != nil && fs.entryName(vn.Private.(*inode_t).va) == want {
			return vn
		}
	}

	va := fs.h.Kmalloc(direntSize)
	if va == 0 {
		return nil
	}
	fs.m.WriteVirt(va, entry[:direntSize])

	vn := &vfs.Vnode_t{
		Ops:     fs,
		Mount:   mnt,
		Private: &inode_t{va: va},
	}
	if entry[deAttr]&attrDirectory != 0 {
		vn.Vtype = vfs.VDIR
	} else {
		vn.Vtype = vfs.VREG
	}

	for i, old := range fi.vnodes {
		if old == nil {
			fi.vnodes[i] = vn
			return vn
		}
		if old.Refcount <= 0 && old.Mountedhere == nil {
			fs.h.Kfree(old.Private.(*inode_t).va)
			fi.vnodes[i] = vn
			if mnt.Vfs != nil {
				mnt.Vfs.NamecacheClear()
			}
			return vn
		}
	}

	fs.h.Kfree(va)
	return nil
}

//
// vnode ops
//

func (fs *Fat12_t) Lookup(dir *vfs.Vnode_t, name ustr.Ustr) (*vfs.Vnode_t, defs.Err_t) {
	if dir.Vtype != vfs.VDIR {
		return nil, -defs.ENOTDIR
	}
	fi := dir.Mount.Private.(*fsinfo_t)
	want := ToFatName(name)

	var entry [direntSize]uint8
	found := false

	if dir.Flags&vfs.VNODE_ROOT != 0 {
		sec := make([]uint8, fi.bps)
		perSector := int(fi.bps) / direntSize
		for s := uint32(0); s < fi.rootDirSectors() && !found; s++ {
			if err := fs.disk.ReadSectors(sec, fi.rootDirLba()+s, 1); err != 0 {
				return nil, err
			}
			for e := 0; e < perSector; e++ {
				off := e * direntSize
				if fatnameEq(sec[off:off+11], want) {
					copy(entry[:], sec[off:off+direntSize])
					found = true
					break
				}
			}
		}
	} else {
		cluster := fs.entryFirstCluster(dir.Private.(*inode_t).va)
		perCluster := int(fi.clusterBytes()) / direntSize
		for cluster < chainEnd && !found {
			if err := fs.loadCluster(fi, cluster); err != 0 {
				return nil, err
			}
			for e := 0; e < perCluster; e++ {
				off := defs.Va_t(e * direntSize)
				var cand [direntSize]uint8
				fs.m.ReadVirt(fi.clusterbuf+off, cand[:])
				if fatnameEq(cand[:11], want) {
					entry = cand
					found = true
					break
				}
			}
			cluster = fs.nextCluster(fi, cluster)
		}
	}

	if !found {
		return nil, -defs.ENOENT
	}
	vn := fs.createVnode(dir.Mount, entry[:])
	if vn == nil {
		return nil, -defs.ENOENT
	}
	return vn, 0
}

func fatnameEq(a []uint8, b [11]uint8) bool {
	for i := 0; i < 11; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (fs *Fat12_t) Read(node *vfs.Vnode_t, buf []uint8, size, offset uint32) int {
	if node.Vtype != vfs.VREG {
		return int(-defs.EISDIR)
	}
	fi := node.Mount.Private.(*fsinfo_t)
	ino := node.Private.(*inode_t)

	fileSize := fs.entryFileSize(ino.va)
	if offset >= fileSize {
		return 0
	}
	if offset+size > fileSize {
		size = fileSize - offset
	}

	clusterBytes := fi.clusterBytes()
	cluster := fs.entryFirstCluster(ino.va)
	skipped := offset / clusterBytes
	for i := uint32(0); i < skipped; i++ {
		cluster = fs.nextCluster(fi, cluster)
	}

	// intra-cluster offset for the first cluster only
	hypo := offset - skipped*clusterBytes
	toRead := uint32(0)
	for cluster < chainEnd && toRead < size {
		if err := fs.loadCluster(fi, cluster); err != 0 {
			return int(err)
		}
		n := clusterBytes - hypo
		if toRead+n > size {
			n = size - toRead
		}
		fs.m.ReadVirt(fi.clusterbuf+defs.Va_t(hypo), buf[toRead:toRead+n])
		toRead += n
		hypo = 0
		cluster = fs.nextCluster(fi, cluster)
	}
	return int(toRead)
}

func (fs *Fat12_t) Write(node *vfs.Vnode_t, buf []uint8, size, offset uint32) int {
	// not implemented for floppies yet
	return 0
}
