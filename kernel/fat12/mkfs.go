package fat12

import (
	"fmt"
	"strings"

	"github.com/ZanovelloAlberto/Novix/kernel/ustr"
	"github.com/ZanovelloAlberto/Novix/kernel/util"
)

// Floppy image builder used by the host mkfs tool and the tests. The
// geometry is the fixed 1.44 MiB layout the kernel boots from.
const (
	imgBytesPerSector = 512
	imgSecPerCluster  = 1
	imgReserved       = 1
	imgFatCount       = 2
	imgRootEntries    = 224
	imgTotalSectors   = 2880
	imgFatSize        = 9
	imgSecPerTrack    = 18
	imgHeads          = 2

	imgSize = imgTotalSectors * imgBytesPerSector
)

// / Mkfile_t is one file to place in the image.
type Mkfile_t struct {
	Name string
	Data []byte
}

// / Mkdir_t is one root-level directory and its files.
type Mkdir_t struct {
	Name  string
	Files []Mkfile_t
}

type imgbuilder_t struct {
	img     []byte
	fat     []uint16
	nextClu uint32
	rootEnt int
}

// / MkImage builds a FAT12 floppy image holding the given root files
// / and directories. It panics when the content cannot fit; the mkfs
// / tool does no size check of its own before calling it.
func MkImage(files []Mkfile_t, dirs []Mkdir_t) []byte {
	b := &imgbuilder_t{
		img:     make([]byte, imgSize),
		fat:     make([]uint16, imgFatSize*imgBytesPerSector*8/12),
		nextClu: 2,
	}
	b.fat[0] = 0xFF0
	b.fat[1] = 0xFFF
	b.bootSector()

	for _, f := range files {
		first := b.writeChain(f.Data)
		b.rootEntry(mkdirent(f.Name, 0, first, uint32(len(f.Data))))
	}
	for _, d := range dirs {
		first := b.writeDir(d)
		b.rootEntry(mkdirent(d.Name, attrDirectory, first, 0))
	}

	b.flushFat()
	return b.img
}

func (b *imgbuilder_t) bootSector() {
	bs := b.img[:imgBytesPerSector]
	copy(bs[0:], []byte{0xEB, 0x3C, 0x90})
	copy(bs[3:], "NOVIX   ")
	util.Writen(bs, 2, bpbBytesPerSector, imgBytesPerSector)
	util.Writen(bs, 1, bpbSecPerCluster, imgSecPerCluster)
	util.Writen(bs, 2, bpbReserved, imgReserved)
	util.Writen(bs, 1, bpbFatCount, imgFatCount)
	util.Writen(bs, 2, bpbRootEntries, imgRootEntries)
	util.Writen(bs, 2, bpbTotalSectors, imgTotalSectors)
	util.Writen(bs, 1, 21, 0xF0) // media type
	util.Writen(bs, 2, bpbFatSize, imgFatSize)
	util.Writen(bs, 2, 24, imgSecPerTrack)
	util.Writen(bs, 2, 26, imgHeads)
	util.Writen(bs, 1, 38, 0x29) // extended boot signature
	copy(bs[43:], "NOVIX      ")
	copy(bs[54:], "FAT12   ")
	bs[510] = 0x55
	bs[511] = 0xAA
}

func rootDirOffset() int {
	return (imgReserved + imgFatCount*imgFatSize) * imgBytesPerSector
}

func dataOffset(cluster uint32) int {
	rootBytes := imgRootEntries * direntSize
	return rootDirOffset() + rootBytes + int(cluster-2)*imgSecPerCluster*imgBytesPerSector
}

func (b *imgbuilder_t) allocCluster() uint32 {
	c := b.nextClu
	if int(c) >= len(b.fat) {
		panic("mkfs: image full")
	}
	b.nextClu++
	return c
}

// writeChain stores data in a fresh cluster chain, returning the
// first cluster (0 for empty files).
func (b *imgbuilder_t) writeChain(data []byte) uint32 {
	if len(data) == 0 {
		return 0
	}
	clusterBytes := imgSecPerCluster * imgBytesPerSector
	var first, prev uint32
	for off := 0; off < len(data); off += clusterBytes {
		c := b.allocCluster()
		if first == 0 {
			first = c
		} else {
			b.fat[prev] = uint16(c)
		}
		end := util.Min(off+clusterBytes, len(data))
		copy(b.img[dataOffset(c):], data[off:end])
		prev = c
	}
	b.fat[prev] = 0xFFF
	return first
}

// writeDir lays out one directory cluster with dot entries plus the
// directory's files.
func (b *imgbuilder_t) writeDir(d Mkdir_t) uint32 {
	clusterBytes := imgSecPerCluster * imgBytesPerSector
	if (2+len(d.Files))*direntSize > clusterBytes {
		panic(fmt.Sprintf("mkfs: directory %s does not fit one cluster", d.Name))
	}
	c := b.allocCluster()
	b.fat[c] = 0xFFF

	ents := make([]byte, 0, clusterBytes)
	ents = append(ents, mkdirent(".", attrDirectory, c, 0)...)
	ents = append(ents, mkdirent("..", attrDirectory, 0, 0)...)
	for _, f := range d.Files {
		first := b.writeChain(f.Data)
		ents = append(ents, mkdirent(f.Name, 0, first, uint32(len(f.Data)))...)
	}
	copy(b.img[dataOffset(c):], ents)
	return c
}

func (b *imgbuilder_t) rootEntry(ent []byte) {
	if b.rootEnt >= imgRootEntries {
		panic("mkfs: root directory full")
	}
	copy(b.img[rootDirOffset()+b.rootEnt*direntSize:], ent)
	b.rootEnt++
}

func mkdirent(name string, attr uint8, firstCluster, size uint32) []byte {
	ent := make([]byte, direntSize)
	var fatname [11]uint8
	if name == "." || name == ".." {
		for i := range fatname {
			fatname[i] = ' '
		}
		copy(fatname[:], name)
	} else {
		if strings.ContainsAny(name, "/\\") {
			panic(fmt.Sprintf("mkfs: bad name %q", name))
		}
		fatname = ToFatName(ustr.Ustr(name))
	}
	copy(ent[deName:], fatname[:])
	ent[deAttr] = attr
	util.Writen(ent, 2, deFirstClu, int(firstCluster))
	util.Writen(ent, 4, deSize, int(size))
	return ent
}

// flushFat packs the 12-bit entries into both FAT copies.
func (b *imgbuilder_t) flushFat() {
	raw := make([]byte, imgFatSize*imgBytesPerSector)
	for c, v := range b.fat {
		idx := c * 3 / 2
		if idx+1 >= len(raw) {
			break
		}
		if c%2 == 0 {
			raw[idx] = byte(v)
			raw[idx+1] = raw[idx+1]&0xF0 | byte(v>>8)&0x0F
		} else {
			raw[idx] = raw[idx]&0x0F | byte(v<<4)
			raw[idx+1] = byte(v >> 4)
		}
	}
	for i := 0; i < imgFatCount; i++ {
		off := (imgReserved + i*imgFatSize) * imgBytesPerSector
		copy(b.img[off:], raw)
	}
}
