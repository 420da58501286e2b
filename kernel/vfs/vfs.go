// Package vfs maps open file descriptors to vnodes across mounted
// filesystems: a driver registry, a mount list rooted at the root
// mount, slash-separated path resolution that crosses mountpoints,
// and the fixed open-file table with the reserved console and debug
// descriptors in front.
package vfs

import (
	"github.com/sirupsen/logrus"

	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/hashtable"
	"github.com/ZanovelloAlberto/Novix/kernel/limits"
	"github.com/ZanovelloAlberto/Novix/kernel/stats"
	"github.com/ZanovelloAlberto/Novix/kernel/ustr"
)

var vfslog = logrus.WithField("sub", "vfs")

// / Vtype_t classifies a vnode.
type Vtype_t int

const (
	VNONE Vtype_t = iota
	VREG
	VDIR
)

// / VNODE_ROOT marks a filesystem root vnode.
const VNODE_ROOT uint32 = 0x1

// / Mode_t is the explicit open mode; there are no bitmask tricks.
type Mode_t int

const (
	O_RDONLY Mode_t = iota
	O_WRONLY
	O_RDWR
)

// / Vnodeops_i is the per-filesystem vnode contract. Read and Write
// / return a byte count or a negative error.
type Vnodeops_i interface {
	Read(node *Vnode_t, buf []uint8, size, offset uint32) int
	Write(node *Vnode_t, buf []uint8, size, offset uint32) int
	Lookup(dir *Vnode_t, name ustr.Ustr) (*Vnode_t, defs.Err_t)
}

// / Vnode_t is the VFS handle for a file or directory inside a mount.
type Vnode_t struct {
	Refcount    int
	Vtype       Vtype_t
	Flags       uint32
	Mountedhere *Mount_t
	Ops         Vnodeops_i
	Mount       *Mount_t
	Private     interface{}
}

// / Fsdriver_i is the filesystem driver contract.
type Fsdriver_i interface {
	Fsname() string
	Mount(mnt *Mount_t) defs.Err_t
	Unmount(mnt *Mount_t) defs.Err_t
	GetRoot(mnt *Mount_t) (*Vnode_t, defs.Err_t)
}

// / Mount_t associates a covered vnode with a driver instance. The
// / root mount covers nothing.
type Mount_t struct {
	next    *Mount_t
	Fs      Fsdriver_i
	Covered *Vnode_t
	Private interface{}
	Vfs     *Vfs_t
}

// / Console_i is the character-sink collaborator behind the reserved
// / descriptors.
type Console_i interface {
	Write(p []uint8) int
	DebugWrite(p []uint8) int
	Getchar() uint8
}

type openfile_t struct {
	vn   *Vnode_t
	mode Mode_t
	pos  uint32
}

// / Vfs_t is the filesystem switch.
type Vfs_t struct {
	registered []Fsdriver_i
	mountRoot  *Mount_t
	files      []openfile_t
	namecache  *hashtable.Hashtable_t
	console    Console_i
}

// / Vfs is the global instance.
var Vfs = &Vfs_t{}

// / Vfs_init resets the switch around the given console collaborator.
func Vfs_init(console Console_i) *Vfs_t {
	v := Vfs
	v.registered = make([]Fsdriver_i, 0, limits.Syslimit.Filesystems)
	v.mountRoot = nil
	v.files = make([]openfile_t, limits.Syslimit.Openfiles)
	v.namecache = hashtable.MkHash(limits.Syslimit.Namecache)
	v.console = console
	return v
}

// / RegisterFS adds a driver to the registry.
func (v *Vfs_t) RegisterFS(fs Fsdriver_i) defs.Err_t {
	if len(v.registered) == cap(v.registered) {
		return -defs.ENFILE
	}
	for _, r := range v.registered {
		if r.Fsname() == fs.Fsname() {
			return -defs.EEXIST
		}
	}
	v.registered = append(v.registered, fs)
	return 0
}

func (v *Vfs_t) findFS(name string) Fsdriver_i {
	for _, r := range v.registered {
		if r.Fsname() == name {
			return r
		}
	}
	return nil
}

// / NamecacheClear drops every cached resolution; drivers call it when
// / they recycle vnodes.
func (v *Vfs_t) NamecacheClear() {
	v.namecache.Clear()
}

//
// path resolution
//

// namei resolves an absolute path to its vnode, crossing mounts.
func (v *Vfs_t) namei(path ustr.Ustr) (*Vnode_t, defs.Err_t) {
	if !path.IsAbsolute() {
		return nil, -defs.ENOENT
	}
	if v.mountRoot == nil {
		return nil, -defs.ENOENT
	}

	if cached, ok := v.namecache.Get(path.String()); ok {
		return cached.(*Vnode_t), 0
	}

	cur, err := v.mountRoot.Fs.GetRoot(v.mountRoot)
	if err != 0 {
		return nil, err
	}

	rest := path
	for {
		if cur.Mountedhere != nil {
			root, err := cur.Mountedhere.Fs.GetRoot(cur.Mountedhere)
			if err != 0 {
				return nil, err
			}
			cur = root
		}
		var seg ustr.Ustr
		seg, rest = rest.Segment()
		if seg.Empty() {
			break
		}
		next, err := cur.Ops.Lookup(cur, seg)
		if err != 0 {
			return nil, -defs.ENOENT
		}
		cur = next
	}
	if cur.Mountedhere != nil {
		root, err := cur.Mountedhere.Fs.GetRoot(cur.Mountedhere)
		if err != 0 {
			return nil, err
		}
		cur = root
	}

	if v.namecache.Len() >= limits.Syslimit.Namecache {
		v.namecache.Clear()
	}
	v.namecache.Set(path.String(), cur)
	return cur, 0
}

// nameicovered resolves a path without crossing into a mount stacked
// on the final component; mount() needs the covered vnode itself.
func (v *Vfs_t) nameicovered(path ustr.Ustr) (*Vnode_t, defs.Err_t) {
	if !path.IsAbsolute() {
		return nil, -defs.ENOENT
	}
	cur, err := v.mountRoot.Fs.GetRoot(v.mountRoot)
	if err != 0 {
		return nil, err
	}
	rest := path
	for {
		var seg ustr.Ustr
		seg, rest = rest.Segment()
		if seg.Empty() {
			return cur, 0
		}
		if cur.Mountedhere != nil {
			root, err := cur.Mountedhere.Fs.GetRoot(cur.Mountedhere)
			if err != 0 {
				return nil, err
			}
			cur = root
		}
		next, err := cur.Ops.Lookup(cur, seg)
		if err != 0 {
			return nil, -defs.ENOENT
		}
		cur = next
	}
}

//
// mounting
//

// / Mount attaches the named filesystem at path. The first mount
// / becomes the root and covers nothing.
func (v *Vfs_t) Mount(fsname string, path ustr.Ustr) defs.Err_t {
	fs := v.findFS(fsname)
	if fs == nil {
		vfslog.Errorf("mount: no driver %q", fsname)
		return -defs.ENOENT
	}

	mnt := &Mount_t{Fs: fs, Vfs: v}

	if v.mountRoot == nil {
		if err := fs.Mount(mnt); err != 0 {
			vfslog.Errorf("mount: %q root mount failed: %v", fsname, err)
			return err
		}
		v.mountRoot = mnt
		v.namecache.Clear()
		return 0
	}

	vn, err := v.nameicovered(path)
	if err != 0 {
		return err
	}
	if vn.Flags&VNODE_ROOT != 0 {
		return -defs.EEXIST
	}
	if vn.Mountedhere != nil {
		return -defs.EEXIST
	}
	if vn.Vtype != VDIR {
		return -defs.ENOTDIR
	}

	vn.Refcount++
	mnt.Covered = vn
	if err := fs.Mount(mnt); err != 0 {
		vn.Refcount--
		vfslog.Errorf("mount: %q at %s failed: %v", fsname, path, err)
		return err
	}
	vn.Mountedhere = mnt

	// append to the list hanging off the root
	tail := v.mountRoot
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = mnt
	v.namecache.Clear()
	return 0
}

// / Unmount detaches the filesystem whose root the path resolves to.
// / The root mount and mounts with others stacked above them are
// / refused.
func (v *Vfs_t) Unmount(path ustr.Ustr) defs.Err_t {
	vn, err := v.namei(path)
	if err != 0 {
		return err
	}
	if vn.Flags&VNODE_ROOT == 0 {
		return -defs.EINVAL
	}
	mnt := vn.Mount
	if mnt == v.mountRoot {
		return -defs.EINVAL
	}
	for m2 := v.mountRoot; m2 != nil; m2 = m2.next {
		if m2.Covered != nil && m2.Covered.Mount == mnt {
			return -defs.EERROR
		}
	}

	covered := mnt.Covered
	covered.Mountedhere = nil
	covered.Refcount--
	if err := mnt.Fs.Unmount(mnt); err != 0 {
		vfslog.Errorf("unmount %s: driver failed: %v", path, err)
	}

	prev := v.mountRoot
	for prev.next != nil && prev.next != mnt {
		prev = prev.next
	}
	prev.next = mnt.next
	v.namecache.Clear()
	return 0
}

// / MountList returns the driver names of every mount in list order.
func (v *Vfs_t) MountList() []string {
	var out []string
	for m := v.mountRoot; m != nil; m = m.next {
		out = append(out, m.Fs.Fsname())
	}
	return out
}

//
// descriptors
//

// / Open resolves path and hands out a descriptor. Only regular files
// / can be opened.
func (v *Vfs_t) Open(path ustr.Ustr, mode Mode_t) int {
	vn, err := v.namei(path)
	if err != 0 {
		return int(err)
	}
	if vn.Vtype != VREG {
		return int(-defs.EISDIR)
	}
	for fd := 4; fd < len(v.files); fd++ {
		if v.files[fd].vn == nil {
			vn.Refcount++
			v.files[fd] = openfile_t{vn: vn, mode: mode, pos: 0}
			stats.Kstats.Vfsopens.Inc()
			return fd
		}
	}
	return int(-defs.ENFILE)
}

// / Close releases a descriptor.
func (v *Vfs_t) Close(fd int) defs.Err_t {
	if fd < 4 || fd >= len(v.files) || v.files[fd].vn == nil {
		return -defs.EBADF
	}
	v.files[fd].vn.Refcount--
	v.files[fd] = openfile_t{}
	return 0
}

// / Read fills buf from the descriptor and advances its position.
// / Descriptor 0 blocks for one key from the console collaborator.
func (v *Vfs_t) Read(fd int, buf []uint8) int {
	if fd == defs.FD_STDIN {
		if len(buf) == 0 {
			return 0
		}
		buf[0] = v.console.Getchar()
		return 1
	}
	if fd < 4 {
		return int(-defs.EBADF)
	}
	if fd >= len(v.files) || v.files[fd].vn == nil {
		return int(-defs.EBADF)
	}
	of := &v.files[fd]
	if of.mode == O_WRONLY {
		return int(-defs.EACCES)
	}
	stats.Kstats.Vfsreads.Inc()
	n := of.vn.Ops.Read(of.vn, buf, uint32(len(buf)), of.pos)
	if n > 0 {
		of.pos += uint32(n)
	}
	return n
}

// / Write sends buf to the descriptor. The reserved descriptors write
// / straight through the character sinks and never fail.
func (v *Vfs_t) Write(fd int, buf []uint8) int {
	switch fd {
	case defs.FD_STDIN:
		return int(-defs.EBADF)
	case defs.FD_STDOUT, defs.FD_STDERR:
		return v.console.Write(buf)
	case defs.FD_DEBUG:
		return v.console.DebugWrite(buf)
	}
	if fd >= len(v.files) || v.files[fd].vn == nil {
		return int(-defs.EBADF)
	}
	of := &v.files[fd]
	if of.mode == O_RDONLY {
		return int(-defs.EACCES)
	}
	n := of.vn.Ops.Write(of.vn, buf, uint32(len(buf)), of.pos)
	if n > 0 {
		of.pos += uint32(n)
	}
	return n
}

// / Namei is the exported resolution entry, used by the tests.
func (v *Vfs_t) Namei(path ustr.Ustr) (*Vnode_t, defs.Err_t) {
	return v.namei(path)
}

// / OpenCount returns the number of live dynamic descriptors.
func (v *Vfs_t) OpenCount() int {
	n := 0
	for fd := 4; fd < len(v.files); fd++ {
		if v.files[fd].vn != nil {
			n++
		}
	}
	return n
}
