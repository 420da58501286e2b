// Package heap is the kernel allocator: an sbrk-style break inside the
// fixed heap window, a doubly-linked list of block headers embedded in
// heap memory, and a size-ordered free array kept in the window's
// first page. Adjacent free blocks always coalesce; a free tail block
// is returned to the break.
package heap

import (
	"github.com/sirupsen/logrus"

	"github.com/ZanovelloAlberto/Novix/kernel/caller"
	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/machine"
	"github.com/ZanovelloAlberto/Novix/kernel/stats"
	"github.com/ZanovelloAlberto/Novix/kernel/vm"
)

var hlog = logrus.WithField("sub", "heap")

var dfree = &caller.Distinct_caller_t{Enabled: true}

// block header layout, 16 bytes packed in heap memory
const (
	hdrSize = 16
	offSize = 0 // total block size, header included
	offFree = 4
	offNext = 8
	offPrev = 12
)

// a split must leave room for a header and a minimal payload
const minSplit = hdrSize + 16

// free array page layout: count, then block addresses sorted by size
const (
	faCount   = 0
	faEntries = 4
	faMax     = (defs.PGSIZE - faEntries) / 4
)

// / Locker_i is the critical-section the heap runs under; the boot
// / sequence points it at the scheduler lock once multitasking exists.
type Locker_i interface {
	Lock()
	Unlock()
}

// / Heap_t is the kernel heap instance.
type Heap_t struct {
	m   *machine.Machine_t
	kvm *vm.Vmem_t
	lk  Locker_i

	breakStart defs.Va_t
	brk        defs.Va_t
	mappedTop  defs.Va_t

	head defs.Va_t
	tail defs.Va_t

	inited bool
}

// / Kheap is the global kernel heap.
var Kheap = &Heap_t{}

// / Heap_init reserves every page table covering the heap window, maps
// / the free-array page and starts the break right above it. The table
// / pre-reservation makes all future address spaces share the heap
// / mappings.
func Heap_init(m *machine.Machine_t, kvm *vm.Vmem_t) defs.Err_t {
	h := Kheap
	h.m = m
	h.kvm = kvm
	for va := defs.HEAPSTART; va < defs.HEAPEND; va += 4 << 20 {
		if err := kvm.MapTable(va, true); err != 0 {
			hlog.Error("heap window table reservation failed")
			return err
		}
	}
	if err := kvm.MapPage(defs.HEAPSTART, true); err != 0 {
		hlog.Error("heap cannot map its first page")
		return err
	}
	h.m.WriteVirt32(defs.HEAPSTART+faCount, 0)
	h.breakStart = defs.HEAPSTART + defs.PGSIZE
	h.brk = h.breakStart
	h.mappedTop = h.breakStart
	h.head, h.tail = 0, 0
	h.inited = true
	return 0
}

// / SetLocker installs the critical-section primitive.
func (h *Heap_t) SetLocker(lk Locker_i) {
	h.lk = lk
}

func (h *Heap_t) lock() {
	if h.lk != nil {
		h.lk.Lock()
	}
}

func (h *Heap_t) unlock() {
	if h.lk != nil {
		h.lk.Unlock()
	}
}

// header field access
func (h *Heap_t) get(b defs.Va_t, off defs.Va_t) uint32 {
	return h.m.ReadVirt32(b + off)
}

func (h *Heap_t) set(b defs.Va_t, off defs.Va_t, v uint32) {
	h.m.WriteVirt32(b+off, v)
}

func (h *Heap_t) bsize(b defs.Va_t) uint32    { return h.get(b, offSize) }
func (h *Heap_t) bfree(b defs.Va_t) bool      { return h.get(b, offFree) != 0 }
func (h *Heap_t) bnext(b defs.Va_t) defs.Va_t { return defs.Va_t(h.get(b, offNext)) }
func (h *Heap_t) bprev(b defs.Va_t) defs.Va_t { return defs.Va_t(h.get(b, offPrev)) }

//
// size-ordered free array
//

func (h *Heap_t) facount() uint32 {
	return h.m.ReadVirt32(defs.HEAPSTART + faCount)
}

func (h *Heap_t) faget(i uint32) defs.Va_t {
	return defs.Va_t(h.m.ReadVirt32(defs.HEAPSTART + faEntries + defs.Va_t(i*4)))
}

func (h *Heap_t) faset(i uint32, b defs.Va_t) {
	h.m.WriteVirt32(defs.HEAPSTART+faEntries+defs.Va_t(i*4), uint32(b))
}

// fainsert adds b keeping the array ordered by block size.
func (h *Heap_t) fainsert(b defs.Va_t) {
	n := h.facount()
	if n >= faMax {
		panic("free array overflow")
	}
	sz := h.bsize(b)
	pos := n
	for i := uint32(0); i < n; i++ {
		if h.bsize(h.faget(i)) > sz {
			pos = i
			break
		}
	}
	for i := n; i > pos; i-- {
		h.faset(i, h.faget(i-1))
	}
	h.faset(pos, b)
	h.m.WriteVirt32(defs.HEAPSTART+faCount, n+1)
}

// faremove drops b from the array.
func (h *Heap_t) faremove(b defs.Va_t) {
	n := h.facount()
	for i := uint32(0); i < n; i++ {
		if h.faget(i) == b {
			for j := i; j+1 < n; j++ {
				h.faset(j, h.faget(j+1))
			}
			h.m.WriteVirt32(defs.HEAPSTART+faCount, n-1)
			return
		}
	}
	panic("free block not in free array")
}

// fafit returns the smallest free block of at least total bytes.
func (h *Heap_t) fafit(total uint32) (defs.Va_t, bool) {
	n := h.facount()
	for i := uint32(0); i < n; i++ {
		b := h.faget(i)
		if h.bsize(b) >= total {
			return b, true
		}
	}
	return 0, false
}

//
// break management
//

// / Sbrk moves the break by delta bytes, mapping and unmapping window
// / pages as the break crosses page boundaries. Returns the pre-call
// / break. Fails with -ENOMEM above the window and -EINVAL below the
// / break start.
func (h *Heap_t) Sbrk(delta int32) (defs.Va_t, defs.Err_t) {
	old := h.brk
	nb := int64(old) + int64(delta)
	if nb > int64(defs.HEAPEND) {
		return 0, -defs.ENOMEM
	}
	if nb < int64(h.breakStart) {
		return 0, -defs.EINVAL
	}
	stats.Kstats.Sbrks.Inc()
	newbrk := defs.Va_t(nb)
	for h.mappedTop < newbrk {
		if err := h.kvm.MapPage(h.mappedTop, true); err != 0 {
			return 0, err
		}
		h.mappedTop += defs.PGSIZE
	}
	keep := h.breakStart + defs.Va_t(uint32(newbrk-h.breakStart+defs.PGSIZE-1)&defs.PGMASK)
	for h.mappedTop > keep {
		h.mappedTop -= defs.PGSIZE
		h.kvm.UnmapPage(h.mappedTop)
	}
	h.brk = newbrk
	return old, 0
}

// / Brk returns the current break.
func (h *Heap_t) Brk() defs.Va_t {
	return h.brk
}

// / BreakStart returns the lower bound of the block region.
func (h *Heap_t) BreakStart() defs.Va_t {
	return h.breakStart
}

//
// allocator
//

// / Kmalloc returns a heap pointer good for size bytes, or 0.
func (h *Heap_t) Kmalloc(size uint32) defs.Va_t {
	if size == 0 {
		return 0
	}
	h.lock()
	defer h.unlock()
	stats.Kstats.Kmallocs.Inc()

	total := size + hdrSize
	if b, ok := h.fafit(total); ok {
		h.faremove(b)
		rem := h.bsize(b) - total
		if rem >= minSplit {
			h.set(b, offSize, total)
			nb := b + defs.Va_t(total)
			h.set(nb, offSize, rem)
			h.set(nb, offFree, 1)
			h.set(nb, offNext, uint32(h.bnext(b)))
			h.set(nb, offPrev, uint32(b))
			if nxt := h.bnext(b); nxt != 0 {
				h.set(nxt, offPrev, uint32(nb))
			} else {
				h.tail = nb
			}
			h.set(b, offNext, uint32(nb))
			h.fainsert(nb)
		}
		h.set(b, offFree, 0)
		return b + hdrSize
	}

	b, err := h.Sbrk(int32(total))
	if err != 0 {
		hlog.Errorf("out of heap for %d bytes", size)
		return 0
	}
	h.set(b, offSize, total)
	h.set(b, offFree, 0)
	h.set(b, offNext, 0)
	h.set(b, offPrev, uint32(h.tail))
	if h.tail != 0 {
		h.set(h.tail, offNext, uint32(b))
	} else {
		h.head = b
	}
	h.tail = b
	return b + hdrSize
}

// / Kfree releases a pointer returned by Kmalloc. Freeing 0 is a
// / no-op; freeing anything else the heap does not own is a logged
// / programming error.
func (h *Heap_t) Kfree(ptr defs.Va_t) {
	if ptr == 0 {
		return
	}
	h.lock()
	defer h.unlock()
	stats.Kstats.Kfrees.Inc()

	b := ptr - hdrSize
	if b < h.breakStart || b >= h.brk {
		if ok, trace := dfree.Distinct(); ok {
			hlog.Errorf("free of unowned pointer 0x%x\n%s", ptr, trace)
		}
		return
	}
	if h.bfree(b) {
		if ok, trace := dfree.Distinct(); ok {
			hlog.Errorf("double free of 0x%x\n%s", ptr, trace)
		}
		return
	}

	// merge left
	if p := h.bprev(b); p != 0 && h.bfree(p) {
		h.faremove(p)
		h.set(p, offSize, h.bsize(p)+h.bsize(b))
		h.set(p, offNext, uint32(h.bnext(b)))
		if nxt := h.bnext(b); nxt != 0 {
			h.set(nxt, offPrev, uint32(p))
		} else {
			h.tail = p
		}
		b = p
	}
	// merge right
	if n := h.bnext(b); n != 0 && h.bfree(n) {
		h.faremove(n)
		h.set(b, offSize, h.bsize(b)+h.bsize(n))
		h.set(b, offNext, uint32(h.bnext(n)))
		if nn := h.bnext(n); nn != 0 {
			h.set(nn, offPrev, uint32(b))
		} else {
			h.tail = b
		}
	}

	h.set(b, offFree, 1)

	// a free tail goes back to the break
	if b == h.tail {
		sz := h.bsize(b)
		p := h.bprev(b)
		if p != 0 {
			h.set(p, offNext, 0)
		} else {
			h.head = 0
		}
		h.tail = p
		if _, err := h.Sbrk(-int32(sz)); err != 0 {
			panic("break shrink failed")
		}
		return
	}
	h.fainsert(b)
}

// / Krealloc grows ptr to size. Shrinking returns the original
// / pointer unchanged.
func (h *Heap_t) Krealloc(ptr defs.Va_t, size uint32) defs.Va_t {
	if ptr == 0 {
		return h.Kmalloc(size)
	}
	old := h.bsize(ptr-hdrSize) - hdrSize
	if size <= old {
		return ptr
	}
	np := h.Kmalloc(size)
	if np == 0 {
		return 0
	}
	buf := make([]uint8, old)
	h.m.ReadVirt(ptr, buf)
	h.m.WriteVirt(np, buf)
	h.Kfree(ptr)
	return np
}

// / Kcalloc allocates a zeroed array, refusing multiplicative
// / overflow.
func (h *Heap_t) Kcalloc(n, size uint32) defs.Va_t {
	if n == 0 || size == 0 {
		return 0
	}
	total := n * size
	if total/size != n {
		return 0
	}
	p := h.Kmalloc(total)
	if p == 0 {
		return 0
	}
	zeros := make([]uint8, total)
	h.m.WriteVirt(p, zeros)
	return p
}

//
// introspection used by the tests and the stats dump
//

// / Blocks returns (address, size, free) for every block in address
// / order.
func (h *Heap_t) Blocks() [][3]uint32 {
	var out [][3]uint32
	for b := h.head; b != 0; b = h.bnext(b) {
		f := uint32(0)
		if h.bfree(b) {
			f = 1
		}
		out = append(out, [3]uint32{uint32(b), h.bsize(b), f})
	}
	return out
}

// / FreeListLen returns the number of entries in the free array.
func (h *Heap_t) FreeListLen() int {
	return int(h.facount())
}
