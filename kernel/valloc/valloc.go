// Package valloc is the page-granular kernel allocator above the
// heap window: a bitmap of window pages, a tracker list of live
// allocations, frames supplied by the virtual memory manager.
package valloc

import (
	"github.com/sirupsen/logrus"

	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/vm"
)

var valog = logrus.WithField("sub", "vmalloc")

const windowPages = uint32(defs.VMALLOCEND-defs.VMALLOCSTART) / defs.PGSIZE

type tracker_t struct {
	base  defs.Va_t
	pages uint32
	next  *tracker_t
}

// / Valloc_t hands out page-aligned runs of kernel virtual memory.
type Valloc_t struct {
	kvm    *vm.Vmem_t
	bitmap []uint8
	live   *tracker_t
	inited bool
}

// / Kvalloc is the global instance.
var Kvalloc = &Valloc_t{}

// / Valloc_init reserves the window's page tables so every address
// / space shares the mappings made here later.
func Valloc_init(kvm *vm.Vmem_t) defs.Err_t {
	va := Kvalloc
	va.kvm = kvm
	va.bitmap = make([]uint8, windowPages/8)
	va.live = nil
	for w := defs.VMALLOCSTART; w < defs.VMALLOCEND; w += 4 << 20 {
		if err := kvm.MapTable(w, true); err != 0 {
			valog.Error("vmalloc window table reservation failed")
			return err
		}
	}
	va.inited = true
	return 0
}

func (va *Valloc_t) used(page uint32) bool {
	return va.bitmap[page/8]&(1<<(page%8)) != 0
}

func (va *Valloc_t) mark(page uint32, used bool) {
	if used {
		va.bitmap[page/8] |= 1 << (page % 8)
	} else {
		va.bitmap[page/8] &^= 1 << (page % 8)
	}
}

// findrun locates n consecutive free window pages.
func (va *Valloc_t) findrun(n uint32) (uint32, bool) {
	count := uint32(0)
	start := uint32(0)
	for i := uint32(0); i < windowPages; i++ {
		if va.used(i) {
			count = 0
			start = i + 1
			continue
		}
		count++
		if count == n {
			return start, true
		}
	}
	return 0, false
}

// / Vmalloc returns a page-aligned virtual base covering pages pages,
// / each backed by a fresh frame. Returns 0 when the window or
// / physical memory is exhausted.
func (va *Valloc_t) Vmalloc(pages uint32) defs.Va_t {
	if pages == 0 {
		return 0
	}
	start, ok := va.findrun(pages)
	if !ok {
		valog.Errorf("window exhausted for %d pages", pages)
		return 0
	}
	base := defs.VMALLOCSTART + defs.Va_t(start*defs.PGSIZE)
	for i := uint32(0); i < pages; i++ {
		if err := va.kvm.MapPage(base+defs.Va_t(i*defs.PGSIZE), true); err != 0 {
			for j := uint32(0); j < i; j++ {
				va.kvm.UnmapPage(base + defs.Va_t(j*defs.PGSIZE))
			}
			valog.Error("out of frames backing vmalloc")
			return 0
		}
	}
	for i := uint32(0); i < pages; i++ {
		va.mark(start+i, true)
	}
	va.live = &tracker_t{base: base, pages: pages, next: va.live}
	return base
}

// / VmallocBytes allocates enough pages to cover size bytes.
func (va *Valloc_t) VmallocBytes(size uint32) defs.Va_t {
	if size == 0 {
		return 0
	}
	return va.Vmalloc((size + defs.PGSIZE - 1) / defs.PGSIZE)
}

// / Vfree unmaps every page of a live allocation and forgets it.
// / Freeing 0 or an untracked address is a silent no-op.
func (va *Valloc_t) Vfree(base defs.Va_t) {
	if base == 0 {
		return
	}
	var prev *tracker_t
	for t := va.live; t != nil; t = t.next {
		if t.base == base {
			start := uint32(base-defs.VMALLOCSTART) / defs.PGSIZE
			for i := uint32(0); i < t.pages; i++ {
				va.kvm.UnmapPage(base + defs.Va_t(i*defs.PGSIZE))
				va.mark(start+i, false)
			}
			if prev == nil {
				va.live = t.next
			} else {
				prev.next = t.next
			}
			return
		}
		prev = t
	}
}

// / Livecount returns the number of tracked allocations.
func (va *Valloc_t) Livecount() int {
	n := 0
	for t := va.live; t != nil; t = t.next {
		n++
	}
	return n
}
