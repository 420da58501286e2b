// Package mem is the physical frame allocator: a bitmap with one bit
// per 4 KiB frame, stored in physical memory itself inside the first
// available region large enough to hold it.
package mem

import (
	"github.com/sirupsen/logrus"

	"github.com/ZanovelloAlberto/Novix/kernel/caller"
	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/machine"
	"github.com/ZanovelloAlberto/Novix/kernel/stats"
	"github.com/ZanovelloAlberto/Novix/kernel/util"
)

var plog = logrus.WithField("sub", "physmem")

var dfree = &caller.Distinct_caller_t{Enabled: true}

// / Physmem_t manages all physical memory of one machine. Callers in
// / preemptible contexts run its methods under the scheduler lock.
type Physmem_t struct {
	m           *machine.Machine_t
	bitmap      defs.Pa_t
	bitmapBytes uint32
	totalFrames uint32
	freeFrames  uint32
	usedFrames  uint32
	inited      bool
}

// / Physmem is the global physical memory allocator instance.
var Physmem = &Physmem_t{}

// / Phys_init places the frame bitmap and builds the free map from the
// / loader's memory map. It appends one RESERVED entry covering the
// / bitmap itself. Returns -ENOMEM when no available region can hold
// / the bitmap.
func Phys_init(m *machine.Machine_t, bi *defs.Bootinfo_t) defs.Err_t {
	phys := Physmem
	phys.m = m
	phys.totalFrames = util.Ceildiv(bi.MemorySizeKiB, 4)
	phys.bitmapBytes = util.Ceildiv(phys.totalFrames, 8)

	// find a home for the bitmap
	found := false
	for _, mb := range bi.Memblocks {
		if mb.Type == defs.MEM_AVAILABLE && mb.Length >= uint64(phys.bitmapBytes) {
			phys.bitmap = defs.Pa_t(mb.Base)
			found = true
			break
		}
	}
	if !found {
		plog.Error("no available region fits the frame bitmap")
		return -defs.ENOMEM
	}
	bi.Memblocks = append(bi.Memblocks, defs.Memblock_t{
		Base:   uint64(phys.bitmap),
		Length: uint64(phys.bitmapBytes),
		Type:   defs.MEM_RESERVED,
	})

	// all used until a region proves otherwise
	bm := m.Phys(phys.bitmap, int(phys.bitmapBytes))
	for i := range bm {
		bm[i] = 0xFF
	}

	// available regions round their base up and truncate their length;
	// everything else rounds outward so overlaps bias toward used.
	for _, mb := range bi.Memblocks {
		if mb.Type != defs.MEM_AVAILABLE {
			continue
		}
		start := util.Ceildiv(mb.Base, defs.PGSIZE)
		count := mb.Length / defs.PGSIZE
		for j := uint64(0); j < count; j++ {
			phys.clearbit(uint32(start + j))
		}
	}
	for _, mb := range bi.Memblocks {
		if mb.Type == defs.MEM_AVAILABLE {
			continue
		}
		start := mb.Base / defs.PGSIZE
		count := util.Ceildiv(mb.Length, defs.PGSIZE)
		for j := uint64(0); j < count; j++ {
			phys.setbit(uint32(start + j))
		}
	}

	phys.recount()
	phys.inited = true
	plog.Infof("%d frames, %d free", phys.totalFrames, phys.freeFrames)
	return 0
}

func (phys *Physmem_t) bitaddr(frame uint32) (defs.Pa_t, uint8) {
	return phys.bitmap + defs.Pa_t(frame/8), uint8(1) << (frame % 8)
}

func (phys *Physmem_t) used(frame uint32) bool {
	pa, mask := phys.bitaddr(frame)
	return phys.m.Mem[pa]&mask != 0
}

func (phys *Physmem_t) setbit(frame uint32) {
	if frame >= phys.totalFrames {
		return
	}
	pa, mask := phys.bitaddr(frame)
	phys.m.Mem[pa] |= mask
}

func (phys *Physmem_t) clearbit(frame uint32) {
	if frame >= phys.totalFrames {
		return
	}
	pa, mask := phys.bitaddr(frame)
	phys.m.Mem[pa] &^= mask
}

func (phys *Physmem_t) recount() {
	var free, used uint32
	for i := uint32(0); i < phys.totalFrames; i++ {
		if phys.used(i) {
			used++
		} else {
			free++
		}
	}
	phys.freeFrames, phys.usedFrames = free, used
}

// firstFreeFrom scans for a clear bit at or after position.
func (phys *Physmem_t) firstFreeFrom(position uint32) (uint32, bool) {
	for i := position; i < phys.totalFrames; i++ {
		if !phys.used(i) {
			return i, true
		}
	}
	return 0, false
}

// / AllocOne grabs the first free frame and returns its physical base.
func (phys *Physmem_t) AllocOne() (defs.Pa_t, bool) {
	frame, ok := phys.firstFreeFrom(0)
	if !ok {
		return 0, false
	}
	phys.setbit(frame)
	phys.usedFrames++
	phys.freeFrames--
	stats.Kstats.Frameallocs.Inc()
	return defs.Pa_t(frame * defs.PGSIZE), true
}

// / AllocContiguous finds n consecutive free frames by linear scan,
// / restarting the run after every used bit. n == 0 returns the first
// / free frame's address without marking anything.
func (phys *Physmem_t) AllocContiguous(n uint32) (defs.Pa_t, bool) {
	if n > phys.freeFrames {
		return 0, false
	}
	start, ok := phys.firstFreeFrom(0)
	if !ok {
		return 0, false
	}
	if n == 0 {
		return defs.Pa_t(start * defs.PGSIZE), true
	}
	count := uint32(0)
	for i := start; i < phys.totalFrames; i++ {
		if phys.used(i) {
			i, ok = phys.firstFreeFrom(i + 1)
			if !ok {
				return 0, false
			}
			start = i
			count = 0
		}
		count++
		if count == n {
			for j := uint32(0); j < n; j++ {
				phys.setbit(start + j)
			}
			phys.usedFrames += n
			phys.freeFrames -= n
			stats.Kstats.Frameallocs.Add(int64(n))
			return defs.Pa_t(start * defs.PGSIZE), true
		}
	}
	return 0, false
}

// freeframe clears one bit. Freeing a frame that is already free is a
// programming error; it is reported once per call site and ignored so
// the counters stay consistent.
func (phys *Physmem_t) freeframe(frame uint32) {
	if frame >= phys.totalFrames {
		panic("free of frame beyond physical memory")
	}
	if !phys.used(frame) {
		if ok, trace := dfree.Distinct(); ok {
			plog.Errorf("double free of frame %d\n%s", frame, trace)
		}
		return
	}
	phys.clearbit(frame)
	phys.usedFrames--
	phys.freeFrames++
	stats.Kstats.Framefrees.Inc()
}

// / FreeOne returns one frame to the allocator.
func (phys *Physmem_t) FreeOne(pa defs.Pa_t) {
	phys.freeframe(uint32(pa) / defs.PGSIZE)
}

// / FreeMany returns n consecutive frames.
func (phys *Physmem_t) FreeMany(pa defs.Pa_t, n uint32) {
	frame := uint32(pa) / defs.PGSIZE
	for i := uint32(0); i < n; i++ {
		phys.freeframe(frame + i)
	}
}

// / FreeCount returns the number of free frames.
func (phys *Physmem_t) FreeCount() uint32 {
	return phys.freeFrames
}

// / UsedCount returns the number of used frames.
func (phys *Physmem_t) UsedCount() uint32 {
	return phys.usedFrames
}

// / TotalFrames returns the frame count covering all installed memory.
func (phys *Physmem_t) TotalFrames() uint32 {
	return phys.totalFrames
}

// / BitmapBase reports where the bitmap was placed.
func (phys *Physmem_t) BitmapBase() defs.Pa_t {
	return phys.bitmap
}
