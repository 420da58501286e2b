// Package vm is the two-level virtual memory manager. The top PDE of
// every directory points back at the directory frame, so page tables
// are edited through the 0xFFC00000 window and the directory itself
// through 0xFFFFF000; all accesses below go through that recursive
// mapping once paging is on.
package vm

import (
	"github.com/sirupsen/logrus"

	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/machine"
	"github.com/ZanovelloAlberto/Novix/kernel/mem"
)

var vlog = logrus.WithField("sub", "virtmem")

const (
	pdePresent = machine.PTE_P
	pdeWrite   = machine.PTE_W
	pdeUser    = machine.PTE_U
)

// scratch slots used to edit frames that are not part of the current
// address space; their page table is pre-reserved at init so every
// address space shares it.
const (
	scratchDir defs.Va_t = 0xE0000000
	scratchTbl defs.Va_t = 0xE0001000
)

// / Vmem_t drives the active address space of one machine.
type Vmem_t struct {
	m        *machine.Machine_t
	phys     *mem.Physmem_t
	kernPdbr defs.Pa_t
	inited   bool
}

// / Kvm is the kernel's virtual memory manager instance.
var Kvm = &Vmem_t{}

func flags(kernel bool) uint32 {
	f := pdePresent | pdeWrite
	if !kernel {
		f |= pdeUser
	}
	return f
}

// / Vm_init builds the boot address space: the low 4 MiB identity
// / mapped, kernel physical 0x100000-0x500000 at KERNBASE, the
// / recursive slot, and paging enabled. Returns -ENOMEM when the
// / directory or a bootstrap table cannot be allocated.
func Vm_init(m *machine.Machine_t, phys *mem.Physmem_t) defs.Err_t {
	kvm := Kvm
	kvm.m = m
	kvm.phys = phys

	dir, ok := phys.AllocOne()
	if !ok {
		vlog.Error("cannot allocate boot page directory")
		return -defs.ENOMEM
	}
	t0, ok0 := phys.AllocOne()
	t768, ok768 := phys.AllocOne()
	if !ok0 || !ok768 {
		vlog.Error("cannot allocate bootstrap page tables")
		return -defs.ENOMEM
	}

	zero := func(pa defs.Pa_t) {
		b := m.Phys(pa, defs.PGSIZE)
		for i := range b {
			b[i] = 0
		}
	}
	zero(dir)
	zero(t0)
	zero(t768)

	// identity map the first 4 MiB
	for i := uint32(0); i < 1024; i++ {
		m.WritePhys32(t0+defs.Pa_t(i*4), i*defs.PGSIZE|flags(true))
	}
	// kernel image window at KERNBASE
	for i := uint32(0); i < 1024; i++ {
		pa := uint32(defs.KERNPHYSLO) + i*defs.PGSIZE
		if pa >= uint32(defs.KERNPHYSHI) {
			break
		}
		m.WritePhys32(t768+defs.Pa_t(i*4), pa|flags(true))
	}
	m.WritePhys32(dir+0*4, uint32(t0)|flags(true))
	m.WritePhys32(dir+768*4, uint32(t768)|flags(true))
	m.WritePhys32(dir+1023*4, uint32(dir)|flags(true))

	kvm.kernPdbr = dir
	m.SetPDBR(dir)
	m.EnablePaging()
	kvm.inited = true

	// the scratch slots must resolve in every future address space
	if err := kvm.MapTable(scratchDir, true); err != 0 {
		return err
	}
	vlog.Infof("paging on, directory at 0x%x", dir)
	return 0
}

// / KernPdbr returns the boot directory's physical address.
func (kvm *Vmem_t) KernPdbr() defs.Pa_t {
	return kvm.kernPdbr
}

// recursive views into the current address space
func pdeslot(va defs.Va_t) defs.Va_t {
	return defs.PDSELF + defs.Va_t((uint32(va)>>22)*4)
}

func pteslot(va defs.Va_t) defs.Va_t {
	pdei := uint32(va) >> 22
	ptei := (uint32(va) >> 12) & 0x3FF
	return defs.RECWIN + defs.Va_t(pdei*defs.PGSIZE) + defs.Va_t(ptei*4)
}

func badva(va defs.Va_t) bool {
	return va >= defs.RECWIN
}

// / MapTable makes sure the page table covering va exists in the
// / current address space, allocating and zeroing a frame when the PDE
// / is absent.
func (kvm *Vmem_t) MapTable(va defs.Va_t, kernel bool) defs.Err_t {
	if badva(va) {
		return -defs.EINVAL
	}
	slot := pdeslot(va)
	if kvm.m.ReadVirt32(slot)&pdePresent != 0 {
		return 0
	}
	pa, ok := kvm.phys.AllocOne()
	if !ok {
		return -defs.ENOMEM
	}
	kvm.m.WriteVirt32(slot, uint32(pa)|flags(kernel))
	kvm.m.Invlpg(defs.RECWIN + defs.Va_t((uint32(va)>>22)*defs.PGSIZE))
	// zero the new table through the recursive window
	tbl := defs.RECWIN + defs.Va_t((uint32(va)>>22)*defs.PGSIZE)
	var zeros [defs.PGSIZE]uint8
	if !kvm.m.WriteVirt(tbl, zeros[:]) {
		panic("recursive window not mapped")
	}
	return 0
}

// / UnmapTable removes the page table covering va and frees its frame.
func (kvm *Vmem_t) UnmapTable(va defs.Va_t, kernel bool) defs.Err_t {
	if badva(va) {
		return -defs.EINVAL
	}
	slot := pdeslot(va)
	pde := kvm.m.ReadVirt32(slot)
	if pde&pdePresent == 0 {
		return 0
	}
	kvm.phys.FreeOne(defs.Pa_t(pde & machine.PTE_ADDR))
	kvm.m.WriteVirt32(slot, 0)
	kvm.m.TlbFlush()
	return 0
}

// / MapPage backs va with a fresh frame in the current address space.
// / Mapping an already-present page succeeds silently.
func (kvm *Vmem_t) MapPage(va defs.Va_t, kernel bool) defs.Err_t {
	if badva(va) {
		return -defs.EINVAL
	}
	if err := kvm.MapTable(va, kernel); err != 0 {
		return err
	}
	slot := pteslot(va)
	if kvm.m.ReadVirt32(slot)&pdePresent != 0 {
		return 0
	}
	pa, ok := kvm.phys.AllocOne()
	if !ok {
		return -defs.ENOMEM
	}
	kvm.m.WriteVirt32(slot, uint32(pa)|flags(kernel))
	kvm.m.Invlpg(va)
	return 0
}

// / UnmapPage removes the mapping at va and frees the backing frame.
func (kvm *Vmem_t) UnmapPage(va defs.Va_t) defs.Err_t {
	if badva(va) {
		return -defs.EINVAL
	}
	if kvm.m.ReadVirt32(pdeslot(va))&pdePresent == 0 {
		return 0
	}
	slot := pteslot(va)
	pte := kvm.m.ReadVirt32(slot)
	if pte&pdePresent == 0 {
		return 0
	}
	kvm.phys.FreeOne(defs.Pa_t(pte & machine.PTE_ADDR))
	kvm.m.WriteVirt32(slot, 0)
	kvm.m.Invlpg(va)
	return 0
}

// / Mapped reports whether va resolves in the current address space.
func (kvm *Vmem_t) Mapped(va defs.Va_t) bool {
	_, ok := kvm.m.Translate(va)
	return ok
}

// mapframe points va at an existing frame; used for the scratch slots.
func (kvm *Vmem_t) mapframe(va defs.Va_t, pa defs.Pa_t) {
	if err := kvm.MapTable(va, true); err != 0 {
		panic("scratch table")
	}
	kvm.m.WriteVirt32(pteslot(va), uint32(pa)|flags(true))
	kvm.m.Invlpg(va)
}

func (kvm *Vmem_t) unmapframe(va defs.Va_t) {
	kvm.m.WriteVirt32(pteslot(va), 0)
	kvm.m.Invlpg(va)
}

// / CreateAddressSpace builds a directory for a new process: the low
// / 4 MiB and the whole kernel half are shared with the current
// / directory, the recursive slot points at the new directory itself.
// / Returns its physical address.
func (kvm *Vmem_t) CreateAddressSpace() (defs.Pa_t, defs.Err_t) {
	dir, ok := kvm.phys.AllocOne()
	if !ok {
		return 0, -defs.ENOMEM
	}
	kvm.mapframe(scratchDir, dir)
	defer kvm.unmapframe(scratchDir)

	var zeros [defs.PGSIZE]uint8
	kvm.m.WriteVirt(scratchDir, zeros[:])

	// share PDE[0] and the kernel half
	kvm.m.WriteVirt32(scratchDir, kvm.m.ReadVirt32(defs.PDSELF))
	for i := uint32(768); i < 1023; i++ {
		pde := kvm.m.ReadVirt32(defs.PDSELF + defs.Va_t(i*4))
		kvm.m.WriteVirt32(scratchDir+defs.Va_t(i*4), pde)
	}
	kvm.m.WriteVirt32(scratchDir+defs.Va_t(1023*4), uint32(dir)|flags(true))
	return dir, 0
}

// / DestroyAddressSpace frees every user page table in the directory,
// / the frames those tables map, and the directory frame itself. The
// / directory must not be the active one.
func (kvm *Vmem_t) DestroyAddressSpace(dir defs.Pa_t) {
	if dir == kvm.m.GetPDBR() {
		panic("destroying the active address space")
	}
	kvm.mapframe(scratchDir, dir)
	for i := uint32(1); i < 768; i++ {
		pde := kvm.m.ReadVirt32(scratchDir + defs.Va_t(i*4))
		if pde&pdePresent == 0 {
			continue
		}
		tbl := defs.Pa_t(pde & machine.PTE_ADDR)
		kvm.mapframe(scratchTbl, tbl)
		for j := uint32(0); j < 1024; j++ {
			pte := kvm.m.ReadVirt32(scratchTbl + defs.Va_t(j*4))
			if pte&pdePresent != 0 {
				kvm.phys.FreeOne(defs.Pa_t(pte & machine.PTE_ADDR))
			}
		}
		kvm.unmapframe(scratchTbl)
		kvm.phys.FreeOne(tbl)
	}
	kvm.unmapframe(scratchDir)
	kvm.phys.FreeOne(dir)
}
