// Package boot brings the kernel up in dependency order: physical
// frames, paging, heap, vmalloc, scheduler, console, VFS, the 0x80
// syscall table, then the floppy and the FAT12 root mount. A failure
// in frames, paging, heap or vmalloc ends the boot with that error. A
// console, floppy or root-mount failure is logged and skipped;
// whatever depends on it fails later rather than stop the boot.
package boot

import (
	"github.com/sirupsen/logrus"

	"github.com/ZanovelloAlberto/Novix/kernel/cons"
	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/fat12"
	"github.com/ZanovelloAlberto/Novix/kernel/fdc"
	"github.com/ZanovelloAlberto/Novix/kernel/heap"
	"github.com/ZanovelloAlberto/Novix/kernel/machine"
	"github.com/ZanovelloAlberto/Novix/kernel/mem"
	"github.com/ZanovelloAlberto/Novix/kernel/proc"
	"github.com/ZanovelloAlberto/Novix/kernel/stats"
	"github.com/ZanovelloAlberto/Novix/kernel/ustr"
	"github.com/ZanovelloAlberto/Novix/kernel/valloc"
	"github.com/ZanovelloAlberto/Novix/kernel/vfs"
	"github.com/ZanovelloAlberto/Novix/kernel/vm"
)

var blog = logrus.WithField("sub", "kernel")

// / Kernel_t hands the booted subsystems to the host harness and the
// / tests.
type Kernel_t struct {
	M     *machine.Machine_t
	Sched *proc.Sched_t
	Cons  *cons.Cons_t
	Vfs   *vfs.Vfs_t
	Fat   *fat12.Fat12_t
}

// / Start is the kernel entry: the loader hands over the machine and
// / its BootInfo snapshot. Start returns once multitasking is on, and
// / the caller continues as the idle process.
func Start(m *machine.Machine_t, bi *defs.Bootinfo_t) (*Kernel_t, defs.Err_t) {
	blog.Infof("booting, %d KiB, drive %d", bi.MemorySizeKiB, bi.BootDrive)

	if err := mem.Phys_init(m, bi); err != 0 {
		return nil, err
	}
	if err := vm.Vm_init(m, mem.Physmem); err != 0 {
		return nil, err
	}
	if err := heap.Heap_init(m, vm.Kvm); err != 0 {
		return nil, err
	}
	if err := valloc.Valloc_init(vm.Kvm); err != 0 {
		return nil, err
	}

	s := proc.InitMultitasking(m, vm.Kvm, valloc.Kvalloc)
	heap.Kheap.SetLocker(s.Locker())

	m.RegisterIRQ(0, func(*defs.Registers) {
		s.OnTick()
	})
	m.Sti()

	if err := cons.Cons_init(m, s, valloc.Kvalloc); err != 0 {
		blog.Error("console init failed")
	}
	v := vfs.Vfs_init(cons.Cons)

	k := &Kernel_t{M: m, Sched: s, Cons: cons.Cons, Vfs: v}

	m.RegisterVector(defs.SYSCALLVEC, func(regs *defs.Registers) {
		syscall(k, regs)
	})

	if err := fdc.Fdc_init(m, s, mem.Physmem); err != 0 {
		blog.Error("floppy init failed, running diskless")
	} else {
		fat := fat12.MkFat12(m, heap.Kheap, valloc.Kvalloc, fdc.Fdc)
		v.RegisterFS(fat)
		if err := v.Mount("fat12", ustr.MkUstrRoot()); err != 0 {
			blog.Errorf("root mount failed: %v", err)
		} else {
			k.Fat = fat
		}
	}

	s.Userload = func(path ustr.Ustr, dst defs.Va_t, max int) int {
		return userload(k, path, dst, max)
	}

	s.EnableMultitasking()
	blog.Info("multitasking on")
	return k, 0
}

// userload stages a user binary: open through the VFS, read up to one
// page at the staging address, close.
func userload(k *Kernel_t, path ustr.Ustr, dst defs.Va_t, max int) int {
	fd := k.Vfs.Open(path, vfs.O_RDWR)
	if fd < 0 {
		return fd
	}
	buf := make([]uint8, max)
	n := k.Vfs.Read(fd, buf)
	k.Vfs.Close(fd)
	if n > 0 {
		k.M.WriteVirt(dst, buf[:n])
	}
	return n
}

// syscall dispatches vector 0x80: eax selects, ebx is the argument.
func syscall(k *Kernel_t, regs *defs.Registers) {
	switch regs.Eax {
	case defs.SYS_PUTS:
		k.Vfs.Write(defs.FD_STDOUT, readCstr(k.M, defs.Va_t(regs.Ebx)))
	default:
		blog.Warnf("unknown syscall %d", regs.Eax)
	}
}

// readCstr copies a NUL-terminated user string, at most one page.
func readCstr(m *machine.Machine_t, va defs.Va_t) []uint8 {
	out := make([]uint8, 0, 64)
	for i := 0; i < defs.PGSIZE; i++ {
		b, ok := m.ReadVirt8(va + defs.Va_t(i))
		if !ok || b == 0 {
			break
		}
		out = append(out, b)
	}
	return out
}

// / DumpStats logs the kernel counters.
func DumpStats() {
	blog.Info(stats.Stats2String(*stats.Kstats))
}
