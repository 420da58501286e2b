// Package machine emulates the hardware the kernel drives: physical
// memory behind the MMU walk, the I/O port bus, the interrupt
// controller pair, the PIT tick source, the ISA DMA controller and the
// devices (FDC, VGA text, keyboard, 0xE9). Kernel code above this
// package is written against the same register-level protocols as on
// real hardware; only this package knows it is a simulation.
package machine

import (
	"github.com/sirupsen/logrus"

	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/stats"
	"github.com/ZanovelloAlberto/Novix/kernel/util"
)

var mlog = logrus.WithField("sub", "machine")

// PTE permission bits.
const (
	PTE_P uint32 = 1 << 0
	PTE_W uint32 = 1 << 1
	PTE_U uint32 = 1 << 2
)

// / PTE_ADDR extracts the frame address bits of a PDE or PTE.
const PTE_ADDR uint32 = 0xFFFFF000

// / Machine_t is one simulated single-CPU PC. All kernel state lives in
// / Mem; the fields below it are CPU and chipset registers.
type Machine_t struct {
	Mem []uint8

	cr3    defs.Pa_t
	paging bool
	intf   bool

	ticks   uint64
	pending uint16

	irqh [16]func(*defs.Registers)
	vech map[uint8]func(*defs.Registers)

	outh map[uint16]func(uint16, uint8)
	inh  map[uint16]func(uint16) uint8

	// kernel-stack top installed by the scheduler for ring-3 returns
	tssEsp0 defs.Va_t

	// switch_to_usermode collaborator; the simulation cannot execute
	// x86 text, so the staged user binary is handed to this hook.
	UserMode func(entry, esp defs.Va_t)

	Dma *Dma_t
}

// / MkMachine builds a machine with the given amount of physical
// / memory and the standard chipset devices on the port bus.
func MkMachine(memKiB uint32) *Machine_t {
	m := &Machine_t{}
	m.Mem = make([]uint8, int(memKiB)*1024)
	m.vech = make(map[uint8]func(*defs.Registers))
	m.outh = make(map[uint16]func(uint16, uint8))
	m.inh = make(map[uint16]func(uint16) uint8)
	m.Dma = mkDma(m)
	return m
}

//
// physical memory
//

func (m *Machine_t) physok(pa defs.Pa_t, n int) bool {
	return int(pa)+n <= len(m.Mem)
}

// / Physlen returns the installed physical memory size in bytes.
func (m *Machine_t) Physlen() int {
	return len(m.Mem)
}

// / Phys returns a slice over physical memory [pa, pa+n). The caller
// / must know the range is backed; out-of-range access panics like a
// / bus error would.
func (m *Machine_t) Phys(pa defs.Pa_t, n int) []uint8 {
	if !m.physok(pa, n) {
		panic("physical access out of range")
	}
	return m.Mem[pa : int(pa)+n]
}

// / ReadPhys32 loads a 32-bit value from physical memory.
func (m *Machine_t) ReadPhys32(pa defs.Pa_t) uint32 {
	return uint32(util.Readn(m.Mem, 4, int(pa)))
}

// / WritePhys32 stores a 32-bit value to physical memory.
func (m *Machine_t) WritePhys32(pa defs.Pa_t, v uint32) {
	util.Writen(m.Mem, 4, int(pa), int(v))
}

//
// MMU
//

// / SetPDBR installs a page directory; the base register holds the
// / physical address of the directory frame.
func (m *Machine_t) SetPDBR(pa defs.Pa_t) {
	if pa&defs.Pa_t(defs.PGOFFSET) != 0 {
		panic("unaligned page directory")
	}
	m.cr3 = pa
}

// / GetPDBR returns the active page-directory physical address.
func (m *Machine_t) GetPDBR() defs.Pa_t {
	return m.cr3
}

// / EnablePaging turns on translation through the active directory.
func (m *Machine_t) EnablePaging() {
	m.paging = true
}

// / PagingEnabled reports whether translation is on.
func (m *Machine_t) PagingEnabled() bool {
	return m.paging
}

// / Invlpg models the per-page TLB invalidation. The simulation holds
// / no TLB state, so this only accounts the flush.
func (m *Machine_t) Invlpg(va defs.Va_t) {
	stats.Kstats.Tlbflushes.Inc()
}

// / TlbFlush models the full-TLB flush a PDBR reload causes.
func (m *Machine_t) TlbFlush() {
	stats.Kstats.Tlbflushes.Inc()
}

// / Translate walks the live page tables and returns the physical
// / address backing va, or false when the walk hits a non-present
// / entry. With paging off the address maps through identity.
func (m *Machine_t) Translate(va defs.Va_t) (defs.Pa_t, bool) {
	if !m.paging {
		pa := defs.Pa_t(va)
		if !m.physok(pa, 1) {
			return 0, false
		}
		return pa, true
	}
	pdei := uint32(va) >> 22
	ptei := (uint32(va) >> 12) & 0x3FF
	pde := m.ReadPhys32(m.cr3 + defs.Pa_t(pdei*4))
	if pde&PTE_P == 0 {
		return 0, false
	}
	pt := defs.Pa_t(pde & PTE_ADDR)
	pte := m.ReadPhys32(pt + defs.Pa_t(ptei*4))
	if pte&PTE_P == 0 {
		return 0, false
	}
	pa := defs.Pa_t(pte&PTE_ADDR) | defs.Pa_t(uint32(va)&defs.PGOFFSET)
	if !m.physok(pa, 1) {
		return 0, false
	}
	return pa, true
}

// chunk runs f over [va, va+n) split at page boundaries, translating
// each page once.
func (m *Machine_t) chunk(va defs.Va_t, n int, f func(pa defs.Pa_t, off, l int) bool) bool {
	off := 0
	for off < n {
		cva := va + defs.Va_t(off)
		pa, ok := m.Translate(cva)
		if !ok {
			return false
		}
		l := util.Min(n-off, defs.PGSIZE-int(uint32(cva)&defs.PGOFFSET))
		if !m.physok(pa, l) {
			return false
		}
		if !f(pa, off, l) {
			return false
		}
		off += l
	}
	return true
}

// / ReadVirt copies len(buf) bytes from virtual memory at va. It
// / reports whether every page on the way was present.
func (m *Machine_t) ReadVirt(va defs.Va_t, buf []uint8) bool {
	return m.chunk(va, len(buf), func(pa defs.Pa_t, off, l int) bool {
		copy(buf[off:off+l], m.Mem[pa:int(pa)+l])
		return true
	})
}

// / WriteVirt copies buf into virtual memory at va.
func (m *Machine_t) WriteVirt(va defs.Va_t, buf []uint8) bool {
	return m.chunk(va, len(buf), func(pa defs.Pa_t, off, l int) bool {
		copy(m.Mem[pa:int(pa)+l], buf[off:off+l])
		return true
	})
}

// / ReadVirt32 loads a 32-bit value through the MMU. The address must
// / be 4-byte aligned so the access cannot straddle pages.
func (m *Machine_t) ReadVirt32(va defs.Va_t) uint32 {
	if va&3 != 0 {
		panic("unaligned load")
	}
	pa, ok := m.Translate(va)
	if !ok {
		panic("page fault on kernel load")
	}
	return m.ReadPhys32(pa)
}

// / WriteVirt32 stores a 32-bit value through the MMU.
func (m *Machine_t) WriteVirt32(va defs.Va_t, v uint32) {
	if va&3 != 0 {
		panic("unaligned store")
	}
	pa, ok := m.Translate(va)
	if !ok {
		panic("page fault on kernel store")
	}
	m.WritePhys32(pa, v)
}

// / ReadVirt8 loads one byte through the MMU.
func (m *Machine_t) ReadVirt8(va defs.Va_t) (uint8, bool) {
	pa, ok := m.Translate(va)
	if !ok {
		return 0, false
	}
	return m.Mem[pa], true
}

//
// interrupts
//

// / Cli masks maskable interrupts.
func (m *Machine_t) Cli() {
	m.intf = false
}

// / Sti unmasks interrupts and delivers anything a device raised while
// / they were off. Delivery happens on the calling goroutine, the way a
// / real CPU takes the interrupt on the current kernel stack.
func (m *Machine_t) Sti() {
	m.intf = true
	for m.intf && m.pending != 0 {
		for line := 0; line < 16; line++ {
			bit := uint16(1) << uint(line)
			if m.pending&bit != 0 {
				m.pending &^= bit
				m.dispatch(line)
				break
			}
		}
	}
}

// / Intenabled reports the interrupt flag.
func (m *Machine_t) Intenabled() bool {
	return m.intf
}

// / RegisterIRQ installs the handler for one IRQ line.
func (m *Machine_t) RegisterIRQ(line int, h func(*defs.Registers)) {
	if line < 0 || line >= 16 {
		panic("bad irq line")
	}
	m.irqh[line] = h
}

// / RegisterVector installs a software-interrupt handler.
func (m *Machine_t) RegisterVector(vec uint8, h func(*defs.Registers)) {
	m.vech[vec] = h
}

func (m *Machine_t) dispatch(line int) {
	stats.Irqs++
	stats.Nirqs[line]++
	if h := m.irqh[line]; h != nil {
		regs := defs.Registers{Vector: uint32(32 + line)}
		h(&regs)
	}
}

// / RaiseIRQ is called by devices. With interrupts enabled the handler
// / runs immediately on the current goroutine; otherwise the line is
// / latched until Sti.
func (m *Machine_t) RaiseIRQ(line int) {
	if line < 0 || line >= 16 {
		panic("bad irq line")
	}
	if m.intf {
		m.dispatch(line)
	} else {
		m.pending |= uint16(1) << uint(line)
	}
}

// / Int delivers a software interrupt, the `int N` instruction.
func (m *Machine_t) Int(vec uint8, regs *defs.Registers) {
	regs.Vector = uint32(vec)
	if h, ok := m.vech[vec]; ok {
		h(regs)
		return
	}
	mlog.Errorf("unhandled vector 0x%x", vec)
}

//
// PIT
//

// / Tick advances the PIT by one tick and raises IRQ0.
func (m *Machine_t) Tick() {
	m.ticks++
	stats.Kstats.Ticks.Inc()
	m.RaiseIRQ(0)
}

// / TickN advances the PIT n times.
func (m *Machine_t) TickN(n int) {
	for i := 0; i < n; i++ {
		m.Tick()
	}
}

// / TickCount returns the tick counter.
func (m *Machine_t) TickCount() uint64 {
	return m.ticks
}

//
// port bus
//

// / RegisterPortOut installs a device write handler for a port.
func (m *Machine_t) RegisterPortOut(port uint16, h func(uint16, uint8)) {
	m.outh[port] = h
}

// / RegisterPortIn installs a device read handler for a port.
func (m *Machine_t) RegisterPortIn(port uint16, h func(uint16) uint8) {
	m.inh[port] = h
}

// / Outb writes one byte to an I/O port.
func (m *Machine_t) Outb(port uint16, v uint8) {
	if h, ok := m.outh[port]; ok {
		h(port, v)
		return
	}
	mlog.Debugf("outb to unhandled port 0x%x", port)
}

// / Inb reads one byte from an I/O port. Floating bus reads 0xFF.
func (m *Machine_t) Inb(port uint16) uint8 {
	if h, ok := m.inh[port]; ok {
		return h(port)
	}
	mlog.Debugf("inb from unhandled port 0x%x", port)
	return 0xFF
}

//
// TSS and user mode
//

// / SetKernelStack installs the ring-0 stack top used when a user
// / process traps; the scheduler calls this before switching to a user
// / task.
func (m *Machine_t) SetKernelStack(esp0 defs.Va_t) {
	m.tssEsp0 = esp0
}

// / KernelStack returns the installed ring-0 stack top.
func (m *Machine_t) KernelStack() defs.Va_t {
	return m.tssEsp0
}

// / SwitchToUser drops to ring 3 at entry with the given stack. The
// / registered collaborator consumes the staged binary.
func (m *Machine_t) SwitchToUser(esp, entry defs.Va_t) {
	if m.UserMode != nil {
		m.UserMode(entry, esp)
		return
	}
	mlog.Warnf("no user-mode collaborator, entry 0x%x dropped", entry)
}

// / Vga returns the 80x25 two-byte-cell text frame buffer.
func (m *Machine_t) Vga() []uint8 {
	return m.Phys(defs.VGAPHYS, 80*25*2)
}
