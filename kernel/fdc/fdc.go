// Package fdc drives the floppy controller over ISA DMA channel 2.
// Every public entry point is serialized by a mutex that also covers
// the shared track buffer; the buffer sits in low physical memory
// because the ISA DMA controller cannot reach past 16 MiB.
package fdc

import (
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/limits"
	"github.com/ZanovelloAlberto/Novix/kernel/machine"
	"github.com/ZanovelloAlberto/Novix/kernel/mem"
	"github.com/ZanovelloAlberto/Novix/kernel/proc"
	"github.com/ZanovelloAlberto/Novix/kernel/stats"
)

var flog = logrus.WithField("sub", "fdc")

const (
	portDOR  uint16 = 0x3F2
	portMSR  uint16 = 0x3F4
	portFIFO uint16 = 0x3F5
	portCCR  uint16 = 0x3F7
)

const (
	dorReset uint8 = 0x04
	dorDma   uint8 = 0x08
)

var dorMotor = [4]uint8{0x10, 0x20, 0x40, 0x80}

const (
	msrBusy    uint8 = 0x10
	msrDataIO  uint8 = 0x40
	msrDataReg uint8 = 0x80
)

const (
	cmdSpecify   uint8 = 0x03
	cmdWriteSect uint8 = 0x05
	cmdReadSect  uint8 = 0x06
	cmdCalibrate uint8 = 0x07
	cmdCheckInt  uint8 = 0x08
	cmdSeek      uint8 = 0x0F
)

const (
	extSkip       uint8 = 0x20
	extDensity    uint8 = 0x40
	extMultitrack uint8 = 0x80
)

const (
	gap3Length35 = 27
	sectorSize   = 512
	sectorCode   = 2 // 512-byte sectors
	sectorsTrk   = 18
	heads        = 2
	totalSectors = 2880

	dataRate500 uint8 = 0
)

const dmaChannel = 2

// DMA buffer holds one track's worth of sectors: 64 KiB / 16 frames.
const bufFrames = 16

// bounded register polls and IRQ tick budget
const (
	msrRetries = 500
	irqTimeout = 1000
)

// / Fdc_t is the floppy driver instance.
type Fdc_t struct {
	m     *machine.Machine_t
	s     *proc.Sched_t
	mut   *proc.Mutex_t
	buf   defs.Pa_t
	drive uint8

	irqFired bool
	inited   bool
}

// / Fdc is the global driver.
var Fdc = &Fdc_t{}

// / Fdc_init allocates the DMA track buffer, hooks IRQ6 and resets the
// / controller. Fails when the buffer cannot be placed under the ISA
// / DMA limit.
func Fdc_init(m *machine.Machine_t, s *proc.Sched_t, phys *mem.Physmem_t) defs.Err_t {
	f := Fdc
	f.m = m
	f.s = s
	f.mut = s.MkMutex()

	buf, ok := phys.AllocContiguous(bufFrames)
	if !ok {
		flog.Error("cannot allocate the track buffer")
		return -defs.ENOMEM
	}
	if buf+defs.Pa_t(bufFrames*defs.PGSIZE) > defs.ISADMALIMIT {
		phys.FreeMany(buf, bufFrames)
		flog.Error("track buffer landed beyond the ISA DMA reach")
		return -defs.ENOMEM
	}
	f.buf = buf

	m.RegisterIRQ(6, func(regs *defs.Registers) {
		// the ISR only latches completion; everything else happens in
		// process context
		f.irqFired = true
	})

	f.setCurrentDrive(0)
	f.selectDataRate(dataRate500)
	if !f.resetController() {
		flog.Error("controller reset failed")
		return -defs.ETIMEDOUT
	}
	f.inited = true
	return 0
}

//
// register access
//

func (f *Fdc_t) writeDor(v uint8) {
	f.m.Outb(portDOR, v)
}

func (f *Fdc_t) readMsr() uint8 {
	return f.m.Inb(portMSR)
}

func (f *Fdc_t) selectDataRate(rate uint8) {
	f.m.Outb(portCCR, rate)
}

// sendCmd spins on the main status register until the FIFO accepts a
// byte, with a bounded retry.
func (f *Fdc_t) sendCmd(cmd uint8) bool {
	for i := 0; i < msrRetries; i++ {
		msr := f.readMsr()
		if msr&msrDataReg != 0 && msr&msrDataIO == 0 {
			f.m.Outb(portFIFO, cmd)
			return true
		}
	}
	flog.Warn("command byte timed out")
	return false
}

// readData drains one result byte, -1 on timeout.
func (f *Fdc_t) readData() int {
	for i := 0; i < msrRetries; i++ {
		msr := f.readMsr()
		if msr&msrBusy == 0 && msr&msrDataReg != 0 && msr&msrDataIO != 0 {
			return int(f.m.Inb(portFIFO))
		}
	}
	return -1
}

// waitIRQ burns ticks until the ISR latches completion or the tick
// budget runs out.
func (f *Fdc_t) waitIRQ() bool {
	for i := 0; i < irqTimeout; i++ {
		if f.irqFired {
			f.irqFired = false
			return true
		}
		f.m.Tick()
	}
	flog.Warn("interrupt wait timed out")
	return false
}

func (f *Fdc_t) checkInterruptStatus() (int, int) {
	f.sendCmd(cmdCheckInt)
	st0 := f.readData()
	cyl := f.readData()
	return st0, cyl
}

//
// drive control
//

func (f *Fdc_t) setCurrentDrive(drive uint8) {
	if drive >= 4 {
		return
	}
	f.writeDor(drive | dorReset | dorDma)
	f.drive = drive
}

func (f *Fdc_t) controlMotor(on bool) {
	if f.drive > 3 {
		return
	}
	if on {
		f.writeDor(f.drive | dorMotor[f.drive] | dorReset | dorDma)
		// wait for the platter to spin up; the boot context cannot
		// block, it has nothing to switch to yet
		if f.s != nil && f.s.Current() != f.s.Idle() {
			f.s.Sleep(50)
		}
	} else {
		f.writeDor(dorReset | dorDma)
	}
}

func (f *Fdc_t) configureDrive(stepRate, headLoad, headUnload uint8, dma bool) {
	f.sendCmd(cmdSpecify)
	f.sendCmd((stepRate&0xF)<<4 | (headUnload & 0xF))
	nd := uint8(1)
	if dma {
		nd = 0
	}
	f.sendCmd(headLoad<<1 | nd)
}

func retries10() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 9)
}

func (f *Fdc_t) calibrate() bool {
	f.controlMotor(true)
	err := backoff.Retry(func() error {
		f.sendCmd(cmdCalibrate)
		f.sendCmd(f.drive)
		if !f.waitIRQ() {
			return errRetry
		}
		_, cyl := f.checkInterruptStatus()
		if cyl != 0 {
			stats.Kstats.Fdcretries.Inc()
			return errRetry
		}
		return nil
	}, retries10())
	f.controlMotor(false)
	return err == nil
}

func (f *Fdc_t) seek(cyl, head uint8) bool {
	err := backoff.Retry(func() error {
		f.sendCmd(cmdSeek)
		f.sendCmd(head<<2 | f.drive)
		f.sendCmd(cyl)
		if !f.waitIRQ() {
			return errRetry
		}
		_, cyl0 := f.checkInterruptStatus()
		if cyl0 != int(cyl) {
			stats.Kstats.Fdcretries.Inc()
			return errRetry
		}
		return nil
	}, retries10())
	return err == nil
}

type retryerr_t struct{}

func (retryerr_t) Error() string { return "fdc: not there yet" }

var errRetry = retryerr_t{}

func (f *Fdc_t) resetController() bool {
	f.writeDor(0)
	f.writeDor(dorReset | dorDma)
	if !f.waitIRQ() {
		return false
	}
	for i := 0; i < 4; i++ {
		f.checkInterruptStatus()
	}
	f.selectDataRate(dataRate500)
	// steprate 3 ms, head load 16 ms, unload 240 ms
	f.configureDrive(3, 16, 240, true)
	return f.calibrate()
}

//
// DMA programming
//

func (f *Fdc_t) programDma() {
	m := f.m
	m.Outb(0x0A, 0x04|dmaChannel) // mask
	m.Outb(0x0C, 0xFF)            // clear flip-flop
	m.Outb(0x04, uint8(f.buf))
	m.Outb(0x04, uint8(f.buf>>8))
	m.Outb(0x81, uint8(f.buf>>16)) // page
	m.Outb(0x0C, 0xFF)
	m.Outb(0x05, uint8((sectorSize-1)&0xFF))
	m.Outb(0x05, uint8((sectorSize-1)>>8))
	// single transfer, auto init, device to memory
	m.Outb(0x0B, 0x54|dmaChannel)
	m.Outb(0x0A, dmaChannel) // unmask
}

func lba2chs(lba uint32) (cyl, head, sector uint8) {
	sector = uint8(lba%sectorsTrk + 1)
	cyl = uint8(lba / sectorsTrk / heads)
	head = uint8(lba / sectorsTrk % heads)
	return
}

func (f *Fdc_t) sectorRead(cyl, head, sector uint8) bool {
	f.programDma()

	eot := sector + 1
	if eot >= sectorsTrk {
		eot = sectorsTrk
	}
	f.sendCmd(cmdReadSect | extMultitrack | extSkip | extDensity)
	f.sendCmd(head<<2 | f.drive)
	f.sendCmd(cyl)
	f.sendCmd(head)
	f.sendCmd(sector)
	f.sendCmd(sectorCode)
	f.sendCmd(eot)
	f.sendCmd(gap3Length35)
	f.sendCmd(0xFF)

	if !f.waitIRQ() {
		return false
	}
	for j := 0; j < 7; j++ {
		f.readData()
	}
	f.checkInterruptStatus()
	return true
}

// / ReadSectors reads count sectors starting at lba into buf. The
// / request is rejected, with the buffer untouched, when it exceeds
// / the track-buffer capacity or the disk.
func (f *Fdc_t) ReadSectors(buf []uint8, lba, count uint32) defs.Err_t {
	if count > uint32(limits.Syslimit.Trackcap) {
		return -defs.EINVAL
	}
	if lba+count > totalSectors {
		return -defs.EINVAL
	}
	if len(buf) < int(count*sectorSize) {
		return -defs.EINVAL
	}
	if !f.inited {
		return -defs.EERROR
	}

	f.mut.Acquire()
	defer f.mut.Release()

	f.controlMotor(true)
	defer f.controlMotor(false)

	for i := uint32(0); i < count; i++ {
		cyl, head, sector := lba2chs(lba + i)
		if !f.seek(cyl, head) {
			flog.Errorf("seek to cylinder %d failed", cyl)
			return -defs.ETIMEDOUT
		}
		if !f.sectorRead(cyl, head, sector) {
			return -defs.ETIMEDOUT
		}
		stats.Kstats.Fdcreads.Inc()
		copy(buf[i*sectorSize:(i+1)*sectorSize], f.m.Phys(f.buf, sectorSize))
	}
	return 0
}
