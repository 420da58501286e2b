package machine

import "io"

// FDC register ports.
const (
	fdcPortDOR  uint16 = 0x3F2
	fdcPortMSR  uint16 = 0x3F4
	fdcPortFIFO uint16 = 0x3F5
	fdcPortCCR  uint16 = 0x3F7
)

const (
	fdcMsrDATAIO  uint8 = 0x40
	fdcMsrDATAREG uint8 = 0x80

	fdcDorReset uint8 = 0x04
)

// geometry of a 1.44 MiB 3.5" floppy
const (
	fdcSectorSize  = 512
	fdcSectorsTrk  = 18
	fdcHeads       = 2
	fdcTotalSector = 2880
)

// parameter-byte count per command opcode (low 5 bits).
var fdcParamlen = map[uint8]int{
	0x03: 2, // specify
	0x07: 1, // recalibrate
	0x08: 0, // sense interrupt
	0x0F: 2, // seek
	0x06: 8, // read sector
}

// / Fdcdev_t emulates the 82077 floppy controller on DMA channel 2,
// / backed by a disk image. Commands complete synchronously: the final
// / parameter byte performs the operation and raises IRQ6.
type Fdcdev_t struct {
	m    *Machine_t
	disk io.ReaderAt

	dor uint8
	ccr uint8

	curCyl [4]uint8
	st0    uint8

	cmd     []uint8
	results []uint8

	// outstanding sense-interrupt answers after a controller reset
	resetSense int
}

// / AttachFdc puts a floppy controller on the port bus, reading from
// / the given disk image. Reads past the image end return zero bytes,
// / like an unformatted region.
func AttachFdc(m *Machine_t, disk io.ReaderAt) *Fdcdev_t {
	f := &Fdcdev_t{m: m, disk: disk}
	m.RegisterPortOut(fdcPortDOR, f.writeDor)
	m.RegisterPortOut(fdcPortFIFO, f.writeFifo)
	m.RegisterPortOut(fdcPortCCR, func(_ uint16, v uint8) { f.ccr = v })
	m.RegisterPortIn(fdcPortMSR, f.readMsr)
	m.RegisterPortIn(fdcPortFIFO, f.readFifo)
	return f
}

// / SetDisk swaps the disk image, modelling a media change.
func (f *Fdcdev_t) SetDisk(disk io.ReaderAt) {
	f.disk = disk
}

func (f *Fdcdev_t) writeDor(_ uint16, v uint8) {
	was := f.dor
	f.dor = v
	// leaving reset completes immediately and interrupts; the kernel
	// then issues four sense-interrupt commands.
	if was&fdcDorReset == 0 && v&fdcDorReset != 0 {
		f.st0 = 0xC0
		f.resetSense = 4
		f.cmd = f.cmd[:0]
		f.results = f.results[:0]
		f.m.RaiseIRQ(6)
	}
}

func (f *Fdcdev_t) readMsr(_ uint16) uint8 {
	msr := fdcMsrDATAREG
	if len(f.results) > 0 {
		msr |= fdcMsrDATAIO
	}
	return msr
}

func (f *Fdcdev_t) readFifo(_ uint16) uint8 {
	if len(f.results) == 0 {
		mlog.Warn("fdc: fifo read with no result bytes")
		return 0
	}
	v := f.results[0]
	f.results = f.results[1:]
	return v
}

func (f *Fdcdev_t) writeFifo(_ uint16, v uint8) {
	f.cmd = append(f.cmd, v)
	op := f.cmd[0] & 0x1F
	want, ok := fdcParamlen[op]
	if !ok {
		mlog.Warnf("fdc: unknown command 0x%x", f.cmd[0])
		f.cmd = f.cmd[:0]
		return
	}
	if len(f.cmd) < want+1 {
		return
	}
	cmd := f.cmd
	f.cmd = nil
	f.exec(op, cmd)
}

func (f *Fdcdev_t) exec(op uint8, cmd []uint8) {
	switch op {
	case 0x03: // specify: stores timings, no interrupt
	case 0x07: // recalibrate
		drive := cmd[1] & 3
		f.curCyl[drive] = 0
		f.st0 = 0x20 | drive
		f.m.RaiseIRQ(6)
	case 0x08: // sense interrupt
		if f.resetSense > 0 {
			f.resetSense--
		}
		drive := f.st0 & 3
		f.results = append(f.results, f.st0, f.curCyl[drive])
	case 0x0F: // seek
		drive := cmd[1] & 3
		f.curCyl[drive] = cmd[2]
		f.st0 = 0x20 | drive
		f.m.RaiseIRQ(6)
	case 0x06: // read sector through DMA channel 2
		f.readSector(cmd)
	}
}

func (f *Fdcdev_t) readSector(cmd []uint8) {
	drive := cmd[1] & 3
	head := cmd[3]
	track := cmd[2]
	sector := cmd[4]

	lba := (int(track)*fdcHeads+int(head))*fdcSectorsTrk + int(sector) - 1
	buf := make([]uint8, fdcSectorSize)
	if lba >= 0 && lba < fdcTotalSector && f.disk != nil {
		n, err := f.disk.ReadAt(buf, int64(lba)*fdcSectorSize)
		if err != nil && err != io.EOF {
			mlog.Errorf("fdc: disk image read: %v", err)
		}
		_ = n
	}
	f.m.Dma.devToMem(2, buf)

	f.st0 = 0x20 | drive
	// st0 st1 st2 cyl head sector size
	f.results = append(f.results[:0], f.st0, 0, 0, track, head, sector, 2)
	f.m.RaiseIRQ(6)
}
