package machine

import "github.com/ZanovelloAlberto/Novix/kernel/defs"

// ISA DMA register map, 8237 pair. The slave (channels 0-3) sits at
// 0x00-0x0F, the master (4-7) at 0xC0-0xDE, page registers at
// 0x81-0x8F.
const (
	dmaSingleMask  uint16 = 0x0A
	dmaMode        uint16 = 0x0B
	dmaFlipFlop    uint16 = 0x0C
	dmaMasterReset uint16 = 0x0D

	dmaSingleMask16  uint16 = 0xD4
	dmaMode16        uint16 = 0xD6
	dmaFlipFlop16    uint16 = 0xD8
	dmaMasterReset16 uint16 = 0xDA
)

// page register port per channel, index 0-7
var dmaPagePort = [8]uint16{0x87, 0x83, 0x81, 0x82, 0x8F, 0x8B, 0x89, 0x8A}

type dmachan_t struct {
	base   uint16
	count  uint16
	page   uint8
	mode   uint8
	masked bool
}

// / Dma_t models the 8237 controller pair far enough for single-cycle
// / floppy transfers: address/count latches with the shared flip-flop,
// / per-channel masks, modes and page registers.
type Dma_t struct {
	m        *Machine_t
	ch       [8]dmachan_t
	flipflop bool
}

func mkDma(m *Machine_t) *Dma_t {
	d := &Dma_t{m: m}
	for i := range d.ch {
		d.ch[i].masked = true
	}
	// slave address/count ports, channels 0-3
	for c := 0; c < 4; c++ {
		c := c
		m.RegisterPortOut(uint16(c*2), func(_ uint16, v uint8) { d.writeAddr(c, v) })
		m.RegisterPortOut(uint16(c*2+1), func(_ uint16, v uint8) { d.writeCount(c, v) })
	}
	// master address/count ports, channels 4-7
	for c := 4; c < 8; c++ {
		c := c
		m.RegisterPortOut(uint16(0xC0+(c-4)*4), func(_ uint16, v uint8) { d.writeAddr(c, v) })
		m.RegisterPortOut(uint16(0xC2+(c-4)*4), func(_ uint16, v uint8) { d.writeCount(c, v) })
	}
	for c := 0; c < 8; c++ {
		c := c
		m.RegisterPortOut(dmaPagePort[c], func(_ uint16, v uint8) { d.ch[c].page = v })
	}
	m.RegisterPortOut(dmaSingleMask, func(_ uint16, v uint8) { d.mask(0, v) })
	m.RegisterPortOut(dmaSingleMask16, func(_ uint16, v uint8) { d.mask(4, v) })
	m.RegisterPortOut(dmaMode, func(_ uint16, v uint8) { d.ch[v&3].mode = v })
	m.RegisterPortOut(dmaMode16, func(_ uint16, v uint8) { d.ch[4+v&3].mode = v })
	m.RegisterPortOut(dmaFlipFlop, func(_ uint16, v uint8) { d.flipflop = false })
	m.RegisterPortOut(dmaFlipFlop16, func(_ uint16, v uint8) { d.flipflop = false })
	m.RegisterPortOut(dmaMasterReset, func(_ uint16, v uint8) { d.reset(0) })
	m.RegisterPortOut(dmaMasterReset16, func(_ uint16, v uint8) { d.reset(4) })
	return d
}

func (d *Dma_t) reset(first int) {
	for c := first; c < first+4; c++ {
		d.ch[c] = dmachan_t{masked: true}
	}
	d.flipflop = false
}

func (d *Dma_t) mask(first int, v uint8) {
	c := first + int(v&3)
	d.ch[c].masked = v&0x04 != 0
}

func (d *Dma_t) writeAddr(c int, v uint8) {
	if d.flipflop {
		d.ch[c].base = d.ch[c].base&0x00FF | uint16(v)<<8
	} else {
		d.ch[c].base = d.ch[c].base&0xFF00 | uint16(v)
	}
	d.flipflop = !d.flipflop
}

func (d *Dma_t) writeCount(c int, v uint8) {
	if d.flipflop {
		d.ch[c].count = d.ch[c].count&0x00FF | uint16(v)<<8
	} else {
		d.ch[c].count = d.ch[c].count&0xFF00 | uint16(v)
	}
	d.flipflop = !d.flipflop
}

// devToMem runs one device-to-memory transfer on behalf of a device.
// Returns the number of bytes actually moved.
func (d *Dma_t) devToMem(c int, src []uint8) int {
	ch := &d.ch[c]
	if ch.masked {
		mlog.Warnf("dma: transfer on masked channel %d", c)
		return 0
	}
	pa := defs.Pa_t(uint32(ch.page)<<16 | uint32(ch.base))
	n := int(ch.count) + 1
	if len(src) < n {
		n = len(src)
	}
	if !d.m.physok(pa, n) {
		mlog.Errorf("dma: channel %d addr 0x%x out of range", c, pa)
		return 0
	}
	copy(d.m.Mem[pa:int(pa)+n], src[:n])
	return n
}
