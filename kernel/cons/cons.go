// Package cons is the text console: the 80x25 VGA cell buffer, the
// 0xE9 debug sink and the blocking keyboard read path. The VGA and
// debug mutexes only matter once multitasking is on; before that the
// single boot context owns everything.
package cons

import (
	"github.com/sirupsen/logrus"

	"github.com/ZanovelloAlberto/Novix/kernel/circbuf"
	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/machine"
	"github.com/ZanovelloAlberto/Novix/kernel/proc"
	"github.com/ZanovelloAlberto/Novix/kernel/valloc"
)

var clog = logrus.WithField("sub", "cons")

const (
	cols = 80
	rows = 25

	defaultAttr uint8 = 0x07
	tabWidth          = 4
)

// / Cons_t is the console instance.
type Cons_t struct {
	m *machine.Machine_t
	s *proc.Sched_t

	vgaMut *proc.Mutex_t
	e9Mut  *proc.Mutex_t

	col, row int
	attr     uint8

	kbuf    circbuf.Circbuf_t
	waiting *proc.Proc_t
	shift   bool
}

// / Cons is the global console.
var Cons = &Cons_t{}

// / Cons_init wires the console: a vmalloc'd page backs the keyboard
// / ring buffer and IRQ1 feeds it.
func Cons_init(m *machine.Machine_t, s *proc.Sched_t, kva *valloc.Valloc_t) defs.Err_t {
	c := Cons
	c.m = m
	c.s = s
	c.vgaMut = s.MkMutex()
	c.e9Mut = s.MkMutex()
	c.attr = defaultAttr
	c.col, c.row = 0, 0
	c.waiting = nil

	kpage := kva.Vmalloc(1)
	if kpage == 0 {
		clog.Error("no page for the keyboard buffer")
		return -defs.ENOMEM
	}
	pa, ok := m.Translate(kpage)
	if !ok {
		panic("fresh vmalloc page not mapped")
	}
	c.kbuf.Set(m.Phys(pa, defs.PGSIZE))

	m.RegisterIRQ(1, c.kbdInterrupt)
	c.Clear()
	return 0
}

//
// VGA output
//

func (c *Cons_t) cell(row, col int) defs.Pa_t {
	return defs.VGAPHYS + defs.Pa_t((row*cols+col)*2)
}

func (c *Cons_t) put(ch uint8) {
	switch ch {
	case '\n':
		c.col = 0
		c.row++
	case '\r':
		c.col = 0
	case '\t':
		c.col = (c.col/tabWidth + 1) * tabWidth
	case '\b':
		if c.col > 0 {
			c.col--
			c.m.Mem[c.cell(c.row, c.col)] = ' '
		}
	default:
		c.m.Mem[c.cell(c.row, c.col)] = ch
		c.m.Mem[c.cell(c.row, c.col)+1] = c.attr
		c.col++
	}
	if c.col >= cols {
		c.col = 0
		c.row++
	}
	if c.row >= rows {
		c.scroll()
	}
}

func (c *Cons_t) scroll() {
	fb := c.m.Phys(defs.VGAPHYS, cols*rows*2)
	copy(fb, fb[cols*2:])
	for i := (rows - 1) * cols * 2; i < rows*cols*2; i += 2 {
		fb[i] = ' '
		fb[i+1] = c.attr
	}
	c.row = rows - 1
}

// / Clear wipes the frame buffer and homes the cursor.
func (c *Cons_t) Clear() {
	fb := c.m.Phys(defs.VGAPHYS, cols*rows*2)
	for i := 0; i < len(fb); i += 2 {
		fb[i] = ' '
		fb[i+1] = c.attr
	}
	c.col, c.row = 0, 0
}

// / Write puts p on the screen and returns len(p). It never fails.
func (c *Cons_t) Write(p []uint8) int {
	c.vgaMut.Acquire()
	for _, ch := range p {
		c.put(ch)
	}
	c.vgaMut.Release()
	return len(p)
}

// / DebugWrite sends p out the 0xE9 port and returns len(p).
func (c *Cons_t) DebugWrite(p []uint8) int {
	c.e9Mut.Acquire()
	for _, ch := range p {
		c.m.Outb(0xE9, ch)
	}
	c.e9Mut.Release()
	return len(p)
}

// / Cursor reports the cursor row and column, for the tests.
func (c *Cons_t) Cursor() (int, int) {
	return c.row, c.col
}

//
// keyboard
//

// set-1 make-code translation for the printable keys the shell needs.
var scanmap = map[uint8]uint8{
	0x02: '1', 0x03: '2', 0x04: '3', 0x05: '4', 0x06: '5',
	0x07: '6', 0x08: '7', 0x09: '8', 0x0A: '9', 0x0B: '0',
	0x0C: '-', 0x0D: '=', 0x0E: '\b', 0x0F: '\t',
	0x10: 'q', 0x11: 'w', 0x12: 'e', 0x13: 'r', 0x14: 't',
	0x15: 'y', 0x16: 'u', 0x17: 'i', 0x18: 'o', 0x19: 'p',
	0x1C: '\n',
	0x1E: 'a', 0x1F: 's', 0x20: 'd', 0x21: 'f', 0x22: 'g',
	0x23: 'h', 0x24: 'j', 0x25: 'k', 0x26: 'l',
	0x2C: 'z', 0x2D: 'x', 0x2E: 'c', 0x2F: 'v', 0x30: 'b',
	0x31: 'n', 0x32: 'm', 0x33: ',', 0x34: '.', 0x35: '/',
	0x39: ' ',
}

var asciimap = mkasciimap()

func mkasciimap() map[uint8]uint8 {
	m := make(map[uint8]uint8, len(scanmap))
	for sc, ch := range scanmap {
		m[ch] = sc
	}
	return m
}

// / AsciiToScancode maps a character back to its make code; the host
// / harness uses it to inject keys.
func AsciiToScancode(ch uint8) (uint8, bool) {
	sc, ok := asciimap[ch]
	return sc, ok
}

func (c *Cons_t) kbdInterrupt(regs *defs.Registers) {
	sc := c.m.Inb(0x60)
	if sc&0x80 != 0 {
		// key release
		return
	}
	ch, ok := scanmap[sc]
	if !ok {
		return
	}
	if !c.kbuf.Putc(ch) {
		clog.Warn("keyboard buffer full, key dropped")
		return
	}
	if c.waiting != nil {
		w := c.waiting
		c.waiting = nil
		c.s.Unblock(w)
	}
}

// / Getchar blocks the calling process until a key arrives.
func (c *Cons_t) Getchar() uint8 {
	for {
		c.s.LockScheduler()
		if ch, ok := c.kbuf.Getc(); ok {
			c.s.UnlockScheduler()
			return ch
		}
		c.waiting = c.s.Current()
		c.s.Block()
		c.s.UnlockScheduler()
		c.s.Yield()
	}
}

// / Text returns the trimmed characters of one VGA row, for the tests.
func (c *Cons_t) Text(row int) string {
	out := make([]uint8, 0, cols)
	fb := c.m.Phys(defs.VGAPHYS, cols*rows*2)
	for i := 0; i < cols; i++ {
		out = append(out, fb[(row*cols+i)*2])
	}
	end := len(out)
	for end > 0 && out[end-1] == ' ' {
		end--
	}
	return string(out[:end])
}
