package machine

// The debug port and the keyboard controller. The VGA text buffer
// needs no device model: it is plain physical memory at 0xB8000.

const e9Port uint16 = 0xE9

const (
	kbdData   uint16 = 0x60
	kbdStatus uint16 = 0x64
)

// / AttachE9 wires the 0xE9 debug port to sink. Every byte the kernel
// / writes there reaches the host immediately.
func AttachE9(m *Machine_t, sink func(uint8)) {
	m.RegisterPortOut(e9Port, func(_ uint16, v uint8) {
		if sink != nil {
			sink(v)
		}
	})
}

// / Kbddev_t emulates the 8042 far enough for a scancode queue behind
// / port 0x60 with IRQ1 per key.
type Kbddev_t struct {
	m     *Machine_t
	queue []uint8
}

// / AttachKbd puts the keyboard controller on the port bus.
func AttachKbd(m *Machine_t) *Kbddev_t {
	k := &Kbddev_t{m: m}
	m.RegisterPortIn(kbdData, func(_ uint16) uint8 {
		if len(k.queue) == 0 {
			return 0
		}
		v := k.queue[0]
		k.queue = k.queue[1:]
		return v
	})
	m.RegisterPortIn(kbdStatus, func(_ uint16) uint8 {
		if len(k.queue) > 0 {
			return 1
		}
		return 0
	})
	return k
}

// / Press queues a scancode and raises IRQ1.
func (k *Kbddev_t) Press(scancode uint8) {
	k.queue = append(k.queue, scancode)
	k.m.RaiseIRQ(1)
}
