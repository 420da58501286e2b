package stats

import "reflect"
import "strconv"
import "strings"
import "sync/atomic"
import "unsafe"

// / Nirqs counts deliveries per IRQ line.
var Nirqs [16]int64

// / Irqs is the total interrupt count.
var Irqs int64

// / Counter_t is a statistical counter.
type Counter_t int64

// / Inc increments the counter.
func (c *Counter_t) Inc() {
	n := (*int64)(unsafe.Pointer(c))
	atomic.AddInt64(n, 1)
}

// / Add adds m to the counter.
func (c *Counter_t) Add(m int64) {
	n := (*int64)(unsafe.Pointer(c))
	atomic.AddInt64(n, m)
}

// / Read returns the current value.
func (c *Counter_t) Read() int64 {
	n := (*int64)(unsafe.Pointer(c))
	return atomic.LoadInt64(n)
}

// / Kstats_t gathers the kernel-wide counters kept by the subsystems.
type Kstats_t struct {
	Ctxswitches Counter_t
	Ticks       Counter_t
	Wakeups     Counter_t
	Frameallocs Counter_t
	Framefrees  Counter_t
	Kmallocs    Counter_t
	Kfrees      Counter_t
	Sbrks       Counter_t
	Tlbflushes  Counter_t
	Fdcreads    Counter_t
	Fdcretries  Counter_t
	Vfsopens    Counter_t
	Vfsreads    Counter_t
}

// / Kstats is the global counter instance.
var Kstats = &Kstats_t{}

// / Stats2String converts a struct of counters to a printable string.
func Stats2String(st interface{}) string {
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}
