// Package proc is the preemptive round-robin scheduler: the ready and
// dead FIFOs, the sorted sleep list, the cleaner task that reaps dead
// processes, and the blocking mutex. Each process owns a goroutine;
// the context-switch primitive parks the previous one and unparks the
// next, so exactly one process executes at any time, like on the
// single CPU this kernel targets.
package proc

import (
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/machine"
	"github.com/ZanovelloAlberto/Novix/kernel/stats"
	"github.com/ZanovelloAlberto/Novix/kernel/ustr"
	"github.com/ZanovelloAlberto/Novix/kernel/valloc"
	"github.com/ZanovelloAlberto/Novix/kernel/vm"
)

var slog = logrus.WithField("sub", "sched")

// / Status_t is a process's scheduling state.
type Status_t int

const (
	DEAD Status_t = iota
	RUNNING
	READY
	BLOCKED
)

func (s Status_t) String() string {
	return [...]string{"DEAD", "RUNNING", "READY", "BLOCKED"}[s]
}

// / Proc_t is one process control block. A process is on at most one
// / of the ready queue, the dead queue, a mutex waiter queue or the
// / sleep list, so a single link pointer suffices.
type Proc_t struct {
	PhysPdbr defs.Pa_t
	Stack    defs.Va_t
	SavedEsp defs.Va_t
	Id       int64
	User     bool
	Status   Status_t
	Ticks    int64
	next     *Proc_t

	entry  func()
	path   ustr.Ustr
	resume chan struct{}
}

type sleep_t struct {
	proc *Proc_t
	wake uint64
	next *sleep_t
}

// / Sched_t is the scheduler state, all of it guarded by the
// / interrupt-masking scheduler lock.
type Sched_t struct {
	m   *machine.Machine_t
	kvm *vm.Vmem_t
	kva *valloc.Valloc_t

	idle    *Proc_t
	cleaner *Proc_t
	current *Proc_t

	readyh, readyt *Proc_t
	deadh, deadt   *Proc_t
	sleepl         *sleep_t

	disableIrqCount uint32
	pids            int64
	enabled         bool

	// Userload stages a user binary for spawn; the boot sequence
	// points it at the VFS so this package stays below it.
	Userload func(path ustr.Ustr, dst defs.Va_t, max int) int
}

// / Sched is the global scheduler instance.
var Sched = &Sched_t{}

//
// scheduler lock
//

// / LockScheduler disables interrupts and bumps the nesting count.
func (s *Sched_t) LockScheduler() {
	s.m.Cli()
	s.disableIrqCount++
}

// / UnlockScheduler drops one nesting level and re-enables interrupts
// / at the outermost release.
func (s *Sched_t) UnlockScheduler() {
	if s.disableIrqCount == 0 {
		return
	}
	s.disableIrqCount--
	if s.disableIrqCount == 0 {
		s.m.Sti()
	}
}

// schedlock_t adapts the scheduler lock to the allocator interfaces.
type schedlock_t struct {
	s *Sched_t
}

func (l schedlock_t) Lock()   { l.s.LockScheduler() }
func (l schedlock_t) Unlock() { l.s.UnlockScheduler() }

// / Locker returns the scheduler lock as a plain Lock/Unlock pair for
// / subsystems that need a critical section.
func (s *Sched_t) Locker() schedlock_t {
	return schedlock_t{s}
}

//
// queues
//

func (s *Sched_t) addReady(p *Proc_t) {
	s.LockScheduler()
	if s.readyh == nil {
		s.readyh = p
	}
	if s.readyt != nil {
		s.readyt.next = p
	}
	s.readyt = p
	p.Status = READY
	p.next = nil
	s.UnlockScheduler()
}

func (s *Sched_t) addDead(p *Proc_t) {
	s.LockScheduler()
	if s.deadh == nil {
		s.deadh = p
	}
	if s.deadt != nil {
		s.deadt.next = p
	}
	s.deadt = p
	p.Status = DEAD
	p.next = nil
	s.UnlockScheduler()
}

func (s *Sched_t) selectNext() *Proc_t {
	s.LockScheduler()

	if s.current.Status == RUNNING && s.current != s.idle {
		// never enqueue the idle task, nor anything blocked or dead
		s.addReady(s.current)
	}

	if s.readyh == nil {
		s.current = s.idle
		s.current.Status = RUNNING
		s.UnlockScheduler()
		return s.current
	}

	s.current = s.readyh
	s.current.Status = RUNNING
	if s.readyh == s.readyt {
		s.readyh, s.readyt = nil, nil
	} else {
		s.readyh = s.readyh.next
	}
	s.UnlockScheduler()
	return s.current
}

//
// context switch
//

func (s *Sched_t) ctxswitch(prev, next *Proc_t) {
	stats.Kstats.Ctxswitches.Inc()
	if next.User {
		s.m.SetKernelStack(next.Stack + defs.PGSIZE)
	}
	s.m.SetPDBR(next.PhysPdbr)
	s.m.TlbFlush()
	next.resume <- struct{}{}
	if prev.Status == DEAD {
		// a terminated process is never resumed
		runtime.Goexit()
	}
	<-prev.resume
}

// / Yield hands the CPU to the next ready process, or keeps running
// / when there is none.
func (s *Sched_t) Yield() {
	if s.current == nil {
		return
	}
	s.LockScheduler()

	prev := s.current
	next := s.selectNext()

	if prev != next {
		s.ctxswitch(prev, next)
	}

	s.UnlockScheduler()
}

// / Block marks the current process blocked; the caller yields next.
func (s *Sched_t) Block() {
	s.LockScheduler()
	s.current.Status = BLOCKED
	s.UnlockScheduler()
}

// / Unblock puts p at the front of the ready queue so it runs right
// / away.
func (s *Sched_t) Unblock(p *Proc_t) {
	s.LockScheduler()
	p.next = s.readyh
	s.readyh = p
	s.readyh.Status = READY
	if s.readyt == nil {
		s.readyt = s.readyh
	}
	s.UnlockScheduler()
}

//
// lifecycle
//

func (s *Sched_t) mkproc(user bool) *Proc_t {
	p := &Proc_t{
		Id:     s.pids,
		User:   user,
		resume: make(chan struct{}, 1),
	}
	s.pids++
	return p
}

func (s *Sched_t) setup(p *Proc_t) bool {
	pdbr, err := s.kvm.CreateAddressSpace()
	if err != 0 {
		slog.Error("create: no address space")
		return false
	}
	p.PhysPdbr = pdbr
	p.Stack = s.kva.Vmalloc(1)
	if p.Stack == 0 {
		s.kvm.DestroyAddressSpace(pdbr)
		slog.Error("create: no stack")
		return false
	}
	// the switch primitive resumes into spawn with the saved frame
	// (return address, five registers, eflags) below the stack top
	p.SavedEsp = p.Stack + defs.PGSIZE - 28
	go func() {
		<-p.resume
		s.spawn(p)
	}()
	return true
}

// / CreateKernel schedules entry as a new kernel process.
func (s *Sched_t) CreateKernel(entry func()) *Proc_t {
	p := s.mkproc(false)
	p.entry = entry
	if !s.setup(p) {
		return nil
	}
	p.Status = READY
	s.addReady(p)
	return p
}

// / CreateUser schedules the binary at path as a new user process.
func (s *Sched_t) CreateUser(path ustr.Ustr) *Proc_t {
	p := s.mkproc(true)
	p.path = path
	if !s.setup(p) {
		return nil
	}
	p.Status = READY
	s.addReady(p)
	return p
}

// spawn is the first code a new process runs after its first context
// switch; the switch-out side left the scheduler locked.
func (s *Sched_t) spawn(p *Proc_t) {
	s.UnlockScheduler()

	if p.User {
		if s.Userload == nil {
			slog.Error("spawn: no user loader")
			s.Terminate()
			return
		}
		if err := s.kvm.MapPage(defs.USERSTAGE, false); err != 0 {
			slog.Error("spawn: cannot stage binary")
			s.Terminate()
			return
		}
		n := s.Userload(p.path, defs.USERSTAGE, defs.PGSIZE-1)
		if n < 0 {
			slog.Errorf("spawn: failed to open %s", p.path)
			s.Terminate()
			return
		}
		s.m.SwitchToUser(defs.USERSTAGE+defs.PGSIZE-1, defs.USERSTAGE)
		s.Terminate()
		return
	}

	p.entry()
	s.Terminate()
}

// / Terminate moves the current process to the dead queue, kicks the
// / cleaner and leaves the CPU. It does not return.
func (s *Sched_t) Terminate() {
	s.LockScheduler()

	s.addDead(s.current)

	if s.cleaner.Status == BLOCKED {
		s.Unblock(s.cleaner)
	}

	s.UnlockScheduler()
	s.Yield()
	panic("dead process resumed")
}

func (s *Sched_t) deleteProc(p *Proc_t) {
	if p.PhysPdbr != s.kvm.KernPdbr() {
		s.kvm.DestroyAddressSpace(p.PhysPdbr)
	}
	if p.Stack != 0 {
		s.kva.Vfree(p.Stack)
	}
}

func (s *Sched_t) cleanerTask() {
	for {
		if s.deadh != nil {
			s.LockScheduler()
			dead := s.deadh
			if s.deadh == s.deadt {
				s.deadt = nil
			}
			s.deadh = s.deadh.next
			slog.Debugf("cleaning process %d", dead.Id)
			s.UnlockScheduler()

			s.deleteProc(dead)
			continue
		}

		s.Block()
		s.Yield()
	}
}

//
// sleeping
//

// / Sleep blocks the current process for at least ms timer ticks.
func (s *Sched_t) Sleep(ms uint32) {
	s.LockScheduler()

	e := &sleep_t{
		proc: s.current,
		wake: s.m.TickCount() + uint64(ms),
	}

	s.Block()

	if s.sleepl == nil || s.sleepl.wake > e.wake {
		e.next = s.sleepl
		s.sleepl = e
	} else {
		cur := s.sleepl
		for cur.next != nil && cur.next.wake <= e.wake {
			cur = cur.next
		}
		e.next = cur.next
		cur.next = e
	}

	s.UnlockScheduler()
	s.Yield()
}

// / Wakeup unblocks every sleeper whose deadline has passed, in
// / deadline order.
func (s *Sched_t) Wakeup() {
	s.LockScheduler()

	now := s.m.TickCount()
	for s.sleepl != nil && s.sleepl.wake <= now {
		stats.Kstats.Wakeups.Inc()
		s.Unblock(s.sleepl.proc)
		s.sleepl = s.sleepl.next
	}

	s.UnlockScheduler()
}

// / OnTick is the PIT handler body: account the running process, wake
// / sleepers, preempt.
func (s *Sched_t) OnTick() {
	if !s.enabled {
		return
	}
	if s.current != nil {
		s.current.Ticks++
	}
	s.Wakeup()
	s.Yield()
}

//
// bring-up
//

// / InitMultitasking turns the calling context into the idle process
// / and creates the blocked cleaner. The caller keeps running as idle.
func InitMultitasking(m *machine.Machine_t, kvm *vm.Vmem_t, kva *valloc.Valloc_t) *Sched_t {
	s := Sched
	s.m = m
	s.kvm = kvm
	s.kva = kva
	s.readyh, s.readyt = nil, nil
	s.deadh, s.deadt = nil, nil
	s.sleepl = nil
	s.disableIrqCount = 0
	s.pids = 0
	s.enabled = false

	// the idle process reuses the boot stack and address space
	idle := s.mkproc(false)
	idle.PhysPdbr = m.GetPDBR()
	idle.Status = RUNNING
	s.idle = idle
	s.current = idle

	cleaner := s.mkproc(false)
	cleaner.entry = s.cleanerTask
	cleaner.PhysPdbr = m.GetPDBR()
	cleaner.Stack = kva.Vmalloc(1)
	cleaner.SavedEsp = cleaner.Stack + defs.PGSIZE - 28
	cleaner.Status = BLOCKED
	go func() {
		<-cleaner.resume
		s.spawn(cleaner)
	}()
	s.cleaner = cleaner

	return s
}

// / EnableMultitasking lets the PIT drive preemption from here on.
func (s *Sched_t) EnableMultitasking() {
	s.enabled = true
}

// / Current returns the running process.
func (s *Sched_t) Current() *Proc_t {
	return s.current
}

// / Idle returns the idle process.
func (s *Sched_t) Idle() *Proc_t {
	return s.idle
}

// / Cleaner returns the reaper process.
func (s *Sched_t) Cleaner() *Proc_t {
	return s.cleaner
}

// / ReadyIds lists the ready queue front to back, for inspection.
func (s *Sched_t) ReadyIds() []int64 {
	var out []int64
	for p := s.readyh; p != nil; p = p.next {
		out = append(out, p.Id)
	}
	return out
}

// / SleepList returns (pid, wake) pairs in list order.
func (s *Sched_t) SleepList() [][2]uint64 {
	var out [][2]uint64
	for e := s.sleepl; e != nil; e = e.next {
		out = append(out, [2]uint64{uint64(e.proc.Id), e.wake})
	}
	return out
}

// / DeadCount returns the number of processes awaiting the cleaner.
func (s *Sched_t) DeadCount() int {
	n := 0
	for p := s.deadh; p != nil; p = p.next {
		n++
	}
	return n
}
