package proc

import (
	"github.com/ZanovelloAlberto/Novix/kernel/caller"
)

// / Mutex_t is a blocking mutex with FIFO waiters and recursive-owner
// / counting. A released mutex hands ownership to the head waiter
// / atomically with its unblocking.
type Mutex_t struct {
	s           *Sched_t
	locked      bool
	lockedCount int
	owner       *Proc_t

	waith, waitt *Proc_t
}

// / MkMutex returns a new unlocked mutex bound to the scheduler.
func (s *Sched_t) MkMutex() *Mutex_t {
	return &Mutex_t{s: s}
}

// / Acquire takes the mutex, blocking the current process while
// / another one owns it. The owner may re-acquire; each extra
// / acquisition needs its own Release.
func (mut *Mutex_t) Acquire() {
	s := mut.s
	if s.current == nil {
		// single-threaded bring-up, nothing to exclude yet
		return
	}
	s.LockScheduler()

	if mut.locked {
		if mut.owner == s.current {
			mut.lockedCount++
			s.UnlockScheduler()
			return
		}

		me := s.current
		me.next = nil
		if mut.waith == nil {
			mut.waith = me
		}
		if mut.waitt != nil {
			mut.waitt.next = me
		}
		mut.waitt = me

		me.Status = BLOCKED
		s.UnlockScheduler()
		s.Yield()
		// ownership was transferred by the releasing process
		return
	}

	mut.locked = true
	mut.owner = s.current
	s.UnlockScheduler()
}

// / Release drops one level of ownership. Releasing a mutex the
// / current process does not own is a logged no-op.
func (mut *Mutex_t) Release() {
	s := mut.s
	if s.current == nil {
		return
	}
	if mut.owner != s.current {
		slog.Errorf("process %d released a mutex it does not own\n%s",
			s.current.Id, caller.Callerdump(2))
		return
	}

	if mut.lockedCount != 0 {
		mut.lockedCount--
		return
	}

	if mut.waith != nil {
		s.LockScheduler()

		released := mut.waith
		if mut.waith == mut.waitt {
			mut.waitt = nil
		}
		mut.waith = mut.waith.next

		mut.owner = released

		s.Unblock(released)
		s.UnlockScheduler()
		return
	}

	mut.locked = false
	mut.owner = nil
}

// / Locked reports whether the mutex is held.
func (mut *Mutex_t) Locked() bool {
	return mut.locked
}

// / Owner returns the owning process or nil.
func (mut *Mutex_t) Owner() *Proc_t {
	return mut.owner
}

// / LockedCount returns the recursion depth beyond the first
// / acquisition.
func (mut *Mutex_t) LockedCount() int {
	return mut.lockedCount
}

// / Waiters lists the ids of the blocked waiters in FIFO order.
func (mut *Mutex_t) Waiters() []int64 {
	var out []int64
	for p := mut.waith; p != nil; p = p.next {
		out = append(out, p.Id)
	}
	return out
}
