package proc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/machine"
	"github.com/ZanovelloAlberto/Novix/kernel/mem"
	"github.com/ZanovelloAlberto/Novix/kernel/proc"
	"github.com/ZanovelloAlberto/Novix/kernel/valloc"
	"github.com/ZanovelloAlberto/Novix/kernel/vm"
)

const testMiB = 16

func testinfo() *defs.Bootinfo_t {
	total := uint64(testMiB) << 20
	return &defs.Bootinfo_t{
		MemorySizeKiB: testMiB * 1024,
		Memblocks: []defs.Memblock_t{
			{Base: 0x0, Length: 0x9F000, Type: defs.MEM_AVAILABLE},
			{Base: 0x9F000, Length: 0x61000, Type: defs.MEM_RESERVED},
			{Base: 0x100000, Length: 0x400000, Type: defs.MEM_RESERVED},
			{Base: 0x500000, Length: total - 0x500000, Type: defs.MEM_AVAILABLE},
		},
	}
}

func mksched(t *testing.T) (*machine.Machine_t, *proc.Sched_t) {
	t.Helper()
	m := machine.MkMachine(testMiB * 1024)
	require.Equal(t, defs.Err_t(0), mem.Phys_init(m, testinfo()))
	require.Equal(t, defs.Err_t(0), vm.Vm_init(m, mem.Physmem))
	require.Equal(t, defs.Err_t(0), valloc.Valloc_init(vm.Kvm))
	s := proc.InitMultitasking(m, vm.Kvm, valloc.Kvalloc)
	m.RegisterIRQ(0, func(*defs.Registers) { s.OnTick() })
	m.Sti()
	s.EnableMultitasking()
	return m, s
}

// drain runs the scheduler from the idle context until every created
// process has finished and been reaped.
func drain(m *machine.Machine_t, s *proc.Sched_t) {
	for i := 0; i < 10000; i++ {
		m.Tick()
		if len(s.ReadyIds()) == 0 && s.DeadCount() == 0 && len(s.SleepList()) == 0 {
			return
		}
	}
	panic("processes never drained")
}

func TestRoundRobinOrder(t *testing.T) {
	m, s := mksched(t)
	var order []int

	for i := 1; i <= 3; i++ {
		i := i
		require.NotNil(t, s.CreateKernel(func() {
			order = append(order, i)
		}))
	}
	s.Yield()
	drain(m, s)
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestCurrentIsAlwaysRunning(t *testing.T) {
	m, s := mksched(t)
	require.Equal(t, proc.RUNNING, s.Current().Status)
	require.Equal(t, s.Idle(), s.Current())

	done := false
	s.CreateKernel(func() {
		require.Equal(t, proc.RUNNING, s.Current().Status)
		require.NotEqual(t, s.Idle(), s.Current())
		done = true
	})
	s.Yield()
	drain(m, s)
	require.True(t, done)
	require.Equal(t, s.Idle(), s.Current())
}

func TestIdleNeverOnReadyQueue(t *testing.T) {
	m, s := mksched(t)
	for i := 0; i < 3; i++ {
		s.CreateKernel(func() {
			for j := 0; j < 5; j++ {
				for _, id := range s.ReadyIds() {
					require.NotEqual(t, s.Idle().Id, id)
				}
				s.Yield()
			}
		})
	}
	s.Yield()
	drain(m, s)
}

func TestReaperFreesProcesses(t *testing.T) {
	m, s := mksched(t)
	free0 := mem.Physmem.FreeCount()
	live0 := valloc.Kvalloc.Livecount()

	for i := 0; i < 4; i++ {
		require.NotNil(t, s.CreateKernel(func() {}))
	}
	s.Yield()
	drain(m, s)

	require.Zero(t, s.DeadCount())
	require.Equal(t, live0, valloc.Kvalloc.Livecount())
	require.Equal(t, free0, mem.Physmem.FreeCount())
}

func TestSleepOrdering(t *testing.T) {
	m, s := mksched(t)
	var order []int64

	mkSleeper := func(ms uint32) *proc.Proc_t {
		return s.CreateKernel(func() {
			s.Sleep(ms)
			order = append(order, s.Current().Id)
		})
	}
	p1 := mkSleeper(300)
	p2 := mkSleeper(100)
	p3 := mkSleeper(200)
	s.Yield()

	// all three parked, sorted by wake tick
	sl := s.SleepList()
	require.Len(t, sl, 3)
	require.Equal(t, uint64(p2.Id), sl[0][0])
	require.Equal(t, uint64(p3.Id), sl[1][0])
	require.Equal(t, uint64(p1.Id), sl[2][0])
	require.LessOrEqual(t, sl[0][1], sl[1][1])
	require.LessOrEqual(t, sl[1][1], sl[2][1])

	m.TickN(150)
	require.Equal(t, []int64{p2.Id}, order)
	m.TickN(100)
	require.Equal(t, []int64{p2.Id, p3.Id}, order)
	m.TickN(100)
	require.Equal(t, []int64{p2.Id, p3.Id, p1.Id}, order)
	drain(m, s)
}

func TestMutexFifoHandoff(t *testing.T) {
	m, s := mksched(t)
	mut := s.MkMutex()
	var order []int

	holder := s.CreateKernel(func() {
		mut.Acquire()
		for len(mut.Waiters()) < 3 {
			require.Zero(t, mut.LockedCount())
			s.Yield()
		}
		mut.Release()
		order = append(order, 0)
	})
	require.NotNil(t, holder)
	for i := 1; i <= 3; i++ {
		i := i
		s.CreateKernel(func() {
			mut.Acquire()
			require.Equal(t, s.Current(), mut.Owner())
			order = append(order, i)
			mut.Release()
		})
	}

	s.Yield()
	drain(m, s)
	require.Equal(t, []int{0, 1, 2, 3}, order)
	require.False(t, mut.Locked())
	require.Nil(t, mut.Owner())
}

func TestMutexRecursive(t *testing.T) {
	m, s := mksched(t)
	mut := s.MkMutex()
	done := false

	s.CreateKernel(func() {
		mut.Acquire()
		mut.Acquire()
		require.Equal(t, 1, mut.LockedCount())
		mut.Release()
		require.True(t, mut.Locked())
		require.Equal(t, s.Current(), mut.Owner())
		mut.Release()
		require.False(t, mut.Locked())
		done = true
	})
	s.Yield()
	drain(m, s)
	require.True(t, done)
}

func TestMutexForeignRelease(t *testing.T) {
	m, s := mksched(t)
	mut := s.MkMutex()

	s.CreateKernel(func() {
		mut.Acquire()
		s.Sleep(50)
		mut.Release()
	})
	s.CreateKernel(func() {
		// not the owner: logged and ignored
		mut.Release()
		require.True(t, mut.Locked())
	})
	s.Yield()
	drain(m, s)
	require.False(t, mut.Locked())
}

func TestBlockUnblock(t *testing.T) {
	m, s := mksched(t)
	var p *proc.Proc_t
	ran := false
	p = s.CreateKernel(func() {
		s.Block()
		s.Yield()
		ran = true
	})
	s.Yield()
	require.False(t, ran)
	require.Equal(t, proc.BLOCKED, p.Status)

	s.Unblock(p)
	s.Yield()
	drain(m, s)
	require.True(t, ran)
}

func TestUserProcessWithoutLoader(t *testing.T) {
	m, s := mksched(t)
	// no user loader wired: the spawn trampoline loads nothing and
	// the process terminates cleanly
	p := s.CreateUser([]uint8("/bin/hello"))
	require.NotNil(t, p)
	require.True(t, p.User)
	s.Yield()
	drain(m, s)
	require.Zero(t, s.DeadCount())
}
