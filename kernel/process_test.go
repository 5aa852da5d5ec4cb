package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi/linux"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/boundary"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/cpu"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/mem"
)

func TestFork(t *testing.T) {
	n := neko.Modern(t)

	n.It("creates a child resuming with a zero return", func(t *testing.T) {
		k := testKernel()

		p, task := testProcess(k, DefaultPriority)
		task.Ctx.PC = 0x100
		task.Ctx.R[0] = 57

		child, err := p.Fork(task)
		require.NoError(t, err)

		require.Equal(t, p.Pid, child.Parent)
		require.NotEqual(t, p.Pid, child.Pid)

		ids := child.Tasks()
		require.Len(t, ids, 1)

		ct := k.Table.Task(ids[0])
		require.Equal(t, uint64(0x100), ct.Ctx.PC)
		require.Equal(t, uint64(0), ct.Ctx.R[0])
		require.Equal(t, TaskReady, k.Sched.StateOf(ct))
	})

	n.It("shares memory copy-on-write", func(t *testing.T) {
		k := testKernel()

		p, task := testProcess(k, DefaultPriority)

		require.NoError(t, p.Space.Map(0x1000, mem.PageSize, mem.PermRead|mem.PermWrite))
		require.Nil(t, p.Space.Store(0x1000, 7))

		child, err := p.Fork(task)
		require.NoError(t, err)

		v, flt := child.Space.Load(0x1000)
		require.Nil(t, flt)
		require.Equal(t, uint64(7), v)

		// Writes on either side now fault until resolved.
		require.NotNil(t, p.Space.Store(0x1000, 8))
		require.NotNil(t, child.Space.Store(0x1000, 9))
	})

	n.It("reuses the lowest free pid", func(t *testing.T) {
		k := testKernel()

		p, task := testProcess(k, DefaultPriority)

		c1, err := p.Fork(task)
		require.NoError(t, err)

		c2, err := p.Fork(task)
		require.NoError(t, err)

		first := c1.Pid

		c1.Exit(0, 0)
		_, _, err = k.ReapChild(p, c1.Pid)
		require.NoError(t, err)

		c3, err := p.Fork(task)
		require.NoError(t, err)

		require.Equal(t, first, c3.Pid)
		require.NotEqual(t, c2.Pid, c3.Pid)
	})

	n.It("fails cleanly when the process table is full", func(t *testing.T) {
		k := testKernel()
		k.Table.maxProcs = 3

		p, task := testProcess(k, DefaultPriority)

		_, err := p.Fork(task)
		require.NoError(t, err)

		_, err = p.Fork(task)
		require.NoError(t, err)

		_, err = p.Fork(task)
		require.ErrorIs(t, err, ErrNoPids)

		// The failed fork must not leak a table slot.
		_, _, err = k.ReapChild(p, -1)
		require.NoError(t, err)
	})

	n.It("inherits dispositions but not pending signals", func(t *testing.T) {
		k := testKernel()

		p, task := testProcess(k, DefaultPriority)

		p.Signals().SetAction(linux.SIGUSR1, SigAction{Handler: 0x2000})
		p.Signals().Send(linux.SIGTERM)

		child, err := p.Fork(task)
		require.NoError(t, err)

		require.Zero(t, child.Signals().Pending())

		act, err := child.Signals().Action(linux.SIGUSR1)
		require.NoError(t, err)
		require.Equal(t, uint64(0x2000), act.Handler)
	})

	n.Meow()
}

func TestExitAndWait(t *testing.T) {
	n := neko.Modern(t)

	n.It("zombifies the process and signals the parent", func(t *testing.T) {
		k := testKernel()

		p, task := testProcess(k, DefaultPriority)

		child, err := p.Fork(task)
		require.NoError(t, err)

		child.Exit(3, 0)

		require.Equal(t, ProcessZombie, child.Status())
		require.NotZero(t, p.Signals().Pending()&(1<<linux.SIGCHLD))

		ct := k.Table.Task(child.Tasks()[0])
		require.Equal(t, TaskZombie, k.Sched.StateOf(ct))
	})

	n.It("reaps a zombie child and frees its pid", func(t *testing.T) {
		k := testKernel()

		p, task := testProcess(k, DefaultPriority)

		child, err := p.Fork(task)
		require.NoError(t, err)

		child.Exit(3, 0)

		pid, st, err := k.ReapChild(p, -1)
		require.NoError(t, err)
		require.Equal(t, child.Pid, pid)
		require.Equal(t, int32(3<<8), st.Wait())

		require.Nil(t, k.Table.Process(pid))
	})

	n.It("encodes a signal death in the wait status", func(t *testing.T) {
		k := testKernel()

		p, task := testProcess(k, DefaultPriority)

		child, err := p.Fork(task)
		require.NoError(t, err)

		k.KillProcess(child, linux.SIGSEGV)

		_, st, err := k.ReapChild(p, -1)
		require.NoError(t, err)
		require.Equal(t, int32(linux.SIGSEGV), st.Wait())
	})

	n.It("reports no children when none exist", func(t *testing.T) {
		k := testKernel()

		p, _ := testProcess(k, DefaultPriority)

		_, _, err := k.ReapChild(p, -1)
		require.ErrorIs(t, err, ErrNoChildren)
	})

	n.It("reports nothing ready while children run", func(t *testing.T) {
		k := testKernel()

		p, task := testProcess(k, DefaultPriority)

		_, err := p.Fork(task)
		require.NoError(t, err)

		pid, _, err := k.ReapChild(p, -1)
		require.NoError(t, err)
		require.Zero(t, pid)
	})

	n.It("notifies registered exit listeners", func(t *testing.T) {
		k := testKernel()

		p, task := testProcess(k, DefaultPriority)

		exits := make(chan struct{}, 1)
		k.Events.RegisterChannel(ProcessExited, exits)

		child, err := p.Fork(task)
		require.NoError(t, err)

		child.Exit(0, 0)

		select {
		case <-exits:
		default:
			t.Fatal("exit produced no event")
		}
	})

	n.It("reaps every exited child exactly once", func(t *testing.T) {
		k := testKernel()

		p, task := testProcess(k, DefaultPriority)

		want := map[int]int32{}

		for code := 1; code <= 3; code++ {
			c, err := p.Fork(task)
			require.NoError(t, err)

			c.Exit(code, 0)
			want[c.Pid] = int32(code << 8)
		}

		for len(want) > 0 {
			pid, st, err := k.ReapChild(p, -1)
			require.NoError(t, err)
			require.Equal(t, want[pid], st.Wait())
			delete(want, pid)
		}

		_, _, err := k.ReapChild(p, -1)
		require.ErrorIs(t, err, ErrNoChildren)
	})

	n.It("filters on a specific pid", func(t *testing.T) {
		k := testKernel()

		p, task := testProcess(k, DefaultPriority)

		c1, err := p.Fork(task)
		require.NoError(t, err)

		c2, err := p.Fork(task)
		require.NoError(t, err)

		c1.Exit(1, 0)

		// Waiting on the running child sees nothing yet.
		pid, _, err := k.ReapChild(p, c2.Pid)
		require.NoError(t, err)
		require.Zero(t, pid)

		pid, st, err := k.ReapChild(p, c1.Pid)
		require.NoError(t, err)
		require.Equal(t, c1.Pid, pid)
		require.Equal(t, int32(1<<8), st.Wait())
	})

	n.It("treats an unknown pid filter as no children", func(t *testing.T) {
		k := testKernel()

		p, task := testProcess(k, DefaultPriority)

		_, err := p.Fork(task)
		require.NoError(t, err)

		_, _, err = k.ReapChild(p, 9999)
		require.ErrorIs(t, err, ErrNoChildren)
	})

	n.It("returns stack and space frames on reap", func(t *testing.T) {
		pool := mem.NewPool(64)
		k := NewKernel(mem.NewManager(pool), boundary.MapSource{})

		p, task := testProcess(k, DefaultPriority)
		require.NoError(t, p.Space.Map(0x1000, 4*mem.PageSize, mem.PermRead|mem.PermWrite))

		free := pool.FreeCount()

		child, err := p.Fork(task)
		require.NoError(t, err)

		// Child writes force private copies.
		for va := uint64(0x1000); va < 0x5000; va += mem.PageSize {
			require.NoError(t, child.Space.ResolveFault(va, cpu.AccessWrite))
		}

		child.Exit(0, 0)

		_, _, err = k.ReapChild(p, -1)
		require.NoError(t, err)

		require.Equal(t, free, pool.FreeCount())
	})

	n.It("only exits once", func(t *testing.T) {
		k := testKernel()

		p, task := testProcess(k, DefaultPriority)

		child, err := p.Fork(task)
		require.NoError(t, err)

		child.Exit(2, 0)
		child.Exit(7, 0)

		require.Equal(t, 2, child.ExitStatus().Code)
	})

	n.Meow()
}
