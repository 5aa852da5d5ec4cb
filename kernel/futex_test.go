package kernel

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/mem"
)

func TestFutex(t *testing.T) {
	n := neko.Modern(t)

	setup := func(k *Kernel) (*Process, *Task) {
		p, task := testProcess(k, DefaultPriority)

		err := p.Space.Map(0x1000, mem.PageSize, mem.PermRead|mem.PermWrite)
		require.NoError(t, err)

		return p, task
	}

	n.It("returns EAGAIN when the value already changed", func(t *testing.T) {
		k := testKernel()
		p, task := setup(k)

		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], 7)

		_, err := p.Space.WriteAt(word[:], 0x1000)
		require.NoError(t, err)

		ret := k.Futexes.Wait(task, 0x1000, 3)
		require.Equal(t, int64(-abi.EAGAIN), ret)
		require.NotEqual(t, TaskBlocked, k.Sched.StateOf(task))
	})

	n.It("blocks on a matching value until woken", func(t *testing.T) {
		k := testKernel()
		_, task := setup(k)

		k.Sched.PickNext()

		ret := k.Futexes.Wait(task, 0x1000, 0)
		require.Equal(t, RetBlocked, ret)
		require.Equal(t, TaskBlocked, k.Sched.StateOf(task))
	})

	n.It("wakes in FIFO order up to the requested count", func(t *testing.T) {
		k := testKernel()
		p, t1 := setup(k)
		_, t2 := testProcess(k, DefaultPriority)
		_, t3 := testProcess(k, DefaultPriority)

		require.Equal(t, RetBlocked, k.Futexes.Wait(t1, 0x1000, 0))

		require.Equal(t, RetBlocked, futexWaitInSpace(k, t2, p, 0x1000))
		require.Equal(t, RetBlocked, futexWaitInSpace(k, t3, p, 0x1000))

		require.Equal(t, int64(2), k.Futexes.Wake(p, 0x1000, 2))

		require.Equal(t, TaskReady, k.Sched.StateOf(t1))
		require.Equal(t, TaskReady, k.Sched.StateOf(t2))
		require.Equal(t, TaskBlocked, k.Sched.StateOf(t3))

		require.Equal(t, int64(1), k.Futexes.Wake(p, 0x1000, 10))
		require.Equal(t, TaskReady, k.Sched.StateOf(t3))
	})

	n.It("delivers a zero result to the woken waiter", func(t *testing.T) {
		k := testKernel()
		p, task := setup(k)

		task.Ctx.R[0] = 202

		k.Futexes.Wait(task, 0x1000, 0)

		require.Equal(t, int64(1), k.Futexes.Wake(p, 0x1000, 1))
		require.Equal(t, uint64(0), task.Ctx.R[0])
	})

	n.It("keys by the frame behind the address", func(t *testing.T) {
		k := testKernel()
		p, task := setup(k)

		child, err := p.Space.CloneCOW()
		require.NoError(t, err)

		cp := &Process{Kernel: k, Space: child}
		_, err = k.Table.AssignPid(cp)
		require.NoError(t, err)

		ct := k.Table.NewTask(k, cp.Pid, DefaultPriority)
		cp.addTask(ct.ID)

		// Parent sleeps on its own mapping; the child's wake on the
		// shared frame reaches it.
		k.Futexes.Wait(task, 0x1000, 0)

		require.Equal(t, int64(1), k.Futexes.Wake(cp, 0x1000, 1))
	})

	n.It("faults on an unmapped futex word", func(t *testing.T) {
		k := testKernel()
		_, task := setup(k)

		ret := k.Futexes.Wait(task, 0x9000, 0)
		require.Equal(t, int64(-abi.EFAULT), ret)
	})

	n.Meow()
}

// futexWaitInSpace waits a task of another process on p's mapping, the
// shape multi-threaded user code takes once tasks share a space.
func futexWaitInSpace(k *Kernel, task *Task, p *Process, uaddr uint64) int64 {
	own := k.Table.Process(task.Pid)
	own.Space = p.Space

	return k.Futexes.Wait(task, uaddr, 0)
}
