package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi/linux"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/mem"
)

func TestSignalState(t *testing.T) {
	n := neko.Modern(t)

	n.It("collapses duplicate sends", func(t *testing.T) {
		var s SignalState

		require.NoError(t, s.Send(linux.SIGUSR1))
		require.NoError(t, s.Send(linux.SIGUSR1))

		sig, _, ok := s.Dequeue()
		require.True(t, ok)
		require.Equal(t, linux.SIGUSR1, sig)

		_, _, ok = s.Dequeue()
		require.False(t, ok)
	})

	n.It("delivers the lowest pending signal first", func(t *testing.T) {
		var s SignalState

		s.Send(linux.SIGTERM)
		s.Send(linux.SIGHUP)

		sig, _, ok := s.Dequeue()
		require.True(t, ok)
		require.Equal(t, linux.SIGHUP, sig)

		sig, _, ok = s.Dequeue()
		require.True(t, ok)
		require.Equal(t, linux.SIGTERM, sig)
	})

	n.It("holds blocked signals pending", func(t *testing.T) {
		var s SignalState

		_, err := s.ProcMask(linux.SIG_BLOCK, 1<<linux.SIGUSR1)
		require.NoError(t, err)

		s.Send(linux.SIGUSR1)

		_, _, ok := s.Dequeue()
		require.False(t, ok)

		old, err := s.ProcMask(linux.SIG_UNBLOCK, 1<<linux.SIGUSR1)
		require.NoError(t, err)
		require.NotZero(t, old&(1<<linux.SIGUSR1))

		sig, _, ok := s.Dequeue()
		require.True(t, ok)
		require.Equal(t, linux.SIGUSR1, sig)
	})

	n.It("never blocks SIGKILL or SIGSTOP", func(t *testing.T) {
		var s SignalState

		_, err := s.ProcMask(linux.SIG_SETMASK, ^uint64(0))
		require.NoError(t, err)

		blocked := s.Blocked()
		require.Zero(t, blocked&(1<<linux.SIGKILL))
		require.Zero(t, blocked&(1<<linux.SIGSTOP))
	})

	n.It("refuses to change SIGKILL's disposition", func(t *testing.T) {
		var s SignalState

		_, err := s.SetAction(linux.SIGKILL, SigAction{Handler: 0x1000})
		require.Equal(t, ErrProtectedSignal, err)

		_, err = s.SetAction(linux.SIGSTOP, SigAction{Handler: linux.SIG_IGN})
		require.Equal(t, ErrProtectedSignal, err)
	})

	n.It("rejects out-of-range signal numbers", func(t *testing.T) {
		var s SignalState

		require.Equal(t, ErrBadSignal, s.Send(0))
		require.Equal(t, ErrBadSignal, s.Send(linux.NSIG))

		_, err := s.SetAction(linux.NSIG+3, SigAction{})
		require.Equal(t, ErrBadSignal, err)
	})

	n.It("strips protected bits from a handler mask", func(t *testing.T) {
		var s SignalState

		_, err := s.SetAction(linux.SIGUSR1, SigAction{
			Handler: 0x1000,
			Mask:    1<<linux.SIGKILL | 1<<linux.SIGTERM,
		})
		require.NoError(t, err)

		act, err := s.Action(linux.SIGUSR1)
		require.NoError(t, err)
		require.Equal(t, uint64(1<<linux.SIGTERM), act.Mask)
	})

	n.It("forks dispositions and mask but not pending bits", func(t *testing.T) {
		var s SignalState

		s.SetAction(linux.SIGUSR1, SigAction{Handler: 0x1000})
		s.ProcMask(linux.SIG_BLOCK, 1<<linux.SIGTERM)
		s.Send(linux.SIGHUP)

		c := s.Fork()

		require.Zero(t, c.Pending())
		require.Equal(t, s.Blocked(), c.Blocked())

		act, err := c.Action(linux.SIGUSR1)
		require.NoError(t, err)
		require.Equal(t, uint64(0x1000), act.Handler)
	})

	n.It("resets dispositions to default", func(t *testing.T) {
		var s SignalState

		s.SetAction(linux.SIGUSR1, SigAction{Handler: 0x1000})
		s.ResetActions()

		act, err := s.Action(linux.SIGUSR1)
		require.NoError(t, err)
		require.Equal(t, uint64(linux.SIG_DFL), act.Handler)
	})

	n.Meow()
}

func TestSendSignal(t *testing.T) {
	n := neko.Modern(t)

	n.It("queues on the target process", func(t *testing.T) {
		k := testKernel()

		p, _ := testProcess(k, DefaultPriority)

		require.NoError(t, k.SendSignal(p.Pid, linux.SIGUSR2))
		require.NotZero(t, p.Signals().Pending()&(1<<linux.SIGUSR2))
	})

	n.It("fails for a pid that does not exist", func(t *testing.T) {
		k := testKernel()

		err := k.SendSignal(42, linux.SIGTERM)
		require.Error(t, err)
	})

	n.It("kills outright on SIGKILL", func(t *testing.T) {
		k := testKernel()

		p, _ := testProcess(k, DefaultPriority)

		require.NoError(t, k.SendSignal(p.Pid, linux.SIGKILL))
		require.Equal(t, ProcessZombie, p.Status())
		require.Equal(t, linux.SIGKILL, p.ExitStatus().Signo)
	})

	n.It("wakes a futex sleeper with EINTR", func(t *testing.T) {
		k := testKernel()

		p, task := testProcess(k, DefaultPriority)

		require.NoError(t, p.Space.Map(0x1000, 4096, mem.PermRead|mem.PermWrite))

		k.Sched.PickNext()

		ret := k.Futexes.Wait(task, 0x1000, 0)
		require.Equal(t, RetBlocked, ret)
		require.Equal(t, TaskBlocked, k.Sched.StateOf(task))

		require.NoError(t, k.SendSignal(p.Pid, linux.SIGUSR1))

		require.Equal(t, TaskReady, k.Sched.StateOf(task))
		require.Equal(t, int64(-abi.EINTR), int64(task.Ctx.R[0]))

		// Off the futex queue: a later wake finds nobody.
		require.Equal(t, int64(0), k.Futexes.Wake(p, 0x1000, 1))
	})

	n.Meow()
}
